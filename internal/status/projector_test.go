// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package status

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/claimdesk/docpipe/internal/coordinator"
	"github.com/claimdesk/docpipe/internal/metrics"
	"github.com/claimdesk/docpipe/internal/models"
	"github.com/claimdesk/docpipe/internal/store/memstore"
)

type flakySource struct {
	mu    sync.Mutex
	next  StatsSource
	err   error
	calls int
}

func (f *flakySource) Stats(ctx context.Context, windows []time.Duration, now time.Time) (models.Stats, error) {
	f.mu.Lock()
	f.calls++
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return models.Stats{}, err
	}
	return f.next.Stats(ctx, windows, now)
}

func (f *flakySource) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *flakySource) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestProjectorRefreshAndSnapshot(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	st := memstore.New()
	coord := coordinator.New(coordinator.Config{Store: st, Clock: clock})
	if _, err := coord.Submit(ctx, models.IngestionRequest{
		Kind:  models.SourceEmail,
		Email: &models.EmailEnvelope{From: "a@example.com", Subject: "hi", Body: "body only"},
	}); err != nil {
		t.Fatal(err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	src := &flakySource{next: st}
	p := New(Config{Store: src, Metrics: m, Clock: func() time.Time { return now }})

	if snap := p.Snapshot(); snap.Ready {
		t.Fatal("snapshot ready before first refresh")
	}

	p.Refresh(ctx)
	snap := p.Snapshot()
	if !snap.Ready || snap.LastError != "" {
		t.Fatalf("snapshot after refresh: %+v", snap)
	}
	if got := snap.Stats.ByStatus[models.StatusPending]; got != 1 {
		t.Errorf("pending = %d, want 1", got)
	}
	if got := testutil.ToFloat64(m.Records.WithLabelValues("pending")); got != 1 {
		t.Errorf("pending gauge = %v, want 1", got)
	}

	now = now.Add(30 * time.Second)
	if got := p.Snapshot().Age; got != 30*time.Second {
		t.Errorf("Age = %v, want 30s", got)
	}

	src.setErr(errors.New("database is locked"))
	p.Refresh(ctx)
	snap = p.Snapshot()
	if !snap.Ready || snap.Stats.ByStatus[models.StatusPending] != 1 {
		t.Error("failed refresh discarded the previous snapshot")
	}
	if snap.LastError != "database is locked" {
		t.Errorf("LastError = %q", snap.LastError)
	}
	if got := testutil.ToFloat64(m.ProjectionErrors); got != 1 {
		t.Errorf("projection errors = %v, want 1", got)
	}

	src.setErr(nil)
	p.Refresh(ctx)
	if snap := p.Snapshot(); snap.LastError != "" || snap.Age != 0 {
		t.Errorf("snapshot after recovery: %+v", snap)
	}
}

func TestProjectorLoop(t *testing.T) {
	src := &flakySource{next: memstore.New()}
	p := New(Config{Store: src, Interval: 5 * time.Millisecond})
	p.Start(context.Background())

	deadline := time.Now().Add(5 * time.Second)
	for src.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	p.Stop()

	if src.count() < 3 {
		t.Fatalf("loop refreshed %d times", src.count())
	}
	if !p.Snapshot().Ready {
		t.Error("snapshot not ready after Start")
	}
}
