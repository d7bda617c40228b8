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

package recovery

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/claimdesk/docpipe/internal/coordinator"
	"github.com/claimdesk/docpipe/internal/models"
	"github.com/claimdesk/docpipe/internal/store/memstore"
)

type fakeEnqueuer struct {
	mu   sync.Mutex
	pids []string
	fail map[string]bool
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, pid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[pid] {
		return errors.New("queue unavailable")
	}
	f.pids = append(f.pids, pid)
	return nil
}

func (f *fakeEnqueuer) queued() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.pids...)
	sort.Strings(out)
	return out
}

func request(messageID string) models.IngestionRequest {
	return models.IngestionRequest{
		Kind: models.SourceEmail,
		Email: &models.EmailEnvelope{
			MessageID: messageID,
			From:      "adjuster@example.com",
			Subject:   "Claim",
			Body:      "See attached.",
		},
		Attachments: []models.AttachmentDescriptor{
			{Filename: "a.pdf", MIMEType: "application/pdf", Size: 10, Content: []byte("%PDF-1.7 x")},
		},
		Source: []byte("raw"),
	}
}

func TestSweepRequeuesStaleRecords(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	st := memstore.New()
	coord := coordinator.New(coordinator.Config{Store: st, Clock: func() time.Time { return t0 }})

	pending, err := coord.Submit(ctx, request("<a@x>"))
	if err != nil {
		t.Fatal(err)
	}
	processing, _ := coord.Submit(ctx, request("<b@x>"))
	if err := coord.MarkSourceUploaded(ctx, processing, "blob://src"); err != nil {
		t.Fatal(err)
	}
	failed, _ := coord.Submit(ctx, request("<c@x>"))
	if err := coord.MarkFailed(ctx, failed, "boom"); err != nil {
		t.Fatal(err)
	}

	enq := &fakeEnqueuer{}
	now := t0.Add(5 * time.Minute)
	s := New(Config{
		Store:      st,
		Enqueuer:   enq,
		StaleAfter: 10 * time.Minute,
		Clock:      func() time.Time { return now },
	})

	n, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("fresh records re-enqueued: %v", enq.queued())
	}

	now = t0.Add(time.Hour)
	n, err = s.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	want := []string{pending, processing}
	sort.Strings(want)
	got := enq.queued()
	if n != 2 || len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("re-enqueued %v (n=%d), want %v", got, n, want)
	}
}

func TestSweepContinuesPastEnqueueErrors(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	st := memstore.New()
	coord := coordinator.New(coordinator.Config{Store: st, Clock: func() time.Time { return t0 }})

	bad, _ := coord.Submit(ctx, request("<a@x>"))
	good, _ := coord.Submit(ctx, request("<b@x>"))

	enq := &fakeEnqueuer{fail: map[string]bool{bad: true}}
	s := New(Config{Store: st, Enqueuer: enq, Clock: func() time.Time { return t0.Add(time.Hour) }})

	n, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("queued %d, want 1", n)
	}
	if got := enq.queued(); len(got) != 1 || got[0] != good {
		t.Errorf("queued %v, want [%s]", got, good)
	}
}

func TestStartStop(t *testing.T) {
	st := memstore.New()
	coord := coordinator.New(coordinator.Config{Store: st, Clock: func() time.Time {
		return time.Now().Add(-time.Hour)
	}})
	pid, err := coord.Submit(context.Background(), request("<a@x>"))
	if err != nil {
		t.Fatal(err)
	}

	enq := &fakeEnqueuer{}
	s := New(Config{Store: st, Enqueuer: enq, Interval: 5 * time.Millisecond})
	s.Start(context.Background())

	deadline := time.Now().Add(5 * time.Second)
	for len(enq.queued()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()

	got := enq.queued()
	if len(got) == 0 || got[0] != pid {
		t.Fatalf("sweeper loop queued %v, want %s", got, pid)
	}
}
