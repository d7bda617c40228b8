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

// Package status keeps a cached projection of pipeline counts so that
// dashboards and the stats endpoint never put query load on writers.
package status

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/claimdesk/docpipe/internal/metrics"
	"github.com/claimdesk/docpipe/internal/models"
)

// DefaultWindows are the created-within windows counted by default.
var DefaultWindows = []time.Duration{time.Hour, 24 * time.Hour, 7 * 24 * time.Hour}

// StatsSource computes fresh counts.
type StatsSource interface {
	Stats(ctx context.Context, windows []time.Duration, now time.Time) (models.Stats, error)
}

// Config holds the configuration for a Projector.
type Config struct {
	Store   StatsSource
	Metrics *metrics.Metrics

	Interval time.Duration
	Windows  []time.Duration
	// Timeout bounds one refresh query.
	Timeout time.Duration
	Clock   func() time.Time
}

// Snapshot is the most recent projection.
type Snapshot struct {
	Stats models.Stats `json:"stats"`
	// Age is how long ago Stats was computed. Zero before the first
	// successful refresh.
	Age       time.Duration `json:"age_ns"`
	Ready     bool          `json:"ready"`
	LastError string        `json:"last_error,omitempty"`
}

// Projector refreshes Stats on a ticker and serves the cached value.
type Projector struct {
	store    StatsSource
	metrics  *metrics.Metrics
	interval time.Duration
	windows  []time.Duration
	timeout  time.Duration
	now      func() time.Time

	mu      sync.RWMutex
	current models.Stats
	ready   bool
	lastErr error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Projector.
func New(cfg Config) *Projector {
	p := &Projector{
		store:    cfg.Store,
		metrics:  cfg.Metrics,
		interval: cfg.Interval,
		windows:  cfg.Windows,
		timeout:  cfg.Timeout,
		now:      cfg.Clock,
	}
	if p.interval <= 0 {
		p.interval = 15 * time.Second
	}
	if len(p.windows) == 0 {
		p.windows = DefaultWindows
	}
	if p.timeout <= 0 {
		p.timeout = 10 * time.Second
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Start refreshes once, then keeps refreshing in the background.
func (p *Projector) Start(ctx context.Context) {
	p.Refresh(ctx)

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Add(1)
	go p.loop(loopCtx)

	slog.Info("status projector started", "interval", p.interval)
}

// Stop shuts down the refresh loop.
func (p *Projector) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	slog.Info("status projector stopped")
}

func (p *Projector) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Refresh(ctx)
		}
	}
}

// Refresh recomputes the projection. A failure keeps the previous
// snapshot and is reported through Snapshot.
func (p *Projector) Refresh(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	st, err := p.store.Stats(ctx, p.windows, p.now())

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.lastErr = err
		p.metrics.RecordProjectionError()
		slog.Warn("status projection refresh failed", "error", err)
		return
	}
	p.current = st
	p.ready = true
	p.lastErr = nil
	p.metrics.SetStats(st)
}

// Snapshot returns the cached projection without touching the store.
func (p *Projector) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := Snapshot{Stats: p.current, Ready: p.ready}
	if p.ready {
		s.Age = p.now().Sub(p.current.GeneratedAt)
	}
	if p.lastErr != nil {
		s.LastError = p.lastErr.Error()
	}
	return s
}
