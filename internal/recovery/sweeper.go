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

// Package recovery re-enqueues records whose jobs were lost, for example
// when a worker crashed mid-job or an enqueue failed after intake.
package recovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/claimdesk/docpipe/internal/metrics"
	"github.com/claimdesk/docpipe/internal/models"
)

const (
	DefaultInterval   = time.Minute
	DefaultStaleAfter = 10 * time.Minute
	DefaultBatchSize  = 100
)

// StaleLister finds records that have not moved recently.
type StaleLister interface {
	ListStale(ctx context.Context, statuses []models.Status, before time.Time, limit int) ([]models.ProcessingRecord, error)
}

// Enqueuer queues a record for processing.
type Enqueuer interface {
	Enqueue(ctx context.Context, pid string) error
}

// Config holds the configuration for the sweeper.
type Config struct {
	Store    StaleLister
	Enqueuer Enqueuer
	Metrics  *metrics.Metrics

	Interval   time.Duration
	StaleAfter time.Duration
	BatchSize  int
	Clock      func() time.Time
}

// Sweeper periodically re-enqueues stale pending and processing records.
type Sweeper struct {
	store      StaleLister
	enqueuer   Enqueuer
	metrics    *metrics.Metrics
	interval   time.Duration
	staleAfter time.Duration
	batchSize  int
	now        func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a sweeper.
func New(cfg Config) *Sweeper {
	s := &Sweeper{
		store:      cfg.Store,
		enqueuer:   cfg.Enqueuer,
		metrics:    cfg.Metrics,
		interval:   cfg.Interval,
		staleAfter: cfg.StaleAfter,
		batchSize:  cfg.BatchSize,
		now:        cfg.Clock,
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.staleAfter <= 0 {
		s.staleAfter = DefaultStaleAfter
	}
	if s.batchSize <= 0 {
		s.batchSize = DefaultBatchSize
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Start runs the sweep loop in the background.
func (s *Sweeper) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.loop(loopCtx)

	slog.Info("recovery sweeper started",
		"interval", s.interval,
		"stale_after", s.staleAfter,
	)
}

// Stop shuts down the sweep loop.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	slog.Info("recovery sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				slog.Error("recovery sweep failed", "error", err)
			}
		}
	}
}

// Sweep re-enqueues one batch of stale records and returns how many were
// queued.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.staleAfter)
	records, err := s.store.ListStale(ctx,
		[]models.Status{models.StatusPending, models.StatusProcessing},
		cutoff, s.batchSize)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	slog.Info("re-enqueuing stale records", "count", len(records), "cutoff", cutoff)

	queued := 0
	for _, rec := range records {
		if err := s.enqueuer.Enqueue(ctx, rec.ProcessingID); err != nil {
			slog.Error("re-enqueue failed",
				"processing_id", rec.ProcessingID,
				"status", rec.Status,
				"error", err,
			)
			continue
		}
		queued++
	}
	s.metrics.RecordRequeued(queued)
	return queued, nil
}
