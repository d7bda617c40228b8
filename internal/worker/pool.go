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

// Package worker runs the goroutines that take jobs off the queue and hand
// them to the pipeline runner.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/claimdesk/docpipe/internal/metrics"
	"github.com/claimdesk/docpipe/internal/pipeline"
	"github.com/claimdesk/docpipe/internal/queue"
)

// Processor handles one record.
type Processor interface {
	Process(ctx context.Context, pid string) (pipeline.Outcome, error)
}

// Config holds the configuration for a worker pool.
type Config struct {
	Queue     queue.Queue
	Processor Processor
	Metrics   *metrics.Metrics

	Workers int
	// PollWait bounds each blocking dequeue so shutdown is noticed.
	PollWait time.Duration
	// JobTimeout bounds a single Process call.
	JobTimeout time.Duration
	// MaxJobAttempts is how often a job that errored is re-queued.
	MaxJobAttempts int
}

// Pool is a fixed set of queue consumers.
type Pool struct {
	queue       queue.Queue
	processor   Processor
	metrics     *metrics.Metrics
	workers     int
	pollWait    time.Duration
	jobTimeout  time.Duration
	maxAttempts int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a worker pool.
func New(cfg Config) *Pool {
	p := &Pool{
		queue:       cfg.Queue,
		processor:   cfg.Processor,
		metrics:     cfg.Metrics,
		workers:     cfg.Workers,
		pollWait:    cfg.PollWait,
		jobTimeout:  cfg.JobTimeout,
		maxAttempts: cfg.MaxJobAttempts,
	}
	if p.workers <= 0 {
		p.workers = 4
	}
	if p.pollWait <= 0 {
		p.pollWait = 2 * time.Second
	}
	if p.jobTimeout <= 0 {
		p.jobTimeout = 10 * time.Minute
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = 3
	}
	return p
}

// Start launches the workers in the background.
func (p *Pool) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.loop(loopCtx, i)
	}
	slog.Info("worker pool started", "workers", p.workers)
}

// Stop stops taking new jobs and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	slog.Info("worker pool stopped")
}

func (p *Pool) loop(ctx context.Context, id int) {
	defer p.wg.Done()
	log := slog.With("worker", id)

	for {
		if ctx.Err() != nil {
			return
		}
		job, ok, err := p.queue.Dequeue(ctx, p.pollWait)
		switch {
		case errors.Is(err, queue.ErrClosed):
			log.Debug("queue closed, worker exiting")
			return
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			log.Error("dequeue failed", "error", err)
			pause(ctx, time.Second)
			continue
		case !ok:
			continue
		}
		p.handle(ctx, job)
	}
}

// handle runs one job. In-flight jobs outlive the pool context so Stop
// drains them instead of abandoning half-written stages.
func (p *Pool) handle(ctx context.Context, job queue.Job) {
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.jobTimeout)
	defer cancel()

	log := slog.With("job_id", job.ID, "processing_id", job.ProcessingID, "attempt", job.Attempt)
	start := time.Now()

	out, err := p.safeProcess(jobCtx, job.ProcessingID)
	if err != nil {
		p.metrics.RecordJob("error")
		log.Error("job failed", "error", err, "duration", time.Since(start))
		p.requeue(ctx, job)
		return
	}
	p.metrics.RecordJob(string(out))
	log.Info("job finished", "outcome", out, "duration", time.Since(start))
}

func (p *Pool) safeProcess(ctx context.Context, pid string) (out pipeline.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic while processing", "processing_id", pid, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.processor.Process(ctx, pid)
}

func (p *Pool) requeue(ctx context.Context, job queue.Job) {
	if job.Attempt >= p.maxAttempts {
		slog.Warn("job attempts exhausted, leaving record for recovery",
			"job_id", job.ID,
			"processing_id", job.ProcessingID,
		)
		return
	}
	job.Attempt++
	job.EnqueuedAt = time.Now().UTC()
	if err := p.queue.Enqueue(context.WithoutCancel(ctx), job); err != nil {
		slog.Error("requeue failed", "job_id", job.ID, "error", err)
	}
}

func pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
