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

package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/claimdesk/docpipe/internal/coordinator"
	"github.com/claimdesk/docpipe/internal/dedup"
	"github.com/claimdesk/docpipe/internal/metrics"
	"github.com/claimdesk/docpipe/internal/models"
	"github.com/claimdesk/docpipe/internal/queue"
	"github.com/claimdesk/docpipe/internal/source"
	"github.com/claimdesk/docpipe/internal/spool"
)

// Enqueuer accepts jobs for the workers.
type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job) error
}

// Receipt acknowledges an accepted request.
type Receipt struct {
	ProcessingID string `json:"processing_id"`
	// Duplicate is set when the request repeats an earlier submission and
	// ProcessingID names the original record.
	Duplicate bool `json:"duplicate,omitempty"`
}

// IntakeConfig wires an Intake.
type IntakeConfig struct {
	Coordinator *coordinator.Coordinator
	Spool       spool.Spool
	Queue       Enqueuer
	// Dedup is optional; without it every request creates a record.
	Dedup   dedup.Index
	Metrics *metrics.Metrics
}

// Intake turns validated requests into records and queued work.
type Intake struct {
	coord   *coordinator.Coordinator
	spool   spool.Spool
	queue   Enqueuer
	dedup   dedup.Index
	metrics *metrics.Metrics
}

// NewIntake creates an Intake.
func NewIntake(cfg IntakeConfig) *Intake {
	return &Intake{
		coord:   cfg.Coordinator,
		spool:   cfg.Spool,
		queue:   cfg.Queue,
		dedup:   cfg.Dedup,
		metrics: cfg.Metrics,
	}
}

// Ingest records a request, spools its content and queues it for
// processing. A request seen before returns the original record.
func (in *Intake) Ingest(ctx context.Context, req models.IngestionRequest) (Receipt, error) {
	key := req.DedupKey()
	if key != "" && in.dedup != nil {
		pid, ok, err := in.dedup.Lookup(ctx, key)
		if err != nil {
			// Fail open: a duplicate record is cheaper than a lost one.
			slog.Warn("dedup lookup failed", "key", key, "error", err)
		} else if ok {
			in.metrics.RecordDuplicate()
			slog.Info("duplicate submission", "key", key, "processing_id", pid)
			return Receipt{ProcessingID: pid, Duplicate: true}, nil
		}
	}

	pid, err := in.coord.Submit(ctx, req)
	if err != nil {
		return Receipt{}, err
	}

	if err := in.spoolContent(ctx, pid, req); err != nil {
		reason := fmt.Sprintf("spool content: %v", err)
		if ferr := in.coord.MarkFailed(ctx, pid, reason); ferr != nil {
			slog.Error("failed to mark record failed", "processing_id", pid, "error", ferr)
		}
		return Receipt{}, fmt.Errorf("spool content for %s: %w", pid, err)
	}

	if key != "" && in.dedup != nil {
		owner, claimed, err := in.dedup.Claim(ctx, key, pid)
		switch {
		case err != nil:
			slog.Warn("dedup claim failed", "key", key, "error", err)
		case !claimed:
			// Lost a race with an identical request.
			if ferr := in.coord.MarkFailed(ctx, pid, "duplicate of "+owner); ferr != nil {
				slog.Warn("failed to retire duplicate record", "processing_id", pid, "error", ferr)
			}
			in.metrics.RecordDuplicate()
			return Receipt{ProcessingID: owner, Duplicate: true}, nil
		}
	}

	in.metrics.RecordSubmission(req.Kind)
	if err := in.Enqueue(ctx, pid); err != nil {
		// The record is durable; stale-record recovery queues it later.
		slog.Warn("enqueue failed, leaving record for recovery", "processing_id", pid, "error", err)
	}
	return Receipt{ProcessingID: pid}, nil
}

func (in *Intake) spoolContent(ctx context.Context, pid string, req models.IngestionRequest) error {
	plan, err := in.coord.Outstanding(ctx, pid)
	if err != nil {
		return err
	}
	if plan.Source {
		raw := req.Source
		if len(raw) == 0 && req.Email != nil {
			raw = source.BuildEML(*req.Email)
		}
		if err := in.spool.Put(ctx, spool.SourceKey(pid), raw); err != nil {
			return err
		}
	}
	for _, step := range plan.Steps {
		content := req.Attachments[step.Index].Content
		if err := in.spool.Put(ctx, spool.AttachmentKey(pid, step.AttachmentID), content); err != nil {
			return err
		}
	}
	return nil
}

// Enqueue queues a process job for a record.
func (in *Intake) Enqueue(ctx context.Context, pid string) error {
	job := queue.NewJob(pid)
	if err := in.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueue %s: %w", pid, err)
	}
	return nil
}

// Retry resets a failed record and queues it again.
func (in *Intake) Retry(ctx context.Context, pid string) (models.ProcessingRecord, error) {
	rec, err := in.coord.Retry(ctx, pid)
	if err != nil {
		return models.ProcessingRecord{}, err
	}
	if rec.Status.Terminal() {
		return rec, nil
	}
	if err := in.Enqueue(ctx, pid); err != nil {
		slog.Warn("enqueue failed, leaving record for recovery", "processing_id", pid, "error", err)
	}
	return rec, nil
}
