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

// Package pipeline drives records through upload, OCR and classification.
// The runner derives outstanding work from stored results on every call,
// so a job can be replayed after a crash or a retry without redoing
// completed stages.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/claimdesk/docpipe/internal/apperr"
	"github.com/claimdesk/docpipe/internal/blob"
	"github.com/claimdesk/docpipe/internal/classify"
	"github.com/claimdesk/docpipe/internal/coordinator"
	"github.com/claimdesk/docpipe/internal/metrics"
	"github.com/claimdesk/docpipe/internal/models"
	"github.com/claimdesk/docpipe/internal/ocr"
	"github.com/claimdesk/docpipe/internal/spool"
)

// Stage names used in failure reasons and metrics.
const (
	StageUpload   = "upload"
	StageOCR      = "ocr"
	StageClassify = "classify"
)

// Outcome summarises one Process call.
type Outcome string

const (
	OutcomeCompleted  Outcome = "completed"
	OutcomeFailed     Outcome = "failed"
	OutcomeCancelled  Outcome = "cancelled"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeIncomplete Outcome = "incomplete"
)

// Tracker is the state surface the runner reports to.
type Tracker interface {
	Outstanding(ctx context.Context, pid string) (coordinator.Plan, error)
	Status(ctx context.Context, pid string) (models.ProcessingRecord, error)
	MarkSourceUploaded(ctx context.Context, pid, uri string) error
	MarkUploaded(ctx context.Context, pid, aid, uri string) error
	RecordOCR(ctx context.Context, pid, aid string, res models.OCRResult) error
	RecordClassification(ctx context.Context, pid, aid string, res models.ClassificationResult) error
	MarkFailed(ctx context.Context, pid, reason string) error
}

// RunnerConfig wires a Runner.
type RunnerConfig struct {
	Tracker    Tracker
	Blobs      blob.Gateway
	Spool      spool.Spool
	OCR        ocr.Extractor
	Classifier classify.Classifier
	Metrics    *metrics.Metrics

	Retry RetryConfig
	// Concurrency caps attachments processed at once for one record.
	Concurrency int
	// URLTTL is the lifetime of read URLs handed to the OCR stage.
	URLTTL time.Duration
}

// Runner executes the outstanding stages of a record.
type Runner struct {
	tracker    Tracker
	blobs      blob.Gateway
	spool      spool.Spool
	ocr        ocr.Extractor
	classifier classify.Classifier
	metrics    *metrics.Metrics

	retry       RetryConfig
	concurrency int
	urlTTL      time.Duration
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig) *Runner {
	r := &Runner{
		tracker:     cfg.Tracker,
		blobs:       cfg.Blobs,
		spool:       cfg.Spool,
		ocr:         cfg.OCR,
		classifier:  cfg.Classifier,
		metrics:     cfg.Metrics,
		retry:       cfg.Retry,
		concurrency: cfg.Concurrency,
		urlTTL:      cfg.URLTTL,
	}
	if r.concurrency <= 0 {
		r.concurrency = 4
	}
	if r.urlTTL <= 0 {
		r.urlTTL = blob.DefaultURLTTL
	}
	return r
}

// errStop ends an attachment's work because the record was cancelled or
// reached a terminal status elsewhere.
var errStop = errors.New("record no longer processing")

// Process runs every outstanding stage of a record. Attachments proceed
// independently; a failure in one never interrupts the others. Stage
// failures are recorded on the record rather than returned. The error is
// reserved for state that could not be read or written.
func (r *Runner) Process(ctx context.Context, pid string) (Outcome, error) {
	plan, err := r.tracker.Outstanding(ctx, pid)
	if err != nil {
		return "", fmt.Errorf("load plan: %w", err)
	}
	log := slog.With("processing_id", pid)

	if plan.Status.Terminal() {
		log.Debug("record already terminal, skipping", "status", plan.Status)
		return OutcomeSkipped, nil
	}
	if plan.CancelRequested {
		return r.cancel(ctx, pid)
	}

	var (
		mu       sync.Mutex
		failures []*apperr.StageError
		stopped  bool
	)
	collect := func(err error) {
		if err == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		var se *apperr.StageError
		switch {
		case errors.Is(err, errStop):
			stopped = true
		case errors.As(err, &se):
			failures = append(failures, se)
		default:
			failures = append(failures, &apperr.StageError{Stage: "process", Attempts: 1, Err: err})
		}
	}

	// The source goes first: completion does not wait for it, so attachments
	// must not finish the record while the raw email is still unstored.
	if plan.Source {
		collect(r.storeSource(ctx, pid))
	}

	if len(failures) == 0 && !stopped {
		// Workers never return an error so one attachment cannot cancel another.
		var g errgroup.Group
		g.SetLimit(r.concurrency)
		for _, step := range plan.Steps {
			if !step.Pending() {
				continue
			}
			g.Go(func() error {
				collect(r.processAttachment(ctx, pid, step))
				return nil
			})
		}
		_ = g.Wait()
	}

	if len(failures) > 0 {
		return r.fail(ctx, pid, failures)
	}
	if stopped {
		rec, err := r.tracker.Status(ctx, pid)
		if err != nil {
			return "", err
		}
		if rec.CancelRequested && !rec.Status.Terminal() {
			return r.cancel(ctx, pid)
		}
		return outcomeOf(rec), nil
	}

	rec, err := r.tracker.Status(ctx, pid)
	if err != nil {
		return "", err
	}
	out := outcomeOf(rec)
	log.Info("record processed", "outcome", out, "status", rec.Status)
	return out, nil
}

func outcomeOf(rec models.ProcessingRecord) Outcome {
	switch rec.Status {
	case models.StatusCompleted:
		return OutcomeCompleted
	case models.StatusFailed:
		if rec.FailureReason == models.CancelledReason {
			return OutcomeCancelled
		}
		return OutcomeFailed
	}
	return OutcomeIncomplete
}

func (r *Runner) cancel(ctx context.Context, pid string) (Outcome, error) {
	err := r.tracker.MarkFailed(ctx, pid, models.CancelledReason)
	if err != nil && !apperr.IsConflict(err) {
		return "", fmt.Errorf("mark cancelled: %w", err)
	}
	slog.Info("record cancelled", "processing_id", pid)
	return OutcomeCancelled, nil
}

func (r *Runner) fail(ctx context.Context, pid string, failures []*apperr.StageError) (Outcome, error) {
	reasons := make([]string, 0, len(failures))
	for _, f := range failures {
		reasons = append(reasons, f.Error())
	}
	reason := strings.Join(reasons, "; ")

	err := r.tracker.MarkFailed(ctx, pid, reason)
	if apperr.IsConflict(err) {
		// Completed concurrently; the results already stored stand.
		slog.Warn("stage failures after completion", "processing_id", pid, "reason", reason)
		return OutcomeCompleted, nil
	}
	if err != nil {
		return "", fmt.Errorf("mark failed: %w", err)
	}
	slog.Warn("record failed", "processing_id", pid, "reason", reason)
	return OutcomeFailed, nil
}

// checkpoint stops work on records that were cancelled or finished elsewhere.
func (r *Runner) checkpoint(ctx context.Context, pid string) error {
	rec, err := r.tracker.Status(ctx, pid)
	if err != nil {
		return err
	}
	if rec.CancelRequested || rec.Status.Terminal() {
		return errStop
	}
	return nil
}

// attempt runs one stage under the retry policy, timing each call.
func (r *Runner) attempt(ctx context.Context, stage string, fn func(ctx context.Context) error) (int, error) {
	return Retry(ctx, r.retry, func(ctx context.Context, n int) error {
		start := time.Now()
		err := fn(ctx)
		outcome := "ok"
		switch {
		case err == nil:
		case IsPermanent(err):
			outcome = "permanent"
		default:
			outcome = "error"
		}
		r.metrics.RecordStage(stage, outcome, time.Since(start))
		if err != nil {
			slog.Debug("stage attempt failed", "stage", stage, "attempt", n, "error", err)
		}
		return err
	})
}

func (r *Runner) storeSource(ctx context.Context, pid string) error {
	if err := r.checkpoint(ctx, pid); err != nil {
		return err
	}
	n, err := r.attempt(ctx, StageUpload, func(ctx context.Context) error {
		data, err := r.spool.Get(ctx, spool.SourceKey(pid))
		if errors.Is(err, spool.ErrNotFound) {
			return Permanent(fmt.Errorf("source no longer spooled: %w", err))
		}
		if err != nil {
			return err
		}
		uri, err := r.blobs.Put(ctx, blob.SourceKey(pid), data)
		if err != nil {
			return err
		}
		return recordErr(r.tracker.MarkSourceUploaded(ctx, pid, uri))
	})
	if err != nil {
		return &apperr.StageError{Stage: StageUpload, Attempts: n, Err: err}
	}
	r.release(ctx, spool.SourceKey(pid))
	return nil
}

func (r *Runner) processAttachment(ctx context.Context, pid string, step coordinator.Step) error {
	stageErr := func(stage string, n int, err error) error {
		return &apperr.StageError{
			Stage:        stage,
			AttachmentID: step.AttachmentID,
			Filename:     step.Filename,
			Attempts:     n,
			Err:          err,
		}
	}

	uri := step.StorageURI
	if step.Upload {
		if err := r.checkpoint(ctx, pid); err != nil {
			return err
		}
		key := spool.AttachmentKey(pid, step.AttachmentID)
		n, err := r.attempt(ctx, StageUpload, func(ctx context.Context) error {
			data, err := r.spool.Get(ctx, key)
			if errors.Is(err, spool.ErrNotFound) {
				return Permanent(fmt.Errorf("content no longer spooled: %w", err))
			}
			if err != nil {
				return err
			}
			u, err := r.blobs.Put(ctx, blob.AttachmentKey(pid, step.AttachmentID, step.Filename), data)
			if err != nil {
				return err
			}
			if err := recordErr(r.tracker.MarkUploaded(ctx, pid, step.AttachmentID, u)); err != nil {
				return err
			}
			uri = u
			return nil
		})
		if err != nil {
			return stageErr(StageUpload, n, err)
		}
		r.release(ctx, key)
	}

	text := step.Text
	if step.OCR {
		if err := r.checkpoint(ctx, pid); err != nil {
			return err
		}
		var (
			res    models.OCRResult
			noText bool
		)
		n, err := r.attempt(ctx, StageOCR, func(ctx context.Context) error {
			readURL, err := r.blobs.ReadURL(uri, r.urlTTL)
			if err != nil {
				return Permanent(err)
			}
			start := time.Now()
			res, err = r.ocr.Extract(ctx, ocr.Request{
				URI:      uri,
				ReadURL:  readURL,
				Filename: step.Filename,
				MIMEType: step.MIMEType,
			})
			if errors.Is(err, ocr.ErrNoText) {
				noText = true
				res = models.OCRResult{Method: "none"}
				err = nil
			}
			if err == nil && res.Duration == 0 {
				res.Duration = time.Since(start)
			}
			return err
		})
		if err != nil {
			return stageErr(StageOCR, n, err)
		}
		if err := r.tracker.RecordOCR(ctx, pid, step.AttachmentID, res); err != nil {
			return stageErr(StageOCR, n, fmt.Errorf("record result: %w", err))
		}
		if noText {
			return r.recordNoText(ctx, pid, step)
		}
		text = res.Text
	}

	if !step.Classify {
		return nil
	}
	if strings.TrimSpace(text) == "" {
		return r.recordNoText(ctx, pid, step)
	}
	if err := r.checkpoint(ctx, pid); err != nil {
		return err
	}
	var res models.ClassificationResult
	n, err := r.attempt(ctx, StageClassify, func(ctx context.Context) error {
		var err error
		res, err = r.classifier.Classify(ctx, text)
		return err
	})
	if err != nil {
		return stageErr(StageClassify, n, err)
	}
	if err := r.tracker.RecordClassification(ctx, pid, step.AttachmentID, res); err != nil {
		return stageErr(StageClassify, n, fmt.Errorf("record result: %w", err))
	}
	return nil
}

// recordNoText classifies a document with no extractable text as "other"
// without calling the classifier.
func (r *Runner) recordNoText(ctx context.Context, pid string, step coordinator.Step) error {
	res := models.ClassificationResult{
		DocType:    models.DocOther,
		Confidence: 0,
		Risk:       models.LevelLow,
		Priority:   models.LevelLow,
		Summary:    "No text could be extracted.",
		Model:      "none",
	}
	if err := r.tracker.RecordClassification(ctx, pid, step.AttachmentID, res); err != nil {
		return &apperr.StageError{
			Stage:        StageClassify,
			AttachmentID: step.AttachmentID,
			Filename:     step.Filename,
			Attempts:     1,
			Err:          fmt.Errorf("record result: %w", err),
		}
	}
	return nil
}

// release drops spooled content once it is durably stored.
func (r *Runner) release(ctx context.Context, key string) {
	if err := r.spool.Delete(ctx, key); err != nil {
		slog.Warn("failed to release spooled content", "key", key, "error", err)
	}
}

// recordErr makes rejected state writes permanent; retrying the same write
// gets the same answer.
func recordErr(err error) error {
	if err == nil {
		return nil
	}
	if apperr.IsConflict(err) || apperr.IsNotFound(err) || apperr.IsValidation(err) {
		return Permanent(err)
	}
	return err
}
