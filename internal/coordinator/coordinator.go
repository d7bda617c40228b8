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

// Package coordinator owns every state transition of a processing record.
//
// Stage adapters never write the store directly: they report results here,
// and each report runs inside one store transaction together with the
// completion check it may trigger.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/claimdesk/docpipe/internal/apperr"
	"github.com/claimdesk/docpipe/internal/idgen"
	"github.com/claimdesk/docpipe/internal/metrics"
	"github.com/claimdesk/docpipe/internal/models"
	"github.com/claimdesk/docpipe/internal/source"
	"github.com/claimdesk/docpipe/internal/store"
)

// IDs issues identifiers for new records.
type IDs interface {
	ProcessingID() string
	SubmissionID() string
	AttachmentID() string
}

// Config holds the coordinator's collaborators. Store is required.
type Config struct {
	Store   store.Store
	IDs     IDs
	Clock   func() time.Time
	Metrics *metrics.Metrics
	// Supported decides whether an attachment is processable; unsupported
	// attachments are stored as skippable. Defaults to source.Supported.
	Supported func(filename, mimeType string) bool
}

// Coordinator applies pipeline operations to the state store.
type Coordinator struct {
	store     store.Store
	ids       IDs
	now       func() time.Time
	metrics   *metrics.Metrics
	supported func(filename, mimeType string) bool
}

// New creates a coordinator, filling unset collaborators with defaults.
func New(cfg Config) *Coordinator {
	c := &Coordinator{
		store:     cfg.Store,
		ids:       cfg.IDs,
		now:       cfg.Clock,
		metrics:   cfg.Metrics,
		supported: cfg.Supported,
	}
	if c.ids == nil {
		c.ids = idgen.New()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.supported == nil {
		c.supported = source.Supported
	}
	return c
}

// Submit validates req and creates its master record and attachment records
// in the pending state.
func (c *Coordinator) Submit(ctx context.Context, req models.IngestionRequest) (string, error) {
	if err := c.validate(req); err != nil {
		return "", err
	}

	now := c.now().UTC()
	pid := c.ids.ProcessingID()
	rec := models.ProcessingRecord{
		ProcessingID:   pid,
		SourceType:     req.Kind,
		Status:         models.StatusPending,
		NumAttachments: len(req.Attachments),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	switch req.Kind {
	case models.SourceEmail:
		e := req.Email
		rec.MessageID = e.MessageID
		rec.From = e.From
		rec.To = e.To
		rec.CC = e.CC
		rec.Subject = e.Subject
		rec.EmailDate = e.Date
		rec.Body = e.Body
	case models.SourceFile:
		rec.Filename = req.File.Filename
		rec.FileSize = req.File.Size
	}

	atts := make([]models.AttachmentRecord, 0, len(req.Attachments))
	for _, d := range req.Attachments {
		atts = append(atts, models.AttachmentRecord{
			ProcessingID: pid,
			AttachmentID: c.ids.AttachmentID(),
			Filename:     d.Filename,
			Size:         d.Size,
			MIMEType:     d.MIMEType,
			Skippable:    !c.processable(d),
			CreatedAt:    now,
		})
	}

	if err := c.store.Create(ctx, rec, atts); err != nil {
		return "", fmt.Errorf("create processing record: %w", err)
	}

	slog.Info("ingestion request accepted",
		"processing_id", pid,
		"source_type", req.Kind,
		"attachments", len(atts),
	)
	return pid, nil
}

func (c *Coordinator) processable(d models.AttachmentDescriptor) bool {
	return d.Size <= source.MaxFileSize && c.supported(d.Filename, d.MIMEType)
}

func (c *Coordinator) validate(req models.IngestionRequest) error {
	var body string
	switch req.Kind {
	case models.SourceEmail:
		e := req.Email
		if e == nil {
			return apperr.Validation("email", "email envelope is required")
		}
		if strings.TrimSpace(e.From) == "" {
			return apperr.Validation("from", "sender is required")
		}
		if strings.TrimSpace(e.Subject) == "" {
			return apperr.Validation("subject", "subject is required")
		}
		if strings.TrimSpace(e.Body) == "" && len(req.Attachments) == 0 {
			return apperr.Validation("body", "email has neither a body nor attachments")
		}
		body = e.Body
	case models.SourceFile:
		if req.File == nil || strings.TrimSpace(req.File.Filename) == "" {
			return apperr.Validation("filename", "filename is required")
		}
		if len(req.Attachments) == 0 {
			return apperr.Validation("file", "file content is required")
		}
	default:
		return apperr.Validation("kind", "unknown source kind %q", req.Kind)
	}

	if len(req.Attachments) == 0 || strings.TrimSpace(body) != "" {
		return nil
	}
	names := make([]string, 0, len(req.Attachments))
	for _, d := range req.Attachments {
		if c.processable(d) {
			return nil
		}
		names = append(names, d.Filename)
	}
	return apperr.Validation("attachments", "no supported attachments (%s)", strings.Join(names, ", "))
}

// transition is a status change observed inside an update.
type transition struct {
	from, to models.Status
	reason   string
}

// mutation is the working state of one update.
type mutation struct {
	c     *Coordinator
	ctx   context.Context
	tx    store.Tx
	rec   models.ProcessingRecord
	dirty bool
	steps []transition
}

// setStatus saves a status change immediately so that every intermediate
// status lands in the event log.
func (m *mutation) setStatus(s models.Status, reason string) error {
	if s == m.rec.Status && reason == m.rec.FailureReason {
		return nil
	}
	m.steps = append(m.steps, transition{from: m.rec.Status, to: s, reason: reason})
	m.rec.Status = s
	m.rec.FailureReason = reason
	m.dirty = true
	return m.flush()
}

func (m *mutation) flush() error {
	if !m.dirty {
		return nil
	}
	m.rec.UpdatedAt = m.c.now().UTC()
	if err := m.tx.Save(m.ctx, m.rec); err != nil {
		return fmt.Errorf("save processing record: %w", err)
	}
	m.dirty = false
	return nil
}

func (m *mutation) attachment(aid string) (models.AttachmentRecord, error) {
	atts, err := m.tx.Attachments(m.ctx)
	if err != nil {
		return models.AttachmentRecord{}, fmt.Errorf("read attachments: %w", err)
	}
	for _, a := range atts {
		if a.AttachmentID == aid {
			return a, nil
		}
	}
	return models.AttachmentRecord{}, apperr.NotFound("attachment", aid)
}

// checkComplete completes a processing record once every non-skippable
// attachment is classified and, for email, the source is stored. A pending
// cancel turns completion into failure.
func (m *mutation) checkComplete() error {
	if m.rec.Status != models.StatusProcessing {
		return nil
	}
	if m.rec.SourceType == models.SourceEmail && m.rec.SourceURI == "" {
		return nil
	}
	atts, err := m.tx.Attachments(m.ctx)
	if err != nil {
		return fmt.Errorf("read attachments: %w", err)
	}
	cls, err := m.tx.Classifications(m.ctx)
	if err != nil {
		return fmt.Errorf("read classifications: %w", err)
	}
	for _, a := range atts {
		if a.Skippable {
			continue
		}
		if _, ok := cls[a.AttachmentID]; !ok {
			return nil
		}
	}
	if m.rec.CancelRequested {
		return m.setStatus(models.StatusFailed, models.CancelledReason)
	}
	return m.setStatus(models.StatusCompleted, "")
}

// update runs fn inside a store transaction for pid and reports status
// changes once the transaction has committed.
func (c *Coordinator) update(ctx context.Context, pid string, fn func(m *mutation) error) (models.ProcessingRecord, error) {
	var m *mutation
	err := c.store.Update(ctx, pid, func(tx store.Tx) error {
		m = &mutation{c: c, ctx: ctx, tx: tx, rec: tx.Record()}
		if err := fn(m); err != nil {
			return err
		}
		return m.flush()
	})
	if err != nil {
		return models.ProcessingRecord{}, err
	}

	for _, t := range m.steps {
		c.metrics.RecordTransition(t.from, t.to)
		if t.from == t.to {
			continue
		}
		attrs := []any{"processing_id", pid, "from", t.from, "to", t.to}
		if t.reason != "" {
			attrs = append(attrs, "reason", t.reason)
		}
		slog.Info("processing record transitioned", attrs...)
	}
	return m.rec, nil
}

func conflictIfCompleted(rec models.ProcessingRecord) error {
	if rec.Status == models.StatusCompleted {
		return apperr.Conflict(rec.ProcessingID, "record is already completed")
	}
	return nil
}

// MarkUploaded records where an attachment was stored. The first upload
// moves a pending record to processing.
func (c *Coordinator) MarkUploaded(ctx context.Context, pid, aid, uri string) error {
	if uri == "" {
		return apperr.Validation("uri", "storage uri is required")
	}
	_, err := c.update(ctx, pid, func(m *mutation) error {
		if err := conflictIfCompleted(m.rec); err != nil {
			return err
		}
		att, err := m.attachment(aid)
		if err != nil {
			return err
		}
		if att.Uploaded() {
			if *att.StorageURI != uri {
				return apperr.Conflict(pid, "attachment %s is already stored at %s", aid, *att.StorageURI)
			}
		} else if err := m.tx.SetAttachmentURI(ctx, aid, uri); err != nil {
			return fmt.Errorf("set storage uri: %w", err)
		}

		if m.rec.SourceType == models.SourceFile && m.rec.SourceURI == "" {
			m.rec.SourceURI = uri
			m.dirty = true
		}
		if m.rec.Status == models.StatusPending {
			if err := m.setStatus(models.StatusProcessing, ""); err != nil {
				return err
			}
		}
		return m.checkComplete()
	})
	return err
}

// MarkSourceUploaded records where the raw email was stored. A record
// with nothing left to process completes here.
func (c *Coordinator) MarkSourceUploaded(ctx context.Context, pid, uri string) error {
	if uri == "" {
		return apperr.Validation("uri", "storage uri is required")
	}
	_, err := c.update(ctx, pid, func(m *mutation) error {
		if err := conflictIfCompleted(m.rec); err != nil {
			return err
		}
		switch m.rec.SourceURI {
		case uri:
		case "":
			m.rec.SourceURI = uri
			m.dirty = true
		default:
			return apperr.Conflict(pid, "source is already stored at %s", m.rec.SourceURI)
		}
		if m.rec.Status == models.StatusPending {
			if err := m.setStatus(models.StatusProcessing, ""); err != nil {
				return err
			}
		}
		return m.checkComplete()
	})
	return err
}

// RecordOCR stores the OCR result of an uploaded attachment, replacing any
// earlier result.
func (c *Coordinator) RecordOCR(ctx context.Context, pid, aid string, res models.OCRResult) error {
	_, err := c.update(ctx, pid, func(m *mutation) error {
		if err := conflictIfCompleted(m.rec); err != nil {
			return err
		}
		att, err := m.attachment(aid)
		if err != nil {
			return err
		}
		if att.Skippable {
			return apperr.Conflict(pid, "attachment %s is not processable", aid)
		}
		if !att.Uploaded() {
			return apperr.Conflict(pid, "attachment %s has not been uploaded", aid)
		}

		res.ProcessingID = pid
		res.AttachmentID = aid
		res.Confidence = clamp01(res.Confidence)
		if res.CreatedAt.IsZero() {
			res.CreatedAt = c.now().UTC()
		}
		if err := m.tx.PutOCR(ctx, res); err != nil {
			return fmt.Errorf("store ocr result: %w", err)
		}
		m.rec.UpdatedAt = res.CreatedAt
		m.dirty = true
		return nil
	})
	return err
}

// RecordClassification stores the classification of an attachment and
// completes the record when it was the last one outstanding.
func (c *Coordinator) RecordClassification(ctx context.Context, pid, aid string, res models.ClassificationResult) error {
	_, err := c.update(ctx, pid, func(m *mutation) error {
		if err := conflictIfCompleted(m.rec); err != nil {
			return err
		}
		if _, err := m.attachment(aid); err != nil {
			return err
		}
		ocr, err := m.tx.OCR(ctx)
		if err != nil {
			return fmt.Errorf("read ocr results: %w", err)
		}
		if _, ok := ocr[aid]; !ok {
			return apperr.Conflict(pid, "attachment %s has no ocr result", aid)
		}

		res.ProcessingID = pid
		res.AttachmentID = aid
		res.DocType = models.ParseDocumentType(string(res.DocType))
		res.Confidence = clamp01(res.Confidence)
		res.RiskScore = clamp01(res.RiskScore)
		if res.Risk == "" {
			res.Risk = models.LevelUnknown
		}
		if res.Priority == "" {
			res.Priority = models.LevelUnknown
		}
		if res.Entities == nil {
			res.Entities = map[string]string{}
		}
		if res.CreatedAt.IsZero() {
			res.CreatedAt = c.now().UTC()
		}
		if err := m.tx.PutClassification(ctx, res); err != nil {
			return fmt.Errorf("store classification: %w", err)
		}
		m.dirty = true
		return m.checkComplete()
	})
	return err
}

// MarkFailed moves a record to failed. A record that already failed keeps
// its status and takes the new reason.
func (c *Coordinator) MarkFailed(ctx context.Context, pid, reason string) error {
	if strings.TrimSpace(reason) == "" {
		return apperr.Validation("reason", "failure reason is required")
	}
	_, err := c.update(ctx, pid, func(m *mutation) error {
		if err := conflictIfCompleted(m.rec); err != nil {
			return err
		}
		return m.setStatus(models.StatusFailed, reason)
	})
	return err
}

// Retry moves a failed record back to processing. Stage results already
// recorded are kept; if nothing is outstanding the record completes now.
func (c *Coordinator) Retry(ctx context.Context, pid string) (models.ProcessingRecord, error) {
	return c.update(ctx, pid, func(m *mutation) error {
		if m.rec.Status != models.StatusFailed {
			return apperr.Conflict(pid, "only failed records can be retried (status %s)", m.rec.Status)
		}
		m.rec.RetryCount++
		m.rec.CancelRequested = false
		if err := m.setStatus(models.StatusProcessing, ""); err != nil {
			return err
		}
		return m.checkComplete()
	})
}

// Cancel fails a pending record immediately and flags a processing record
// so that it fails once in-flight stage calls finish.
func (c *Coordinator) Cancel(ctx context.Context, pid string) (models.ProcessingRecord, error) {
	return c.update(ctx, pid, func(m *mutation) error {
		switch m.rec.Status {
		case models.StatusPending:
			return m.setStatus(models.StatusFailed, models.CancelledReason)
		case models.StatusProcessing:
			if !m.rec.CancelRequested {
				m.rec.CancelRequested = true
				m.dirty = true
			}
			return nil
		}
		return apperr.Conflict(pid, "record is already %s", m.rec.Status)
	})
}

// Status returns the current master record.
func (c *Coordinator) Status(ctx context.Context, pid string) (models.ProcessingRecord, error) {
	return c.store.Get(ctx, pid)
}

// Detail returns the master record with its attachments and results.
func (c *Coordinator) Detail(ctx context.Context, pid string) (models.RecordDetail, error) {
	return c.store.Detail(ctx, pid)
}

// History returns the status events of a record.
func (c *Coordinator) History(ctx context.Context, pid string) ([]store.StatusEvent, error) {
	return c.store.StatusHistory(ctx, pid)
}

// List returns one page of records.
func (c *Coordinator) List(ctx context.Context, q store.ListQuery) (store.Page, error) {
	return c.store.List(ctx, q)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
