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

// Package store defines the pipeline state store: processing records,
// attachments, OCR and classification results, submissions, and the status
// event log that backs snapshot-consistent listing.
//
// Implementations live in the memstore, postgres and sqlite subpackages and
// share the conformance suite in storetest.
package store

import (
	"context"
	"strconv"
	"time"

	"github.com/claimdesk/docpipe/internal/models"
)

// Store persists the pipeline records. Records are linked only by
// processing_id and attachment_id; nothing holds references across kinds.
type Store interface {
	// Create persists a master record and its attachments atomically. A
	// duplicate processing ID is a ConflictError.
	Create(ctx context.Context, rec models.ProcessingRecord, atts []models.AttachmentRecord) error

	// Update runs fn with exclusive write access to one master record. All
	// writes made through the Tx commit together when fn returns nil and are
	// discarded otherwise. Unknown IDs return a NotFoundError.
	Update(ctx context.Context, processingID string, fn func(Tx) error) error

	Get(ctx context.Context, processingID string) (models.ProcessingRecord, error)
	Attachment(ctx context.Context, processingID, attachmentID string) (models.AttachmentRecord, error)
	Detail(ctx context.Context, processingID string) (models.RecordDetail, error)
	StatusHistory(ctx context.Context, processingID string) ([]StatusEvent, error)

	// List returns one page of records, newest first, evaluated against the
	// snapshot pinned by the query cursor.
	List(ctx context.Context, q ListQuery) (Page, error)

	// ListStale returns records in one of statuses not updated since before.
	ListStale(ctx context.Context, statuses []models.Status, before time.Time, limit int) ([]models.ProcessingRecord, error)

	Stats(ctx context.Context, windows []time.Duration, now time.Time) (models.Stats, error)

	CreateSubmission(ctx context.Context, sub models.SubmissionRecord) error
	GetSubmission(ctx context.Context, submissionID string) (models.SubmissionRecord, error)

	Ping(ctx context.Context) error
	Close() error
}

// Tx is the write view of one master record inside Store.Update.
type Tx interface {
	// Record returns the master as last saved in this transaction.
	Record() models.ProcessingRecord
	Attachments(ctx context.Context) ([]models.AttachmentRecord, error)
	OCR(ctx context.Context) (map[string]models.OCRResult, error)
	Classifications(ctx context.Context) (map[string]models.ClassificationResult, error)

	// Save writes the mutable master fields. A status change appends a
	// status event.
	Save(ctx context.Context, rec models.ProcessingRecord) error
	SetAttachmentURI(ctx context.Context, attachmentID, uri string) error
	// PutOCR and PutClassification upsert by (processing_id, attachment_id).
	PutOCR(ctx context.Context, res models.OCRResult) error
	PutClassification(ctx context.Context, res models.ClassificationResult) error
}

// StatusEvent is one entry in the status log. Seq is global and strictly
// increasing across all records.
type StatusEvent struct {
	Seq          int64         `json:"seq"`
	ProcessingID string        `json:"processing_id"`
	Status       models.Status `json:"status"`
	Reason       string        `json:"reason,omitempty"`
	At           time.Time     `json:"at"`
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// ListQuery selects a page of records.
type ListQuery struct {
	Status models.Status // empty matches every status
	Limit  int
	Cursor *Cursor
}

// PageSize clamps the requested limit.
func (q ListQuery) PageSize() int {
	switch {
	case q.Limit <= 0:
		return DefaultPageSize
	case q.Limit > MaxPageSize:
		return MaxPageSize
	}
	return q.Limit
}

// Page is one page of a listing. Record statuses are as of the snapshot.
type Page struct {
	Records []models.ProcessingRecord
	AsOf    int64
	Next    *Cursor
}

// BuildDetail nests stage results under their attachments.
func BuildDetail(rec models.ProcessingRecord, atts []models.AttachmentRecord,
	ocr map[string]models.OCRResult, cls map[string]models.ClassificationResult) models.RecordDetail {

	d := models.RecordDetail{
		ProcessingRecord: rec,
		Attachments:      make([]models.AttachmentDetail, 0, len(atts)),
	}
	for _, a := range atts {
		ad := models.AttachmentDetail{AttachmentRecord: a}
		if r, ok := ocr[a.AttachmentID]; ok {
			ad.OCR = &r
		}
		if r, ok := cls[a.AttachmentID]; ok {
			ad.Classification = &r
		}
		d.Attachments = append(d.Attachments, ad)
	}
	return d
}

// NewStats returns a Stats with every status and document type present at
// zero, so projections always carry the full key set.
func NewStats(windows []time.Duration, now time.Time) models.Stats {
	st := models.Stats{
		ByStatus:    make(map[models.Status]int64, len(models.AllStatuses)),
		ByDocType:   make(map[models.DocumentType]int64, len(models.DocumentTypes)),
		Windows:     make([]models.WindowCount, 0, len(windows)),
		GeneratedAt: now,
	}
	for _, s := range models.AllStatuses {
		st.ByStatus[s] = 0
	}
	for _, d := range models.DocumentTypes {
		st.ByDocType[d] = 0
	}
	for _, w := range windows {
		st.Windows = append(st.Windows, models.WindowCount{Window: w, Label: WindowLabel(w)})
	}
	return st
}

// WindowLabel renders a window as "15m", "1h" or "7d".
func WindowLabel(d time.Duration) string {
	switch {
	case d >= 24*time.Hour && d%(24*time.Hour) == 0:
		return strconv.FormatInt(int64(d/(24*time.Hour)), 10) + "d"
	case d >= time.Hour && d%time.Hour == 0:
		return strconv.FormatInt(int64(d/time.Hour), 10) + "h"
	case d >= time.Minute && d%time.Minute == 0:
		return strconv.FormatInt(int64(d/time.Minute), 10) + "m"
	}
	return d.String()
}
