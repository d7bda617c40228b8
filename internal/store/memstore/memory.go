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

// Package memstore is an in-memory store.Store used by tests and by
// single-process deployments that do not need durability.
package memstore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/claimdesk/docpipe/internal/apperr"
	"github.com/claimdesk/docpipe/internal/models"
	"github.com/claimdesk/docpipe/internal/store"
)

type resultKey struct {
	processingID string
	attachmentID string
}

// Store is an in-memory implementation of store.Store. Reads return copies;
// callers never share memory with the store.
type Store struct {
	mu          sync.RWMutex
	seq         int64
	records     map[string]models.ProcessingRecord
	createdSeq  map[string]int64
	attachments map[string][]models.AttachmentRecord
	ocr         map[resultKey]models.OCRResult
	cls         map[resultKey]models.ClassificationResult
	events      map[string][]store.StatusEvent
	submissions map[string]models.SubmissionRecord

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		records:     make(map[string]models.ProcessingRecord),
		createdSeq:  make(map[string]int64),
		attachments: make(map[string][]models.AttachmentRecord),
		ocr:         make(map[resultKey]models.OCRResult),
		cls:         make(map[resultKey]models.ClassificationResult),
		events:      make(map[string][]store.StatusEvent),
		submissions: make(map[string]models.SubmissionRecord),
		locks:       make(map[string]*sync.Mutex),
	}
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error { return nil }

// Close implements store.Store.
func (s *Store) Close() error { return nil }

// Create implements store.Store.
func (s *Store) Create(ctx context.Context, rec models.ProcessingRecord, atts []models.AttachmentRecord) error {
	for _, a := range atts {
		if a.ProcessingID != rec.ProcessingID {
			return fmt.Errorf("attachment %s belongs to %q, not %q", a.AttachmentID, a.ProcessingID, rec.ProcessingID)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ProcessingID]; exists {
		return apperr.Conflict(rec.ProcessingID, "processing id already exists")
	}

	s.seq++
	s.records[rec.ProcessingID] = copyRecord(rec)
	s.createdSeq[rec.ProcessingID] = s.seq
	s.events[rec.ProcessingID] = []store.StatusEvent{{
		Seq:          s.seq,
		ProcessingID: rec.ProcessingID,
		Status:       rec.Status,
		At:           rec.CreatedAt,
	}}

	copied := make([]models.AttachmentRecord, 0, len(atts))
	for _, a := range atts {
		copied = append(copied, copyAttachment(a))
	}
	s.attachments[rec.ProcessingID] = copied
	return nil
}

func (s *Store) recordLock(processingID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[processingID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[processingID] = l
	}
	return l
}

// Update implements store.Store. Writes are staged on a private copy and
// published under the store lock only when fn succeeds.
func (s *Store) Update(ctx context.Context, processingID string, fn func(store.Tx) error) error {
	l := s.recordLock(processingID)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.begin(processingID)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

func (s *Store) begin(processingID string) (*memTx, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[processingID]
	if !ok {
		return nil, apperr.NotFound("processing record", processingID)
	}

	tx := &memTx{
		rec:  copyRecord(rec),
		ocr:  make(map[string]models.OCRResult),
		cls:  make(map[string]models.ClassificationResult),
		atts: make([]models.AttachmentRecord, 0, len(s.attachments[processingID])),
	}
	for _, a := range s.attachments[processingID] {
		tx.atts = append(tx.atts, copyAttachment(a))
		key := resultKey{processingID, a.AttachmentID}
		if r, ok := s.ocr[key]; ok {
			tx.ocr[a.AttachmentID] = r
		}
		if r, ok := s.cls[key]; ok {
			tx.cls[a.AttachmentID] = copyClassification(r)
		}
	}
	return tx, nil
}

func (s *Store) commit(tx *memTx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pid := tx.rec.ProcessingID
	s.records[pid] = tx.rec
	s.attachments[pid] = tx.atts
	for aid, r := range tx.ocr {
		s.ocr[resultKey{pid, aid}] = r
	}
	for aid, r := range tx.cls {
		s.cls[resultKey{pid, aid}] = r
	}
	for _, ev := range tx.events {
		s.seq++
		ev.Seq = s.seq
		s.events[pid] = append(s.events[pid], ev)
	}
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, processingID string) (models.ProcessingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[processingID]
	if !ok {
		return models.ProcessingRecord{}, apperr.NotFound("processing record", processingID)
	}
	return copyRecord(rec), nil
}

// Attachment implements store.Store.
func (s *Store) Attachment(ctx context.Context, processingID, attachmentID string) (models.AttachmentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.records[processingID]; !ok {
		return models.AttachmentRecord{}, apperr.NotFound("processing record", processingID)
	}
	for _, a := range s.attachments[processingID] {
		if a.AttachmentID == attachmentID {
			return copyAttachment(a), nil
		}
	}
	return models.AttachmentRecord{}, apperr.NotFound("attachment", attachmentID)
}

// Detail implements store.Store.
func (s *Store) Detail(ctx context.Context, processingID string) (models.RecordDetail, error) {
	tx, err := s.begin(processingID)
	if err != nil {
		return models.RecordDetail{}, err
	}
	return store.BuildDetail(tx.rec, tx.atts, tx.ocr, tx.cls), nil
}

// StatusHistory implements store.Store.
func (s *Store) StatusHistory(ctx context.Context, processingID string) ([]store.StatusEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.records[processingID]; !ok {
		return nil, apperr.NotFound("processing record", processingID)
	}
	return slices.Clone(s.events[processingID]), nil
}

// statusAsOf returns the status a record had at sequence asOf.
func (s *Store) statusAsOf(processingID string, asOf int64) (models.Status, bool) {
	evs := s.events[processingID]
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Seq <= asOf {
			return evs[i].Status, true
		}
	}
	return "", false
}

// List implements store.Store.
func (s *Store) List(ctx context.Context, q store.ListQuery) (store.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	asOf := s.seq
	if q.Cursor != nil {
		asOf = q.Cursor.AsOf
	}

	var matches []models.ProcessingRecord
	for pid, rec := range s.records {
		if s.createdSeq[pid] > asOf {
			continue
		}
		st, ok := s.statusAsOf(pid, asOf)
		if !ok || (q.Status != "" && st != q.Status) {
			continue
		}
		if q.Cursor != nil && !before(rec, q.Cursor) {
			continue
		}
		rec = copyRecord(rec)
		rec.Status = st
		matches = append(matches, rec)
	}

	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ProcessingID > b.ProcessingID
	})

	size := q.PageSize()
	page := store.Page{AsOf: asOf}
	if len(matches) > size {
		matches = matches[:size]
		page.Next = store.After(asOf, matches[size-1])
	}
	page.Records = matches
	return page, nil
}

// before reports whether rec sorts after the cursor position in
// newest-first order.
func before(rec models.ProcessingRecord, c *store.Cursor) bool {
	if rec.CreatedAt.Equal(c.CreatedAt) {
		return rec.ProcessingID < c.ID
	}
	return rec.CreatedAt.Before(c.CreatedAt)
}

// ListStale implements store.Store.
func (s *Store) ListStale(ctx context.Context, statuses []models.Status, cutoff time.Time, limit int) ([]models.ProcessingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.ProcessingRecord
	for _, rec := range s.records {
		if slices.Contains(statuses, rec.Status) && rec.UpdatedAt.Before(cutoff) {
			out = append(out, copyRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Stats implements store.Store.
func (s *Store) Stats(ctx context.Context, windows []time.Duration, now time.Time) (models.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := store.NewStats(windows, now)
	for _, rec := range s.records {
		st.ByStatus[rec.Status]++
		for i, w := range windows {
			if !rec.CreatedAt.Before(now.Add(-w)) {
				st.Windows[i].Count++
			}
		}
	}
	for _, r := range s.cls {
		st.ByDocType[r.DocType]++
	}
	return st, nil
}

// CreateSubmission implements store.Store.
func (s *Store) CreateSubmission(ctx context.Context, sub models.SubmissionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.submissions[sub.SubmissionID]; exists {
		return apperr.Conflict(sub.SubmissionID, "submission already exists")
	}
	for _, pid := range sub.ProcessingIDs {
		if _, ok := s.records[pid]; !ok {
			return apperr.NotFound("processing record", pid)
		}
	}
	sub.ProcessingIDs = slices.Clone(sub.ProcessingIDs)
	s.submissions[sub.SubmissionID] = sub
	return nil
}

// GetSubmission implements store.Store.
func (s *Store) GetSubmission(ctx context.Context, submissionID string) (models.SubmissionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.submissions[submissionID]
	if !ok {
		return models.SubmissionRecord{}, apperr.NotFound("submission", submissionID)
	}
	sub.ProcessingIDs = slices.Clone(sub.ProcessingIDs)
	return sub, nil
}

// memTx stages writes for one record until commit.
type memTx struct {
	rec    models.ProcessingRecord
	atts   []models.AttachmentRecord
	ocr    map[string]models.OCRResult
	cls    map[string]models.ClassificationResult
	events []store.StatusEvent
}

func (tx *memTx) Record() models.ProcessingRecord { return copyRecord(tx.rec) }

func (tx *memTx) Attachments(ctx context.Context) ([]models.AttachmentRecord, error) {
	out := make([]models.AttachmentRecord, 0, len(tx.atts))
	for _, a := range tx.atts {
		out = append(out, copyAttachment(a))
	}
	return out, nil
}

func (tx *memTx) OCR(ctx context.Context) (map[string]models.OCRResult, error) {
	return maps.Clone(tx.ocr), nil
}

func (tx *memTx) Classifications(ctx context.Context) (map[string]models.ClassificationResult, error) {
	out := make(map[string]models.ClassificationResult, len(tx.cls))
	for k, v := range tx.cls {
		out[k] = copyClassification(v)
	}
	return out, nil
}

func (tx *memTx) Save(ctx context.Context, rec models.ProcessingRecord) error {
	if rec.ProcessingID != tx.rec.ProcessingID {
		return fmt.Errorf("save %s inside transaction for %s", rec.ProcessingID, tx.rec.ProcessingID)
	}
	if rec.Status != tx.rec.Status {
		tx.events = append(tx.events, store.StatusEvent{
			ProcessingID: rec.ProcessingID,
			Status:       rec.Status,
			Reason:       rec.FailureReason,
			At:           rec.UpdatedAt,
		})
	}
	tx.rec.Status = rec.Status
	tx.rec.FailureReason = rec.FailureReason
	tx.rec.CancelRequested = rec.CancelRequested
	tx.rec.RetryCount = rec.RetryCount
	tx.rec.SourceURI = rec.SourceURI
	tx.rec.UpdatedAt = rec.UpdatedAt
	return nil
}

func (tx *memTx) SetAttachmentURI(ctx context.Context, attachmentID, uri string) error {
	for i := range tx.atts {
		if tx.atts[i].AttachmentID == attachmentID {
			u := uri
			tx.atts[i].StorageURI = &u
			return nil
		}
	}
	return apperr.NotFound("attachment", attachmentID)
}

func (tx *memTx) hasAttachment(attachmentID string) bool {
	for _, a := range tx.atts {
		if a.AttachmentID == attachmentID {
			return true
		}
	}
	return false
}

func (tx *memTx) PutOCR(ctx context.Context, res models.OCRResult) error {
	if !tx.hasAttachment(res.AttachmentID) {
		return apperr.NotFound("attachment", res.AttachmentID)
	}
	res.ProcessingID = tx.rec.ProcessingID
	tx.ocr[res.AttachmentID] = res
	return nil
}

func (tx *memTx) PutClassification(ctx context.Context, res models.ClassificationResult) error {
	if _, ok := tx.ocr[res.AttachmentID]; !ok {
		return fmt.Errorf("classification for %s without ocr result", res.AttachmentID)
	}
	res.ProcessingID = tx.rec.ProcessingID
	tx.cls[res.AttachmentID] = copyClassification(res)
	return nil
}

func copyRecord(r models.ProcessingRecord) models.ProcessingRecord {
	r.To = slices.Clone(r.To)
	r.CC = slices.Clone(r.CC)
	return r
}

func copyAttachment(a models.AttachmentRecord) models.AttachmentRecord {
	if a.StorageURI != nil {
		u := *a.StorageURI
		a.StorageURI = &u
	}
	return a
}

func copyClassification(c models.ClassificationResult) models.ClassificationResult {
	c.Entities = maps.Clone(c.Entities)
	return c
}
