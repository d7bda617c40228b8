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

// Package storetest is the conformance suite every store.Store
// implementation runs from its own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimdesk/docpipe/internal/apperr"
	"github.com/claimdesk/docpipe/internal/models"
	"github.com/claimdesk/docpipe/internal/store"
)

// Base is the creation time of the first fixture record.
var Base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Record returns a pending email record created at Base plus offset.
func Record(id string, offset time.Duration) models.ProcessingRecord {
	at := Base.Add(offset)
	return models.ProcessingRecord{
		ProcessingID:   id,
		SourceType:     models.SourceEmail,
		Status:         models.StatusPending,
		MessageID:      "<" + id + "@example.com>",
		From:           "adjuster@example.com",
		To:             []string{"claims@example.com", "intake@example.com"},
		Subject:        "Claim " + id,
		EmailDate:      at.Add(-time.Minute),
		Body:           "see attached",
		NumAttachments: 2,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
}

// Attachments returns two PDF attachments for rec.
func Attachments(rec models.ProcessingRecord) []models.AttachmentRecord {
	out := make([]models.AttachmentRecord, 0, 2)
	for i := 1; i <= 2; i++ {
		out = append(out, models.AttachmentRecord{
			ProcessingID: rec.ProcessingID,
			AttachmentID: fmt.Sprintf("%s-att-%d", rec.ProcessingID, i),
			Filename:     fmt.Sprintf("doc%d.pdf", i),
			Size:         int64(1000 * i),
			MIMEType:     "application/pdf",
			CreatedAt:    rec.CreatedAt,
		})
	}
	return out
}

// Run executes the suite against stores built by newStore. Each subtest
// gets a fresh, empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"CreateDuplicate", testCreateDuplicate},
		{"UnknownIDs", testUnknownIDs},
		{"UpdateCommitsTogether", testUpdateCommitsTogether},
		{"UpdateRollsBack", testUpdateRollsBack},
		{"ResultUpserts", testResultUpserts},
		{"UpdateSerialisesWriters", testUpdateSerialisesWriters},
		{"ListSnapshot", testListSnapshot},
		{"Iterator", testIterator},
		{"ListStale", testListStale},
		{"Stats", testStats},
		{"Submissions", testSubmissions},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { s.Close() })
			tt.fn(t, s)
		})
	}
}

func create(t *testing.T, s store.Store, rec models.ProcessingRecord) {
	t.Helper()
	require.NoError(t, s.Create(context.Background(), rec, Attachments(rec)))
}

func testCreateAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := Record("PROC_A", 0)
	create(t, s, rec)

	got, err := s.Get(ctx, "PROC_A")
	require.NoError(t, err)
	assert.Equal(t, rec.ProcessingID, got.ProcessingID)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, rec.To, got.To)
	assert.Equal(t, rec.Subject, got.Subject)
	assert.Equal(t, 2, got.NumAttachments)
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt), "created_at %v != %v", got.CreatedAt, rec.CreatedAt)
	assert.True(t, rec.EmailDate.Equal(got.EmailDate))

	att, err := s.Attachment(ctx, "PROC_A", "PROC_A-att-2")
	require.NoError(t, err)
	assert.Equal(t, "doc2.pdf", att.Filename)
	assert.Nil(t, att.StorageURI)

	detail, err := s.Detail(ctx, "PROC_A")
	require.NoError(t, err)
	require.Len(t, detail.Attachments, 2)
	for _, a := range detail.Attachments {
		assert.Nil(t, a.OCR)
		assert.Nil(t, a.Classification)
	}

	history, err := s.StatusHistory(ctx, "PROC_A")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.StatusPending, history[0].Status)
}

func testCreateDuplicate(t *testing.T, s store.Store) {
	create(t, s, Record("PROC_A", 0))
	err := s.Create(context.Background(), Record("PROC_A", time.Minute), nil)
	require.Error(t, err)
	assert.True(t, apperr.IsConflict(err), "got %v", err)
}

func testUnknownIDs(t *testing.T, s store.Store) {
	ctx := context.Background()
	create(t, s, Record("PROC_A", 0))

	_, err := s.Get(ctx, "PROC_NOPE")
	assert.True(t, apperr.IsNotFound(err), "Get: %v", err)

	_, err = s.Detail(ctx, "PROC_NOPE")
	assert.True(t, apperr.IsNotFound(err), "Detail: %v", err)

	_, err = s.Attachment(ctx, "PROC_A", "nope")
	assert.True(t, apperr.IsNotFound(err), "Attachment: %v", err)

	err = s.Update(ctx, "PROC_NOPE", func(store.Tx) error { return nil })
	assert.True(t, apperr.IsNotFound(err), "Update: %v", err)

	err = s.Update(ctx, "PROC_A", func(tx store.Tx) error {
		return tx.SetAttachmentURI(ctx, "nope", "blob://x")
	})
	assert.True(t, apperr.IsNotFound(err), "SetAttachmentURI: %v", err)

	_, err = s.GetSubmission(ctx, "SUB_NOPE")
	assert.True(t, apperr.IsNotFound(err), "GetSubmission: %v", err)
}

func testUpdateCommitsTogether(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := Record("PROC_A", 0)
	create(t, s, rec)

	err := s.Update(ctx, "PROC_A", func(tx store.Tx) error {
		if err := tx.SetAttachmentURI(ctx, "PROC_A-att-1", "blob://emails/PROC_A/att-1/doc1.pdf"); err != nil {
			return err
		}
		if err := tx.PutOCR(ctx, models.OCRResult{
			AttachmentID: "PROC_A-att-1",
			Text:         "claim number CLM-1",
			Confidence:   0.9,
			Method:       "pdf_text",
			PageCount:    2,
			Duration:     1500 * time.Millisecond,
			CreatedAt:    Base,
		}); err != nil {
			return err
		}
		if err := tx.PutClassification(ctx, models.ClassificationResult{
			AttachmentID: "PROC_A-att-1",
			DocType:      models.DocClaim,
			Confidence:   0.8,
			Entities:     map[string]string{"claim_number": "CLM-1"},
			Risk:         models.LevelMedium,
			RiskScore:    0.5,
			Priority:     models.LevelHigh,
			CreatedAt:    Base,
		}); err != nil {
			return err
		}
		r := tx.Record()
		r.Status = models.StatusProcessing
		r.UpdatedAt = Base.Add(time.Second)
		return tx.Save(ctx, r)
	})
	require.NoError(t, err)

	detail, err := s.Detail(ctx, "PROC_A")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, detail.Status)
	require.Len(t, detail.Attachments, 2)

	var first models.AttachmentDetail
	for _, a := range detail.Attachments {
		if a.AttachmentID == "PROC_A-att-1" {
			first = a
		}
	}
	require.NotNil(t, first.StorageURI)
	assert.Equal(t, "blob://emails/PROC_A/att-1/doc1.pdf", *first.StorageURI)
	require.NotNil(t, first.OCR)
	assert.Equal(t, "claim number CLM-1", first.OCR.Text)
	assert.Equal(t, 2, first.OCR.PageCount)
	assert.Equal(t, 1500*time.Millisecond, first.OCR.Duration)
	require.NotNil(t, first.Classification)
	assert.Equal(t, models.DocClaim, first.Classification.DocType)
	assert.Equal(t, map[string]string{"claim_number": "CLM-1"}, first.Classification.Entities)
	assert.Equal(t, models.LevelHigh, first.Classification.Priority)

	history, err := s.StatusHistory(ctx, "PROC_A")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.StatusPending, history[0].Status)
	assert.Equal(t, models.StatusProcessing, history[1].Status)
	assert.Less(t, history[0].Seq, history[1].Seq)
}

func testUpdateRollsBack(t *testing.T, s store.Store) {
	ctx := context.Background()
	create(t, s, Record("PROC_A", 0))

	boom := errors.New("boom")
	err := s.Update(ctx, "PROC_A", func(tx store.Tx) error {
		if err := tx.SetAttachmentURI(ctx, "PROC_A-att-1", "blob://x"); err != nil {
			return err
		}
		r := tx.Record()
		r.Status = models.StatusProcessing
		if err := tx.Save(ctx, r); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.Get(ctx, "PROC_A")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)

	att, err := s.Attachment(ctx, "PROC_A", "PROC_A-att-1")
	require.NoError(t, err)
	assert.Nil(t, att.StorageURI)

	history, err := s.StatusHistory(ctx, "PROC_A")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func testResultUpserts(t *testing.T, s store.Store) {
	ctx := context.Background()
	create(t, s, Record("PROC_A", 0))

	put := func(text string) {
		t.Helper()
		require.NoError(t, s.Update(ctx, "PROC_A", func(tx store.Tx) error {
			if err := tx.SetAttachmentURI(ctx, "PROC_A-att-1", "blob://a"); err != nil {
				return err
			}
			return tx.PutOCR(ctx, models.OCRResult{
				AttachmentID: "PROC_A-att-1",
				Text:         text,
				Confidence:   0.9,
				Method:       "pdf_text",
				PageCount:    1,
				CreatedAt:    Base,
			})
		}))
	}

	put("same")
	put("same")

	var count int
	require.NoError(t, s.Update(ctx, "PROC_A", func(tx store.Tx) error {
		results, err := tx.OCR(ctx)
		count = len(results)
		return err
	}))
	assert.Equal(t, 1, count)

	put("rescanned")
	detail, err := s.Detail(ctx, "PROC_A")
	require.NoError(t, err)
	for _, a := range detail.Attachments {
		if a.AttachmentID == "PROC_A-att-1" {
			require.NotNil(t, a.OCR)
			assert.Equal(t, "rescanned", a.OCR.Text)
		}
	}
}

func testUpdateSerialisesWriters(t *testing.T, s store.Store) {
	ctx := context.Background()
	create(t, s, Record("PROC_A", 0))

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Update(ctx, "PROC_A", func(tx store.Tx) error {
				r := tx.Record()
				r.RetryCount++
				return tx.Save(ctx, r)
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.Get(ctx, "PROC_A")
	require.NoError(t, err)
	assert.Equal(t, writers, got.RetryCount)
}

func ids(recs []models.ProcessingRecord) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ProcessingID)
	}
	return out
}

func setStatus(t *testing.T, s store.Store, id string, status models.Status, at time.Time) {
	t.Helper()
	require.NoError(t, s.Update(context.Background(), id, func(tx store.Tx) error {
		r := tx.Record()
		r.Status = status
		r.UpdatedAt = at
		return tx.Save(context.Background(), r)
	}))
}

func testListSnapshot(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		create(t, s, Record(fmt.Sprintf("PROC_%d", i), time.Duration(i)*time.Minute))
	}

	page1, err := s.List(ctx, store.ListQuery{Status: models.StatusPending, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"PROC_4", "PROC_3"}, ids(page1.Records))
	require.NotNil(t, page1.Next)

	// Writes between pages must not shift the snapshot.
	setStatus(t, s, "PROC_1", models.StatusProcessing, Base.Add(time.Hour))
	create(t, s, Record("PROC_5", 10*time.Minute))

	token := page1.Next.Encode()
	cursor, err := store.DecodeCursor(token)
	require.NoError(t, err)

	page2, err := s.List(ctx, store.ListQuery{Status: models.StatusPending, Limit: 2, Cursor: cursor})
	require.NoError(t, err)
	assert.Equal(t, []string{"PROC_2", "PROC_1"}, ids(page2.Records))
	assert.Equal(t, models.StatusPending, page2.Records[1].Status)
	require.NotNil(t, page2.Next)

	page3, err := s.List(ctx, store.ListQuery{Status: models.StatusPending, Limit: 2, Cursor: page2.Next})
	require.NoError(t, err)
	assert.Equal(t, []string{"PROC_0"}, ids(page3.Records))
	assert.Nil(t, page3.Next)

	fresh, err := s.List(ctx, store.ListQuery{Status: models.StatusPending, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"PROC_5", "PROC_4", "PROC_3", "PROC_2", "PROC_0"}, ids(fresh.Records))

	all, err := s.List(ctx, store.ListQuery{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, all.Records, 6)

	processing, err := s.List(ctx, store.ListQuery{Status: models.StatusProcessing})
	require.NoError(t, err)
	assert.Equal(t, []string{"PROC_1"}, ids(processing.Records))
}

func testIterator(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		create(t, s, Record(fmt.Sprintf("PROC_%d", i), time.Duration(i)*time.Minute))
	}

	it := store.NewIterator(s, store.ListQuery{Limit: 2})
	var seen []string
	for rec, err := range it.Records(ctx) {
		require.NoError(t, err)
		seen = append(seen, rec.ProcessingID)
		if len(seen) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"PROC_4", "PROC_3"}, seen)

	resumed := store.NewIterator(s, store.ListQuery{Limit: 2, Cursor: it.Position()})
	for rec, err := range resumed.Records(ctx) {
		require.NoError(t, err)
		seen = append(seen, rec.ProcessingID)
	}
	assert.Equal(t, []string{"PROC_4", "PROC_3", "PROC_2", "PROC_1", "PROC_0"}, seen)
}

func testListStale(t *testing.T, s store.Store) {
	ctx := context.Background()
	create(t, s, Record("PROC_OLD", 0))
	create(t, s, Record("PROC_NEW", time.Minute))
	create(t, s, Record("PROC_DONE", 0))
	setStatus(t, s, "PROC_NEW", models.StatusProcessing, Base.Add(2*time.Hour))
	setStatus(t, s, "PROC_DONE", models.StatusFailed, Base.Add(time.Second))

	stale, err := s.ListStale(ctx, []models.Status{models.StatusPending, models.StatusProcessing}, Base.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"PROC_OLD"}, ids(stale))
}

func testStats(t *testing.T, s store.Store) {
	ctx := context.Background()
	create(t, s, Record("PROC_A", 0))
	create(t, s, Record("PROC_B", 30*time.Minute))
	create(t, s, Record("PROC_C", 3*time.Hour))
	setStatus(t, s, "PROC_B", models.StatusFailed, Base.Add(time.Hour))

	require.NoError(t, s.Update(ctx, "PROC_C", func(tx store.Tx) error {
		if err := tx.SetAttachmentURI(ctx, "PROC_C-att-1", "blob://c"); err != nil {
			return err
		}
		if err := tx.PutOCR(ctx, models.OCRResult{AttachmentID: "PROC_C-att-1", Method: "pdf_text", CreatedAt: Base}); err != nil {
			return err
		}
		return tx.PutClassification(ctx, models.ClassificationResult{
			AttachmentID: "PROC_C-att-1",
			DocType:      models.DocPolicy,
			Risk:         models.LevelLow,
			Priority:     models.LevelLow,
			CreatedAt:    Base,
		})
	}))

	now := Base.Add(3*time.Hour + 30*time.Minute)
	st, err := s.Stats(ctx, []time.Duration{time.Hour, 24 * time.Hour}, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.ByStatus[models.StatusPending])
	assert.Equal(t, int64(1), st.ByStatus[models.StatusFailed])
	assert.Equal(t, int64(0), st.ByStatus[models.StatusCompleted])
	assert.Equal(t, int64(1), st.ByDocType[models.DocPolicy])
	assert.Equal(t, int64(0), st.ByDocType[models.DocClaim])
	require.Len(t, st.Windows, 2)
	assert.Equal(t, "1h", st.Windows[0].Label)
	assert.Equal(t, int64(1), st.Windows[0].Count)
	assert.Equal(t, int64(3), st.Windows[1].Count)
}

func testSubmissions(t *testing.T, s store.Store) {
	ctx := context.Background()
	create(t, s, Record("PROC_A", 0))
	create(t, s, Record("PROC_B", 0))

	sub := models.SubmissionRecord{
		SubmissionID:  "SUB_1",
		ProcessingIDs: []string{"PROC_A", "PROC_B"},
		CreatedAt:     Base,
	}
	require.NoError(t, s.CreateSubmission(ctx, sub))

	got, err := s.GetSubmission(ctx, "SUB_1")
	require.NoError(t, err)
	assert.ElementsMatch(t, sub.ProcessingIDs, got.ProcessingIDs)

	err = s.CreateSubmission(ctx, sub)
	assert.True(t, apperr.IsConflict(err), "duplicate: %v", err)

	err = s.CreateSubmission(ctx, models.SubmissionRecord{
		SubmissionID:  "SUB_2",
		ProcessingIDs: []string{"PROC_A", "PROC_MISSING"},
		CreatedAt:     Base,
	})
	assert.True(t, apperr.IsNotFound(err), "missing member: %v", err)

	_, err = s.GetSubmission(ctx, "SUB_2")
	assert.True(t, apperr.IsNotFound(err), "partial submission persisted: %v", err)
}
