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

// Package postgres provides the Postgres-backed pipeline state store.
// Per-record write serialisation uses SELECT ... FOR UPDATE on the master
// row. Drawing from status_event_seq takes a transaction-scoped advisory
// lock so sequence numbers become visible in the order they were drawn.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/claimdesk/docpipe/internal/apperr"
	"github.com/claimdesk/docpipe/internal/models"
	"github.com/claimdesk/docpipe/internal/store"
	"github.com/claimdesk/docpipe/internal/store/sqlbuild"
)

var dialect = sqlbuild.Dialect{
	Placeholder: sq.Dollar,
	Time:        func(t time.Time) any { return t.UTC() },
}

// Store implements store.Store on a pgx pool. The pool is owned by the
// caller.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// NewStore creates a store backed by the given Postgres pool and ensures
// the schema exists.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure pipeline schema: %w", err)
	}
	slog.Info("pipeline store initialised", "backend", "postgres")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE SEQUENCE IF NOT EXISTS status_event_seq;

		CREATE TABLE IF NOT EXISTS processing_records (
			processing_id    TEXT PRIMARY KEY,
			source_type      TEXT NOT NULL,
			status           TEXT NOT NULL,
			failure_reason   TEXT NOT NULL DEFAULT '',
			cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
			retry_count      INTEGER NOT NULL DEFAULT 0,
			message_id       TEXT NOT NULL DEFAULT '',
			from_addr        TEXT NOT NULL DEFAULT '',
			to_addrs         TEXT NOT NULL DEFAULT '[]',
			cc_addrs         TEXT NOT NULL DEFAULT '[]',
			subject          TEXT NOT NULL DEFAULT '',
			email_date       TIMESTAMPTZ,
			body             TEXT NOT NULL DEFAULT '',
			filename         TEXT NOT NULL DEFAULT '',
			file_size        BIGINT NOT NULL DEFAULT 0,
			source_uri       TEXT NOT NULL DEFAULT '',
			num_attachments  INTEGER NOT NULL DEFAULT 0,
			created_seq      BIGINT NOT NULL,
			created_at       TIMESTAMPTZ NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_records_created ON processing_records(created_at DESC, processing_id DESC);
		CREATE INDEX IF NOT EXISTS idx_records_status_updated ON processing_records(status, updated_at);

		CREATE TABLE IF NOT EXISTS attachments (
			processing_id TEXT NOT NULL REFERENCES processing_records(processing_id),
			attachment_id TEXT NOT NULL,
			ordinal       INTEGER NOT NULL,
			filename      TEXT NOT NULL,
			storage_uri   TEXT,
			size          BIGINT NOT NULL DEFAULT 0,
			mime_type     TEXT NOT NULL DEFAULT '',
			skippable     BOOLEAN NOT NULL DEFAULT FALSE,
			created_at    TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (processing_id, attachment_id)
		);

		CREATE TABLE IF NOT EXISTS ocr_results (
			processing_id TEXT NOT NULL,
			attachment_id TEXT NOT NULL,
			text          TEXT NOT NULL,
			confidence    DOUBLE PRECISION NOT NULL,
			method        TEXT NOT NULL,
			page_count    INTEGER NOT NULL,
			duration_ns   BIGINT NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (processing_id, attachment_id),
			FOREIGN KEY (processing_id, attachment_id) REFERENCES attachments(processing_id, attachment_id)
		);

		CREATE TABLE IF NOT EXISTS classification_results (
			processing_id TEXT NOT NULL,
			attachment_id TEXT NOT NULL,
			doc_type      TEXT NOT NULL,
			confidence    DOUBLE PRECISION NOT NULL,
			entities      JSONB NOT NULL DEFAULT '{}',
			risk          TEXT NOT NULL,
			risk_score    DOUBLE PRECISION NOT NULL,
			priority      TEXT NOT NULL,
			summary       TEXT NOT NULL DEFAULT '',
			model         TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (processing_id, attachment_id),
			FOREIGN KEY (processing_id, attachment_id) REFERENCES ocr_results(processing_id, attachment_id)
		);
		CREATE INDEX IF NOT EXISTS idx_classification_doc_type ON classification_results(doc_type);

		CREATE TABLE IF NOT EXISTS status_events (
			seq           BIGINT PRIMARY KEY DEFAULT nextval('status_event_seq'),
			processing_id TEXT NOT NULL REFERENCES processing_records(processing_id),
			status        TEXT NOT NULL,
			reason        TEXT NOT NULL DEFAULT '',
			at            TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_status_events_record ON status_events(processing_id, seq DESC);

		CREATE TABLE IF NOT EXISTS submissions (
			submission_id TEXT PRIMARY KEY,
			created_at    TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS submission_members (
			submission_id TEXT NOT NULL REFERENCES submissions(submission_id),
			processing_id TEXT NOT NULL REFERENCES processing_records(processing_id),
			PRIMARY KEY (submission_id, processing_id)
		);
	`)
	return err
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

// Close is a no-op; the pool belongs to the caller.
func (s *Store) Close() error { return nil }

// seqLockKey names the advisory lock held from the first status_event_seq
// draw until commit.
const seqLockKey int64 = 0x646f6370697065

// lockSequence serialises sequence draws across transactions. Without it a
// transaction holding seq N can commit after one holding N+1, and a List
// snapshot pinned at N+1 would later see N appear beneath it.
func lockSequence(ctx context.Context, tx pgx.Tx) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, seqLockKey); err != nil {
		return fmt.Errorf("lock status sequence: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Create inserts the master, its first status event and its attachments in
// one transaction.
func (s *Store) Create(ctx context.Context, rec models.ProcessingRecord, atts []models.AttachmentRecord) error {
	to, cc, err := encodeAddrs(rec)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockSequence(ctx, tx); err != nil {
		return err
	}

	var seq int64
	err = tx.QueryRow(ctx, `
		INSERT INTO processing_records
			(processing_id, source_type, status, failure_reason, cancel_requested, retry_count,
			 message_id, from_addr, to_addrs, cc_addrs, subject, email_date, body,
			 filename, file_size, source_uri, num_attachments, created_seq, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
			nextval('status_event_seq'), $18, $19)
		RETURNING created_seq
	`, rec.ProcessingID, rec.SourceType, rec.Status, rec.FailureReason, rec.CancelRequested, rec.RetryCount,
		rec.MessageID, rec.From, to, cc, rec.Subject, nullTime(rec.EmailDate), rec.Body,
		rec.Filename, rec.FileSize, rec.SourceURI, rec.NumAttachments, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(),
	).Scan(&seq)
	if isUniqueViolation(err) {
		return apperr.Conflict(rec.ProcessingID, "processing id already exists")
	}
	if err != nil {
		return fmt.Errorf("insert processing record: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO status_events (seq, processing_id, status, reason, at)
		VALUES ($1, $2, $3, '', $4)
	`, seq, rec.ProcessingID, rec.Status, rec.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("insert status event: %w", err)
	}

	for i, a := range atts {
		if a.ProcessingID != rec.ProcessingID {
			return fmt.Errorf("attachment %s belongs to %q, not %q", a.AttachmentID, a.ProcessingID, rec.ProcessingID)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO attachments
				(processing_id, attachment_id, ordinal, filename, storage_uri, size, mime_type, skippable, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, a.ProcessingID, a.AttachmentID, i, a.Filename, a.StorageURI, a.Size, a.MIMEType, a.Skippable, a.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("insert attachment %s: %w", a.AttachmentID, err)
		}
	}

	return tx.Commit(ctx)
}

// Update locks the master row for the duration of fn.
func (s *Store) Update(ctx context.Context, processingID string, fn func(store.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := scanRecord(tx.QueryRow(ctx,
		`SELECT `+sqlbuild.RecordColumnList+` FROM processing_records WHERE processing_id = $1 FOR UPDATE`,
		processingID))
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("processing record", processingID)
	}
	if err != nil {
		return fmt.Errorf("lock processing record: %w", err)
	}

	if err := fn(&pgTx{tx: tx, rec: rec}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Get retrieves a single master record.
func (s *Store) Get(ctx context.Context, processingID string) (models.ProcessingRecord, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+sqlbuild.RecordColumnList+` FROM processing_records WHERE processing_id = $1`,
		processingID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ProcessingRecord{}, apperr.NotFound("processing record", processingID)
	}
	return rec, err
}

// Attachment retrieves one attachment.
func (s *Store) Attachment(ctx context.Context, processingID, attachmentID string) (models.AttachmentRecord, error) {
	if _, err := s.Get(ctx, processingID); err != nil {
		return models.AttachmentRecord{}, err
	}
	att, err := scanAttachment(s.pool.QueryRow(ctx, `
		SELECT `+attachmentColumns+`
		FROM attachments
		WHERE processing_id = $1 AND attachment_id = $2
	`, processingID, attachmentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AttachmentRecord{}, apperr.NotFound("attachment", attachmentID)
	}
	return att, err
}

// Detail reads the master and its stage results from one snapshot.
func (s *Store) Detail(ctx context.Context, processingID string) (models.RecordDetail, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return models.RecordDetail{}, fmt.Errorf("begin detail: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := scanRecord(tx.QueryRow(ctx,
		`SELECT `+sqlbuild.RecordColumnList+` FROM processing_records WHERE processing_id = $1`,
		processingID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RecordDetail{}, apperr.NotFound("processing record", processingID)
	}
	if err != nil {
		return models.RecordDetail{}, err
	}

	view := &pgTx{tx: tx, rec: rec}
	atts, err := view.Attachments(ctx)
	if err != nil {
		return models.RecordDetail{}, err
	}
	ocr, err := view.OCR(ctx)
	if err != nil {
		return models.RecordDetail{}, err
	}
	cls, err := view.Classifications(ctx)
	if err != nil {
		return models.RecordDetail{}, err
	}
	return store.BuildDetail(rec, atts, ocr, cls), nil
}

// StatusHistory returns the status events of one record in order.
func (s *Store) StatusHistory(ctx context.Context, processingID string) ([]store.StatusEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, processing_id, status, reason, at
		FROM status_events
		WHERE processing_id = $1
		ORDER BY seq
	`, processingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.StatusEvent
	for rows.Next() {
		var ev store.StatusEvent
		if err := rows.Scan(&ev.Seq, &ev.ProcessingID, &ev.Status, &ev.Reason, &ev.At); err != nil {
			return nil, err
		}
		ev.At = ev.At.UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, apperr.NotFound("processing record", processingID)
	}
	return events, nil
}

// List returns one snapshot-consistent page, newest first.
func (s *Store) List(ctx context.Context, q store.ListQuery) (store.Page, error) {
	var asOf int64
	if q.Cursor != nil {
		asOf = q.Cursor.AsOf
	} else if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM status_events`).Scan(&asOf); err != nil {
		return store.Page{}, fmt.Errorf("read snapshot sequence: %w", err)
	}

	query, args, err := dialect.List(q, asOf).ToSql()
	if err != nil {
		return store.Page{}, fmt.Errorf("build list query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return store.Page{}, err
	}
	defer rows.Close()
	records, err := collectRecords(rows)
	if err != nil {
		return store.Page{}, err
	}

	page := store.Page{AsOf: asOf}
	if size := q.PageSize(); len(records) > size {
		records = records[:size]
		page.Next = store.After(asOf, records[size-1])
	}
	page.Records = records
	return page, nil
}

// ListStale returns records in statuses whose updated_at is before cutoff.
func (s *Store) ListStale(ctx context.Context, statuses []models.Status, cutoff time.Time, limit int) ([]models.ProcessingRecord, error) {
	query, args, err := dialect.Stale(statuses, cutoff, limit).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build stale query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// Stats counts records by status, document type and creation window.
func (s *Store) Stats(ctx context.Context, windows []time.Duration, now time.Time) (models.Stats, error) {
	st := store.NewStats(windows, now)

	if err := s.countGroups(ctx, dialect.CountByStatus(), func(key string, n int64) {
		st.ByStatus[models.Status(key)] = n
	}); err != nil {
		return models.Stats{}, fmt.Errorf("count by status: %w", err)
	}
	if err := s.countGroups(ctx, dialect.CountByDocType(), func(key string, n int64) {
		st.ByDocType[models.DocumentType(key)] = n
	}); err != nil {
		return models.Stats{}, fmt.Errorf("count by doc type: %w", err)
	}

	for i, w := range windows {
		query, args, err := dialect.CountCreatedSince(now.Add(-w)).ToSql()
		if err != nil {
			return models.Stats{}, err
		}
		if err := s.pool.QueryRow(ctx, query, args...).Scan(&st.Windows[i].Count); err != nil {
			return models.Stats{}, fmt.Errorf("count window %s: %w", st.Windows[i].Label, err)
		}
	}
	return st, nil
}

func (s *Store) countGroups(ctx context.Context, b sq.SelectBuilder, set func(string, int64)) error {
	query, args, err := b.ToSql()
	if err != nil {
		return err
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		set(key, n)
	}
	return rows.Err()
}

// CreateSubmission inserts a submission and its members atomically.
func (s *Store) CreateSubmission(ctx context.Context, sub models.SubmissionRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin submission: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, pid := range sub.ProcessingIDs {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM processing_records WHERE processing_id = $1)`, pid,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return apperr.NotFound("processing record", pid)
		}
	}

	_, err = tx.Exec(ctx, `INSERT INTO submissions (submission_id, created_at) VALUES ($1, $2)`,
		sub.SubmissionID, sub.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return apperr.Conflict(sub.SubmissionID, "submission already exists")
	}
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}

	for _, pid := range sub.ProcessingIDs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO submission_members (submission_id, processing_id)
			VALUES ($1, $2) ON CONFLICT DO NOTHING
		`, sub.SubmissionID, pid); err != nil {
			return fmt.Errorf("insert submission member: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// GetSubmission retrieves a submission and its member IDs.
func (s *Store) GetSubmission(ctx context.Context, submissionID string) (models.SubmissionRecord, error) {
	sub := models.SubmissionRecord{SubmissionID: submissionID}
	err := s.pool.QueryRow(ctx,
		`SELECT created_at FROM submissions WHERE submission_id = $1`, submissionID,
	).Scan(&sub.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SubmissionRecord{}, apperr.NotFound("submission", submissionID)
	}
	if err != nil {
		return models.SubmissionRecord{}, err
	}
	sub.CreatedAt = sub.CreatedAt.UTC()

	rows, err := s.pool.Query(ctx, `
		SELECT processing_id FROM submission_members
		WHERE submission_id = $1
		ORDER BY processing_id
	`, submissionID)
	if err != nil {
		return models.SubmissionRecord{}, err
	}
	sub.ProcessingIDs, err = pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return models.SubmissionRecord{}, err
	}
	return sub, nil
}

// pgTx implements store.Tx inside a pgx transaction.
type pgTx struct {
	tx  pgx.Tx
	rec models.ProcessingRecord
}

func (t *pgTx) Record() models.ProcessingRecord { return t.rec }

func (t *pgTx) Attachments(ctx context.Context) ([]models.AttachmentRecord, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+attachmentColumns+`
		FROM attachments
		WHERE processing_id = $1
		ORDER BY ordinal
	`, t.rec.ProcessingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AttachmentRecord
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (t *pgTx) OCR(ctx context.Context) (map[string]models.OCRResult, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT processing_id, attachment_id, text, confidence, method, page_count, duration_ns, created_at
		FROM ocr_results
		WHERE processing_id = $1
	`, t.rec.ProcessingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]models.OCRResult)
	for rows.Next() {
		var r models.OCRResult
		var durationNS int64
		if err := rows.Scan(&r.ProcessingID, &r.AttachmentID, &r.Text, &r.Confidence,
			&r.Method, &r.PageCount, &durationNS, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Duration = time.Duration(durationNS)
		r.CreatedAt = r.CreatedAt.UTC()
		out[r.AttachmentID] = r
	}
	return out, rows.Err()
}

func (t *pgTx) Classifications(ctx context.Context) (map[string]models.ClassificationResult, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT processing_id, attachment_id, doc_type, confidence, entities::text,
		       risk, risk_score, priority, summary, model, created_at
		FROM classification_results
		WHERE processing_id = $1
	`, t.rec.ProcessingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]models.ClassificationResult)
	for rows.Next() {
		var r models.ClassificationResult
		var entities string
		if err := rows.Scan(&r.ProcessingID, &r.AttachmentID, &r.DocType, &r.Confidence, &entities,
			&r.Risk, &r.RiskScore, &r.Priority, &r.Summary, &r.Model, &r.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(entities), &r.Entities); err != nil {
			return nil, fmt.Errorf("decode entities for %s: %w", r.AttachmentID, err)
		}
		r.CreatedAt = r.CreatedAt.UTC()
		out[r.AttachmentID] = r
	}
	return out, rows.Err()
}

func (t *pgTx) Save(ctx context.Context, rec models.ProcessingRecord) error {
	if rec.ProcessingID != t.rec.ProcessingID {
		return fmt.Errorf("save %s inside transaction for %s", rec.ProcessingID, t.rec.ProcessingID)
	}
	if _, err := t.tx.Exec(ctx, `
		UPDATE processing_records
		SET status = $2, failure_reason = $3, cancel_requested = $4,
		    retry_count = $5, source_uri = $6, updated_at = $7
		WHERE processing_id = $1
	`, rec.ProcessingID, rec.Status, rec.FailureReason, rec.CancelRequested,
		rec.RetryCount, rec.SourceURI, rec.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("update processing record: %w", err)
	}

	if rec.Status != t.rec.Status {
		if err := lockSequence(ctx, t.tx); err != nil {
			return err
		}
		if _, err := t.tx.Exec(ctx, `
			INSERT INTO status_events (processing_id, status, reason, at)
			VALUES ($1, $2, $3, $4)
		`, rec.ProcessingID, rec.Status, rec.FailureReason, rec.UpdatedAt.UTC()); err != nil {
			return fmt.Errorf("insert status event: %w", err)
		}
	}

	t.rec.Status = rec.Status
	t.rec.FailureReason = rec.FailureReason
	t.rec.CancelRequested = rec.CancelRequested
	t.rec.RetryCount = rec.RetryCount
	t.rec.SourceURI = rec.SourceURI
	t.rec.UpdatedAt = rec.UpdatedAt
	return nil
}

func (t *pgTx) SetAttachmentURI(ctx context.Context, attachmentID, uri string) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE attachments SET storage_uri = $3
		WHERE processing_id = $1 AND attachment_id = $2
	`, t.rec.ProcessingID, attachmentID, uri)
	if err != nil {
		return fmt.Errorf("set storage uri: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("attachment", attachmentID)
	}
	return nil
}

func (t *pgTx) PutOCR(ctx context.Context, r models.OCRResult) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO ocr_results
			(processing_id, attachment_id, text, confidence, method, page_count, duration_ns, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (processing_id, attachment_id) DO UPDATE SET
			text        = EXCLUDED.text,
			confidence  = EXCLUDED.confidence,
			method      = EXCLUDED.method,
			page_count  = EXCLUDED.page_count,
			duration_ns = EXCLUDED.duration_ns,
			created_at  = EXCLUDED.created_at
	`, t.rec.ProcessingID, r.AttachmentID, r.Text, r.Confidence, r.Method, r.PageCount,
		int64(r.Duration), r.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert ocr result: %w", err)
	}
	return nil
}

func (t *pgTx) PutClassification(ctx context.Context, r models.ClassificationResult) error {
	entities, err := encodeEntities(r.Entities)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO classification_results
			(processing_id, attachment_id, doc_type, confidence, entities,
			 risk, risk_score, priority, summary, model, created_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (processing_id, attachment_id) DO UPDATE SET
			doc_type   = EXCLUDED.doc_type,
			confidence = EXCLUDED.confidence,
			entities   = EXCLUDED.entities,
			risk       = EXCLUDED.risk,
			risk_score = EXCLUDED.risk_score,
			priority   = EXCLUDED.priority,
			summary    = EXCLUDED.summary,
			model      = EXCLUDED.model,
			created_at = EXCLUDED.created_at
	`, t.rec.ProcessingID, r.AttachmentID, r.DocType, r.Confidence, entities,
		r.Risk, r.RiskScore, r.Priority, r.Summary, r.Model, r.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert classification result: %w", err)
	}
	return nil
}

const attachmentColumns = `processing_id, attachment_id, filename, storage_uri, size, mime_type, skippable, created_at`

// scanRecord scans a single row into a ProcessingRecord.
func scanRecord(row pgx.Row) (models.ProcessingRecord, error) {
	var r models.ProcessingRecord
	var to, cc string
	var emailDate *time.Time
	err := row.Scan(
		&r.ProcessingID, &r.SourceType, &r.Status, &r.FailureReason,
		&r.CancelRequested, &r.RetryCount, &r.MessageID, &r.From,
		&to, &cc, &r.Subject, &emailDate, &r.Body,
		&r.Filename, &r.FileSize, &r.SourceURI, &r.NumAttachments,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return models.ProcessingRecord{}, err
	}
	if err := decodeAddrs(&r, to, cc); err != nil {
		return models.ProcessingRecord{}, err
	}
	if emailDate != nil {
		r.EmailDate = emailDate.UTC()
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

// collectRecords scans multiple rows into a slice of ProcessingRecords.
func collectRecords(rows pgx.Rows) ([]models.ProcessingRecord, error) {
	var records []models.ProcessingRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func scanAttachment(row pgx.Row) (models.AttachmentRecord, error) {
	var a models.AttachmentRecord
	if err := row.Scan(&a.ProcessingID, &a.AttachmentID, &a.Filename, &a.StorageURI,
		&a.Size, &a.MIMEType, &a.Skippable, &a.CreatedAt); err != nil {
		return models.AttachmentRecord{}, err
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}

func encodeAddrs(rec models.ProcessingRecord) (string, string, error) {
	to, err := json.Marshal(nonNil(rec.To))
	if err != nil {
		return "", "", fmt.Errorf("encode to: %w", err)
	}
	cc, err := json.Marshal(nonNil(rec.CC))
	if err != nil {
		return "", "", fmt.Errorf("encode cc: %w", err)
	}
	return string(to), string(cc), nil
}

func decodeAddrs(r *models.ProcessingRecord, to, cc string) error {
	if err := json.Unmarshal([]byte(to), &r.To); err != nil {
		return fmt.Errorf("decode to: %w", err)
	}
	if err := json.Unmarshal([]byte(cc), &r.CC); err != nil {
		return fmt.Errorf("decode cc: %w", err)
	}
	if len(r.To) == 0 {
		r.To = nil
	}
	if len(r.CC) == 0 {
		r.CC = nil
	}
	return nil
}

func encodeEntities(m map[string]string) (string, error) {
	if m == nil {
		m = map[string]string{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode entities: %w", err)
	}
	return string(data), nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
