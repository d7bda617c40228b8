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

// Package sqlite provides a single-node pipeline state store on SQLite.
//
// SQLite admits one writer at a time, so the store runs on a single
// connection; every transaction is therefore serialised. Timestamps are
// stored as Unix nanoseconds.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	"github.com/claimdesk/docpipe/internal/apperr"
	"github.com/claimdesk/docpipe/internal/models"
	"github.com/claimdesk/docpipe/internal/store"
	"github.com/claimdesk/docpipe/internal/store/sqlbuild"
)

var dialect = sqlbuild.Dialect{
	Placeholder: sq.Question,
	Time:        func(t time.Time) any { return t.UnixNano() },
}

// Store implements store.Store on SQLite.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) the database at path with WAL mode and foreign
// keys enabled.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := initSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	slog.Info("pipeline store initialised", "backend", "sqlite", "path", path)
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func initSchema(ctx context.Context, db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS processing_records (
	processing_id    TEXT PRIMARY KEY,
	source_type      TEXT NOT NULL,
	status           TEXT NOT NULL,
	failure_reason   TEXT NOT NULL DEFAULT '',
	cancel_requested INTEGER NOT NULL DEFAULT 0,
	retry_count      INTEGER NOT NULL DEFAULT 0,
	message_id       TEXT NOT NULL DEFAULT '',
	from_addr        TEXT NOT NULL DEFAULT '',
	to_addrs         TEXT NOT NULL DEFAULT '[]',
	cc_addrs         TEXT NOT NULL DEFAULT '[]',
	subject          TEXT NOT NULL DEFAULT '',
	email_date       INTEGER,
	body             TEXT NOT NULL DEFAULT '',
	filename         TEXT NOT NULL DEFAULT '',
	file_size        INTEGER NOT NULL DEFAULT 0,
	source_uri       TEXT NOT NULL DEFAULT '',
	num_attachments  INTEGER NOT NULL DEFAULT 0,
	created_seq      INTEGER NOT NULL,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_created ON processing_records(created_at DESC, processing_id DESC);
CREATE INDEX IF NOT EXISTS idx_records_status_updated ON processing_records(status, updated_at);

CREATE TABLE IF NOT EXISTS attachments (
	processing_id TEXT NOT NULL REFERENCES processing_records(processing_id),
	attachment_id TEXT NOT NULL,
	ordinal       INTEGER NOT NULL,
	filename      TEXT NOT NULL,
	storage_uri   TEXT,
	size          INTEGER NOT NULL DEFAULT 0,
	mime_type     TEXT NOT NULL DEFAULT '',
	skippable     INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL,
	PRIMARY KEY (processing_id, attachment_id)
);

CREATE TABLE IF NOT EXISTS ocr_results (
	processing_id TEXT NOT NULL,
	attachment_id TEXT NOT NULL,
	text          TEXT NOT NULL,
	confidence    REAL NOT NULL,
	method        TEXT NOT NULL,
	page_count    INTEGER NOT NULL,
	duration_ns   INTEGER NOT NULL,
	created_at    INTEGER NOT NULL,
	PRIMARY KEY (processing_id, attachment_id),
	FOREIGN KEY (processing_id, attachment_id) REFERENCES attachments(processing_id, attachment_id)
);

CREATE TABLE IF NOT EXISTS classification_results (
	processing_id TEXT NOT NULL,
	attachment_id TEXT NOT NULL,
	doc_type      TEXT NOT NULL,
	confidence    REAL NOT NULL,
	entities      TEXT NOT NULL DEFAULT '{}',
	risk          TEXT NOT NULL,
	risk_score    REAL NOT NULL,
	priority      TEXT NOT NULL,
	summary       TEXT NOT NULL DEFAULT '',
	model         TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	PRIMARY KEY (processing_id, attachment_id),
	FOREIGN KEY (processing_id, attachment_id) REFERENCES ocr_results(processing_id, attachment_id)
);
CREATE INDEX IF NOT EXISTS idx_classification_doc_type ON classification_results(doc_type);

CREATE TABLE IF NOT EXISTS status_events (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	processing_id TEXT NOT NULL REFERENCES processing_records(processing_id) DEFERRABLE INITIALLY DEFERRED,
	status        TEXT NOT NULL,
	reason        TEXT NOT NULL DEFAULT '',
	at            INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_status_events_record ON status_events(processing_id, seq);

CREATE TABLE IF NOT EXISTS submissions (
	submission_id TEXT PRIMARY KEY,
	created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS submission_members (
	submission_id TEXT NOT NULL REFERENCES submissions(submission_id),
	processing_id TEXT NOT NULL REFERENCES processing_records(processing_id),
	PRIMARY KEY (submission_id, processing_id)
);
`
	_, err := db.ExecContext(ctx, schema)
	return err
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Create inserts the master, its first status event and its attachments in
// one transaction.
func (s *Store) Create(ctx context.Context, rec models.ProcessingRecord, atts []models.AttachmentRecord) error {
	to, cc, err := encodeAddrs(rec)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM processing_records WHERE processing_id = ?)`, rec.ProcessingID,
	).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return apperr.Conflict(rec.ProcessingID, "processing id already exists")
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO status_events (processing_id, status, reason, at) VALUES (?, ?, '', ?)
	`, rec.ProcessingID, rec.Status, rec.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert status event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO processing_records
			(processing_id, source_type, status, failure_reason, cancel_requested, retry_count,
			 message_id, from_addr, to_addrs, cc_addrs, subject, email_date, body,
			 filename, file_size, source_uri, num_attachments, created_seq, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ProcessingID, rec.SourceType, rec.Status, rec.FailureReason, rec.CancelRequested, rec.RetryCount,
		rec.MessageID, rec.From, to, cc, rec.Subject, nullNanos(rec.EmailDate), rec.Body,
		rec.Filename, rec.FileSize, rec.SourceURI, rec.NumAttachments, seq,
		rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(),
	); err != nil {
		return fmt.Errorf("insert processing record: %w", err)
	}

	for i, a := range atts {
		if a.ProcessingID != rec.ProcessingID {
			return fmt.Errorf("attachment %s belongs to %q, not %q", a.AttachmentID, a.ProcessingID, rec.ProcessingID)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO attachments
				(processing_id, attachment_id, ordinal, filename, storage_uri, size, mime_type, skippable, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, a.ProcessingID, a.AttachmentID, i, a.Filename, a.StorageURI, a.Size, a.MIMEType, a.Skippable,
			a.CreatedAt.UnixNano()); err != nil {
			return fmt.Errorf("insert attachment %s: %w", a.AttachmentID, err)
		}
	}

	return tx.Commit()
}

// Update runs fn inside a transaction. With a single connection the
// transaction excludes every other writer.
func (s *Store) Update(ctx context.Context, processingID string, fn func(store.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	rec, err := scanRecord(tx.QueryRowContext(ctx,
		`SELECT `+sqlbuild.RecordColumnList+` FROM processing_records WHERE processing_id = ?`,
		processingID))
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound("processing record", processingID)
	}
	if err != nil {
		return fmt.Errorf("read processing record: %w", err)
	}

	if err := fn(&sqliteTx{tx: tx, rec: rec}); err != nil {
		return err
	}
	return tx.Commit()
}

// Get retrieves a single master record.
func (s *Store) Get(ctx context.Context, processingID string) (models.ProcessingRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+sqlbuild.RecordColumnList+` FROM processing_records WHERE processing_id = ?`,
		processingID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.ProcessingRecord{}, apperr.NotFound("processing record", processingID)
	}
	return rec, err
}

// Attachment retrieves one attachment.
func (s *Store) Attachment(ctx context.Context, processingID, attachmentID string) (models.AttachmentRecord, error) {
	if _, err := s.Get(ctx, processingID); err != nil {
		return models.AttachmentRecord{}, err
	}
	att, err := scanAttachment(s.db.QueryRowContext(ctx, `
		SELECT `+attachmentColumns+`
		FROM attachments
		WHERE processing_id = ? AND attachment_id = ?
	`, processingID, attachmentID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.AttachmentRecord{}, apperr.NotFound("attachment", attachmentID)
	}
	return att, err
}

// Detail reads the master and its stage results in one transaction.
func (s *Store) Detail(ctx context.Context, processingID string) (models.RecordDetail, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.RecordDetail{}, fmt.Errorf("begin detail: %w", err)
	}
	defer tx.Rollback()

	rec, err := scanRecord(tx.QueryRowContext(ctx,
		`SELECT `+sqlbuild.RecordColumnList+` FROM processing_records WHERE processing_id = ?`,
		processingID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.RecordDetail{}, apperr.NotFound("processing record", processingID)
	}
	if err != nil {
		return models.RecordDetail{}, err
	}

	view := &sqliteTx{tx: tx, rec: rec}
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
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, processing_id, status, reason, at
		FROM status_events
		WHERE processing_id = ?
		ORDER BY seq
	`, processingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.StatusEvent
	for rows.Next() {
		var ev store.StatusEvent
		var at int64
		if err := rows.Scan(&ev.Seq, &ev.ProcessingID, &ev.Status, &ev.Reason, &at); err != nil {
			return nil, err
		}
		ev.At = fromNanos(at)
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
	} else if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM status_events`).Scan(&asOf); err != nil {
		return store.Page{}, fmt.Errorf("read snapshot sequence: %w", err)
	}

	query, args, err := dialect.List(q, asOf).ToSql()
	if err != nil {
		return store.Page{}, fmt.Errorf("build list query: %w", err)
	}
	records, err := s.queryRecords(ctx, query, args)
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
	return s.queryRecords(ctx, query, args)
}

func (s *Store) queryRecords(ctx context.Context, query string, args []any) ([]models.ProcessingRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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
		if err := s.db.QueryRowContext(ctx, query, args...).Scan(&st.Windows[i].Count); err != nil {
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
	rows, err := s.db.QueryContext(ctx, query, args...)
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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin submission: %w", err)
	}
	defer tx.Rollback()

	for _, pid := range sub.ProcessingIDs {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM processing_records WHERE processing_id = ?)`, pid,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return apperr.NotFound("processing record", pid)
		}
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO submissions (submission_id, created_at) VALUES (?, ?)`,
		sub.SubmissionID, sub.CreatedAt.UnixNano())
	if isUniqueViolation(err) {
		return apperr.Conflict(sub.SubmissionID, "submission already exists")
	}
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}

	for _, pid := range sub.ProcessingIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO submission_members (submission_id, processing_id) VALUES (?, ?)
		`, sub.SubmissionID, pid); err != nil {
			return fmt.Errorf("insert submission member: %w", err)
		}
	}
	return tx.Commit()
}

// GetSubmission retrieves a submission and its member IDs.
func (s *Store) GetSubmission(ctx context.Context, submissionID string) (models.SubmissionRecord, error) {
	sub := models.SubmissionRecord{SubmissionID: submissionID}
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at FROM submissions WHERE submission_id = ?`, submissionID,
	).Scan(&created)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SubmissionRecord{}, apperr.NotFound("submission", submissionID)
	}
	if err != nil {
		return models.SubmissionRecord{}, err
	}
	sub.CreatedAt = fromNanos(created)

	rows, err := s.db.QueryContext(ctx, `
		SELECT processing_id FROM submission_members
		WHERE submission_id = ?
		ORDER BY processing_id
	`, submissionID)
	if err != nil {
		return models.SubmissionRecord{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var pid string
		if err := rows.Scan(&pid); err != nil {
			return models.SubmissionRecord{}, err
		}
		sub.ProcessingIDs = append(sub.ProcessingIDs, pid)
	}
	return sub, rows.Err()
}

// sqliteTx implements store.Tx inside a database/sql transaction.
type sqliteTx struct {
	tx  *sql.Tx
	rec models.ProcessingRecord
}

func (t *sqliteTx) Record() models.ProcessingRecord { return t.rec }

func (t *sqliteTx) Attachments(ctx context.Context) ([]models.AttachmentRecord, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+attachmentColumns+`
		FROM attachments
		WHERE processing_id = ?
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

func (t *sqliteTx) OCR(ctx context.Context) (map[string]models.OCRResult, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT processing_id, attachment_id, text, confidence, method, page_count, duration_ns, created_at
		FROM ocr_results
		WHERE processing_id = ?
	`, t.rec.ProcessingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]models.OCRResult)
	for rows.Next() {
		var r models.OCRResult
		var durationNS, created int64
		if err := rows.Scan(&r.ProcessingID, &r.AttachmentID, &r.Text, &r.Confidence,
			&r.Method, &r.PageCount, &durationNS, &created); err != nil {
			return nil, err
		}
		r.Duration = time.Duration(durationNS)
		r.CreatedAt = fromNanos(created)
		out[r.AttachmentID] = r
	}
	return out, rows.Err()
}

func (t *sqliteTx) Classifications(ctx context.Context) (map[string]models.ClassificationResult, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT processing_id, attachment_id, doc_type, confidence, entities,
		       risk, risk_score, priority, summary, model, created_at
		FROM classification_results
		WHERE processing_id = ?
	`, t.rec.ProcessingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]models.ClassificationResult)
	for rows.Next() {
		var r models.ClassificationResult
		var entities string
		var created int64
		if err := rows.Scan(&r.ProcessingID, &r.AttachmentID, &r.DocType, &r.Confidence, &entities,
			&r.Risk, &r.RiskScore, &r.Priority, &r.Summary, &r.Model, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(entities), &r.Entities); err != nil {
			return nil, fmt.Errorf("decode entities for %s: %w", r.AttachmentID, err)
		}
		r.CreatedAt = fromNanos(created)
		out[r.AttachmentID] = r
	}
	return out, rows.Err()
}

func (t *sqliteTx) Save(ctx context.Context, rec models.ProcessingRecord) error {
	if rec.ProcessingID != t.rec.ProcessingID {
		return fmt.Errorf("save %s inside transaction for %s", rec.ProcessingID, t.rec.ProcessingID)
	}
	if _, err := t.tx.ExecContext(ctx, `
		UPDATE processing_records
		SET status = ?, failure_reason = ?, cancel_requested = ?,
		    retry_count = ?, source_uri = ?, updated_at = ?
		WHERE processing_id = ?
	`, rec.Status, rec.FailureReason, rec.CancelRequested,
		rec.RetryCount, rec.SourceURI, rec.UpdatedAt.UnixNano(), rec.ProcessingID); err != nil {
		return fmt.Errorf("update processing record: %w", err)
	}

	if rec.Status != t.rec.Status {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO status_events (processing_id, status, reason, at) VALUES (?, ?, ?, ?)
		`, rec.ProcessingID, rec.Status, rec.FailureReason, rec.UpdatedAt.UnixNano()); err != nil {
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

func (t *sqliteTx) SetAttachmentURI(ctx context.Context, attachmentID, uri string) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE attachments SET storage_uri = ?
		WHERE processing_id = ? AND attachment_id = ?
	`, uri, t.rec.ProcessingID, attachmentID)
	if err != nil {
		return fmt.Errorf("set storage uri: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("attachment", attachmentID)
	}
	return nil
}

func (t *sqliteTx) PutOCR(ctx context.Context, r models.OCRResult) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO ocr_results
			(processing_id, attachment_id, text, confidence, method, page_count, duration_ns, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (processing_id, attachment_id) DO UPDATE SET
			text        = excluded.text,
			confidence  = excluded.confidence,
			method      = excluded.method,
			page_count  = excluded.page_count,
			duration_ns = excluded.duration_ns,
			created_at  = excluded.created_at
	`, t.rec.ProcessingID, r.AttachmentID, r.Text, r.Confidence, r.Method, r.PageCount,
		int64(r.Duration), r.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert ocr result: %w", err)
	}
	return nil
}

func (t *sqliteTx) PutClassification(ctx context.Context, r models.ClassificationResult) error {
	entities := r.Entities
	if entities == nil {
		entities = map[string]string{}
	}
	data, err := json.Marshal(entities)
	if err != nil {
		return fmt.Errorf("encode entities: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO classification_results
			(processing_id, attachment_id, doc_type, confidence, entities,
			 risk, risk_score, priority, summary, model, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (processing_id, attachment_id) DO UPDATE SET
			doc_type   = excluded.doc_type,
			confidence = excluded.confidence,
			entities   = excluded.entities,
			risk       = excluded.risk,
			risk_score = excluded.risk_score,
			priority   = excluded.priority,
			summary    = excluded.summary,
			model      = excluded.model,
			created_at = excluded.created_at
	`, t.rec.ProcessingID, r.AttachmentID, r.DocType, r.Confidence, string(data),
		r.Risk, r.RiskScore, r.Priority, r.Summary, r.Model, r.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert classification result: %w", err)
	}
	return nil
}

const attachmentColumns = `processing_id, attachment_id, filename, storage_uri, size, mime_type, skippable, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (models.ProcessingRecord, error) {
	var r models.ProcessingRecord
	var to, cc string
	var emailDate sql.NullInt64
	var created, updated int64
	err := row.Scan(
		&r.ProcessingID, &r.SourceType, &r.Status, &r.FailureReason,
		&r.CancelRequested, &r.RetryCount, &r.MessageID, &r.From,
		&to, &cc, &r.Subject, &emailDate, &r.Body,
		&r.Filename, &r.FileSize, &r.SourceURI, &r.NumAttachments,
		&created, &updated,
	)
	if err != nil {
		return models.ProcessingRecord{}, err
	}
	if err := json.Unmarshal([]byte(to), &r.To); err != nil {
		return models.ProcessingRecord{}, fmt.Errorf("decode to: %w", err)
	}
	if err := json.Unmarshal([]byte(cc), &r.CC); err != nil {
		return models.ProcessingRecord{}, fmt.Errorf("decode cc: %w", err)
	}
	if len(r.To) == 0 {
		r.To = nil
	}
	if len(r.CC) == 0 {
		r.CC = nil
	}
	if emailDate.Valid {
		r.EmailDate = fromNanos(emailDate.Int64)
	}
	r.CreatedAt = fromNanos(created)
	r.UpdatedAt = fromNanos(updated)
	return r, nil
}

func scanAttachment(row scanner) (models.AttachmentRecord, error) {
	var a models.AttachmentRecord
	var uri sql.NullString
	var created int64
	if err := row.Scan(&a.ProcessingID, &a.AttachmentID, &a.Filename, &uri,
		&a.Size, &a.MIMEType, &a.Skippable, &created); err != nil {
		return models.AttachmentRecord{}, err
	}
	if uri.Valid {
		a.StorageURI = &uri.String
	}
	a.CreatedAt = fromNanos(created)
	return a, nil
}

func encodeAddrs(rec models.ProcessingRecord) (string, string, error) {
	to := rec.To
	if to == nil {
		to = []string{}
	}
	cc := rec.CC
	if cc == nil {
		cc = []string{}
	}
	toJSON, err := json.Marshal(to)
	if err != nil {
		return "", "", fmt.Errorf("encode to: %w", err)
	}
	ccJSON, err := json.Marshal(cc)
	if err != nil {
		return "", "", fmt.Errorf("encode cc: %w", err)
	}
	return string(toJSON), string(ccJSON), nil
}

func nullNanos(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
