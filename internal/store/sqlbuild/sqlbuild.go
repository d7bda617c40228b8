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

// Package sqlbuild builds the dynamic queries shared by the SQL stores.
// Static statements stay inline in each store.
package sqlbuild

import (
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/claimdesk/docpipe/internal/models"
	"github.com/claimdesk/docpipe/internal/store"
)

// RecordColumns is the column order every record scan expects.
var RecordColumns = []string{
	"processing_id", "source_type", "status", "failure_reason",
	"cancel_requested", "retry_count", "message_id", "from_addr",
	"to_addrs", "cc_addrs", "subject", "email_date", "body",
	"filename", "file_size", "source_uri", "num_attachments",
	"created_at", "updated_at",
}

// RecordColumnList is RecordColumns joined for inline SQL.
var RecordColumnList = strings.Join(RecordColumns, ", ")

// statusAsOf selects the most recent status at or before a sequence number.
const statusAsOf = `(SELECT e.status FROM status_events e
	WHERE e.processing_id = p.processing_id AND e.seq <= ?
	ORDER BY e.seq DESC LIMIT 1) AS status`

// Dialect captures the differences between the SQL backends.
type Dialect struct {
	Placeholder sq.PlaceholderFormat
	// Time converts a timestamp to the driver representation of a time column.
	Time func(time.Time) any
}

// List selects one page (plus one lookahead row) of records as they stood at
// sequence asOf, newest first.
func (d Dialect) List(q store.ListQuery, asOf int64) sq.SelectBuilder {
	inner := sq.Select().From("processing_records p").Where(sq.LtOrEq{"p.created_seq": asOf})
	for _, col := range RecordColumns {
		if col == "status" {
			inner = inner.Column(sq.Expr(statusAsOf, asOf))
			continue
		}
		inner = inner.Column("p." + col)
	}

	outer := sq.Select(RecordColumns...).FromSelect(inner, "snap")
	if q.Status != "" {
		outer = outer.Where(sq.Eq{"status": string(q.Status)})
	}
	if c := q.Cursor; c != nil {
		t := d.Time(c.CreatedAt)
		outer = outer.Where(sq.Or{
			sq.Lt{"created_at": t},
			sq.And{sq.Eq{"created_at": t}, sq.Lt{"processing_id": c.ID}},
		})
	}
	return outer.
		OrderBy("created_at DESC", "processing_id DESC").
		Limit(uint64(q.PageSize() + 1)).
		PlaceholderFormat(d.Placeholder)
}

// Stale selects records in one of statuses last updated before cutoff,
// oldest first.
func (d Dialect) Stale(statuses []models.Status, cutoff time.Time, limit int) sq.SelectBuilder {
	names := make([]string, 0, len(statuses))
	for _, s := range statuses {
		names = append(names, string(s))
	}
	b := sq.Select(RecordColumns...).
		From("processing_records").
		Where(sq.Eq{"status": names}).
		Where(sq.Lt{"updated_at": d.Time(cutoff)}).
		OrderBy("updated_at ASC", "processing_id ASC").
		PlaceholderFormat(d.Placeholder)
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	return b
}

// CountByStatus groups current master statuses.
func (d Dialect) CountByStatus() sq.SelectBuilder {
	return sq.Select("status", "COUNT(*)").
		From("processing_records").
		GroupBy("status").
		PlaceholderFormat(d.Placeholder)
}

// CountByDocType groups classification results by document type.
func (d Dialect) CountByDocType() sq.SelectBuilder {
	return sq.Select("doc_type", "COUNT(*)").
		From("classification_results").
		GroupBy("doc_type").
		PlaceholderFormat(d.Placeholder)
}

// CountCreatedSince counts records created at or after since.
func (d Dialect) CountCreatedSince(since time.Time) sq.SelectBuilder {
	return sq.Select("COUNT(*)").
		From("processing_records").
		Where(sq.GtOrEq{"created_at": d.Time(since)}).
		PlaceholderFormat(d.Placeholder)
}
