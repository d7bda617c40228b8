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

package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"iter"
	"time"

	"github.com/claimdesk/docpipe/internal/apperr"
	"github.com/claimdesk/docpipe/internal/models"
)

// Cursor positions a listing after a given record, inside the snapshot
// identified by AsOf (a status event sequence number). Records created
// after AsOf are invisible and statuses are read as of AsOf, so concurrent
// writes cannot move records between pages.
type Cursor struct {
	AsOf      int64     `json:"as_of"`
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
}

// After returns the cursor positioned just past rec.
func After(asOf int64, rec models.ProcessingRecord) *Cursor {
	return &Cursor{AsOf: asOf, CreatedAt: rec.CreatedAt.UTC(), ID: rec.ProcessingID}
}

// Encode renders the cursor as an opaque page token.
func (c Cursor) Encode() string {
	data, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeCursor parses a page token. A malformed token is a ValidationError.
func DecodeCursor(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, apperr.Validation("page_token", "malformed token")
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil || c.ID == "" || c.AsOf < 0 {
		return nil, apperr.Validation("page_token", "malformed token")
	}
	return &c, nil
}

// Lister is the listing half of Store.
type Lister interface {
	List(ctx context.Context, q ListQuery) (Page, error)
}

// Iterator walks a listing lazily, one page at a time. Calling Records again
// after breaking out of a loop continues after the last yielded record; a new
// Iterator built with Position as its cursor resumes the same snapshot.
type Iterator struct {
	src   Lister
	query ListQuery
	pos   *Cursor
	done  bool
}

// NewIterator starts at q.Cursor, or at the newest record when it is nil.
func NewIterator(src Lister, q ListQuery) *Iterator {
	return &Iterator{src: src, query: q, pos: q.Cursor}
}

// Position returns the resume point, nil before the first record.
func (it *Iterator) Position() *Cursor {
	return it.pos
}

// Records yields every record in the snapshot. An error ends the sequence.
func (it *Iterator) Records(ctx context.Context) iter.Seq2[models.ProcessingRecord, error] {
	return func(yield func(models.ProcessingRecord, error) bool) {
		for !it.done {
			q := it.query
			q.Cursor = it.pos
			page, err := it.src.List(ctx, q)
			if err != nil {
				yield(models.ProcessingRecord{}, err)
				return
			}
			for _, rec := range page.Records {
				it.pos = After(page.AsOf, rec)
				if !yield(rec, nil) {
					return
				}
			}
			if page.Next == nil {
				it.done = true
			}
		}
	}
}
