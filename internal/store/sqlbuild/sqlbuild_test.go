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

package sqlbuild

import (
	"strings"
	"testing"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimdesk/docpipe/internal/models"
	"github.com/claimdesk/docpipe/internal/store"
)

var (
	postgres = Dialect{Placeholder: sq.Dollar, Time: func(t time.Time) any { return t }}
	sqlite   = Dialect{Placeholder: sq.Question, Time: func(t time.Time) any { return t.UnixNano() }}
)

func TestListWithCursor(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q := store.ListQuery{
		Status: models.StatusPending,
		Limit:  2,
		Cursor: &store.Cursor{AsOf: 9, CreatedAt: at, ID: "PROC_3"},
	}

	query, args, err := postgres.List(q, 9).ToSql()
	require.NoError(t, err)

	assert.Contains(t, query, "FROM (SELECT")
	assert.Contains(t, query, "e.seq <= $1")
	assert.Contains(t, query, "p.created_seq <= $2")
	assert.Contains(t, query, "ORDER BY created_at DESC, processing_id DESC")
	assert.Contains(t, query, "LIMIT 3")
	assert.NotContains(t, query, "?")
	assert.Equal(t, []any{int64(9), int64(9), "pending", at, at, "PROC_3"}, args)
}

func TestListFirstPageSQLite(t *testing.T) {
	query, args, err := sqlite.List(store.ListQuery{}, 4).ToSql()
	require.NoError(t, err)

	assert.NotContains(t, query, "$1")
	assert.Equal(t, 2, strings.Count(query, "?"))
	assert.Equal(t, []any{int64(4), int64(4)}, args)
	assert.Contains(t, query, "LIMIT 51")
}

func TestStale(t *testing.T) {
	cutoff := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	query, args, err := sqlite.Stale([]models.Status{models.StatusPending, models.StatusProcessing}, cutoff, 25).ToSql()
	require.NoError(t, err)

	assert.Contains(t, query, "status IN (?,?)")
	assert.Contains(t, query, "updated_at < ?")
	assert.Contains(t, query, "LIMIT 25")
	assert.Equal(t, []any{"pending", "processing", cutoff.UnixNano()}, args)
}
