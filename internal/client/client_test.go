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

package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/claimdesk/docpipe/internal/blob"
	"github.com/claimdesk/docpipe/internal/coordinator"
	"github.com/claimdesk/docpipe/internal/dedup"
	"github.com/claimdesk/docpipe/internal/httpapi"
	"github.com/claimdesk/docpipe/internal/models"
	"github.com/claimdesk/docpipe/internal/pipeline"
	"github.com/claimdesk/docpipe/internal/queue"
	"github.com/claimdesk/docpipe/internal/spool"
	"github.com/claimdesk/docpipe/internal/status"
	"github.com/claimdesk/docpipe/internal/store/memstore"
)

func newTestServer(t *testing.T) (*Client, *status.Projector) {
	t.Helper()
	st := memstore.New()
	coord := coordinator.New(coordinator.Config{Store: st})
	q := queue.NewMemory(64)
	t.Cleanup(q.Close)
	intake := pipeline.NewIntake(pipeline.IntakeConfig{
		Coordinator: coord,
		Spool:       spool.NewMemory(time.Hour),
		Queue:       q,
		Dedup:       dedup.NewMemory(time.Hour),
	})
	proj := status.New(status.Config{Store: st})
	h := httpapi.NewHandler(httpapi.Config{
		Intake:      intake,
		Coordinator: coord,
		Blobs:       blob.NewMemory(blob.NewSigner([]byte("k"), "http://docpipe.test")),
		Stats:       proj,
		Health: []httpapi.HealthCheck{
			{Name: "redis", Check: func(context.Context) error { return errors.New("down") }},
		},
	})

	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return New(srv.URL, srv.Client()), proj
}

const email = "From: dana@example.com\r\n" +
	"Subject: Claim CL-1\r\n" +
	"Message-ID: <cl-1@example.com>\r\n" +
	"\r\n" +
	"See attached.\r\n"

func TestClientRoundTrip(t *testing.T) {
	c, proj := newTestServer(t)
	ctx := context.Background()

	receipt, err := c.SubmitEmail(ctx, []byte(email))
	if err != nil {
		t.Fatalf("SubmitEmail: %v", err)
	}
	again, err := c.SubmitEmail(ctx, []byte(email))
	if err != nil {
		t.Fatalf("SubmitEmail again: %v", err)
	}
	if !again.Duplicate || again.ProcessingID != receipt.ProcessingID {
		t.Errorf("second receipt = %+v, want duplicate of %s", again, receipt.ProcessingID)
	}

	files, err := c.SubmitFiles(ctx, []File{
		{Name: "estimate.pdf", Content: []byte("%PDF-1.7")},
		{Name: "photo.jpg", Content: []byte{0xff, 0xd8}},
	})
	if err != nil {
		t.Fatalf("SubmitFiles: %v", err)
	}
	if len(files.ProcessingIDs) != 2 || files.SubmissionID == "" {
		t.Fatalf("files result = %+v", files)
	}

	view, err := c.Submission(ctx, files.SubmissionID)
	if err != nil {
		t.Fatalf("Submission: %v", err)
	}
	if len(view.Members) != 2 {
		t.Errorf("members = %d, want 2", len(view.Members))
	}

	d, err := c.Record(ctx, files.ProcessingIDs[0])
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if d.Filename != "estimate.pdf" {
		t.Errorf("filename = %q", d.Filename)
	}

	page, err := c.List(ctx, models.StatusPending, 2, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page.Records) != 2 || page.NextPageToken == "" {
		t.Fatalf("first page = %d records, token %q", len(page.Records), page.NextPageToken)
	}
	page, err = c.List(ctx, models.StatusPending, 2, page.NextPageToken)
	if err != nil {
		t.Fatalf("List page 2: %v", err)
	}
	if len(page.Records) != 1 {
		t.Errorf("second page = %d records, want 1", len(page.Records))
	}

	rec, err := c.Cancel(ctx, receipt.ProcessingID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if rec.Status != models.StatusFailed {
		t.Errorf("cancelled status = %s", rec.Status)
	}
	events, err := c.History(ctx, receipt.ProcessingID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("history = %+v, want pending then failed", events)
	}

	proj.Refresh(ctx)
	snap, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if snap.Stats.ByStatus[models.StatusFailed] != 1 {
		t.Errorf("by_status = %v", snap.Stats.ByStatus)
	}
}

func TestClientErrors(t *testing.T) {
	c, _ := newTestServer(t)
	ctx := context.Background()

	_, err := c.Record(ctx, "PROC_MISSING")
	if !IsStatus(err, http.StatusNotFound) {
		t.Errorf("Record err = %v, want 404", err)
	}

	_, err = c.SubmitFiles(ctx, []File{{Name: "tool.exe", Content: []byte("MZ")}})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest || apiErr.Message == "" {
		t.Errorf("SubmitFiles err = %v, want 400 with message", err)
	}

	checks, err := c.Health(ctx)
	if !IsStatus(err, http.StatusServiceUnavailable) {
		t.Errorf("Health err = %v, want 503", err)
	}
	if checks["redis"] != "down" {
		t.Errorf("checks = %v", checks)
	}
}
