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

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/claimdesk/docpipe/internal/blob"
	"github.com/claimdesk/docpipe/internal/coordinator"
	"github.com/claimdesk/docpipe/internal/dedup"
	"github.com/claimdesk/docpipe/internal/models"
	"github.com/claimdesk/docpipe/internal/pipeline"
	"github.com/claimdesk/docpipe/internal/queue"
	"github.com/claimdesk/docpipe/internal/spool"
	"github.com/claimdesk/docpipe/internal/status"
	"github.com/claimdesk/docpipe/internal/store"
	"github.com/claimdesk/docpipe/internal/store/memstore"
)

type testAPI struct {
	handler   http.Handler
	coord     *coordinator.Coordinator
	blobs     *blob.Memory
	queue     *queue.Memory
	projector *status.Projector
}

func newTestAPI(t *testing.T, checks ...HealthCheck) *testAPI {
	t.Helper()
	st := memstore.New()
	coord := coordinator.New(coordinator.Config{Store: st})
	q := queue.NewMemory(64)
	t.Cleanup(q.Close)
	blobs := blob.NewMemory(blob.NewSigner([]byte("test-secret"), "http://docpipe.test"))
	intake := pipeline.NewIntake(pipeline.IntakeConfig{
		Coordinator: coord,
		Spool:       spool.NewMemory(time.Hour),
		Queue:       q,
		Dedup:       dedup.NewMemory(time.Hour),
	})
	proj := status.New(status.Config{Store: st})

	h := NewHandler(Config{
		Intake:      intake,
		Coordinator: coord,
		Blobs:       blobs,
		Stats:       proj,
		Health:      checks,
	})
	return &testAPI{handler: h.Routes(), coord: coord, blobs: blobs, queue: q, projector: proj}
}

func (a *testAPI) do(t *testing.T, method, target, contentType string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

const sampleEML = "From: Dana Reyes <dana@example.com>\r\n" +
	"To: claims@example.com\r\n" +
	"Subject: Claim CL-20931\r\n" +
	"Message-ID: <cl-20931@example.com>\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Please find my claim details below.\r\n"

func multipartFiles(t *testing.T, files map[string]string) (string, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range files {
		fw, err := mw.CreateFormFile("file", name)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write([]byte(content))
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return mw.FormDataContentType(), &buf
}

func TestPostEmailRaw(t *testing.T) {
	api := newTestAPI(t)

	rr := api.do(t, http.MethodPost, "/v1/emails", "message/rfc822", strings.NewReader(sampleEML))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body)
	}
	first := decode[pipeline.Receipt](t, rr)
	if first.ProcessingID == "" || first.Duplicate {
		t.Fatalf("receipt = %+v", first)
	}
	if api.queue.Len() != 1 {
		t.Errorf("queued %d jobs, want 1", api.queue.Len())
	}

	rr = api.do(t, http.MethodPost, "/v1/emails", "message/rfc822", strings.NewReader(sampleEML))
	if rr.Code != http.StatusOK {
		t.Fatalf("duplicate status = %d, want 200", rr.Code)
	}
	dup := decode[pipeline.Receipt](t, rr)
	if !dup.Duplicate || dup.ProcessingID != first.ProcessingID {
		t.Errorf("duplicate receipt = %+v", dup)
	}

	rec, err := api.coord.Status(context.Background(), first.ProcessingID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Subject != "Claim CL-20931" || rec.From != "dana@example.com" {
		t.Errorf("record = %+v", rec)
	}
}

func TestPostEmailMultipartAndEvent(t *testing.T) {
	api := newTestAPI(t)

	ct, body := multipartFiles(t, map[string]string{"message.eml": sampleEML})
	rr := api.do(t, http.MethodPost, "/v1/emails", ct, body)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("multipart status = %d, body %s", rr.Code, rr.Body)
	}

	event := `{
		"message_id": "<evt-1@example.com>",
		"from": {"address": "broker@example.com"},
		"to": [{"address": "claims@example.com"}],
		"subject": "Policy renewal",
		"body": {"content_type": "html", "content": "<p>Renewal notice attached.</p>"},
		"attachments": []
	}`
	rr = api.do(t, http.MethodPost, "/v1/emails", "application/json", strings.NewReader(event))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("event status = %d, body %s", rr.Code, rr.Body)
	}
}

func TestPostEmailRejectsMalformed(t *testing.T) {
	api := newTestAPI(t)
	rr := api.do(t, http.MethodPost, "/v1/emails", "message/rfc822", strings.NewReader("not an email\r\n\r\n"))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if e := decode[errorBody](t, rr); e.Error == "" {
		t.Error("error body is empty")
	}

	rr = api.do(t, http.MethodPost, "/v1/emails", "application/json", strings.NewReader("{"))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad JSON status = %d, want 400", rr.Code)
	}
}

func TestPostFilesCreatesSubmission(t *testing.T) {
	api := newTestAPI(t)

	ct, body := multipartFiles(t, map[string]string{
		"estimate.pdf": "%PDF-1.7 estimate",
		"notes.txt":    "Water damage in the kitchen.",
	})
	rr := api.do(t, http.MethodPost, "/v1/files", ct, body)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body)
	}
	resp := decode[filesResponse](t, rr)
	if len(resp.ProcessingIDs) != 2 || resp.SubmissionID == "" {
		t.Fatalf("response = %+v", resp)
	}

	rr = api.do(t, http.MethodGet, "/v1/submissions/"+resp.SubmissionID, "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("submission status = %d", rr.Code)
	}
	view := decode[coordinator.SubmissionView](t, rr)
	if view.Status != models.SubmissionOpen || len(view.Members) != 2 {
		t.Errorf("submission view = %+v", view)
	}
}

func TestPostFilesRejectsUnsupportedBeforeCreating(t *testing.T) {
	api := newTestAPI(t)

	ct, body := multipartFiles(t, map[string]string{
		"estimate.pdf": "%PDF-1.7 estimate",
		"setup.exe":    "MZ",
	})
	rr := api.do(t, http.MethodPost, "/v1/files", ct, body)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}

	page, err := api.coord.List(context.Background(), store.ListQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Records) != 0 {
		t.Errorf("%d records created by a rejected upload", len(page.Records))
	}

	rr = api.do(t, http.MethodPost, "/v1/files", "application/json", strings.NewReader("{}"))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("non-multipart status = %d, want 400", rr.Code)
	}
}

func TestRecordQueries(t *testing.T) {
	api := newTestAPI(t)

	var ids []string
	for _, name := range []string{"a.txt", "b.txt"} {
		ct, body := multipartFiles(t, map[string]string{name: "content of " + name})
		rr := api.do(t, http.MethodPost, "/v1/files", ct, body)
		if rr.Code != http.StatusAccepted {
			t.Fatalf("upload %s: %d %s", name, rr.Code, rr.Body)
		}
		ids = append(ids, decode[filesResponse](t, rr).ProcessingIDs[0])
	}

	rr := api.do(t, http.MethodGet, "/v1/records/"+ids[0], "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get record = %d", rr.Code)
	}
	if d := decode[models.RecordDetail](t, rr); d.ProcessingID != ids[0] || len(d.Attachments) != 1 {
		t.Errorf("detail = %+v", d)
	}

	rr = api.do(t, http.MethodGet, "/v1/records/PROC_NOPE", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown record = %d, want 404", rr.Code)
	}

	rr = api.do(t, http.MethodGet, "/v1/records?limit=1", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list = %d", rr.Code)
	}
	first := decode[recordsResponse](t, rr)
	if len(first.Records) != 1 || first.NextPageToken == "" {
		t.Fatalf("first page = %+v", first)
	}
	rr = api.do(t, http.MethodGet, "/v1/records?limit=1&page_token="+url.QueryEscape(first.NextPageToken), "", nil)
	second := decode[recordsResponse](t, rr)
	if len(second.Records) != 1 || second.Records[0].ProcessingID == first.Records[0].ProcessingID {
		t.Errorf("second page = %+v", second)
	}

	for _, target := range []string{"/v1/records?status=lost", "/v1/records?limit=x", "/v1/records?page_token=not-a-cursor!"} {
		if rr := api.do(t, http.MethodGet, target, "", nil); rr.Code != http.StatusBadRequest {
			t.Errorf("GET %s = %d, want 400", target, rr.Code)
		}
	}

	rr = api.do(t, http.MethodGet, "/v1/records/"+ids[1]+"/history", "", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("history = %d", rr.Code)
	}
}

func TestCancelAndRetry(t *testing.T) {
	api := newTestAPI(t)
	ct, body := multipartFiles(t, map[string]string{"claim.txt": "Hail damage to roof."})
	rr := api.do(t, http.MethodPost, "/v1/files", ct, body)
	pid := decode[filesResponse](t, rr).ProcessingIDs[0]

	rr = api.do(t, http.MethodPost, "/v1/records/"+pid+"/cancel", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("cancel = %d %s", rr.Code, rr.Body)
	}
	rec := decode[models.ProcessingRecord](t, rr)
	if rec.Status != models.StatusFailed || rec.FailureReason != models.CancelledReason {
		t.Errorf("cancelled record = %+v", rec)
	}

	rr = api.do(t, http.MethodPost, "/v1/records/"+pid+"/cancel", "", nil)
	if rr.Code != http.StatusConflict {
		t.Errorf("second cancel = %d, want 409", rr.Code)
	}

	queued := api.queue.Len()
	rr = api.do(t, http.MethodPost, "/v1/records/"+pid+"/retry", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("retry = %d %s", rr.Code, rr.Body)
	}
	rec = decode[models.ProcessingRecord](t, rr)
	if rec.Status != models.StatusProcessing || rec.RetryCount != 1 {
		t.Errorf("retried record = %+v", rec)
	}
	if api.queue.Len() != queued+1 {
		t.Error("retry did not enqueue a job")
	}

	rr = api.do(t, http.MethodPost, "/v1/records/"+pid+"/retry", "", nil)
	if rr.Code != http.StatusConflict {
		t.Errorf("retry of processing record = %d, want 409", rr.Code)
	}
}

func TestPostSubmission(t *testing.T) {
	api := newTestAPI(t)
	rr := api.do(t, http.MethodPost, "/v1/emails", "message/rfc822", strings.NewReader(sampleEML))
	pid := decode[pipeline.Receipt](t, rr).ProcessingID

	rr = api.do(t, http.MethodPost, "/v1/submissions", "application/json",
		strings.NewReader(`{"processing_ids": ["`+pid+`"]}`))
	if rr.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", rr.Code, rr.Body)
	}

	tests := map[string]int{
		`{"processing_ids": []}`:         http.StatusBadRequest,
		`{"processing_ids": ["PROC_X"]}`: http.StatusNotFound,
		`not json`:                       http.StatusBadRequest,
	}
	for body, want := range tests {
		rr := api.do(t, http.MethodPost, "/v1/submissions", "application/json", strings.NewReader(body))
		if rr.Code != want {
			t.Errorf("POST %s = %d, want %d", body, rr.Code, want)
		}
	}
}

func TestStats(t *testing.T) {
	api := newTestAPI(t)
	if rr := api.do(t, http.MethodGet, "/v1/stats", "", nil); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("stats before refresh = %d, want 503", rr.Code)
	}

	api.do(t, http.MethodPost, "/v1/emails", "message/rfc822", strings.NewReader(sampleEML))
	api.projector.Refresh(context.Background())

	rr := api.do(t, http.MethodGet, "/v1/stats", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("stats = %d", rr.Code)
	}
	snap := decode[status.Snapshot](t, rr)
	if snap.Stats.ByStatus[models.StatusPending] != 1 {
		t.Errorf("by_status = %v", snap.Stats.ByStatus)
	}
}

func TestSupportedFormats(t *testing.T) {
	api := newTestAPI(t)
	rr := api.do(t, http.MethodGet, "/v1/supported-formats", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `".pdf"`) || !strings.Contains(rr.Body.String(), "max_file_size") {
		t.Errorf("body = %s", rr.Body)
	}
}

func TestSignedBlobRead(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	uri, err := api.blobs.Put(ctx, "emails/PROC_1/att-1/report.pdf", []byte("%PDF-1.7"))
	if err != nil {
		t.Fatal(err)
	}
	signed, err := api.blobs.ReadURL(uri, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	u, err := url.Parse(signed)
	if err != nil {
		t.Fatal(err)
	}

	rr := api.do(t, http.MethodGet, u.RequestURI(), "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("signed read = %d %s", rr.Code, rr.Body)
	}
	if rr.Body.String() != "%PDF-1.7" {
		t.Errorf("body = %q", rr.Body)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Errorf("Content-Type = %q", ct)
	}

	q := u.Query()
	q.Set("sig", strings.Repeat("0", 64))
	rr = api.do(t, http.MethodGet, u.Path+"?"+q.Encode(), "", nil)
	if rr.Code != http.StatusForbidden {
		t.Errorf("tampered read = %d, want 403", rr.Code)
	}
}

func TestHealth(t *testing.T) {
	ok := newTestAPI(t, HealthCheck{Name: "store", Check: func(context.Context) error { return nil }})
	if rr := ok.do(t, http.MethodGet, "/health", "", nil); rr.Code != http.StatusOK {
		t.Errorf("healthy = %d", rr.Code)
	}

	bad := newTestAPI(t,
		HealthCheck{Name: "store", Check: func(context.Context) error { return nil }},
		HealthCheck{Name: "redis", Check: func(context.Context) error { return errors.New("connection refused") }},
	)
	rr := bad.do(t, http.MethodGet, "/health", "", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "connection refused") {
		t.Errorf("body = %s", rr.Body)
	}
}
