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

// Package client talks to the docpipe HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/claimdesk/docpipe/internal/coordinator"
	"github.com/claimdesk/docpipe/internal/models"
	"github.com/claimdesk/docpipe/internal/pipeline"
	"github.com/claimdesk/docpipe/internal/status"
	"github.com/claimdesk/docpipe/internal/store"
)

const maxErrorBody = 4096

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("docpipe API returned HTTP %d: %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// File is one document to upload.
type File struct {
	Name    string
	Content []byte
}

// FilesResult is the response to a file upload.
type FilesResult struct {
	ProcessingIDs []string `json:"processing_ids"`
	Duplicates    []string `json:"duplicates,omitempty"`
	SubmissionID  string   `json:"submission_id,omitempty"`
}

// RecordPage is one page of a record listing.
type RecordPage struct {
	Records       []models.ProcessingRecord `json:"records"`
	NextPageToken string                    `json:"next_page_token,omitempty"`
}

// Client is a docpipe API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the API rooted at baseURL.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

// SubmitEmail uploads a raw RFC 822 message.
func (c *Client) SubmitEmail(ctx context.Context, raw []byte) (pipeline.Receipt, error) {
	var receipt pipeline.Receipt
	err := c.do(ctx, http.MethodPost, "/v1/emails", "message/rfc822", bytes.NewReader(raw), &receipt)
	return receipt, err
}

// SubmitFiles uploads documents in one request. More than one file forms a
// submission on the server.
func (c *Client) SubmitFiles(ctx context.Context, files []File) (FilesResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range files {
		fw, err := mw.CreateFormFile("file", f.Name)
		if err != nil {
			return FilesResult{}, fmt.Errorf("build upload: %w", err)
		}
		if _, err := fw.Write(f.Content); err != nil {
			return FilesResult{}, fmt.Errorf("build upload: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return FilesResult{}, fmt.Errorf("build upload: %w", err)
	}

	var res FilesResult
	err := c.do(ctx, http.MethodPost, "/v1/files", mw.FormDataContentType(), &buf, &res)
	return res, err
}

// Record returns a record with its attachments and results.
func (c *Client) Record(ctx context.Context, pid string) (models.RecordDetail, error) {
	var d models.RecordDetail
	err := c.do(ctx, http.MethodGet, "/v1/records/"+url.PathEscape(pid), "", nil, &d)
	return d, err
}

// History returns the status transitions of a record.
func (c *Client) History(ctx context.Context, pid string) ([]store.StatusEvent, error) {
	var body struct {
		Events []store.StatusEvent `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/records/"+url.PathEscape(pid)+"/history", "", nil, &body)
	return body.Events, err
}

// List returns one page of records. Empty arguments use server defaults.
func (c *Client) List(ctx context.Context, st models.Status, limit int, pageToken string) (RecordPage, error) {
	q := url.Values{}
	if st != "" {
		q.Set("status", string(st))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if pageToken != "" {
		q.Set("page_token", pageToken)
	}
	path := "/v1/records"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var page RecordPage
	err := c.do(ctx, http.MethodGet, path, "", nil, &page)
	return page, err
}

// Retry resumes a failed record.
func (c *Client) Retry(ctx context.Context, pid string) (models.ProcessingRecord, error) {
	var rec models.ProcessingRecord
	err := c.do(ctx, http.MethodPost, "/v1/records/"+url.PathEscape(pid)+"/retry", "", nil, &rec)
	return rec, err
}

// Cancel cancels a pending or processing record.
func (c *Client) Cancel(ctx context.Context, pid string) (models.ProcessingRecord, error) {
	var rec models.ProcessingRecord
	err := c.do(ctx, http.MethodPost, "/v1/records/"+url.PathEscape(pid)+"/cancel", "", nil, &rec)
	return rec, err
}

// CreateSubmission groups existing records.
func (c *Client) CreateSubmission(ctx context.Context, pids []string) (models.SubmissionRecord, error) {
	body, err := json.Marshal(map[string][]string{"processing_ids": pids})
	if err != nil {
		return models.SubmissionRecord{}, err
	}
	var sub models.SubmissionRecord
	err = c.do(ctx, http.MethodPost, "/v1/submissions", "application/json", bytes.NewReader(body), &sub)
	return sub, err
}

// Submission returns a submission with its aggregate status.
func (c *Client) Submission(ctx context.Context, sid string) (coordinator.SubmissionView, error) {
	var view coordinator.SubmissionView
	err := c.do(ctx, http.MethodGet, "/v1/submissions/"+url.PathEscape(sid), "", nil, &view)
	return view, err
}

// Stats returns the latest status projection.
func (c *Client) Stats(ctx context.Context) (status.Snapshot, error) {
	var snap status.Snapshot
	err := c.do(ctx, http.MethodGet, "/v1/stats", "", nil, &snap)
	return snap, err
}

// Health returns the per-check health report. An unhealthy server returns
// the report along with an APIError.
func (c *Client) Health(ctx context.Context) (map[string]string, error) {
	var body struct {
		Checks map[string]string `json:"checks"`
	}
	err := c.do(ctx, http.MethodGet, "/health", "", nil, &body)
	return body.Checks, err
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			apiErr.Message = e.Error
		} else if len(data) > 0 {
			apiErr.Message = string(data[:min(len(data), maxErrorBody)])
		}
		// Some error responses still carry a useful body, such as /health.
		if out != nil {
			json.Unmarshal(data, out)
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
