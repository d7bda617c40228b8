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

// Package httpapi serves intake, record queries and operator actions over
// HTTP. Handlers translate requests into pipeline and coordinator calls and
// map typed errors onto status codes.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/claimdesk/docpipe/internal/apperr"
	"github.com/claimdesk/docpipe/internal/blob"
	"github.com/claimdesk/docpipe/internal/coordinator"
	"github.com/claimdesk/docpipe/internal/models"
	"github.com/claimdesk/docpipe/internal/pipeline"
	"github.com/claimdesk/docpipe/internal/source"
	"github.com/claimdesk/docpipe/internal/status"
	"github.com/claimdesk/docpipe/internal/store"
)

// Snapshotter serves the cached status projection.
type Snapshotter interface {
	Snapshot() status.Snapshot
}

// HealthCheck is one dependency probed by /health.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Config wires a Handler.
type Config struct {
	Intake      *pipeline.Intake
	Coordinator *coordinator.Coordinator
	Blobs       blob.Gateway
	Stats       Snapshotter
	Health      []HealthCheck
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// MaxUploadBytes caps a request body. Zero uses 64 MiB.
	MaxUploadBytes int64
}

// Handler serves the docpipe API.
type Handler struct {
	intake    *pipeline.Intake
	coord     *coordinator.Coordinator
	blobs     blob.Gateway
	stats     Snapshotter
	health    []HealthCheck
	metrics   http.Handler
	maxUpload int64
}

// NewHandler creates the API handler.
func NewHandler(cfg Config) *Handler {
	h := &Handler{
		intake:    cfg.Intake,
		coord:     cfg.Coordinator,
		blobs:     cfg.Blobs,
		stats:     cfg.Stats,
		health:    cfg.Health,
		metrics:   cfg.Metrics,
		maxUpload: cfg.MaxUploadBytes,
	}
	if h.maxUpload <= 0 {
		h.maxUpload = 64 << 20
	}
	return h
}

// Routes returns the API mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/emails", h.postEmail)
	mux.HandleFunc("POST /v1/files", h.postFiles)
	mux.HandleFunc("GET /v1/records", h.listRecords)
	mux.HandleFunc("GET /v1/records/{id}", h.getRecord)
	mux.HandleFunc("GET /v1/records/{id}/history", h.getHistory)
	mux.HandleFunc("POST /v1/records/{id}/retry", h.retryRecord)
	mux.HandleFunc("POST /v1/records/{id}/cancel", h.cancelRecord)
	mux.HandleFunc("POST /v1/submissions", h.postSubmission)
	mux.HandleFunc("GET /v1/submissions/{id}", h.getSubmission)
	mux.HandleFunc("GET /v1/stats", h.getStats)
	mux.HandleFunc("GET /v1/supported-formats", h.getFormats)
	mux.HandleFunc("GET /blobs/{key...}", h.getBlob)
	mux.HandleFunc("GET /health", h.getHealth)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}
	return mux
}

// postEmail accepts a raw .eml body, a multipart upload with a "file" part
// holding the .eml, or a JSON email event.
func (h *Handler) postEmail(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var (
		req models.IngestionRequest
		err error
	)
	switch mediaType {
	case "application/json":
		req, err = source.ParseEvent(r.Body)
	case "multipart/form-data":
		var raw []byte
		raw, err = formFile(r, "file")
		if err == nil {
			req, err = source.ParseEML(raw)
		}
	default:
		var raw []byte
		raw, err = io.ReadAll(r.Body)
		if err == nil {
			req, err = source.ParseEML(raw)
		}
	}
	if err != nil {
		writeError(w, err)
		return
	}

	receipt, err := h.intake.Ingest(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeReceipt(w, receipt)
}

type filesResponse struct {
	ProcessingIDs []string `json:"processing_ids"`
	Duplicates    []string `json:"duplicates,omitempty"`
	SubmissionID  string   `json:"submission_id,omitempty"`
}

// postFiles accepts one or more "file" parts. Every file is checked before
// any record is created, so one bad file rejects the whole upload. More
// than one file forms a submission.
func (h *Handler) postFiles(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, apperr.Validation("body", "multipart/form-data upload required"))
		return
	}

	var reqs []models.IngestionRequest
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeError(w, bodyError(err))
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}
		content, err := io.ReadAll(io.LimitReader(part, source.MaxFileSize+1))
		part.Close()
		if err != nil {
			writeError(w, bodyError(err))
			return
		}
		req, err := source.FromFile(part.FileName(), content, part.Header.Get("Content-Type"))
		if err != nil {
			writeError(w, err)
			return
		}
		att := req.Attachments[0]
		if !source.Supported(att.Filename, att.MIMEType) {
			writeError(w, apperr.Validation("file", "%s: unsupported file type", att.Filename))
			return
		}
		reqs = append(reqs, req)
	}
	if len(reqs) == 0 {
		writeError(w, apperr.Validation("file", "at least one file part is required"))
		return
	}

	resp := filesResponse{}
	for _, req := range reqs {
		receipt, err := h.intake.Ingest(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		resp.ProcessingIDs = append(resp.ProcessingIDs, receipt.ProcessingID)
		if receipt.Duplicate {
			resp.Duplicates = append(resp.Duplicates, receipt.ProcessingID)
		}
	}
	if len(resp.ProcessingIDs) > 1 {
		sub, err := h.coord.CreateSubmission(r.Context(), resp.ProcessingIDs)
		if err != nil {
			writeError(w, err)
			return
		}
		resp.SubmissionID = sub.SubmissionID
	}
	writeJSON(w, http.StatusAccepted, resp)
}

type recordsResponse struct {
	Records       []models.ProcessingRecord `json:"records"`
	NextPageToken string                    `json:"next_page_token,omitempty"`
}

func (h *Handler) listRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var lq store.ListQuery

	if s := q.Get("status"); s != "" {
		st, err := models.ParseStatus(s)
		if err != nil {
			writeError(w, apperr.Validation("status", "%v", err))
			return
		}
		lq.Status = st
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, apperr.Validation("limit", "must be a non-negative integer"))
			return
		}
		lq.Limit = n
	}
	cursor, err := store.DecodeCursor(q.Get("page_token"))
	if err != nil {
		writeError(w, err)
		return
	}
	lq.Cursor = cursor

	page, err := h.coord.List(r.Context(), lq)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := recordsResponse{Records: page.Records}
	if resp.Records == nil {
		resp.Records = []models.ProcessingRecord{}
	}
	if page.Next != nil {
		resp.NextPageToken = page.Next.Encode()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getRecord(w http.ResponseWriter, r *http.Request) {
	d, err := h.coord.Detail(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) getHistory(w http.ResponseWriter, r *http.Request) {
	events, err := h.coord.History(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *Handler) retryRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.intake.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) cancelRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.coord.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) postSubmission(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProcessingIDs []string `json:"processing_ids"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		writeError(w, apperr.Validation("body", "invalid JSON: %v", err))
		return
	}
	sub, err := h.coord.CreateSubmission(r.Context(), body.ProcessingIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (h *Handler) getSubmission(w http.ResponseWriter, r *http.Request) {
	view, err := h.coord.Submission(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) getStats(w http.ResponseWriter, r *http.Request) {
	snap := h.stats.Snapshot()
	if !snap.Ready {
		writeJSON(w, http.StatusServiceUnavailable, snap)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) getFormats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"formats":       source.SupportedFormats,
		"max_file_size": source.MaxFileSize,
	})
}

// getBlob serves a signed read URL issued by the blob gateway.
func (h *Handler) getBlob(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	q := r.URL.Query()
	data, err := h.blobs.Open(r.Context(), key, q.Get("exp"), q.Get("sig"))
	switch {
	case err == nil:
	case errors.Is(err, blob.ErrExpired), errors.Is(err, blob.ErrBadSignature):
		writeJSON(w, http.StatusForbidden, errorBody{Error: err.Error()})
		return
	case errors.Is(err, blob.ErrInvalidKey):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	case errors.Is(err, blob.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "blob not found"})
		return
	default:
		writeError(w, err)
		return
	}

	name := key[strings.LastIndex(key, "/")+1:]
	w.Header().Set("Content-Type", source.DetectMIME(name, ""))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "private, no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (h *Handler) getHealth(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.health))
	healthy := true
	for _, c := range h.health {
		if err := c.Check(r.Context()); err != nil {
			checks[c.Name] = err.Error()
			healthy = false
			slog.Warn("health check failed", "check", c.Name, "error", err)
			continue
		}
		checks[c.Name] = "ok"
	}
	code, state := http.StatusOK, "ok"
	if !healthy {
		code, state = http.StatusServiceUnavailable, "unhealthy"
	}
	writeJSON(w, code, map[string]any{"status": state, "checks": checks})
}

// formFile reads the named file part of a multipart form.
func formFile(r *http.Request, name string) ([]byte, error) {
	f, _, err := r.FormFile(name)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return nil, apperr.Validation(name, "file part is required")
		}
		return nil, bodyError(err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, bodyError(err)
	}
	return data, nil
}

func bodyError(err error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return err
	}
	return apperr.Validation("body", "read upload: %v", err)
}

func writeReceipt(w http.ResponseWriter, receipt pipeline.Receipt) {
	if receipt.Duplicate {
		writeJSON(w, http.StatusOK, receipt)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps typed errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	var mbe *http.MaxBytesError
	switch {
	case apperr.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	case apperr.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case apperr.IsConflict(err):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	case errors.As(err, &mbe):
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{
			Error: fmt.Sprintf("request body exceeds %d bytes", mbe.Limit),
		})
	default:
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}
