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

package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/claimdesk/docpipe/internal/apperr"
	"github.com/claimdesk/docpipe/internal/models"
)

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 512

// Service calls an external OCR service over HTTP. The service fetches the
// document itself from the signed read URL.
type Service struct {
	endpoint   string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewService creates an OCR service client. httpClient carries any
// authentication (for example an OAuth2 client credentials transport). A nil
// limiter does not limit.
func NewService(endpoint string, httpClient *http.Client, limiter *rate.Limiter) *Service {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Service{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: httpClient,
		limiter:    limiter,
	}
}

type serviceRequest struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	MIMEType string `json:"mime_type"`
}

type serviceResponse struct {
	Status     string  `json:"status"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Method     string  `json:"method"`
	PageCount  int     `json:"page_count"`
}

// Extract implements Extractor.
func (s *Service) Extract(ctx context.Context, req Request) (models.OCRResult, error) {
	if req.ReadURL == "" {
		return models.OCRResult{}, fmt.Errorf("ocr request for %s has no read url", req.Filename)
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return models.OCRResult{}, fmt.Errorf("ocr rate limit: %w", err)
		}
	}

	payload, err := json.Marshal(serviceRequest{URL: req.ReadURL, Filename: req.Filename, MIMEType: req.MIMEType})
	if err != nil {
		return models.OCRResult{}, fmt.Errorf("marshal ocr request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return models.OCRResult{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return models.OCRResult{}, fmt.Errorf("call ocr service: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return models.OCRResult{}, fmt.Errorf("%s: %w", req.Filename, ErrUnreadable)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return models.OCRResult{}, &apperr.UpstreamError{
			Service:    "ocr service",
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	var out serviceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.OCRResult{}, fmt.Errorf("decode ocr response: %w", err)
	}

	switch out.Status {
	case "unreadable":
		return models.OCRResult{}, fmt.Errorf("%s: %w", req.Filename, ErrUnreadable)
	case "no_text":
		return models.OCRResult{}, ErrNoText
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return models.OCRResult{}, ErrNoText
	}

	res := models.OCRResult{
		Text:       text,
		Confidence: out.Confidence,
		Method:     out.Method,
		PageCount:  out.PageCount,
		Duration:   time.Since(start),
	}
	if res.Confidence <= 0 {
		res.Confidence = defaultConfidence(req.MIMEType)
	}
	if res.Method == "" {
		res.Method = "ocr_service"
	}
	if res.PageCount <= 0 {
		res.PageCount = 1
	}

	slog.Debug("ocr extracted text",
		"filename", req.Filename,
		"method", res.Method,
		"pages", res.PageCount,
		"chars", len(res.Text),
	)
	return res, nil
}
