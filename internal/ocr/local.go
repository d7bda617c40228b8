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
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/claimdesk/docpipe/internal/models"
	"github.com/claimdesk/docpipe/internal/source"
)

// PlainText extracts text/plain attachments directly.
type PlainText struct {
	blobs BlobReader
}

// NewPlainText creates a plain text extractor reading from blobs.
func NewPlainText(blobs BlobReader) *PlainText {
	return &PlainText{blobs: blobs}
}

func (p *PlainText) Extract(ctx context.Context, req Request) (models.OCRResult, error) {
	start := time.Now()
	data, err := p.blobs.Get(ctx, req.URI)
	if err != nil {
		return models.OCRResult{}, fmt.Errorf("read %s: %w", req.URI, err)
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(data) {
		return models.OCRResult{}, fmt.Errorf("%s: %w", req.Filename, ErrUnreadable)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return models.OCRResult{}, ErrNoText
	}
	return models.OCRResult{
		Text:       text,
		Confidence: 1.0,
		Method:     "plaintext",
		PageCount:  1,
		Duration:   time.Since(start),
	}, nil
}

// HTML extracts the visible text of text/html attachments.
type HTML struct {
	blobs BlobReader
}

// NewHTML creates an HTML extractor reading from blobs.
func NewHTML(blobs BlobReader) *HTML {
	return &HTML{blobs: blobs}
}

func (h *HTML) Extract(ctx context.Context, req Request) (models.OCRResult, error) {
	start := time.Now()
	data, err := h.blobs.Get(ctx, req.URI)
	if err != nil {
		return models.OCRResult{}, fmt.Errorf("read %s: %w", req.URI, err)
	}
	text, err := source.HTMLText(bytes.NewReader(data))
	if err != nil {
		return models.OCRResult{}, fmt.Errorf("%s: %w", req.Filename, ErrUnreadable)
	}
	if text == "" {
		return models.OCRResult{}, ErrNoText
	}
	return models.OCRResult{
		Text:       text,
		Confidence: 1.0,
		Method:     "html",
		PageCount:  1,
		Duration:   time.Since(start),
	}, nil
}
