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

// Package ocr is the text extraction stage. Extractors never write state;
// the pipeline records what they return.
package ocr

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/claimdesk/docpipe/internal/models"
)

var (
	// ErrNoText means the document was readable but contained no text.
	ErrNoText = errors.New("no text found")
	// ErrUnreadable means the content cannot be machine read at all.
	// Repeating the call will not help.
	ErrUnreadable = errors.New("content is not machine readable")
)

// Request identifies the stored content to extract.
type Request struct {
	URI string
	// ReadURL is a signed, expiring URL for services outside the process.
	ReadURL  string
	Filename string
	MIMEType string
}

// Extractor pulls text out of one stored attachment.
type Extractor interface {
	Extract(ctx context.Context, req Request) (models.OCRResult, error)
}

// BlobReader reads stored content by URI.
type BlobReader interface {
	Get(ctx context.Context, uri string) ([]byte, error)
}

// Router picks an extractor by MIME type. Text and HTML are extracted in
// process; everything else goes to Default.
type Router struct {
	Text    Extractor
	HTML    Extractor
	Default Extractor
}

// NewRouter routes text/plain and text/html to in-process extractors over
// blobs and the rest to def.
func NewRouter(blobs BlobReader, def Extractor) *Router {
	return &Router{
		Text:    &PlainText{blobs: blobs},
		HTML:    &HTML{blobs: blobs},
		Default: def,
	}
}

func (r *Router) Extract(ctx context.Context, req Request) (models.OCRResult, error) {
	return r.pick(req.MIMEType).Extract(ctx, req)
}

func (r *Router) pick(mimeType string) Extractor {
	mt, _, _ := strings.Cut(strings.ToLower(mimeType), ";")
	switch strings.TrimSpace(mt) {
	case "text/plain":
		if r.Text != nil {
			return r.Text
		}
	case "text/html":
		if r.HTML != nil {
			return r.HTML
		}
	}
	if r.Default == nil {
		return Unavailable{}
	}
	return r.Default
}

// Unavailable rejects every request. Routers use it when no OCR service is
// configured.
type Unavailable struct{}

func (Unavailable) Extract(ctx context.Context, req Request) (models.OCRResult, error) {
	return models.OCRResult{}, fmt.Errorf("%w: no OCR service configured for %s", ErrUnreadable, req.MIMEType)
}

// defaultConfidence is the confidence assumed for a method that reports
// none.
func defaultConfidence(mimeType string) float64 {
	switch {
	case mimeType == "application/pdf":
		return 0.9
	case strings.HasPrefix(mimeType, "image/"):
		return 0.8
	}
	return 1.0
}
