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

// Package source turns inbound content (RFC 5322 messages, JSON email
// events and direct file uploads) into models.IngestionRequest values.
package source

import (
	"mime"
	"path/filepath"
	"strings"
)

// MaxFileSize is the largest accepted upload or attachment.
const MaxFileSize = 50 << 20

// Format is one supported attachment type.
type Format struct {
	Extension   string `json:"extension"`
	MIMEType    string `json:"mime_type"`
	Description string `json:"description"`
}

// SupportedFormats lists every attachment type the OCR stage accepts.
var SupportedFormats = []Format{
	{".pdf", "application/pdf", "PDF documents"},
	{".doc", "application/msword", "Microsoft Word documents (legacy)"},
	{".docx", "application/vnd.openxmlformats-officedocument.wordprocessingml.document", "Microsoft Word documents"},
	{".txt", "text/plain", "Plain text files"},
	{".html", "text/html", "HTML documents"},
	{".htm", "text/html", "HTML documents"},
	{".jpg", "image/jpeg", "JPEG images"},
	{".jpeg", "image/jpeg", "JPEG images"},
	{".png", "image/png", "PNG images"},
	{".tiff", "image/tiff", "TIFF images"},
	{".tif", "image/tiff", "TIFF images"},
}

var (
	byExtension = make(map[string]Format, len(SupportedFormats))
	byMIME      = make(map[string]Format, len(SupportedFormats))
)

func init() {
	for _, f := range SupportedFormats {
		byExtension[f.Extension] = f
		if _, ok := byMIME[f.MIMEType]; !ok {
			byMIME[f.MIMEType] = f
		}
	}
}

// Supported reports whether an attachment can be processed. The extension
// decides when present; otherwise the declared MIME type does.
func Supported(filename, mimeType string) bool {
	if ext := strings.ToLower(filepath.Ext(filename)); ext != "" {
		_, ok := byExtension[ext]
		return ok
	}
	_, ok := byMIME[baseMIME(mimeType)]
	return ok
}

// DetectMIME returns the MIME type for a file, preferring the known type for
// its extension over the declared one.
func DetectMIME(filename, declared string) string {
	if f, ok := byExtension[strings.ToLower(filepath.Ext(filename))]; ok {
		return f.MIMEType
	}
	if m := baseMIME(declared); m != "" {
		return m
	}
	if m := mime.TypeByExtension(filepath.Ext(filename)); m != "" {
		return baseMIME(m)
	}
	return "application/octet-stream"
}

func baseMIME(v string) string {
	if v == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(v)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(v))
	}
	return mt
}
