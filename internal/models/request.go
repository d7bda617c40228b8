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

package models

import "time"

// SourceKind identifies how a unit of work entered the pipeline.
type SourceKind string

const (
	SourceEmail SourceKind = "email"
	SourceFile  SourceKind = "file"
)

// Valid reports whether k is a known source kind.
func (k SourceKind) Valid() bool {
	return k == SourceEmail || k == SourceFile
}

// EmailEnvelope carries the header metadata of an inbound email.
type EmailEnvelope struct {
	MessageID string
	From      string
	To        []string
	CC        []string
	Subject   string
	Date      time.Time
	Body      string
}

// FileEnvelope carries the metadata of a direct upload.
type FileEnvelope struct {
	Filename    string
	Size        int64
	ContentHash string // hex sha256 of the content
}

// AttachmentDescriptor describes one file to be stored and analysed.
// Content is held only until it is spooled; it is never persisted in the
// state store.
type AttachmentDescriptor struct {
	Filename string
	MIMEType string
	Size     int64
	Content  []byte
}

// IngestionRequest is the canonical, immutable form of inbound work built by
// a source adapter. It is discarded once converted to persisted records.
type IngestionRequest struct {
	Kind        SourceKind
	Email       *EmailEnvelope
	File        *FileEnvelope
	Attachments []AttachmentDescriptor

	// Source is the raw message (.eml) for email requests.
	Source []byte
}

// DedupKey returns the key used to detect a repeated submission, or "" when
// the request carries nothing stable to key on.
func (r IngestionRequest) DedupKey() string {
	switch r.Kind {
	case SourceEmail:
		if r.Email != nil && r.Email.MessageID != "" {
			return "msg:" + r.Email.MessageID
		}
	case SourceFile:
		if r.File != nil && r.File.ContentHash != "" {
			return "sha256:" + r.File.ContentHash
		}
	}
	return ""
}
