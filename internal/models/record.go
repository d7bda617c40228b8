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

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a processing record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}

// ParseStatus converts a string into a Status.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Terminal reports whether no further stage processing happens automatically.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// rank orders statuses; completed and failed share the top rank.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	}
	return -1
}

// CanAdvanceTo reports whether moving from s to next keeps the status
// sequence non-decreasing. The failed → processing retry edge is not covered
// here; callers allow it explicitly.
func (s Status) CanAdvanceTo(next Status) bool {
	if s == next {
		return true
	}
	if s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

// CancelledReason is the failure reason recorded for cancelled work.
const CancelledReason = "cancelled"

// ProcessingRecord is the master record for one ingested email or file.
type ProcessingRecord struct {
	ProcessingID    string     `json:"processing_id"`
	SourceType      SourceKind `json:"source_type"`
	Status          Status     `json:"status"`
	FailureReason   string     `json:"failure_reason,omitempty"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	RetryCount      int        `json:"retry_count"`

	// Email metadata
	MessageID string    `json:"message_id,omitempty"`
	From      string    `json:"from,omitempty"`
	To        []string  `json:"to,omitempty"`
	CC        []string  `json:"cc,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	EmailDate time.Time `json:"email_date,omitzero"`
	Body      string    `json:"body,omitempty"`

	// File metadata
	Filename string `json:"filename,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`

	// SourceURI locates the raw email, or the uploaded file for file sources.
	SourceURI      string `json:"source_uri,omitempty"`
	NumAttachments int    `json:"num_attachments"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AttachmentRecord is one file belonging to a processing record.
type AttachmentRecord struct {
	ProcessingID string    `json:"processing_id"`
	AttachmentID string    `json:"attachment_id"`
	Filename     string    `json:"filename"`
	StorageURI   *string   `json:"storage_uri"`
	Size         int64     `json:"size"`
	MIMEType     string    `json:"mime_type"`
	Skippable    bool      `json:"skippable"`
	CreatedAt    time.Time `json:"created_at"`
}

// Uploaded reports whether the attachment has a recorded storage URI.
func (a AttachmentRecord) Uploaded() bool {
	return a.StorageURI != nil && *a.StorageURI != ""
}

// OCRResult is the text extracted from one attachment.
type OCRResult struct {
	ProcessingID string        `json:"processing_id"`
	AttachmentID string        `json:"attachment_id"`
	Text         string        `json:"text"`
	Confidence   float64       `json:"confidence"`
	Method       string        `json:"method"`
	PageCount    int           `json:"page_count"`
	Duration     time.Duration `json:"duration_ns"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Level is a coarse high/medium/low rating used for risk and priority.
type Level string

const (
	LevelUnknown Level = "unknown"
	LevelLow     Level = "low"
	LevelMedium  Level = "medium"
	LevelHigh    Level = "high"
)

// ParseLevel maps free-form ratings ("High", "MEDIUM", "low") onto a Level.
func ParseLevel(s string) Level {
	switch normalizeLabel(s) {
	case "high", "critical", "urgent":
		return LevelHigh
	case "medium", "moderate", "normal":
		return LevelMedium
	case "low", "minimal":
		return LevelLow
	}
	return LevelUnknown
}

// Score returns a representative risk score for the level.
func (l Level) Score() float64 {
	switch l {
	case LevelHigh:
		return 0.9
	case LevelMedium:
		return 0.5
	case LevelLow:
		return 0.1
	}
	return 0
}

// ClassificationResult is the document classification of one attachment's text.
type ClassificationResult struct {
	ProcessingID string            `json:"processing_id"`
	AttachmentID string            `json:"attachment_id"`
	DocType      DocumentType      `json:"doc_type"`
	Confidence   float64           `json:"confidence"`
	Entities     map[string]string `json:"entities"`
	Risk         Level             `json:"risk"`
	RiskScore    float64           `json:"risk_score"`
	Priority     Level             `json:"priority"`
	Summary      string            `json:"summary,omitempty"`
	Model        string            `json:"model,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// AttachmentDetail nests the stage results under their attachment.
type AttachmentDetail struct {
	AttachmentRecord
	OCR            *OCRResult            `json:"ocr,omitempty"`
	Classification *ClassificationResult `json:"classification,omitempty"`
}

// RecordDetail is a master record with its attachments and stage results.
type RecordDetail struct {
	ProcessingRecord
	Attachments []AttachmentDetail `json:"attachments"`
}

// SubmissionStatus is the aggregate state of a submission.
type SubmissionStatus string

const (
	SubmissionOpen      SubmissionStatus = "open"
	SubmissionCompleted SubmissionStatus = "completed"
	SubmissionFailed    SubmissionStatus = "failed"
	SubmissionPartial   SubmissionStatus = "partial"
)

// AggregateStatus derives a submission status from its members' statuses.
func AggregateStatus(members []Status) SubmissionStatus {
	var completed, failed int
	for _, s := range members {
		switch s {
		case StatusCompleted:
			completed++
		case StatusFailed:
			failed++
		default:
			return SubmissionOpen
		}
	}
	switch {
	case len(members) == 0:
		return SubmissionOpen
	case failed == 0:
		return SubmissionCompleted
	case completed == 0:
		return SubmissionFailed
	}
	return SubmissionPartial
}

// SubmissionRecord groups processing records that belong together, such as
// the files of one multi-file upload.
type SubmissionRecord struct {
	SubmissionID  string    `json:"submission_id"`
	ProcessingIDs []string  `json:"processing_ids"`
	CreatedAt     time.Time `json:"created_at"`
}

// WindowCount is the number of records created within a trailing window.
type WindowCount struct {
	Window time.Duration `json:"window_ns"`
	Label  string        `json:"window"`
	Count  int64         `json:"count"`
}

// Stats is an aggregate projection over the state store.
type Stats struct {
	ByStatus    map[Status]int64       `json:"by_status"`
	ByDocType   map[DocumentType]int64 `json:"by_doc_type"`
	Windows     []WindowCount          `json:"windows"`
	GeneratedAt time.Time              `json:"generated_at"`
}
