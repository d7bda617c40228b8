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

import "testing"

func TestParseDocumentType(t *testing.T) {
	tests := []struct {
		label string
		want  DocumentType
	}{
		{"claim", DocClaim},
		{"CLAIM_FORM", DocClaim},
		{"Policy Document", DocPolicy},
		{"INVOICE_RECEIPT", DocFinancialDocument},
		{"FINANCIAL_STATEMENT", DocFinancialDocument},
		{"medical-report", DocMedicalReport},
		{"PHOTO_EVIDENCE", DocPhotoEvidence},
		{"weather forecast", DocOther},
		{"", DocOther},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			if got := ParseDocumentType(tt.label); got != tt.want {
				t.Errorf("ParseDocumentType(%q) = %q, want %q", tt.label, got, tt.want)
			}
		})
	}
}

// TestDocumentTypesRoundTrip verifies every taxonomy member parses to itself
// and has a description.
func TestDocumentTypesRoundTrip(t *testing.T) {
	for _, d := range DocumentTypes {
		if got := ParseDocumentType(string(d)); got != d {
			t.Errorf("ParseDocumentType(%q) = %q", d, got)
		}
		if d.Description() == "" {
			t.Errorf("%q has no description", d)
		}
	}
}

func TestStatusCanAdvanceTo(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusFailed, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusPending, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusProcessing, false},
		{StatusFailed, StatusCompleted, false},
		{StatusProcessing, StatusProcessing, true},
	}

	for _, tt := range tests {
		if got := tt.from.CanAdvanceTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestAggregateStatus(t *testing.T) {
	tests := []struct {
		name    string
		members []Status
		want    SubmissionStatus
	}{
		{"empty", nil, SubmissionOpen},
		{"in flight", []Status{StatusCompleted, StatusProcessing}, SubmissionOpen},
		{"all completed", []Status{StatusCompleted, StatusCompleted}, SubmissionCompleted},
		{"all failed", []Status{StatusFailed}, SubmissionFailed},
		{"mixed", []Status{StatusCompleted, StatusFailed}, SubmissionPartial},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AggregateStatus(tt.members); got != tt.want {
				t.Errorf("AggregateStatus = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	if got := ParseLevel("High"); got != LevelHigh {
		t.Errorf("ParseLevel(High) = %q", got)
	}
	if got := ParseLevel("MEDIUM"); got != LevelMedium {
		t.Errorf("ParseLevel(MEDIUM) = %q", got)
	}
	if got := ParseLevel("banana"); got != LevelUnknown {
		t.Errorf("ParseLevel(banana) = %q", got)
	}
}

func TestDedupKey(t *testing.T) {
	email := IngestionRequest{Kind: SourceEmail, Email: &EmailEnvelope{MessageID: "<a@b>"}}
	if got := email.DedupKey(); got != "msg:<a@b>" {
		t.Errorf("email DedupKey = %q", got)
	}
	file := IngestionRequest{Kind: SourceFile, File: &FileEnvelope{ContentHash: "abc"}}
	if got := file.DedupKey(); got != "sha256:abc" {
		t.Errorf("file DedupKey = %q", got)
	}
	if got := (IngestionRequest{Kind: SourceEmail, Email: &EmailEnvelope{}}).DedupKey(); got != "" {
		t.Errorf("empty DedupKey = %q", got)
	}
}
