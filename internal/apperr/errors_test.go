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

package apperr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindsMatchThroughWrapping(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"validation", Validation("subject", "required"), IsValidation},
		{"not found", NotFound("processing record", "PROC_1"), IsNotFound},
		{"conflict", Conflict("PROC_1", "record is completed"), IsConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			if !tt.check(wrapped) {
				t.Errorf("wrapped %v not recognised", wrapped)
			}
		})
	}

	if IsNotFound(Validation("x", "y")) {
		t.Error("validation error matched not-found")
	}
}

func TestStageError(t *testing.T) {
	cause := errors.New("ocr service returned 503")
	err := fmt.Errorf("run: %w", &StageError{
		Stage:        "ocr",
		AttachmentID: "att-1",
		Filename:     "a.pdf",
		Attempts:     3,
		Err:          cause,
	})

	if !errors.Is(err, ErrStage) {
		t.Error("expected ErrStage")
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to unwrap")
	}

	var se *StageError
	if !errors.As(err, &se) {
		t.Fatal("errors.As failed")
	}
	msg := se.Error()
	for _, want := range []string{"ocr", "att-1", "a.pdf", "3 attempt"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
}

func TestUpstreamErrorTemporary(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{429, true},
		{500, true},
		{503, true},
		{400, false},
		{401, false},
		{404, false},
	}
	for _, tt := range tests {
		e := &UpstreamError{Service: "ocr service", StatusCode: tt.code}
		if got := e.Temporary(); got != tt.want {
			t.Errorf("Temporary(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}
