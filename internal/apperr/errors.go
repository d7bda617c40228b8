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

// Package apperr defines the error kinds returned across the pipeline.
//
// Each kind is a concrete type for errors.As and also matches a sentinel
// with errors.Is, so callers that only need the category can write
// errors.Is(err, apperr.ErrNotFound).
package apperr

import (
	"errors"
	"fmt"
)

// Sentinel categories.
var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrStage      = errors.New("stage failed")
)

// ValidationError reports a malformed inbound request. No record is created.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Msg
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Validation builds a ValidationError.
func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a reference to an unknown record.
type NotFoundError struct {
	Kind string // "processing record", "attachment", "submission"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NotFound builds a NotFoundError.
func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// ConflictError reports a write that would regress a status, mutate a
// completed record, or otherwise arrive out of order. The stored state is
// left untouched.
type ConflictError struct {
	ID  string
	Msg string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.ID, e.Msg)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// Conflict builds a ConflictError.
func Conflict(id, format string, args ...any) error {
	return &ConflictError{ID: id, Msg: fmt.Sprintf(format, args...)}
}

// StageError reports a stage adapter call that failed after its retry budget
// was spent, or that failed permanently.
type StageError struct {
	Stage        string
	AttachmentID string
	Filename     string
	Attempts     int
	Err          error
}

func (e *StageError) Error() string {
	target := e.AttachmentID
	if e.Filename != "" {
		target = fmt.Sprintf("%s (%s)", e.AttachmentID, e.Filename)
	}
	if target == "" {
		target = "source"
	}
	return fmt.Sprintf("%s failed for attachment %s after %d attempt(s): %v", e.Stage, target, e.Attempts, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func (e *StageError) Is(target error) bool { return target == ErrStage }

// UpstreamError is a non-success HTTP response from an external service.
type UpstreamError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned HTTP %d", e.Service, e.StatusCode)
	}
	return fmt.Sprintf("%s returned HTTP %d: %s", e.Service, e.StatusCode, e.Body)
}

// Temporary reports whether repeating the call may succeed.
func (e *UpstreamError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }
