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

// Package idgen issues processing and submission identifiers.
//
// IDs are ULIDs drawn from monotonic entropy, so two IDs issued by the same
// generator never collide and sort by issue time.
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const (
	processingPrefix = "PROC_"
	submissionPrefix = "SUB_"
)

// Generator issues identifiers. It is safe for concurrent use.
type Generator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

// New creates a generator using the wall clock.
func New() *Generator {
	return &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
}

func (g *Generator) next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(g.now()), g.entropy).String()
}

// ProcessingID returns a fresh processing identifier such as
// PROC_01J9Z3K6QX8T4R2M5N7P9B1C3D.
func (g *Generator) ProcessingID() string {
	return processingPrefix + g.next()
}

// SubmissionID returns a fresh submission identifier.
func (g *Generator) SubmissionID() string {
	return submissionPrefix + g.next()
}

// AttachmentID returns a fresh attachment identifier.
func (g *Generator) AttachmentID() string {
	return uuid.NewString()
}
