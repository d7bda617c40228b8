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

// Package queue carries processing jobs from intake to the workers.
// A job names a record; the work itself is derived from stored state, so
// delivering a job twice is harmless.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultName is the Redis list jobs are pushed to.
const DefaultName = "docpipe:jobs"

// KindProcess asks a worker to drive a record's outstanding stages.
const KindProcess = "process"

// ErrClosed is returned by a queue that has been shut down.
var ErrClosed = errors.New("queue closed")

// Job is one unit of queued work.
type Job struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	ProcessingID string    `json:"processing_id"`
	Attempt      int       `json:"attempt"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

// NewJob builds a process job for a record.
func NewJob(processingID string) Job {
	return Job{
		ID:           uuid.NewString(),
		Kind:         KindProcess,
		ProcessingID: processingID,
		Attempt:      1,
		EnqueuedAt:   time.Now().UTC(),
	}
}

// Queue is a FIFO of jobs.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Dequeue waits up to wait for a job. ok is false when none arrived.
	Dequeue(ctx context.Context, wait time.Duration) (job Job, ok bool, err error)
}

func encode(job Job) (string, error) {
	b, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	return string(b), nil
}

func decode(s string) (Job, error) {
	var job Job
	if err := json.Unmarshal([]byte(s), &job); err != nil {
		return Job{}, fmt.Errorf("unmarshal job: %w", err)
	}
	if job.ProcessingID == "" {
		return Job{}, errors.New("job has no processing_id")
	}
	return job, nil
}
