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

package queue

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process queue on a buffered channel.
type Memory struct {
	jobs chan Job

	once   sync.Once
	closed chan struct{}
}

// NewMemory creates an in-process queue holding up to size jobs.
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = 1024
	}
	return &Memory{jobs: make(chan Job, size), closed: make(chan struct{})}
}

// Enqueue blocks while the buffer is full.
func (q *Memory) Enqueue(ctx context.Context, job Job) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}
	select {
	case q.jobs <- job:
		return nil
	case <-q.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Memory) Dequeue(ctx context.Context, wait time.Duration) (Job, bool, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case job := <-q.jobs:
		return job, true, nil
	case <-q.closed:
		return Job{}, false, ErrClosed
	case <-timer.C:
		return Job{}, false, nil
	case <-ctx.Done():
		return Job{}, false, ctx.Err()
	}
}

// Len returns the number of buffered jobs.
func (q *Memory) Len() int {
	return len(q.jobs)
}

// Close stops the queue. Buffered jobs are abandoned.
func (q *Memory) Close() {
	q.once.Do(func() { close(q.closed) })
}
