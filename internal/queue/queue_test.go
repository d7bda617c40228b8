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
	"errors"
	"testing"
	"time"
)

func TestNewJob(t *testing.T) {
	job := NewJob("PR-1")
	if job.ID == "" {
		t.Fatal("job ID is empty")
	}
	if job.Kind != KindProcess || job.ProcessingID != "PR-1" || job.Attempt != 1 {
		t.Fatalf("unexpected job: %+v", job)
	}
	if NewJob("PR-1").ID == job.ID {
		t.Fatal("job IDs repeat")
	}
}

func TestEncodeDecode(t *testing.T) {
	job := NewJob("PR-2")
	s, err := encode(job)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decode(s)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != job.ID || got.ProcessingID != "PR-2" || !got.EnqueuedAt.Equal(job.EnqueuedAt) {
		t.Errorf("decode = %+v, want %+v", got, job)
	}

	for _, bad := range []string{"", "{", `{"id":"x"}`} {
		if _, err := decode(bad); err == nil {
			t.Errorf("decode(%q) succeeded", bad)
		}
	}
}

func TestMemoryFIFO(t *testing.T) {
	q := NewMemory(4)
	ctx := context.Background()
	for _, pid := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, NewJob(pid)); err != nil {
			t.Fatalf("enqueue %s: %v", pid, err)
		}
	}
	if q.Len() != 3 {
		t.Fatalf("Len = %d, want 3", q.Len())
	}
	for _, want := range []string{"a", "b", "c"} {
		job, ok, err := q.Dequeue(ctx, time.Second)
		if err != nil || !ok {
			t.Fatalf("dequeue: ok=%v err=%v", ok, err)
		}
		if job.ProcessingID != want {
			t.Errorf("dequeued %s, want %s", job.ProcessingID, want)
		}
	}
}

func TestMemoryDequeueTimesOut(t *testing.T) {
	q := NewMemory(1)
	_, ok, err := q.Dequeue(context.Background(), 10*time.Millisecond)
	if err != nil || ok {
		t.Fatalf("Dequeue on empty queue: ok=%v err=%v", ok, err)
	}
}

func TestMemoryClose(t *testing.T) {
	q := NewMemory(1)
	q.Close()
	q.Close()
	if err := q.Enqueue(context.Background(), NewJob("a")); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue after Close = %v, want ErrClosed", err)
	}
	if _, _, err := q.Dequeue(context.Background(), time.Second); !errors.Is(err, ErrClosed) {
		t.Errorf("Dequeue after Close = %v, want ErrClosed", err)
	}
}

func TestMemoryEnqueueHonoursContext(t *testing.T) {
	q := NewMemory(1)
	if err := q.Enqueue(context.Background(), NewJob("a")); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := q.Enqueue(ctx, NewJob("b")); !errors.Is(err, context.Canceled) {
		t.Errorf("Enqueue on full queue = %v, want context.Canceled", err)
	}
}
