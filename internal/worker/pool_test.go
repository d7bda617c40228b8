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

package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/claimdesk/docpipe/internal/pipeline"
	"github.com/claimdesk/docpipe/internal/queue"
)

type recordingProcessor struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(pid string, call int) (pipeline.Outcome, error)
	done  chan string
}

func newRecorder(fn func(pid string, call int) (pipeline.Outcome, error)) *recordingProcessor {
	return &recordingProcessor{calls: make(map[string]int), fn: fn, done: make(chan string, 64)}
}

func (r *recordingProcessor) Process(ctx context.Context, pid string) (pipeline.Outcome, error) {
	r.mu.Lock()
	r.calls[pid]++
	call := r.calls[pid]
	r.mu.Unlock()
	defer func() { r.done <- pid }()
	if r.fn != nil {
		return r.fn(pid, call)
	}
	return pipeline.OutcomeCompleted, nil
}

func (r *recordingProcessor) count(pid string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[pid]
}

func waitFor(t *testing.T, done <-chan string, n int) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-done:
		case <-timeout:
			t.Fatalf("timed out after %d of %d jobs", i, n)
		}
	}
}

func TestPoolProcessesJobs(t *testing.T) {
	q := queue.NewMemory(16)
	proc := newRecorder(nil)
	pool := New(Config{Queue: q, Processor: proc, Workers: 3, PollWait: 10 * time.Millisecond})

	ctx := context.Background()
	for _, pid := range []string{"a", "b", "c", "d"} {
		if err := q.Enqueue(ctx, queue.NewJob(pid)); err != nil {
			t.Fatal(err)
		}
	}

	pool.Start(ctx)
	waitFor(t, proc.done, 4)
	pool.Stop()

	for _, pid := range []string{"a", "b", "c", "d"} {
		if got := proc.count(pid); got != 1 {
			t.Errorf("%s processed %d times, want 1", pid, got)
		}
	}
}

func TestPoolRequeuesErroredJobs(t *testing.T) {
	q := queue.NewMemory(16)
	proc := newRecorder(func(pid string, call int) (pipeline.Outcome, error) {
		return "", errors.New("store unavailable")
	})
	pool := New(Config{Queue: q, Processor: proc, Workers: 1, PollWait: 10 * time.Millisecond, MaxJobAttempts: 3})

	ctx := context.Background()
	if err := q.Enqueue(ctx, queue.NewJob("a")); err != nil {
		t.Fatal(err)
	}
	pool.Start(ctx)
	waitFor(t, proc.done, 3)

	// Give a fourth attempt the chance to show up.
	time.Sleep(50 * time.Millisecond)
	pool.Stop()

	if got := proc.count("a"); got != 3 {
		t.Errorf("processed %d times, want 3", got)
	}
}

func TestPoolSurvivesPanics(t *testing.T) {
	q := queue.NewMemory(16)
	proc := newRecorder(func(pid string, call int) (pipeline.Outcome, error) {
		if pid == "boom" {
			panic("nil map")
		}
		return pipeline.OutcomeCompleted, nil
	})
	pool := New(Config{Queue: q, Processor: proc, Workers: 1, PollWait: 10 * time.Millisecond, MaxJobAttempts: 1})

	ctx := context.Background()
	q.Enqueue(ctx, queue.NewJob("boom"))
	q.Enqueue(ctx, queue.NewJob("fine"))

	pool.Start(ctx)
	waitFor(t, proc.done, 2)
	pool.Stop()

	if proc.count("fine") != 1 {
		t.Error("job after a panic was not processed")
	}
}

func TestPoolStopsOnQueueClose(t *testing.T) {
	q := queue.NewMemory(1)
	pool := New(Config{Queue: q, Processor: newRecorder(nil), Workers: 2, PollWait: time.Hour})
	pool.Start(context.Background())
	q.Close()

	stopped := make(chan struct{})
	go func() {
		pool.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("workers did not exit after the queue closed")
	}
	pool.Stop()
}
