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

package idgen

import (
	"strings"
	"sync"
	"testing"
)

// TestProcessingIDUniqueUnderConcurrency issues IDs from many goroutines and
// checks none collide.
func TestProcessingIDUniqueUnderConcurrency(t *testing.T) {
	g := New()
	const workers, perWorker = 16, 500

	var mu sync.Mutex
	seen := make(map[string]struct{}, workers*perWorker)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]string, 0, perWorker)
			for j := 0; j < perWorker; j++ {
				local = append(local, g.ProcessingID())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, id := range local {
				if _, dup := seen[id]; dup {
					t.Errorf("duplicate id %s", id)
				}
				seen[id] = struct{}{}
			}
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Errorf("got %d ids, want %d", len(seen), workers*perWorker)
	}
}

func TestPrefixes(t *testing.T) {
	g := New()
	if id := g.ProcessingID(); !strings.HasPrefix(id, "PROC_") || len(id) != 5+26 {
		t.Errorf("ProcessingID = %q", id)
	}
	if id := g.SubmissionID(); !strings.HasPrefix(id, "SUB_") {
		t.Errorf("SubmissionID = %q", id)
	}
	if a, b := g.AttachmentID(), g.AttachmentID(); a == b {
		t.Error("attachment ids collided")
	}
}

func TestIDsSortByIssueOrder(t *testing.T) {
	g := New()
	prev := g.ProcessingID()
	for i := 0; i < 100; i++ {
		next := g.ProcessingID()
		if next <= prev {
			t.Fatalf("%s not after %s", next, prev)
		}
		prev = next
	}
}
