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

package dedup

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryClaim(t *testing.T) {
	ctx := context.Background()
	idx := NewMemory(time.Hour)

	if _, ok, _ := idx.Lookup(ctx, "msg:<a@x>"); ok {
		t.Fatal("Lookup found an unclaimed key")
	}

	owner, claimed, err := idx.Claim(ctx, "msg:<a@x>", "PR-1")
	if err != nil || !claimed || owner != "PR-1" {
		t.Fatalf("first Claim = (%q, %v, %v)", owner, claimed, err)
	}

	owner, claimed, _ = idx.Claim(ctx, "msg:<a@x>", "PR-2")
	if claimed || owner != "PR-1" {
		t.Errorf("second Claim = (%q, %v), want (PR-1, false)", owner, claimed)
	}

	// Re-claiming for the owner is not a conflict.
	if _, claimed, _ := idx.Claim(ctx, "msg:<a@x>", "PR-1"); !claimed {
		t.Error("owner re-claim reported a conflict")
	}

	pid, ok, _ := idx.Lookup(ctx, "msg:<a@x>")
	if !ok || pid != "PR-1" {
		t.Errorf("Lookup = (%q, %v)", pid, ok)
	}
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	idx := NewMemory(time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	idx.now = func() time.Time { return now }

	idx.Claim(ctx, "sha256:abc", "PR-1")
	now = now.Add(2 * time.Minute)

	if _, ok, _ := idx.Lookup(ctx, "sha256:abc"); ok {
		t.Fatal("expired claim still visible")
	}
	if owner, claimed, _ := idx.Claim(ctx, "sha256:abc", "PR-2"); !claimed || owner != "PR-2" {
		t.Errorf("Claim after expiry = (%q, %v)", owner, claimed)
	}
}

func TestMemoryConcurrentClaims(t *testing.T) {
	ctx := context.Background()
	idx := NewMemory(time.Hour)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pid := "PR-" + string(rune('a'+i))
			if _, claimed, _ := idx.Claim(ctx, "msg:<race@x>", pid); claimed {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Errorf("%d claims won, want 1", winners)
	}
}
