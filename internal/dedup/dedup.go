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

// Package dedup remembers which processing record a submission key was
// first assigned to, so repeated deliveries of the same email or file map
// back to the original record.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long a submission key is remembered.
	DefaultTTL = 7 * 24 * time.Hour

	// keyPrefix namespaces dedup keys in Redis.
	keyPrefix = "docpipe:seen:"
)

// Index maps submission keys to processing IDs.
type Index interface {
	// Lookup returns the processing ID a key was claimed for.
	Lookup(ctx context.Context, key string) (pid string, ok bool, err error)
	// Claim assigns key to pid unless it is already taken. When the key is
	// taken, owner is the processing ID holding it and claimed is false.
	Claim(ctx context.Context, key, pid string) (owner string, claimed bool, err error)
}

// Redis keeps the index in Redis strings with a TTL.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedis creates a Redis-backed index. A non-positive ttl uses DefaultTTL.
func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{rdb: rdb, ttl: ttl}
}

func (r *Redis) Lookup(ctx context.Context, key string) (string, bool, error) {
	pid, err := r.rdb.Get(ctx, keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("dedup GET: %w", err)
	}
	return pid, true, nil
}

func (r *Redis) Claim(ctx context.Context, key, pid string) (string, bool, error) {
	// SET NX = set only if key does not exist. Returns true if the key was set.
	set, err := r.rdb.SetNX(ctx, keyPrefix+key, pid, r.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("dedup SETNX: %w", err)
	}
	if set {
		return pid, true, nil
	}
	owner, ok, err := r.Lookup(ctx, key)
	if err != nil {
		return "", false, err
	}
	if !ok {
		// Expired between SETNX and GET; try once more.
		set, err := r.rdb.SetNX(ctx, keyPrefix+key, pid, r.ttl).Result()
		if err != nil {
			return "", false, fmt.Errorf("dedup SETNX: %w", err)
		}
		if set {
			return pid, true, nil
		}
		owner, _, err = r.Lookup(ctx, key)
		if err != nil {
			return "", false, err
		}
	}
	return owner, owner == pid, nil
}

type claim struct {
	pid     string
	expires time.Time
}

// Memory is an in-process index.
type Memory struct {
	mu     sync.Mutex
	claims map[string]claim
	ttl    time.Duration
	now    func() time.Time
}

// NewMemory creates an in-process index. A non-positive ttl uses DefaultTTL.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{claims: make(map[string]claim), ttl: ttl, now: time.Now}
}

func (m *Memory) Lookup(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.live(key)
	return c.pid, ok, nil
}

func (m *Memory) Claim(ctx context.Context, key, pid string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.live(key); ok {
		return c.pid, c.pid == pid, nil
	}
	m.claims[key] = claim{pid: pid, expires: m.now().Add(m.ttl)}
	return pid, true, nil
}

func (m *Memory) live(key string) (claim, bool) {
	c, ok := m.claims[key]
	if !ok {
		return claim{}, false
	}
	if m.now().After(c.expires) {
		delete(m.claims, key)
		return claim{}, false
	}
	return c, true
}
