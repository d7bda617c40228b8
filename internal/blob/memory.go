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

package blob

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-memory Gateway for tests and ephemeral deployments.
type Memory struct {
	mu     sync.RWMutex
	blobs  map[string][]byte
	signer *Signer
}

var _ Gateway = (*Memory)(nil)

// NewMemory creates an empty in-memory gateway.
func NewMemory(signer *Signer) *Memory {
	return &Memory{blobs: make(map[string][]byte), signer: signer}
}

func (m *Memory) Put(ctx context.Context, key string, data []byte) (string, error) {
	if err := CheckKey(key); err != nil {
		return "", err
	}
	m.mu.Lock()
	m.blobs[key] = bytes.Clone(data)
	m.mu.Unlock()
	return URI(key), nil
}

func (m *Memory) Get(ctx context.Context, uri string) ([]byte, error) {
	key, err := KeyFromURI(uri)
	if err != nil {
		return nil, err
	}
	return m.read(key)
}

func (m *Memory) read(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return bytes.Clone(data), nil
}

func (m *Memory) ReadURL(uri string, ttl time.Duration) (string, error) {
	key, err := KeyFromURI(uri)
	if err != nil {
		return "", err
	}
	return m.signer.Sign(key, ttl)
}

func (m *Memory) Open(ctx context.Context, key, exp, sig string) ([]byte, error) {
	if err := m.signer.Verify(key, exp, sig); err != nil {
		return nil, err
	}
	return m.read(key)
}

// Len returns the number of stored blobs.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
