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
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// FS stores blobs as files under a root directory.
type FS struct {
	root   string
	signer *Signer
}

var _ Gateway = (*FS)(nil)

// NewFS creates the root directory if needed.
func NewFS(root string, signer *Signer) (*FS, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FS{root: root, signer: signer}, nil
}

func (f *FS) path(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(key))
}

// Put writes data under key. The write is atomic; rewriting a key replaces
// its content and keeps its URI.
func (f *FS) Put(ctx context.Context, key string, data []byte) (string, error) {
	if err := CheckKey(key); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dst := f.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return "", fmt.Errorf("create blob dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".put-*")
	if err != nil {
		return "", fmt.Errorf("create temp blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write blob %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close blob %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("commit blob %s: %w", key, err)
	}
	return URI(key), nil
}

// Get reads the blob at uri.
func (f *FS) Get(ctx context.Context, uri string) ([]byte, error) {
	key, err := KeyFromURI(uri)
	if err != nil {
		return nil, err
	}
	return f.read(ctx, key)
}

func (f *FS) read(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return data, err
}

// ReadURL implements Gateway.
func (f *FS) ReadURL(uri string, ttl time.Duration) (string, error) {
	key, err := KeyFromURI(uri)
	if err != nil {
		return "", err
	}
	return f.signer.Sign(key, ttl)
}

// Open implements Gateway.
func (f *FS) Open(ctx context.Context, key, exp, sig string) ([]byte, error) {
	if err := f.signer.Verify(key, exp, sig); err != nil {
		return nil, err
	}
	return f.read(ctx, key)
}
