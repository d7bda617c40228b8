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

package backfill

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/claimdesk/docpipe/internal/client"
	"github.com/claimdesk/docpipe/internal/pipeline"
)

// --- Mock uploader ---

type mockUploader struct {
	mu      sync.Mutex
	seen    map[string]string // content -> processing id
	uploads []string
	fail    map[string]bool // file names that fail to upload
}

func newMockUploader() *mockUploader {
	return &mockUploader{seen: make(map[string]string), fail: make(map[string]bool)}
}

func (m *mockUploader) submit(name string, content []byte) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail[name] {
		return "", false, errors.New("HTTP 500")
	}
	m.uploads = append(m.uploads, name)
	if pid, ok := m.seen[string(content)]; ok {
		return pid, true, nil
	}
	pid := "PROC_" + name
	m.seen[string(content)] = pid
	return pid, false, nil
}

func (m *mockUploader) SubmitEmail(_ context.Context, raw []byte) (pipeline.Receipt, error) {
	pid, dup, err := m.submit("email", raw)
	if err != nil {
		return pipeline.Receipt{}, err
	}
	return pipeline.Receipt{ProcessingID: pid, Duplicate: dup}, nil
}

func (m *mockUploader) SubmitFiles(_ context.Context, files []client.File) (client.FilesResult, error) {
	pid, dup, err := m.submit(files[0].Name, files[0].Content)
	if err != nil {
		return client.FilesResult{}, err
	}
	res := client.FilesResult{ProcessingIDs: []string{pid}}
	if dup {
		res.Duplicates = []string{pid}
	}
	return res, nil
}

func (m *mockUploader) uploaded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.uploads)
}

// --- Test helpers ---

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

const testEmail = "From: a@example.com\r\nSubject: hi\r\n\r\nbody\r\n"

func TestBackfill_ImportsDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"a.eml":        testEmail,
		"b.pdf":        "%PDF-1.7",
		"c.exe":        "MZ",
		".hidden.txt":  "ignored",
		"noextension":  "ignored",
		"sub/deep.txt": "nested",
	})

	up := newMockUploader()
	r := NewRunner(RunnerConfig{Uploader: up, Delay: time.Nanosecond})

	res, err := r.Run(context.Background(), BackfillRequest{Dirs: []string{dir}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.TotalNew != 2 || res.TotalSkipped != 2 || res.TotalErrors != 0 {
		t.Errorf("totals new=%d skipped=%d errors=%d, want 2/2/0",
			res.TotalNew, res.TotalSkipped, res.TotalErrors)
	}
	if got := up.uploaded(); !slices.Equal(got, []string{"email", "b.pdf"}) {
		t.Errorf("uploads = %v", got)
	}
	if got := res.DirResults[0].ProcessingIDs; len(got) != 2 {
		t.Errorf("processing ids = %v", got)
	}
}

func TestBackfill_Recursive(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"a.txt":     "top",
		"sub/b.txt": "nested",
	})

	up := newMockUploader()
	r := NewRunner(RunnerConfig{Uploader: up, Delay: time.Nanosecond})

	res, err := r.Run(context.Background(), BackfillRequest{Dirs: []string{dir}, Recursive: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.TotalNew != 2 {
		t.Errorf("TotalNew = %d, want 2", res.TotalNew)
	}
}

func TestBackfill_CountsDuplicates(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"first.eml":  testEmail,
		"second.eml": testEmail,
	})

	up := newMockUploader()
	r := NewRunner(RunnerConfig{Uploader: up, Delay: time.Nanosecond})

	res, err := r.Run(context.Background(), BackfillRequest{Dirs: []string{dir}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.TotalNew != 1 || res.TotalDuplicates != 1 {
		t.Errorf("new=%d duplicates=%d, want 1/1", res.TotalNew, res.TotalDuplicates)
	}
	ids := res.DirResults[0].ProcessingIDs
	if len(ids) != 2 || ids[0] != ids[1] {
		t.Errorf("duplicate should map to the original record, got %v", ids)
	}
}

func TestBackfill_SinceSkipsOldFiles(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"old.txt": "old",
		"new.txt": "new",
	})
	now := time.Now()
	old := now.Add(-48 * time.Hour)
	if err := os.Chtimes(filepath.Join(dir, "old.txt"), old, old); err != nil {
		t.Fatal(err)
	}

	up := newMockUploader()
	r := NewRunner(RunnerConfig{Uploader: up, Delay: time.Nanosecond, Clock: func() time.Time { return now }})

	res, err := r.Run(context.Background(), BackfillRequest{Dirs: []string{dir}, Since: 24 * time.Hour})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.TotalNew != 1 || res.TotalSkipped != 1 {
		t.Errorf("new=%d skipped=%d, want 1/1", res.TotalNew, res.TotalSkipped)
	}
	if got := up.uploaded(); !slices.Equal(got, []string{"new.txt"}) {
		t.Errorf("uploads = %v", got)
	}
}

func TestBackfill_ContinuesPastErrors(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"a.txt": "a",
		"b.txt": "b",
	})

	up := newMockUploader()
	up.fail["a.txt"] = true
	r := NewRunner(RunnerConfig{Uploader: up, Delay: time.Nanosecond})

	missing := filepath.Join(dir, "does-not-exist")
	res, err := r.Run(context.Background(), BackfillRequest{Dirs: []string{missing, dir}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.DirResults) != 2 {
		t.Fatalf("dir results = %d, want 2", len(res.DirResults))
	}
	if res.DirResults[0].Errors != 1 {
		t.Errorf("missing dir errors = %d, want 1", res.DirResults[0].Errors)
	}
	if dr := res.DirResults[1]; dr.Imported != 1 || dr.Errors != 1 {
		t.Errorf("dir result = %+v, want 1 imported and 1 error", dr)
	}
}

func TestBackfill_StopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"a.txt": "a",
		"b.txt": "b",
		"c.txt": "c",
	})

	up := newMockUploader()
	r := NewRunner(RunnerConfig{Uploader: up, Delay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for len(up.uploaded()) == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	_, err := r.Run(ctx, BackfillRequest{Dirs: []string{dir}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if got := up.uploaded(); len(got) != 1 {
		t.Errorf("uploads = %v, want exactly one before cancel", got)
	}
}
