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

// Package backfill imports historical emails and documents from a
// directory tree through the docpipe API.
package backfill

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/claimdesk/docpipe/internal/client"
	"github.com/claimdesk/docpipe/internal/pipeline"
	"github.com/claimdesk/docpipe/internal/source"
)

// Uploader is the part of the API client the importer needs.
type Uploader interface {
	SubmitEmail(ctx context.Context, raw []byte) (pipeline.Receipt, error)
	SubmitFiles(ctx context.Context, files []client.File) (client.FilesResult, error)
}

// BackfillRequest defines the scope of an import run.
type BackfillRequest struct {
	Dirs      []string
	Recursive bool
	// Since skips files modified before now minus Since. Zero imports all.
	Since time.Duration
}

// BackfillResult summarises a completed import run.
type BackfillResult struct {
	DirResults      []DirResult
	TotalNew        int
	TotalDuplicates int
	TotalSkipped    int
	TotalErrors     int
	Elapsed         time.Duration
}

// DirResult tracks per-directory progress.
type DirResult struct {
	Dir        string
	Imported   int
	Duplicates int
	Skipped    int
	Errors     int
	// ProcessingIDs lists the records created or matched, in upload order.
	ProcessingIDs []string
}

// Runner performs directory imports.
type Runner struct {
	uploader Uploader
	delay    time.Duration // pause between uploads
	now      func() time.Time
}

// RunnerConfig holds dependencies for the import runner.
type RunnerConfig struct {
	Uploader Uploader
	Delay    time.Duration
	Clock    func() time.Time
}

// NewRunner creates an import runner.
func NewRunner(cfg RunnerConfig) *Runner {
	delay := cfg.Delay
	if delay == 0 {
		delay = 100 * time.Millisecond
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Runner{uploader: cfg.Uploader, delay: delay, now: now}
}

// Run imports every directory in req. A directory that cannot be read is
// counted as one error and the run continues with the next.
func (r *Runner) Run(ctx context.Context, req BackfillRequest) (*BackfillResult, error) {
	start := r.now()
	var cutoff time.Time
	if req.Since > 0 {
		cutoff = start.Add(-req.Since)
	}

	slog.Info("starting import",
		"dirs", len(req.Dirs),
		"recursive", req.Recursive,
		"since", cutoff,
	)

	result := &BackfillResult{}
	for _, dir := range req.Dirs {
		dr, err := r.importDir(ctx, dir, req.Recursive, cutoff)
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			slog.Error("import failed for directory", "dir", dir, "error", err)
			dr.Errors++
		}

		result.DirResults = append(result.DirResults, dr)
		result.TotalNew += dr.Imported
		result.TotalDuplicates += dr.Duplicates
		result.TotalSkipped += dr.Skipped
		result.TotalErrors += dr.Errors
	}

	result.Elapsed = r.now().Sub(start)

	slog.Info("import complete",
		"total_new", result.TotalNew,
		"total_duplicates", result.TotalDuplicates,
		"total_skipped", result.TotalSkipped,
		"total_errors", result.TotalErrors,
		"elapsed", result.Elapsed,
	)
	return result, nil
}

// importDir uploads the files of one directory in lexical order.
func (r *Runner) importDir(ctx context.Context, dir string, recursive bool, cutoff time.Time) (DirResult, error) {
	dr := DirResult{Dir: dir}

	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return dr, fmt.Errorf("walk %s: %w", dir, err)
	}

	uploads := 0
	for _, path := range paths {
		if !cutoff.IsZero() {
			info, err := os.Stat(path)
			if err != nil {
				slog.Warn("import: stat failed", "path", path, "error", err)
				dr.Errors++
				continue
			}
			if info.ModTime().Before(cutoff) {
				dr.Skipped++
				continue
			}
		}
		if !isEmail(path) && !source.Supported(filepath.Base(path), "") {
			slog.Debug("import: unsupported file skipped", "path", path)
			dr.Skipped++
			continue
		}

		if uploads > 0 {
			select {
			case <-ctx.Done():
				return dr, ctx.Err()
			case <-time.After(r.delay):
			}
		}
		uploads++

		pid, duplicate, err := r.upload(ctx, path)
		if err != nil {
			slog.Warn("import: upload failed", "path", path, "error", err)
			dr.Errors++
			continue
		}
		dr.ProcessingIDs = append(dr.ProcessingIDs, pid)
		if duplicate {
			dr.Duplicates++
			continue
		}
		dr.Imported++
	}

	slog.Info("directory import complete",
		"dir", dir,
		"imported", dr.Imported,
		"duplicates", dr.Duplicates,
		"skipped", dr.Skipped,
		"errors", dr.Errors,
	)
	return dr, nil
}

func (r *Runner) upload(ctx context.Context, path string) (string, bool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", false, err
	}
	if isEmail(path) {
		receipt, err := r.uploader.SubmitEmail(ctx, content)
		if err != nil {
			return "", false, err
		}
		return receipt.ProcessingID, receipt.Duplicate, nil
	}

	res, err := r.uploader.SubmitFiles(ctx, []client.File{{Name: filepath.Base(path), Content: content}})
	if err != nil {
		return "", false, err
	}
	if len(res.ProcessingIDs) == 0 {
		return "", false, fmt.Errorf("upload of %s returned no processing id", path)
	}
	return res.ProcessingIDs[0], len(res.Duplicates) > 0, nil
}

func isEmail(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".eml")
}
