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

package source

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"

	"github.com/claimdesk/docpipe/internal/apperr"
	"github.com/claimdesk/docpipe/internal/models"
)

// FromFile builds a file request for a direct upload. The file is both the
// source and the single attachment.
func FromFile(filename string, content []byte, declaredMIME string) (models.IngestionRequest, error) {
	name := filepath.Base(filepath.Clean("/" + filename))
	if name == "/" || name == "." {
		return models.IngestionRequest{}, apperr.Validation("filename", "filename is required")
	}
	if len(content) == 0 {
		return models.IngestionRequest{}, apperr.Validation("file", "file %q is empty", name)
	}
	if len(content) > MaxFileSize {
		return models.IngestionRequest{}, apperr.Validation("file", "file %q exceeds the 50MB limit", name)
	}

	sum := sha256.Sum256(content)
	return models.IngestionRequest{
		Kind: models.SourceFile,
		File: &models.FileEnvelope{
			Filename:    name,
			Size:        int64(len(content)),
			ContentHash: hex.EncodeToString(sum[:]),
		},
		Attachments: []models.AttachmentDescriptor{{
			Filename: name,
			MIMEType: DetectMIME(name, declaredMIME),
			Size:     int64(len(content)),
			Content:  content,
		}},
	}, nil
}
