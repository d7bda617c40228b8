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
	"encoding/base64"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/claimdesk/docpipe/internal/apperr"
	"github.com/claimdesk/docpipe/internal/models"
)

// ParseEvent decodes a JSON email event pushed by a mailbox connector. The
// request source is a plain-text rendering of the envelope.
func ParseEvent(r io.Reader) (models.IngestionRequest, error) {
	var ev models.EmailEvent
	if err := json.NewDecoder(r).Decode(&ev); err != nil {
		return models.IngestionRequest{}, apperr.Validation("body", "decode email event: %v", err)
	}
	return FromEvent(ev)
}

// FromEvent converts a decoded email event into an email request.
func FromEvent(ev models.EmailEvent) (models.IngestionRequest, error) {
	headers := make(map[string]string, len(ev.Headers))
	for k, v := range ev.Headers {
		headers[strings.ToLower(k)] = v
	}

	env := &models.EmailEnvelope{
		MessageID: ev.MessageID,
		From:      ev.From.Address,
		To:        addresses(ev.To),
		CC:        addresses(ev.CC),
		Subject:   ev.Subject,
	}
	if env.MessageID == "" {
		env.MessageID = headers["message-id"]
	}
	if t, err := time.Parse(time.RFC3339, ev.ReceivedAt); err == nil {
		env.Date = t.UTC()
	}

	switch strings.ToLower(ev.Body.ContentType) {
	case "html", "text/html":
		text, err := HTMLText(strings.NewReader(ev.Body.Content))
		if err != nil {
			return models.IngestionRequest{}, apperr.Validation("body", "%v", err)
		}
		env.Body = text
	default:
		env.Body = strings.TrimSpace(ev.Body.Content)
	}

	atts := make([]models.AttachmentDescriptor, 0, len(ev.Attachments))
	for i, a := range ev.Attachments {
		content, err := base64.StdEncoding.DecodeString(a.ContentBytes)
		if err != nil {
			return models.IngestionRequest{}, apperr.Validation("attachments", "attachment %d: invalid base64 content", i)
		}
		name := a.Name
		if name == "" {
			name = "attachment"
		}
		atts = append(atts, models.AttachmentDescriptor{
			Filename: name,
			MIMEType: DetectMIME(name, a.ContentType),
			Size:     int64(len(content)),
			Content:  content,
		})
	}

	return models.IngestionRequest{
		Kind:        models.SourceEmail,
		Email:       env,
		Attachments: atts,
		Source:      BuildEML(*env),
	}, nil
}

func addresses(list []models.EmailAddress) []string {
	if len(list) == 0 {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		if a.Address != "" {
			out = append(out, a.Address)
		}
	}
	return out
}
