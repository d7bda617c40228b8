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

// Package models defines the data structures shared across the pipeline:
// inbound requests, the persisted record kinds, and their enumerations.
package models

// EmailAddress is a mailbox with an optional display name.
type EmailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// EmailBody is the message body. ContentType is "text" or "html".
type EmailBody struct {
	ContentType string `json:"content_type"`
	Content     string `json:"content"`
}

// EventAttachment is one file carried inline by an EmailEvent.
type EventAttachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
	// ContentBytes is the base64 encoded file.
	ContentBytes string `json:"content_bytes,omitempty"`
}

// EmailEvent is the JSON form of an email pushed to POST /v1/emails by an
// upstream mailbox connector. ReceivedAt is RFC 3339.
type EmailEvent struct {
	MessageID   string            `json:"message_id"`
	ReceivedAt  string            `json:"received_at,omitempty"`
	From        EmailAddress      `json:"from"`
	To          []EmailAddress    `json:"to"`
	CC          []EmailAddress    `json:"cc,omitempty"`
	Subject     string            `json:"subject"`
	Body        EmailBody         `json:"body"`
	Headers     map[string]string `json:"headers,omitempty"`
	Attachments []EventAttachment `json:"attachments"`
}
