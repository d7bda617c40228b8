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
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"

	"github.com/claimdesk/docpipe/internal/apperr"
	"github.com/claimdesk/docpipe/internal/models"
)

var wordDecoder = new(mime.WordDecoder)

// maxPartDepth bounds multipart nesting.
const maxPartDepth = 8

// ParseEML parses a raw RFC 5322 message into an email request. The raw
// bytes are kept as the request source.
func ParseEML(raw []byte) (models.IngestionRequest, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return models.IngestionRequest{}, apperr.Validation("message", "malformed message: %v", err)
	}

	env := &models.EmailEnvelope{
		MessageID: strings.TrimSpace(msg.Header.Get("Message-Id")),
		From:      parseSender(msg.Header.Get("From")),
		To:        parseAddressList(msg.Header.Get("To")),
		CC:        parseAddressList(msg.Header.Get("Cc")),
		Subject:   decodeHeader(msg.Header.Get("Subject")),
	}
	if date, err := msg.Header.Date(); err == nil {
		env.Date = date.UTC()
	}

	var p partWalker
	if err := p.walk(msg.Header, msg.Body, 0); err != nil {
		return models.IngestionRequest{}, apperr.Validation("message", "malformed message body: %v", err)
	}
	env.Body = p.plain
	if env.Body == "" && p.html != "" {
		text, err := HTMLText(strings.NewReader(p.html))
		if err != nil {
			return models.IngestionRequest{}, apperr.Validation("message", "%v", err)
		}
		env.Body = text
	}
	env.Body = strings.TrimSpace(env.Body)

	return models.IngestionRequest{
		Kind:        models.SourceEmail,
		Email:       env,
		Attachments: p.attachments,
		Source:      raw,
	}, nil
}

// header is satisfied by both mail.Header and textproto.MIMEHeader.
type header interface {
	Get(key string) string
}

type partWalker struct {
	plain       string
	html        string
	attachments []models.AttachmentDescriptor
}

func (p *partWalker) walk(h header, body io.Reader, depth int) error {
	if depth > maxPartDepth {
		return errors.New("multipart nesting too deep")
	}

	mediaType, params, err := mime.ParseMediaType(h.Get("Content-Type"))
	if err != nil {
		mediaType, params = "text/plain", nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return fmt.Errorf("%s without boundary", mediaType)
		}
		mr := multipart.NewReader(body, boundary)
		for {
			part, err := mr.NextRawPart()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			if err := p.walk(part.Header, part, depth+1); err != nil {
				return err
			}
		}
	}

	content, err := io.ReadAll(decodeTransfer(h.Get("Content-Transfer-Encoding"), body))
	if err != nil {
		return fmt.Errorf("read %s part: %w", mediaType, err)
	}

	if name := partFilename(h, params); name != "" {
		p.attachments = append(p.attachments, models.AttachmentDescriptor{
			Filename: name,
			MIMEType: DetectMIME(name, mediaType),
			Size:     int64(len(content)),
			Content:  content,
		})
		return nil
	}

	switch mediaType {
	case "text/plain":
		if p.plain == "" {
			p.plain = string(content)
		}
	case "text/html":
		if p.html == "" {
			p.html = string(content)
		}
	case "message/rfc822":
		p.attachments = append(p.attachments, models.AttachmentDescriptor{
			Filename: "forwarded.eml",
			MIMEType: mediaType,
			Size:     int64(len(content)),
			Content:  content,
		})
	}
	return nil
}

// partFilename returns the attachment filename of a part, or "" for inline
// body parts.
func partFilename(h header, ctParams map[string]string) string {
	disposition, dparams, err := mime.ParseMediaType(h.Get("Content-Disposition"))
	if err == nil {
		if name := decodeHeader(dparams["filename"]); name != "" {
			return name
		}
	}
	if name := decodeHeader(ctParams["name"]); name != "" {
		return name
	}
	if err == nil && disposition == "attachment" {
		return "attachment"
	}
	return ""
}

func decodeTransfer(encoding string, r io.Reader) io.Reader {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, &newlineStripper{r: r})
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	}
	return r
}

// newlineStripper drops CR and LF so line-wrapped base64 decodes cleanly.
type newlineStripper struct {
	r io.Reader
}

func (s *newlineStripper) Read(p []byte) (int, error) {
	for {
		n, err := s.r.Read(p)
		j := 0
		for _, b := range p[:n] {
			if b != '\r' && b != '\n' {
				p[j] = b
				j++
			}
		}
		if j > 0 || err != nil {
			return j, err
		}
	}
}

func decodeHeader(v string) string {
	if v == "" {
		return ""
	}
	decoded, err := wordDecoder.DecodeHeader(v)
	if err != nil {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(decoded)
}

func parseSender(v string) string {
	if v == "" {
		return ""
	}
	addr, err := mail.ParseAddress(v)
	if err != nil {
		return decodeHeader(v)
	}
	return addr.Address
}

func parseAddressList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	list, err := mail.ParseAddressList(v)
	if err != nil {
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Address)
	}
	return out
}

// BuildEML renders an envelope as a plain-text RFC 5322 message. It stands
// in for the raw source of emails that arrive as JSON events.
func BuildEML(env models.EmailEnvelope) []byte {
	var buf bytes.Buffer
	writeHeader := func(k, v string) {
		if v != "" {
			fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
		}
	}
	writeHeader("Message-ID", env.MessageID)
	writeHeader("From", env.From)
	writeHeader("To", strings.Join(env.To, ", "))
	writeHeader("Cc", strings.Join(env.CC, ", "))
	writeHeader("Subject", mime.QEncoding.Encode("utf-8", env.Subject))
	if !env.Date.IsZero() {
		writeHeader("Date", env.Date.Format(time.RFC1123Z))
	}
	writeHeader("MIME-Version", "1.0")
	writeHeader("Content-Type", "text/plain; charset=utf-8")
	writeHeader("Content-Transfer-Encoding", "quoted-printable")
	buf.WriteString("\r\n")

	qp := quotedprintable.NewWriter(&buf)
	qp.Write([]byte(env.Body))
	qp.Close()
	return buf.Bytes()
}
