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

// Package blob is the storage gateway for raw emails and attachments.
//
// Stored objects are addressed by opaque, stable URIs of the form
// blob://<key>. Read access for external stages goes through signed URLs
// that expire.
package blob

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

const (
	scheme = "blob://"

	// DefaultURLTTL is the lifetime of a signed read URL.
	DefaultURLTTL = 24 * time.Hour
)

var (
	ErrNotFound     = errors.New("blob not found")
	ErrInvalidKey   = errors.New("invalid blob key")
	ErrExpired      = errors.New("signed url expired")
	ErrBadSignature = errors.New("signed url signature mismatch")
)

// Gateway stores and serves blobs.
type Gateway interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
	Get(ctx context.Context, uri string) ([]byte, error)
	// ReadURL returns a URL granting read access to uri until ttl elapses.
	ReadURL(uri string, ttl time.Duration) (string, error)
	// Open reads a blob by key after its signed URL parameters check out.
	Open(ctx context.Context, key, exp, sig string) ([]byte, error)
}

// SourceKey is the key of the raw message for a processing record.
func SourceKey(processingID string) string {
	return path.Join("emails", processingID, "source.eml")
}

// AttachmentKey is the key of one attachment.
func AttachmentKey(processingID, attachmentID, filename string) string {
	return path.Join("emails", processingID, attachmentID, safeName(filename))
}

func safeName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\' || r < 0x20:
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return "file"
	}
	return name
}

// URI returns the blob URI for key.
func URI(key string) string {
	return scheme + key
}

// KeyFromURI extracts and validates the key of a blob URI.
func KeyFromURI(uri string) (string, error) {
	key, ok := strings.CutPrefix(uri, scheme)
	if !ok {
		return "", fmt.Errorf("%w: %q is not a blob uri", ErrInvalidKey, uri)
	}
	return key, CheckKey(key)
}

// CheckKey rejects keys that are empty, absolute or escape the store root.
func CheckKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || path.Clean(key) != key {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." || seg == "." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

// Signer issues and verifies HMAC-SHA256 signed read URLs served under
// <baseURL>/blobs/<key>.
type Signer struct {
	secret  []byte
	baseURL string
	now     func() time.Time
}

// NewSigner creates a signer. baseURL is the externally reachable address
// of the API, without a trailing slash.
func NewSigner(secret []byte, baseURL string) *Signer {
	return &Signer{
		secret:  secret,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}
}

func (s *Signer) mac(key string, exp int64) string {
	h := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(h, "%s\n%d", key, exp)
	return hex.EncodeToString(h.Sum(nil))
}

// Sign returns a read URL for key valid for ttl.
func (s *Signer) Sign(key string, ttl time.Duration) (string, error) {
	if err := CheckKey(key); err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = DefaultURLTTL
	}
	exp := s.now().Add(ttl).Unix()

	segs := strings.Split(key, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	q := url.Values{}
	q.Set("exp", strconv.FormatInt(exp, 10))
	q.Set("sig", s.mac(key, exp))
	return s.baseURL + "/blobs/" + strings.Join(segs, "/") + "?" + q.Encode(), nil
}

// Verify checks the exp and sig parameters of a signed URL for key.
func (s *Signer) Verify(key, exp, sig string) error {
	if err := CheckKey(key); err != nil {
		return err
	}
	expUnix, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	if !hmac.Equal([]byte(sig), []byte(s.mac(key, expUnix))) {
		return ErrBadSignature
	}
	if s.now().Unix() > expUnix {
		return ErrExpired
	}
	return nil
}
