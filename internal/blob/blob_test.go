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
	"net/url"
	"strings"
	"testing"
	"time"
)

func newTestSigner(now time.Time) *Signer {
	s := NewSigner([]byte("test-secret"), "http://docpipe.local/")
	s.now = func() time.Time { return now }
	return s
}

// openURL resolves a signed URL the way the /blobs handler does.
func openURL(t *testing.T, g Gateway, raw string) ([]byte, error) {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	key := strings.TrimPrefix(u.Path, "/blobs/")
	return g.Open(context.Background(), key, u.Query().Get("exp"), u.Query().Get("sig"))
}

func TestFSPutGet(t *testing.T) {
	ctx := context.Background()
	g, err := NewFS(t.TempDir(), newTestSigner(time.Now()))
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}

	key := AttachmentKey("PROC_1", "att-1", "claim form.pdf")
	uri, err := g.Put(ctx, key, []byte("v1"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if uri != "blob://emails/PROC_1/att-1/claim form.pdf" {
		t.Errorf("uri = %q", uri)
	}

	again, err := g.Put(ctx, key, []byte("v2"))
	if err != nil || again != uri {
		t.Fatalf("second Put = %q, %v; want stable uri", again, err)
	}
	data, err := g.Get(ctx, uri)
	if err != nil || string(data) != "v2" {
		t.Fatalf("Get = %q, %v", data, err)
	}

	if _, err := g.Get(ctx, URI("emails/PROC_1/missing")); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing blob err = %v, want ErrNotFound", err)
	}
}

func TestInvalidKeys(t *testing.T) {
	for _, key := range []string{"", "/abs", "a/../../etc/passwd", "a//b", "./a"} {
		if err := CheckKey(key); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("CheckKey(%q) = %v, want ErrInvalidKey", key, err)
		}
	}
	if _, err := KeyFromURI("s3://bucket/key"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("foreign scheme accepted: %v", err)
	}
	if got := AttachmentKey("P", "A", "../x.pdf"); got != "emails/P/A/.._x.pdf" {
		t.Errorf("AttachmentKey sanitised to %q", got)
	}
}

func TestSignedURL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	signer := newTestSigner(now)
	g := NewMemory(signer)

	uri, err := g.Put(ctx, SourceKey("PROC_9"), []byte("raw message"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	signed, err := g.ReadURL(uri, time.Hour)
	if err != nil {
		t.Fatalf("ReadURL: %v", err)
	}
	if !strings.HasPrefix(signed, "http://docpipe.local/blobs/emails/PROC_9/source.eml?") {
		t.Errorf("signed url = %q", signed)
	}

	data, err := openURL(t, g, signed)
	if err != nil || string(data) != "raw message" {
		t.Fatalf("open signed url = %q, %v", data, err)
	}

	t.Run("tampered key", func(t *testing.T) {
		forged := strings.Replace(signed, "PROC_9", "PROC_8", 1)
		if _, err := openURL(t, g, forged); !errors.Is(err, ErrBadSignature) {
			t.Errorf("err = %v, want ErrBadSignature", err)
		}
	})

	t.Run("tampered expiry", func(t *testing.T) {
		u, _ := url.Parse(signed)
		q := u.Query()
		q.Set("exp", "9999999999")
		u.RawQuery = q.Encode()
		if _, err := openURL(t, g, u.String()); !errors.Is(err, ErrBadSignature) {
			t.Errorf("err = %v, want ErrBadSignature", err)
		}
	})

	t.Run("expired", func(t *testing.T) {
		signer.now = func() time.Time { return now.Add(2 * time.Hour) }
		defer func() { signer.now = func() time.Time { return now } }()
		if _, err := openURL(t, g, signed); !errors.Is(err, ErrExpired) {
			t.Errorf("err = %v, want ErrExpired", err)
		}
	})
}
