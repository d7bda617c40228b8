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

package ocr

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/claimdesk/docpipe/internal/apperr"
	"github.com/claimdesk/docpipe/internal/models"
)

type mapBlobs map[string][]byte

func (m mapBlobs) Get(ctx context.Context, uri string) ([]byte, error) {
	data, ok := m[uri]
	if !ok {
		return nil, errors.New("missing " + uri)
	}
	return data, nil
}

type stubExtractor struct {
	called bool
}

func (s *stubExtractor) Extract(ctx context.Context, req Request) (models.OCRResult, error) {
	s.called = true
	return models.OCRResult{Text: "from service", Method: "stub"}, nil
}

func TestRouter(t *testing.T) {
	ctx := context.Background()
	blobs := mapBlobs{
		"blob://a.txt":    []byte("\xef\xbb\xbf  policy number PN-1  \n"),
		"blob://b.html":   []byte("<p>Invoice</p><p>Total 40</p>"),
		"blob://empty":    []byte("   "),
		"blob://binary":   {0xff, 0xfe, 0x00},
		"blob://c.pdf":    []byte("%PDF"),
		"blob://noscript": []byte("<script>x()</script>"),
	}
	def := &stubExtractor{}
	r := NewRouter(blobs, def)

	res, err := r.Extract(ctx, Request{URI: "blob://a.txt", MIMEType: "text/plain; charset=utf-8"})
	if err != nil {
		t.Fatalf("text: %v", err)
	}
	if res.Text != "policy number PN-1" || res.Method != "plaintext" || res.Confidence != 1 {
		t.Errorf("text result = %+v", res)
	}

	res, err = r.Extract(ctx, Request{URI: "blob://b.html", MIMEType: "text/html"})
	if err != nil {
		t.Fatalf("html: %v", err)
	}
	if res.Text != "Invoice\nTotal 40" || res.Method != "html" {
		t.Errorf("html result = %+v", res)
	}

	if _, err := r.Extract(ctx, Request{URI: "blob://empty", MIMEType: "text/plain"}); !errors.Is(err, ErrNoText) {
		t.Errorf("empty text err = %v, want ErrNoText", err)
	}
	if _, err := r.Extract(ctx, Request{URI: "blob://noscript", MIMEType: "text/html"}); !errors.Is(err, ErrNoText) {
		t.Errorf("script-only html err = %v, want ErrNoText", err)
	}
	if _, err := r.Extract(ctx, Request{URI: "blob://binary", MIMEType: "text/plain"}); !errors.Is(err, ErrUnreadable) {
		t.Errorf("binary err = %v, want ErrUnreadable", err)
	}

	if _, err := r.Extract(ctx, Request{URI: "blob://c.pdf", MIMEType: "application/pdf"}); err != nil {
		t.Fatalf("pdf: %v", err)
	}
	if !def.called {
		t.Error("pdf should route to the default extractor")
	}
}

func TestRouterWithoutDefault(t *testing.T) {
	r := NewRouter(mapBlobs{}, nil)
	_, err := r.Extract(context.Background(), Request{URI: "blob://scan.png", MIMEType: "image/png"})
	if !errors.Is(err, ErrUnreadable) {
		t.Errorf("err = %v, want ErrUnreadable", err)
	}
}

func TestServiceExtract(t *testing.T) {
	var got serviceRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(serviceResponse{
			Status: "ok", Text: "CLAIM FORM\nClaim number CL-2231", Method: "pdf_text", PageCount: 2,
		})
	}))
	defer srv.Close()

	s := NewService(srv.URL, srv.Client(), nil)
	res, err := s.Extract(context.Background(), Request{
		URI: "blob://x", ReadURL: "http://docpipe/blobs/x?sig=1", Filename: "claim.pdf", MIMEType: "application/pdf",
	})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got.URL != "http://docpipe/blobs/x?sig=1" || got.Filename != "claim.pdf" || got.MIMEType != "application/pdf" {
		t.Errorf("request = %+v", got)
	}
	if res.PageCount != 2 || res.Method != "pdf_text" {
		t.Errorf("result = %+v", res)
	}
	if res.Confidence != 0.9 {
		t.Errorf("confidence = %v, want pdf default 0.9", res.Confidence)
	}
}

func TestServiceErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantIs    error
		temporary *bool
	}{
		{name: "no text", status: 200, body: `{"status":"no_text"}`, wantIs: ErrNoText},
		{name: "empty text", status: 200, body: `{"status":"ok","text":"  "}`, wantIs: ErrNoText},
		{name: "unreadable status", status: 200, body: `{"status":"unreadable"}`, wantIs: ErrUnreadable},
		{name: "unprocessable", status: 422, body: `{}`, wantIs: ErrUnreadable},
		{name: "unavailable", status: 503, body: "down", temporary: ptr(true)},
		{name: "rate limited", status: 429, temporary: ptr(true)},
		{name: "bad request", status: 400, body: "bad", temporary: ptr(false)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewService(srv.URL, srv.Client(), nil).Extract(context.Background(),
				Request{ReadURL: "http://x", Filename: "f.pdf", MIMEType: "application/pdf"})
			if err == nil {
				t.Fatal("expected an error")
			}
			if tt.wantIs != nil && !errors.Is(err, tt.wantIs) {
				t.Errorf("err = %v, want %v", err, tt.wantIs)
			}
			if tt.temporary != nil {
				var ue *apperr.UpstreamError
				if !errors.As(err, &ue) {
					t.Fatalf("err = %v, want UpstreamError", err)
				}
				if ue.Temporary() != *tt.temporary {
					t.Errorf("Temporary() = %v, want %v", ue.Temporary(), *tt.temporary)
				}
			}
		})
	}
}

func ptr[T any](v T) *T { return &v }
