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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("DB_PASSWORD", "s3cret")
	t.Setenv("LLM_KEY", "sk-test")
	t.Setenv("CONFIG_PATH", writeConfig(t, `
database:
  url: postgres://docpipe:${DB_PASSWORD}@db:5432/docpipe
redis:
  url: redis://redis:6379/0
classifier:
  kind: LLM
  base_url: https://llm.internal/v1
  api_key: ${LLM_KEY}
pipeline:
  workers: 8
  max_attempts: 5
  initial_backoff: 250ms
  max_backoff: 4s
status:
  windows: [15m, 1h]
log_level: debug
`))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.URL != "postgres://docpipe:s3cret@db:5432/docpipe" {
		t.Errorf("database url = %q", cfg.Database.URL)
	}
	if cfg.Classifier.Kind != "llm" || cfg.Classifier.APIKey != "sk-test" {
		t.Errorf("classifier = %+v", cfg.Classifier)
	}
	if cfg.Pipeline.Workers != 8 || cfg.Pipeline.MaxAttempts != 5 {
		t.Errorf("pipeline = %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.InitialBackoff != 250*time.Millisecond || cfg.Pipeline.MaxBackoff != 4*time.Second {
		t.Errorf("backoff = %s..%s", cfg.Pipeline.InitialBackoff, cfg.Pipeline.MaxBackoff)
	}
	if len(cfg.Status.Windows) != 2 || cfg.Status.Windows[0] != 15*time.Minute {
		t.Errorf("windows = %v", cfg.Status.Windows)
	}
	if l, _ := cfg.SlogLevel(); l.String() != "DEBUG" {
		t.Errorf("level = %v", l)
	}
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("CLASSIFIER_KIND", "")
	t.Setenv("PORT", "9090")
	t.Chdir(t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.URL != "sqlite:docpipe.db" {
		t.Errorf("database url = %q", cfg.Database.URL)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want env fallback 9090", cfg.Server.Port)
	}
	if cfg.Pipeline.MaxAttempts < 1 || cfg.Pipeline.Multiplier < 1 {
		t.Errorf("pipeline defaults = %+v", cfg.Pipeline)
	}
	if len(cfg.Status.Windows) != 3 {
		t.Errorf("windows = %v", cfg.Status.Windows)
	}
}

func TestLoadExplicitMissingFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "nope.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("missing explicit config file accepted")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad duration", "recovery:\n  stale_after: soon\n", "recovery.stale_after"},
		{"llm without url", "classifier:\n  kind: llm\n  base_url: \"\"\n", "classifier.base_url"},
		{"unknown classifier", "classifier:\n  kind: oracle\n", "classifier.kind"},
		{"backoff inverted", "pipeline:\n  initial_backoff: 1m\n  max_backoff: 1s\n", "initial_backoff"},
		{"bad level", "log_level: loud\n", "log_level"},
		{"bad yaml", "database: [", "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CLASSIFIER_BASE_URL", "")
			t.Setenv("CLASSIFIER_KIND", "")
			t.Setenv("LOG_LEVEL", "")
			t.Setenv("CONFIG_PATH", writeConfig(t, tt.yaml))
			_, err := Load()
			if err == nil {
				t.Fatal("Load succeeded")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestOAuthEnabled(t *testing.T) {
	if (OAuthConfig{TokenURL: "https://idp/token", ClientID: "id"}).Enabled() {
		t.Error("enabled without a secret")
	}
	if !(OAuthConfig{TokenURL: "https://idp/token", ClientID: "id", ClientSecret: "s"}).Enabled() {
		t.Error("disabled with full credentials")
	}
}
