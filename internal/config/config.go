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

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DatabaseConfig selects the state store. URL schemes: postgres:// or
// postgresql:// for Postgres, sqlite:<path> for SQLite, memory: for the
// in-process store.
type DatabaseConfig struct {
	URL string
}

// RedisConfig points at the Redis used for jobs, the spool and dedup.
// An empty URL runs all three in-process.
type RedisConfig struct {
	URL   string
	Queue string
}

// StorageConfig configures the filesystem blob gateway.
type StorageConfig struct {
	Root       string
	BaseURL    string
	SigningKey string
	URLTTL     time.Duration
}

// OAuthConfig holds client-credentials settings for an external service.
type OAuthConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// Enabled reports whether client credentials are configured.
func (o OAuthConfig) Enabled() bool {
	return o.TokenURL != "" && o.ClientID != "" && o.ClientSecret != ""
}

// OCRConfig configures the OCR stage. Without an endpoint only text and
// HTML documents can be extracted.
type OCRConfig struct {
	Endpoint      string
	OAuth         OAuthConfig
	RatePerSecond float64
	Burst         int
	Timeout       time.Duration
}

// ClassifierConfig configures the classification stage.
type ClassifierConfig struct {
	Kind          string // "keyword" or "llm"
	BaseURL       string
	Model         string
	APIKey        string
	OAuth         OAuthConfig
	RatePerSecond float64
	Burst         int
	Timeout       time.Duration
}

// PipelineConfig tunes the workers and stage retries.
type PipelineConfig struct {
	Workers               int
	AttachmentConcurrency int
	MaxAttempts           int
	InitialBackoff        time.Duration
	Multiplier            float64
	MaxBackoff            time.Duration
	JobTimeout            time.Duration
	SpoolTTL              time.Duration
	DedupTTL              time.Duration
}

// RecoveryConfig tunes the stale-record sweeper.
type RecoveryConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
	BatchSize  int
}

// StatusConfig tunes the status projector.
type StatusConfig struct {
	RefreshInterval time.Duration
	Windows         []time.Duration
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int
	MaxUploadBytes int64
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// Config holds all configuration for the service.
type Config struct {
	Database   DatabaseConfig
	Redis      RedisConfig
	Storage    StorageConfig
	OCR        OCRConfig
	Classifier ClassifierConfig
	Pipeline   PipelineConfig
	Recovery   RecoveryConfig
	Status     StatusConfig
	Server     ServerConfig
	LogLevel   string
}

type rawOAuth struct {
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL   string `yaml:"url"`
		Queue string `yaml:"queue"`
	} `yaml:"redis"`
	Storage struct {
		Root       string `yaml:"root"`
		BaseURL    string `yaml:"base_url"`
		SigningKey string `yaml:"signing_key"`
		URLTTL     string `yaml:"url_ttl"`
	} `yaml:"storage"`
	OCR struct {
		Endpoint      string   `yaml:"endpoint"`
		OAuth         rawOAuth `yaml:"oauth"`
		RatePerSecond float64  `yaml:"rate_per_second"`
		Burst         int      `yaml:"burst"`
		Timeout       string   `yaml:"timeout"`
	} `yaml:"ocr"`
	Classifier struct {
		Kind          string   `yaml:"kind"`
		BaseURL       string   `yaml:"base_url"`
		Model         string   `yaml:"model"`
		APIKey        string   `yaml:"api_key"`
		OAuth         rawOAuth `yaml:"oauth"`
		RatePerSecond float64  `yaml:"rate_per_second"`
		Burst         int      `yaml:"burst"`
		Timeout       string   `yaml:"timeout"`
	} `yaml:"classifier"`
	Pipeline struct {
		Workers               int     `yaml:"workers"`
		AttachmentConcurrency int     `yaml:"attachment_concurrency"`
		MaxAttempts           int     `yaml:"max_attempts"`
		InitialBackoff        string  `yaml:"initial_backoff"`
		Multiplier            float64 `yaml:"multiplier"`
		MaxBackoff            string  `yaml:"max_backoff"`
		JobTimeout            string  `yaml:"job_timeout"`
		SpoolTTL              string  `yaml:"spool_ttl"`
		DedupTTL              string  `yaml:"dedup_ttl"`
	} `yaml:"pipeline"`
	Recovery struct {
		Interval   string `yaml:"interval"`
		StaleAfter string `yaml:"stale_after"`
		BatchSize  int    `yaml:"batch_size"`
	} `yaml:"recovery"`
	Status struct {
		RefreshInterval string   `yaml:"refresh_interval"`
		Windows         []string `yaml:"windows"`
	} `yaml:"status"`
	Server struct {
		Port           int    `yaml:"port"`
		MaxUploadBytes int64  `yaml:"max_upload_bytes"`
		ReadTimeout    string `yaml:"read_timeout"`
		WriteTimeout   string `yaml:"write_timeout"`
	} `yaml:"server"`
	LogLevel string `yaml:"log_level"`
}

// Load reads configuration from the YAML file at CONFIG_PATH (with env var
// expansion), falling back to environment variables and then defaults.
// When CONFIG_PATH is unset a missing config.yaml is not an error.
func Load() (*Config, error) {
	configPath := os.Getenv("CONFIG_PATH")
	explicit := configPath != ""
	if !explicit {
		configPath = "config.yaml"
	}

	var raw rawConfig
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		// Expand ${VAR} references in the YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
		// Env-only deployment.
	default:
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	return fromRaw(raw)
}

func fromRaw(raw rawConfig) (*Config, error) {
	p := &parser{}

	cfg := &Config{
		Database: DatabaseConfig{
			URL: firstNonEmpty(raw.Database.URL, envOrDefault("DATABASE_URL", "sqlite:docpipe.db")),
		},
		Redis: RedisConfig{
			URL:   firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "")),
			Queue: firstNonEmpty(raw.Redis.Queue, envOrDefault("JOBS_QUEUE", "docpipe:jobs")),
		},
		Storage: StorageConfig{
			Root:       firstNonEmpty(raw.Storage.Root, envOrDefault("STORAGE_ROOT", "data/blobs")),
			BaseURL:    firstNonEmpty(raw.Storage.BaseURL, envOrDefault("PUBLIC_BASE_URL", "http://localhost:8080")),
			SigningKey: firstNonEmpty(raw.Storage.SigningKey, envOrDefault("BLOB_SIGNING_KEY", "")),
			URLTTL:     p.duration("storage.url_ttl", raw.Storage.URLTTL, "BLOB_URL_TTL", 24*time.Hour),
		},
		OCR: OCRConfig{
			Endpoint:      firstNonEmpty(raw.OCR.Endpoint, envOrDefault("OCR_ENDPOINT", "")),
			OAuth:         oauthFrom(raw.OCR.OAuth, "OCR"),
			RatePerSecond: firstPositiveFloat(raw.OCR.RatePerSecond, envOrDefaultFloat("OCR_RATE_PER_SECOND", 5)),
			Burst:         firstPositive(raw.OCR.Burst, envOrDefaultInt("OCR_BURST", 5)),
			Timeout:       p.duration("ocr.timeout", raw.OCR.Timeout, "OCR_TIMEOUT", 2*time.Minute),
		},
		Classifier: ClassifierConfig{
			Kind:          strings.ToLower(firstNonEmpty(raw.Classifier.Kind, envOrDefault("CLASSIFIER_KIND", "keyword"))),
			BaseURL:       firstNonEmpty(raw.Classifier.BaseURL, envOrDefault("CLASSIFIER_BASE_URL", "")),
			Model:         firstNonEmpty(raw.Classifier.Model, envOrDefault("CLASSIFIER_MODEL", "gpt-4o-mini")),
			APIKey:        firstNonEmpty(raw.Classifier.APIKey, envOrDefault("CLASSIFIER_API_KEY", "")),
			OAuth:         oauthFrom(raw.Classifier.OAuth, "CLASSIFIER"),
			RatePerSecond: firstPositiveFloat(raw.Classifier.RatePerSecond, envOrDefaultFloat("CLASSIFIER_RATE_PER_SECOND", 2)),
			Burst:         firstPositive(raw.Classifier.Burst, envOrDefaultInt("CLASSIFIER_BURST", 2)),
			Timeout:       p.duration("classifier.timeout", raw.Classifier.Timeout, "CLASSIFIER_TIMEOUT", time.Minute),
		},
		Pipeline: PipelineConfig{
			Workers:               firstPositive(raw.Pipeline.Workers, envOrDefaultInt("WORKERS", 4)),
			AttachmentConcurrency: firstPositive(raw.Pipeline.AttachmentConcurrency, envOrDefaultInt("ATTACHMENT_CONCURRENCY", 4)),
			MaxAttempts:           firstPositive(raw.Pipeline.MaxAttempts, envOrDefaultInt("MAX_ATTEMPTS", 3)),
			InitialBackoff:        p.duration("pipeline.initial_backoff", raw.Pipeline.InitialBackoff, "INITIAL_BACKOFF", 500*time.Millisecond),
			Multiplier:            firstPositiveFloat(raw.Pipeline.Multiplier, envOrDefaultFloat("BACKOFF_MULTIPLIER", 2)),
			MaxBackoff:            p.duration("pipeline.max_backoff", raw.Pipeline.MaxBackoff, "MAX_BACKOFF", 10*time.Second),
			JobTimeout:            p.duration("pipeline.job_timeout", raw.Pipeline.JobTimeout, "JOB_TIMEOUT", 10*time.Minute),
			SpoolTTL:              p.duration("pipeline.spool_ttl", raw.Pipeline.SpoolTTL, "SPOOL_TTL", 72*time.Hour),
			DedupTTL:              p.duration("pipeline.dedup_ttl", raw.Pipeline.DedupTTL, "DEDUP_TTL", 7*24*time.Hour),
		},
		Recovery: RecoveryConfig{
			Interval:   p.duration("recovery.interval", raw.Recovery.Interval, "RECOVERY_INTERVAL", time.Minute),
			StaleAfter: p.duration("recovery.stale_after", raw.Recovery.StaleAfter, "RECOVERY_STALE_AFTER", 10*time.Minute),
			BatchSize:  firstPositive(raw.Recovery.BatchSize, envOrDefaultInt("RECOVERY_BATCH_SIZE", 100)),
		},
		Status: StatusConfig{
			RefreshInterval: p.duration("status.refresh_interval", raw.Status.RefreshInterval, "STATUS_REFRESH_INTERVAL", 15*time.Second),
		},
		Server: ServerConfig{
			Port:           firstPositive(raw.Server.Port, envOrDefaultInt("PORT", 8080)),
			MaxUploadBytes: firstPositive64(raw.Server.MaxUploadBytes, int64(envOrDefaultInt("MAX_UPLOAD_BYTES", 64<<20))),
			ReadTimeout:    p.duration("server.read_timeout", raw.Server.ReadTimeout, "SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:   p.duration("server.write_timeout", raw.Server.WriteTimeout, "SERVER_WRITE_TIMEOUT", 60*time.Second),
		},
		LogLevel: strings.ToLower(firstNonEmpty(raw.LogLevel, envOrDefault("LOG_LEVEL", "info"))),
	}

	for _, w := range raw.Status.Windows {
		cfg.Status.Windows = append(cfg.Status.Windows, p.duration("status.windows", w, "", 0))
	}
	if len(cfg.Status.Windows) == 0 {
		cfg.Status.Windows = []time.Duration{time.Hour, 24 * time.Hour, 7 * 24 * time.Hour}
	}

	if len(p.errs) > 0 {
		return nil, errors.Join(p.errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	switch c.Classifier.Kind {
	case "keyword":
	case "llm":
		if c.Classifier.BaseURL == "" {
			errs = append(errs, errors.New("classifier.base_url is required for the llm classifier"))
		}
	default:
		errs = append(errs, fmt.Errorf("classifier.kind %q is not keyword or llm", c.Classifier.Kind))
	}
	if c.Pipeline.MaxAttempts < 1 {
		errs = append(errs, errors.New("pipeline.max_attempts must be at least 1"))
	}
	if c.Pipeline.Multiplier < 1 {
		errs = append(errs, errors.New("pipeline.multiplier must be at least 1"))
	}
	if c.Pipeline.InitialBackoff > c.Pipeline.MaxBackoff {
		errs = append(errs, errors.New("pipeline.initial_backoff exceeds pipeline.max_backoff"))
	}
	for _, w := range c.Status.Windows {
		if w <= 0 {
			errs = append(errs, fmt.Errorf("status window %s must be positive", w))
		}
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", c.Server.Port))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SlogLevel maps LogLevel onto a slog level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level %q: %w", c.LogLevel, err)
	}
	return l, nil
}

type parser struct {
	errs []error
}

// duration parses a YAML duration, falling back to the env var and then to
// fallback when the YAML value is empty.
func (p *parser) duration(field, raw, envKey string, fallback time.Duration) time.Duration {
	if strings.TrimSpace(raw) == "" {
		if envKey == "" {
			return fallback
		}
		return envOrDefaultDuration(envKey, fallback)
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", field, err))
		return fallback
	}
	return d
}

func oauthFrom(raw rawOAuth, prefix string) OAuthConfig {
	o := OAuthConfig{
		TokenURL:     firstNonEmpty(raw.TokenURL, envOrDefault(prefix+"_TOKEN_URL", "")),
		ClientID:     firstNonEmpty(raw.ClientID, envOrDefault(prefix+"_CLIENT_ID", "")),
		ClientSecret: firstNonEmpty(raw.ClientSecret, envOrDefault(prefix+"_CLIENT_SECRET", "")),
		Scopes:       raw.Scopes,
	}
	if len(o.Scopes) == 0 {
		if s := envOrDefault(prefix+"_SCOPES", ""); s != "" {
			o.Scopes = strings.Fields(strings.ReplaceAll(s, ",", " "))
		}
	}
	return o
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstPositive64(values ...int64) int64 {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstPositiveFloat(values ...float64) float64 {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
