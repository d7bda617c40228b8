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

// docpipe server
//
// Entry point for the document pipeline service. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Opens the state store (PostgreSQL, SQLite or in-memory) and Redis
//  3. Wires the intake, the stage runner and the worker pool
//  4. Runs the recovery sweeper and the status projector
//  5. Serves the HTTP API, signed blob reads, health and metrics
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/claimdesk/docpipe/internal/blob"
	"github.com/claimdesk/docpipe/internal/classify"
	"github.com/claimdesk/docpipe/internal/config"
	"github.com/claimdesk/docpipe/internal/coordinator"
	"github.com/claimdesk/docpipe/internal/dedup"
	"github.com/claimdesk/docpipe/internal/httpapi"
	"github.com/claimdesk/docpipe/internal/metrics"
	"github.com/claimdesk/docpipe/internal/ocr"
	"github.com/claimdesk/docpipe/internal/pipeline"
	"github.com/claimdesk/docpipe/internal/queue"
	"github.com/claimdesk/docpipe/internal/recovery"
	"github.com/claimdesk/docpipe/internal/spool"
	"github.com/claimdesk/docpipe/internal/status"
	"github.com/claimdesk/docpipe/internal/store"
	"github.com/claimdesk/docpipe/internal/store/memstore"
	"github.com/claimdesk/docpipe/internal/store/postgres"
	"github.com/claimdesk/docpipe/internal/store/sqlite"
	"github.com/claimdesk/docpipe/internal/worker"
)

func main() {
	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	level, err := cfg.SlogLevel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level: %v\n", err)
		os.Exit(1)
	}

	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	slog.Info("starting docpipe",
		"port", cfg.Server.Port,
		"workers", cfg.Pipeline.Workers,
		"classifier", cfg.Classifier.Kind,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Metrics ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// --- State Store ---
	st, closeStore, err := openStore(ctx, cfg.Database.URL)
	if err != nil {
		slog.Error("failed to open state store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	health := []httpapi.HealthCheck{{Name: "store", Check: st.Ping}}

	// --- Redis (optional) ---
	var (
		jobs     queue.Queue
		contents spool.Spool
		index    dedup.Index
	)
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()

		rq := queue.NewRedis(rdb, cfg.Redis.Queue)
		if err := rq.Ping(ctx); err != nil {
			slog.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		slog.Info("connected to Redis", "queue", cfg.Redis.Queue)

		jobs = rq
		contents = spool.NewRedis(rdb, cfg.Pipeline.SpoolTTL)
		index = dedup.NewRedis(rdb, cfg.Pipeline.DedupTTL)
		health = append(health, httpapi.HealthCheck{Name: "redis", Check: rq.Ping})
	} else {
		slog.Warn("REDIS_URL not set, using in-process queue, spool and dedup index")
		mq := queue.NewMemory(1024)
		defer mq.Close()
		jobs = mq
		contents = spool.NewMemory(cfg.Pipeline.SpoolTTL)
		index = dedup.NewMemory(cfg.Pipeline.DedupTTL)
	}

	// --- Blob Storage ---
	key := []byte(cfg.Storage.SigningKey)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			slog.Error("failed to generate blob signing key", "error", err)
			os.Exit(1)
		}
		slog.Warn("BLOB_SIGNING_KEY not set, read URLs will not survive a restart")
	}
	blobs, err := blob.NewFS(cfg.Storage.Root, blob.NewSigner(key, cfg.Storage.BaseURL))
	if err != nil {
		slog.Error("failed to initialise blob storage", "error", err)
		os.Exit(1)
	}

	// --- Stages ---
	extractor := newExtractor(ctx, cfg.OCR, blobs)
	classifier := newClassifier(ctx, cfg.Classifier)

	coord := coordinator.New(coordinator.Config{Store: st, Metrics: m})

	runner := pipeline.NewRunner(pipeline.RunnerConfig{
		Tracker:    coord,
		Blobs:      blobs,
		Spool:      contents,
		OCR:        extractor,
		Classifier: classifier,
		Metrics:    m,
		Retry: pipeline.RetryConfig{
			MaxAttempts:    cfg.Pipeline.MaxAttempts,
			InitialBackoff: cfg.Pipeline.InitialBackoff,
			Multiplier:     cfg.Pipeline.Multiplier,
			MaxBackoff:     cfg.Pipeline.MaxBackoff,
		},
		Concurrency: cfg.Pipeline.AttachmentConcurrency,
		URLTTL:      cfg.Storage.URLTTL,
	})

	intake := pipeline.NewIntake(pipeline.IntakeConfig{
		Coordinator: coord,
		Spool:       contents,
		Queue:       jobs,
		Dedup:       index,
		Metrics:     m,
	})

	// --- Background Loops ---
	pool := worker.New(worker.Config{
		Queue:      jobs,
		Processor:  runner,
		Metrics:    m,
		Workers:    cfg.Pipeline.Workers,
		JobTimeout: cfg.Pipeline.JobTimeout,
	})
	pool.Start(ctx)

	sweeper := recovery.New(recovery.Config{
		Store:      st,
		Enqueuer:   intake,
		Metrics:    m,
		Interval:   cfg.Recovery.Interval,
		StaleAfter: cfg.Recovery.StaleAfter,
		BatchSize:  cfg.Recovery.BatchSize,
	})
	sweeper.Start(ctx)

	projector := status.New(status.Config{
		Store:    st,
		Metrics:  m,
		Interval: cfg.Status.RefreshInterval,
		Windows:  cfg.Status.Windows,
	})
	projector.Start(ctx)

	// --- HTTP API ---
	handler := httpapi.NewHandler(httpapi.Config{
		Intake:         intake,
		Coordinator:    coord,
		Blobs:          blobs,
		Stats:          projector,
		Health:         health,
		Metrics:        metrics.Handler(reg),
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
	})
	ready, err := httpapi.Serve(ctx, httpapi.ServerConfig{
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, handler.Routes())
	if err != nil {
		slog.Error("failed to start API server", "error", err)
		os.Exit(1)
	}

	<-ready
	slog.Info("docpipe ready", "base_url", cfg.Storage.BaseURL)

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("received shutdown signal", "signal", sig)
	cancel()

	// In-flight jobs finish before the store and Redis close.
	pool.Stop()
	sweeper.Stop()
	projector.Stop()

	slog.Info("docpipe stopped")
}

// openStore picks a store by URL scheme: postgres:// or postgresql://,
// sqlite:<path>, or memory:.
func openStore(ctx context.Context, url string) (store.Store, func(), error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		pgPool, err := pgxpool.New(ctx, url)
		if err != nil {
			return nil, nil, fmt.Errorf("create Postgres pool: %w", err)
		}
		if err := pgPool.Ping(ctx); err != nil {
			pgPool.Close()
			return nil, nil, fmt.Errorf("connect to PostgreSQL: %w", err)
		}
		st, err := postgres.NewStore(ctx, pgPool)
		if err != nil {
			pgPool.Close()
			return nil, nil, err
		}
		slog.Info("connected to PostgreSQL")
		return st, pgPool.Close, nil

	case strings.HasPrefix(url, "sqlite:"):
		path := strings.TrimPrefix(strings.TrimPrefix(url, "sqlite:"), "//")
		st, err := sqlite.Open(ctx, path)
		if err != nil {
			return nil, nil, fmt.Errorf("open SQLite %s: %w", path, err)
		}
		slog.Info("opened SQLite store", "path", path)
		return st, func() { st.Close() }, nil

	case url == "memory:":
		slog.Warn("using in-memory store, records are lost on restart")
		return memstore.New(), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unsupported database url %q", url)
}

// newExtractor routes text and HTML in process and everything else to the
// OCR service when one is configured.
func newExtractor(ctx context.Context, cfg config.OCRConfig, blobs ocr.BlobReader) ocr.Extractor {
	if cfg.Endpoint == "" {
		slog.Warn("OCR_ENDPOINT not set, only text and HTML attachments can be read")
		return ocr.NewRouter(blobs, nil)
	}
	client := &http.Client{}
	if cfg.OAuth.Enabled() {
		client = credentialsClient(ctx, cfg.OAuth)
	}
	client.Timeout = cfg.Timeout
	return ocr.NewRouter(blobs, ocr.NewService(cfg.Endpoint, client, limiter(cfg.RatePerSecond, cfg.Burst)))
}

func newClassifier(ctx context.Context, cfg config.ClassifierConfig) classify.Classifier {
	if cfg.Kind != "llm" {
		return classify.NewKeyword()
	}
	var client *http.Client
	switch {
	case cfg.OAuth.Enabled():
		client = credentialsClient(ctx, cfg.OAuth)
	case cfg.APIKey != "":
		client = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.APIKey}))
	default:
		client = &http.Client{}
	}
	client.Timeout = cfg.Timeout
	slog.Info("using LLM classifier", "base_url", cfg.BaseURL, "model", cfg.Model)
	return classify.NewLimited(classify.NewLLM(cfg.BaseURL, cfg.Model, client), limiter(cfg.RatePerSecond, cfg.Burst))
}

func credentialsClient(ctx context.Context, o config.OAuthConfig) *http.Client {
	creds := &clientcredentials.Config{
		ClientID:     o.ClientID,
		ClientSecret: o.ClientSecret,
		TokenURL:     o.TokenURL,
		Scopes:       o.Scopes,
	}
	return creds.Client(ctx)
}

func limiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
}
