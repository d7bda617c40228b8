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

// Package metrics holds the Prometheus collectors for the pipeline.
//
// Every method is safe to call on a nil *Metrics, so components can be
// built without a registry in tests.
//
// Metrics:
//   - docpipe_submissions_total{source} - accepted ingestion requests
//   - docpipe_duplicates_total - submissions answered from the dedup index
//   - docpipe_transitions_total{from,to} - master status transitions
//   - docpipe_stage_attempts_total{stage,outcome} - stage calls by outcome
//   - docpipe_stage_duration_seconds{stage} - stage call latency
//   - docpipe_jobs_total{outcome} - worker jobs by outcome
//   - docpipe_records{status} - records per status, from the projector
//   - docpipe_documents{doc_type} - classifications per document type
//   - docpipe_projection_errors_total - failed projector refreshes
//   - docpipe_recovery_requeued_total - jobs re-enqueued by the sweeper
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/claimdesk/docpipe/internal/models"
)

// Metrics holds the pipeline collectors.
type Metrics struct {
	Submissions      *prometheus.CounterVec
	Duplicates       prometheus.Counter
	Transitions      *prometheus.CounterVec
	StageAttempts    *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	Jobs             *prometheus.CounterVec
	Records          *prometheus.GaugeVec
	Documents        *prometheus.GaugeVec
	ProjectionErrors prometheus.Counter
	RecoveryRequeued prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Submissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docpipe_submissions_total",
			Help: "Accepted ingestion requests by source type",
		}, []string{"source"}),

		Duplicates: f.NewCounter(prometheus.CounterOpts{
			Name: "docpipe_duplicates_total",
			Help: "Submissions answered with an existing processing ID",
		}),

		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docpipe_transitions_total",
			Help: "Master record status transitions",
		}, []string{"from", "to"}),

		StageAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docpipe_stage_attempts_total",
			Help: "Stage calls by stage and outcome (ok, retry, failed)",
		}, []string{"stage", "outcome"}),

		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docpipe_stage_duration_seconds",
			Help:    "Duration of stage calls in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		}, []string{"stage"}),

		Jobs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docpipe_jobs_total",
			Help: "Worker jobs by outcome",
		}, []string{"outcome"}),

		Records: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "docpipe_records",
			Help: "Processing records per status",
		}, []string{"status"}),

		Documents: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "docpipe_documents",
			Help: "Classified attachments per document type",
		}, []string{"doc_type"}),

		ProjectionErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "docpipe_projection_errors_total",
			Help: "Failed status projection refreshes",
		}),

		RecoveryRequeued: f.NewCounter(prometheus.CounterOpts{
			Name: "docpipe_recovery_requeued_total",
			Help: "Jobs re-enqueued for stale records",
		}),
	}
}

// Handler serves the collectors registered with g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// RecordSubmission counts an accepted request.
func (m *Metrics) RecordSubmission(kind models.SourceKind) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(string(kind)).Inc()
}

// RecordDuplicate counts a deduplicated request.
func (m *Metrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.Duplicates.Inc()
}

// RecordTransition counts a status change.
func (m *Metrics) RecordTransition(from, to models.Status) {
	if m == nil || from == to {
		return
	}
	m.Transitions.WithLabelValues(string(from), string(to)).Inc()
}

// RecordStage counts one stage call and observes its latency.
func (m *Metrics) RecordStage(stage, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageAttempts.WithLabelValues(stage, outcome).Inc()
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordJob counts a finished worker job.
func (m *Metrics) RecordJob(outcome string) {
	if m == nil {
		return
	}
	m.Jobs.WithLabelValues(outcome).Inc()
}

// SetStats publishes a projection snapshot as gauges.
func (m *Metrics) SetStats(st models.Stats) {
	if m == nil {
		return
	}
	for s, n := range st.ByStatus {
		m.Records.WithLabelValues(string(s)).Set(float64(n))
	}
	for d, n := range st.ByDocType {
		m.Documents.WithLabelValues(string(d)).Set(float64(n))
	}
}

// RecordProjectionError counts a failed projector refresh.
func (m *Metrics) RecordProjectionError() {
	if m == nil {
		return
	}
	m.ProjectionErrors.Inc()
}

// RecordRequeued counts jobs re-enqueued by the recovery sweeper.
func (m *Metrics) RecordRequeued(n int) {
	if m == nil {
		return
	}
	m.RecoveryRequeued.Add(float64(n))
}
