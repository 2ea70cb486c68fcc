// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability records per-run pipeline metrics in Prometheus and
// optionally ships run records to InfluxDB.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Run outcomes used as the "outcome" label.
const (
	OutcomeEnhanced = "enhanced"
	OutcomeFallback = "fallback"
	OutcomeCached   = "cached"
	OutcomeAdapted  = "adapted"
)

// RunRecord summarizes one pipeline run.
type RunRecord struct {
	RunID        string
	SubjectID    string
	CacheContext string
	Outcome      string
	Duration     time.Duration
	Confidence   float64
	Level        string
	FailedTasks  []string
	Timestamp    time.Time
}

// Metrics holds the pipeline's Prometheus collectors.
//
// Thread Safety: Safe for concurrent use.
type Metrics struct {
	// runs counts runs by outcome.
	// Labels: outcome (enhanced, fallback, cached, adapted)
	runs *prometheus.CounterVec

	// runDuration measures end-to-end run latency.
	// Labels: outcome
	runDuration *prometheus.HistogramVec

	// confidence tracks the distribution of overall confidence scores.
	// Labels: level
	confidence *prometheus.HistogramVec

	// taskFailures counts failed tasks by id.
	// Labels: task
	taskFailures *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg. A nil reg uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Total pipeline runs by outcome",
		}, []string{"outcome"}),
		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ledger",
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "Pipeline run latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"outcome"}),
		confidence: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ledger",
			Subsystem: "pipeline",
			Name:      "confidence",
			Help:      "Distribution of overall confidence scores",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 1.0},
		}, []string{"level"}),
		taskFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger",
			Subsystem: "pipeline",
			Name:      "task_failures_total",
			Help:      "Failed tasks by task id",
		}, []string{"task"}),
	}
}

// ObserveRun records one run.
func (m *Metrics) ObserveRun(rec RunRecord) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(rec.Outcome).Inc()
	m.runDuration.WithLabelValues(rec.Outcome).Observe(rec.Duration.Seconds())
	if rec.Level != "" {
		m.confidence.WithLabelValues(rec.Level).Observe(rec.Confidence)
	}
	for _, id := range rec.FailedTasks {
		m.taskFailures.WithLabelValues(id).Inc()
	}
}
