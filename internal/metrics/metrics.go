/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package metrics defines Prometheus metrics for test runs.
//
// All metrics are registered with the package Registry, which the CLI
// serves on its metrics endpoint.
//
// Metric naming follows Prometheus conventions:
//   - tandem_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry holds every tandem metric plus the Go and process collectors.
var Registry = prometheus.NewRegistry()

var (
	// TestsTotal counts finalized instances by terminal state.
	TestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tandem_tests_total",
			Help: "Total number of finalized test instances by terminal state.",
		},
		[]string{"state"},
	)

	// TestDurationSeconds is a histogram of instance wall time by state.
	TestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tandem_test_duration_seconds",
			Help:    "Wall time from first attempt to finalization in seconds.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"state"},
	)

	// AttemptsTotal counts individual attempts by outcome.
	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tandem_attempts_total",
			Help: "Total test attempts by outcome (passed, invocation, timeout, fixture_creation, cancellation).",
		},
		[]string{"outcome"},
	)

	// RetriesTotal counts attempts that were re-queued for retry.
	RetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tandem_retries_total",
			Help: "Total attempts re-queued after a retryable failure.",
		},
	)

	// ActiveTests is the number of instances currently running.
	ActiveTests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tandem_active_tests",
			Help: "Number of test instances currently running.",
		},
	)

	// ReadyQueueDepth is the number of ready instances waiting for a worker
	// or for a conflicting instance to finish.
	ReadyQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tandem_ready_queue_depth",
			Help: "Number of ready test instances waiting to start.",
		},
	)

	// FixturesLive is the number of created, not yet disposed fixtures.
	FixturesLive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tandem_fixtures_live",
			Help: "Shared fixtures currently alive by sharing scope.",
		},
		[]string{"scope"},
	)

	// FixtureErrorsTotal counts fixture creation and disposal failures.
	FixtureErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tandem_fixture_errors_total",
			Help: "Total fixture failures by phase (create, dispose).",
		},
		[]string{"phase"},
	)

	// RunsTotal counts completed runs by outcome.
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tandem_runs_total",
			Help: "Total runs by outcome (passed, failed, cancelled, stalled).",
		},
		[]string{"outcome"},
	)

	// RunDurationSeconds is a histogram of whole-run duration.
	RunDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tandem_run_duration_seconds",
			Help:    "Duration of complete runs in seconds.",
			Buckets: []float64{0.1, 1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		TestsTotal,
		TestDurationSeconds,
		AttemptsTotal,
		RetriesTotal,
		ActiveTests,
		ReadyQueueDepth,
		FixturesLive,
		FixtureErrorsTotal,
		RunsTotal,
		RunDurationSeconds,
	)
}

// RecordTestComplete records metrics for a finalized instance.
func RecordTestComplete(state string, duration time.Duration) {
	TestsTotal.WithLabelValues(state).Inc()
	TestDurationSeconds.WithLabelValues(state).Observe(duration.Seconds())
}

// RecordAttempt records the outcome of a single attempt.
func RecordAttempt(outcome string) {
	AttemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordRetry records one re-queued attempt.
func RecordRetry() {
	RetriesTotal.Inc()
}

// RecordFixtureCreated records a fixture coming alive.
func RecordFixtureCreated(scope string) {
	FixturesLive.WithLabelValues(scope).Inc()
}

// RecordFixtureDisposed records a fixture being disposed.
func RecordFixtureDisposed(scope string) {
	FixturesLive.WithLabelValues(scope).Dec()
}

// RecordFixtureError records a fixture failure in the given phase.
func RecordFixtureError(phase string) {
	FixtureErrorsTotal.WithLabelValues(phase).Inc()
}

// RecordRunComplete records a completed run.
func RecordRunComplete(outcome string, duration time.Duration) {
	RunsTotal.WithLabelValues(outcome).Inc()
	RunDurationSeconds.Observe(duration.Seconds())
}
