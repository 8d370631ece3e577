// Package metrics exposes Prometheus instrumentation for the job server,
// following the promauto registration style used across the example
// corpus's Prometheus-instrumented services.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsAdmitted counts successful admissions, labeled by tier.
	JobsAdmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobserver_jobs_admitted_total",
		Help: "Number of content generation jobs admitted, by tier.",
	}, []string{"tier"})

	// JobsDenied counts rejected admission attempts, labeled by reason.
	JobsDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobserver_jobs_denied_total",
		Help: "Number of content generation requests denied, by reason.",
	}, []string{"reason"})

	// JobsCompleted counts jobs that reached a terminal state, labeled by
	// status (completed/failed/cancelled).
	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobserver_jobs_completed_total",
		Help: "Number of jobs that reached a terminal status, by status.",
	}, []string{"status"})

	// CacheLookups counts cache lookups, labeled by outcome (hit/miss/inflight).
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobserver_cache_lookups_total",
		Help: "Number of content cache lookups, by outcome.",
	}, []string{"outcome"})

	// ActiveWorkers reports the current number of jobs being processed.
	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jobserver_active_workers",
		Help: "Current number of worker goroutines actively processing a job.",
	})

	// StageDuration observes how long each pipeline stage takes, labeled by
	// stage name.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jobserver_stage_duration_seconds",
		Help:    "Duration of a single pipeline stage, by stage name.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})
)
