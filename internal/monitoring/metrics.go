// Package monitoring exposes the pipeline's Prometheus metrics.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsProcessed counts detection jobs by terminal outcome.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "detection_jobs_processed_total",
		Help: "Detection jobs by terminal outcome (completed, failed).",
	}, []string{"outcome"})

	// JobDuration observes end-to-end detection pass latency.
	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "detection_job_duration_seconds",
		Help:    "End-to-end detection pass latency.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	// AnomaliesDetected counts anomalies by rule type and severity.
	AnomaliesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "detection_anomalies_total",
		Help: "Anomalies produced, by rule type and severity.",
	}, []string{"rule_type", "severity"})

	// DuplicateResults counts idempotent replays suppressed at insert.
	DuplicateResults = promauto.NewCounter(prometheus.CounterOpts{
		Name: "detection_duplicate_results_total",
		Help: "Anomaly inserts suppressed by the dedupe constraint.",
	})

	// RulePanics counts rule bodies recovered at the orchestrator boundary.
	RulePanics = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "detection_rule_panics_total",
		Help: "Rule panics recovered per rule type.",
	}, []string{"rule_type"})

	// EvidenceUploads counts evidence blob uploads by result.
	EvidenceUploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evidence_uploads_total",
		Help: "Evidence blob uploads by result (ok, error).",
	}, []string{"result"})

	// QueueDepth tracks the waiting job count per priority.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "detection_queue_depth",
		Help: "Waiting detection jobs per priority.",
	}, []string{"priority"})

	// SSEConnections tracks live stream connections.
	SSEConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sse_connections",
		Help: "Live SSE connections.",
	})

	// PacketsEmitted counts filing packets handed downstream.
	PacketsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filing_packets_emitted_total",
		Help: "Filing packets emitted, by delivery result (ok, error).",
	}, []string{"result"})
)
