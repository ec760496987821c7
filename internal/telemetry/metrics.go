package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LedgerAppends counts committed audit events by action type.
	LedgerAppends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditwiz_ledger_appends_total",
			Help: "Audit events appended to the ledger",
		},
		[]string{"action_type"},
	)

	// LedgerConflicts counts appends rejected because the target chain moved.
	LedgerConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auditwiz_ledger_conflicts_total",
		Help: "Audit appends rejected with a retryable chain conflict",
	})

	// AnchorAttempts counts anchoring calls by outcome (notarized, soft_null).
	AnchorAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditwiz_anchor_attempts_total",
			Help: "Anchoring attempts by outcome",
		},
		[]string{"outcome"},
	)

	// HTTPRequests counts HTTP requests by method, route pattern and status.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditwiz_http_requests_total",
			Help: "HTTP requests served",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPDuration observes HTTP latency by method and route pattern.
	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "auditwiz_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)
