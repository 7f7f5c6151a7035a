// Package metrics holds the process-wide Prometheus collectors. They
// register themselves on the default registry, which the server exposes
// on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReservationOutcomes counts reserve attempts by what happened to
	// them: approved, insufficient, error.
	ReservationOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credits_reservations_total",
		Help: "Reservation attempts by outcome.",
	}, []string{"outcome"})

	// ReservationsSwept counts stale pending holds the reconciler
	// auto-released.
	ReservationsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credits_reservations_swept_total",
		Help: "Stale pending reservations auto-released by the reconciler.",
	})

	// FinalizeAnomalies counts finalize calls whose target state
	// conflicts with the terminal state already recorded, e.g. a
	// commit arriving after a release. Replays of the same target are
	// benign and not counted.
	FinalizeAnomalies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credits_finalize_anomalies_total",
		Help: "Finalize calls that conflicted with an opposite terminal state.",
	})

	// SyncDiscrepancies counts balance mismatches the integrity check
	// found between Redis and the durable store.
	SyncDiscrepancies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credits_sync_discrepancies_total",
		Help: "Balance mismatches detected between Redis and PostgreSQL.",
	})

	// ResolveDuration observes pricing resolution latency.
	ResolveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "credits_resolve_duration_seconds",
		Help:    "Latency of pricing resolution.",
		Buckets: prometheus.DefBuckets,
	})

	// HTTPRequests counts API requests by route and status class.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credits_http_requests_total",
		Help: "HTTP requests by route and status.",
	}, []string{"route", "status"})
)
