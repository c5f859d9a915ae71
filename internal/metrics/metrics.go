// Package metrics defines the Prometheus instruments for the daemon. Values
// are fed by the CardDAV middleware, the remote client's circuit breaker and
// the daemon's bus subscriber.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Sync engine
	SyncCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "setu_sync_cycles_total",
			Help: "Sync cycles by outcome",
		},
		[]string{"outcome"}, // "ok", "failed", "auth_failed", "canceled"
	)

	SyncCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "setu_sync_cycle_duration_seconds",
			Help:    "Wall time of a sync cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContactsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "setu_contacts_applied_total",
			Help: "Remote changes applied to the store",
		},
		[]string{"op"}, // "upsert", "delete", "skipped"
	)

	LiveLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "setu_live_lookups_total",
			Help: "On-demand remote searches by outcome",
		},
		[]string{"outcome"}, // "hit", "miss", "error"
	)

	TombstonesCompacted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "setu_tombstones_compacted_total",
			Help: "Tombstoned contacts physically removed",
		},
	)

	DaemonState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "setu_daemon_state",
			Help: "1 for the current daemon state, 0 otherwise",
		},
		[]string{"state"},
	)

	BusDropped = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "setu_bus_dropped_events",
			Help: "Events dropped because a subscriber was full",
		},
	)

	// CardDAV server
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "setu_http_requests_total",
			Help: "CardDAV requests by method and status code",
		},
		[]string{"method", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "setu_http_request_duration_seconds",
			Help:    "CardDAV request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	AuthFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "setu_http_auth_failures_total",
			Help: "Requests rejected for bad Basic-Auth credentials",
		},
	)

	// Remote API circuit breaker
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "setu_circuit_breaker_state",
			Help: "0 closed, 1 half-open, 2 open",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "setu_circuit_breaker_requests_total",
			Help: "Remote calls through the breaker by result",
		},
		[]string{"name", "result"}, // "success", "failure", "rejected"
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
