package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Routing metrics exported at /metrics.
var (
	RoutesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_routes_total",
			Help: "Total number of routed queries by result",
		},
		[]string{"result"}, // cache_hit, dispatched, rate_limited, exhausted, cancelled
	)

	RouteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_route_duration_seconds",
			Help:    "End-to-end route duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"result"},
	)

	// Cache metrics
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_cache_lookups_total",
			Help: "Similarity cache lookups by result",
		},
		[]string{"result"}, // hit, miss, embedding_unavailable
	)

	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_cache_evictions_total",
			Help: "Entries evicted from the similarity cache",
		},
	)

	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_cache_entries",
			Help: "Current number of similarity cache entries",
		},
	)

	CostAvoided = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_cost_avoided_total",
			Help: "Cumulative provider cost avoided by cache hits",
		},
	)

	// Provider metrics
	CostIncurred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_cost_incurred_total",
			Help: "Cumulative provider cost incurred by dispatches",
		},
		[]string{"provider"},
	)

	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dispatch_total",
			Help: "Provider dispatch attempts by status",
		},
		[]string{"provider", "status"}, // status: success/failure
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_dispatch_duration_seconds",
			Help:    "Provider dispatch duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1min
		},
		[]string{"provider"},
	)

	ProviderState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_provider_state",
			Help: "Provider circuit state (0 healthy, 1 degraded, 2 circuit open)",
		},
		[]string{"provider"},
	)

	// Admission metrics
	AdmissionRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_admission_rejected_total",
			Help: "Requests rejected by tier admission control",
		},
		[]string{"tier"},
	)

	OutcomesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_accounting_dropped_total",
			Help: "Routing outcomes dropped because the accounting buffer was full",
		},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total HTTP requests by method, path and status",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)
