package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Worker
	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "neosync_tick_duration_seconds",
			Help:    "Duration of worker ticks in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	TasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neosync_tasks_processed_total",
			Help: "Total number of queue tasks handled, by type and result",
		},
		[]string{"type", "result"},
	)

	TasksSeeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "neosync_tasks_seeded_total",
			Help: "Total number of series tasks added by discovery seeding",
		},
	)

	ChaptersIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "neosync_chapters_ingested_total",
			Help: "Total number of new chapter rows inserted",
		},
	)

	// Upstream
	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neosync_upstream_requests_total",
			Help: "Total number of MangaDex API requests, by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)

	UpstreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "neosync_upstream_request_duration_seconds",
			Help:    "MangaDex API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "neosync_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neosync_circuit_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// Publisher
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neosync_events_published_total",
			Help: "Total number of catalog events published, by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// HTTP
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neosync_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "route", "status_code"},
	)
)
