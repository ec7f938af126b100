package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bizur_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bizur_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Relay metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bizur_ws_connections_active",
			Help: "Live relay control connections",
		},
	)

	FramesRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bizur_frames_routed_total",
			Help: "Routed frames by type",
		},
		[]string{"type"},
	)

	MessagesForwarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bizur_messages_forwarded_total",
			Help: "Messages forwarded to a live recipient",
		},
	)

	MessagesQueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bizur_messages_queued_total",
			Help: "Messages queued for an offline recipient",
		},
	)

	DuplicatesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bizur_duplicates_dropped_total",
			Help: "Messages dropped by the replay guard",
		},
	)

	QueueEntriesDrained = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bizur_queue_entries_drained_total",
			Help: "Queued entries delivered on pullQueue",
		},
	)

	PushWakeups = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bizur_push_wakeups_total",
			Help: "Content-free wake pushes triggered on enqueue",
		},
	)

	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bizur_auth_failures_total",
			Help: "Rejected connection attempts",
		},
		[]string{"reason"},
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bizur_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)
)
