package dashsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PushEventsTotal counts inbound push events by type and what the
	// reconciler did with them (patched, dropped, ignored).
	PushEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashsync_push_events_total",
			Help: "Push events received, by event type and outcome",
		},
		[]string{"event", "outcome"},
	)

	// PushConnectionsActive tracks open push connections.
	PushConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dashsync_push_connections_active",
			Help: "Number of open push connections",
		},
	)

	CachePatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashsync_cache_patches_total",
			Help: "Cache entries patched in place",
		},
		[]string{"entity"},
	)

	CacheInvalidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashsync_cache_invalidations_total",
			Help: "Soft invalidations scheduled",
		},
		[]string{"entity"},
	)

	CacheRefetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashsync_cache_refetch_total",
			Help: "Background refetches by outcome",
		},
		[]string{"entity", "outcome"},
	)

	// StaleResponsesTotal counts responses discarded because their key or
	// filter was no longer current when they arrived.
	StaleResponsesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashsync_stale_responses_total",
			Help: "Late responses rejected",
		},
		[]string{"source"},
	)

	PageFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashsync_page_fetches_total",
			Help: "List page fetches by entity and outcome",
		},
		[]string{"entity", "outcome"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dashsync_request_duration_seconds",
			Help:    "Backend REST request duration in seconds",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "status"},
	)

	WebhookDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashsync_webhook_deliveries_total",
			Help: "Outbound webhook deliveries by outcome",
		},
		[]string{"outcome"},
	)
)

// RecordRequest records metrics for a backend request.
func RecordRequest(method, status string, seconds float64) {
	RequestDuration.WithLabelValues(method, status).Observe(seconds)
}
