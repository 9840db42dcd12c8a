package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PanelRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "panel_requests_total",
			Help: "3x-ui panel API requests by operation and result.",
		},
		[]string{"op", "result"},
	)

	PanelRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "panel_request_duration_seconds",
			Help:    "3x-ui panel API request latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	PanelUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "panel_up",
		Help: "1 if the last panel status check succeeded.",
	})

	Payments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_resolved_total",
			Help: "Payments moved out of pending, by outcome.",
		},
		[]string{"status"},
	)

	SubscriptionEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscription_events_total",
			Help: "Subscription lifecycle events.",
		},
		[]string{"event"},
	)

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sweeper_tick_duration_seconds",
		Help:    "Duration of one expiration sweep.",
		Buckets: prometheus.DefBuckets,
	})

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests served by the status endpoint.",
		},
		[]string{"method", "path", "code"},
	)
)

// Subscription lifecycle events.
const (
	EventProvisioned     = "provisioned"
	EventExtended        = "extended"
	EventProvisionFailed = "provision_failed"
	EventExpired         = "expired"
	EventRevoked         = "revoked"
	EventRevokeFailed    = "revoke_failed"
	EventRecovered       = "recovered"
)
