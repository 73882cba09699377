package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transport metrics
	TransportEventsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgsync_transport_events_sent_total",
			Help: "Events written to the real-time connection",
		},
		[]string{"event"},
	)

	TransportEventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgsync_transport_events_received_total",
			Help: "Events read from the real-time connection",
		},
		[]string{"event"},
	)

	TransportInvalidEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgsync_transport_invalid_events_total",
			Help: "Inbound events dropped by validation",
		},
		[]string{"event"},
	)

	TransportRateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgsync_transport_rate_limited_total",
			Help: "Outbound events held back by the rate limiter",
		},
		[]string{"event", "action"}, // action: "dropped" or "queued"
	)

	TransportReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "msgsync_transport_reconnect_attempts_total",
			Help: "Reconnect attempts",
		},
	)

	TransportQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "msgsync_transport_queue_depth",
			Help: "Outbound events waiting for a connection",
		},
	)

	TransportPingLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "msgsync_transport_ping_latency_seconds",
			Help:    "Heartbeat round trip",
			Buckets: []float64{.025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// Sync metrics
	SyncCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgsync_sync_cycles_total",
			Help: "Completed sync cycles by result",
		},
		[]string{"result"}, // "ok", "partial", "failed", "skipped"
	)

	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "msgsync_sync_duration_seconds",
			Help:    "Full sync cycle duration",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	MessagesPulled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "msgsync_messages_pulled_total",
			Help: "Messages written by delta pull",
		},
	)

	// Outbox metrics
	OutboxDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgsync_outbox_deliveries_total",
			Help: "Outbox delivery attempts by result",
		},
		[]string{"result"}, // "sent", "retry", "failed"
	)

	DeliveryFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "msgsync_delivery_http_fallbacks_total",
			Help: "Sends that fell back from the real-time connection to HTTP",
		},
	)
)
