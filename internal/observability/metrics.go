package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "parcel_tracking"

var (
	FeedFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "feed_fetches_total", Help: "Tracking snapshot fetches by outcome"},
		[]string{"outcome"},
	)
	FeedFetchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "feed_fetch_latency_seconds", Help: "Tracking snapshot fetch latency", Buckets: prometheus.DefBuckets,
	})
	FeedSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "feed_subscriptions", Help: "Live tracking subscriptions"})

	ChannelState = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "channel_state_transitions_total", Help: "Realtime channel state transitions"},
		[]string{"state"},
	)
	ChannelReconnects = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "channel_reconnect_attempts_total", Help: "Realtime channel reconnect attempts"})

	ChannelMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "channel_messages_total", Help: "Inbound realtime messages by kind"},
		[]string{"kind"},
	)
	ChannelDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "channel_dropped_total", Help: "Realtime frames dropped by reason"},
		[]string{"reason"},
	)

	OffersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offers_total", Help: "Job offers by final state"},
		[]string{"state"},
	)

	ViewersConnected = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "public_viewers", Help: "Connected public tracking websocket viewers"})
	TrackingLookups  = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "tracking_lookups_total", Help: "Tracking code lookups by outcome"},
		[]string{"outcome"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
