// Package metrics exposes Prometheus collectors for the chat core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_events_published_total",
		Help: "Events published on the distribution channel, by type.",
	}, []string{"type"})

	EventsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_events_enqueued_total",
		Help: "Event copies enqueued to subscriber buffers.",
	})

	SubscribersDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_subscribers_dropped_total",
		Help: "Subscriptions dropped because their buffer was full.",
	})

	Subscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_subscriptions",
		Help: "Live subscriptions on the distribution channel.",
	})

	OnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_online_users",
		Help: "Users with at least one live connection.",
	})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_ws_connections",
		Help: "Open WebSocket connections.",
	})

	SendDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatsync_send_duration_seconds",
		Help:    "sendMessage latency by outcome.",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	Resyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_resyncs_total",
		Help: "Client synchronizer full resynchronizations, by reason.",
	}, []string{"reason"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_http_requests_total",
		Help: "HTTP requests by method, route pattern and status.",
	}, []string{"method", "route", "status"})

	HTTPPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_http_panics_total",
		Help: "Handler panics recovered by the HTTP middleware.",
	})
)
