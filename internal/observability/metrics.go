package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce         sync.Once
	httpRequestsTotal    *prometheus.CounterVec
	httpLatencySeconds   *prometheus.HistogramVec
	httpErrorsTotal      *prometheus.CounterVec
	chatConnectionsTotal prometheus.Counter
	chatMessagesRouted   *prometheus.CounterVec
	broadcastFramesTotal *prometheus.CounterVec
	presenceUpdatesTotal *prometheus.CounterVec
	persistFailuresTotal prometheus.Counter
	persistRetriesTotal  prometheus.Counter
	rejectedFramesTotal  *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors used across the service.
func RegisterMetrics() {
	registerOnce.Do(func() {
		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		httpErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total number of error responses returned by API endpoints.",
		}, []string{"method", "route", "status"})

		chatConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_connections_total",
			Help: "Total number of websocket chat connections accepted.",
		})

		chatMessagesRouted = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_routed_total",
			Help: "Total number of chat messages routed, by message type.",
		}, []string{"type"})

		broadcastFramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_broadcast_frames_total",
			Help: "Total number of frames published to topic subscribers, by event.",
		}, []string{"event"})

		presenceUpdatesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_updates_total",
			Help: "Total number of applied presence status changes, by status.",
		}, []string{"status"})

		persistFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_persist_failures_total",
			Help: "Total number of chat messages that exhausted the persistence retry budget.",
		})

		persistRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_persist_retries_total",
			Help: "Total number of retried chat message persistence attempts.",
		})

		rejectedFramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_rejected_frames_total",
			Help: "Total number of inbound websocket frames rejected, by reason.",
		}, []string{"reason"})

		prometheus.MustRegister(
			httpRequestsTotal,
			httpLatencySeconds,
			httpErrorsTotal,
			chatConnectionsTotal,
			chatMessagesRouted,
			broadcastFramesTotal,
			presenceUpdatesTotal,
			persistFailuresTotal,
			persistRetriesTotal,
			rejectedFramesTotal,
		)
	})
}

// HTTPRequests exposes the counter for API requests.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the latency histogram for API requests.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}

// HTTPErrors exposes the counter for API error responses.
func HTTPErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return httpErrorsTotal
}

// ChatConnections exposes the counter for accepted websocket connections.
func ChatConnections() prometheus.Counter {
	RegisterMetrics()
	return chatConnectionsTotal
}

// ChatMessagesRouted exposes the counter for routed chat messages.
func ChatMessagesRouted() *prometheus.CounterVec {
	RegisterMetrics()
	return chatMessagesRouted
}

// BroadcastFrames exposes the counter for published topic frames.
func BroadcastFrames() *prometheus.CounterVec {
	RegisterMetrics()
	return broadcastFramesTotal
}

// PresenceUpdates exposes the counter for applied status changes.
func PresenceUpdates() *prometheus.CounterVec {
	RegisterMetrics()
	return presenceUpdatesTotal
}

// PersistFailures exposes the counter for exhausted persistence retries.
func PersistFailures() prometheus.Counter {
	RegisterMetrics()
	return persistFailuresTotal
}

// PersistRetries exposes the counter for retried persistence attempts.
func PersistRetries() prometheus.Counter {
	RegisterMetrics()
	return persistRetriesTotal
}

// RejectedFrames exposes the counter for rejected inbound frames.
func RejectedFrames() *prometheus.CounterVec {
	RegisterMetrics()
	return rejectedFramesTotal
}
