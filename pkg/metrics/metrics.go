// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// GatewayCallDuration tracks persistence gateway latency per operation.
	GatewayCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_call_duration_seconds",
			Help:    "Persistence gateway call duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"op", "status"},
	)

	// GatewayRetries counts retried gateway attempts.
	GatewayRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_retries_total",
			Help: "Gateway attempts retried after a transient failure",
		},
		[]string{"op"},
	)

	// FeedEvents counts change feed events by how they were applied.
	FeedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_events_total",
			Help: "Change feed events by scope, kind and outcome",
		},
		[]string{"scope", "kind", "outcome"},
	)

	// FeedSubscriptionsActive tracks open change feed subscriptions.
	FeedSubscriptionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "feed_subscriptions_active",
			Help: "Number of open change feed subscriptions",
		},
		[]string{"scope"},
	)

	// FeedHealthTransitions counts subscription health changes.
	FeedHealthTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_health_transitions_total",
			Help: "Change feed subscription health transitions",
		},
		[]string{"scope", "health"},
	)

	// OptimisticSends counts sends by outcome.
	OptimisticSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optimistic_sends_total",
			Help: "Optimistic sends by outcome",
		},
		[]string{"outcome"},
	)

	// DirectoryRefreshes counts conversation directory reloads.
	DirectoryRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "directory_refreshes_total",
			Help: "Conversation directory refreshes by outcome",
		},
		[]string{"outcome"},
	)

	// SessionsActive tracks live user sessions.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessions_active",
			Help: "Number of active user sessions",
		},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordGatewayCall records one gateway operation.
func RecordGatewayCall(op string, err error, duration float64) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	GatewayCallDuration.WithLabelValues(op, status).Observe(duration)
}

// RecordFeedEvent records how a feed event was handled.
func RecordFeedEvent(scope, kind, outcome string) {
	FeedEvents.WithLabelValues(scope, kind, outcome).Inc()
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
