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
			Name:    "bridge_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// LLMCallDuration tracks gateway call latency by transport and outcome.
	LLMCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_llm_call_duration_seconds",
			Help:    "LLM gateway call duration",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 30},
		},
		[]string{"transport", "outcome"},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// WizardTransitions counts assistant step changes.
	WizardTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_wizard_transitions_total",
			Help: "Assistant wizard step transitions",
		},
		[]string{"from", "to"},
	)

	// SessionsTotal tracks sessions created.
	SessionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_sessions_total",
			Help: "Total chat sessions created",
		},
	)

	// MessagesTotal tracks messages appended to sessions.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_messages_total",
			Help: "Total chat messages appended",
		},
		[]string{"sender"},
	)

	// RequestsCreated tracks data requests persisted.
	RequestsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_requests_created_total",
			Help: "Data requests created",
		},
		[]string{"channel"},
	)

	// WriteBehindFailures counts backend writes that failed after the
	// local store was updated.
	WriteBehindFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_write_behind_failures_total",
			Help: "Failed background persistence operations",
		},
		[]string{"op"},
	)

	// WriteBehindPending tracks queued background writes.
	WriteBehindPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_write_behind_pending",
			Help: "Background persistence operations waiting to run",
		},
	)

	// EventsPublished counts events sent to the bus.
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_events_published_total",
			Help: "Events published on the event bus",
		},
		[]string{"kind", "status"},
	)

	// NATSStreamMessages tracks messages in NATS stream.
	NATSStreamMessages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridge_nats_stream_messages",
			Help: "Number of messages in NATS stream",
		},
		[]string{"stream"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordLLMCall records one gateway call.
func RecordLLMCall(transport, outcome string, duration float64) {
	LLMCallDuration.WithLabelValues(transport, outcome).Observe(duration)
}

// RecordTransition records a wizard step change.
func RecordTransition(from, to string) {
	if from == to {
		return
	}
	WizardTransitions.WithLabelValues(from, to).Inc()
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
