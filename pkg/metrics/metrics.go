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

	// RoundsTotal tracks rounds started, labeled by terminal outcome once known.
	RoundsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rounds_total",
			Help: "Total rounds by outcome",
		},
		[]string{"outcome"},
	)

	// RoundDuration tracks end-to-end round duration.
	RoundDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "round_duration_seconds",
			Help:    "Round duration from user message to round complete",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120, 180},
		},
	)

	// ParticipantStreamDuration tracks per-participant streaming duration.
	ParticipantStreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "participant_stream_duration_seconds",
			Help:    "Participant streaming response duration",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"model", "status"},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"model", "direction"},
	)

	// CreditsReservedTotal tracks credits reserved per step kind.
	CreditsReservedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_reserved_total",
			Help: "Total credits reserved",
		},
		[]string{"step"},
	)

	// CreditsDeductedTotal tracks credits actually deducted.
	CreditsDeductedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_deducted_total",
			Help: "Total credits deducted",
		},
		[]string{"step"},
	)

	// BackgroundTasksActive tracks in-flight background continuations.
	BackgroundTasksActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "background_tasks_active",
			Help: "Number of in-flight background continuation tasks",
		},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// MessagesTotal tracks total messages persisted.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages persisted",
		},
		[]string{"role"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordParticipantStream records metrics for a participant streaming response.
func RecordParticipantStream(model, status string, duration float64, tokensIn, tokensOut int) {
	ParticipantStreamDuration.WithLabelValues(model, status).Observe(duration)
	LLMTokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
