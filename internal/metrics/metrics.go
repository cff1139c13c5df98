// Package metrics exposes Prometheus instrumentation for the broker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the central metrics collection. Create one at startup and share
// it; the vectors register against the supplied registry.
type Metrics struct {
	// MessagesTotal counts messages by service and direction.
	// Labels: service (whatsapp), direction (incoming|outgoing|internal)
	MessagesTotal *prometheus.CounterVec

	// TurnsTotal counts agent turns by protocol and outcome.
	// Labels: protocol, outcome (ok|error|stale|skipped)
	TurnsTotal *prometheus.CounterVec

	// TurnDuration measures whole-turn latency in seconds, delay included.
	// Labels: protocol
	TurnDuration *prometheus.HistogramVec

	// TurnIterations observes how many adapter calls a turn needed.
	// Labels: protocol
	TurnIterations *prometheus.HistogramVec

	// AdapterRequestDuration measures one adapter round trip in seconds.
	// Labels: protocol, model
	AdapterRequestDuration *prometheus.HistogramVec

	// ToolExecutionsTotal counts tool invocations.
	// Labels: tool_type (function|custom|mcp|http|sql), status (ok|error|skipped)
	ToolExecutionsTotal *prometheus.CounterVec

	// ToolExecutionDuration measures tool invocation latency in seconds.
	// Labels: tool_type
	ToolExecutionDuration *prometheus.HistogramVec

	// WebhookRequestsTotal counts inbound webhook deliveries.
	// Labels: status (accepted|ignored|invalid)
	WebhookRequestsTotal *prometheus.CounterVec

	// SendRetriesTotal counts outbound send retries against the
	// messaging service API.
	SendRetriesTotal prometheus.Counter
}

// New creates the metric vectors registered against the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith creates the metric vectors registered against reg. Tests pass a
// fresh registry to avoid duplicate-registration panics.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threadline_messages_total",
				Help: "Total number of messages stored by service and direction",
			},
			[]string{"service", "direction"},
		),

		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threadline_turns_total",
				Help: "Total number of agent turns by protocol and outcome",
			},
			[]string{"protocol", "outcome"},
		),

		TurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "threadline_turn_duration_seconds",
				Help:    "Duration of whole agent turns in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"protocol"},
		),

		TurnIterations: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "threadline_turn_iterations",
				Help:    "Number of adapter calls per agent turn",
				Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
			},
			[]string{"protocol"},
		),

		AdapterRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "threadline_adapter_request_duration_seconds",
				Help:    "Duration of single protocol adapter round trips in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"protocol", "model"},
		),

		ToolExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threadline_tool_executions_total",
				Help: "Total number of tool executions by type and status",
			},
			[]string{"tool_type", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "threadline_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_type"},
		),

		WebhookRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threadline_webhook_requests_total",
				Help: "Total number of inbound webhook deliveries by status",
			},
			[]string{"status"},
		),

		SendRetriesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "threadline_send_retries_total",
				Help: "Total number of outbound send retries",
			},
		),
	}
}
