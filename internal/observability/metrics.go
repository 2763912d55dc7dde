// Package observability provides prometheus metrics, slog construction,
// and otel tracing helpers for the agent runtime.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the runtime's operational metrics.
type Metrics struct {
	// TurnCounter counts model turns.
	// Labels: model, status (success|error|aborted)
	TurnCounter *prometheus.CounterVec

	// LLMRequestDuration measures model call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool calls by terminal state.
	// Labels: tool_name, state (success|error|cancelled)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// SchedulerBatchSize observes how many calls each batch carried.
	SchedulerBatchSize prometheus.Histogram

	// MCPCallCounter counts MCP tool calls.
	// Labels: server, status (success|error)
	MCPCallCounter *prometheus.CounterVec

	// MCPCallDuration measures MCP call latency in seconds.
	// Labels: server
	MCPCallDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by component and type.
	// Labels: component (client|scheduler|provider|mcp), error_type
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates and registers the metric set on reg. A nil reg
// uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lodestar_turns_total",
				Help: "Total number of model turns by model and status",
			},
			[]string{"model", "status"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lodestar_llm_request_duration_seconds",
				Help:    "Duration of model calls in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lodestar_llm_tokens_total",
				Help: "Total tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lodestar_tool_executions_total",
				Help: "Total tool executions by tool name and terminal state",
			},
			[]string{"tool_name", "state"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lodestar_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		SchedulerBatchSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lodestar_scheduler_batch_size",
				Help:    "Number of tool calls per scheduled batch",
				Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
			},
		),

		MCPCallCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lodestar_mcp_calls_total",
				Help: "Total MCP tool calls by server and status",
			},
			[]string{"server", "status"},
		),

		MCPCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lodestar_mcp_call_duration_seconds",
				Help:    "Duration of MCP tool calls in seconds",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 60, 300, 600},
			},
			[]string{"server"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lodestar_errors_total",
				Help: "Total errors by component and error type",
			},
			[]string{"component", "error_type"},
		),
	}
}

// RecordTurn counts one completed model turn.
func (m *Metrics) RecordTurn(model, status string) {
	m.TurnCounter.WithLabelValues(model, status).Inc()
}

// RecordLLMRequest records latency and token usage for one model call.
func (m *Metrics) RecordLLMRequest(provider, model string, durationSeconds float64, inputTokens, outputTokens int) {
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if inputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// RecordToolExecution records one terminal tool call.
func (m *Metrics) RecordToolExecution(toolName, state string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, state).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordSchedulerBatch records the size of one completed batch.
func (m *Metrics) RecordSchedulerBatch(size int) {
	m.SchedulerBatchSize.Observe(float64(size))
}

// RecordMCPCall records one MCP tool call.
func (m *Metrics) RecordMCPCall(server, status string, durationSeconds float64) {
	m.MCPCallCounter.WithLabelValues(server, status).Inc()
	m.MCPCallDuration.WithLabelValues(server).Observe(durationSeconds)
}

// RecordError counts one error.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}
