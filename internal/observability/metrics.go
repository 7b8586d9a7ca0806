package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for the turn pipeline.
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.TurnCounter.WithLabelValues("completed").Inc()
type Metrics struct {
	// TurnCounter counts completed turns by terminal status.
	// Labels: status (completed|failed|awaiting_approval)
	TurnCounter *prometheus.CounterVec

	// StageDuration measures per-stage execution time in seconds.
	// Labels: stage
	StageDuration *prometheus.HistogramVec

	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests.
	// Labels: provider, model, status (success|error|rate_limited)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// ApprovalCounter counts human decisions on sensitive tool batches.
	// Labels: decision (approved|rejected)
	ApprovalCounter *prometheus.CounterVec

	// MemoryArchiveCounter counts conversation windows archived to
	// long-term memory.
	MemoryArchiveCounter prometheus.Counter

	// MemorySearchDuration measures similarity search latency in seconds.
	MemorySearchDuration prometheus.Histogram

	// ErrorCounter tracks errors by component.
	// Labels: component (pipeline|provider|tool|memory|checkpoint), error_type
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics with the default
// registry. Call once at startup.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics with the given registerer. Useful
// for tests that need an isolated registry.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "amity_turns_total",
				Help: "Total number of turns by terminal status",
			},
			[]string{"status"},
		),

		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "amity_stage_duration_seconds",
				Help:    "Duration of pipeline stage execution in seconds",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"stage"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "amity_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "amity_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "amity_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "amity_tool_executions_total",
				Help: "Total number of tool invocations by name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "amity_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ApprovalCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "amity_approvals_total",
				Help: "Total number of human decisions on sensitive tool batches",
			},
			[]string{"decision"},
		),

		MemoryArchiveCounter: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "amity_memory_archives_total",
				Help: "Total number of conversation windows archived",
			},
		),

		MemorySearchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "amity_memory_search_duration_seconds",
				Help:    "Duration of similarity searches in seconds",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "amity_errors_total",
				Help: "Total number of errors by component and type",
			},
			[]string{"component", "error_type"},
		),
	}
}
