package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Prompt flow through the conversation manager
//   - LLM request performance, retries, and fallback switches
//   - Tool execution patterns and latencies
//   - Container lifecycle and shell command activity
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.PromptCounter.WithLabelValues("ok").Inc()
type Metrics struct {
	// PromptCounter counts inbound prompts by outcome.
	// Labels: status (ok|error)
	PromptCounter *prometheus.CounterVec

	// ActiveConversations is a gauge tracking conversations with an
	// in-flight turn.
	ActiveConversations prometheus.Gauge

	// LLMRequestDuration measures completion request latency in seconds.
	// Labels: model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts completion requests.
	// Labels: model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRetryCounter counts completion retries by model.
	LLMRetryCounter *prometheus.CounterVec

	// FallbackSwitchCounter counts primary-to-backup model switches.
	FallbackSwitchCounter prometheus.Counter

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// ContainersByState is a gauge of containers per lifecycle state.
	// Labels: state
	ContainersByState *prometheus.GaugeVec

	// ContainerCreations counts container provisions.
	// Labels: status (success|error)
	ContainerCreations *prometheus.CounterVec

	// ShellCommandCounter counts shell commands run inside containers.
	// Labels: status (ok|timeout|error)
	ShellCommandCounter *prometheus.CounterVec

	// ShellCommandDuration measures shell command wall time in seconds.
	ShellCommandDuration prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics against the given
// registerer. Passing a fresh registry keeps tests independent; production
// wiring passes prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		PromptCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_prompts_total",
				Help: "Total number of inbound prompts by outcome",
			},
			[]string{"status"},
		),

		ActiveConversations: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "warden_active_conversations",
				Help: "Number of conversations with an in-flight turn",
			},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warden_llm_request_duration_seconds",
				Help:    "Duration of completion requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_llm_requests_total",
				Help: "Total number of completion requests by model and status",
			},
			[]string{"model", "status"},
		),

		LLMRetryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_llm_retries_total",
				Help: "Total number of completion request retries by model",
			},
			[]string{"model"},
		),

		FallbackSwitchCounter: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_llm_fallback_switches_total",
				Help: "Total number of switches from the primary to the backup model",
			},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_tool_executions_total",
				Help: "Total number of tool invocations by tool and status",
			},
			[]string{"tool", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warden_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),

		ContainersByState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "warden_containers",
				Help: "Number of per-conversation containers by lifecycle state",
			},
			[]string{"state"},
		),

		ContainerCreations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_container_creations_total",
				Help: "Total number of container provisioning attempts by status",
			},
			[]string{"status"},
		),

		ShellCommandCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_shell_commands_total",
				Help: "Total number of shell commands executed by status",
			},
			[]string{"status"},
		),

		ShellCommandDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "warden_shell_command_duration_seconds",
				Help:    "Wall time of shell commands in seconds",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 120},
			},
		),
	}
}
