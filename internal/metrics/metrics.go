// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_engine_tool_calls_total",
		Help: "Tool calls completed by the executor, by tool, status and error category.",
	}, []string{"tool", "status", "category"})
	ToolCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agent_engine_tool_call_duration_seconds",
		Help:    "Wall time of executor calls including retries.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"tool"})
	Retries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_engine_tool_retries_total",
		Help: "Retry attempts by tool.",
	}, []string{"tool"})
	Fallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_engine_fallbacks_total",
		Help: "Fallback strategies applied by tool and strategy.",
	}, []string{"tool", "strategy"})
	IdempotentReplays = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_engine_idempotent_replays_total",
		Help: "Calls answered from a stored idempotency record.",
	}, []string{"tool"})
	CircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agent_engine_circuit_state",
		Help: "Circuit breaker state per external service (0 closed, 1 open, 2 half_open).",
	}, []string{"service"})
	AutonomyDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_engine_autonomy_decisions_total",
		Help: "Autonomy resolutions by source and whether approval was required.",
	}, []string{"source", "approval"})
	WorkflowTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_engine_workflow_transitions_total",
		Help: "Workflow status transitions by definition and resulting status.",
	}, []string{"workflow", "status"})
	SchedulerFirings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_engine_scheduler_firings_total",
		Help: "Background task firings by task and outcome.",
	}, []string{"task", "outcome"})
	AuditEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_engine_audit_events_total",
		Help: "Audit events handled by the batch writer, by outcome (written, dropped, failed).",
	}, []string{"outcome"})
	ContextCompactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_engine_context_compactions_total",
		Help: "Context window compactions by strategy.",
	}, []string{"strategy"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
