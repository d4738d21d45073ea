package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors the runtime exposes. A *Metrics is
// an optional collaborator: components that accept one treat a nil *Metrics
// as "metrics disabled" rather than requiring a caller to wire a no-op.
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	runner := toolrunner.New(..., config)
//	observability.InstrumentToolRunner(runner, metrics, tracer)
type Metrics struct {
	// ToolExecutionCounter counts tool executions by tool name and outcome.
	// Labels: tool_name, status (success|error|denied|timeout)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration records how long a single tool call took to
	// return, from dispatch to result.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// PendingApprovals reports the PermissionManager's current open
	// rendezvous count, sampled on demand rather than pushed.
	// Labels: agent_id
	PendingApprovals *prometheus.GaugeVec

	// EventBusBacklog reports the sum of undelivered envelopes sitting in an
	// EventBus's subscriber queues, sampled on demand.
	// Labels: agent_id
	EventBusBacklog *prometheus.GaugeVec
}

// NewMetrics creates and registers the runtime's Prometheus collectors with
// the default registry. Call once per process.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates and registers the runtime's Prometheus collectors
// with reg. Tests use an isolated prometheus.NewRegistry() here to avoid
// colliding with other packages' registrations against the default registry.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentcore_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		PendingApprovals: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentcore_pending_approvals",
				Help: "Current number of tool calls awaiting a human approval decision",
			},
			[]string{"agent_id"},
		),

		EventBusBacklog: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentcore_event_bus_backlog",
				Help: "Sum of undelivered envelopes across an agent's open EventBus subscriptions",
			},
			[]string{"agent_id"},
		),
	}
}

// RecordToolExecution records one completed tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// SetPendingApprovals sets the pending-approvals gauge for an agent.
func (m *Metrics) SetPendingApprovals(agentID string, count int) {
	if m == nil {
		return
	}
	m.PendingApprovals.WithLabelValues(agentID).Set(float64(count))
}

// SetEventBusBacklog sets the event-bus backlog gauge for an agent.
func (m *Metrics) SetEventBusBacklog(agentID string, backlog int) {
	if m == nil {
		return
	}
	m.EventBusBacklog.WithLabelValues(agentID).Set(float64(backlog))
}
