// Package observability provides the runtime's optional metrics, tracing,
// and logging collaborators.
//
// Every component is nil-safe: an agent constructed without a *Metrics or
// *Tracer behaves exactly as it would without this package imported at all.
// Nothing here is a global singleton; callers construct one Metrics and one
// Tracer per process and pass them through constructor options to whatever
// wants to record against them.
//
// # Metrics
//
// NewMetrics registers Prometheus collectors for tool execution outcomes and
// duration, plus gauges for the PermissionManager's pending-approval count
// and an EventBus's subscriber backlog:
//
//	metrics := observability.NewMetrics()
//	metrics.RecordToolExecution("read_file", "success", elapsed.Seconds())
//	metrics.SetPendingApprovals(agentID, perm.PendingCount())
//	metrics.SetEventBusBacklog(agentID, bus.Backlog())
//
// # Tracing
//
// NewTracer wraps an OpenTelemetry TracerProvider sized for the step loop's
// span shape: one span per agent step, one child span per tool call.
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{ServiceName: "agentcore"})
//	defer shutdown(context.Background())
//
//	ctx, span := tracer.Start(ctx, observability.StepSpanName)
//	defer span.End()
//
// # Logging
//
// Logger wraps log/slog with request correlation and redaction of
// accidentally-logged secrets, independent of metrics and tracing.
package observability
