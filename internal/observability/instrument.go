package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/kodeforge/agentcore/internal/toolrunner"
)

// ToolObserver implements toolrunner.Observer, recording one metrics sample
// and one child span per tool call regardless of how the call resolved
// (executed, denied, or skipped).
type ToolObserver struct {
	metrics *Metrics
	tracer  *Tracer
}

// NewToolObserver builds a ToolObserver. Either collaborator may be nil to
// disable that half of the instrumentation.
func NewToolObserver(metrics *Metrics, tracer *Tracer) *ToolObserver {
	return &ToolObserver{metrics: metrics, tracer: tracer}
}

type toolSpanKey struct{}

// ToolCallStarted opens the per-call child span and stashes it on the
// returned context so ToolCallFinished can end it.
func (o *ToolObserver) ToolCallStarted(ctx context.Context, call toolrunner.Call) context.Context {
	ctx, span := o.tracer.Start(ctx, ToolSpanName, SpanOptions{Attributes: ToolSpanAttributes(call.Name, "pending")})
	return context.WithValue(ctx, toolSpanKey{}, span)
}

// ToolCallFinished records the tool execution metric and closes the span
// opened by ToolCallStarted, tagging it with the call's final status.
func (o *ToolObserver) ToolCallFinished(ctx context.Context, call toolrunner.Call, status string, duration time.Duration) {
	o.metrics.RecordToolExecution(call.Name, status, duration.Seconds())

	if span, ok := ctx.Value(toolSpanKey{}).(trace.Span); ok {
		span.SetAttributes(ToolSpanAttributes(call.Name, status)...)
		span.End()
	}
}
