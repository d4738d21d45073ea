package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps an OpenTelemetry tracer with the span shapes the runtime
// needs: one span per agent step, one child span per tool execution.
//
// Usage:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName: "agentcore",
//	    Exporter:    exporter, // optional; nil runs spans without export
//	})
//	defer shutdown(context.Background())
//
//	ctx, span := tracer.Start(ctx, "agent.step")
//	defer span.End()
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// TraceConfig configures a Tracer.
type TraceConfig struct {
	// ServiceName identifies this process's spans.
	ServiceName string

	// SampleRatio controls what fraction of traces are recorded, 0.0 to 1.0.
	// Defaults to 1.0.
	SampleRatio float64

	// Exporter receives finished spans. Nil means spans are created and
	// measured but never exported anywhere, which is still useful for
	// in-process span review via a test exporter.
	Exporter sdktrace.SpanExporter

	// Attributes are additional resource attributes attached to every span.
	Attributes map[string]string
}

// SpanOptions configures one span's creation.
type SpanOptions struct {
	Kind       trace.SpanKind
	Attributes []attribute.KeyValue
}

// NewTracer builds a Tracer and returns a shutdown func that flushes and
// stops the underlying provider. Call shutdown on process exit.
func NewTracer(cfg TraceConfig) (*Tracer, func(context.Context) error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "agentcore"
	}
	if cfg.SampleRatio == 0 {
		cfg.SampleRatio = 1.0
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRatio >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRatio <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	}

	attrs := []attribute.KeyValue{attribute.String("service.name", cfg.ServiceName)}
	for k, v := range cfg.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	res := resource.NewSchemaless(attrs...)

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	}
	if cfg.Exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(cfg.Exporter))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(cfg.ServiceName),
	}, provider.Shutdown
}

// Start opens a span and returns the context carrying it. Nil-safe: a nil
// *Tracer returns ctx unchanged with a no-op span, so callers can accept an
// optional Tracer without branching on it being configured.
func (t *Tracer) Start(ctx context.Context, name string, opts ...SpanOptions) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	var startOpts []trace.SpanStartOption
	if len(opts) > 0 {
		if opts[0].Kind != 0 {
			startOpts = append(startOpts, trace.WithSpanKind(opts[0].Kind))
		}
		if len(opts[0].Attributes) > 0 {
			startOpts = append(startOpts, trace.WithAttributes(opts[0].Attributes...))
		}
	}
	return t.tracer.Start(ctx, name, startOpts...)
}

// RecordError records err on span and marks the span as errored. No-op if
// err is nil.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// StepSpanName and ToolSpanName name the two span kinds the agent step loop
// opens, kept as constants so callers and tests agree on them.
const (
	StepSpanName = "agent.step"
	ToolSpanName = "agent.tool"
)

// ToolSpanAttributes builds the attribute set a tool execution span carries:
// the tool's name and its outcome once known.
func ToolSpanAttributes(toolName, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("tool.name", toolName),
		attribute.String("tool.status", status),
	}
}
