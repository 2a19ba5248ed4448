package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "lab-sandbox"

// Tracer wraps OpenTelemetry tracing for the lab service.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context. A nil
// Tracer falls back to the global provider.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tr := otel.Tracer(tracerName)
	if t != nil && t.tracer != nil {
		tr = t.tracer
	}
	return tr.Start(ctx, fmt.Sprintf("lab.%s", name), trace.WithAttributes(attrs...))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// Common attribute keys for lab tracing.
var (
	AttrInstanceID = attribute.Key("lab.instance.id")
	AttrTemplateID = attribute.Key("lab.template.id")
	AttrOwnerID    = attribute.Key("lab.owner.id")
	AttrKind       = attribute.Key("lab.kind")
	AttrRole       = attribute.Key("lab.role")
	AttrExecID     = attribute.Key("lab.execution.id")
	AttrLanguage   = attribute.Key("lab.language")
	AttrExitCode   = attribute.Key("lab.exit_code")
	AttrDurationMS = attribute.Key("lab.duration_ms")
)
