package observability

import (
	"context"

	"orchard/internal/domain/task"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var propagator = propagation.TraceContext{}

// Tracer returns the shared tracer for scheduling spans.
func Tracer() trace.Tracer {
	return otel.Tracer("orchard")
}

// StartSpan opens a span on the shared tracer.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// InjectTraceContext writes the current span context into a task input under
// the reserved key, so subtasks resume the submitting trace.
func InjectTraceContext(ctx context.Context, input map[string]any) {
	if input == nil {
		return
	}
	carrier := propagation.MapCarrier{}
	propagator.Inject(ctx, carrier)
	if len(carrier) == 0 {
		return
	}
	tc := make(map[string]any, len(carrier))
	for k, v := range carrier {
		tc[k] = v
	}
	input[task.TraceContextKey] = tc
}

// ExtractTraceContext resumes the trace carried in a task input, if any.
func ExtractTraceContext(ctx context.Context, input map[string]any) context.Context {
	raw, ok := input[task.TraceContextKey].(map[string]any)
	if !ok {
		return ctx
	}
	carrier := propagation.MapCarrier{}
	for k, v := range raw {
		if s, ok := v.(string); ok {
			carrier[k] = s
		}
	}
	return propagator.Extract(ctx, carrier)
}

// TraceIDFrom returns the hex trace id of the span in ctx, or empty when none
// is recording.
func TraceIDFrom(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
