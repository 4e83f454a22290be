package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pravado/playbook/run"
)

// tracerName is the instrumentation scope name for playbook tracing.
const tracerName = "github.com/pravado/playbook"

// Tracing returns middleware that wraps step execution in an
// OpenTelemetry span. If no TracerProvider is configured globally, the
// default noop tracer is used and this middleware becomes a
// pass-through with zero overhead.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided
// tracer. This variant allows injecting a specific TracerProvider for
// testing or when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, s *run.StepRun, next Handler) error {
		ctx, span := tracer.Start(ctx, "playbook.step.execute",
			trace.WithAttributes(
				attribute.String("playbook.run.id", s.RunID.String()),
				attribute.String("playbook.step.key", s.Key),
				attribute.String("playbook.step.type", string(s.Type)),
				attribute.Int("playbook.step.attempt", s.Attempt),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
