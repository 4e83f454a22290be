package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/pravado/playbook/run"
)

// meterName is the instrumentation scope name for playbook metrics.
const meterName = "github.com/pravado/playbook"

// Metrics returns middleware that records per-step execution metrics
// using the global OTel MeterProvider. If no MeterProvider is
// configured, noop instruments are used and this middleware becomes a
// pass-through.
//
// Instruments:
//   - playbook.step.duration (Float64Histogram): execution time in
//     seconds, with attributes: step_key, step_type, status
//   - playbook.step.executions (Int64Counter): total attempts, with
//     attributes: step_key, step_type, status
func Metrics() Middleware {
	meter := otel.Meter(meterName)
	return MetricsWithMeter(meter)
}

// MetricsWithMeter returns metrics middleware using the provided meter.
// This variant allows injecting a specific MeterProvider for testing.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// OTel returns noop instruments on error, so the middleware
	// degrades gracefully.
	duration, dErr := meter.Float64Histogram(
		"playbook.step.duration",
		metric.WithDescription("Duration of step execution in seconds"),
		metric.WithUnit("s"),
	)
	_ = dErr

	executions, eErr := meter.Int64Counter(
		"playbook.step.executions",
		metric.WithDescription("Total number of step execution attempts"),
		metric.WithUnit("{execution}"),
	)
	_ = eErr

	return func(ctx context.Context, s *run.StepRun, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		if err != nil {
			status = "error"
		}

		attrs := metric.WithAttributes(
			attribute.String("step_key", s.Key),
			attribute.String("step_type", string(s.Type)),
			attribute.String("status", status),
		)

		duration.Record(ctx, elapsed, attrs)
		executions.Add(ctx, 1, attrs)

		return err
	}
}
