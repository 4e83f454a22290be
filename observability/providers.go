// Package observability builds the OpenTelemetry SDK providers the
// engine's tracing and metrics middleware plug into. Providers here
// record in process; exporters are attached by the embedding
// application when it wants spans and metrics shipped somewhere.
package observability

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Providers bundles the tracer and meter providers for one process.
type Providers struct {
	Tracer *sdktrace.TracerProvider
	Meter  *sdkmetric.MeterProvider
	reader *sdkmetric.ManualReader
}

// Option configures provider construction.
type Option func(*options)

type options struct {
	attrs         []attribute.KeyValue
	spanProcessor sdktrace.SpanProcessor
}

// WithAttributes adds resource attributes beyond the service name.
func WithAttributes(attrs ...attribute.KeyValue) Option {
	return func(o *options) { o.attrs = append(o.attrs, attrs...) }
}

// WithSpanProcessor attaches a span processor, typically wrapping an
// exporter.
func WithSpanProcessor(sp sdktrace.SpanProcessor) Option {
	return func(o *options) { o.spanProcessor = sp }
}

// New builds providers identified by serviceName.
func New(serviceName string, opts ...Option) *Providers {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	attrs := append([]attribute.KeyValue{
		attribute.String("service.name", serviceName),
	}, o.attrs...)
	res := resource.NewSchemaless(attrs...)

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if o.spanProcessor != nil {
		traceOpts = append(traceOpts, sdktrace.WithSpanProcessor(o.spanProcessor))
	}

	reader := sdkmetric.NewManualReader()
	return &Providers{
		Tracer: sdktrace.NewTracerProvider(traceOpts...),
		Meter: sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(reader),
		),
		reader: reader,
	}
}

// Reader exposes the manual metric reader for on-demand collection,
// e.g. a diagnostics endpoint.
func (p *Providers) Reader() *sdkmetric.ManualReader { return p.reader }

// Shutdown flushes and stops both providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	var errs []error
	if err := p.Tracer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
	}
	if err := p.Meter.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
	}
	return errors.Join(errs...)
}
