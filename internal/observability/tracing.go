package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig holds the configuration for initializing the tracer.
type TracingConfig struct {
	Endpoint    string
	SampleRate  float64
	ServiceName string
	Insecure    bool
}

// InitTracer sets up an OpenTelemetry TracerProvider with an OTLP HTTP
// exporter. It returns a shutdown function that should be deferred.
func InitTracer(ctx context.Context, cfg TracingConfig) (func(context.Context) error, error) {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

// Tracer is the tracer used for spans across the delivery pipeline:
// queue.enqueue and relay.attempt. Components
// take it as a dependency rather than calling otel.Tracer directly so tests
// can run with the no-op global tracer without any setup.
var Tracer = otel.Tracer("github.com/slimta/slimta-go")

// StartDeliveryAttempt opens a span covering a single relay attempt against
// one envelope, tagging it with the fields an operator needs to correlate a
// trace with a queue entry: envelope id and recipient count.
func StartDeliveryAttempt(ctx context.Context, envelopeID string, recipients int, attempt int) (context.Context, trace.Span) {
	return Tracer.Start(ctx, "relay.attempt",
		trace.WithAttributes(
			attribute.String("envelope.id", envelopeID),
			attribute.Int("envelope.recipients", recipients),
			attribute.Int("relay.attempt_count", attempt),
		),
	)
}

// StartEnqueue opens a span tagged with the storage id of one envelope as it
// enters a Queue. Queue.Enqueue opens it once the envelope is stored and
// ends it at once, so it does not cover policy application or storage.
func StartEnqueue(ctx context.Context, envelopeID string) (context.Context, trace.Span) {
	return Tracer.Start(ctx, "queue.enqueue",
		trace.WithAttributes(attribute.String("envelope.id", envelopeID)),
	)
}
