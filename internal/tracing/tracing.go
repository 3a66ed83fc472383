// Package tracing wraps OpenTelemetry span creation for the bus: one span
// per consumer PollOnce call and one per routed message, the latter tagged
// with the message's trace_id. The bus trace_id is recorded as an
// attribute only, so hops across different queues are separate traces.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Config mirrors config.TracingConfig; kept separate so this package
// doesn't import internal/config.
type Config struct {
	Enabled     bool
	Exporter    string
	Endpoint    string
	ServiceName string
	SampleRate  float64
}

type provider struct {
	tp      *sdktrace.TracerProvider
	tracer  trace.Tracer
	enabled bool
}

var global = &provider{enabled: false, tracer: trace.NewNoopTracerProvider().Tracer("")}

// Init sets up the global tracer provider. Calling with Enabled: false
// (or not calling Init at all) leaves every span a no-op.
func Init(ctx context.Context, cfg Config) error {
	if !cfg.Enabled {
		global = &provider{enabled: false, tracer: trace.NewNoopTracerProvider().Tracer("")}
		return nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return fmt.Errorf("tracing: create resource: %w", err)
	}

	exp, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("tracing: create OTLP exporter: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRate < 1.0 && cfg.SampleRate >= 0 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	global = &provider{tp: tp, tracer: tp.Tracer(cfg.ServiceName), enabled: true}
	return nil
}

// Shutdown flushes and stops the tracer provider, if one was started.
func Shutdown(ctx context.Context) error {
	if global.tp == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return global.tp.Shutdown(ctx)
}

// Enabled reports whether a real (non-noop) tracer provider is active.
func Enabled() bool {
	return global.enabled
}

// StartConsumerSpan starts a span covering one consumer PollOnce call.
func StartConsumerSpan(ctx context.Context, consumer string) (context.Context, trace.Span) {
	return global.tracer.Start(ctx, "bus.consumer.poll",
		trace.WithAttributes(AttrConsumer.String(consumer)),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}

// StartRouteSpan starts a span covering one router.Route call.
func StartRouteSpan(ctx context.Context, queue, traceID string) (context.Context, trace.Span) {
	return global.tracer.Start(ctx, "bus.router.route",
		trace.WithAttributes(AttrQueue.String(queue), AttrTraceID.String(traceID)),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
}

// SetSpanError marks the span as failed and records the error.
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span as successfully completed.
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Attribute keys used across bus spans.
var (
	AttrConsumer  = attribute.Key("agentbus.consumer")
	AttrQueue     = attribute.Key("agentbus.queue")
	AttrTraceID   = attribute.Key("agentbus.trace_id")
	AttrMessageID = attribute.Key("agentbus.message_id")
)
