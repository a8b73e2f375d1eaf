// Package tracing provides the shared OTel tracer.
//
// Spans are exported only after Init is called with a non-empty endpoint.
// Otherwise a no-op tracer is used.
package tracing

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	mu          sync.RWMutex
	provider    trace.TracerProvider = noop.NewTracerProvider()
	sdkProvider *sdktrace.TracerProvider
)

// Init installs an OTLP/HTTP exporter for endpoint. An empty endpoint keeps the no-op tracer.
func Init(ctx context.Context, endpoint, serviceName string) error {
	if endpoint == "" {
		return nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpointHost(endpoint)),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return err
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		res = resource.Default()
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	mu.Lock()
	sdkProvider = tp
	provider = tp
	mu.Unlock()
	otel.SetTracerProvider(tp)
	return nil
}

func endpointHost(endpoint string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(endpoint, prefix) {
			return endpoint[len(prefix):]
		}
	}
	return endpoint
}

// Tracer returns a named tracer.
func Tracer(name string) trace.Tracer {
	mu.RLock()
	defer mu.RUnlock()
	return provider.Tracer(name)
}

// Start opens a span on the named tracer with string attributes given as key/value pairs.
func Start(ctx context.Context, tracer, span string, kv ...string) (context.Context, trace.Span) {
	attrs := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		attrs = append(attrs, attribute.String(kv[i], kv[i+1]))
	}
	return Tracer(tracer).Start(ctx, span, trace.WithAttributes(attrs...))
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Shutdown flushes pending spans.
func Shutdown(ctx context.Context) error {
	mu.RLock()
	tp := sdkProvider
	mu.RUnlock()
	if tp != nil {
		return tp.Shutdown(ctx)
	}
	return nil
}
