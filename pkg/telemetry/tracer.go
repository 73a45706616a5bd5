package telemetry

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const serviceName = "sdburn"

var (
	tracerMu       sync.Mutex
	tracerProvider *sdktrace.TracerProvider
)

// InitTracing installs a stdout span exporter writing to w. Spans are
// batched, so callers must ShutdownTracing before exit to flush them.
// When InitTracing is never called, StartPhaseSpan uses the global no-op
// tracer and costs nothing.
func InitTracing(w io.Writer, version string) error {
	exporter, err := stdouttrace.New(
		stdouttrace.WithWriter(w),
		stdouttrace.WithPrettyPrint(),
	)
	if err != nil {
		return fmt.Errorf("create stdout trace exporter: %w", err)
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return fmt.Errorf("create trace resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	tracerMu.Lock()
	tracerProvider = provider
	tracerMu.Unlock()

	otel.SetTracerProvider(provider)
	return nil
}

// ShutdownTracing flushes and stops the tracer provider, if one was installed.
func ShutdownTracing(ctx context.Context) error {
	tracerMu.Lock()
	provider := tracerProvider
	tracerProvider = nil
	tracerMu.Unlock()

	if provider == nil {
		return nil
	}
	return provider.Shutdown(ctx)
}

// StartPhaseSpan opens a span for a flash phase and returns the function
// that ends it. Pass the phase error (or nil) so the span records the
// outcome.
func StartPhaseSpan(ctx context.Context, phase string) func(error) {
	_, span := otel.Tracer(serviceName).Start(ctx, "flash.phase",
		trace.WithAttributes(attribute.String("phase", phase)),
	)
	return func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}
