// Package telemetry provides optional OpenTelemetry tracing for hook runs.
// Tracing is a noop unless OTEL_EXPORTER_OTLP_ENDPOINT is set or debug
// stdout tracing is requested, so certbot invocations stay lightweight.
package telemetry

import (
	"context"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	tracer         trace.Tracer
	tracerProvider *sdktrace.TracerProvider
	initOnce       sync.Once
)

// Config holds telemetry configuration.
type Config struct {
	// ServiceName identifies this binary in traces.
	ServiceName string
	// ServiceVersion is the binary's version string.
	ServiceVersion string
	// OTLPEndpoint is the OTLP collector endpoint (e.g. localhost:4317).
	OTLPEndpoint string
	// Debug switches to a pretty-printed stdout exporter.
	Debug bool
}

// DefaultConfig reads the telemetry configuration from the environment.
func DefaultConfig(version string) Config {
	return Config{
		ServiceName:    "acme-dns-hook",
		ServiceVersion: version,
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Debug:          os.Getenv("ACMEDNS_TRACE_DEBUG") == "1",
	}
}

// Init initializes tracing. Safe to call more than once; only the first
// call takes effect.
func Init(cfg Config) error {
	var err error
	initOnce.Do(func() {
		err = initTracer(cfg)
	})
	return err
}

func initTracer(cfg Config) error {
	if cfg.OTLPEndpoint == "" && !cfg.Debug {
		tracer = noop.NewTracerProvider().Tracer(cfg.ServiceName)
		return nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var exporter sdktrace.SpanExporter
	if cfg.Debug {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return err
		}
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		client := otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		exporter, err = otlptrace.New(ctx, client)
		if err != nil {
			return err
		}
	}

	tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tracerProvider)
	tracer = tracerProvider.Tracer(cfg.ServiceName)
	return nil
}

// StartSpan starts a span on the hook's tracer. Callers must call End on
// the returned span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("acme-dns-hook")
	}
	ctx, span := tracer.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// Shutdown flushes pending spans. A noop when tracing is disabled.
func Shutdown(ctx context.Context) error {
	if tracerProvider == nil {
		return nil
	}
	return tracerProvider.Shutdown(ctx)
}
