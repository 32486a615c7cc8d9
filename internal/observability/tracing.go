package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerName is the instrumentation scope for every span the router emits.
const TracerName = "polyroute"

const shutdownTimeout = 5 * time.Second

// TracingConfig controls OTLP trace export.
type TracingConfig struct {
	Enabled        bool
	Endpoint       string // OTLP gRPC endpoint, host:port
	ServiceName    string
	ServiceVersion string
	SampleRate     float64 // 0 disables sampling, 1 samples everything
	Insecure       bool
}

// TracerProvider owns the exporter lifecycle. When tracing is disabled it
// wraps a no-op tracer so callers never branch.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// Tracer returns the router's tracer.
func (tp *TracerProvider) Tracer() trace.Tracer { return tp.tracer }

// Shutdown flushes pending spans. Safe on a disabled provider.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp == nil || tp.provider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return tp.provider.Shutdown(ctx)
}

// InitTracing wires the OTLP gRPC exporter and installs the global tracer
// provider and W3C propagators. With Enabled false it returns a provider
// backed by a no-op tracer and touches no globals.
func InitTracing(ctx context.Context, cfg TracingConfig) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{tracer: noop.NewTracerProvider().Tracer(TracerName)}, nil
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("tracing: endpoint required when enabled")
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = TracerName
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(serviceName)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(samplerFor(cfg.SampleRate))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{provider: provider, tracer: provider.Tracer(TracerName)}, nil
}

func samplerFor(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0:
		return sdktrace.NeverSample()
	case rate >= 1:
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// StartRouteSpan opens the request-level span covering the full routing
// walk, failover included.
func StartRouteSpan(ctx context.Context, tracer trace.Tracer, model, policy string, chainDepth int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "router.route", trace.WithAttributes(
		attribute.String("gen_ai.request.model", model),
		attribute.String("route.policy", policy),
		attribute.Int("route.chain_depth", chainDepth),
	))
}

// EndRouteSpan records the terminal result on the span and closes it.
func EndRouteSpan(span trace.Span, provider string, attempts int, err error) {
	if provider != "" {
		span.SetAttributes(attribute.String("gen_ai.system", provider))
	}
	span.SetAttributes(attribute.Int("route.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
