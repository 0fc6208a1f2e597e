// Package tracing wires OpenTelemetry spans around ledger, ingestion and payout
// operations. Until Init runs with tracing enabled every span is a no-op.
package tracing

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "loyalty-ledger"

// Span attribute keys shared by every instrumented package.
const (
	MerchantKey   = attribute.Key("loyalty.merchant_id")
	AccountKey    = attribute.Key("loyalty.account_id")
	ClaimKey      = attribute.Key("loyalty.claim_id")
	ChannelKey    = attribute.Key("loyalty.channel")
	SourceKey     = attribute.Key("loyalty.external_source")
	ExternalIDKey = attribute.Key("loyalty.external_id")
	EventKindKey  = attribute.Key("loyalty.event_kind")
	TxnTypeKey    = attribute.Key("loyalty.txn_type")
	PointsKey     = attribute.Key("loyalty.points")
	OutcomeKey    = attribute.Key("loyalty.outcome")
)

// Config holds tracing configuration.
type Config struct {
	Enabled     bool
	Endpoint    string // Jaeger collector, e.g. http://localhost:14268/api/traces
	ServiceName string
	Environment string
	// SampleRatio is the fraction of root spans kept. Zero or less keeps all.
	SampleRatio float64
}

var (
	mu       sync.Mutex
	provider *tracesdk.TracerProvider
)

// Init installs a Jaeger-backed tracer provider as the global one. With
// tracing disabled it leaves otel's no-op provider in place.
func Init(cfg Config) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = instrumentationName
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.Endpoint)))
	if err != nil {
		return fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	sampler := tracesdk.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = tracesdk.TraceIDRatioBased(cfg.SampleRatio)
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.ParentBased(sampler)),
	)

	mu.Lock()
	provider = tp
	mu.Unlock()

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

// Start opens an internal span named after the operation.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Shutdown flushes buffered spans. It is a no-op when Init never enabled
// tracing.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	tp := provider
	provider = nil
	mu.Unlock()
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}
