// Package telemetry sets up OpenTelemetry tracing. When disabled the global
// tracer provider stays a no-op and nothing is exported.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"poseoverlay/internal/config"
)

// Providers holds the SDK tracer provider, nil when telemetry is disabled.
type Providers struct {
	tp *sdktrace.TracerProvider
}

// Init installs an OTLP/gRPC tracer provider as the global one.
func Init(cfg config.TelemetryConfig, logger *zap.Logger) (*Providers, error) {
	if !cfg.Enabled {
		logger.Info("telemetry disabled")
		return &Providers{}, nil
	}

	ctx := context.Background()

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", Version()),
		),
	)
	if nil != err {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if nil != err {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("telemetry initialized",
		zap.String("endpoint", cfg.OTLPEndpoint),
		zap.String("service_name", cfg.ServiceName),
		zap.Float64("sample_rate", cfg.SampleRate),
	)

	return &Providers{tp: tp}, nil
}

// Shutdown flushes pending spans. Safe on disabled providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	if nil == p || nil == p.tp {
		return nil
	}

	var errs []error
	if err := p.tp.ForceFlush(ctx); nil != err {
		errs = append(errs, fmt.Errorf("flush tracer provider: %w", err))
	}
	if err := p.tp.Shutdown(ctx); nil != err {
		errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
	}

	return errors.Join(errs...)
}

// Version reports the module version from the build info, "dev" otherwise.
func Version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}

	if "" != info.Main.Version && "(devel)" != info.Main.Version {
		return info.Main.Version
	}

	return "dev"
}
