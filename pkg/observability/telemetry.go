// Package observability provides OpenTelemetry tracing and metrics for the
// ledger, the indexer and the query service.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// InstrumentationName names the tracer and meter of this module.
const InstrumentationName = "github.com/plaenen/counterledger"

// Config configures the observability stack
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// TraceExporter receives finished spans. Nil disables tracing.
	TraceExporter sdktrace.SpanExporter
	// TraceSampleRate is between 0.0 and 1.0.
	TraceSampleRate float64
	// SyncExport exports every span as it ends instead of batching.
	SyncExport bool

	// MetricReader collects metrics. Nil disables metrics.
	MetricReader sdkmetric.Reader

	Logger *slog.Logger
}

// Telemetry manages the observability stack
type Telemetry struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Metrics        *Metrics
	Logger         *slog.Logger

	shutdown []func(context.Context) error
}

// Disabled returns a Telemetry whose tracer and metrics record nothing.
func Disabled() *Telemetry {
	return &Telemetry{
		TracerProvider: noop.NewTracerProvider(),
		Logger:         slog.Default(),
	}
}

// Init initializes OpenTelemetry. Missing exporters degrade to no-ops, so the
// returned Telemetry is always usable.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tel := &Telemetry{
		TracerProvider: noop.NewTracerProvider(),
		Logger:         cfg.Logger,
	}

	if cfg.TraceExporter != nil {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			spanProcessor(cfg),
			sdktrace.WithSampler(sampler(cfg.TraceSampleRate)),
		)
		tel.TracerProvider = tp
		tel.shutdown = append(tel.shutdown, tp.Shutdown)
		otel.SetTracerProvider(tp)
		cfg.Logger.Info("tracing initialized", "service", cfg.ServiceName, "sample_rate", cfg.TraceSampleRate)
	} else {
		cfg.Logger.Debug("tracing disabled (no exporter configured)")
	}

	if cfg.MetricReader != nil {
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(cfg.MetricReader),
		)
		metrics, err := NewMetrics(mp.Meter(InstrumentationName))
		if err != nil {
			cfg.Logger.Warn("metrics setup failed, continuing without metrics", "error", err)
		} else {
			tel.MeterProvider = mp
			tel.Metrics = metrics
			tel.shutdown = append(tel.shutdown, mp.Shutdown)
			otel.SetMeterProvider(mp)
			cfg.Logger.Info("metrics initialized", "service", cfg.ServiceName)
		}
	} else {
		cfg.Logger.Debug("metrics disabled (no reader configured)")
	}

	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return tel, nil
}

func spanProcessor(cfg Config) sdktrace.TracerProviderOption {
	if cfg.SyncExport {
		return sdktrace.WithSyncer(cfg.TraceExporter)
	}
	return sdktrace.WithBatcher(cfg.TraceExporter)
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0:
		return sdktrace.NeverSample()
	case rate >= 1:
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// Shutdown flushes and stops the exporters
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if len(t.shutdown) == 0 {
		return nil
	}
	t.Logger.Info("shutting down observability")
	var errs []error
	for _, fn := range t.shutdown {
		errs = append(errs, fn(ctx))
	}
	return errors.Join(errs...)
}

// Tracer returns the module tracer
func (t *Telemetry) Tracer() trace.Tracer {
	return t.TracerProvider.Tracer(InstrumentationName)
}
