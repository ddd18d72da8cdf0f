// =============================================================================
// StepFlow OpenTelemetry SDK Initialization
// =============================================================================
// Run, step, round and call spans are produced by the engine through
// Providers.Tracer. With telemetry disabled no exporter is created and the
// global providers stay noop.
// =============================================================================

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/config"
)

const defaultServiceName = "stepflow"

// Providers holds the SDK tracer and meter providers. Both are nil when
// telemetry is disabled.
type Providers struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// Option customizes Init.
type Option func(*initOptions)

type initOptions struct {
	spanExporter sdktrace.SpanExporter
	metricReader sdkmetric.Reader
	setGlobal    bool
}

// WithSpanExporter replaces the OTLP trace exporter, e.g. with an in-memory
// exporter in tests.
func WithSpanExporter(exp sdktrace.SpanExporter) Option {
	return func(o *initOptions) { o.spanExporter = exp }
}

// WithMetricReader replaces the periodic OTLP metric reader.
func WithMetricReader(r sdkmetric.Reader) Option {
	return func(o *initOptions) { o.metricReader = r }
}

// WithoutGlobal keeps the providers out of the otel globals.
func WithoutGlobal() Option {
	return func(o *initOptions) { o.setGlobal = false }
}

// Init builds the SDK providers described by cfg.
func Init(cfg config.TelemetryConfig, logger *zap.Logger, opts ...Option) (*Providers, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled {
		logger.Info("telemetry disabled, using noop providers")
		return &Providers{}, nil
	}

	o := initOptions{setGlobal: true}
	for _, opt := range opts {
		opt(&o)
	}

	ctx := context.Background()
	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if o.spanExporter == nil {
		o.spanExporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create trace exporter: %w", err)
		}
	}
	if o.metricReader == nil {
		metricExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			_ = o.spanExporter.Shutdown(ctx)
			return nil, fmt.Errorf("create metric exporter: %w", err)
		}
		o.metricReader = sdkmetric.NewPeriodicReader(metricExporter)
	}

	p := &Providers{
		tp: sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(o.spanExporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sampler(cfg.SampleRate)),
		),
		mp: sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(o.metricReader),
			sdkmetric.WithResource(res),
		),
	}

	if o.setGlobal {
		otel.SetTracerProvider(p.tp)
		otel.SetMeterProvider(p.mp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
	}

	logger.Info("telemetry initialized",
		zap.String("endpoint", cfg.OTLPEndpoint),
		zap.String("service_name", serviceName(cfg)),
		zap.Float64("sample_rate", cfg.SampleRate),
		zap.Bool("global", o.setGlobal),
	)
	return p, nil
}

func newResource(ctx context.Context, cfg config.TelemetryConfig) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName(cfg)),
			semconv.ServiceVersionKey.String(buildVersion()),
			semconv.ServiceInstanceIDKey.String(uuid.NewString()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}
	return res, nil
}

func serviceName(cfg config.TelemetryConfig) string {
	if cfg.ServiceName == "" {
		return defaultServiceName
	}
	return cfg.ServiceName
}

// Tracer returns a tracer from the SDK provider, or from the global provider
// when telemetry is disabled.
func (p *Providers) Tracer(name string) trace.Tracer {
	if !p.Enabled() {
		return otel.Tracer(name)
	}
	return p.tp.Tracer(name)
}

// Enabled reports whether SDK providers were created.
func (p *Providers) Enabled() bool {
	return p != nil && p.tp != nil
}

// ForceFlush exports buffered spans, e.g. before a short-lived CLI exits.
func (p *Providers) ForceFlush(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	return p.tp.ForceFlush(ctx)
}

// sampler follows the parent decision and samples root spans at rate,
// clamped to [0, 1].
func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// Shutdown flushes and closes both providers. Nil and noop providers are
// fine.
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.tp != nil {
		if err := p.tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}
	if p.mp != nil {
		if err := p.mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

// buildVersion is the main module version, or "dev" for local builds.
func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" || info.Main.Version == "(devel)" {
		return "dev"
	}
	return info.Main.Version
}
