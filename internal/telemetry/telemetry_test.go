package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/stepflow/config"
)

// keepGlobals restores the otel globals after the test.
func keepGlobals(t *testing.T) {
	t.Helper()
	tp := otel.GetTracerProvider()
	mp := otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
	})
}

func enabledConfig(rate float64) config.TelemetryConfig {
	return config.TelemetryConfig{
		Enabled:      true,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "stepflow-test",
		SampleRate:   rate,
	}
}

func TestInit_Disabled(t *testing.T) {
	keepGlobals(t)

	p, err := Init(config.TelemetryConfig{Enabled: false}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, p)

	assert.Nil(t, p.tp)
	assert.Nil(t, p.mp)
	assert.False(t, p.Enabled())
	assert.NotNil(t, p.Tracer("stepflow/test"))
	assert.NoError(t, p.ForceFlush(context.Background()))
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInit_NilLogger(t *testing.T) {
	p, err := Init(config.TelemetryConfig{}, nil)
	require.NoError(t, err)
	assert.False(t, p.Enabled())
}

func TestInit_InMemoryExporter(t *testing.T) {
	keepGlobals(t)

	exp := tracetest.NewInMemoryExporter()
	reader := sdkmetric.NewManualReader()
	p, err := Init(enabledConfig(1), zaptest.NewLogger(t),
		WithSpanExporter(exp), WithMetricReader(reader), WithoutGlobal())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	require.True(t, p.Enabled())
	_, isSDK := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	assert.False(t, isSDK, "WithoutGlobal must not touch the global provider")

	ctx, run := p.Tracer("stepflow/test").Start(context.Background(), "agent.run")
	_, step := p.Tracer("stepflow/test").Start(ctx, "workflow.step")
	step.End()
	run.End()
	require.NoError(t, p.ForceFlush(context.Background()))

	spans := exp.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "workflow.step", spans[0].Name)
	assert.Equal(t, "agent.run", spans[1].Name)
	assert.Equal(t, spans[1].SpanContext.SpanID(), spans[0].Parent.SpanID())

	attrs := spans[1].Resource.Attributes()
	var service string
	var hasInstance bool
	for _, kv := range attrs {
		switch kv.Key {
		case semconv.ServiceNameKey:
			service = kv.Value.AsString()
		case semconv.ServiceInstanceIDKey:
			hasInstance = kv.Value.AsString() != ""
		}
	}
	assert.Equal(t, "stepflow-test", service)
	assert.True(t, hasInstance)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	assert.NotNil(t, rm.Resource)
}

func TestInit_SetsGlobals(t *testing.T) {
	keepGlobals(t)

	p, err := Init(enabledConfig(0.5), zaptest.NewLogger(t),
		WithSpanExporter(tracetest.NewInMemoryExporter()),
		WithMetricReader(sdkmetric.NewManualReader()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	_, tpIsSDK := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	_, mpIsSDK := otel.GetMeterProvider().(*sdkmetric.MeterProvider)
	assert.True(t, tpIsSDK)
	assert.True(t, mpIsSDK)
}

func TestInit_OTLPExporters(t *testing.T) {
	keepGlobals(t)

	// The gRPC exporters connect lazily, so Init succeeds without a collector.
	p, err := Init(enabledConfig(1), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, p.tp)
	require.NotNil(t, p.mp)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NotPanics(t, func() { _ = p.Shutdown(ctx) })
}

func TestProviders_NilReceiver(t *testing.T) {
	var p *Providers
	assert.False(t, p.Enabled())
	assert.NotNil(t, p.Tracer("stepflow/test"))
	assert.NoError(t, p.ForceFlush(context.Background()))
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestServiceName(t *testing.T) {
	assert.Equal(t, "stepflow", serviceName(config.TelemetryConfig{}))
	assert.Equal(t, "svc", serviceName(config.TelemetryConfig{ServiceName: "svc"}))
}

func TestBuildVersion(t *testing.T) {
	// Test binaries report "(devel)".
	assert.Equal(t, "dev", buildVersion())
}

func TestSampler(t *testing.T) {
	tests := []struct {
		name string
		rate float64
		want string
	}{
		{name: "never", rate: 0, want: "AlwaysOffSampler"},
		{name: "negative", rate: -1, want: "AlwaysOffSampler"},
		{name: "always", rate: 1, want: "AlwaysOnSampler"},
		{name: "above one", rate: 2, want: "AlwaysOnSampler"},
		{name: "ratio", rate: 0.25, want: "TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, sampler(tt.rate).Description(), tt.want)
		})
	}
}
