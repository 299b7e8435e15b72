package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type failingExporter struct {
	exportCalls int
}

func (f *failingExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error {
	f.exportCalls++
	return errors.New("collector unavailable")
}

func (f *failingExporter) Shutdown(context.Context) error { return nil }

type blockingShutdownExporter struct{}

func (blockingShutdownExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error {
	return nil
}

func (blockingShutdownExporter) Shutdown(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func stubExporter(t *testing.T, exp sdktrace.SpanExporter) {
	t.Helper()
	orig := newOTLPExporter
	t.Cleanup(func() { newOTLPExporter = orig })
	newOTLPExporter = func(context.Context, Config) (sdktrace.SpanExporter, error) {
		return exp, nil
	}
}

func enabledConfig() Config {
	return Config{
		Enabled:    true,
		Exporter:   "otlpgrpc",
		Endpoint:   "localhost:4317",
		Timeout:    time.Second,
		Sampler:    "always_on",
		SampleRate: 1,
	}
}

func TestInitDisabledSkipsExporter(t *testing.T) {
	called := false
	orig := newOTLPExporter
	t.Cleanup(func() { newOTLPExporter = orig })
	newOTLPExporter = func(context.Context, Config) (sdktrace.SpanExporter, error) {
		called = true
		return tracetest.NewInMemoryExporter(), nil
	}

	shutdown, err := Init(context.Background(), Config{}, "cadence", "test")
	require.NoError(t, err)
	assert.False(t, called)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitValidatesConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing exporter", func(c *Config) { c.Exporter = "" }, "exporter cannot be empty"},
		{"unknown exporter", func(c *Config) { c.Exporter = "zipkin" }, "unsupported"},
		{"missing endpoint", func(c *Config) { c.Endpoint = " " }, "endpoint"},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }, "timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := enabledConfig()
			tt.mutate(&cfg)
			_, err := Init(context.Background(), cfg, "cadence", "test")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestInitExportsSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	stubExporter(t, exp)

	shutdown, err := Init(context.Background(), enabledConfig(), "cadence", "test")
	require.NoError(t, err)

	ctx, span := Start(context.Background(), "engine.get_due_items", attribute.String("season", "S1"))
	_, child := Start(ctx, "rehydrate.key")
	End(child, errors.New("store down"))
	End(span, nil)

	require.NoError(t, otel.GetTracerProvider().(*sdktrace.TracerProvider).ForceFlush(context.Background()))
	spans := exp.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "rehydrate.key", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, spans[1].SpanContext.TraceID(), spans[0].Parent.TraceID())
	assert.Contains(t, spans[1].Attributes, attribute.String("season", "S1"))

	require.NoError(t, shutdown(context.Background()))
}

func TestExporterFailureIsReportedNotReturned(t *testing.T) {
	exp := &failingExporter{}
	stubExporter(t, exp)

	origReporter := reportExporterFailure
	t.Cleanup(func() { reportExporterFailure = origReporter })
	reported := 0
	reportExporterFailure = func(err error, kind, endpoint string, spanCount int) {
		reported++
		assert.Error(t, err)
		assert.Equal(t, "otlpgrpc", kind)
		assert.Equal(t, "localhost:4317", endpoint)
		assert.Positive(t, spanCount)
	}

	shutdown, err := Init(context.Background(), enabledConfig(), "cadence", "test")
	require.NoError(t, err)

	_, span := Start(context.Background(), "persist.batch")
	span.End()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, shutdown(ctx))
	assert.Positive(t, exp.exportCalls)
	assert.Positive(t, reported)
}

func TestShutdownIsBounded(t *testing.T) {
	stubExporter(t, blockingShutdownExporter{})

	shutdown, err := Init(context.Background(), enabledConfig(), "cadence", "test")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	assert.Error(t, shutdown(ctx))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestSelectSampler(t *testing.T) {
	assert.Contains(t, selectSampler(Config{Sampler: "always_on"}).Description(), "AlwaysOnSampler")
	assert.Contains(t, selectSampler(Config{Sampler: "ALWAYS_OFF"}).Description(), "AlwaysOffSampler")
	assert.Contains(t, selectSampler(Config{SampleRate: 0.25}).Description(), "ParentBased")
}

func TestNormalizeEndpoint(t *testing.T) {
	assert.Equal(t, "localhost:4317", normalizeEndpoint("localhost:4317"))
	assert.Equal(t, "collector:4317", normalizeEndpoint(" http://collector:4317/v1/traces "))
	assert.Equal(t, "", normalizeEndpoint(""))
}
