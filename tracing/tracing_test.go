package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Setup replaces the global provider and propagator.
func keepGlobals(t *testing.T) {
	t.Helper()
	prop := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(noop.NewTracerProvider())
		otel.SetTextMapPropagator(prop)
	})
}

func TestSetup_NoneRecordsNothing(t *testing.T) {
	keepGlobals(t)

	p, err := Setup(context.Background(), Config{Exporter: ExporterNone}, nil)
	require.NoError(t, err)
	assert.Nil(t, p)

	// a nil provider is usable
	assert.NoError(t, p.ForceFlush(context.Background()))
	assert.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, otel.GetTracerProvider(), p.TracerProvider())
}

func TestSetup_StdoutExportsOnFlush(t *testing.T) {
	keepGlobals(t)

	var buf bytes.Buffer
	p, err := Setup(context.Background(), Config{
		Exporter:    ExporterStdout,
		SampleRatio: 1,
		ServiceName: "sqs-archiver",
		Version:     "test",
	}, &buf)
	require.NoError(t, err)
	require.NotNil(t, p)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	_, span := Tracer(nil).Start(context.Background(), "archiver.write")
	assert.True(t, span.SpanContext().IsSampled())
	span.End()

	require.NoError(t, p.ForceFlush(context.Background()))
	assert.Contains(t, buf.String(), `"Name":"archiver.write"`)
	assert.Contains(t, buf.String(), "sqs-archiver")
}

func TestSetup_ZeroRatioDropsRootSpans(t *testing.T) {
	keepGlobals(t)

	var buf bytes.Buffer
	p, err := Setup(context.Background(), Config{Exporter: ExporterStdout, SampleRatio: 0}, &buf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	_, span := Tracer(p.TracerProvider()).Start(context.Background(), "dropped")
	assert.False(t, span.SpanContext().IsSampled())
	span.End()
}

func TestSetup_UnknownExporter(t *testing.T) {
	keepGlobals(t)

	_, err := Setup(context.Background(), Config{Exporter: "jaeger"}, nil)
	assert.ErrorContains(t, err, "jaeger")
}

func TestFromLambdaEnv(t *testing.T) {
	keepGlobals(t)
	_, err := Setup(context.Background(), Config{Exporter: ExporterNone}, nil)
	require.NoError(t, err)

	t.Run("no header", func(t *testing.T) {
		t.Setenv(LambdaTraceEnv, "")
		ctx := FromLambdaEnv(context.Background())
		assert.False(t, trace.SpanContextFromContext(ctx).IsValid())
	})

	t.Run("x-ray header", func(t *testing.T) {
		t.Setenv(LambdaTraceEnv, "Root=1-5759e988-bd862e3fe1be46a994272793;Parent=53995c3f42cd8ad8;Sampled=1")
		sc := trace.SpanContextFromContext(FromLambdaEnv(context.Background()))
		require.True(t, sc.IsValid())
		assert.True(t, sc.IsRemote())
		assert.True(t, sc.IsSampled())
		assert.Equal(t, "5759e988bd862e3fe1be46a994272793", sc.TraceID().String())
		assert.Equal(t, "53995c3f42cd8ad8", sc.SpanID().String())
	})
}
