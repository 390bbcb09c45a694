package tracing

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/contrib/propagators/aws/xray"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Name is the instrumentation scope of every span the archiver starts.
const Name = "github.com/baldanca/sqs-archiver"

const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// LambdaTraceEnv carries the X-Ray trace header of the current invocation.
const LambdaTraceEnv = "_X_AMZN_TRACE_ID"

type Config struct {
	// Exporter is "none", "stdout" or "otlp".
	Exporter string
	// Endpoint is the OTLP/HTTP traces URL, e.g. http://localhost:4318/v1/traces.
	// Empty falls back to the OTEL_EXPORTER_OTLP_* environment.
	Endpoint string
	// SampleRatio applies to root spans; sampled parents are always followed.
	SampleRatio float64

	ServiceName string
	Version     string
}

// Provider owns the SDK tracer provider. A nil *Provider is a no-op.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// Setup installs the global tracer provider and the X-Ray + W3C propagators.
// With the "none" exporter only the propagators are installed and spans are
// not recorded.
func Setup(ctx context.Context, cfg Config, w io.Writer) (*Provider, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		xray.Propagator{},
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	var (
		exp sdktrace.SpanExporter
		err error
	)
	switch strings.ToLower(cfg.Exporter) {
	case "", ExporterNone:
		return nil, nil
	case ExporterStdout:
		exp, err = stdouttrace.New(stdouttrace.WithWriter(w))
	case ExporterOTLP:
		var opts []otlptracehttp.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpointURL(cfg.Endpoint))
		}
		exp, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s exporter: %w", cfg.Exporter, err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.Version),
	))
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithIDGenerator(xray.NewIDGenerator()),
	)
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp}, nil
}

// ForceFlush exports finished spans. Lambda freezes the process between
// invocations, so the handler flushes before returning.
func (p *Provider) ForceFlush(ctx context.Context) error {
	if p == nil {
		return nil
	}
	return p.tp.ForceFlush(ctx)
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// TracerProvider returns the provider to hand to instrumented clients, or the
// global one when tracing is off.
func (p *Provider) TracerProvider() trace.TracerProvider {
	if p == nil {
		return otel.GetTracerProvider()
	}
	return p.tp
}

// Tracer returns the archiver's tracer from tp, or from the global provider
// when tp is nil.
func Tracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(Name)
}

// FromLambdaEnv returns ctx carrying the invocation's X-Ray trace as the
// remote parent, when the runtime provided one.
func FromLambdaEnv(ctx context.Context) context.Context {
	header := os.Getenv(LambdaTraceEnv)
	if header == "" {
		return ctx
	}
	carrier := propagation.MapCarrier{"X-Amzn-Trace-Id": header}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
