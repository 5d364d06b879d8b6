// Package observability provides OpenTelemetry tracing, Prometheus metrics
// and execution-trace snapshots for probe runs.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/justjake/pgprobe/pkg/config"
)

// Version is reported as the service version. Overridden at link time with
// -ldflags "-X github.com/justjake/pgprobe/pkg/observability.Version=...".
var Version = "dev"

// TracerName is the instrumentation scope of pgprobe spans.
const TracerName = "github.com/justjake/pgprobe"

// Span attribute keys.
const (
	AttrProbe      = "pgprobe.probe"
	AttrIterations = "pgprobe.iterations"
	AttrRunID      = "pgprobe.run_id"
	AttrBackend    = "pgprobe.backend"
	AttrIteration  = "pgprobe.iteration"
	AttrAverage    = "pgprobe.average_seconds"
	AttrSlowest    = "pgprobe.slowest_seconds"
)

// TracerProvider owns the SDK provider built from an OpenTelemetryConfig.
// A nil *TracerProvider hands out the global (normally no-op) tracer.
type TracerProvider struct {
	provider    *sdktrace.TracerProvider
	sampleSpans bool
}

type tracerOptions struct {
	exporter sdktrace.SpanExporter
	global   bool
}

// TracerOption customizes NewTracerProvider.
type TracerOption func(*tracerOptions)

// WithSpanExporter replaces the OTLP exporter, typically with an in-memory
// one in tests. Spans are exported synchronously.
func WithSpanExporter(exp sdktrace.SpanExporter) TracerOption {
	return func(o *tracerOptions) { o.exporter = exp }
}

// WithoutGlobal leaves the global provider and propagator untouched.
func WithoutGlobal() TracerOption {
	return func(o *tracerOptions) { o.global = false }
}

// NewTracerProvider returns nil when cfg is nil or tracing is disabled.
// Otherwise the provider is installed globally along with the W3C trace
// context and baggage propagators.
func NewTracerProvider(ctx context.Context, cfg *config.OpenTelemetryConfig, opts ...TracerOption) (*TracerProvider, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	o := tracerOptions{global: true}
	for _, opt := range opts {
		opt(&o)
	}

	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}
	spOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg.GetSamplingRate())),
	}
	if o.exporter != nil {
		spOpts = append(spOpts, sdktrace.WithSyncer(o.exporter))
	} else {
		exp, err := newExporter(ctx, cfg)
		if err != nil {
			return nil, err
		}
		spOpts = append(spOpts, sdktrace.WithBatcher(exp))
	}

	provider := sdktrace.NewTracerProvider(spOpts...)
	if o.global {
		otel.SetTracerProvider(provider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
	}
	return &TracerProvider{provider: provider, sampleSpans: cfg.SampleSpans}, nil
}

func newExporter(ctx context.Context, cfg *config.OpenTelemetryConfig) (sdktrace.SpanExporter, error) {
	var (
		exp sdktrace.SpanExporter
		err error
	)
	switch proto := cfg.GetOTLPProtocol(); proto {
	case "grpc":
		var opts []otlptracegrpc.Option
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		exp, err = otlptracegrpc.New(ctx, opts...)
	case "http":
		var opts []otlptracehttp.Option
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		exp, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol: %s", proto)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}
	return exp, nil
}

func newResource(cfg *config.OpenTelemetryConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.GetServiceName()),
		semconv.ServiceVersion(Version),
	}
	for k, v := range cfg.ExtraAttributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// newSampler honors the parent's decision so a probe run started under a
// traced API request is kept or dropped with it.
func newSampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case rate <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

func (tp *TracerProvider) Tracer(name string) trace.Tracer {
	if !tp.Enabled() {
		return otel.Tracer(name)
	}
	return tp.provider.Tracer(name)
}

// Shutdown flushes pending spans.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if !tp.Enabled() {
		return nil
	}
	return tp.provider.Shutdown(ctx)
}

// SampleSpans reports whether each timed invocation gets its own span.
func (tp *TracerProvider) SampleSpans() bool {
	return tp != nil && tp.sampleSpans
}

func (tp *TracerProvider) Enabled() bool {
	return tp != nil && tp.provider != nil
}

// RunSpan is the span around one probe run.
type RunSpan struct {
	trace.Span
}

// StartRun opens a "probe.run" span. backend may be empty when the run has
// no store.
func StartRun(ctx context.Context, tracer trace.Tracer, probe, runID, backend string, iterations int) (context.Context, RunSpan) {
	attrs := []attribute.KeyValue{
		attribute.String(AttrProbe, probe),
		attribute.String(AttrRunID, runID),
		attribute.Int(AttrIterations, iterations),
	}
	if backend != "" {
		attrs = append(attrs, attribute.String(AttrBackend, backend))
	}
	ctx, span := tracer.Start(ctx, "probe.run", trace.WithAttributes(attrs...))
	return ctx, RunSpan{span}
}

// Fail marks the run failed and ends the span.
func (s RunSpan) Fail(err error) {
	s.RecordError(err)
	s.SetStatus(codes.Error, err.Error())
	s.End()
}

// Finish records the trimmed average and the slowest sample and ends the span.
func (s RunSpan) Finish(average, slowest time.Duration) {
	s.SetAttributes(
		attribute.Float64(AttrAverage, average.Seconds()),
		attribute.Float64(AttrSlowest, slowest.Seconds()),
	)
	s.End()
}

// RecordSample emits a child "probe.sample" span covering the sample that
// just ended.
func RecordSample(ctx context.Context, tracer trace.Tracer, iteration int, sample time.Duration) {
	end := time.Now()
	_, span := tracer.Start(ctx, "probe.sample",
		trace.WithTimestamp(end.Add(-sample)),
		trace.WithAttributes(attribute.Int(AttrIteration, iteration)))
	span.End(trace.WithTimestamp(end))
}
