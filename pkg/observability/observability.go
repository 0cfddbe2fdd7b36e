// Package observability wires OpenTelemetry tracing and metrics for the
// daemon: OTLP gRPC export, RED metrics on the gate path, and counters for
// the security-relevant outcomes (violations, releases, breaker trips).
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OTLP exporters.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC, e.g. "localhost:4317"
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "bidlockd",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
	}
}

// Provider manages the trace and metric providers plus the daemon's fixed
// instrument set. A disabled Provider is a safe no-op.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	messagesGated metric.Int64Counter
	violations    metric.Int64Counter
	releases      metric.Int64Counter
	breakerTrips  metric.Int64Counter
	gateDuration  metric.Float64Histogram
	busErrors     metric.Int64Counter
}

// New creates the provider and installs it globally.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.InfoContext(ctx, "telemetry disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("bidlock",
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("bidlock",
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	p.messagesGated, err = p.meter.Int64Counter("bidlock.messages.gated.total",
		metric.WithDescription("Messages evaluated by the delivery gate"),
		metric.WithUnit("{message}"))
	if err != nil {
		return err
	}
	p.violations, err = p.meter.Int64Counter("bidlock.violations.total",
		metric.WithDescription("Blocked contact violations"),
		metric.WithUnit("{violation}"))
	if err != nil {
		return err
	}
	p.releases, err = p.meter.Int64Counter("bidlock.releases.total",
		metric.WithDescription("Contact release grants created"),
		metric.WithUnit("{grant}"))
	if err != nil {
		return err
	}
	p.breakerTrips, err = p.meter.Int64Counter("bidlock.breaker.trips.total",
		metric.WithDescription("Cost circuit breaker trips"),
		metric.WithUnit("{trip}"))
	if err != nil {
		return err
	}
	p.gateDuration, err = p.meter.Float64Histogram("bidlock.gate.duration",
		metric.WithDescription("Gate pipeline latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0))
	if err != nil {
		return err
	}
	p.busErrors, err = p.meter.Int64Counter("bidlock.bus.errors.total",
		metric.WithDescription("Publish and delivery failures"),
		metric.WithUnit("{error}"))
	return err
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("bidlock")
	}
	return p.tracer
}

// RecordGated counts one gated message and its pipeline latency.
func (p *Provider) RecordGated(ctx context.Context, verdict string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("verdict", verdict))
	if p.messagesGated != nil {
		p.messagesGated.Add(ctx, 1, attrs)
	}
	if p.gateDuration != nil {
		p.gateDuration.Record(ctx, d.Seconds(), attrs)
	}
}

// RecordViolation counts one blocked violation at the sender's new level.
func (p *Provider) RecordViolation(ctx context.Context, level string) {
	if p.violations != nil {
		p.violations.Add(ctx, 1, metric.WithAttributes(attribute.String("level", level)))
	}
}

// RecordRelease counts one release grant.
func (p *Provider) RecordRelease(ctx context.Context) {
	if p.releases != nil {
		p.releases.Add(ctx, 1)
	}
}

// RecordBreakerTrip counts one breaker trip by reason.
func (p *Provider) RecordBreakerTrip(ctx context.Context, reason string) {
	if p.breakerTrips != nil {
		p.breakerTrips.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

// RecordBusError counts one transport failure.
func (p *Provider) RecordBusError(ctx context.Context, stream string) {
	if p.busErrors != nil {
		p.busErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("stream", stream)))
	}
}

// TrackOperation opens a span and returns a completion callback that records
// any error and ends the span.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := p.Tracer().Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}
