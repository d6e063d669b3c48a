package telemetry

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/calmline/calmline/internal/redact"
)

// Config controls telemetry setup.
type Config struct {
	Enabled  bool
	Endpoint string
	Protocol string // grpc | http
	Service  string
	Version  string
}

// Provider wires tracer/meter providers and exposes helpers.
type Provider struct {
	Enabled bool
	tracer  trace.Tracer
	meter   metric.Meter

	detectionsCounter     metric.Int64Counter
	emergenciesCounter    metric.Int64Counter
	chatDuration          metric.Float64Histogram
	shutdownTraceProvider func(context.Context) error
	shutdownMeterProvider func(context.Context) error
}

// NewProvider configures OTEL exporters and providers. When disabled it
// returns no-op providers.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !cfg.Enabled {
		return noopProvider(), nil
	}

	protocol := strings.ToLower(cfg.Protocol)
	redact.Logf("telemetry enabled (OpenTelemetry OTLP %s) endpoint=%s", protocol, cfg.Endpoint)

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			attribute.String("service.name", cfg.Service),
			attribute.String("service.version", cfg.Version),
		),
	)
	if err != nil {
		return nil, err
	}

	var (
		traceExp    sdktrace.SpanExporter
		metricsRead sdkmetric.Reader
	)
	switch protocol {
	case "", "grpc":
		traceExp, err = otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure())
		if err != nil {
			return nil, err
		}
		mexp, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(cfg.Endpoint), otlpmetricgrpc.WithInsecure())
		if err != nil {
			return nil, err
		}
		metricsRead = sdkmetric.NewPeriodicReader(mexp)
	case "http":
		traceExp, err = otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure())
		if err != nil {
			return nil, err
		}
		mexp, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(cfg.Endpoint), otlpmetrichttp.WithInsecure())
		if err != nil {
			return nil, err
		}
		metricsRead = sdkmetric.NewPeriodicReader(mexp)
	default:
		return nil, fmt.Errorf("telemetry: unsupported protocol %q", cfg.Protocol)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(metricsRead))
	otel.SetMeterProvider(mp)

	p := &Provider{
		Enabled:               true,
		tracer:                tp.Tracer("calmline"),
		meter:                 mp.Meter("calmline"),
		shutdownTraceProvider: tp.Shutdown,
		shutdownMeterProvider: mp.Shutdown,
	}
	p.initInstruments()
	return p, nil
}

func noopProvider() *Provider {
	p := &Provider{
		tracer: tracenoop.NewTracerProvider().Tracer(""),
		meter:  metricnoop.NewMeterProvider().Meter(""),
	}
	p.initInstruments()
	return p
}

// NewWithTracer builds a provider over an existing tracer. Metrics are no-op.
func NewWithTracer(tracer trace.Tracer) *Provider {
	p := noopProvider()
	if tracer != nil {
		p.Enabled = true
		p.tracer = tracer
	}
	return p
}

func (p *Provider) initInstruments() {
	// Instruments are best effort; on error the nil-safe helpers below skip them.
	p.detectionsCounter, _ = p.meter.Int64Counter("calmline_detections_total")
	p.emergenciesCounter, _ = p.meter.Int64Counter("calmline_emergencies_total")
	p.chatDuration, _ = p.meter.Float64Histogram("calmline_chat_duration_ms")
}

// Tracer returns the tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil {
		return tracenoop.NewTracerProvider().Tracer("")
	}
	return p.tracer
}

// Shutdown flushes providers.
func (p *Provider) Shutdown(ctx context.Context) {
	if p == nil {
		return
	}
	if p.shutdownTraceProvider != nil {
		_ = p.shutdownTraceProvider(ctx)
	}
	if p.shutdownMeterProvider != nil {
		_ = p.shutdownMeterProvider(ctx)
	}
}

// RecordDetection counts one assessment by level.
func (p *Provider) RecordDetection(riskLevel string, emergency bool) {
	if p == nil || p.detectionsCounter == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("calmline.risk_level", riskLevel))
	p.detectionsCounter.Add(context.Background(), 1, attrs)
	if emergency && p.emergenciesCounter != nil {
		p.emergenciesCounter.Add(context.Background(), 1, attrs)
	}
}

// RecordChat records chat latency by outcome.
func (p *Provider) RecordChat(outcome string, durMs float64) {
	if p == nil || p.chatDuration == nil {
		return
	}
	p.chatDuration.Record(context.Background(), durMs, metric.WithAttributes(attribute.String("calmline.outcome", outcome)))
}

// CaptureEmergency records a monitoring span with error status. Fields pass
// through SafeAttributes.
func (p *Provider) CaptureEmergency(ctx context.Context, name string, fields map[string]any) error {
	if p == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	_, span := p.tracer.Start(ctx, name, trace.WithAttributes(SafeAttributes(fields)...))
	span.SetStatus(codes.Error, "Emergency Detection Triggered")
	span.End()
	return nil
}
