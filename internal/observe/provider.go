package observe

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Resource attribute keys describing the bridge instance.
const (
	AttrProviderType = attribute.Key("callbridge.provider")
	AttrBotCodec     = attribute.Key("callbridge.bot.codec")
	AttrBotRate      = attribute.Key("callbridge.bot.sample_rate")
)

// ProviderConfig describes the bridge instance to the OpenTelemetry SDK.
type ProviderConfig struct {
	ServiceVersion string

	// Provider is the telephony connector type, e.g. "twilio".
	Provider string

	// BotCodec is the bot-side codec, e.g. "pcm16".
	BotCodec string

	// BotRate is the bot-side sample rate in Hz. Zero omits it.
	BotRate int

	// InstanceID tells bridges of one deployment apart. Usually
	// hostname plus provider listen address.
	InstanceID string

	// Registerer receives the Prometheus collector. Default:
	// [prometheus.DefaultRegisterer], which /metrics serves.
	Registerer prometheus.Registerer

	// TraceExporter is optional. Without one, session spans are recorded
	// but not exported.
	TraceExporter sdktrace.SpanExporter
}

// Resource returns the OTel resource for cfg. Attributes from
// OTEL_RESOURCE_ATTRIBUTES override the configured ones.
func (cfg ProviderConfig) Resource(ctx context.Context) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName("callbridge"),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.InstanceID != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(cfg.InstanceID))
	}
	if cfg.Provider != "" {
		attrs = append(attrs, AttrProviderType.String(cfg.Provider))
	}
	if cfg.BotCodec != "" {
		attrs = append(attrs, AttrBotCodec.String(cfg.BotCodec))
	}
	if cfg.BotRate > 0 {
		attrs = append(attrs, AttrBotRate.Int(cfg.BotRate))
	}
	// Schemaless attributes merge with the SDK's own schema without conflict.
	return resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithAttributes(attrs...),
		resource.WithFromEnv(),
	)
}

// Providers holds the SDK providers built by [NewProviders].
type Providers struct {
	Meter  *sdkmetric.MeterProvider
	Tracer *sdktrace.TracerProvider
}

// Shutdown flushes and closes both providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	return errors.Join(p.Meter.Shutdown(ctx), p.Tracer.Shutdown(ctx))
}

// NewProviders builds a meter provider exporting to Prometheus and a tracer
// provider, both tagged with cfg's resource. It does not touch the global
// providers.
func NewProviders(ctx context.Context, cfg ProviderConfig) (*Providers, error) {
	res, err := cfg.Resource(ctx)
	if err != nil {
		return nil, err
	}

	var promOpts []promexporter.Option
	if cfg.Registerer != nil {
		promOpts = append(promOpts, promexporter.WithRegisterer(cfg.Registerer))
	}
	promExp, err := promexporter.New(promOpts...)
	if err != nil {
		return nil, err
	}

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	return &Providers{
		Meter:  sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(promExp)),
		Tracer: sdktrace.NewTracerProvider(tpOpts...),
	}, nil
}

// InitProvider builds the providers with [NewProviders] and registers them
// as the global OTel providers, so [DefaultMetrics] and [Tracer] use them.
// Call it before anything creates metrics. The returned function flushes and
// closes the exporters.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	p, err := NewProviders(ctx, cfg)
	if err != nil {
		return nil, err
	}
	otel.SetMeterProvider(p.Meter)
	otel.SetTracerProvider(p.Tracer)
	return p.Shutdown, nil
}
