// Package observe provides application-wide observability primitives for
// callbridge: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] (or [NewProviders] with a
// private registry) so that metrics can be scraped via the standard /metrics
// endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all callbridge metrics.
const meterName = "github.com/MrWong99/callbridge"

// Relay directions used as the "direction" attribute.
const (
	DirectionInbound  = "inbound"  // provider → bot
	DirectionOutbound = "outbound" // bot → provider
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Sessions ---

	// ActiveSessions tracks the number of live calls.
	ActiveSessions metric.Int64UpDownCounter

	// Sessions counts finished calls. Attributes: provider, status.
	Sessions metric.Int64Counter

	// SessionDuration tracks call length. Attributes: provider, status.
	SessionDuration metric.Float64Histogram

	// HandshakeDuration tracks bot dial plus call_start latency.
	HandshakeDuration metric.Float64Histogram

	// RejectedConnections counts provider connections refused before a
	// session started. Attribute: reason.
	RejectedConnections metric.Int64Counter

	// --- Audio relay ---

	// FramesRelayed counts frames delivered. Attribute: direction.
	FramesRelayed metric.Int64Counter

	// FramesDropped counts frames discarded. Attributes: direction, reason.
	FramesDropped metric.Int64Counter

	// HandlerErrors counts event handlers that failed or panicked.
	// Attribute: handler.
	HandlerErrors metric.Int64Counter

	// --- Usage reporting ---

	// UsageRecords counts usage records by outcome. Attribute: status
	// (sent, failed, dropped).
	UsageRecords metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// method, route.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets covers handshake latencies (seconds).
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// callBuckets covers call durations (seconds).
var callBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveSessions, err = m.Int64UpDownCounter("callbridge.active_sessions",
		metric.WithDescription("Number of live calls."),
	); err != nil {
		return nil, err
	}
	if met.Sessions, err = m.Int64Counter("callbridge.sessions",
		metric.WithDescription("Finished calls by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("callbridge.session.duration",
		metric.WithDescription("Call duration by provider and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HandshakeDuration, err = m.Float64Histogram("callbridge.bot.handshake.duration",
		metric.WithDescription("Latency of the bot dial plus call_start."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RejectedConnections, err = m.Int64Counter("callbridge.connections.rejected",
		metric.WithDescription("Provider connections refused before a session started."),
	); err != nil {
		return nil, err
	}

	if met.FramesRelayed, err = m.Int64Counter("callbridge.frames.relayed",
		metric.WithDescription("Audio frames delivered by direction."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("callbridge.frames.dropped",
		metric.WithDescription("Audio frames discarded by direction and reason."),
	); err != nil {
		return nil, err
	}
	if met.HandlerErrors, err = m.Int64Counter("callbridge.handler.errors",
		metric.WithDescription("Event handler failures and panics by handler."),
	); err != nil {
		return nil, err
	}

	if met.UsageRecords, err = m.Int64Counter("callbridge.usage.records",
		metric.WithDescription("Usage records by delivery outcome."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("callbridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordSessionEnd records a finished call.
func (m *Metrics) RecordSessionEnd(ctx context.Context, provider, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", status),
	)
	m.Sessions.Add(ctx, 1, attrs)
	m.SessionDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordFrame records one relayed frame.
func (m *Metrics) RecordFrame(ctx context.Context, direction string) {
	m.FramesRelayed.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

// RecordDrop records one discarded frame.
func (m *Metrics) RecordDrop(ctx context.Context, direction, reason string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("reason", reason),
		),
	)
}

// RecordHandlerError records a failed or panicking event handler.
func (m *Metrics) RecordHandlerError(ctx context.Context, handler string) {
	m.HandlerErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("handler", handler)))
}

// RecordUsage records n usage records with the given delivery status.
func (m *Metrics) RecordUsage(ctx context.Context, status string, n int) {
	m.UsageRecords.Add(ctx, int64(n), metric.WithAttributes(attribute.String("status", status)))
}

// RecordRejected records a refused provider connection.
func (m *Metrics) RecordRejected(ctx context.Context, reason string) {
	m.RejectedConnections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
