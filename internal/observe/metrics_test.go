package observe

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumWhere returns the value of the counter data point whose attributes
// include key=value.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value
			}
		}
	}
	t.Fatalf("metric %q has no data point with %s=%s", name, key, value)
	return 0
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordSessionEnd(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSessionEnd(ctx, "twilio", "completed", 42*time.Second)
	m.RecordSessionEnd(ctx, "twilio", "completed", 3*time.Second)
	m.RecordSessionEnd(ctx, "twilio", "error", time.Second)

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "callbridge.sessions", "status", "completed"); got != 2 {
		t.Errorf("completed sessions = %d, want 2", got)
	}

	met := findMetric(rm, "callbridge.session.duration")
	if met == nil {
		t.Fatal("duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("duration metric is not a histogram")
	}
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	if count != 3 {
		t.Errorf("duration samples = %d, want 3", count)
	}
}

func TestFrameCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	for range 3 {
		m.RecordFrame(ctx, DirectionInbound)
	}
	m.RecordFrame(ctx, DirectionOutbound)
	m.RecordDrop(ctx, DirectionInbound, "overrun")
	m.RecordDrop(ctx, DirectionInbound, "overrun")

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "callbridge.frames.relayed", "direction", DirectionInbound); got != 3 {
		t.Errorf("inbound relayed = %d, want 3", got)
	}
	if got := sumWhere(t, rm, "callbridge.frames.dropped", "reason", "overrun"); got != 2 {
		t.Errorf("overrun drops = %d, want 2", got)
	}
}

func TestUsageAndHandlerCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordUsage(ctx, "sent", 20)
	m.RecordUsage(ctx, "sent", 5)
	m.RecordHandlerError(ctx, "OnDTMF")
	m.RecordRejected(ctx, "max_sessions")

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "callbridge.usage.records", "status", "sent"); got != 25 {
		t.Errorf("sent records = %d, want 25", got)
	}
	if got := sumWhere(t, rm, "callbridge.handler.errors", "handler", "OnDTMF"); got != 1 {
		t.Errorf("handler errors = %d, want 1", got)
	}
	if got := sumWhere(t, rm, "callbridge.connections.rejected", "reason", "max_sessions"); got != 1 {
		t.Errorf("rejected = %d, want 1", got)
	}
}

func TestActiveSessionsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	met := findMetric(rm, "callbridge.active_sessions")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) == 0 {
		t.Fatal("metric is not a sum with data")
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
