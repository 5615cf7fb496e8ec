package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
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

// sumValue returns the value of the int64 sum data point carrying key=value,
// or of the first data point when key is empty.
func sumValue(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
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
		if key == "" {
			return dp.Value
		}
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q: no data point with %s=%s", name, key, value)
	return 0
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordConnect(ctx, "gemini-live", 0.123)
	m.RecordConnect(ctx, "gemini-live", 0.456)
	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	rm := collect(t, reader)

	tests := []struct {
		name string
		want uint64
	}{
		{"hyperlive.connect.duration", 2},
		{"hyperlive.http.request.duration", 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != tc.want {
				t.Errorf("sample count = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestSessionStartsCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSessionStart(ctx, "gemini-live", "ok")
	m.RecordSessionStart(ctx, "gemini-live", "ok")
	m.RecordSessionStart(ctx, "gemini-live", "microphone")

	rm := collect(t, reader)
	if got := sumValue(t, rm, "hyperlive.session.starts", "status", "ok"); got != 2 {
		t.Errorf("ok starts = %d, want 2", got)
	}
	if got := sumValue(t, rm, "hyperlive.session.starts", "status", "microphone"); got != 1 {
		t.Errorf("microphone failures = %d, want 1", got)
	}
}

func TestFrameSentCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFrameSent(ctx, 8192)
	m.RecordFrameSent(ctx, 8192)

	rm := collect(t, reader)
	if got := sumValue(t, rm, "hyperlive.audio.frames_sent", "", ""); got != 2 {
		t.Errorf("frames = %d, want 2", got)
	}
	if got := sumValue(t, rm, "hyperlive.audio.bytes_sent", "", ""); got != 16384 {
		t.Errorf("bytes = %d, want 16384", got)
	}
}

func TestChatMessagesCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordChatMessage(ctx, "user")
	m.RecordChatMessage(ctx, "model")
	m.RecordChatMessage(ctx, "model")

	rm := collect(t, reader)
	if got := sumValue(t, rm, "hyperlive.chat.messages", "role", "model"); got != 2 {
		t.Errorf("model messages = %d, want 2", got)
	}
}

func TestRemoteErrorsCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordRemoteError(ctx, "openai-realtime")

	rm := collect(t, reader)
	if got := sumValue(t, rm, "hyperlive.remote.errors", "provider", "openai-realtime"); got != 1 {
		t.Errorf("remote errors = %d, want 1", got)
	}
}

func TestPlainCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.SegmentsScheduled.Add(ctx, 3)
	m.Interruptions.Add(ctx, 1)
	m.TurnsCompleted.Add(ctx, 2)
	m.DecodeFaults.Add(ctx, 4)

	rm := collect(t, reader)

	tests := []struct {
		name string
		want int64
	}{
		{"hyperlive.playback.segments", 3},
		{"hyperlive.playback.interruptions", 1},
		{"hyperlive.turns.completed", 2},
		{"hyperlive.audio.decode_faults", 4},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := sumValue(t, rm, tc.name, "", ""); got != tc.want {
				t.Errorf("value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestActiveSessionsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	// UpDownCounters are additive.
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)
	m.ActiveSessions.Add(ctx, 1)

	rm := collect(t, reader)
	if got := sumValue(t, rm, "hyperlive.active_sessions", "", ""); got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
