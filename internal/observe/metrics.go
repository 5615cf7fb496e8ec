// Package observe provides application-wide observability primitives for
// hyperlive: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all hyperlive metrics.
const meterName = "github.com/MrWong99/hyperlive"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks how long opening a remote session takes. Use with
	// attribute.String("provider", ...).
	ConnectDuration metric.Float64Histogram

	// --- Counters ---

	// SessionStarts counts start attempts. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	// where status is "ok" or the failed startup stage.
	SessionStarts metric.Int64Counter

	// AudioFramesSent counts microphone frames handed to the remote session.
	AudioFramesSent metric.Int64Counter

	// AudioBytesSent counts encoded PCM bytes handed to the remote session.
	AudioBytesSent metric.Int64Counter

	// SegmentsScheduled counts playback segments scheduled on the output clock.
	SegmentsScheduled metric.Int64Counter

	// Interruptions counts barge-in interruptions.
	Interruptions metric.Int64Counter

	// TurnsCompleted counts turn-complete signals.
	TurnsCompleted metric.Int64Counter

	// ChatMessages counts finalized chat messages. Use with attribute:
	//   attribute.String("role", ...)
	ChatMessages metric.Int64Counter

	// --- Error counters ---

	// DecodeFaults counts dropped audio chunks that failed to decode.
	DecodeFaults metric.Int64Counter

	// RemoteErrors counts sessions ended by a remote error. Use with attribute:
	//   attribute.String("provider", ...)
	RemoteErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions (0 or 1).
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks API request processing time, labelled with
	// "method", "route" (the mux pattern) and "status".
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// session setup and HTTP latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ConnectDuration, err = m.Float64Histogram("hyperlive.connect.duration",
		metric.WithDescription("Latency of opening a remote realtime session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.SessionStarts, "hyperlive.session.starts", "Session start attempts by provider and status."},
		{&met.AudioFramesSent, "hyperlive.audio.frames_sent", "Microphone frames sent to the remote session."},
		{&met.AudioBytesSent, "hyperlive.audio.bytes_sent", "Encoded PCM bytes sent to the remote session."},
		{&met.SegmentsScheduled, "hyperlive.playback.segments", "Playback segments scheduled on the output clock."},
		{&met.Interruptions, "hyperlive.playback.interruptions", "Barge-in interruptions."},
		{&met.TurnsCompleted, "hyperlive.turns.completed", "Completed conversation turns."},
		{&met.ChatMessages, "hyperlive.chat.messages", "Finalized chat messages by role."},
		{&met.DecodeFaults, "hyperlive.audio.decode_faults", "Audio chunks dropped because they failed to decode."},
		{&met.RemoteErrors, "hyperlive.remote.errors", "Sessions ended by a remote error, by provider."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("hyperlive.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("hyperlive.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
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
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordSessionStart records a start attempt with the standard attribute set.
func (m *Metrics) RecordSessionStart(ctx context.Context, provider, status string) {
	m.SessionStarts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordConnect records the duration of a connect attempt.
func (m *Metrics) RecordConnect(ctx context.Context, provider string, seconds float64) {
	m.ConnectDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// RecordFrameSent records one microphone frame of n encoded bytes.
func (m *Metrics) RecordFrameSent(ctx context.Context, n int) {
	m.AudioFramesSent.Add(ctx, 1)
	m.AudioBytesSent.Add(ctx, int64(n))
}

// RecordChatMessage records one finalized chat message.
func (m *Metrics) RecordChatMessage(ctx context.Context, role string) {
	m.ChatMessages.Add(ctx, 1,
		metric.WithAttributes(attribute.String("role", role)),
	)
}

// RecordRemoteError records a session ended by the remote side with an error.
func (m *Metrics) RecordRemoteError(ctx context.Context, provider string) {
	m.RemoteErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}
