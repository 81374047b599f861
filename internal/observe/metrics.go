// Package observe provides application-wide observability primitives for the
// voice gateway: OpenTelemetry metrics, distributed tracing, and the
// PHI-redacting structured logger.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
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

// meterName is the instrumentation scope name used for all gateway metrics.
const meterName = "github.com/halcyonlabs/voicegate"

// Metrics holds all OpenTelemetry metric instruments for the gateway.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// SessionDuration tracks full session lifetime from accept to close.
	SessionDuration metric.Float64Histogram

	// UpstreamSetupDuration tracks time from upstream connect to setup-complete.
	UpstreamSetupDuration metric.Float64Histogram

	// FirstAudioLatency tracks the per-turn delay between the client's
	// turn-complete and the first model audio chunk sent back.
	FirstAudioLatency metric.Float64Histogram

	// --- Counters ---

	// AudioBytesIn counts raw PCM bytes received from clients.
	AudioBytesIn metric.Int64Counter

	// AudioChunksOut counts model audio chunks forwarded to clients.
	AudioChunksOut metric.Int64Counter

	// Transcripts counts user transcripts by source and finality. Use with
	// attributes: attribute.String("source", ...), attribute.Bool("final", ...)
	Transcripts metric.Int64Counter

	// RedFlags counts safety scanner detections. Use with attributes:
	//   attribute.String("severity", ...), attribute.String("source", ...)
	RedFlags metric.Int64Counter

	// BargeIns counts client barge-in requests.
	BargeIns metric.Int64Counter

	// UpstreamErrors counts upstream channel errors by kind.
	UpstreamErrors metric.Int64Counter

	// AsrRetries counts fallback recognizer restart attempts.
	AsrRetries metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live client sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets covers whole-session lifetimes, from a dropped dial to a
// long consultation.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SessionDuration, err = m.Float64Histogram("voicegate.session.duration",
		metric.WithDescription("Lifetime of a client session from accept to close."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UpstreamSetupDuration, err = m.Float64Histogram("voicegate.upstream.setup.duration",
		metric.WithDescription("Time from upstream connect to setup-complete."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstAudioLatency, err = m.Float64Histogram("voicegate.turn.first_audio.latency",
		metric.WithDescription("Delay between turn-complete and the first model audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.AudioBytesIn, err = m.Int64Counter("voicegate.audio.bytes_in",
		metric.WithDescription("Raw PCM bytes received from clients."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.AudioChunksOut, err = m.Int64Counter("voicegate.audio.chunks_out",
		metric.WithDescription("Model audio chunks forwarded to clients."),
	); err != nil {
		return nil, err
	}
	if met.Transcripts, err = m.Int64Counter("voicegate.transcripts",
		metric.WithDescription("User transcripts by source and finality."),
	); err != nil {
		return nil, err
	}
	if met.RedFlags, err = m.Int64Counter("voicegate.safety.red_flags",
		metric.WithDescription("Safety scanner detections by severity and transcript source."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("voicegate.barge_ins",
		metric.WithDescription("Client barge-in requests."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamErrors, err = m.Int64Counter("voicegate.upstream.errors",
		metric.WithDescription("Upstream channel errors by kind."),
	); err != nil {
		return nil, err
	}
	if met.AsrRetries, err = m.Int64Counter("voicegate.asr.retries",
		metric.WithDescription("Fallback recognizer restart attempts."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicegate.active_sessions",
		metric.WithDescription("Number of live client sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicegate.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
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

// RecordTranscript records a user transcript counter increment with the
// standard attribute set.
func (m *Metrics) RecordTranscript(ctx context.Context, source string, final bool) {
	m.Transcripts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("source", source),
			attribute.Bool("final", final),
		),
	)
}

// RecordRedFlag records a safety detection counter increment.
func (m *Metrics) RecordRedFlag(ctx context.Context, severity, source string) {
	m.RedFlags.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("severity", severity),
			attribute.String("source", source),
		),
	)
}

// RecordUpstreamError records an upstream error counter increment.
func (m *Metrics) RecordUpstreamError(ctx context.Context, kind string) {
	m.UpstreamErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
