// Package observe provides application-wide observability primitives for
// Cueline: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all Cueline metrics.
const meterName = "github.com/frostholm/cueline"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TranscriptionDuration tracks speech-to-text transcription latency for
	// captured audio chunks.
	TranscriptionDuration metric.Float64Histogram

	// PersistDuration tracks blob store persistence latency per chunk.
	PersistDuration metric.Float64Histogram

	// --- Counters ---

	// SentencesSent counts sentences delivered to the display sink.
	SentencesSent metric.Int64Counter

	// SentencesDeduped counts sentences suppressed as duplicates before
	// delivery.
	SentencesDeduped metric.Int64Counter

	// TurnAborts counts agent turns cut short by an interruption.
	TurnAborts metric.Int64Counter

	// SinkReconnects counts re-established sink connections after a drop.
	SinkReconnects metric.Int64Counter

	// SinkDrops counts payloads discarded from the outbound sink buffer.
	SinkDrops metric.Int64Counter

	// ChunksPersisted counts audio chunks written to the blob store.
	ChunksPersisted metric.Int64Counter

	// ChunkDrops counts audio chunks discarded before persistence. Use with
	// attribute: attribute.String("reason", ...)
	ChunkDrops metric.Int64Counter

	// --- Error counters ---

	// TranscriptionErrors counts failed transcription requests.
	TranscriptionErrors metric.Int64Counter

	// --- Gauges ---

	// SinkConnected tracks whether the sink link is currently up (0 or 1).
	SinkConnected metric.Int64UpDownCounter

	// QueueDepth tracks the number of sentences waiting in the delivery
	// queue.
	QueueDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for transcription and storage latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TranscriptionDuration, err = m.Float64Histogram("cueline.transcription.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PersistDuration, err = m.Float64Histogram("cueline.persist.duration",
		metric.WithDescription("Latency of blob store writes."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SentencesSent, err = m.Int64Counter("cueline.sentences.sent",
		metric.WithDescription("Total sentences delivered to the display sink."),
	); err != nil {
		return nil, err
	}
	if met.SentencesDeduped, err = m.Int64Counter("cueline.sentences.deduped",
		metric.WithDescription("Total sentences suppressed as duplicates."),
	); err != nil {
		return nil, err
	}
	if met.TurnAborts, err = m.Int64Counter("cueline.turn.aborts",
		metric.WithDescription("Total agent turns aborted by an interruption."),
	); err != nil {
		return nil, err
	}
	if met.SinkReconnects, err = m.Int64Counter("cueline.sink.reconnects",
		metric.WithDescription("Total sink connections re-established after a drop."),
	); err != nil {
		return nil, err
	}
	if met.SinkDrops, err = m.Int64Counter("cueline.sink.drops",
		metric.WithDescription("Total payloads discarded from the outbound sink buffer."),
	); err != nil {
		return nil, err
	}
	if met.ChunksPersisted, err = m.Int64Counter("cueline.chunks.persisted",
		metric.WithDescription("Total audio chunks written to the blob store."),
	); err != nil {
		return nil, err
	}
	if met.ChunkDrops, err = m.Int64Counter("cueline.chunks.drops",
		metric.WithDescription("Total audio chunks discarded before persistence, by reason."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.TranscriptionErrors, err = m.Int64Counter("cueline.transcription.errors",
		metric.WithDescription("Total failed transcription requests."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.SinkConnected, err = m.Int64UpDownCounter("cueline.sink.connected",
		metric.WithDescription("Whether the sink link is currently connected."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64UpDownCounter("cueline.queue.depth",
		metric.WithDescription("Sentences waiting in the delivery queue."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("cueline.http.request.duration",
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

// RecordSentence records a sentence delivery, incrementing either the sent or
// the deduped counter.
func (m *Metrics) RecordSentence(ctx context.Context, deduped bool) {
	if deduped {
		m.SentencesDeduped.Add(ctx, 1)
		return
	}
	m.SentencesSent.Add(ctx, 1)
}

// RecordChunkDrop records a discarded audio chunk with the drop reason.
func (m *Metrics) RecordChunkDrop(ctx context.Context, reason string) {
	m.ChunkDrops.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordTranscription records the outcome of a transcription request: the
// latency on success, the error counter on failure.
func (m *Metrics) RecordTranscription(ctx context.Context, seconds float64, err error) {
	if err != nil {
		m.TranscriptionErrors.Add(ctx, 1)
		return
	}
	m.TranscriptionDuration.Record(ctx, seconds)
}

// SinkStateChanged adjusts the sink connectivity gauge.
func (m *Metrics) SinkStateChanged(ctx context.Context, connected bool) {
	if connected {
		m.SinkConnected.Add(ctx, 1)
		return
	}
	m.SinkConnected.Add(ctx, -1)
}
