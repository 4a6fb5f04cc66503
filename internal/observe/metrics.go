// Package observe provides application-wide observability primitives for
// Sublexa: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Sublexa metrics.
const meterName = "github.com/sublexa/sublexa"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TranslationDuration tracks translation round-trip latency. Use with
	// attributes:
	//   attribute.String("backend", ...), attribute.String("kind", ...), attribute.String("status", ...)
	TranslationDuration metric.Float64Histogram

	// LLMTaskDuration tracks auxiliary LLM task latency (tone detection,
	// sentence splitting, topic summaries). Use with attributes:
	//   attribute.String("task", ...), attribute.String("status", ...)
	LLMTaskDuration metric.Float64Histogram

	// --- Counters ---

	// SealedSentences counts sentence seals. Use with attribute:
	//   attribute.String("reason", ...) — punctuation|silence|split|flush
	SealedSentences metric.Int64Counter

	// PartialDrops counts partial translation results discarded before
	// emission. Use with attribute:
	//   attribute.String("reason", ...) — superseded|stale|error
	PartialDrops metric.Int64Counter

	// OutboundMessages counts messages queued for clients. Use with
	// attribute:
	//   attribute.String("type", ...)
	OutboundMessages metric.Int64Counter

	// ASRDroppedEvents counts ASR adapter events evicted by backpressure.
	// Use with attribute:
	//   attribute.String("vendor", ...)
	ASRDroppedEvents metric.Int64Counter

	// --- Error counters ---

	// TranslationErrors counts translation failures. Use with attributes:
	//   attribute.String("backend", ...), attribute.String("kind", ...)
	TranslationErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live caption sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveSpeakers tracks the number of speaker pipelines across all
	// sessions.
	ActiveSpeakers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for caption-pipeline latencies.
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
	if met.TranslationDuration, err = m.Float64Histogram("sublexa.translation.duration",
		metric.WithDescription("Latency of translation requests by backend, kind, and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMTaskDuration, err = m.Float64Histogram("sublexa.llm_task.duration",
		metric.WithDescription("Latency of auxiliary LLM tasks (tone, splitter, summary)."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SealedSentences, err = m.Int64Counter("sublexa.sentences.sealed",
		metric.WithDescription("Total sealed sentences by seal reason."),
	); err != nil {
		return nil, err
	}
	if met.PartialDrops, err = m.Int64Counter("sublexa.partials.dropped",
		metric.WithDescription("Total partial translation results discarded by reason."),
	); err != nil {
		return nil, err
	}
	if met.OutboundMessages, err = m.Int64Counter("sublexa.outbound.messages",
		metric.WithDescription("Total client-bound messages by type."),
	); err != nil {
		return nil, err
	}
	if met.ASRDroppedEvents, err = m.Int64Counter("sublexa.asr.dropped_events",
		metric.WithDescription("Total ASR events evicted under backpressure by vendor."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.TranslationErrors, err = m.Int64Counter("sublexa.translation.errors",
		metric.WithDescription("Total translation failures by backend and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("sublexa.active_sessions",
		metric.WithDescription("Number of live caption sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSpeakers, err = m.Int64UpDownCounter("sublexa.active_speakers",
		metric.WithDescription("Number of speaker pipelines across all sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("sublexa.http.request.duration",
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

// RecordTranslation is a convenience method that records one translation
// round trip with the standard attribute set.
func (m *Metrics) RecordTranslation(ctx context.Context, backend, kind, status string, seconds float64) {
	m.TranslationDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordLLMTask is a convenience method that records one auxiliary LLM task
// with the standard attribute set.
func (m *Metrics) RecordLLMTask(ctx context.Context, task, status string, seconds float64) {
	m.LLMTaskDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("task", task),
			attribute.String("status", status),
		),
	)
}

// RecordSeal is a convenience method that records a sealed sentence.
func (m *Metrics) RecordSeal(ctx context.Context, reason string) {
	m.SealedSentences.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordPartialDrop is a convenience method that records one discarded
// partial translation result.
func (m *Metrics) RecordPartialDrop(ctx context.Context, reason string) {
	m.PartialDrops.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordOutbound is a convenience method that records one client-bound
// message.
func (m *Metrics) RecordOutbound(ctx context.Context, msgType string) {
	m.OutboundMessages.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", msgType)),
	)
}

// RecordTranslationError is a convenience method that records a translation
// failure counter increment.
func (m *Metrics) RecordTranslationError(ctx context.Context, backend, kind string) {
	m.TranslationErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("kind", kind),
		),
	)
}

// RecordASRDrops is a convenience method that records n ASR events evicted
// under backpressure for the given vendor.
func (m *Metrics) RecordASRDrops(ctx context.Context, vendor string, n int64) {
	if n <= 0 {
		return
	}
	m.ASRDroppedEvents.Add(ctx, n,
		metric.WithAttributes(attribute.String("vendor", vendor)),
	)
}
