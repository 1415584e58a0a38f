// Package observe provides application-wide observability primitives for
// Auricle: OpenTelemetry metrics and the Prometheus exporter bridge that
// serves them on /metrics.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
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

// meterName is the instrumentation scope name used for all Auricle metrics.
const meterName = "github.com/auricle-ai/auricle"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// ActiveSessions tracks the number of live transcription sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SessionDuration tracks how long sessions live, in seconds.
	SessionDuration metric.Float64Histogram

	// AudioBytes counts audio payload bytes received from clients.
	AudioBytes metric.Int64Counter

	// SegmentsMerged counts transcript segments merged into conversations.
	SegmentsMerged metric.Int64Counter

	// Finalizations counts conversation finalizations. Use with attribute:
	//   attribute.String("outcome", "completed"|"discarded"|"deleted_empty")
	Finalizations metric.Int64Counter

	// STTConnectDuration tracks provider channel connect latency. Use with
	// attribute.String("service", ...).
	STTConnectDuration metric.Float64Histogram

	// LockWaitDuration tracks time spent waiting for distributed locks. Use
	// with attribute.String("kind", "conversation"|"user").
	LockWaitDuration metric.Float64Histogram

	// Translations counts translation requests. Use with attribute:
	//   attribute.String("status", "ok"|"failed"|"dropped")
	Translations metric.Int64Counter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connect and lock-wait latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets covers session lifetimes from seconds to hours.
var sessionBuckets = []float64{
	1, 10, 30, 60, 300, 900, 1800, 3600, 7200, 14400,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveSessions, err = m.Int64UpDownCounter("auricle.sessions.active",
		metric.WithDescription("Number of live transcription sessions."),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("auricle.session.duration",
		metric.WithDescription("Transcription session lifetime."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AudioBytes, err = m.Int64Counter("auricle.audio.bytes",
		metric.WithDescription("Audio payload bytes received from clients."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.SegmentsMerged, err = m.Int64Counter("auricle.segments.merged",
		metric.WithDescription("Transcript segments merged into conversations."),
	); err != nil {
		return nil, err
	}
	if met.Finalizations, err = m.Int64Counter("auricle.conversations.finalized",
		metric.WithDescription("Conversation finalizations by outcome."),
	); err != nil {
		return nil, err
	}
	if met.STTConnectDuration, err = m.Float64Histogram("auricle.stt.connect.duration",
		metric.WithDescription("Provider channel connect latency by service."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LockWaitDuration, err = m.Float64Histogram("auricle.lock.wait.duration",
		metric.WithDescription("Time spent waiting for distributed locks by kind."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Translations, err = m.Int64Counter("auricle.translations",
		metric.WithDescription("Translation requests by status."),
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

// RecordFinalization increments the finalization counter with its outcome.
func (m *Metrics) RecordFinalization(ctx context.Context, outcome string) {
	m.Finalizations.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordLockWait records one lock acquisition wait.
func (m *Metrics) RecordLockWait(ctx context.Context, kind string, waited time.Duration) {
	m.LockWaitDuration.Record(ctx, waited.Seconds(),
		metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordSTTConnect records one provider channel connect.
func (m *Metrics) RecordSTTConnect(ctx context.Context, service string, took time.Duration) {
	m.STTConnectDuration.Record(ctx, took.Seconds(),
		metric.WithAttributes(attribute.String("service", service)))
}

// RecordTranslation increments the translation counter with its status.
func (m *Metrics) RecordTranslation(ctx context.Context, status string) {
	m.Translations.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)))
}
