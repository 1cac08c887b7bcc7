// Package observe holds the Huntmaster metric instruments, trace-aware
// logging and the HTTP middleware.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [Start]
// bridges them to Prometheus so the standard /metrics endpoint serves them. A package-level default
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

// meterName is the instrumentation scope name used for all Huntmaster metrics.
const meterName = "github.com/huntmaster/huntmaster"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ChunkDuration tracks the time to ingest one audio chunk, from ring
	// enqueue to the last extracted frame.
	ChunkDuration metric.Float64Histogram

	// ScoreDuration tracks DTW similarity scoring latency.
	ScoreDuration metric.Float64Histogram

	// MasterCallLoadDuration tracks master call load and extraction time.
	MasterCallLoadDuration metric.Float64Histogram

	// --- Counters ---

	// FramesExtracted counts feature vectors appended to session matrices.
	FramesExtracted metric.Int64Counter

	// WindowsProcessed counts VAD windows. Use with attribute:
	//   attribute.Bool("voiced", ...)
	WindowsProcessed metric.Int64Counter

	// RingOverruns counts rejected ring buffer writes.
	RingOverruns metric.Int64Counter

	// ExtractionFailures counts frames skipped because extraction failed.
	// Use with attribute:
	//   attribute.String("kind", ...)
	ExtractionFailures metric.Int64Counter

	// MasterCallLoads counts master call loads. Use with attribute:
	//   attribute.String("status", ...)
	MasterCallLoads metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live analysis sessions.
	ActiveSessions metric.Int64UpDownCounter

	// StreamConnections tracks open websocket streams.
	StreamConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// per-chunk and per-score work, which runs far below real time.
var latencyBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ChunkDuration, err = m.Float64Histogram("huntmaster.chunk.duration",
		metric.WithDescription("Latency of ingesting one audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ScoreDuration, err = m.Float64Histogram("huntmaster.score.duration",
		metric.WithDescription("Latency of similarity scoring."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.MasterCallLoadDuration, err = m.Float64Histogram("huntmaster.master_call.load.duration",
		metric.WithDescription("Latency of loading a master call."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesExtracted, err = m.Int64Counter("huntmaster.frames.extracted",
		metric.WithDescription("Total feature frames appended to sessions."),
	); err != nil {
		return nil, err
	}
	if met.WindowsProcessed, err = m.Int64Counter("huntmaster.vad.windows",
		metric.WithDescription("Total VAD windows by voiced classification."),
	); err != nil {
		return nil, err
	}
	if met.RingOverruns, err = m.Int64Counter("huntmaster.ring.overruns",
		metric.WithDescription("Total ring buffer writes rejected for lack of space."),
	); err != nil {
		return nil, err
	}
	if met.ExtractionFailures, err = m.Int64Counter("huntmaster.extraction.failures",
		metric.WithDescription("Total frames skipped after a failed extraction, by kind."),
	); err != nil {
		return nil, err
	}
	if met.MasterCallLoads, err = m.Int64Counter("huntmaster.master_call.loads",
		metric.WithDescription("Total master call loads by status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("huntmaster.active_sessions",
		metric.WithDescription("Number of live analysis sessions."),
	); err != nil {
		return nil, err
	}
	if met.StreamConnections, err = m.Int64UpDownCounter("huntmaster.stream.connections",
		metric.WithDescription("Number of open websocket streams."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("huntmaster.http.request.duration",
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

// RecordWindows records n VAD windows with the given classification.
func (m *Metrics) RecordWindows(ctx context.Context, n int, voiced bool) {
	if n == 0 {
		return
	}
	m.WindowsProcessed.Add(ctx, int64(n),
		metric.WithAttributes(attribute.Bool("voiced", voiced)),
	)
}

// RecordExtractionFailure records one skipped frame.
func (m *Metrics) RecordExtractionFailure(ctx context.Context, kind string) {
	m.ExtractionFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordMasterCallLoad records a master call load outcome.
func (m *Metrics) RecordMasterCallLoad(ctx context.Context, status string) {
	m.MasterCallLoads.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
