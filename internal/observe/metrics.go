// Package observe provides application-wide observability primitives for
// Parley: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Capture ---

	// FramesSent counts microphone frames handed to the transport.
	FramesSent metric.Int64Counter

	// FramesDropped counts frames dropped because the outbound queue was full.
	FramesDropped metric.Int64Counter

	// StillsSent counts camera stills handed to the transport.
	StillsSent metric.Int64Counter

	// --- Playback ---

	// ChunksScheduled counts inbound audio chunks scheduled for playback.
	ChunksScheduled metric.Int64Counter

	// DecodeFailures counts inbound chunks dropped as undecodable.
	DecodeFailures metric.Int64Counter

	// Interruptions counts barge-in events.
	Interruptions metric.Int64Counter

	// StoppedVoices counts scheduled buffers cut short by an interruption.
	StoppedVoices metric.Int64Counter

	// SchedulingLead tracks how far ahead of the device clock each chunk was
	// scheduled. Zero means the queue had drained.
	SchedulingLead metric.Float64Histogram

	// --- Transport / session ---

	// TransportErrors counts non-fatal transport errors. Use with attribute:
	//   attribute.String("transport", ...)
	TransportErrors metric.Int64Counter

	// SessionOpenDuration tracks the time from Start to Connected.
	SessionOpenDuration metric.Float64Histogram

	// SessionOutcomes counts sessions by terminal state. Use with attribute:
	//   attribute.String("state", ...)
	SessionOutcomes metric.Int64Counter

	// ActiveSessions tracks the number of live sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for session
// setup and scheduling lead.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.FramesSent, "parley.audio.frames_sent", "Microphone frames sent to the transport."},
		{&met.FramesDropped, "parley.audio.frames_dropped", "Microphone frames dropped on a full outbound queue."},
		{&met.StillsSent, "parley.video.stills_sent", "Camera stills sent to the transport."},
		{&met.ChunksScheduled, "parley.playback.chunks_scheduled", "Inbound audio chunks scheduled for playback."},
		{&met.DecodeFailures, "parley.playback.decode_failures", "Inbound audio chunks dropped as undecodable."},
		{&met.Interruptions, "parley.playback.interruptions", "Barge-in interruptions processed."},
		{&met.StoppedVoices, "parley.playback.stopped_voices", "Scheduled buffers cut short by an interruption."},
		{&met.TransportErrors, "parley.transport.errors", "Non-fatal transport errors by transport."},
		{&met.SessionOutcomes, "parley.session.outcomes", "Finished sessions by terminal state."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.SchedulingLead, err = m.Float64Histogram("parley.playback.scheduling_lead",
		metric.WithDescription("Distance between a chunk's scheduled start and the device clock."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionOpenDuration, err = m.Float64Histogram("parley.session.open.duration",
		metric.WithDescription("Time from session start to connected."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.active_sessions",
		metric.WithDescription("Number of live sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
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

// RecordInterruption records one interruption that stopped voices buffers.
func (m *Metrics) RecordInterruption(ctx context.Context, voices int) {
	m.Interruptions.Add(ctx, 1)
	if voices > 0 {
		m.StoppedVoices.Add(ctx, int64(voices))
	}
}

// RecordTransportError records a non-fatal transport error.
func (m *Metrics) RecordTransportError(ctx context.Context, transport string) {
	m.TransportErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("transport", transport)),
	)
}

// RecordSessionOutcome records a session reaching a terminal state.
func (m *Metrics) RecordSessionOutcome(ctx context.Context, state string) {
	m.SessionOutcomes.Add(ctx, 1,
		metric.WithAttributes(attribute.String("state", state)),
	)
}
