// Package observe provides application-wide observability primitives for
// docustudio: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all docustudio metrics.
const meterName = "github.com/MrWong99/docustudio"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks the time from Start to the transport being open.
	ConnectDuration metric.Float64Histogram

	// --- Counters ---

	// SessionStarts counts start attempts. Use with attribute:
	//   attribute.String("status", ...): "connected", "denied" or "error"
	SessionStarts metric.Int64Counter

	// FramesSent counts microphone frames handed to the transport.
	FramesSent metric.Int64Counter

	// FrameSendErrors counts microphone frames the transport rejected.
	FrameSendErrors metric.Int64Counter

	// BuffersScheduled counts model audio buffers placed on the output timeline.
	BuffersScheduled metric.Int64Counter

	// ScheduledAudio accumulates the duration of scheduled model audio.
	ScheduledAudio metric.Float64Counter

	// Interruptions counts barge-in events received from the transport.
	Interruptions metric.Int64Counter

	// --- Error counters ---

	// TransportErrors counts sessions that ended with a transport failure. Use
	// with attribute:
	//   attribute.String("provider", ...)
	TransportErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks plain HTTP request latency. Attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	// Live sockets are not recorded; they last as long as the tab.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-session latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ConnectDuration, err = m.Float64Histogram("docustudio.session.connect.duration",
		metric.WithDescription("Time from start request to an open transport."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SessionStarts, err = m.Int64Counter("docustudio.session.starts",
		metric.WithDescription("Total session start attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("docustudio.capture.frames",
		metric.WithDescription("Total microphone frames sent to the transport."),
	); err != nil {
		return nil, err
	}
	if met.FrameSendErrors, err = m.Int64Counter("docustudio.capture.errors",
		metric.WithDescription("Total microphone frames the transport rejected."),
	); err != nil {
		return nil, err
	}
	if met.BuffersScheduled, err = m.Int64Counter("docustudio.playback.buffers",
		metric.WithDescription("Total model audio buffers scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.ScheduledAudio, err = m.Float64Counter("docustudio.playback.audio",
		metric.WithDescription("Total duration of model audio scheduled for playback."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("docustudio.playback.interruptions",
		metric.WithDescription("Total barge-in interruptions."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.TransportErrors, err = m.Int64Counter("docustudio.transport.errors",
		metric.WithDescription("Total sessions ended by a transport failure."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("docustudio.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("docustudio.http.request.duration",
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

// RecordSessionStart records the outcome of one start attempt.
func (m *Metrics) RecordSessionStart(ctx context.Context, status string) {
	m.SessionStarts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordConnect records how long a successful start took.
func (m *Metrics) RecordConnect(ctx context.Context, d time.Duration) {
	m.ConnectDuration.Record(ctx, d.Seconds())
}

// RecordFrame is a convenience method that counts one capture send attempt.
// A nil err counts as sent, anything else as a send error.
func (m *Metrics) RecordFrame(ctx context.Context, err error) {
	if err != nil {
		m.FrameSendErrors.Add(ctx, 1)
		return
	}
	m.FramesSent.Add(ctx, 1)
}

// RecordScheduled counts one scheduled playback buffer of duration d.
func (m *Metrics) RecordScheduled(ctx context.Context, d time.Duration) {
	m.BuffersScheduled.Add(ctx, 1)
	m.ScheduledAudio.Add(ctx, d.Seconds())
}

// RecordInterruption counts one barge-in.
func (m *Metrics) RecordInterruption(ctx context.Context) {
	m.Interruptions.Add(ctx, 1)
}

// RecordTransportError is a convenience method that records a transport error
// counter increment.
func (m *Metrics) RecordTransportError(ctx context.Context, provider string) {
	m.TransportErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}
