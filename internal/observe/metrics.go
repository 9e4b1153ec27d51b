// Package observe provides application-wide observability primitives for
// livelink: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all livelink metrics.
const meterName = "github.com/brightpath/livelink"

// Frame kinds used as the "kind" attribute.
const (
	KindAudio   = "audio"
	KindImage   = "image"
	KindControl = "control"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Live channel ---

	// FramesSent counts outbound messages. Use with attribute:
	//   attribute.String("kind", ...)
	FramesSent metric.Int64Counter

	// FramesDropped counts outbound frames that were never sent. Use with
	// attributes:
	//   attribute.String("kind", ...), attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// InboundEvents counts decoded inbound events. Use with attribute:
	//   attribute.String("type", ...)
	InboundEvents metric.Int64Counter

	// --- Playback ---

	// PlaybackChunks counts chunks the output device finished playing.
	PlaybackChunks metric.Int64Counter

	// PlaybackErrors counts chunks skipped because of decode or device errors.
	PlaybackErrors metric.Int64Counter

	// PlaybackInterrupts counts effective interrupts. Use with attribute:
	//   attribute.String("reason", ...)
	PlaybackInterrupts metric.Int64Counter

	// --- Latency histograms ---

	// ResponseLatency tracks the delay from a commit to the first assistant
	// audio chunk of the following response.
	ResponseLatency metric.Float64Histogram

	// SessionDuration tracks how long sessions stay connected.
	SessionDuration metric.Float64Histogram

	// --- Gauges ---

	// ActiveSessions tracks the number of live sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- Admin server ---

	// AdminRequestDuration tracks admin endpoint latency. Use with attributes:
	//   attribute.String("route", ...), attribute.Int("status", ...)
	AdminRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice round trips.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 0.75, 1, 1.5, 2.5, 5, 10,
}

// sessionBuckets covers sessions from a few seconds to an hour.
var sessionBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.FramesSent, err = m.Int64Counter("livelink.frames.sent",
		metric.WithDescription("Outbound live channel messages by kind."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("livelink.frames.dropped",
		metric.WithDescription("Outbound frames dropped before sending, by kind and reason."),
	); err != nil {
		return nil, err
	}
	if met.InboundEvents, err = m.Int64Counter("livelink.inbound.events",
		metric.WithDescription("Inbound live channel events by type."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackChunks, err = m.Int64Counter("livelink.playback.chunks",
		metric.WithDescription("Assistant audio chunks handed to the output device."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackErrors, err = m.Int64Counter("livelink.playback.errors",
		metric.WithDescription("Assistant audio chunks skipped after a decode or device error."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackInterrupts, err = m.Int64Counter("livelink.playback.interrupts",
		metric.WithDescription("Playback interruptions by reason."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.ResponseLatency, err = m.Float64Histogram("livelink.response.latency",
		metric.WithDescription("Delay between committing a user turn and the first assistant audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("livelink.session.duration",
		metric.WithDescription("Connected lifetime of live sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("livelink.active_sessions",
		metric.WithDescription("Number of live sessions."),
	); err != nil {
		return nil, err
	}

	if met.AdminRequestDuration, err = m.Float64Histogram("livelink.admin.request.duration",
		metric.WithDescription("Admin endpoint latency by route and status."),
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

// RecordFrameSent records one outbound message of the given kind.
func (m *Metrics) RecordFrameSent(ctx context.Context, kind string) {
	m.FramesSent.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordFrameDropped records one outbound frame that was withheld.
func (m *Metrics) RecordFrameDropped(ctx context.Context, kind, reason string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("reason", reason),
		),
	)
}

// RecordInboundEvent records one decoded inbound event.
func (m *Metrics) RecordInboundEvent(ctx context.Context, eventType string) {
	m.InboundEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

// RecordInterrupt records one effective playback interrupt.
func (m *Metrics) RecordInterrupt(ctx context.Context, reason string) {
	m.PlaybackInterrupts.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordResponseLatency records the commit-to-first-audio delay.
func (m *Metrics) RecordResponseLatency(ctx context.Context, d time.Duration) {
	m.ResponseLatency.Record(ctx, d.Seconds())
}
