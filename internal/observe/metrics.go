// Package observe carries the telemetry of a voice session: OpenTelemetry
// instruments for every pipeline stage, spans around provider round trips,
// a trace-aware logger and the control API middleware.
//
// Instruments are exported in Prometheus format once [InitProvider] has run.
// Components receive a [*Metrics] explicitly; a nil receiver disables
// recording, and tests build their own with [NewMetrics] over a manual reader.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all lifevoice metrics.
const meterName = "github.com/MrWong99/lifevoice"

// Metrics holds the instruments of one process. Safe for concurrent use.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// DialogueDuration tracks the time from a user utterance to the final
	// assistant reply.
	DialogueDuration metric.Float64Histogram

	// TTSDuration tracks speech synthesis fetch latency.
	TTSDuration metric.Float64Histogram

	// CaptureStartDuration tracks how long the recognition provider takes to
	// confirm it is listening.
	CaptureStartDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// StateTransitions counts orchestrator state changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// CaptureRestarts counts transparent recognition stream restarts.
	CaptureRestarts metric.Int64Counter

	// PlaybackEntries counts processed playback queue entries. Use with
	// attribute:
	//   attribute.String("status", ...)
	PlaybackEntries metric.Int64Counter

	// Utterances counts finished user utterances.
	Utterances metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// CaptureErrors counts classified recognition errors. Use with attributes:
	//   attribute.String("code", ...), attribute.String("class", ...)
	CaptureErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets spans a fast synthesis chunk up to a slow LLM turn, in seconds.
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
	if met.DialogueDuration, err = m.Float64Histogram("lifevoice.dialogue.duration",
		metric.WithDescription("Latency from user utterance to final assistant reply."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("lifevoice.tts.duration",
		metric.WithDescription("Latency of speech synthesis fetches."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CaptureStartDuration, err = m.Float64Histogram("lifevoice.capture.start.duration",
		metric.WithDescription("Time until the recognition provider confirms listening."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("lifevoice.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("lifevoice.session.transitions",
		metric.WithDescription("Total session state transitions by source and target state."),
	); err != nil {
		return nil, err
	}
	if met.CaptureRestarts, err = m.Int64Counter("lifevoice.capture.restarts",
		metric.WithDescription("Total transparent recognition stream restarts."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackEntries, err = m.Int64Counter("lifevoice.playback.entries",
		metric.WithDescription("Total playback queue entries by outcome."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("lifevoice.utterances",
		metric.WithDescription("Total finished user utterances."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("lifevoice.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.CaptureErrors, err = m.Int64Counter("lifevoice.capture.errors",
		metric.WithDescription("Total recognition errors by code and classification."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("lifevoice.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("lifevoice.http.request.duration",
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

// DefaultMetrics returns the process-wide [Metrics] bound to the global meter
// provider, so call it after [InitProvider]. It panics if an instrument cannot
// be created.
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

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	if m == nil {
		return
	}
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	if m == nil {
		return
	}
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordTransition records a session state change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordCaptureError records a classified recognition error.
func (m *Metrics) RecordCaptureError(ctx context.Context, code, class string) {
	if m == nil {
		return
	}
	m.CaptureErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("code", code),
			attribute.String("class", class),
		),
	)
}

// RecordCaptureRestart records a transparent recognition stream restart.
func (m *Metrics) RecordCaptureRestart(ctx context.Context) {
	if m == nil {
		return
	}
	m.CaptureRestarts.Add(ctx, 1)
}

// RecordCaptureStart records the time the provider took to confirm listening.
func (m *Metrics) RecordCaptureStart(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.CaptureStartDuration.Record(ctx, d.Seconds())
}

// RecordUtterance records a finished user utterance.
func (m *Metrics) RecordUtterance(ctx context.Context) {
	if m == nil {
		return
	}
	m.Utterances.Add(ctx, 1)
}

// RecordPlaybackEntry records the outcome of one playback queue entry
// ("played", "failed" or "cancelled").
func (m *Metrics) RecordPlaybackEntry(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.PlaybackEntries.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordSynthesis records a speech synthesis fetch.
func (m *Metrics) RecordSynthesis(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.TTSDuration.Record(ctx, d.Seconds())
}

// RecordDialogue records the latency of one dialogue turn.
func (m *Metrics) RecordDialogue(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.DialogueDuration.Record(ctx, d.Seconds())
}

// SessionStarted increments the active session gauge.
func (m *Metrics) SessionStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, 1)
}

// SessionEnded decrements the active session gauge.
func (m *Metrics) SessionEnded(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, -1)
}
