// Package observe provides the engine's observability primitives:
// OpenTelemetry metrics with a Prometheus exporter bridge, tracing helpers,
// and HTTP middleware for the health endpoint.
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

// meterName is the instrumentation scope name used for all engine metrics.
const meterName = "github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000"

// Metrics holds all OpenTelemetry metric instruments for the engine.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TurnLatency tracks final-transcript to first-egress-audio latency.
	TurnLatency metric.Float64Histogram

	// STTTimeToFinal tracks end-of-speech to final-transcript latency.
	STTTimeToFinal metric.Float64Histogram

	// TTSFirstByte tracks synthesis-request to first-audio-chunk latency.
	TTSFirstByte metric.Float64Histogram

	// ToolExecutionDuration tracks tool execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// CallDuration tracks full call lengths.
	CallDuration metric.Float64Histogram

	// --- Counters ---

	// CallsTotal counts answered calls.
	CallsTotal metric.Int64Counter

	// CallOutcomes counts call endings. Use with attribute:
	//   attribute.String("outcome", ...)
	CallOutcomes metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// Interrupts counts caller barge-ins.
	Interrupts metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live calls.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for conversational voice latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// callDurationBuckets covers typical call lengths in seconds.
var callDurationBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnLatency, err = m.Float64Histogram("voiceagent.turn.latency",
		metric.WithDescription("Latency from final transcript to first egress audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.STTTimeToFinal, err = m.Float64Histogram("voiceagent.stt.time_to_final",
		metric.WithDescription("Latency from end of speech to the final transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSFirstByte, err = m.Float64Histogram("voiceagent.tts.first_byte",
		metric.WithDescription("Latency from synthesis request to first audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("voiceagent.tool.duration",
		metric.WithDescription("Latency of tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("voiceagent.call.duration",
		metric.WithDescription("Full call duration."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callDurationBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CallsTotal, err = m.Int64Counter("voiceagent.calls.total",
		metric.WithDescription("Total answered calls."),
	); err != nil {
		return nil, err
	}
	if met.CallOutcomes, err = m.Int64Counter("voiceagent.calls.outcomes",
		metric.WithDescription("Call endings by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("voiceagent.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("voiceagent.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.Interrupts, err = m.Int64Counter("voiceagent.interrupts",
		metric.WithDescription("Total caller barge-ins during agent speech."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("voiceagent.active_calls",
		metric.WithDescription("Number of live calls."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voiceagent.http.request.duration",
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

// RecordCallStart marks one answered call.
func (m *Metrics) RecordCallStart(ctx context.Context) {
	m.CallsTotal.Add(ctx, 1)
	m.ActiveCalls.Add(ctx, 1)
}

// RecordCallEnd marks one ended call with its outcome and duration.
func (m *Metrics) RecordCallEnd(ctx context.Context, outcome string, duration time.Duration) {
	m.ActiveCalls.Add(ctx, -1)
	m.CallOutcomes.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
	m.CallDuration.Record(ctx, duration.Seconds())
}

// RecordToolCall records a tool invocation with its status and duration.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string, duration time.Duration) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
	m.ToolExecutionDuration.Record(ctx, duration.Seconds())
}

// RecordProviderError records a provider error by provider name and error
// kind.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordTurnLatency records one turn's thinking-to-audio latency.
func (m *Metrics) RecordTurnLatency(ctx context.Context, d time.Duration) {
	m.TurnLatency.Record(ctx, d.Seconds())
}

// RecordInterrupt records one caller barge-in.
func (m *Metrics) RecordInterrupt(ctx context.Context) {
	m.Interrupts.Add(ctx, 1)
}
