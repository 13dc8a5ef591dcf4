// Package observe provides application-wide observability primitives for
// MarketVox: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all MarketVox metrics.
const meterName = "github.com/marketvox/marketvox"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TurnDuration tracks whole-turn latency from final transcript to spoken
	// response. Use with attribute.String("status", ...).
	TurnDuration metric.Float64Histogram

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks LLM inference latency. Use with
	// attribute.String("stage", ...) to split intent vs respond vs finalize.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// ToolDuration tracks tool invocation latency. Use with
	// attribute.String("tool", ...).
	ToolDuration metric.Float64Histogram

	// GateWait tracks how long callers queue behind the LLM gate before
	// admission. Wire via [Metrics.GateWaitHook].
	GateWait metric.Float64Histogram

	// --- Counters ---

	// Turns counts completed turns. Use with attribute.String("status", ...)
	// — "ok", "degraded", or "aborted".
	Turns metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// CacheEvents counts cache lookups. Use with attribute:
	//   attribute.String("result", ...) — "hit", "miss", or "error"
	CacheEvents metric.Int64Counter

	// TTSChunks counts outbound tts_chunk frames delivered to clients.
	TTSChunks metric.Int64Counter

	// BargeIns counts response streams cut short by user interruption.
	BargeIns metric.Int64Counter

	// FinalizerRuns counts memory finalizer completions. Use with attribute:
	//   attribute.String("outcome", ...)
	FinalizerRuns metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("marketvox.turn.duration",
		metric.WithDescription("Latency of one full agent turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.STTDuration, err = m.Float64Histogram("marketvox.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("marketvox.llm.duration",
		metric.WithDescription("Latency of LLM inference by pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("marketvox.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolDuration, err = m.Float64Histogram("marketvox.tool.duration",
		metric.WithDescription("Latency of tool invocations by tool name."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.GateWait, err = m.Float64Histogram("marketvox.gate.wait",
		metric.WithDescription("Queue wait before LLM gate admission."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("marketvox.turns",
		metric.WithDescription("Total completed turns by status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("marketvox.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.CacheEvents, err = m.Int64Counter("marketvox.cache.events",
		metric.WithDescription("Total cache lookups by result."),
	); err != nil {
		return nil, err
	}
	if met.TTSChunks, err = m.Int64Counter("marketvox.tts.chunks",
		metric.WithDescription("Total outbound tts_chunk frames."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("marketvox.barge_ins",
		metric.WithDescription("Total response streams interrupted by the user."),
	); err != nil {
		return nil, err
	}
	if met.FinalizerRuns, err = m.Int64Counter("marketvox.finalizer.runs",
		metric.WithDescription("Total memory finalizer completions by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("marketvox.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("marketvox.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("marketvox.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// ObserveGateDepth registers an observable gauge that samples fn on each
// collection. fn is typically the gate's Depth method.
func ObserveGateDepth(mp metric.MeterProvider, fn func() int) error {
	meter := mp.Meter(meterName)
	_, err := meter.Int64ObservableGauge("marketvox.gate.depth",
		metric.WithDescription("Number of callers queued behind the LLM gate."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(fn()))
			return nil
		}),
	)
	return err
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

// RecordTurn records one completed turn with its status and duration.
func (m *Metrics) RecordTurn(ctx context.Context, status string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.Turns.Add(ctx, 1, attrs)
	m.TurnDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordToolCall records a tool invocation with its status and duration.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string, d time.Duration) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
	m.ToolDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("tool", tool)),
	)
}

// RecordCacheEvent records one cache lookup result ("hit", "miss", "error").
func (m *Metrics) RecordCacheEvent(ctx context.Context, result string) {
	m.CacheEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)),
	)
}

// RecordTTSChunks adds n delivered tts_chunk frames.
func (m *Metrics) RecordTTSChunks(ctx context.Context, n int64) {
	m.TTSChunks.Add(ctx, n)
}

// RecordBargeIn records one interrupted response stream.
func (m *Metrics) RecordBargeIn(ctx context.Context) {
	m.BargeIns.Add(ctx, 1)
}

// RecordFinalizer records one memory finalizer completion by outcome.
func (m *Metrics) RecordFinalizer(ctx context.Context, outcome string) {
	m.FinalizerRuns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// SessionStarted increments the active-session gauge.
func (m *Metrics) SessionStarted(ctx context.Context) {
	m.ActiveSessions.Add(ctx, 1)
}

// SessionEnded decrements the active-session gauge.
func (m *Metrics) SessionEnded(ctx context.Context) {
	m.ActiveSessions.Add(ctx, -1)
}

// GateWaitHook returns a callback for gate.WithWaitHook that records queue
// wait into the GateWait histogram.
func (m *Metrics) GateWaitHook() func(wait time.Duration) {
	return func(wait time.Duration) {
		m.GateWait.Record(context.Background(), wait.Seconds())
	}
}
