// Package observe provides application-wide observability primitives for
// voicebot: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all voicebot metrics.
const meterName = "github.com/arcvox/voicebot"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks LLM inference latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveParticipants tracks the number of connected participants across
	// all sessions.
	ActiveParticipants metric.Int64UpDownCounter

	// DependencyUp tracks liveness of an external dependency as 1 (up) or 0
	// (down). Use with attribute: attribute.String("dependency", ...).
	DependencyUp metric.Int64UpDownCounter

	// --- Voice pipeline health counters ---
	// These mirror the pipeline orchestrator's in-process HealthCounters
	// snapshot (internal/pipeline/healthmon): every field there except the
	// STT and TTS failure counts gets an OTel counter here, so a scrape sees
	// the same monotonically non-decreasing totals the in-process snapshot
	// reports for those fields.

	// PipelineUtterances counts utterances the orchestrator has finished
	// processing, by outcome. Use with attribute: attribute.String("outcome", ...).
	PipelineUtterances metric.Int64Counter

	// PipelineCommandsRecognized counts utterances that parsed as a voice
	// command rather than a prompt.
	PipelineCommandsRecognized metric.Int64Counter

	// PipelineLLMDispatches counts LLM completion calls issued by the
	// orchestrator, across wait/queue/ask modes.
	PipelineLLMDispatches metric.Int64Counter

	// PipelineErrors counts orchestrator-level errors not already captured
	// by ProviderErrors (e.g. router/queue failures).
	PipelineErrors metric.Int64Counter

	// PipelineInvariantViolations counts invariant-auditor failures. Use
	// with attribute: attribute.String("invariant", ...).
	PipelineInvariantViolations metric.Int64Counter

	// PipelineStallWatchdogFires counts stall-watchdog deadline expirations.
	PipelineStallWatchdogFires metric.Int64Counter

	// PipelineDependencyFlaps counts dependency up/down transitions observed
	// by the dependency monitor.
	PipelineDependencyFlaps metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
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
	if met.STTDuration, err = m.Float64Histogram("voicebot.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("voicebot.llm.duration",
		metric.WithDescription("Latency of LLM inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("voicebot.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("voicebot.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("voicebot.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	if met.PipelineUtterances, err = m.Int64Counter("voicebot.pipeline.utterances",
		metric.WithDescription("Total utterances processed by the voice pipeline orchestrator, by outcome."),
	); err != nil {
		return nil, err
	}
	if met.PipelineCommandsRecognized, err = m.Int64Counter("voicebot.pipeline.commands_recognized",
		metric.WithDescription("Total utterances recognized as a voice command."),
	); err != nil {
		return nil, err
	}
	if met.PipelineLLMDispatches, err = m.Int64Counter("voicebot.pipeline.llm_dispatches",
		metric.WithDescription("Total LLM completion calls issued by the pipeline orchestrator."),
	); err != nil {
		return nil, err
	}
	if met.PipelineErrors, err = m.Int64Counter("voicebot.pipeline.errors",
		metric.WithDescription("Total pipeline orchestrator errors."),
	); err != nil {
		return nil, err
	}
	if met.PipelineInvariantViolations, err = m.Int64Counter("voicebot.pipeline.invariant_violations",
		metric.WithDescription("Total invariant-auditor violations, by invariant."),
	); err != nil {
		return nil, err
	}
	if met.PipelineStallWatchdogFires, err = m.Int64Counter("voicebot.pipeline.stall_watchdog_fires",
		metric.WithDescription("Total stall-watchdog deadline expirations."),
	); err != nil {
		return nil, err
	}
	if met.PipelineDependencyFlaps, err = m.Int64Counter("voicebot.pipeline.dependency_flaps",
		metric.WithDescription("Total dependency up/down transitions observed by the dependency monitor."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.DependencyUp, err = m.Int64UpDownCounter("voicebot.dependency.up",
		metric.WithDescription("Liveness of an external dependency: 1 up, 0 down."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicebot.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveParticipants, err = m.Int64UpDownCounter("voicebot.active_participants",
		metric.WithDescription("Number of connected participants across all sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicebot.http.request.duration",
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

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
