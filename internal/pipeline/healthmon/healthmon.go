// Package healthmon tracks the voice pipeline's HealthCounters and runs the
// periodic snapshot/diff/alert loop that surfaces them.
//
// Counters only ever move up. Nothing in this package resets them — not a
// Stop call, not a snapshot, not an alert. The monitor's only job is to
// notice when a window of activity produced more errors/violations/fires
// than the last one and say so.
package healthmon

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/arcvox/voicebot/internal/observe"
)

// Counters holds the pipeline's monotonically non-decreasing health totals.
// Every field is updated with atomic.AddInt64 so it can be read from the
// monitor's ticker goroutine while the orchestrator's single-threaded event
// loop keeps incrementing it.
type Counters struct {
	utterancesProcessed int64
	commandsRecognized  int64
	llmDispatches       int64
	errors              int64
	sttFailures         int64
	ttsFailures         int64
	invariantViolations int64
	stallWatchdogFires  int64
	dependencyFlaps     int64
}

// Snapshot is a point-in-time copy of [Counters], safe to pass around and
// compare by value.
type Snapshot struct {
	UtterancesProcessed int64
	CommandsRecognized  int64
	LLMDispatches       int64
	Errors              int64
	STTFailures         int64
	TTSFailures         int64
	InvariantViolations int64
	StallWatchdogFires  int64
	DependencyFlaps     int64
}

// Snapshot reads the current value of every counter.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		UtterancesProcessed: atomic.LoadInt64(&c.utterancesProcessed),
		CommandsRecognized:  atomic.LoadInt64(&c.commandsRecognized),
		LLMDispatches:       atomic.LoadInt64(&c.llmDispatches),
		Errors:              atomic.LoadInt64(&c.errors),
		STTFailures:         atomic.LoadInt64(&c.sttFailures),
		TTSFailures:         atomic.LoadInt64(&c.ttsFailures),
		InvariantViolations: atomic.LoadInt64(&c.invariantViolations),
		StallWatchdogFires:  atomic.LoadInt64(&c.stallWatchdogFires),
		DependencyFlaps:     atomic.LoadInt64(&c.dependencyFlaps),
	}
}

// IncUtteranceProcessed increments UtterancesProcessed.
func (c *Counters) IncUtteranceProcessed() { atomic.AddInt64(&c.utterancesProcessed, 1) }

// IncCommandRecognized increments CommandsRecognized.
func (c *Counters) IncCommandRecognized() { atomic.AddInt64(&c.commandsRecognized, 1) }

// IncLLMDispatch increments LLMDispatches.
func (c *Counters) IncLLMDispatch() { atomic.AddInt64(&c.llmDispatches, 1) }

// IncError increments Errors.
func (c *Counters) IncError() { atomic.AddInt64(&c.errors, 1) }

// IncSTTFailure increments STTFailures and Errors.
func (c *Counters) IncSTTFailure() {
	atomic.AddInt64(&c.sttFailures, 1)
	atomic.AddInt64(&c.errors, 1)
}

// IncTTSFailure increments TTSFailures and Errors.
func (c *Counters) IncTTSFailure() {
	atomic.AddInt64(&c.ttsFailures, 1)
	atomic.AddInt64(&c.errors, 1)
}

// IncInvariantViolation increments InvariantViolations.
func (c *Counters) IncInvariantViolation() { atomic.AddInt64(&c.invariantViolations, 1) }

// IncStallWatchdogFire increments StallWatchdogFires.
func (c *Counters) IncStallWatchdogFire() { atomic.AddInt64(&c.stallWatchdogFires, 1) }

// IncDependencyFlap increments DependencyFlaps.
func (c *Counters) IncDependencyFlap() { atomic.AddInt64(&c.dependencyFlaps, 1) }

// defaultInterval is how often the monitor diffs and publishes a snapshot
// when no WithInterval option is given.
const defaultInterval = 30 * time.Second

// alertThresholds gate when a diff is loud enough to log at Warn instead of
// Debug. These are deliberately generous: the monitor runs every 30s by
// default, so a handful of STT hiccups in a window is normal chatter, not
// an incident.
const (
	errorAlertThreshold     = 5
	violationAlertThreshold = 1
	watchdogAlertThreshold  = 1
)

// Option configures a [Monitor].
type Option func(*Monitor)

// WithInterval overrides the default 30s snapshot interval.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithLogger overrides the default slog.Default() logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.log = logger
		}
	}
}

// WithMetrics overrides the default observe.DefaultMetrics() instance,
// primarily for tests that want an isolated meter provider.
func WithMetrics(metrics *observe.Metrics) Option {
	return func(m *Monitor) {
		if metrics != nil {
			m.metrics = metrics
		}
	}
}

// Monitor periodically snapshots a [Counters], diffs it against the
// previous snapshot, exports the running totals as OTel counters, and logs
// an alert when a window's deltas cross the configured thresholds.
//
// Monitor never mutates Counters; it is strictly a read-side consumer, the
// same relationship the stall watchdog and dependency monitor have to
// orchestrator state — periodic tasks observe, they do not drive.
type Monitor struct {
	counters *Counters
	interval time.Duration
	log      *slog.Logger
	metrics  *observe.Metrics

	mu   sync.Mutex
	last Snapshot
}

// observeAttr is a local alias kept for readability at call sites that pass
// a single metric attribute; see internal/observe.Attr.
func observeAttr(key, value string) metric.AddOption {
	return metric.WithAttributes(attribute.String(key, value))
}

// New constructs a Monitor over counters. counters must outlive the
// Monitor's Run call.
func New(counters *Counters, opts ...Option) *Monitor {
	m := &Monitor{
		counters: counters,
		interval: defaultInterval,
		log:      slog.Default().With("component", "healthmon"),
		metrics:  observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Run ticks every m.interval, diffing and exporting a snapshot, until ctx
// is cancelled. It takes one snapshot immediately on entry so a short-lived
// session still gets one export.
func (m *Monitor) Run(ctx context.Context) {
	m.tick(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick takes one snapshot, diffs it against the previous tick, exports the
// delta to OTel, and alerts if the window's deltas warrant it.
func (m *Monitor) tick(ctx context.Context) {
	snap := m.counters.Snapshot()

	m.mu.Lock()
	prev := m.last
	m.last = snap
	m.mu.Unlock()

	d := diff(prev, snap)
	m.export(ctx, d)
	m.alert(snap, d)
}

// export publishes a window's deltas to OTel as counter increments. OTel
// counters are Add-only; Monitor tracks the last snapshot itself (in tick)
// so each export adds only what changed since the previous window.
func (m *Monitor) export(ctx context.Context, d Snapshot) {
	if d.UtterancesProcessed > 0 {
		m.metrics.PipelineUtterances.Add(ctx, d.UtterancesProcessed, observeAttr("outcome", "processed"))
	}
	if d.CommandsRecognized > 0 {
		m.metrics.PipelineCommandsRecognized.Add(ctx, d.CommandsRecognized)
	}
	if d.LLMDispatches > 0 {
		m.metrics.PipelineLLMDispatches.Add(ctx, d.LLMDispatches)
	}
	if d.Errors > 0 {
		m.metrics.PipelineErrors.Add(ctx, d.Errors)
	}
	if d.InvariantViolations > 0 {
		m.metrics.PipelineInvariantViolations.Add(ctx, d.InvariantViolations)
	}
	if d.StallWatchdogFires > 0 {
		m.metrics.PipelineStallWatchdogFires.Add(ctx, d.StallWatchdogFires)
	}
	if d.DependencyFlaps > 0 {
		m.metrics.PipelineDependencyFlaps.Add(ctx, d.DependencyFlaps)
	}
}

// alert logs at Warn when this window's deltas cross the alert thresholds,
// and at Debug otherwise, always including the full running totals so a
// reader can correlate an alert with the cumulative counts.
func (m *Monitor) alert(snap Snapshot, d Snapshot) {
	loud := d.Errors >= errorAlertThreshold ||
		d.InvariantViolations >= violationAlertThreshold ||
		d.StallWatchdogFires >= watchdogAlertThreshold

	attrs := []any{
		"window_errors", d.Errors,
		"window_invariant_violations", d.InvariantViolations,
		"window_stall_watchdog_fires", d.StallWatchdogFires,
		"window_dependency_flaps", d.DependencyFlaps,
		"total_utterances_processed", snap.UtterancesProcessed,
		"total_errors", snap.Errors,
	}
	if loud {
		m.log.Warn("health window crossed alert threshold", attrs...)
		return
	}
	m.log.Debug("health snapshot", attrs...)
}

// diff returns the non-negative per-field delta of b over a. Counters only
// move forward, so every field is b-a; no field can go negative short of a
// process restart resetting the backing Counters, which diff does not try
// to special-case.
func diff(a, b Snapshot) Snapshot {
	return Snapshot{
		UtterancesProcessed: b.UtterancesProcessed - a.UtterancesProcessed,
		CommandsRecognized:  b.CommandsRecognized - a.CommandsRecognized,
		LLMDispatches:       b.LLMDispatches - a.LLMDispatches,
		Errors:              b.Errors - a.Errors,
		STTFailures:         b.STTFailures - a.STTFailures,
		TTSFailures:         b.TTSFailures - a.TTSFailures,
		InvariantViolations: b.InvariantViolations - a.InvariantViolations,
		StallWatchdogFires:  b.StallWatchdogFires - a.StallWatchdogFires,
		DependencyFlaps:     b.DependencyFlaps - a.DependencyFlaps,
	}
}
