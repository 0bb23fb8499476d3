package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/arcvox/voicebot/internal/pipeline/earcon"
	"github.com/arcvox/voicebot/internal/pipeline/fsm"
)

const (
	// stallDeadline is how long the pipeline may stay out of Idle before
	// the watchdog forces it back.
	stallDeadline = 60 * time.Second

	// watchdogTick is the watchdog's polling granularity.
	watchdogTick = time.Second

	// auditInterval is how often the periodic invariant audit runs, on top
	// of the audit performed on every state change.
	auditInterval = 10 * time.Second
)

// runWatchdog polls the stall deadline. The deadline is armed whenever the
// state leaves Idle and re-armed on every state change; a fire means some
// path wedged without returning to Idle.
func (o *Orchestrator) runWatchdog(ctx context.Context) {
	ticker := time.NewTicker(watchdogTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.mu.Lock()
			deadline := o.ctx.stallWatchdogDeadline
			o.mu.Unlock()
			if !deadline.IsZero() && time.Now().After(deadline) {
				o.fireWatchdog(ctx)
			}
		}
	}
}

// fireWatchdog recovers from a stall: counter, error cue, forced return to
// Idle, and a cleared transient context. Counters survive.
func (o *Orchestrator) fireWatchdog(ctx context.Context) {
	o.deps.Counters.IncStallWatchdogFire()
	o.log.Error("stall watchdog fired, resetting pipeline",
		"state", fmt.Sprintf("%T", o.deps.Machine.State()))

	o.deps.Audio.StopPlayback()
	o.playEarcon(ctx, earcon.Error)
	o.applyEffects(ctx, o.transition(fsm.ReturnToIdle{}))

	o.mu.Lock()
	o.ctx.reset()
	o.mu.Unlock()
}

// runAuditor runs the full invariant audit periodically; the per-change
// audit in afterStateChange covers only the timer invariant because audio
// state legitimately lags a Speaking transition by one suspension point.
func (o *Orchestrator) runAuditor(ctx context.Context) {
	ticker := time.NewTicker(auditInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.auditFull()
		}
	}
}

// audit checks the timer liveness invariant against the given state. Called
// on every state change. While a turn is in flight an Awaiting* state has
// its timers deliberately paused, so that direction is skipped until the
// turn completes.
func (o *Orchestrator) audit(state fsm.State) {
	timers := o.deps.Machine.HasActiveTimers()
	if isAwaiting(state) && !timers && !o.inTurn.Load() {
		o.violation("awaiting-state-without-timers", state)
	}
	if !isAwaiting(state) && timers {
		o.violation("timers-outside-awaiting-state", state)
	}
}

// auditFull additionally checks the audio-coupled invariants that are only
// meaningful between turns.
func (o *Orchestrator) auditFull() {
	state := o.deps.Machine.State()
	o.audit(state)

	switch state.(type) {
	case fsm.Speaking:
		if !o.deps.Audio.IsPlaying() && !o.deps.Audio.IsWaiting() {
			o.violation("speaking-without-audio", state)
		}
	case fsm.Idle:
		o.mu.Lock()
		pending := o.ctx.pendingWait != nil
		o.mu.Unlock()
		if o.deps.Audio.IsWaiting() && !pending {
			o.violation("idle-with-orphan-waiting-loop", state)
		}
	}
}

// violation records one invariant violation. Never throws; the pipeline
// keeps running.
func (o *Orchestrator) violation(label string, state fsm.State) {
	o.deps.Counters.IncInvariantViolation()
	o.log.Warn("invariant violation", "violation", label, "state", fmt.Sprintf("%T", state))
}
