package orchestrator

import (
	"context"
	"time"
)

// VoiceSettings holds the mutable voice-command-adjustable knobs: bot name
// (used by command.MatchesWakeWord), gated-mode on/off, the noise-level
// display string and the delay in milliseconds spoken back by the
// Noise/Delay handlers. None
// of these are part of the pipeline state machine; they are
// orchestrator-owned exactly like pipelineContext.
type VoiceSettings struct {
	BotName    string
	GatedMode  bool
	NoiseLevel string
	DelayMs    int64
}

// defaultBotName is used when no explicit name is configured, matching the
// default every voice command example in this package's tests assumes.
const defaultBotName = "watson"

const delayStepMs = 250

func newVoiceSettings() VoiceSettings {
	return VoiceSettings{
		BotName:    defaultBotName,
		GatedMode:  false,
		NoiseLevel: "medium",
		DelayMs:    0,
	}
}

// waitCallback is the single-shot deferred delivery armed by wait-mode
// dispatch and by the queue-choice "wait" reply. Arming a new one cancels
// the previous instance; cancel is also invoked by Pause and CancelFlow.
type waitCallback struct {
	itemID string
	cancel context.CancelFunc
}

// pipelineContext is the orchestrator's transient, per-session state:
// everything that is not part of the fsm's own PipelineState but still
// needs to survive across utterances. Every field has a defined zero value
// that reset restores; Stop resets the context but never the
// counters.
type pipelineContext struct {
	traceID                        string
	gateGraceUntil                 time.Time
	promptGraceUntil               time.Time
	silentWait                     bool
	pendingWait                    *waitCallback
	activeWaitQueueItemID          string
	speculativeQueueItemID         string
	deferredWaitResponseText       string
	lastPlaybackText               string
	lastPlaybackCompletedAt        time.Time
	failedWakeCueCooldownUntil     time.Time
	newPostTimeoutPromptGuardUntil time.Time
	rejectRepromptInFlight         bool
	idleNotifyInFlight             bool
	missedWakeAnalysisInFlight     bool
	lastAccessedPerChannel         map[string]time.Time
	stallWatchdogDeadline          time.Time
}

func newPipelineContext() pipelineContext {
	return pipelineContext{lastAccessedPerChannel: make(map[string]time.Time)}
}

// reset restores every field to its zero value, cancelling the pending wait
// callback first so its goroutine does not deliver into a cleared context.
func (c *pipelineContext) reset() {
	if c.pendingWait != nil {
		c.pendingWait.cancel()
	}
	*c = newPipelineContext()
}
