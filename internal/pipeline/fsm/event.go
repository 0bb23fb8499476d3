package fsm

import (
	"time"

	"github.com/arcvox/voicebot/internal/pipeline/pipetypes"
)

// Event is the sum type of every input the state machine accepts via
// [Machine.Transition].
type Event interface {
	isEvent()
}

// UtteranceReceived signals that the segmenter has handed off a new
// utterance. Its effect depends entirely on the current state.
type UtteranceReceived struct{}

func (UtteranceReceived) isEvent() {}

// TranscriptReady carries the STT result for the utterance currently being
// transcribed.
type TranscriptReady struct{ Text string }

func (TranscriptReady) isEvent() {}

// ProcessingStarted marks the start of LLM dispatch.
type ProcessingStarted struct{}

func (ProcessingStarted) isEvent() {}

// ProcessingComplete marks the end of LLM dispatch with no further speech
// pending (e.g. a queued/ask-mode turn that does not speak immediately).
type ProcessingComplete struct{}

func (ProcessingComplete) isEvent() {}

// SpeakingStarted marks the start of TTS playback.
type SpeakingStarted struct{}

func (SpeakingStarted) isEvent() {}

// SpeakingComplete marks the end of TTS playback.
type SpeakingComplete struct{}

func (SpeakingComplete) isEvent() {}

// ReturnToIdle is the generic "this turn is over" event used by command and
// awaiting-handler completion paths.
type ReturnToIdle struct{}

func (ReturnToIdle) isEvent() {}

// CancelFlow abandons whatever Awaiting*/flow state is active.
type CancelFlow struct{}

func (CancelFlow) isEvent() {}

// EnterChannelSelection begins the channel-selection menu.
type EnterChannelSelection struct {
	Options []string
	Timeout *time.Duration
}

func (EnterChannelSelection) isEvent() {}

// EnterQueueChoice begins the ask-mode queue/wait/cancel menu.
type EnterQueueChoice struct {
	UserID     string
	Transcript string
	Timeout    *time.Duration
}

func (EnterQueueChoice) isEvent() {}

// EnterSwitchChoice begins the post-switch read/prompt/cancel menu.
type EnterSwitchChoice struct {
	LastMessage string
	Timeout     *time.Duration
}

func (EnterSwitchChoice) isEvent() {}

// EnterNewPostFlow begins the forum-post creation wizard at Step.
type EnterNewPostFlow struct {
	Step      NewPostStep
	ForumID   string
	ForumName string
	Title     string
	Timeout   *time.Duration
}

func (EnterNewPostFlow) isEvent() {}

// NewPostAdvance overwrites the current NewPostFlow with a new step and a
// freshly scheduled timer.
type NewPostAdvance struct {
	Step      NewPostStep
	ForumID   string
	ForumName string
	Title     string
	Timeout   *time.Duration
}

func (NewPostAdvance) isEvent() {}

// EnterInboxFlow begins the inbox walk-through. It schedules no timers.
type EnterInboxFlow struct {
	Items         []pipetypes.InboxActivity
	ReturnChannel string
}

func (EnterInboxFlow) isEvent() {}

// InboxAdvance moves to the next inbox item.
type InboxAdvance struct{}

func (InboxAdvance) isEvent() {}

// AwaitingInputReceived reports whether the awaiting handler recognized the
// user's reply. Recognized=false triggers a reprompt and timer reset;
// Recognized=true is sent only informationally by callers that want the
// machine to reset timers without mutating state (the orchestrator applies
// the actual state exit itself via ReturnToIdle/CancelFlow/NewPostAdvance).
type AwaitingInputReceived struct{ Recognized bool }

func (AwaitingInputReceived) isEvent() {}

// timerWarningFired and timerExpired are internal-only events synthesized
// by the machine's own timer goroutines; they are not part of the public
// Event set callers construct, but satisfy the Event interface so they can
// flow through the same transition path.
type timerWarningFired struct{}

func (timerWarningFired) isEvent() {}

type timerExpired struct{}

func (timerExpired) isEvent() {}
