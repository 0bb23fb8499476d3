// Package fsm implements the pipeline state machine: the single owner of
// the conversation's current state, its timers, and its bounded utterance
// buffer. Every method is synchronous; timer callbacks are the only source
// of asynchrony, and they re-enter the machine's own lock before invoking
// the caller's handler.
package fsm

import (
	"time"

	"github.com/arcvox/voicebot/internal/pipeline/pipetypes"
)

// State is the sum type of every state the pipeline can occupy. Callers
// should type-switch on the concrete type rather than probing fields.
type State interface {
	isState()
}

// Idle is the resting state: nothing in flight, no timers armed.
type Idle struct{}

func (Idle) isState() {}

// Transcribing means an utterance was admitted and STT is in flight.
type Transcribing struct{}

func (Transcribing) isState() {}

// Processing means a transcript is being dispatched to the LLM.
type Processing struct{}

func (Processing) isState() {}

// Speaking means TTS audio is streaming to the audio adapter.
type Speaking struct{}

func (Speaking) isState() {}

// NewPostStep names one step of the new-post flow.
type NewPostStep string

const (
	NewPostStepForum NewPostStep = "forum"
	NewPostStepTitle NewPostStep = "title"
)

// awaitingTimers is embedded by every Awaiting* state (including
// NewPostFlow, which carries a deadline exactly like the others) to avoid
// repeating the same three fields four times.
type awaitingTimers struct {
	EnteredAt    time.Time
	TimeoutMs    int64
	WarningFired bool
}

// AwaitingChannelSelection is entered after a `switch` command with more
// than one candidate channel, or after `list`.
type AwaitingChannelSelection struct {
	awaitingTimers
	Options []string
}

func (AwaitingChannelSelection) isState() {}

// AwaitingQueueChoice is entered in ask-mode after a prompt has been
// enqueued and speculatively dispatched.
type AwaitingQueueChoice struct {
	awaitingTimers
	UserID     string
	Transcript string
}

func (AwaitingQueueChoice) isState() {}

// AwaitingSwitchChoice is entered after a successful channel switch when
// the target channel has a recent assistant message to offer.
type AwaitingSwitchChoice struct {
	awaitingTimers
	LastMessage string
}

func (AwaitingSwitchChoice) isState() {}

// NewPostFlow tracks the forum-post creation wizard.
type NewPostFlow struct {
	awaitingTimers
	Step      NewPostStep
	ForumID   string
	ForumName string
	Title     string
}

func (NewPostFlow) isState() {}

// InboxFlow walks the user through unseen activity one channel at a time.
// Unlike the Awaiting* states it carries no timers (spec: "no timers").
type InboxFlow struct {
	Items         []pipetypes.InboxActivity
	Index         int
	ReturnChannel string
}

func (InboxFlow) isState() {}

// hasTimers reports whether s is one of the four states that carry a
// scheduled warning/timeout pair. InboxFlow is a flow state but is
// deliberately excluded: it never schedules timers.
func hasTimers(s State) bool {
	switch s.(type) {
	case AwaitingChannelSelection, AwaitingQueueChoice, AwaitingSwitchChoice, NewPostFlow:
		return true
	default:
		return false
	}
}
