package fsm

import "github.com/arcvox/voicebot/internal/pipeline/earcon"

// Effect is the sum type of everything [Machine.Transition] and a fired
// timer can ask the orchestrator to do. Effects are returned in the order
// they must be applied.
type Effect interface {
	isEffect()
}

// Earcon asks the audio adapter to play the named short feedback sound.
type Earcon struct{ Name earcon.Name }

func (Earcon) isEffect() {}

// Speak asks the orchestrator to synthesize and play Text via TTS.
type Speak struct{ Text string }

func (Speak) isEffect() {}

// StopPlayback asks the audio adapter to immediately halt whatever is
// currently playing.
type StopPlayback struct{}

func (StopPlayback) isEffect() {}

// StartWaitingLoop asks the audio adapter to begin the waiting-tone loop.
// The state machine's own transitions never emit this; the orchestrator
// constructs it directly when wait-mode dispatch begins (spec.md §4.6 step
// 9), but it shares the Effect sum type so orchestrator code can apply
// every effect — fsm-produced or its own — through one ordered list.
type StartWaitingLoop struct{}

func (StartWaitingLoop) isEffect() {}

// StopWaitingLoop asks the audio adapter to stop the waiting-tone loop.
type StopWaitingLoop struct{}

func (StopWaitingLoop) isEffect() {}
