// Package pipetypes holds small, dependency-free data types shared across
// the pipeline packages (fsm, inbox, router, queue) that would otherwise
// force an import cycle if each defined its own copy.
package pipetypes

import "time"

// Utterance is one segmented chunk of user audio, as produced by the
// segmenter and consumed by the state machine's bounded buffer and the
// orchestrator's STT step.
type Utterance struct {
	UserID     string
	WAV        []byte
	DurationMs int64
}

// Message is a single chat-history entry, already flattened to plain text
// (gateway content blocks are reduced to their first text block before
// reaching this type).
type Message struct {
	Role      string
	Content   string
	Label     string
	Timestamp time.Time
}

// InboxActivity summarizes unseen activity in one channel, as produced by
// the inbox tracker and consumed by the state machine's InboxFlow state and
// the orchestrator's inbox-next handler.
type InboxActivity struct {
	Channel           string
	NewMessageCount   int
	QueuedReadyCount  int
	NewMessages       []Message
	EarliestTimestamp time.Time
}
