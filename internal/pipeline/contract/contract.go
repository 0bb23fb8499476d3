// Package contract holds the static table of interaction contracts: the
// single source of truth for default timeouts, reprompt text, timeout
// text, and accepted intents for every user-facing prompt the pipeline
// state machine can enter. No other package hard-codes these strings.
package contract

import (
	"time"

	"github.com/arcvox/voicebot/internal/pipeline/command"
)

// ID identifies one of the built-in interaction contracts.
type ID string

const (
	ChannelSelection ID = "channel-selection"
	QueueChoice      ID = "queue-choice"
	SwitchChoice     ID = "switch-choice"
	NewPostForum     ID = "new-post-forum"
	NewPostTitle     ID = "new-post-title"
	NewPostBody      ID = "new-post-body"
)

// warningLeadTime is how long before expiry the single pre-expiry warning
// earcon fires, for every contract.
const warningLeadTime = 5 * time.Second

// Contract describes one user-facing prompt: how long the user has to
// respond, what to say on an unrecognized reply, what to say on timeout,
// and which intents are accepted as an exit from the prompt.
type Contract struct {
	ID              ID
	DefaultTimeout  time.Duration
	RepromptText    string
	TimeoutText     string
	AcceptedIntents map[command.IntentTag]struct{}
}

// WarningLeadTime returns how long before expiry the timeout-warning
// earcon fires for this contract. It is fixed at 5s for every contract.
func (c Contract) WarningLeadTime() time.Duration { return warningLeadTime }

// DefaultWarningLeadTime returns the fixed 5s warning lead time shared by
// every contract, for callers that have not yet resolved a specific
// contract ID.
func DefaultWarningLeadTime() time.Duration { return warningLeadTime }

var table = map[ID]Contract{
	ChannelSelection: {
		ID:             ChannelSelection,
		DefaultTimeout: 15 * time.Second,
		RepromptText:   "Sorry, I didn't catch which channel. Please say the number or name again.",
		TimeoutText:    "I didn't hear a channel selection in time, so I've cancelled that.",
		AcceptedIntents: intents(
			command.IntentSwitch, command.IntentList, command.IntentDefault, command.IntentInboxCheck,
		),
	},
	QueueChoice: {
		ID:             QueueChoice,
		DefaultTimeout: 20 * time.Second,
		RepromptText:   "Should I queue that, wait for it, or cancel?",
		TimeoutText:    "I didn't hear a choice in time, so I've cancelled that request.",
		AcceptedIntents: intents(
			command.IntentSwitch, command.IntentList, command.IntentDefault, command.IntentInboxCheck,
		),
	},
	SwitchChoice: {
		ID:             SwitchChoice,
		DefaultTimeout: 30 * time.Second,
		RepromptText:   "Would you like me to read the last message, or start a new prompt?",
		TimeoutText:    "I didn't hear a choice in time, so I've cancelled that.",
		AcceptedIntents: intents(
			command.IntentSwitch, command.IntentList, command.IntentDefault, command.IntentInboxCheck,
		),
	},
	NewPostForum: {
		ID:             NewPostForum,
		DefaultTimeout: 30 * time.Second,
		RepromptText:   "Which forum should this post go in?",
		TimeoutText:    "I didn't hear a forum in time, so I've cancelled the new post.",
		AcceptedIntents: intents(
			command.IntentSwitch, command.IntentList, command.IntentDefault,
		),
	},
	NewPostTitle: {
		ID:             NewPostTitle,
		DefaultTimeout: 30 * time.Second,
		RepromptText:   "What should the title and body be?",
		TimeoutText:    "I didn't hear a title in time, so I've cancelled the new post.",
		AcceptedIntents: intents(
			command.IntentSwitch, command.IntentList, command.IntentDefault,
		),
	},
	NewPostBody: {
		ID:             NewPostBody,
		DefaultTimeout: 60 * time.Second,
		RepromptText:   "I'm still listening for the post body.",
		TimeoutText:    "I didn't hear a post body in time, so I've cancelled the new post.",
		AcceptedIntents: intents(
			command.IntentSwitch, command.IntentList, command.IntentDefault,
		),
	},
}

func intents(tags ...command.IntentTag) map[command.IntentTag]struct{} {
	m := make(map[command.IntentTag]struct{}, len(tags))
	for _, t := range tags {
		m[t] = struct{}{}
	}
	return m
}

// Get returns the contract for id and whether it exists.
func Get(id ID) (Contract, bool) {
	c, ok := table[id]
	return c, ok
}

// MustGet returns the contract for id, panicking if it is not a known
// built-in contract. Used at call sites where id is always a compile-time
// constant from this package.
func MustGet(id ID) Contract {
	c, ok := table[id]
	if !ok {
		panic("contract: unknown id " + string(id))
	}
	return c
}

// Accepts reports whether tag is an accepted exit intent for contract id.
func Accepts(id ID, tag command.IntentTag) bool {
	c, ok := table[id]
	if !ok {
		return false
	}
	_, accepted := c.AcceptedIntents[tag]
	return accepted
}
