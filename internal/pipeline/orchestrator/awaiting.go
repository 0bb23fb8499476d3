package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/arcvox/voicebot/internal/pipeline/command"
	"github.com/arcvox/voicebot/internal/pipeline/contract"
	"github.com/arcvox/voicebot/internal/pipeline/earcon"
	"github.com/arcvox/voicebot/internal/pipeline/fsm"
	"github.com/arcvox/voicebot/internal/pipeline/inbox"
	"github.com/arcvox/voicebot/internal/pipeline/pipetypes"
	"github.com/arcvox/voicebot/internal/pipeline/router"
)

// handleAwaiting is step 7: route a transcript to the contract-specific
// matcher for whichever menu state is active. Unmatched input falls back to
// any accepted global command before triggering a reprompt.
func (o *Orchestrator) handleAwaiting(ctx context.Context, userID, text string, state fsm.State) {
	switch st := state.(type) {
	case fsm.AwaitingChannelSelection:
		if idx := command.MatchChannelSelection(text, st.Options); idx >= 0 {
			o.playEarcon(ctx, earcon.Acknowledged)
			o.applyEffects(ctx, o.transition(fsm.ReturnToIdle{}))
			o.handleSwitch(ctx, st.Options[idx])
			return
		}
		o.rejectOrEscape(ctx, userID, text, contract.ChannelSelection)

	case fsm.AwaitingQueueChoice:
		if choice := command.MatchQueueChoice(text); choice != command.ChoiceNone {
			o.handleQueueChoice(ctx, choice)
			return
		}
		o.rejectOrEscape(ctx, userID, text, contract.QueueChoice)

	case fsm.AwaitingSwitchChoice:
		if choice := command.MatchSwitchChoice(text); choice != command.SwitchChoiceNone {
			o.handleSwitchChoice(ctx, choice, st.LastMessage)
			return
		}
		o.rejectOrEscape(ctx, userID, text, contract.SwitchChoice)

	case fsm.NewPostFlow:
		o.handleNewPostInput(ctx, userID, text, st)

	default:
		o.log.Warn("awaiting handler called outside a menu state", "state", fmt.Sprintf("%T", state))
	}
}

// rejectOrEscape lets an accepted global command exit the menu; anything
// else is an unrecognized reply, answered with the contract's reprompt and
// a timer reset.
func (o *Orchestrator) rejectOrEscape(ctx context.Context, userID, text string, id contract.ID) {
	if cmd, ok := command.ParseVoiceCommand(text, o.botName()); ok && contract.Accepts(id, cmd.Tag) {
		o.deps.Counters.IncCommandRecognized()
		o.applyEffects(ctx, o.transition(fsm.ReturnToIdle{}))
		o.handleCommand(ctx, userID, cmd)
		return
	}

	o.mu.Lock()
	inFlight := o.ctx.rejectRepromptInFlight
	o.ctx.rejectRepromptInFlight = true
	o.mu.Unlock()
	if inFlight {
		o.applyEffects(ctx, o.transition(fsm.AwaitingInputReceived{Recognized: true}))
		return
	}

	o.applyEffects(ctx, o.transition(fsm.AwaitingInputReceived{Recognized: false}))

	o.mu.Lock()
	o.ctx.rejectRepromptInFlight = false
	o.mu.Unlock()
}

// handleQueueChoice applies the ask-mode queue/wait/silent/cancel reply.
func (o *Orchestrator) handleQueueChoice(ctx context.Context, choice command.QueueChoice) {
	switch choice {
	case command.ChoiceQueue, command.ChoiceSilent:
		o.mu.Lock()
		o.ctx.speculativeQueueItemID = ""
		o.ctx.deferredWaitResponseText = ""
		o.mu.Unlock()
		o.playEarcon(ctx, earcon.Acknowledged)
		o.applyEffects(ctx, o.transition(fsm.ReturnToIdle{}))
		o.playEarcon(ctx, earcon.Ready)

	case command.ChoiceWait:
		o.mu.Lock()
		deferred := o.ctx.deferredWaitResponseText
		itemID := o.ctx.speculativeQueueItemID
		o.mu.Unlock()

		if deferred != "" {
			// The speculative dispatch already resolved: deliver now.
			o.mu.Lock()
			o.ctx.deferredWaitResponseText = ""
			o.ctx.speculativeQueueItemID = ""
			o.mu.Unlock()
			o.playEarcon(ctx, earcon.Acknowledged)
			o.applyEffects(ctx, o.transition(fsm.ReturnToIdle{}))
			o.speak(ctx, deferred)
			o.deps.Queue.MarkHeard(itemID)
			o.playEarcon(ctx, earcon.Ready)
			return
		}

		// Still in flight: arm the single-shot callback and let the
		// speculative dispatch deliver on completion.
		_, cancel := context.WithCancel(o.backgroundCtx())
		o.armPendingWait(itemID, cancel)
		o.playEarcon(ctx, earcon.Acknowledged)
		o.applyEffects(ctx, []fsm.Effect{fsm.StartWaitingLoop{}})
		o.applyEffects(ctx, o.transition(fsm.ReturnToIdle{}))

	case command.ChoiceCancel:
		o.mu.Lock()
		itemID := o.ctx.speculativeQueueItemID
		o.ctx.speculativeQueueItemID = ""
		o.ctx.deferredWaitResponseText = ""
		o.mu.Unlock()
		if itemID != "" {
			o.deps.Queue.MarkHeard(itemID)
		}
		o.applyEffects(ctx, o.transition(fsm.CancelFlow{}))
	}
}

// handleSwitchChoice applies the post-switch read/prompt/cancel reply.
func (o *Orchestrator) handleSwitchChoice(ctx context.Context, choice command.SwitchChoice, lastMessage string) {
	switch choice {
	case command.SwitchChoiceRead:
		o.playEarcon(ctx, earcon.Acknowledged)
		o.applyEffects(ctx, o.transition(fsm.ReturnToIdle{}))
		o.speak(ctx, lastMessage)
		o.openReadyGrace()
		o.playEarcon(ctx, earcon.Ready)

	case command.SwitchChoicePrompt:
		o.playEarcon(ctx, earcon.Acknowledged)
		o.applyEffects(ctx, o.transition(fsm.ReturnToIdle{}))
		o.openReadyGrace()
		o.speak(ctx, "Go ahead.")

	case command.SwitchChoiceCancel:
		o.applyEffects(ctx, o.transition(fsm.CancelFlow{}))
	}
}

// openReadyGrace opens the post-read grace window so a follow-up prompt can
// arrive without the wake word even in gated mode.
func (o *Orchestrator) openReadyGrace() {
	o.mu.Lock()
	o.ctx.gateGraceUntil = time.Now().Add(readyGraceWindow)
	o.mu.Unlock()
}

// handleNewPostInput advances the forum-post wizard by one step.
func (o *Orchestrator) handleNewPostInput(ctx context.Context, userID, text string, st fsm.NewPostFlow) {
	switch st.Step {
	case fsm.NewPostStepForum:
		forums, err := o.deps.Router.ForumChannels(ctx)
		if err != nil {
			o.deps.Counters.IncError()
			o.log.Warn("forum channel listing failed", "err", err)
		}
		forum, ok := matchForumName(text, forums)
		if !ok {
			o.rejectOrEscape(ctx, userID, text, contract.NewPostForum)
			return
		}
		o.playEarcon(ctx, earcon.Acknowledged)
		o.applyEffects(ctx, o.transition(fsm.NewPostAdvance{
			Step:      fsm.NewPostStepTitle,
			ForumID:   forum.ID,
			ForumName: forum.Name,
		}))
		o.speak(ctx, contract.MustGet(contract.NewPostTitle).RepromptText)

	case fsm.NewPostStepTitle:
		o.playEarcon(ctx, earcon.Acknowledged)
		res := o.deps.Router.CreateForumPost(ctx, st.ForumName, text)
		if !res.Success {
			o.deps.Counters.IncError()
			o.speak(ctx, fmt.Sprintf("I couldn't create the post: %s.", res.Error))
			o.applyEffects(ctx, o.transition(fsm.ReturnToIdle{}))
			return
		}
		o.noteChannelAccess(res.DisplayName)
		o.speak(ctx, fmt.Sprintf("Posted to %s.", st.ForumName))
		o.applyEffects(ctx, o.transition(fsm.ReturnToIdle{}))
		o.playEarcon(ctx, earcon.Ready)

	default:
		o.log.Warn("new-post flow in unknown step", "step", string(st.Step))
		o.applyEffects(ctx, o.transition(fsm.ReturnToIdle{}))
	}
}

// matchForumName resolves a spoken forum name: exact, then the query as a
// substring of a forum name, then a forum name contained in the query.
func matchForumName(query string, forums []router.ForumChannel) (router.ForumChannel, bool) {
	q := strings.ToLower(strings.TrimSpace(strings.TrimSuffix(query, ".")))
	for _, f := range forums {
		if strings.ToLower(f.Name) == q {
			return f, true
		}
	}
	for _, f := range forums {
		if strings.Contains(strings.ToLower(f.Name), q) {
			return f, true
		}
	}
	for _, f := range forums {
		if strings.Contains(q, strings.ToLower(f.Name)) {
			return f, true
		}
	}
	return router.ForumChannel{}, false
}

// inboxAdvanceWords are the bare tokens that advance the inbox walk-through
// without a wake word; "done" is ambiguous everywhere else but means "next"
// here.
var inboxAdvanceWords = map[string]bool{
	"next": true, "done": true, "okay": true, "ok": true, "skip": true,
}

// handleInboxInput interprets a transcript heard while the inbox flow is
// open: bare next/clear/cancel words first, then wake-prefixed commands,
// and a short hint otherwise.
func (o *Orchestrator) handleInboxInput(ctx context.Context, userID, text string, flow fsm.InboxFlow) {
	t := strings.ToLower(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), ".")))

	switch {
	case inboxAdvanceWords[t]:
		o.handleInboxNext(ctx, flow)
		return
	case t == "clear" || t == "clear inbox":
		o.handleInboxClear(ctx, flow)
		return
	case t == "cancel" || t == "stop" || t == "never mind" || t == "nevermind":
		o.applyEffects(ctx, o.transition(fsm.CancelFlow{}))
		o.restoreReturnChannel(ctx, flow.ReturnChannel)
		return
	}

	if cmd, ok := command.ParseVoiceCommand(text, o.botName()); ok {
		o.deps.Counters.IncCommandRecognized()
		if cmd.Tag == command.IntentDefault || cmd.Tag == command.IntentInboxNext {
			o.handleInboxNext(ctx, flow)
			return
		}
		o.applyEffects(ctx, o.transition(fsm.ReturnToIdle{}))
		o.handleCommand(ctx, userID, cmd)
		return
	}

	o.speak(ctx, "Say next, clear, or cancel.")
}

// handleInboxNext reads the current inbox item, switches to its channel,
// marks it seen, and advances; finishing the last item returns to Idle and
// restores the channel that was active before the inbox opened.
func (o *Orchestrator) handleInboxNext(ctx context.Context, flow fsm.InboxFlow) {
	if flow.Index >= len(flow.Items) {
		o.applyEffects(ctx, o.transition(fsm.ReturnToIdle{}))
		o.playEarcon(ctx, earcon.Ready)
		return
	}
	item := flow.Items[flow.Index]

	res := o.deps.Router.SwitchTo(ctx, item.Channel)
	if res.Success {
		o.noteChannelAccess(res.DisplayName)
	}
	o.speak(ctx, fmt.Sprintf("%s: %s", item.Channel, formatActivity(item)))
	o.markActivitySeen(item.Channel)

	if flow.Index == len(flow.Items)-1 {
		o.applyEffects(ctx, o.transition(fsm.ReturnToIdle{}))
		o.restoreReturnChannel(ctx, flow.ReturnChannel)
		o.playEarcon(ctx, earcon.Ready)
		return
	}
	o.applyEffects(ctx, o.transition(fsm.InboxAdvance{}))
}

// handleInboxClear marks every remaining item seen and closes the flow.
func (o *Orchestrator) handleInboxClear(ctx context.Context, flow fsm.InboxFlow) {
	for _, item := range flow.Items[min(flow.Index, len(flow.Items)):] {
		o.markActivitySeen(item.Channel)
	}
	o.applyEffects(ctx, o.transition(fsm.ReturnToIdle{}))
	o.restoreReturnChannel(ctx, flow.ReturnChannel)
	o.speak(ctx, "Inbox cleared.")
	o.playEarcon(ctx, earcon.Ready)
}

// markActivitySeen advances the inbox baseline for a channel (by name) and
// persists the snapshot map.
func (o *Orchestrator) markActivitySeen(channelName string) {
	def, ok := o.deps.Router.Lookup(channelName)
	if !ok {
		return
	}
	o.deps.Inbox.MarkSeen(o.deps.Router.SessionKey(def.ChannelID))
	o.deps.Queue.SetSnapshots(o.deps.Inbox.Snapshots())
}

// restoreReturnChannel switches back to the channel that was active before
// the inbox flow began, if it differs from the current one.
func (o *Orchestrator) restoreReturnChannel(ctx context.Context, returnChannel string) {
	if returnChannel == "" {
		return
	}
	if active, ok := o.deps.Router.Active(); ok && strings.EqualFold(active.Name, returnChannel) {
		return
	}
	o.deps.Router.SwitchTo(ctx, returnChannel)
}

// formatActivity renders one inbox activity for TTS, prefixing the ready
// queued-response count when present.
func formatActivity(item pipetypes.InboxActivity) string {
	body := inbox.FormatForTTS(item.NewMessages)
	if item.QueuedReadyCount > 0 {
		return fmt.Sprintf("%d queued responses ready. %s", item.QueuedReadyCount, body)
	}
	return body
}
