package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/arcvox/voicebot/internal/pipeline/command"
	"github.com/arcvox/voicebot/internal/pipeline/contract"
	"github.com/arcvox/voicebot/internal/pipeline/earcon"
	"github.com/arcvox/voicebot/internal/pipeline/fsm"
	"github.com/arcvox/voicebot/internal/pipeline/inbox"
	"github.com/arcvox/voicebot/internal/pipeline/pipetypes"
	"github.com/arcvox/voicebot/internal/pipeline/queue"
	"github.com/arcvox/voicebot/internal/pipeline/router"
)

// earconTourGap spaces the entries of the earcon tour.
const earconTourGap = 150 * time.Millisecond

// defaultSystemPrompt is used for channels with no topic prompt of their
// own.
const defaultSystemPrompt = "You are a helpful voice assistant. Answer briefly; your replies are read aloud."

// handleCommand dispatches one recognized voice command. Every branch ends
// with the pipeline in Idle or in a well-formed flow state: Awaiting* states
// have active timers, the inbox flow has none.
func (o *Orchestrator) handleCommand(ctx context.Context, userID string, cmd command.VoiceCommand) {
	switch cmd.Tag {

	case command.IntentWakeCheck:
		o.mu.Lock()
		o.ctx.promptGraceUntil = time.Now().Add(promptGraceWindow)
		o.mu.Unlock()
		o.finishCommand(ctx)

	case command.IntentSwitch:
		o.handleSwitch(ctx, cmd.Channel)

	case command.IntentDefault:
		res := o.deps.Router.SwitchToDefault(ctx)
		if res.Success {
			o.noteChannelAccess(res.DisplayName)
			o.speak(ctx, fmt.Sprintf("Switched to %s.", res.DisplayName))
		} else {
			o.speak(ctx, "I couldn't find the default channel.")
		}
		o.finishCommand(ctx)

	case command.IntentList:
		defs := o.deps.Router.GetRecentChannels(0)
		if len(defs) == 0 {
			o.speak(ctx, "There are no channels configured.")
		} else {
			parts := make([]string, 0, len(defs))
			for i, d := range defs {
				parts = append(parts, fmt.Sprintf("%d, %s", i+1, d.DisplayName))
			}
			o.speak(ctx, "Channels: "+strings.Join(parts, ". ")+".")
		}
		o.finishCommand(ctx)

	case command.IntentNoise:
		o.mu.Lock()
		o.settings.NoiseLevel = cmd.NoiseLevel
		o.mu.Unlock()
		o.speak(ctx, fmt.Sprintf("Noise level set to %s.", cmd.NoiseLevel))
		o.finishCommand(ctx)

	case command.IntentDelay:
		ms := parseDelayMs(cmd.DelayValue)
		o.mu.Lock()
		o.settings.DelayMs = ms
		o.mu.Unlock()
		o.speak(ctx, fmt.Sprintf("Delay set to %s.", describeDelay(ms)))
		o.finishCommand(ctx)

	case command.IntentDelayAdjust:
		o.mu.Lock()
		if cmd.DelayDirection == "longer" {
			o.settings.DelayMs += delayStepMs
		} else if o.settings.DelayMs >= delayStepMs {
			o.settings.DelayMs -= delayStepMs
		} else {
			o.settings.DelayMs = 0
		}
		ms := o.settings.DelayMs
		o.mu.Unlock()
		o.speak(ctx, fmt.Sprintf("Delay is now %s.", describeDelay(ms)))
		o.finishCommand(ctx)

	case command.IntentSettings, command.IntentVoiceStatus:
		o.speak(ctx, o.settingsSummary())
		o.finishCommand(ctx)

	case command.IntentMode:
		o.deps.Queue.SetMode(queue.Mode(cmd.ModeName))
		o.speak(ctx, fmt.Sprintf("Voice mode set to %s.", cmd.ModeName))
		o.finishCommand(ctx)

	case command.IntentInboxCheck:
		o.handleInboxCheck(ctx)

	case command.IntentInboxNext:
		if flow, ok := o.deps.Machine.State().(fsm.InboxFlow); ok {
			o.handleInboxNext(ctx, flow)
			return
		}
		o.speak(ctx, "The inbox isn't open. Say inbox to check it.")
		o.finishCommand(ctx)

	case command.IntentInboxClear:
		if flow, ok := o.deps.Machine.State().(fsm.InboxFlow); ok {
			o.handleInboxClear(ctx, flow)
			return
		}
		o.speak(ctx, "The inbox isn't open.")
		o.finishCommand(ctx)

	case command.IntentReadLast:
		o.handleReadLast(ctx)

	case command.IntentPause:
		o.stopPlayback()
		o.finishCommand(ctx)

	case command.IntentReplay:
		o.mu.Lock()
		last := o.ctx.lastPlaybackText
		o.mu.Unlock()
		if last == "" {
			o.speak(ctx, "I haven't said anything yet.")
		} else {
			o.speak(ctx, last)
		}
		o.finishCommand(ctx)

	case command.IntentGatedMode:
		o.SetGatedMode(cmd.GatedOn)
		if cmd.GatedOn {
			o.speak(ctx, "Gated mode on. I'll only respond when you say my name.")
		} else {
			o.speak(ctx, "Gated mode off.")
		}
		o.finishCommand(ctx)

	case command.IntentNewPost:
		o.handleNewPostCommand(ctx)

	case command.IntentDispatch:
		o.handleDispatch(ctx, userID, cmd.DispatchBody)

	case command.IntentEarconTour:
		for _, name := range earcon.All {
			o.playEarcon(ctx, name)
			time.Sleep(earconTourGap)
		}
		o.finishCommand(ctx)

	case command.IntentSilentWait:
		o.mu.Lock()
		o.ctx.silentWait = true
		o.mu.Unlock()
		o.playEarcon(ctx, earcon.Acknowledged)
		o.applyEffects(ctx, o.transition(fsm.ReturnToIdle{}))

	default:
		o.log.Warn("unhandled voice command", "tag", string(cmd.Tag))
		o.finishCommand(ctx)
	}
}

// finishCommand is the common command epilogue: return to Idle, then the
// ready earcon.
func (o *Orchestrator) finishCommand(ctx context.Context) {
	o.applyEffects(ctx, o.transition(fsm.ReturnToIdle{}))
	o.playEarcon(ctx, earcon.Ready)
}

// handleSwitch activates a channel by name. A successful switch into a
// channel with a recent assistant message offers the read/prompt menu; an
// unknown name opens the channel-selection menu over recent channels.
func (o *Orchestrator) handleSwitch(ctx context.Context, name string) {
	res := o.deps.Router.SwitchTo(ctx, name)
	if !res.Success {
		options := displayNames(o.deps.Router.GetRecentChannels(5))
		if len(options) == 0 {
			o.speak(ctx, fmt.Sprintf("I couldn't find a channel called %s.", name))
			o.finishCommand(ctx)
			return
		}
		o.speak(ctx, fmt.Sprintf("I couldn't find %s. Say a number or one of: %s.", name, strings.Join(options, ", ")))
		o.applyEffects(ctx, o.transition(fsm.EnterChannelSelection{Options: options}))
		return
	}

	o.noteChannelAccess(res.DisplayName)
	o.speak(ctx, fmt.Sprintf("Switched to %s.", res.DisplayName))

	if last := o.lastAssistantMessage(); last != "" {
		o.applyEffects(ctx, o.transition(fsm.EnterSwitchChoice{LastMessage: last}))
		o.speak(ctx, contract.MustGet(contract.SwitchChoice).RepromptText)
		return
	}
	o.finishCommand(ctx)
}

// lastAssistantMessage returns the newest assistant message in the active
// channel's history, or "".
func (o *Orchestrator) lastAssistantMessage() string {
	active, ok := o.deps.Router.Active()
	if !ok {
		return ""
	}
	history := o.deps.Router.History(o.deps.Router.SessionKey(active.ChannelID))
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "assistant" {
			return history[i].Content
		}
	}
	return ""
}

// handleReadLast speaks the most recent gateway message in the active
// channel.
func (o *Orchestrator) handleReadLast(ctx context.Context) {
	active, ok := o.deps.Router.Active()
	if !ok {
		o.speak(ctx, "No channel is active.")
		o.finishCommand(ctx)
		return
	}
	messages, err := o.deps.Gateway.History(ctx, o.deps.Router.SessionKey(active.ChannelID), 5)
	if err != nil || len(messages) == 0 {
		if err != nil {
			o.deps.Counters.IncError()
			o.log.Warn("read-last history fetch failed", "err", err)
		}
		o.speak(ctx, "There are no messages to read.")
		o.finishCommand(ctx)
		return
	}
	last := messages[len(messages)-1]
	o.speak(ctx, last.Content)
	o.finishCommand(ctx)
}

// handleNewPostCommand starts the forum-post wizard, if any forum channels
// exist.
func (o *Orchestrator) handleNewPostCommand(ctx context.Context) {
	forums, err := o.deps.Router.ForumChannels(ctx)
	if err != nil {
		o.deps.Counters.IncError()
		o.log.Warn("forum channel listing failed", "err", err)
	}
	if len(forums) == 0 {
		o.speak(ctx, "No forum channels available.")
		o.finishCommand(ctx)
		return
	}
	o.applyEffects(ctx, o.transition(fsm.EnterNewPostFlow{Step: fsm.NewPostStepForum}))
	o.speak(ctx, contract.MustGet(contract.NewPostForum).RepromptText)
}

// handleDispatch routes a one-shot prompt at another channel without
// switching to it: "dispatch <channel> <payload>".
func (o *Orchestrator) handleDispatch(ctx context.Context, userID, body string) {
	if o.deps.Router == nil {
		o.speak(ctx, "Dispatch is not available.")
		o.finishCommand(ctx)
		return
	}
	channelName, payload := parseDispatchBody(body)
	def, ok := o.deps.Router.Lookup(channelName)
	if !ok || payload == "" {
		o.speak(ctx, fmt.Sprintf("I couldn't dispatch that. I don't know a channel called %s.", channelName))
		o.finishCommand(ctx)
		return
	}

	sessionKey := o.deps.Router.SessionKey(def.ChannelID)
	item := queue.Item{
		ID:          o.newItemID(),
		Channel:     def.Name,
		DisplayName: def.DisplayName,
		SessionKey:  sessionKey,
		UserMessage: payload,
		TimestampMs: time.Now().UnixMilli(),
		TraceID:     o.traceID(),
	}
	o.deps.Queue.Enqueue(item)
	o.backgroundDispatch(item, def, payload)

	o.speak(ctx, fmt.Sprintf("Dispatched to %s.", def.DisplayName))
	o.finishCommand(ctx)
}

// parseDispatchBody splits a dispatch body into the target channel name
// (first token, after an optional leading "to") and the payload.
func parseDispatchBody(body string) (channelName, payload string) {
	body = strings.TrimSpace(body)
	body = strings.TrimPrefix(body, "to ")
	fields := strings.SplitN(body, " ", 2)
	if len(fields) == 0 {
		return "", ""
	}
	channelName = strings.TrimSuffix(fields[0], ",")
	if len(fields) == 2 {
		payload = strings.TrimSpace(fields[1])
	}
	return channelName, payload
}

// handlePrompt is step 9: a wake-accepted (or open-mode) utterance with no
// recognized command, dispatched per the current queue mode.
func (o *Orchestrator) handlePrompt(ctx context.Context, userID, text string) {
	if strings.TrimSpace(text) == "" {
		o.finishSilently(ctx)
		return
	}
	active, ok := o.deps.Router.Active()
	if !ok {
		res := o.deps.Router.SwitchToDefault(ctx)
		if !res.Success {
			o.speak(ctx, "No channel is active.")
			o.finishCommand(ctx)
			return
		}
		active, _ = o.deps.Router.Active()
	}

	switch o.deps.Queue.Mode() {
	case queue.ModeWait:
		o.dispatchWaitMode(ctx, userID, text, active)
	case queue.ModeQueue:
		o.dispatchQueueMode(ctx, userID, text, active)
	default: // ask
		o.dispatchAskMode(ctx, userID, text, active)
	}
}

// dispatchWaitMode blocks the turn on the LLM: waiting tone while it
// thinks, then the spoken response.
func (o *Orchestrator) dispatchWaitMode(ctx context.Context, userID, text string, active router.ChannelDef) {
	o.applyEffects(ctx, o.transition(fsm.ProcessingStarted{}))

	o.mu.Lock()
	silent := o.ctx.silentWait
	o.ctx.silentWait = false
	o.mu.Unlock()

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.armPendingWait("", cancel)

	if !silent {
		o.applyEffects(ctx, []fsm.Effect{fsm.StartWaitingLoop{}})
	}

	sessionKey := o.deps.Router.SessionKey(active.ChannelID)
	messages := append(o.deps.Router.History(sessionKey), pipetypes.Message{Role: "user", Content: text})

	o.deps.Counters.IncLLMDispatch()
	response, err := o.deps.Gateway.Complete(waitCtx, messages, systemPromptFor(active), completionMaxTokens)

	o.applyEffects(ctx, []fsm.Effect{fsm.StopWaitingLoop{}})
	o.disarmPendingWait()

	if err != nil {
		if waitCtx.Err() == nil {
			o.deps.Counters.IncError()
			o.log.Warn("wait-mode completion failed", "err", err)
			o.playEarcon(ctx, earcon.Error)
		}
		o.applyEffects(ctx, o.transition(fsm.ReturnToIdle{}))
		return
	}

	now := time.Now()
	o.deps.Router.AppendHistory(sessionKey, pipetypes.Message{Role: "user", Content: text, Label: "voice-user", Timestamp: now})
	o.deps.Router.AppendHistory(sessionKey, pipetypes.Message{Role: "assistant", Content: response, Label: "voice-assistant", Timestamp: now})
	o.mirrorTurn(sessionKey, active.Name, text, response)

	o.applyEffects(ctx, o.transition(fsm.SpeakingStarted{}))
	o.speak(ctx, response)
	o.applyEffects(ctx, o.transition(fsm.SpeakingComplete{}))
	o.playEarcon(ctx, earcon.Ready)
}

// dispatchQueueMode acknowledges, queues, and answers in the background;
// the user hears about it via the inbox or an idle notification.
func (o *Orchestrator) dispatchQueueMode(ctx context.Context, userID, text string, active router.ChannelDef) {
	item := o.enqueuePrompt(text, active)
	o.playEarcon(ctx, earcon.Acknowledged)
	o.speak(ctx, fmt.Sprintf("Queued to %s.", active.DisplayName))
	o.backgroundDispatch(item, active, text)
	o.finishCommand(ctx)
}

// dispatchAskMode queues, fires the speculative LLM dispatch immediately,
// and asks the user whether to queue or wait.
func (o *Orchestrator) dispatchAskMode(ctx context.Context, userID, text string, active router.ChannelDef) {
	item := o.enqueuePrompt(text, active)

	o.mu.Lock()
	o.ctx.speculativeQueueItemID = item.ID
	o.ctx.deferredWaitResponseText = ""
	o.mu.Unlock()

	o.speculativeDispatch(item, active, text)

	o.applyEffects(ctx, o.transition(fsm.EnterQueueChoice{UserID: userID, Transcript: text}))
	o.speak(ctx, contract.MustGet(contract.QueueChoice).RepromptText)
}

// enqueuePrompt persists a pending queue item for text against active.
func (o *Orchestrator) enqueuePrompt(text string, active router.ChannelDef) queue.Item {
	item := queue.Item{
		ID:          o.newItemID(),
		Channel:     active.Name,
		DisplayName: active.DisplayName,
		SessionKey:  o.deps.Router.SessionKey(active.ChannelID),
		UserMessage: text,
		TimestampMs: time.Now().UnixMilli(),
		TraceID:     o.traceID(),
	}
	o.deps.Queue.Enqueue(item)
	return item
}

// backgroundDispatch completes item against the gateway off-turn, marks it
// ready, and announces it if the pipeline is idle.
func (o *Orchestrator) backgroundDispatch(item queue.Item, target router.ChannelDef, text string) {
	go func() {
		runCtx := o.backgroundCtx()
		messages := append(o.deps.Router.History(item.SessionKey), pipetypes.Message{Role: "user", Content: text})

		o.deps.Counters.IncLLMDispatch()
		response, err := o.deps.Gateway.Complete(runCtx, messages, systemPromptFor(target), completionMaxTokens)
		if err != nil {
			o.deps.Counters.IncError()
			o.log.Warn("background dispatch failed", "item", item.ID, "err", err)
			return
		}
		o.deps.Queue.MarkReady(item.ID, summarize(response), response)
		o.mirrorTurn(item.SessionKey, target.Name, text, response)
		o.NotifyIfIdle(fmt.Sprintf("Response ready in %s.", item.DisplayName))
	}()
}

// speculativeDispatch is the ask-mode variant of backgroundDispatch: if the
// user has since chosen "wait" for this item, the response is delivered the
// moment it lands; otherwise it is stashed for an immediate answer should
// they still choose "wait", and the inbox has it either way.
func (o *Orchestrator) speculativeDispatch(item queue.Item, target router.ChannelDef, text string) {
	go func() {
		runCtx := o.backgroundCtx()
		messages := append(o.deps.Router.History(item.SessionKey), pipetypes.Message{Role: "user", Content: text})

		o.deps.Counters.IncLLMDispatch()
		response, err := o.deps.Gateway.Complete(runCtx, messages, systemPromptFor(target), completionMaxTokens)
		if err != nil {
			o.deps.Counters.IncError()
			o.log.Warn("speculative dispatch failed", "item", item.ID, "err", err)
			return
		}
		o.deps.Queue.MarkReady(item.ID, summarize(response), response)
		o.mirrorTurn(item.SessionKey, target.Name, text, response)

		o.mu.Lock()
		if o.ctx.pendingWait != nil && o.ctx.activeWaitQueueItemID == item.ID {
			pw := o.ctx.pendingWait
			o.ctx.pendingWait = nil
			o.ctx.activeWaitQueueItemID = ""
			o.ctx.speculativeQueueItemID = ""
			o.mu.Unlock()

			pw.cancel()
			o.deps.Audio.StopWaitingLoop()
			o.speak(runCtx, response)
			o.deps.Queue.MarkHeard(item.ID)
			o.playEarcon(runCtx, earcon.Ready)
			return
		}
		if o.ctx.speculativeQueueItemID == item.ID {
			o.ctx.deferredWaitResponseText = response
		}
		o.mu.Unlock()

		o.NotifyIfIdle(fmt.Sprintf("Response ready in %s.", item.DisplayName))
	}()
}

// mirrorTurn reflects a completed voice turn into the gateway session and
// the durable transcript.
func (o *Orchestrator) mirrorTurn(sessionKey, channelName, userText, response string) {
	runCtx := o.backgroundCtx()
	if _, err := o.deps.Gateway.Inject(runCtx, sessionKey, userText, "voice-user"); err != nil {
		o.log.Warn("mirroring user turn failed", "err", err)
	}
	if _, err := o.deps.Gateway.Inject(runCtx, sessionKey, response, "voice-assistant"); err != nil {
		o.log.Warn("mirroring assistant turn failed", "err", err)
	}
	if o.deps.Recorder != nil {
		if _, err := o.deps.Recorder.Record("user", userText, channelName); err != nil {
			o.log.Warn("transcript record failed", "err", err)
		}
		if _, err := o.deps.Recorder.Record("assistant", response, channelName); err != nil {
			o.log.Warn("transcript record failed", "err", err)
		}
	}
}

// handleInboxCheck scans every known channel and either reports silence or
// opens the inbox walk-through.
func (o *Orchestrator) handleInboxCheck(ctx context.Context) {
	defs := o.deps.Router.GetRecentChannels(0)
	channels := make([]inbox.Channel, 0, len(defs))
	for _, d := range defs {
		channels = append(channels, inbox.Channel{
			SessionKey:  o.deps.Router.SessionKey(d.ChannelID),
			DisplayName: d.Name,
		})
	}

	activities, err := o.deps.Inbox.CheckInbox(ctx, channels)
	if err != nil {
		o.deps.Counters.IncError()
		o.log.Warn("inbox check failed", "err", err)
	}
	o.deps.Queue.SetSnapshots(o.deps.Inbox.Snapshots())

	if len(activities) == 0 {
		o.speak(ctx, "Nothing new.")
		o.finishCommand(ctx)
		return
	}

	returnChannel := ""
	if active, ok := o.deps.Router.Active(); ok {
		returnChannel = active.Name
	}
	o.applyEffects(ctx, o.transition(fsm.EnterInboxFlow{Items: activities, ReturnChannel: returnChannel}))

	first := activities[0]
	o.speak(ctx, fmt.Sprintf("%d channels with new activity. First up: %s with %d new messages. Say next to hear it.",
		len(activities), first.Channel, first.NewMessageCount))
}

// armPendingWait installs a single-shot wait callback, cancelling any
// previous one.
func (o *Orchestrator) armPendingWait(itemID string, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ctx.pendingWait != nil {
		o.ctx.pendingWait.cancel()
	}
	o.ctx.pendingWait = &waitCallback{itemID: itemID, cancel: cancel}
	o.ctx.activeWaitQueueItemID = itemID
}

// disarmPendingWait clears the wait callback if one is armed, without
// cancelling it (the owner is about to use its context).
func (o *Orchestrator) disarmPendingWait() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ctx.pendingWait = nil
	o.ctx.activeWaitQueueItemID = ""
}

// backgroundCtx returns the orchestrator's run context, falling back to
// Background before Start or after Stop.
func (o *Orchestrator) backgroundCtx() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.runCtx != nil {
		return o.runCtx
	}
	return context.Background()
}

// noteChannelAccess records a channel access for recency bookkeeping.
func (o *Orchestrator) noteChannelAccess(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ctx.lastAccessedPerChannel[strings.ToLower(name)] = time.Now()
}

// settingsSummary renders the voice settings and queue mode as one spoken
// line.
func (o *Orchestrator) settingsSummary() string {
	o.mu.Lock()
	s := o.settings
	o.mu.Unlock()

	gated := "off"
	if s.GatedMode {
		gated = "on"
	}
	return fmt.Sprintf("Voice mode %s. Gated mode %s. Noise level %s. Delay %s.",
		o.deps.Queue.Mode(), gated, s.NoiseLevel, describeDelay(s.DelayMs))
}

// systemPromptFor returns the channel's topic prompt, or the default.
func systemPromptFor(def router.ChannelDef) string {
	if def.TopicPrompt != "" {
		return def.TopicPrompt
	}
	return defaultSystemPrompt
}

// summarize truncates a response to the stored one-line summary length.
func summarize(text string) string {
	const max = 100
	if len(text) > max {
		return text[:max] + "…"
	}
	return text
}

// parseDelayMs interprets a spoken delay value as seconds, tolerating a
// decimal point, and returns milliseconds.
func parseDelayMs(value string) int64 {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	return int64(f * 1000)
}

func describeDelay(ms int64) string {
	if ms == 0 {
		return "off"
	}
	return fmt.Sprintf("%.1f seconds", float64(ms)/1000)
}

func displayNames(defs []router.ChannelDef) []string {
	out := make([]string, 0, len(defs))
	for _, d := range defs {
		out = append(out, d.DisplayName)
	}
	return out
}
