package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/arcvox/voicebot/internal/pipeline/command"
	"github.com/arcvox/voicebot/internal/pipeline/earcon"
	"github.com/arcvox/voicebot/internal/pipeline/fsm"
)

// routeTranscript runs the filter/admission chain (steps 4-6) and routes
// the transcript to the awaiting handler, the command path, or the prompt
// path. admittedState is the state observed before UtteranceReceived was
// applied; it scopes gated-mode admission to utterances that arrived
// against an idle pipeline. Routing decisions use the CURRENT state so
// that a deadline expiring during STT remains authoritative.
func (o *Orchestrator) routeTranscript(ctx context.Context, userID, text string, admittedState fsm.State) {
	o.inTurn.Store(true)
	defer func() {
		o.inTurn.Store(false)
		o.drainBuffered(ctx)
	}()

	if _, ok := o.deps.Machine.State().(fsm.Transcribing); ok {
		o.applyEffects(ctx, o.transition(fsm.TranscriptReady{Text: text}))
	}

	if command.IsNonLexical(text) {
		o.finishSilently(ctx)
		return
	}

	o.mu.Lock()
	echo := time.Since(o.ctx.lastPlaybackCompletedAt) < echoWindow &&
		isPlaybackEcho(o.ctx.lastPlaybackText, text)
	guardUntil := o.ctx.newPostTimeoutPromptGuardUntil
	o.mu.Unlock()

	if echo {
		o.log.Debug("discarding playback echo", "text", text)
		o.finishSilently(ctx)
		return
	}

	if time.Now().Before(guardUntil) {
		o.playEarcon(ctx, earcon.Error)
		o.speak(ctx, "Post creation timed out. Say new post again when you're ready.")
		o.finishSilently(ctx)
		return
	}

	state := o.deps.Machine.State()
	wake := command.MatchesWakeWord(text, o.botName())
	awaiting := isAwaiting(state)

	// Gated-mode admission applies only when the utterance arrived against
	// an idle pipeline. Menu and flow states (Awaiting*, InboxFlow) are
	// always wake-free, so a bare "next" keeps working mid-walkthrough.
	_, wasIdle := admittedState.(fsm.Idle)
	if wasIdle && !wake && o.gateRejects() {
		if o.takeFailedWakeCue() {
			o.playEarcon(ctx, earcon.GateClosed)
		}
		o.finishSilently(ctx)
		return
	}

	// Near-miss wake: the user probably tried to wake us and missed.
	if !wake && command.IsNearMissWake(text, o.botName()) {
		if o.takeFailedWakeCue() {
			o.playEarcon(ctx, earcon.Error)
		}
		o.finishSilently(ctx)
		return
	}

	if awaiting {
		o.handleAwaiting(ctx, userID, text, state)
		return
	}
	if flow, ok := state.(fsm.InboxFlow); ok {
		o.handleInboxInput(ctx, userID, text, flow)
		return
	}

	if cmd, ok := command.ParseVoiceCommand(text, o.botName()); ok {
		o.deps.Counters.IncCommandRecognized()
		o.handleCommand(ctx, userID, cmd)
		return
	}

	o.handlePrompt(ctx, userID, command.StripWake(text, o.botName()))
}

// gateRejects reports whether gated mode rejects a non-wake utterance right
// now: gated on, and neither grace window open.
func (o *Orchestrator) gateRejects() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.settings.GatedMode {
		return false
	}
	now := time.Now()
	return now.After(o.ctx.promptGraceUntil) && now.After(o.ctx.gateGraceUntil)
}

// takeFailedWakeCue reports whether a failed-wake cue (gate-closed or
// near-miss error) may play now, and if so consumes the cooldown window.
func (o *Orchestrator) takeFailedWakeCue() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if time.Now().Before(o.ctx.failedWakeCueCooldownUntil) {
		return false
	}
	o.ctx.failedWakeCueCooldownUntil = time.Now().Add(failedWakeCueCooldown)
	return true
}

// finishSilently ends a turn that produced no user-facing response:
// mid-turn transient states return to Idle, menu states resume their
// paused timers.
func (o *Orchestrator) finishSilently(ctx context.Context) {
	state := o.deps.Machine.State()
	switch state.(type) {
	case fsm.Transcribing, fsm.Processing:
		o.applyEffects(ctx, o.transition(fsm.ReturnToIdle{}))
	default:
		if isAwaiting(state) {
			o.applyEffects(ctx, o.transition(fsm.AwaitingInputReceived{Recognized: true}))
		}
	}
}

// botName returns the current wake word.
func (o *Orchestrator) botName() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.settings.BotName
}

// isAwaiting reports whether s is one of the timer-bearing menu states.
func isAwaiting(s fsm.State) bool {
	switch s.(type) {
	case fsm.AwaitingChannelSelection, fsm.AwaitingQueueChoice, fsm.AwaitingSwitchChoice, fsm.NewPostFlow:
		return true
	default:
		return false
	}
}

// isPlaybackEcho reports whether heard is a leading fragment of the bot's
// own last playback: STT picking the bot's speech back up produces a
// normalized prefix of what was spoken.
func isPlaybackEcho(spoken, heard string) bool {
	if spoken == "" {
		return false
	}
	s := normalizeForEcho(spoken)
	h := normalizeForEcho(heard)
	if h == "" {
		return false
	}
	return strings.HasPrefix(s, h)
}

func normalizeForEcho(text string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == ' ' {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
