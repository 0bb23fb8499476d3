// Package orchestrator wires the voice pipeline together. It is the only
// component that calls STT, TTS, the LLM gateway, the channel router, the
// queue store, the state machine, and the audio adapter, and it owns all
// cross-cutting timing policy: grace windows, cooldowns, the pending wait
// callback, the stall watchdog, and the invariant auditor.
//
// Utterances are processed strictly serially. Admission control (busy
// buffering, awaiting-timer pause) happens before the serial section so a
// burst of speech during playback is buffered rather than queued behind a
// held lock.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arcvox/voicebot/internal/observe"
	"github.com/arcvox/voicebot/internal/pipeline/earcon"
	"github.com/arcvox/voicebot/internal/pipeline/fsm"
	"github.com/arcvox/voicebot/internal/pipeline/healthmon"
	"github.com/arcvox/voicebot/internal/pipeline/inbox"
	"github.com/arcvox/voicebot/internal/pipeline/pipetypes"
	"github.com/arcvox/voicebot/internal/pipeline/queue"
	"github.com/arcvox/voicebot/internal/pipeline/router"
)

const (
	// promptGraceWindow is opened by a bare wake check so the follow-up
	// prompt does not itself need the wake word.
	promptGraceWindow = 15 * time.Second

	// readyGraceWindow is opened after a switch-choice "read" so a follow-up
	// prompt can arrive wake-free.
	readyGraceWindow = 5 * time.Second

	// failedWakeCueCooldown gates how often the near-miss/gate-closed cue
	// plays for repeated failed admissions.
	failedWakeCueCooldown = 10 * time.Second

	// echoWindow is how long after the end of the bot's own playback a
	// transcript prefix-matching that playback is discarded as an echo.
	echoWindow = 3 * time.Second

	// readyEarconCoalesceWindow collapses back-to-back ready earcons: a
	// ready that would play this soon after the previous earcon is skipped.
	readyEarconCoalesceWindow = 220 * time.Millisecond

	// newPostTimeoutGuard is how long after a new-post timeout further
	// utterances are answered with an error cue instead of a fresh turn.
	newPostTimeoutGuard = 8 * time.Second

	// waitingLoopInterval spaces repetitions of the waiting tone.
	waitingLoopInterval = 2 * time.Second

	// completionMaxTokens bounds every gateway completion.
	completionMaxTokens = 300
)

// Transcriber is the narrow STT surface the orchestrator needs: one
// RIFF/WAVE-wrapped utterance in, one transcript out.
type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte) (string, error)
}

// Synthesizer is the narrow TTS surface: text in, mono 16-bit LE PCM at 48
// kHz out.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Player is the audio adapter contract, satisfied by audioio.Player.
type Player interface {
	PlayStream(ctx context.Context, pcm []byte, sampleRate, channels int) error
	PlayEarcon(ctx context.Context, wav []byte) error
	StartWaitingLoop(ctx context.Context, tone []byte, interval time.Duration)
	StopWaitingLoop()
	StopPlayback()
	IsPlaying() bool
	IsWaiting() bool
}

// Gateway is the chat-gateway surface the orchestrator calls directly,
// satisfied by gateway.Client implementations.
type Gateway interface {
	History(ctx context.Context, sessionKey string, limit int) ([]pipetypes.Message, error)
	Inject(ctx context.Context, sessionKey, message, label string) (string, error)
	Complete(ctx context.Context, messages []pipetypes.Message, systemPrompt string, maxTokens int) (string, error)
}

// SessionRecorder appends turns to the durable session transcript,
// satisfied by transcript.Recorder. Nil disables recording.
type SessionRecorder interface {
	Record(role, text, channel string) (string, error)
}

// Deps collects every collaborator the orchestrator drives. All fields are
// required unless noted.
type Deps struct {
	Machine  *fsm.Machine
	Router   *router.Router
	Queue    *queue.Store
	Inbox    *inbox.Tracker
	Gateway  Gateway
	STT      Transcriber
	TTS      Synthesizer
	Audio    Player
	Palette  *earcon.Palette
	Counters *healthmon.Counters

	// Recorder is optional; nil disables the session transcript.
	Recorder SessionRecorder
}

// Option configures an [Orchestrator] during construction.
type Option func(*Orchestrator)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.log = logger.With("component", "orchestrator")
		}
	}
}

// WithBotName overrides the default wake word.
func WithBotName(name string) Option {
	return func(o *Orchestrator) {
		if name != "" {
			o.settings.BotName = strings.ToLower(name)
		}
	}
}

// WithGatedMode sets the initial gated-mode flag.
func WithGatedMode(on bool) Option {
	return func(o *Orchestrator) { o.settings.GatedMode = on }
}

// Orchestrator owns the pipeline's transient context, its counters, and the
// watchdog/auditor timers. All exported methods are safe for concurrent use.
type Orchestrator struct {
	deps Deps
	log  *slog.Logger

	// mu guards settings, ctx, lastState, and lastStateChange. It is never
	// held across a suspension point; external calls snapshot under the
	// lock, release it, then do I/O.
	mu        sync.Mutex
	settings  VoiceSettings
	ctx       pipelineContext
	lastState fsm.State
	lastStateChange time.Time
	depUp     map[string]bool

	// turnMu serializes the post-admission part of a turn (STT onward).
	turnMu sync.Mutex

	itemSeq    int64
	lastEarcon time.Time

	// inTurn marks the window between admission and turn completion, when
	// an Awaiting* state legitimately has its timers paused.
	inTurn atomic.Bool

	runCtx    context.Context
	runCancel context.CancelFunc
	started   bool
}

// New constructs an Orchestrator over deps.
func New(deps Deps, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		deps:            deps,
		log:             slog.Default().With("component", "orchestrator"),
		settings:        newVoiceSettings(),
		ctx:             newPipelineContext(),
		lastState:       fsm.Idle{},
		lastStateChange: time.Now(),
		depUp:           make(map[string]bool),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start installs the machine's timeout handler and launches the watchdog
// and periodic invariant auditor. A call while already started is a no-op.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.runCtx, o.runCancel = context.WithCancel(ctx)
	runCtx := o.runCtx
	o.mu.Unlock()

	o.deps.Machine.SetTimeoutHandler(o.onMachineTimeout)
	go o.runWatchdog(runCtx)
	go o.runAuditor(runCtx)
}

// Stop tears the pipeline down: cancels background tasks, destroys the
// state machine, halts audio, and clears the transient context. Counters
// are deliberately left untouched.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.runCancel != nil {
		o.runCancel()
	}
	o.started = false
	o.ctx.reset()
	o.mu.Unlock()

	o.deps.Audio.StopPlayback()
	o.deps.Machine.Destroy()
}

// GetCounters returns a snapshot of the health counters.
func (o *Orchestrator) GetCounters() healthmon.Snapshot {
	return o.deps.Counters.Snapshot()
}

// Health is a point-in-time view of the pipeline's state for operators.
type Health struct {
	State        string
	StateAge     time.Duration
	Counters     healthmon.Snapshot
	Dependencies map[string]bool
}

// GetHealthSnapshot reports the current state, its age, the counters, and
// the last known dependency liveness.
func (o *Orchestrator) GetHealthSnapshot() Health {
	o.mu.Lock()
	age := time.Since(o.lastStateChange)
	deps := make(map[string]bool, len(o.depUp))
	for k, v := range o.depUp {
		deps[k] = v
	}
	o.mu.Unlock()
	return Health{
		State:        fmt.Sprintf("%T", o.deps.Machine.State()),
		StateAge:     age,
		Counters:     o.deps.Counters.Snapshot(),
		Dependencies: deps,
	}
}

// Settings returns a copy of the current voice settings.
func (o *Orchestrator) Settings() VoiceSettings {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.settings
}

// SetGatedMode flips gated mode. Calling it twice with the same value is a
// no-op beyond the first.
func (o *Orchestrator) SetGatedMode(on bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.settings.GatedMode = on
}

// NotifyIfIdle speaks a one-line announcement, but only when the pipeline
// is idle and no other idle notification is already in flight. Periodic
// tasks (the response poller, the dependency monitor) use this as their
// only way to reach the user.
func (o *Orchestrator) NotifyIfIdle(text string) {
	if _, idle := o.deps.Machine.State().(fsm.Idle); !idle {
		return
	}
	o.mu.Lock()
	if o.ctx.idleNotifyInFlight {
		o.mu.Unlock()
		return
	}
	o.ctx.idleNotifyInFlight = true
	runCtx := o.runCtx
	o.mu.Unlock()
	if runCtx == nil {
		runCtx = context.Background()
	}

	o.speak(runCtx, text)

	o.mu.Lock()
	o.ctx.idleNotifyInFlight = false
	o.mu.Unlock()
}

// OnDependencyStatus receives depmon transitions and speaks a one-shot
// notice when a dependency goes away.
func (o *Orchestrator) OnDependencyStatus(name string, up bool) {
	o.mu.Lock()
	prev, seen := o.depUp[name]
	o.depUp[name] = up
	o.mu.Unlock()
	if seen && prev != up {
		o.deps.Counters.IncDependencyFlap()
	}
	if up || (seen && !prev) {
		return
	}
	switch name {
	case "stt":
		o.NotifyIfIdle("Speech recognition is unavailable.")
	case "tts":
		o.NotifyIfIdle("Voice output is unavailable.")
	}
}

// newItemID mints a unique queue item ID.
func (o *Orchestrator) newItemID() string {
	return queue.NewItemID(atomic.AddInt64(&o.itemSeq, 1), time.Now())
}

// HandleUtterance runs one utterance through the fixed pipeline: admission,
// STT, filtering, gated-mode checks, and then the awaiting/command/prompt
// path. It blocks for the duration of the turn.
func (o *Orchestrator) HandleUtterance(ctx context.Context, userID string, wav []byte, durationMs int64) {
	o.deps.Counters.IncUtteranceProcessed()

	state := o.deps.Machine.State()
	switch state.(type) {
	case fsm.Processing, fsm.Speaking:
		effects := o.transition(fsm.UtteranceReceived{})
		o.applyEffects(ctx, effects)
		o.deps.Machine.BufferUtterance(pipetypes.Utterance{UserID: userID, WAV: wav, DurationMs: durationMs})
		return
	default:
		// Idle enters Transcribing; Awaiting* states pause their timers
		// until the input has been classified.
		o.applyEffects(ctx, o.transition(fsm.UtteranceReceived{}))
	}

	o.turnMu.Lock()
	defer o.turnMu.Unlock()
	o.inTurn.Store(true)
	defer o.inTurn.Store(false)

	ctx, span := observe.StartSpan(ctx, "pipeline.turn")
	defer span.End()
	o.setTraceID(observe.CorrelationID(ctx))

	text, err := o.deps.STT.Transcribe(ctx, wav)
	if err != nil {
		o.deps.Counters.IncSTTFailure()
		o.log.Warn("stt transcription failed", "err", err)
		o.playEarcon(ctx, earcon.Error)
		o.applyEffects(ctx, o.transition(fsm.ReturnToIdle{}))
		o.drainBuffered(ctx)
		return
	}
	o.routeTranscript(ctx, userID, text, state)
}

// HandleTranscript runs a turn from an already-transcribed utterance. It
// exists for transports that deliver text directly (and for tests); the
// filters and routing are identical to HandleUtterance from step 4 on.
func (o *Orchestrator) HandleTranscript(ctx context.Context, userID, text string) {
	o.deps.Counters.IncUtteranceProcessed()

	state := o.deps.Machine.State()
	switch state.(type) {
	case fsm.Processing, fsm.Speaking:
		o.applyEffects(ctx, o.transition(fsm.UtteranceReceived{}))
		return
	default:
		o.applyEffects(ctx, o.transition(fsm.UtteranceReceived{}))
	}

	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	ctx, span := observe.StartSpan(ctx, "pipeline.turn")
	defer span.End()
	o.setTraceID(observe.CorrelationID(ctx))

	o.routeTranscript(ctx, userID, text, state)
}

// setTraceID records the current turn's trace correlation id.
func (o *Orchestrator) setTraceID(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ctx.traceID = id
}

// traceID returns the current turn's trace correlation id.
func (o *Orchestrator) traceID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ctx.traceID
}

// drainBuffered pops one buffered utterance, if any, and replays it as a
// fresh turn once the pipeline has returned to Idle.
func (o *Orchestrator) drainBuffered(ctx context.Context) {
	if _, idle := o.deps.Machine.State().(fsm.Idle); !idle {
		return
	}
	u, ok := o.deps.Machine.GetBufferedUtterance()
	if !ok {
		return
	}
	go o.HandleUtterance(ctx, u.UserID, u.WAV, u.DurationMs)
}

// transition applies an event to the state machine and runs the
// post-transition bookkeeping: watchdog arm/reset and the invariant audit.
// A CancelFlow event also cancels any armed wait callback and its waiting
// loop.
func (o *Orchestrator) transition(ev fsm.Event) []fsm.Effect {
	if _, ok := ev.(fsm.CancelFlow); ok {
		o.mu.Lock()
		pw := o.ctx.pendingWait
		o.ctx.pendingWait = nil
		o.ctx.activeWaitQueueItemID = ""
		o.mu.Unlock()
		if pw != nil {
			pw.cancel()
			o.deps.Audio.StopWaitingLoop()
		}
	}
	effects := o.deps.Machine.Transition(ev)
	o.afterStateChange()
	return effects
}

// afterStateChange records the new state, arms or clears the stall
// watchdog, and audits the liveness invariants.
func (o *Orchestrator) afterStateChange() {
	state := o.deps.Machine.State()

	o.mu.Lock()
	if fmt.Sprintf("%T", state) != fmt.Sprintf("%T", o.lastState) {
		o.lastState = state
		o.lastStateChange = time.Now()
	}
	if _, idle := state.(fsm.Idle); idle {
		o.ctx.stallWatchdogDeadline = time.Time{}
	} else {
		o.ctx.stallWatchdogDeadline = time.Now().Add(stallDeadline)
	}
	o.mu.Unlock()

	o.audit(state)
}

// onMachineTimeout is installed as the fsm's timeout handler: it applies
// the timer-produced effects, arms the new-post timeout guard when the
// expired state was the new-post flow, and re-runs the bookkeeping.
func (o *Orchestrator) onMachineTimeout(effects []fsm.Effect) {
	o.mu.Lock()
	wasNewPost := false
	if _, ok := o.lastState.(fsm.NewPostFlow); ok {
		wasNewPost = true
	}
	runCtx := o.runCtx
	o.mu.Unlock()
	if runCtx == nil {
		runCtx = context.Background()
	}

	// Only a fired timeout (not a warning) leaves the awaiting state; the
	// machine is already Idle by the time a timeout's effects reach us.
	if _, idle := o.deps.Machine.State().(fsm.Idle); idle && wasNewPost {
		o.mu.Lock()
		o.ctx.newPostTimeoutPromptGuardUntil = time.Now().Add(newPostTimeoutGuard)
		o.mu.Unlock()
	}

	o.applyEffects(runCtx, effects)
	o.afterStateChange()
}

// applyEffects applies an ordered effect list. No suspension occurs between
// the transition that produced the list and this application; the effects
// themselves (earcon/TTS playback) are the turn's suspension points.
func (o *Orchestrator) applyEffects(ctx context.Context, effects []fsm.Effect) {
	for _, e := range effects {
		switch eff := e.(type) {
		case fsm.Earcon:
			o.playEarcon(ctx, eff.Name)
		case fsm.Speak:
			o.speak(ctx, eff.Text)
		case fsm.StopPlayback:
			o.stopPlayback()
		case fsm.StartWaitingLoop:
			o.deps.Audio.StartWaitingLoop(ctx, o.deps.Palette.MustGet(earcon.Listening), waitingLoopInterval)
		case fsm.StopWaitingLoop:
			o.deps.Audio.StopWaitingLoop()
		default:
			o.log.Warn("unhandled effect", "effect", fmt.Sprintf("%T", e))
		}
	}
}

// stopPlayback halts audio and cancels any armed wait callback, per the
// cancellation rules: stop is always honored immediately.
func (o *Orchestrator) stopPlayback() {
	o.deps.Audio.StopPlayback()
	o.mu.Lock()
	if o.ctx.pendingWait != nil {
		o.ctx.pendingWait.cancel()
		o.ctx.pendingWait = nil
	}
	o.mu.Unlock()
}

// playEarcon plays one palette entry, coalescing a ready earcon that would
// land within readyEarconCoalesceWindow of the previous earcon.
func (o *Orchestrator) playEarcon(ctx context.Context, name earcon.Name) {
	o.mu.Lock()
	if name == earcon.Ready && time.Since(o.lastEarcon) < readyEarconCoalesceWindow {
		o.mu.Unlock()
		return
	}
	o.lastEarcon = time.Now()
	o.mu.Unlock()

	if err := o.deps.Audio.PlayEarcon(ctx, o.deps.Palette.MustGet(name)); err != nil && ctx.Err() == nil {
		o.log.Warn("earcon playback failed", "earcon", string(name), "err", err)
	}
}

// speak synthesizes text and plays it, recording the playback for the echo
// filter and the replay command. TTS failures count against ttsFailures
// and surface as an error earcon.
func (o *Orchestrator) speak(ctx context.Context, text string) {
	pcm, err := o.deps.TTS.Synthesize(ctx, text)
	if err != nil {
		o.deps.Counters.IncTTSFailure()
		o.log.Warn("tts synthesis failed", "err", err)
		o.playEarcon(ctx, earcon.Error)
		return
	}
	if err := o.deps.Audio.PlayStream(ctx, pcm, 48000, 1); err != nil && ctx.Err() == nil {
		o.log.Debug("playback interrupted", "err", err)
	}

	o.mu.Lock()
	o.ctx.lastPlaybackText = text
	o.ctx.lastPlaybackCompletedAt = time.Now()
	o.mu.Unlock()
}
