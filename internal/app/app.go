// Package app wires all voicebot subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run joins the voice channel and executes the pipeline until
// the context is cancelled, and Shutdown tears everything down in order.
//
// For testing, inject fakes via functional options (WithGateway,
// WithAudioPlayer, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/arcvox/voicebot/internal/config"
	"github.com/arcvox/voicebot/internal/discord"
	"github.com/arcvox/voicebot/internal/health"
	"github.com/arcvox/voicebot/internal/observe"
	"github.com/arcvox/voicebot/internal/pipeline/audioio"
	"github.com/arcvox/voicebot/internal/pipeline/depmon"
	"github.com/arcvox/voicebot/internal/pipeline/earcon"
	"github.com/arcvox/voicebot/internal/pipeline/fsm"
	"github.com/arcvox/voicebot/internal/pipeline/gateway"
	"github.com/arcvox/voicebot/internal/pipeline/healthmon"
	"github.com/arcvox/voicebot/internal/pipeline/inbox"
	"github.com/arcvox/voicebot/internal/pipeline/orchestrator"
	"github.com/arcvox/voicebot/internal/pipeline/queue"
	"github.com/arcvox/voicebot/internal/pipeline/router"
	"github.com/arcvox/voicebot/internal/pipeline/segmenter"
	"github.com/arcvox/voicebot/internal/resilience"
	"github.com/arcvox/voicebot/internal/session"
	"github.com/arcvox/voicebot/internal/transcript"
	"github.com/arcvox/voicebot/internal/transcript/phonetic"
	"github.com/arcvox/voicebot/pkg/audio"
	"github.com/arcvox/voicebot/pkg/memory/postgres"
	"github.com/arcvox/voicebot/pkg/provider/embeddings"
	"github.com/arcvox/voicebot/pkg/provider/llm"
	"github.com/arcvox/voicebot/pkg/provider/stt"
	"github.com/arcvox/voicebot/pkg/provider/tts"
	"github.com/arcvox/voicebot/pkg/provider/vad"
)

// defaultQueueStatePath is used when pipeline.queue_state_path is empty.
const defaultQueueStatePath = "queue-state.json"

// defaultAgentID names the agent in session keys when discord.agent_id is
// not configured.
const defaultAgentID = "voicebot"

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	LLM        llm.Provider
	STT        stt.Provider
	TTS        tts.Provider
	Embeddings embeddings.Provider
	VAD        vad.Engine
	Audio      audio.Platform
}

// App owns all subsystem lifetimes and orchestrates the voice pipeline.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems — initialised in New (or Run for audio-coupled parts),
	// torn down in Shutdown.
	bot        *discord.Bot
	gateway    orchestrator.Gateway
	transport  router.Transport
	router     *router.Router
	queueStore *queue.Store
	poller     *queue.Poller
	tracker    *inbox.Tracker
	machine    *fsm.Machine
	palette    *earcon.Palette
	counters   *healthmon.Counters
	healthMon  *healthmon.Monitor
	depMonitor *depmon.Monitor
	seg        *segmenter.Segmenter
	orch       *orchestrator.Orchestrator
	player     orchestrator.Player
	recorder   orchestrator.SessionRecorder
	corrector  transcript.Pipeline
	stats      *discord.PipelineStats
	memStore   *postgres.Store
	httpSrv    *http.Server
	conn       audio.Connection

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithGateway injects a chat gateway instead of creating a Discord-backed one.
func WithGateway(g orchestrator.Gateway) Option {
	return func(a *App) { a.gateway = g }
}

// WithTransport injects a router transport instead of the Discord-backed one.
func WithTransport(t router.Transport) Option {
	return func(a *App) { a.transport = t }
}

// WithAudioPlayer injects an audio player; with one injected, Run does not
// join a Discord voice channel.
func WithAudioPlayer(p orchestrator.Player) Option {
	return func(a *App) { a.player = p }
}

// WithSessionRecorder injects a session recorder instead of creating one
// from pipeline.transcript_dir.
func WithSessionRecorder(r orchestrator.SessionRecorder) Option {
	return func(a *App) { a.recorder = r }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option functions
// to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		palette:   earcon.New(),
		counters:  &healthmon.Counters{},
		machine:   fsm.New(slog.Default().With("component", "fsm")),
		stats:     discord.NewPipelineStats(100),
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Discord session + gateway ─────────────────────────────────────
	if err := a.initDiscord(ctx); err != nil {
		return nil, fmt.Errorf("app: init discord: %w", err)
	}
	a.gateway = &statsGateway{inner: a.gateway, stats: a.stats}

	// ── 2. Queue state ───────────────────────────────────────────────────
	path := cfg.Pipeline.QueueStatePath
	if path == "" {
		path = defaultQueueStatePath
	}
	a.queueStore = queue.Open(path, slog.Default().With("component", "queue"))

	// ── 3. Channel router ────────────────────────────────────────────────
	a.router = router.New(a.agentID(), channelDefs(cfg.Channels), a.gateway, a.transport,
		slog.Default().With("component", "router"))

	// ── 4. Inbox tracker (adopting persisted baselines) ──────────────────
	a.tracker = inbox.NewTracker(a.gateway, a.queueStore, a.queueStore.Snapshots(),
		slog.Default().With("component", "inbox"))

	// ── 5. Session recorder + durable mirror ─────────────────────────────
	if err := a.initRecorder(ctx); err != nil {
		return nil, fmt.Errorf("app: init recorder: %w", err)
	}

	// ── 6. Transcript corrector (phonetic pass over the channel/wake
	//      vocabulary) ─────────────────────────────────────────────────────
	a.corrector = transcript.NewPipeline(transcript.WithPhoneticMatcher(phonetic.New()))

	// ── 7. Orchestrator (needs an audio player; deferred to Run when the
	//      player comes from the voice connection) ───────────────────────
	if a.player != nil {
		a.finishPipeline()
	}

	return a, nil
}

// agentID returns the configured agent id, defaulting to "voicebot".
func (a *App) agentID() string {
	if a.cfg.Discord.AgentID != "" {
		return a.cfg.Discord.AgentID
	}
	return defaultAgentID
}

// initDiscord connects the bot and builds the Discord-backed gateway and
// transport, unless both were injected.
func (a *App) initDiscord(ctx context.Context) error {
	if a.gateway != nil {
		return nil
	}
	if a.cfg.Discord.Token == "" {
		return errors.New("discord.token is required unless a gateway is injected")
	}

	bot, err := discord.New(ctx, discord.Config{
		Token:          a.cfg.Discord.Token,
		GuildID:        a.cfg.Discord.GuildID,
		OperatorRoleID: a.cfg.Discord.OperatorRoleID,
	})
	if err != nil {
		return err
	}
	a.bot = bot
	a.closers = append(a.closers, bot.Close)

	llmProvider := a.providers.LLM
	if llmProvider != nil {
		llmProvider = resilience.NewLLMFallback(llmProvider, a.cfg.Providers.LLM.Name, resilience.FallbackConfig{})
	}

	a.gateway = gateway.New(bot.Session(), a.cfg.Providers.LLM.Model, llmProvider,
		slog.Default().With("component", "gateway"))
	if a.transport == nil {
		a.transport = gateway.NewTransport(bot.Session(), a.cfg.Discord.GuildID,
			slog.Default())
	}
	return nil
}

// initRecorder builds the JSONL session recorder and, when a Postgres DSN is
// configured, the durable transcript mirror.
func (a *App) initRecorder(ctx context.Context) error {
	if a.recorder != nil {
		return nil
	}

	var jsonl *transcript.Recorder
	if dir := a.cfg.Pipeline.TranscriptDir; dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create transcript dir: %w", err)
		}
		cwd, _ := os.Getwd()
		path := filepath.Join(dir, fmt.Sprintf("session-%d.jsonl", time.Now().UnixMilli()))
		rec, err := transcript.NewRecorder(path, cwd)
		if err != nil {
			return err
		}
		jsonl = rec
		a.closers = append(a.closers, rec.Close)
	}

	var sessions sessionWriter
	var index chunkIndexer
	if dsn := a.cfg.Memory.PostgresDSN; dsn != "" {
		dims := a.cfg.Memory.EmbeddingDimensions
		if dims == 0 {
			dims = 1536
		}
		store, err := postgres.NewStore(ctx, dsn, dims)
		if err != nil {
			return fmt.Errorf("connect postgres mirror: %w", err)
		}
		a.memStore = store
		sessions = store.L1()
		index = store.L2()
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
	}

	if jsonl == nil && sessions == nil {
		return nil
	}
	a.recorder = &dualRecorder{
		jsonl:     jsonl,
		sessions:  sessions,
		index:     index,
		embed:     a.providers.Embeddings,
		sessionID: fmt.Sprintf("voice-%d", time.Now().UnixMilli()),
		log:       slog.Default().With("component", "recorder"),
	}
	return nil
}

// finishPipeline builds everything that needs the audio player: the
// orchestrator, the response poller, the dependency monitor, and the health
// monitor.
func (a *App) finishPipeline() {
	a.orch = orchestrator.New(orchestrator.Deps{
		Machine:  a.machine,
		Router:   a.router,
		Queue:    a.queueStore,
		Inbox:    a.tracker,
		Gateway:  a.gateway,
		STT:      a.newTranscriber(),
		TTS:      a.newSynthesizer(),
		Audio:    a.player,
		Palette:  a.palette,
		Counters: a.counters,
		Recorder: a.recorder,
	},
		orchestrator.WithBotName(a.cfg.Pipeline.BotName),
		orchestrator.WithGatedMode(a.cfg.Pipeline.GatedMode),
	)

	a.poller = queue.NewPoller(a.queueStore, a.gateway, func(displayName string) {
		a.orch.NotifyIfIdle(fmt.Sprintf("Response ready in %s.", displayName))
	}, slog.Default().With("component", "poller"))

	if deps := dependencyDefs(a.cfg.Pipeline.Dependencies); len(deps) > 0 {
		a.depMonitor = depmon.New(deps, a.onDependencyStatus,
			depmon.WithLogger(slog.Default().With("component", "depmon")))
		// depmon assumes every dependency up until a probe says otherwise,
		// so the gauge starts at 1 and transitions move it between 1 and 0.
		for _, d := range deps {
			observe.DefaultMetrics().DependencyUp.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("dependency", d.Name)))
		}
	}

	a.healthMon = healthmon.New(a.counters,
		healthmon.WithLogger(slog.Default().With("component", "healthmon")))
}

// onDependencyStatus forwards depmon transitions to the orchestrator and
// mirrors them into the dependency-liveness gauge.
func (a *App) onDependencyStatus(s depmon.Status) {
	delta := int64(1)
	if !s.Up {
		delta = -1
	}
	observe.DefaultMetrics().DependencyUp.Add(context.Background(), delta,
		metric.WithAttributes(attribute.String("dependency", s.Name)))
	a.orch.OnDependencyStatus(s.Name, s.Up)
}

// Orchestrator exposes the pipeline orchestrator; nil until Run when no
// audio player was injected.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orch
}

// Run joins the voice channel (unless an audio player was injected), starts
// every periodic task, and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if a.player == nil {
		if err := a.connectVoice(ctx); err != nil {
			return fmt.Errorf("app: connect voice: %w", err)
		}
	}
	if a.orch == nil {
		a.finishPipeline()
	}

	a.orch.Start(ctx)
	a.poller.Start(ctx)
	if a.depMonitor != nil {
		go func() {
			if err := a.depMonitor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("dependency monitor stopped", "err", err)
			}
		}()
	}
	go a.healthMon.Run(ctx)

	a.startHealthServer()
	a.registerSlashCommands()

	if a.bot != nil {
		go func() {
			if err := a.bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("discord bot run ended", "err", err)
			}
		}()
	}

	// Feed segmented utterances into the orchestrator.
	if a.conn != nil && a.providers.VAD != nil {
		a.seg = segmenter.New(a.providers.VAD,
			segmenter.WithLogger(slog.Default().With("component", "segmenter")))
		go func() {
			if err := a.seg.Run(ctx, a.conn); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("segmenter stopped", "err", err)
			}
		}()
		go func() {
			for u := range a.seg.Utterances() {
				a.orch.HandleUtterance(ctx, u.UserID, u.WAV, u.DurationMs)
			}
		}()
	}

	slog.Info("voice pipeline running",
		"channels", len(a.cfg.Channels),
		"gated", a.cfg.Pipeline.GatedMode,
	)

	<-ctx.Done()
	return ctx.Err()
}

// connectVoice joins the configured Discord voice channel and builds the
// audio player over the live connection.
func (a *App) connectVoice(ctx context.Context) error {
	platform := a.providers.Audio
	if platform == nil && a.bot != nil {
		platform = a.bot.Platform()
	}
	if platform == nil {
		return errors.New("no audio platform available")
	}
	if a.cfg.Discord.VoiceChannelID == "" {
		return errors.New("discord.voice_channel_id is not configured")
	}

	reconnector := session.NewReconnector(session.ReconnectorConfig{
		Platform:  platform,
		ChannelID: a.cfg.Discord.VoiceChannelID,
		OnReconnect: func(conn audio.Connection) {
			slog.Info("voice connection re-established")
		},
	})
	conn, err := reconnector.Connect(ctx)
	if err != nil {
		return err
	}
	reconnector.Monitor(ctx)
	a.conn = conn
	a.closers = append(a.closers, reconnector.Stop)
	a.player = audioio.New(conn, slog.Default())
	return nil
}

// startHealthServer exposes /healthz and /readyz when a listen address is
// configured.
func (a *App) startHealthServer() {
	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		return
	}
	handler := health.New(
		health.Checker{Name: "queue-state", Check: func(ctx context.Context) error { return nil }},
		health.Checker{Name: "pipeline", Check: func(ctx context.Context) error {
			if a.orch == nil {
				return errors.New("orchestrator not started")
			}
			return nil
		}},
	)
	mux := http.NewServeMux()
	handler.Register(mux)
	mux.Handle("/metrics", promhttp.Handler())

	a.httpSrv = &http.Server{Addr: addr, Handler: observe.Middleware(observe.DefaultMetrics())(mux)}
	go func() {
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health server stopped", "err", err)
		}
	}()
}

// registerSlashCommands wires the /voice status command onto the bot's
// command router.
func (a *App) registerSlashCommands() {
	if a.bot == nil {
		return
	}
	discord.RegisterVoiceStatus(a.bot.Router(), a.bot.Permissions(), func() discord.VoiceStatusReport {
		h := a.orch.GetHealthSnapshot()
		mode := string(a.queueStore.Mode())
		return discord.VoiceStatusReport{
			State:        h.State,
			StateAge:     h.StateAge,
			Mode:         mode,
			Utterances:   h.Counters.UtterancesProcessed,
			Commands:     h.Counters.CommandsRecognized,
			Dispatches:   h.Counters.LLMDispatches,
			Errors:       h.Counters.Errors,
			Dependencies: h.Dependencies,
			Latencies:    a.stats.Snapshot(),
		}
	})
}

// Shutdown stops periodic tasks and closes every subsystem in reverse
// order of creation. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		if a.poller != nil {
			a.poller.Stop()
		}
		if a.orch != nil {
			a.orch.Stop()
		}
		if a.httpSrv != nil {
			if err := a.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("health server: %w", err))
			}
		}
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		slog.Info("voicebot shut down")
	})
	return errors.Join(errs...)
}

// channelDefs converts config channels to router definitions.
func channelDefs(chans []config.ChannelConfig) []router.ChannelDef {
	out := make([]router.ChannelDef, 0, len(chans))
	for _, c := range chans {
		display := c.DisplayName
		if display == "" {
			display = c.Name
		}
		out = append(out, router.ChannelDef{
			Name:        c.Name,
			DisplayName: display,
			ChannelID:   c.ChannelID,
			TopicPrompt: c.TopicPrompt,
		})
	}
	return out
}

// dependencyDefs converts config dependencies to depmon definitions.
func dependencyDefs(deps []config.DependencyConfig) []depmon.Dependency {
	out := make([]depmon.Dependency, 0, len(deps))
	for _, d := range deps {
		out = append(out, depmon.Dependency{Name: d.Name, Addr: d.Addr, RestartCmd: d.RestartCmd})
	}
	return out
}

