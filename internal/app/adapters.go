package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/arcvox/voicebot/internal/discord"
	"github.com/arcvox/voicebot/internal/observe"
	"github.com/arcvox/voicebot/internal/pipeline/orchestrator"
	"github.com/arcvox/voicebot/internal/pipeline/pipetypes"
	"github.com/arcvox/voicebot/internal/resilience"
	"github.com/arcvox/voicebot/internal/transcript"
	"github.com/arcvox/voicebot/pkg/memory"
	"github.com/arcvox/voicebot/pkg/provider/embeddings"
	"github.com/arcvox/voicebot/pkg/provider/stt"
	"github.com/arcvox/voicebot/pkg/provider/tts"
	"github.com/arcvox/voicebot/pkg/types"
)

// wavHeaderLen is the canonical RIFF/WAVE header length the segmenter and
// earcon packages produce. sttTranscriber strips it before streaming raw
// PCM to the provider.
const wavHeaderLen = 44

// newTranscriber builds the orchestrator's one-shot STT surface over the
// configured streaming provider, wrapped in a circuit-breaking fallback and
// followed by the phonetic transcript corrector.
func (a *App) newTranscriber() orchestrator.Transcriber {
	provider := a.providers.STT
	if provider != nil {
		provider = resilience.NewSTTFallback(provider, a.cfg.Providers.STT.Name, resilience.FallbackConfig{})
	}
	return &sttTranscriber{
		provider:  provider,
		corrector: a.corrector,
		keywords:  a.recognitionKeywords(),
		entities:  a.recognitionEntities(),
		stats:     a.stats,
		log:       slog.Default().With("component", "stt-adapter"),
	}
}

// recognitionKeywords boosts the wake word and every channel name in the
// provider's vocabulary.
func (a *App) recognitionKeywords() []types.KeywordBoost {
	out := []types.KeywordBoost{{Keyword: a.cfg.Pipeline.BotName, Boost: 2}}
	for _, ch := range a.cfg.Channels {
		out = append(out, types.KeywordBoost{Keyword: ch.Name, Boost: 1.5})
	}
	return out
}

// recognitionEntities is the corrector's known-name list: the same
// vocabulary, as plain strings.
func (a *App) recognitionEntities() []string {
	out := []string{a.cfg.Pipeline.BotName}
	for _, ch := range a.cfg.Channels {
		out = append(out, ch.Name)
		if ch.DisplayName != "" {
			out = append(out, ch.DisplayName)
		}
	}
	return out
}

// sttTranscriber adapts the streaming stt.Provider to the pipeline's
// one-utterance-in, one-transcript-out call: open a session, stream the
// PCM, close to flush, and join the finals.
type sttTranscriber struct {
	provider  stt.Provider
	corrector transcript.Pipeline
	keywords  []types.KeywordBoost
	entities  []string
	stats     *discord.PipelineStats
	log       *slog.Logger
}

func (t *sttTranscriber) Transcribe(ctx context.Context, wav []byte) (string, error) {
	if t.provider == nil {
		return "", errors.New("app: no stt provider configured")
	}
	start := time.Now()
	defer func() {
		d := time.Since(start)
		t.stats.RecordSTT(d)
		observe.DefaultMetrics().STTDuration.Record(ctx, d.Seconds())
	}()
	sess, err := t.provider.StartStream(ctx, stt.StreamConfig{
		SampleRate: 48000,
		Channels:   1,
		Keywords:   t.keywords,
	})
	if err != nil {
		return "", fmt.Errorf("app: start stt stream: %w", err)
	}

	// Drain finals concurrently so Close's flush can never block against a
	// full channel.
	done := make(chan string, 1)
	go func() {
		var parts []string
		for final := range sess.Finals() {
			if final.Text != "" {
				parts = append(parts, final.Text)
			}
		}
		done <- strings.Join(parts, " ")
	}()

	if err := sess.SendAudio(stripWAVHeader(wav)); err != nil {
		sess.Close()
		<-done
		return "", fmt.Errorf("app: send audio: %w", err)
	}
	if err := sess.Close(); err != nil {
		<-done
		return "", fmt.Errorf("app: close stt stream: %w", err)
	}

	var text string
	select {
	case text = <-done:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	return t.correct(ctx, text), nil
}

// correct runs the phonetic corrector over a raw transcript; correction
// failures fall back to the raw text rather than dropping the turn.
func (t *sttTranscriber) correct(ctx context.Context, raw string) string {
	if t.corrector == nil || raw == "" {
		return raw
	}
	corrected, err := t.corrector.Correct(ctx, types.Transcript{Text: raw, IsFinal: true}, t.entities)
	if err != nil {
		t.log.Warn("transcript correction failed", "err", err)
		return raw
	}
	return corrected.Corrected
}

// stripWAVHeader removes the canonical 44-byte RIFF header, passing
// through buffers that are already raw PCM.
func stripWAVHeader(wav []byte) []byte {
	if len(wav) > wavHeaderLen && bytes.HasPrefix(wav, []byte("RIFF")) {
		return wav[wavHeaderLen:]
	}
	return wav
}

// newSynthesizer builds the orchestrator's one-shot TTS surface over the
// configured streaming provider.
func (a *App) newSynthesizer() orchestrator.Synthesizer {
	provider := a.providers.TTS
	if provider != nil {
		provider = resilience.NewTTSFallback(provider, a.cfg.Providers.TTS.Name, resilience.FallbackConfig{})
	}
	voice := types.VoiceProfile{
		ID:       a.cfg.Providers.TTS.Model,
		Provider: a.cfg.Providers.TTS.Name,
	}
	return &ttsSynthesizer{provider: provider, voice: voice, stats: a.stats}
}

// ttsSynthesizer adapts the streaming tts.Provider to a blocking one-shot
// synthesis call, concatenating the audio chunks.
type ttsSynthesizer struct {
	provider tts.Provider
	voice    types.VoiceProfile
	stats    *discord.PipelineStats
}

func (s *ttsSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if s.provider == nil {
		return nil, errors.New("app: no tts provider configured")
	}
	start := time.Now()
	defer func() {
		d := time.Since(start)
		s.stats.RecordTTS(d)
		observe.DefaultMetrics().TTSDuration.Record(ctx, d.Seconds())
	}()
	in := make(chan string, 1)
	in <- text
	close(in)

	out, err := s.provider.SynthesizeStream(ctx, in, s.voice)
	if err != nil {
		return nil, fmt.Errorf("app: synthesize: %w", err)
	}

	var buf bytes.Buffer
	for chunk := range out {
		buf.Write(chunk)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if buf.Len() == 0 {
		return nil, errors.New("app: synthesis produced no audio")
	}
	return buf.Bytes(), nil
}

// statsGateway wraps the chat gateway to record LLM completion latency and
// utterance/error tallies for the /voice status dashboard.
type statsGateway struct {
	inner orchestrator.Gateway
	stats *discord.PipelineStats
}

func (g *statsGateway) History(ctx context.Context, sessionKey string, limit int) ([]pipetypes.Message, error) {
	return g.inner.History(ctx, sessionKey, limit)
}

func (g *statsGateway) Inject(ctx context.Context, sessionKey, message, label string) (string, error) {
	return g.inner.Inject(ctx, sessionKey, message, label)
}

func (g *statsGateway) Complete(ctx context.Context, messages []pipetypes.Message, systemPrompt string, maxTokens int) (string, error) {
	start := time.Now()
	resp, err := g.inner.Complete(ctx, messages, systemPrompt, maxTokens)
	d := time.Since(start)

	g.stats.RecordLLM(d)
	observe.DefaultMetrics().LLMDuration.Record(ctx, d.Seconds())
	status := "ok"
	if err != nil {
		status = "error"
		g.stats.IncrErrors()
	}
	observe.DefaultMetrics().RecordProviderRequest(ctx, "gateway", "llm", status)
	g.stats.IncrUtterances()
	return resp, err
}

// sessionWriter is the slice of memory.SessionStore the durable mirror
// needs.
type sessionWriter interface {
	WriteEntry(ctx context.Context, sessionID string, entry memory.TranscriptEntry) error
}

// chunkIndexer is the slice of memory.SemanticIndex the mirror needs.
type chunkIndexer interface {
	IndexChunk(ctx context.Context, chunk memory.Chunk) error
}

// dualRecorder fans each recorded turn out to the JSONL session transcript,
// the Postgres session store, and — when an embeddings provider is
// configured — the semantic chunk index. Any sink may be nil.
type dualRecorder struct {
	jsonl     *transcript.Recorder
	sessions  sessionWriter
	index     chunkIndexer
	embed     embeddings.Provider
	sessionID string
	log       *slog.Logger

	seq int64
}

func (d *dualRecorder) Record(role, text, channel string) (string, error) {
	var id string
	var err error
	if d.jsonl != nil {
		id, err = d.jsonl.Record(role, text, channel)
	}
	if d.sessions != nil {
		entry := memory.TranscriptEntry{
			SpeakerID:   role,
			SpeakerName: role,
			Text:        text,
			Timestamp:   time.Now(),
		}
		if werr := d.sessions.WriteEntry(context.Background(), d.sessionID, entry); werr != nil && err == nil {
			err = werr
		}
	}
	d.indexAsync(role, text)
	return id, err
}

// indexAsync embeds a turn and upserts it into the semantic index without
// blocking the pipeline. Embedding failures are logged, never propagated.
func (d *dualRecorder) indexAsync(role, text string) {
	if d.index == nil || d.embed == nil || text == "" {
		return
	}
	seq := atomic.AddInt64(&d.seq, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		vec, err := d.embed.Embed(ctx, text)
		if err != nil {
			d.log.Warn("turn embedding failed", "err", err)
			return
		}
		chunk := memory.Chunk{
			ID:        fmt.Sprintf("%s-%d", d.sessionID, seq),
			SessionID: d.sessionID,
			Content:   text,
			Embedding: vec,
			SpeakerID: role,
			Timestamp: time.Now(),
		}
		if err := d.index.IndexChunk(ctx, chunk); err != nil {
			d.log.Warn("chunk indexing failed", "err", err)
		}
	}()
}
