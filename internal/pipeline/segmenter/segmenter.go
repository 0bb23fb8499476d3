// Package segmenter turns the raw per-speaker PCM frames coming off a
// pkg/audio.Connection into discrete [pipetypes.Utterance] values: the
// unit of work the orchestrator's STT step consumes.
//
// Each input stream is gated through its own pkg/provider/vad.SessionHandle.
// Frames are buffered while the VAD engine reports speech and flushed into
// an utterance once it reports the segment has ended. Two guards keep noise
// and runaway buffers out of the pipeline: a segment shorter than
// Config.MinSpeechMs is dropped as a noise burst rather than forwarded, and
// a segment longer than Config.MaxUtteranceMs is force-flushed so a user who
// never stops talking cannot grow the buffer without bound.
package segmenter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/arcvox/voicebot/internal/pipeline/pipetypes"
	"github.com/arcvox/voicebot/pkg/audio"
	"github.com/arcvox/voicebot/pkg/provider/vad"
)

const (
	// DefaultSampleRate matches the Discord voice pipeline's PCM rate.
	DefaultSampleRate = 48000

	// DefaultFrameSizeMs is the frame size pkg/audio.AudioFrame values arrive
	// in from the Discord backend.
	DefaultFrameSizeMs = 20

	// DefaultMinSpeechMs is the shortest segment forwarded as an utterance.
	// Anything shorter is treated as a VAD false-positive (a cough, a click)
	// and silently dropped.
	DefaultMinSpeechMs = 250

	// DefaultMaxUtteranceMs bounds how long a single utterance buffer can
	// grow before it is force-flushed, independent of the VAD ever reporting
	// VADSpeechEnd.
	DefaultMaxUtteranceMs = 30000

	bytesPerSample = 2 // 16-bit PCM
	channels       = 1
)

// Config parameterizes segmentation. Zero-value fields fall back to the
// package defaults via [Config.withDefaults].
type Config struct {
	SampleRate     int
	FrameSizeMs    int
	MinSpeechMs    int64
	MaxUtteranceMs int64

	// SpeechThreshold and SilenceThreshold are forwarded to the VAD engine
	// as vad.Config fields. Zero leaves the engine's own defaults in place.
	SpeechThreshold  float64
	SilenceThreshold float64
}

func (c Config) withDefaults() Config {
	if c.SampleRate == 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.FrameSizeMs == 0 {
		c.FrameSizeMs = DefaultFrameSizeMs
	}
	if c.MinSpeechMs == 0 {
		c.MinSpeechMs = DefaultMinSpeechMs
	}
	if c.MaxUtteranceMs == 0 {
		c.MaxUtteranceMs = DefaultMaxUtteranceMs
	}
	return c
}

func (c Config) vadConfig() vad.Config {
	return vad.Config{
		SampleRate:       c.SampleRate,
		FrameSizeMs:      c.FrameSizeMs,
		SpeechThreshold:  c.SpeechThreshold,
		SilenceThreshold: c.SilenceThreshold,
	}
}

// Option is a functional option for [New].
type Option func(*Segmenter)

// WithConfig overrides the default segmentation parameters.
func WithConfig(cfg Config) Option {
	return func(s *Segmenter) { s.cfg = cfg.withDefaults() }
}

// WithLogger overrides the default slog.Default() logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Segmenter) {
		if logger != nil {
			s.log = logger
		}
	}
}

// Segmenter gates raw audio frames through a VAD engine and emits completed
// utterances on its output channel. One Segmenter can drive any number of
// concurrent input streams, each processed by its own VAD session.
type Segmenter struct {
	engine vad.Engine
	cfg    Config
	log    *slog.Logger

	out chan pipetypes.Utterance

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// New constructs a Segmenter backed by engine. engine is typically a
// pkg/provider/vad implementation wrapping Silero or WebRTC VAD; tests
// inject pkg/provider/vad/mock.Engine.
func New(engine vad.Engine, opts ...Option) *Segmenter {
	s := &Segmenter{
		engine: engine,
		cfg:    Config{}.withDefaults(),
		log:    slog.Default().With("component", "segmenter"),
		out:    make(chan pipetypes.Utterance, 8),
		active: make(map[string]context.CancelFunc),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Utterances returns the channel completed utterances are published on. The
// channel is never closed by Segmenter; callers select on ctx.Done() as well.
func (s *Segmenter) Utterances() <-chan pipetypes.Utterance {
	return s.out
}

// Run processes every current input stream on conn, one goroutine per
// speaker, until ctx is cancelled or every stream closes. It does not watch
// for streams that join after Run is called; conn.OnParticipantChange is the
// caller's signal to start a new Run for a newly joined speaker.
func (s *Segmenter) Run(ctx context.Context, conn audio.Connection) error {
	streams := conn.InputStreams()
	g, gctx := errgroup.WithContext(ctx)
	for userID, frames := range streams {
		userID, frames := userID, frames
		g.Go(func() error {
			return s.processStream(gctx, userID, frames)
		})
	}
	return g.Wait()
}

// RunStream processes a single speaker's frame stream. Exported so the
// orchestrator can start segmentation for a speaker who joins mid-session,
// outside of an initial Run call.
func (s *Segmenter) RunStream(ctx context.Context, userID string, frames <-chan audio.AudioFrame) error {
	return s.processStream(ctx, userID, frames)
}

func (s *Segmenter) processStream(ctx context.Context, userID string, frames <-chan audio.AudioFrame) error {
	session, err := s.engine.NewSession(s.cfg.vadConfig())
	if err != nil {
		return fmt.Errorf("segmenter: new VAD session for %s: %w", userID, err)
	}
	defer session.Close()

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.active[userID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, userID)
		s.mu.Unlock()
		cancel()
	}()

	seg := newSegment(s.cfg.FrameSizeMs)

	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			event, err := session.ProcessFrame(frame.Data)
			if err != nil {
				s.log.Warn("vad process frame failed", "user", userID, "err", err)
				continue
			}
			s.handleEvent(ctx, userID, seg, event, frame)
		}
	}
}

// handleEvent folds one VAD event into the in-flight segment, flushing a
// completed or overlong utterance as needed.
func (s *Segmenter) handleEvent(ctx context.Context, userID string, seg *segment, event vad.VADEvent, frame audio.AudioFrame) {
	switch event.Type {
	case vad.VADSpeechStart, vad.VADSpeechContinue:
		seg.append(frame.Data)
		if seg.durationMs() >= s.cfg.MaxUtteranceMs {
			s.flush(ctx, userID, seg, true)
		}
	case vad.VADSpeechEnd:
		seg.append(frame.Data)
		s.flush(ctx, userID, seg, false)
	case vad.VADSilence:
		if seg.empty() {
			return
		}
		// A silence frame arriving without an explicit VADSpeechEnd (an
		// engine that signals end-of-speech implicitly) still closes out
		// whatever was accumulated so far.
		s.flush(ctx, userID, seg, false)
	}
}

// flush finalizes seg, forwarding it as an utterance if it clears
// MinSpeechMs and resetting the buffer either way. forced is true when the
// flush was triggered by MaxUtteranceMs rather than a VAD end-of-speech
// signal, and is logged at a higher level since it indicates either an
// unusually long command or a stuck VAD session.
func (s *Segmenter) flush(ctx context.Context, userID string, seg *segment, forced bool) {
	durationMs := seg.durationMs()
	pcm := seg.reset()
	if durationMs < s.cfg.MinSpeechMs {
		return
	}

	if forced {
		s.log.Warn("utterance force-flushed at max duration", "user", userID, "duration_ms", durationMs)
	}

	utt := pipetypes.Utterance{
		UserID:     userID,
		WAV:        wrapWAV(pcm, s.cfg.SampleRate),
		DurationMs: durationMs,
	}
	select {
	case s.out <- utt:
	case <-ctx.Done():
	}
}

// segment accumulates raw PCM for one in-flight utterance.
type segment struct {
	frameSizeMs int64
	pcm         []byte
	frameCount  int64
}

func newSegment(frameSizeMs int) *segment {
	return &segment{frameSizeMs: int64(frameSizeMs)}
}

func (s *segment) append(data []byte) {
	s.pcm = append(s.pcm, data...)
	s.frameCount++
}

func (s *segment) empty() bool { return len(s.pcm) == 0 }

func (s *segment) durationMs() int64 {
	return s.frameCount * s.frameSizeMs
}

// reset returns the accumulated PCM and clears the segment for reuse.
func (s *segment) reset() []byte {
	pcm := s.pcm
	s.pcm = nil
	s.frameCount = 0
	return pcm
}

// wrapWAV wraps raw 16-bit LE mono PCM in a canonical RIFF/WAVE header, the
// mirror of internal/pipeline/audioio's decodeRIFF and the format spec.md §6
// prescribes for every WAV buffer crossing the STT boundary.
func wrapWAV(pcm []byte, sampleRate int) []byte {
	dataLen := uint32(len(pcm))
	byteRate := uint32(sampleRate * channels * bytesPerSample)
	blockAlign := uint16(channels * bytesPerSample)
	riffLen := 36 + dataLen

	buf := make([]byte, 0, 44+len(pcm))
	buf = append(buf, "RIFF"...)
	buf = appendUint32LE(buf, riffLen)
	buf = append(buf, "WAVE"...)

	buf = append(buf, "fmt "...)
	buf = appendUint32LE(buf, 16)
	buf = appendUint16LE(buf, 1) // PCM format tag
	buf = appendUint16LE(buf, uint16(channels))
	buf = appendUint32LE(buf, uint32(sampleRate))
	buf = appendUint32LE(buf, byteRate)
	buf = appendUint16LE(buf, blockAlign)
	buf = appendUint16LE(buf, uint16(bytesPerSample*8))

	buf = append(buf, "data"...)
	buf = appendUint32LE(buf, dataLen)
	buf = append(buf, pcm...)
	return buf
}

func appendUint32LE(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func appendUint16LE(buf []byte, v uint16) []byte {
	return append(buf, byte(v), byte(v>>8))
}
