// Package audioio adapts the pipeline's playback operations — streamed TTS
// audio, short earcon stings, and a looping waiting tone — onto a single
// pkg/audio.Connection output channel. Exactly one stream is active at a
// time; starting a new one preempts whatever is currently playing.
package audioio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arcvox/voicebot/pkg/audio"
)

// frameDuration is the size of one outbound audio.AudioFrame. 20ms matches
// the frame size Discord's Opus pipeline expects downstream of this writer.
const frameDuration = 20 * time.Millisecond

// Player serializes all playback onto one pkg/audio.Connection. Safe for
// concurrent use; PlayStream/PlayEarcon calls preempt any in-flight stream.
type Player struct {
	conn audio.Connection
	log  *slog.Logger

	mu            sync.Mutex
	cancel        context.CancelFunc
	generation    uint64
	playing       bool
	waitingActive bool
	waitCancel    context.CancelFunc
}

// New constructs a Player writing to conn's output stream.
func New(conn audio.Connection, logger *slog.Logger) *Player {
	if logger == nil {
		logger = slog.Default()
	}
	return &Player{conn: conn, log: logger.With("component", "audioio")}
}

// PlayStream plays raw little-endian PCM audio at the given sample rate and
// channel count, blocking until playback completes, ctx is cancelled, or
// StopPlayback preempts it. A StopPlayback (or a subsequent PlayStream/
// PlayEarcon call) always takes effect immediately.
func (p *Player) PlayStream(ctx context.Context, pcm []byte, sampleRate, channels int) error {
	playCtx, cancel, gen := p.beginLocked(ctx)
	defer p.endLocked(cancel, gen)

	out := p.conn.OutputStream()
	frameBytes := frameBytesFor(sampleRate, channels)
	if frameBytes <= 0 {
		return fmt.Errorf("audioio: invalid format %dHz/%dch", sampleRate, channels)
	}

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for off := 0; off < len(pcm); off += frameBytes {
		end := off + frameBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		frame := audio.AudioFrame{
			Data:       pcm[off:end],
			SampleRate: sampleRate,
			Channels:   channels,
			Timestamp:  time.Duration(off/frameBytes) * frameDuration,
		}
		select {
		case <-playCtx.Done():
			return playCtx.Err()
		case out <- frame:
		}
		if end == len(pcm) {
			break
		}
		select {
		case <-playCtx.Done():
			return playCtx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// PlayEarcon plays a RIFF/WAVE-wrapped earcon buffer, as produced by
// internal/pipeline/earcon.
func (p *Player) PlayEarcon(ctx context.Context, wav []byte) error {
	pcm, sampleRate, channels, err := decodeRIFF(wav)
	if err != nil {
		return fmt.Errorf("audioio: earcon: %w", err)
	}
	return p.PlayStream(ctx, pcm, sampleRate, channels)
}

// StartWaitingLoop begins repeating tone at interval until StopWaitingLoop
// is called, preempting any current stream once and thereafter looping
// independently of further PlayStream/PlayEarcon calls (each loop iteration
// re-acquires the player). IsWaiting reports true for the lifetime of the
// loop, independent of whether a tone is mid-playback at any instant.
func (p *Player) StartWaitingLoop(ctx context.Context, tone []byte, interval time.Duration) {
	p.mu.Lock()
	if p.waitCancel != nil {
		p.waitCancel()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.waitCancel = cancel
	p.waitingActive = true
	p.mu.Unlock()

	go p.runWaitingLoop(loopCtx, tone, interval)
}

func (p *Player) runWaitingLoop(ctx context.Context, tone []byte, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := p.PlayEarcon(ctx, tone); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("waiting loop tone failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// StopWaitingLoop halts a running waiting loop. Safe to call when no loop is
// active.
func (p *Player) StopWaitingLoop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.waitCancel != nil {
		p.waitCancel()
		p.waitCancel = nil
	}
	p.waitingActive = false
}

// StopPlayback immediately halts whatever stream (TTS, earcon, or waiting
// tone) is currently in flight.
func (p *Player) StopPlayback() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()
	p.StopWaitingLoop()
}

// IsPlaying reports whether a stream is currently being written to the
// output channel.
func (p *Player) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// IsWaiting reports whether a waiting-tone loop is currently armed.
func (p *Player) IsWaiting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitingActive
}

// beginLocked preempts any current stream, installs a new cancelable
// context for the one about to start, and marks the player busy. The
// returned generation identifies this stream so endLocked can tell whether
// it is still the active one.
func (p *Player) beginLocked(ctx context.Context) (context.Context, context.CancelFunc, uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
	playCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.playing = true
	p.generation++
	return playCtx, cancel, p.generation
}

// endLocked marks the player idle once a stream function returns, but only
// if a newer stream has not already taken over in the meantime.
func (p *Player) endLocked(cancel context.CancelFunc, gen uint64) {
	cancel()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.generation == gen {
		p.playing = false
	}
}

func frameBytesFor(sampleRate, channels int) int {
	samplesPerFrame := sampleRate * int(frameDuration/time.Millisecond) / 1000
	return samplesPerFrame * channels * 2 // 16-bit samples
}

// decodeRIFF extracts raw PCM, sample rate, and channel count from a
// canonical PCM RIFF/WAVE buffer, the mirror of earcon.wrapRIFF.
func decodeRIFF(wav []byte) (pcm []byte, sampleRate, channels int, err error) {
	if len(wav) < 44 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return nil, 0, 0, fmt.Errorf("not a RIFF/WAVE buffer")
	}
	r := bytes.NewReader(wav[12:])
	for r.Len() >= 8 {
		var id [4]byte
		var size uint32
		if _, err := r.Read(id[:]); err != nil {
			break
		}
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			break
		}
		chunk := make([]byte, size)
		if _, err := r.Read(chunk); err != nil {
			break
		}
		switch string(id[:]) {
		case "fmt ":
			if len(chunk) < 16 {
				return nil, 0, 0, fmt.Errorf("short fmt chunk")
			}
			channels = int(binary.LittleEndian.Uint16(chunk[2:4]))
			sampleRate = int(binary.LittleEndian.Uint32(chunk[4:8]))
		case "data":
			pcm = chunk
		}
		if size%2 == 1 {
			r.ReadByte() // RIFF chunks are word-aligned
		}
	}
	if pcm == nil || sampleRate == 0 || channels == 0 {
		return nil, 0, 0, fmt.Errorf("missing fmt/data chunk")
	}
	return pcm, sampleRate, channels, nil
}
