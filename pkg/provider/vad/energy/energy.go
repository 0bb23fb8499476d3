// Package energy implements a dependency-free energy-threshold VAD engine.
//
// Each frame's RMS energy is normalised against a slowly adapting noise
// floor and mapped to a pseudo-probability, then smoothed over a short
// hangover window so brief pauses inside a sentence do not end the
// segment. It is deliberately simple: no model weights, no cgo, and
// deterministic behaviour that unit tests can drive sample-by-sample.
package energy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/arcvox/voicebot/pkg/provider/vad"
)

// Compile-time interface assertions.
var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*session)(nil)
)

const (
	// defaultSpeechThreshold classifies a frame as speech when no explicit
	// threshold is configured.
	defaultSpeechThreshold = 0.5

	// defaultSilenceThreshold ends a segment when no explicit threshold is
	// configured.
	defaultSilenceThreshold = 0.35

	// hangoverFrames is how many consecutive sub-threshold frames are
	// tolerated before speech is considered ended. At 20ms frames this is
	// 300ms of in-sentence pause.
	hangoverFrames = 15

	// noiseAdaptRate controls how quickly the noise floor tracks quiet
	// frames. Speech frames adapt at 1/10th this rate so the floor does
	// not climb into the speech band during long utterances.
	noiseAdaptRate = 0.05

	// minNoiseFloor keeps the normalisation denominator away from zero on
	// digitally silent input.
	minNoiseFloor = 1e-4
)

// Engine builds energy-threshold VAD sessions.
type Engine struct{}

// New returns a ready Engine.
func New() *Engine { return &Engine{} }

// NewSession validates cfg and returns a fresh session.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("energy: invalid frame size %dms", cfg.FrameSizeMs)
	}
	speech := cfg.SpeechThreshold
	if speech == 0 {
		speech = defaultSpeechThreshold
	}
	silence := cfg.SilenceThreshold
	if silence == 0 {
		silence = defaultSilenceThreshold
	}
	if speech < 0 || speech > 1 || silence < 0 || silence > speech {
		return nil, fmt.Errorf("energy: invalid thresholds speech=%.2f silence=%.2f", cfg.SpeechThreshold, cfg.SilenceThreshold)
	}

	frameBytes := cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2
	return &session{
		frameBytes: frameBytes,
		speech:     speech,
		silence:    silence,
		noiseFloor: minNoiseFloor,
	}, nil
}

// session is the per-stream detector state. Not safe for concurrent use,
// matching the SessionHandle contract.
type session struct {
	mu         sync.Mutex
	frameBytes int
	speech     float64
	silence    float64

	noiseFloor float64
	inSpeech   bool
	quietRun   int
	closed     bool
}

// ProcessFrame classifies one little-endian 16-bit PCM frame.
func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return vad.VADEvent{}, errors.New("energy: session closed")
	}
	if len(frame) != s.frameBytes {
		return vad.VADEvent{}, fmt.Errorf("energy: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}

	prob := s.probability(frame)

	switch {
	case !s.inSpeech && prob >= s.speech:
		s.inSpeech = true
		s.quietRun = 0
		return vad.VADEvent{Type: vad.VADSpeechStart, Probability: prob}, nil

	case s.inSpeech && prob <= s.silence:
		s.quietRun++
		if s.quietRun >= hangoverFrames {
			s.inSpeech = false
			s.quietRun = 0
			return vad.VADEvent{Type: vad.VADSpeechEnd, Probability: prob}, nil
		}
		return vad.VADEvent{Type: vad.VADSpeechContinue, Probability: prob}, nil

	case s.inSpeech:
		s.quietRun = 0
		return vad.VADEvent{Type: vad.VADSpeechContinue, Probability: prob}, nil

	default:
		return vad.VADEvent{Type: vad.VADSilence, Probability: prob}, nil
	}
}

// probability maps the frame's RMS energy over the adaptive noise floor to
// a [0,1] score.
func (s *session) probability(frame []byte) float64 {
	var sum float64
	n := len(frame) / 2
	for i := 0; i < n; i++ {
		sample := float64(int16(binary.LittleEndian.Uint16(frame[i*2:]))) / math.MaxInt16
		sum += sample * sample
	}
	rms := math.Sqrt(sum / float64(n))

	// Track the noise floor: fast on quiet frames, slow on loud ones.
	rate := noiseAdaptRate
	if rms > s.noiseFloor*3 {
		rate /= 10
	}
	s.noiseFloor += rate * (rms - s.noiseFloor)
	if s.noiseFloor < minNoiseFloor {
		s.noiseFloor = minNoiseFloor
	}

	// An SNR of ~12 dB maps to probability 1.
	snr := rms / s.noiseFloor
	prob := math.Log10(math.Max(snr, 1)) / 0.6
	return math.Min(prob, 1)
}

// Reset clears accumulated detection state without closing the session.
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.inSpeech = false
	s.quietRun = 0
	s.noiseFloor = minNoiseFloor
}

// Close releases the session. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
