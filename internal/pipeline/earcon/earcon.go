// Package earcon provides the fixed palette of short, named feedback
// sounds the pipeline plays through the audio adapter: listening,
// acknowledged, error, timeout-warning, cancelled, ready, busy, and
// gate-closed.
//
// Earcon audio synthesis proper is an external collaborator (spec.md
// §1): a production deployment would load pre-rendered studio assets.
// This package provides a deterministic, dependency-free tone-based
// synthesizer so the palette is always complete (no missing-asset
// failures) and so tests can assert on exact buffer properties without
// shipping binary fixtures. Each earcon is a short sine-wave tone at a
// distinct frequency, wrapped in the RIFF/WAVE header spec.md §6
// prescribes: mono, 16-bit little-endian PCM, 48 kHz.
package earcon

import (
	"bytes"
	"encoding/binary"
	"math"
)

// Name identifies one earcon in the palette.
type Name string

const (
	Listening      Name = "listening"
	Acknowledged   Name = "acknowledged"
	Error          Name = "error"
	TimeoutWarning Name = "timeout-warning"
	Cancelled      Name = "cancelled"
	Ready          Name = "ready"
	Busy           Name = "busy"
	GateClosed     Name = "gate-closed"
)

// All lists every earcon name in the palette, in a stable order suitable
// for an earcon tour.
var All = []Name{
	Listening, Acknowledged, Error, TimeoutWarning, Cancelled, Ready, Busy, GateClosed,
}

const (
	sampleRate = 48000
	bitDepth   = 16
	channels   = 1
)

// toneSpec describes the synthesized tone for one earcon.
type toneSpec struct {
	freqHz   float64
	duration float64 // seconds
}

var specs = map[Name]toneSpec{
	Listening:      {freqHz: 880, duration: 0.12},
	Acknowledged:   {freqHz: 1046.5, duration: 0.08},
	Error:          {freqHz: 220, duration: 0.20},
	TimeoutWarning: {freqHz: 660, duration: 0.15},
	Cancelled:      {freqHz: 330, duration: 0.25},
	Ready:          {freqHz: 1318.5, duration: 0.10},
	Busy:           {freqHz: 523.25, duration: 0.10},
	GateClosed:     {freqHz: 196, duration: 0.18},
}

// Palette holds the rendered WAV byte buffers for every earcon name,
// generated once at construction.
type Palette struct {
	buffers map[Name][]byte
}

// New renders and returns a complete [Palette].
func New() *Palette {
	p := &Palette{buffers: make(map[Name][]byte, len(specs))}
	for name, spec := range specs {
		p.buffers[name] = renderWAV(spec.freqHz, spec.duration)
	}
	return p
}

// Get returns the WAV buffer for name and whether it exists in the
// palette.
func (p *Palette) Get(name Name) ([]byte, bool) {
	b, ok := p.buffers[name]
	return b, ok
}

// MustGet returns the WAV buffer for name, panicking if name is not one
// of the eight fixed palette entries.
func (p *Palette) MustGet(name Name) []byte {
	b, ok := p.buffers[name]
	if !ok {
		panic("earcon: unknown name " + string(name))
	}
	return b
}

// renderWAV synthesizes a mono 16-bit PCM sine tone at freqHz for the
// given duration (seconds) at 48 kHz, wrapped in a RIFF/WAVE header.
func renderWAV(freqHz, duration float64) []byte {
	numSamples := int(sampleRate * duration)
	pcm := make([]byte, numSamples*2)

	// Apply a short linear fade in/out to avoid audible clicks — an
	// audible click would be a regression any listener would notice.
	fadeSamples := numSamples / 10
	if fadeSamples < 1 {
		fadeSamples = 1
	}

	for i := 0; i < numSamples; i++ {
		t := float64(i) / sampleRate
		amp := 0.6
		if i < fadeSamples {
			amp *= float64(i) / float64(fadeSamples)
		} else if i > numSamples-fadeSamples {
			amp *= float64(numSamples-i) / float64(fadeSamples)
		}
		sample := amp * math.Sin(2*math.Pi*freqHz*t)
		v := int16(sample * math.MaxInt16)
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}

	return wrapRIFF(pcm)
}

// wrapRIFF wraps raw 16-bit LE PCM samples in a canonical RIFF/WAVE
// header: PCM format, mono, 48 kHz, 16-bit.
func wrapRIFF(pcm []byte) []byte {
	var buf bytes.Buffer

	dataLen := uint32(len(pcm))
	byteRate := uint32(sampleRate * channels * bitDepth / 8)
	blockAlign := uint16(channels * bitDepth / 8)
	riffLen := 36 + dataLen

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, riffLen)
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16)) // PCM fmt chunk size
	binary.Write(&buf, binary.LittleEndian, uint16(1))  // PCM format tag
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, byteRate)
	binary.Write(&buf, binary.LittleEndian, blockAlign)
	binary.Write(&buf, binary.LittleEndian, uint16(bitDepth))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataLen)
	buf.Write(pcm)

	return buf.Bytes()
}
