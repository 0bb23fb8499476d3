package energy

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/arcvox/voicebot/pkg/provider/vad"
)

const (
	testSampleRate  = 48000
	testFrameSizeMs = 20
)

func newTestSession(t *testing.T) vad.SessionHandle {
	t.Helper()
	sess, err := New().NewSession(vad.Config{
		SampleRate:  testSampleRate,
		FrameSizeMs: testFrameSizeMs,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return sess
}

// toneFrame synthesizes one 20ms frame of a sine tone at the given
// amplitude (0..1).
func toneFrame(amplitude float64) []byte {
	samples := testSampleRate * testFrameSizeMs / 1000
	frame := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := amplitude * math.Sin(2*math.Pi*440*float64(i)/testSampleRate)
		binary.LittleEndian.PutUint16(frame[i*2:], uint16(int16(v*math.MaxInt16)))
	}
	return frame
}

func silentFrame() []byte {
	samples := testSampleRate * testFrameSizeMs / 1000
	return make([]byte, samples*2)
}

func TestSpeechStartAndEnd(t *testing.T) {
	sess := newTestSession(t)
	defer sess.Close()

	// Establish a noise floor.
	for i := 0; i < 10; i++ {
		if _, err := sess.ProcessFrame(silentFrame()); err != nil {
			t.Fatalf("silent frame: %v", err)
		}
	}

	ev, err := sess.ProcessFrame(toneFrame(0.5))
	if err != nil {
		t.Fatalf("loud frame: %v", err)
	}
	if ev.Type != vad.VADSpeechStart {
		t.Fatalf("loud frame event = %v, want VADSpeechStart", ev.Type)
	}

	// Sustained speech continues.
	ev, _ = sess.ProcessFrame(toneFrame(0.5))
	if ev.Type != vad.VADSpeechContinue {
		t.Fatalf("second loud frame = %v, want VADSpeechContinue", ev.Type)
	}

	// Enough silence ends the segment after the hangover window.
	var sawEnd bool
	for i := 0; i < hangoverFrames+2; i++ {
		ev, _ = sess.ProcessFrame(silentFrame())
		if ev.Type == vad.VADSpeechEnd {
			sawEnd = true
			break
		}
	}
	if !sawEnd {
		t.Error("speech never ended after sustained silence")
	}
}

func TestShortPauseDoesNotEndSpeech(t *testing.T) {
	sess := newTestSession(t)
	defer sess.Close()

	for i := 0; i < 10; i++ {
		sess.ProcessFrame(silentFrame())
	}
	sess.ProcessFrame(toneFrame(0.5))

	// A pause shorter than the hangover window stays in-speech.
	for i := 0; i < hangoverFrames-1; i++ {
		ev, _ := sess.ProcessFrame(silentFrame())
		if ev.Type == vad.VADSpeechEnd {
			t.Fatalf("speech ended after only %d quiet frames", i+1)
		}
	}
	ev, _ := sess.ProcessFrame(toneFrame(0.5))
	if ev.Type != vad.VADSpeechContinue {
		t.Errorf("resumed speech = %v, want VADSpeechContinue", ev.Type)
	}
}

func TestSilenceStaysQuiet(t *testing.T) {
	sess := newTestSession(t)
	defer sess.Close()

	for i := 0; i < 50; i++ {
		ev, err := sess.ProcessFrame(silentFrame())
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if ev.Type != vad.VADSilence {
			t.Fatalf("frame %d = %v, want VADSilence", i, ev.Type)
		}
	}
}

func TestFrameSizeValidation(t *testing.T) {
	sess := newTestSession(t)
	defer sess.Close()

	if _, err := sess.ProcessFrame(make([]byte, 10)); err == nil {
		t.Error("expected error for wrong frame size")
	}
}

func TestConfigValidation(t *testing.T) {
	e := New()
	cases := []vad.Config{
		{SampleRate: 0, FrameSizeMs: 20},
		{SampleRate: 48000, FrameSizeMs: 0},
		{SampleRate: 48000, FrameSizeMs: 20, SpeechThreshold: 0.3, SilenceThreshold: 0.6},
		{SampleRate: 48000, FrameSizeMs: 20, SpeechThreshold: 1.5},
	}
	for i, cfg := range cases {
		if _, err := e.NewSession(cfg); err == nil {
			t.Errorf("case %d: expected config error for %+v", i, cfg)
		}
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	sess := newTestSession(t)
	if err := sess.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := sess.ProcessFrame(silentFrame()); err == nil {
		t.Error("expected error processing after close")
	}
}
