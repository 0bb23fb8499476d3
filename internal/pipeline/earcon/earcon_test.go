package earcon

import (
	"encoding/binary"
	"testing"
)

func TestPaletteComplete(t *testing.T) {
	p := New()
	for _, name := range All {
		buf, ok := p.Get(name)
		if !ok {
			t.Errorf("missing earcon %q", name)
			continue
		}
		if len(buf) < 44 {
			t.Errorf("%q: buffer too short to contain a RIFF header", name)
		}
	}
}

func TestRIFFHeaderFields(t *testing.T) {
	p := New()
	buf := p.MustGet(Ready)

	if string(buf[0:4]) != "RIFF" {
		t.Fatalf("missing RIFF magic")
	}
	if string(buf[8:12]) != "WAVE" {
		t.Fatalf("missing WAVE marker")
	}
	if string(buf[12:16]) != "fmt " {
		t.Fatalf("missing fmt chunk")
	}

	audioFormat := binary.LittleEndian.Uint16(buf[20:22])
	numChannels := binary.LittleEndian.Uint16(buf[22:24])
	sampleRateField := binary.LittleEndian.Uint32(buf[24:28])
	bits := binary.LittleEndian.Uint16(buf[34:36])

	if audioFormat != 1 {
		t.Errorf("audio format = %d, want 1 (PCM)", audioFormat)
	}
	if numChannels != 1 {
		t.Errorf("channels = %d, want 1", numChannels)
	}
	if sampleRateField != 48000 {
		t.Errorf("sample rate = %d, want 48000", sampleRateField)
	}
	if bits != 16 {
		t.Errorf("bits per sample = %d, want 16", bits)
	}
	if string(buf[36:40]) != "data" {
		t.Fatalf("missing data chunk")
	}
}

func TestMustGetPanicsOnUnknown(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for unknown earcon name")
		}
	}()
	New().MustGet(Name("nonexistent"))
}
