package discord

import (
	"strings"
	"testing"
	"time"
)

func TestVoiceStatusEmbed(t *testing.T) {
	t.Parallel()

	embed := voiceStatusEmbed(VoiceStatusReport{
		State:      "fsm.Idle",
		StateAge:   3 * time.Second,
		Mode:       "ask",
		Utterances: 12,
		Commands:   4,
		Dispatches: 7,
		Errors:     1,
		Dependencies: map[string]bool{
			"stt": true,
			"tts": false,
		},
		Latencies: Snapshot{
			STT: LatencyPercentiles{P50: 120 * time.Millisecond, P95: 480 * time.Millisecond},
		},
	})

	if embed.Title != "Voice pipeline" {
		t.Errorf("title = %q", embed.Title)
	}

	var deps, latency string
	for _, f := range embed.Fields {
		switch f.Name {
		case "Dependencies":
			deps = f.Value
		case "Latency (p50/p95)":
			latency = f.Value
		}
	}
	if !strings.Contains(deps, "stt") || !strings.Contains(deps, "tts") {
		t.Errorf("dependencies field = %q, want both stt and tts", deps)
	}
	if !strings.Contains(deps, "❌") {
		t.Errorf("dependencies field = %q, want a down marker for tts", deps)
	}
	if !strings.Contains(latency, "120ms") {
		t.Errorf("latency field = %q, want stt p50", latency)
	}
}

func TestRegisterVoiceStatusRegistersCommand(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()
	RegisterVoiceStatus(r, NewPermissionChecker(""), func() VoiceStatusReport {
		return VoiceStatusReport{}
	})

	cmds := r.ApplicationCommands()
	if len(cmds) != 1 || cmds[0].Name != "voice" {
		t.Fatalf("registered commands = %v, want one /voice command", cmds)
	}
}
