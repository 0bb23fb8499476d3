package discord

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

// VoiceStatusReport is the operator-facing snapshot of the voice pipeline,
// rendered by the /voice status command.
type VoiceStatusReport struct {
	State        string
	StateAge     time.Duration
	Mode         string
	Utterances   int64
	Commands     int64
	Dispatches   int64
	Errors       int64
	Dependencies map[string]bool
	Latencies    Snapshot
}

// RegisterVoiceStatus wires the /voice status slash command onto router,
// gated by perms. snapshot is called on every invocation; it must be safe
// for concurrent use.
func RegisterVoiceStatus(router *CommandRouter, perms *PermissionChecker, snapshot func() VoiceStatusReport) {
	cmd := &discordgo.ApplicationCommand{
		Name:        "voice",
		Description: "Voice pipeline controls",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "status",
				Description: "Show the voice pipeline's current state and counters",
			},
		},
	}

	router.RegisterCommand("voice/status", cmd, func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if perms != nil && !perms.IsOperator(i) {
			RespondEphemeral(s, i, "You need the operator role to use this command.")
			return
		}
		RespondEmbed(s, i, voiceStatusEmbed(snapshot()))
	})
}

func voiceStatusEmbed(r VoiceStatusReport) *discordgo.MessageEmbed {
	deps := "none monitored"
	if len(r.Dependencies) > 0 {
		parts := make([]string, 0, len(r.Dependencies))
		for name, up := range r.Dependencies {
			mark := "✅"
			if !up {
				mark = "❌"
			}
			parts = append(parts, fmt.Sprintf("%s %s", mark, name))
		}
		deps = strings.Join(parts, "  ")
	}

	return &discordgo.MessageEmbed{
		Title: "Voice pipeline",
		Fields: []*discordgo.MessageEmbedField{
			{Name: "State", Value: fmt.Sprintf("%s (%s)", r.State, r.StateAge.Round(time.Second)), Inline: true},
			{Name: "Mode", Value: r.Mode, Inline: true},
			{Name: "Dependencies", Value: deps, Inline: false},
			{Name: "Utterances", Value: fmt.Sprintf("%d", r.Utterances), Inline: true},
			{Name: "Commands", Value: fmt.Sprintf("%d", r.Commands), Inline: true},
			{Name: "Dispatches", Value: fmt.Sprintf("%d", r.Dispatches), Inline: true},
			{Name: "Errors", Value: fmt.Sprintf("%d", r.Errors), Inline: true},
			{Name: "Latency (p50/p95)", Value: fmt.Sprintf(
				"STT %s/%s · LLM %s/%s · TTS %s/%s",
				r.Latencies.STT.P50.Round(time.Millisecond), r.Latencies.STT.P95.Round(time.Millisecond),
				r.Latencies.LLM.P50.Round(time.Millisecond), r.Latencies.LLM.P95.Round(time.Millisecond),
				r.Latencies.TTS.P50.Round(time.Millisecond), r.Latencies.TTS.P95.Round(time.Millisecond),
			), Inline: false},
		},
	}
}
