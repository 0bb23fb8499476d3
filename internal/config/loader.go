package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":        {"deepgram", "whisper", "whisper-native"},
	"tts":        {"elevenlabs", "coqui"},
	"embeddings": {"openai", "ollama"},
	"vad":        {"energy"},
	"audio":      {"discord", "webrtc"},
}

// structValidator applies the `validate:` struct tags. Shared because
// validator.New compiles tag metadata lazily and caches it.
var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values: struct tags
// first, then the cross-field rules the tags cannot express.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if err := structValidator.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				errs = append(errs, fmt.Errorf("%s failed the %q constraint", fe.Namespace(), fe.Tag()))
			}
		} else {
			errs = append(errs, err)
		}
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	validateProviderName("audio", cfg.Providers.Audio.Name)

	// Provider availability warnings
	if cfg.Providers.LLM.Name == "" && len(cfg.Channels) > 0 {
		slog.Warn("no LLM provider configured; voice prompts will not get responses")
	}
	if cfg.Providers.STT.Name == "" && cfg.Discord.VoiceChannelID != "" {
		slog.Warn("no STT provider configured; voice input will not be transcribed")
	}
	if cfg.Providers.TTS.Name == "" && cfg.Discord.VoiceChannelID != "" {
		slog.Warn("no TTS provider configured; responses will be earcons only")
	}

	// Embeddings ↔ memory dimensions
	if cfg.Providers.Embeddings.Name != "" && cfg.Memory.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but memory.embedding_dimensions is not set; defaulting to 1536")
	}

	// Discord coherence: a voice channel implies the rest of the connection.
	if cfg.Discord.VoiceChannelID != "" {
		if cfg.Discord.Token == "" {
			errs = append(errs, errors.New("discord.token is required when discord.voice_channel_id is set"))
		}
		if cfg.Discord.GuildID == "" {
			errs = append(errs, errors.New("discord.guild_id is required when discord.voice_channel_id is set"))
		}
	}

	// Channel duplicate name detection, and a reachable "default" entry.
	namesSeen := make(map[string]int, len(cfg.Channels))
	hasDefault := false
	for i, ch := range cfg.Channels {
		prefix := fmt.Sprintf("channels[%d]", i)
		if ch.Name != "" {
			if prev, ok := namesSeen[ch.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of channels[%d]", prefix, ch.Name, prev))
			}
			namesSeen[ch.Name] = i
		}
		if ch.Name == "default" {
			hasDefault = true
		}
	}
	if len(cfg.Channels) > 0 && !hasDefault {
		slog.Warn("no channel named \"default\" is configured; the default voice command will fail")
	}

	// Dependency duplicate name detection.
	depSeen := make(map[string]int, len(cfg.Pipeline.Dependencies))
	for i, dep := range cfg.Pipeline.Dependencies {
		if dep.Name == "" {
			continue
		}
		if prev, ok := depSeen[dep.Name]; ok {
			errs = append(errs, fmt.Errorf("pipeline.dependencies[%d].name %q is a duplicate of pipeline.dependencies[%d]", i, dep.Name, prev))
		}
		depSeen[dep.Name] = i
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
