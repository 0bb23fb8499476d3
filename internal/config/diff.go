package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	ChannelsChanged bool          // true if any channel was added, removed, or re-pointed
	ChannelChanges  []ChannelDiff // per-channel diffs
	PipelineChanged bool          // bot name or gated-mode default changed
	LogLevelChanged bool
	NewLogLevel     LogLevel
}

// ChannelDiff describes what changed for a single channel between two configs.
type ChannelDiff struct {
	Name               string
	ChannelIDChanged   bool
	TopicPromptChanged bool
	Added              bool
	Removed            bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Pipeline knobs the orchestrator can absorb without restart.
	if old.Pipeline.BotName != new.Pipeline.BotName || old.Pipeline.GatedMode != new.Pipeline.GatedMode {
		d.PipelineChanged = true
	}

	// Build channel lookup maps keyed by name.
	oldChans := make(map[string]*ChannelConfig, len(old.Channels))
	for i := range old.Channels {
		oldChans[old.Channels[i].Name] = &old.Channels[i]
	}
	newChans := make(map[string]*ChannelConfig, len(new.Channels))
	for i := range new.Channels {
		newChans[new.Channels[i].Name] = &new.Channels[i]
	}

	// Detect modified and removed channels.
	for name, oldCh := range oldChans {
		newCh, exists := newChans[name]
		if !exists {
			d.ChannelChanges = append(d.ChannelChanges, ChannelDiff{Name: name, Removed: true})
			d.ChannelsChanged = true
			continue
		}
		cd := ChannelDiff{
			Name:               name,
			ChannelIDChanged:   oldCh.ChannelID != newCh.ChannelID,
			TopicPromptChanged: oldCh.TopicPrompt != newCh.TopicPrompt,
		}
		if cd.ChannelIDChanged || cd.TopicPromptChanged {
			d.ChannelChanges = append(d.ChannelChanges, cd)
			d.ChannelsChanged = true
		}
	}

	// Detect added channels.
	for name := range newChans {
		if _, exists := oldChans[name]; !exists {
			d.ChannelChanges = append(d.ChannelChanges, ChannelDiff{Name: name, Added: true})
			d.ChannelsChanged = true
		}
	}

	return d
}
