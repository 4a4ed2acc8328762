package config

import (
	"fmt"
	"slices"
)

// ConfigDiff describes what changed between two configs. Hot-reloadable
// fields are reported individually; everything else is only named in
// RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TuningChanged is true when the silence timeout or the network error
	// threshold changed. Both are applied to the capture controller together.
	TuningChanged bool

	MutedChanged bool
	NewMuted     bool

	// RestartRequired lists changed fields that only take effect after a
	// process restart (e.g. "providers", "server.listen_addr").
	RestartRequired []string
}

// IsZero reports whether d carries no changes at all.
func (d ConfigDiff) IsZero() bool {
	return !d.LogLevelChanged && !d.TuningChanged && !d.MutedChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Voice.SilenceTimeoutMs != new.Voice.SilenceTimeoutMs ||
		old.Voice.NetworkErrorThreshold != new.Voice.NetworkErrorThreshold {
		d.TuningChanged = true
	}

	if old.Voice.Muted != new.Voice.Muted {
		d.MutedChanged = true
		d.NewMuted = new.Voice.Muted
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !providersEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	ov, nv := old.Voice, new.Voice
	ov.SilenceTimeoutMs, nv.SilenceTimeoutMs = 0, 0
	ov.NetworkErrorThreshold, nv.NetworkErrorThreshold = 0, 0
	ov.Muted, nv.Muted = false, false
	if ov != nv {
		d.RestartRequired = append(d.RestartRequired, "voice")
	}
	if old.Conversation != new.Conversation {
		d.RestartRequired = append(d.RestartRequired, "conversation")
	}

	return d
}

func providersEqual(a, b ProvidersConfig) bool {
	return entryEqual(a.LLM, b.LLM) &&
		entryEqual(a.STT, b.STT) &&
		entryEqual(a.TTS, b.TTS) &&
		entryEqual(a.Audio, b.Audio) &&
		slices.EqualFunc(a.TTSFallbacks, b.TTSFallbacks, entryEqual) &&
		slices.EqualFunc(a.LLMFallbacks, b.LLMFallbacks, entryEqual)
}

// entryEqual compares two entries. Option values are compared by their
// printed form.
func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, av := range a.Options {
		bv, ok := b.Options[k]
		if !ok || fmt.Sprint(av) != fmt.Sprint(bv) {
			return false
		}
	}
	return true
}
