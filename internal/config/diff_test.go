package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/lifevoice/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: ":8080", LogLevel: config.LogInfo},
		Providers: config.ProvidersConfig{
			LLM: config.ProviderEntry{Name: "openai", Model: "gpt-4o-mini"},
			STT: config.ProviderEntry{Name: "deepgram"},
			TTS: config.ProviderEntry{Name: "elevenlabs", Options: map[string]any{"output_format": "pcm_16000"}},
		},
		Voice:        config.VoiceConfig{SilenceTimeoutMs: 1500, NetworkErrorThreshold: 3, Language: "en-US"},
		Conversation: config.ConversationConfig{SystemPrompt: "be kind"},
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		mutate      func(*config.Config)
		wantLevel   bool
		wantTuning  bool
		wantMuted   bool
		wantRestart []string
	}{
		{name: "no changes", mutate: func(*config.Config) {}},
		{name: "log level", mutate: func(c *config.Config) { c.Server.LogLevel = config.LogDebug }, wantLevel: true},
		{name: "silence timeout", mutate: func(c *config.Config) { c.Voice.SilenceTimeoutMs = 800 }, wantTuning: true},
		{name: "network threshold", mutate: func(c *config.Config) { c.Voice.NetworkErrorThreshold = 5 }, wantTuning: true},
		{name: "muted", mutate: func(c *config.Config) { c.Voice.Muted = true }, wantMuted: true},
		{name: "listen addr", mutate: func(c *config.Config) { c.Server.ListenAddr = ":9090" }, wantRestart: []string{"server.listen_addr"}},
		{name: "provider model", mutate: func(c *config.Config) { c.Providers.LLM.Model = "gpt-4o" }, wantRestart: []string{"providers"}},
		{name: "provider option", mutate: func(c *config.Config) {
			c.Providers.TTS.Options = map[string]any{"output_format": "mp3_44100_128"}
		}, wantRestart: []string{"providers"}},
		{name: "fallback added", mutate: func(c *config.Config) {
			c.Providers.TTSFallbacks = []config.ProviderEntry{{Name: "coqui"}}
		}, wantRestart: []string{"providers"}},
		{name: "language", mutate: func(c *config.Config) { c.Voice.Language = "de-DE" }, wantRestart: []string{"voice"}},
		{name: "prompt", mutate: func(c *config.Config) { c.Conversation.SystemPrompt = "be brief" }, wantRestart: []string{"conversation"}},
		{name: "mixed", mutate: func(c *config.Config) {
			c.Server.LogLevel = config.LogWarn
			c.Voice.Muted = true
			c.Voice.SampleRate = 48000
		}, wantLevel: true, wantMuted: true, wantRestart: []string{"voice"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, updated := baseConfig(), baseConfig()
			tt.mutate(updated)

			d := config.Diff(old, updated)
			if d.LogLevelChanged != tt.wantLevel {
				t.Errorf("LogLevelChanged = %v, want %v", d.LogLevelChanged, tt.wantLevel)
			}
			if tt.wantLevel && d.NewLogLevel != updated.Server.LogLevel {
				t.Errorf("NewLogLevel = %q", d.NewLogLevel)
			}
			if d.TuningChanged != tt.wantTuning {
				t.Errorf("TuningChanged = %v, want %v", d.TuningChanged, tt.wantTuning)
			}
			if d.MutedChanged != tt.wantMuted || (tt.wantMuted && !d.NewMuted) {
				t.Errorf("MutedChanged = %v NewMuted = %v, want %v", d.MutedChanged, d.NewMuted, tt.wantMuted)
			}
			if !slices.Equal(d.RestartRequired, tt.wantRestart) {
				t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, tt.wantRestart)
			}
			wantZero := !tt.wantLevel && !tt.wantTuning && !tt.wantMuted && len(tt.wantRestart) == 0
			if d.IsZero() != wantZero {
				t.Errorf("IsZero = %v, want %v", d.IsZero(), wantZero)
			}
		})
	}
}
