package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":   {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":   {"deepgram"},
	"tts":   {"http", "elevenlabs", "coqui"},
	"audio": {"miniaudio"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// ${VAR} references are expanded from the process environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader expands environment references in r, decodes the YAML and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(ExpandEnv(data)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Providers
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("audio", cfg.Providers.Audio.Name)
	for i, fb := range cfg.Providers.TTSFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.tts_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("tts", fb.Name)
	}
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("llm", fb.Name)
	}
	if len(cfg.Providers.TTSFallbacks) > 0 && cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts_fallbacks requires providers.tts"))
	}
	if len(cfg.Providers.LLMFallbacks) > 0 && cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm_fallbacks requires providers.llm"))
	}
	for kind, entry := range map[string]ProviderEntry{
		"llm": cfg.Providers.LLM, "stt": cfg.Providers.STT, "tts": cfg.Providers.TTS,
	} {
		if entry.Name == "" {
			slog.Warn("provider not configured; sessions cannot start", "kind", kind)
		}
	}

	// Voice
	v := cfg.Voice
	if v.SampleRate != 0 && (v.SampleRate < 8000 || v.SampleRate > 48000) {
		errs = append(errs, fmt.Errorf("voice.sample_rate %d is out of range [8000, 48000]", v.SampleRate))
	}
	if v.SilenceTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("voice.silence_timeout_ms %d must not be negative", v.SilenceTimeoutMs))
	}
	if v.NetworkErrorThreshold < 0 {
		errs = append(errs, fmt.Errorf("voice.network_error_threshold %d must not be negative", v.NetworkErrorThreshold))
	}
	if v.StartTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("voice.start_timeout_ms %d must not be negative", v.StartTimeoutMs))
	}
	if v.MaxRestarts < 0 {
		errs = append(errs, fmt.Errorf("voice.max_restarts %d must not be negative", v.MaxRestarts))
	}

	// Conversation
	c := cfg.Conversation
	if c.Temperature < 0 || c.Temperature > 2 {
		errs = append(errs, fmt.Errorf("conversation.temperature %.2f is out of range [0, 2]", c.Temperature))
	}
	if c.MaxHistoryTokens < 0 {
		errs = append(errs, fmt.Errorf("conversation.max_history_tokens %d must not be negative", c.MaxHistoryTokens))
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
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
