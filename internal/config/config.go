// Package config provides the configuration schema, loader, and provider registry
// for the lifevoice conversation server.
package config

import "time"

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Voice        VoiceConfig        `yaml:"voice"`
	Conversation ConversationConfig `yaml:"conversation"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP control surface listens on
	// (e.g., ":8080"). Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each entry selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	LLM   ProviderEntry `yaml:"llm"`
	STT   ProviderEntry `yaml:"stt"`
	TTS   ProviderEntry `yaml:"tts"`
	Audio ProviderEntry `yaml:"audio"`

	// TTSFallbacks and LLMFallbacks are tried in order when the primary
	// provider fails or its circuit breaker is open.
	TTSFallbacks []ProviderEntry `yaml:"tts_fallbacks"`
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o", "nova-2").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// OptString returns the string option key, or "" when it is absent or not a
// string.
func (e ProviderEntry) OptString(key string) string {
	s, _ := e.Options[key].(string)
	return s
}

// OptFloat returns the numeric option key as a float64. YAML integers and
// floats are both accepted.
func (e ProviderEntry) OptFloat(key string) (float64, bool) {
	switch v := e.Options[key].(type) {
	case int:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

// VoiceConfig tunes speech capture and synthesis.
type VoiceConfig struct {
	// VoiceID is the provider-specific synthesis voice identifier.
	VoiceID string `yaml:"voice_id"`

	// Language is a BCP-47 tag passed to recognition and synthesis
	// (e.g., "en-US").
	Language string `yaml:"language"`

	// SampleRate is the capture rate in Hz. Default: 16000.
	SampleRate int `yaml:"sample_rate"`

	// SilenceTimeoutMs is the pause after the last final fragment that ends
	// a turn. Default: 1500. Hot-reloadable.
	SilenceTimeoutMs int `yaml:"silence_timeout_ms"`

	// NetworkErrorThreshold is the number of consecutive recognition network
	// errors treated as fatal. Default: 3. Hot-reloadable.
	NetworkErrorThreshold int `yaml:"network_error_threshold"`

	// StartTimeoutMs bounds the wait for the recognizer to confirm it is
	// listening. Default: 5000.
	StartTimeoutMs int `yaml:"start_timeout_ms"`

	// MaxRestarts bounds consecutive recognizer restarts without a
	// transcript fragment. Default: 5.
	MaxRestarts int `yaml:"max_restarts"`

	// Muted starts sessions with synthesis muted. Hot-reloadable.
	Muted bool `yaml:"muted"`
}

// SilenceTimeout returns SilenceTimeoutMs as a duration. Zero means the
// capture default.
func (v VoiceConfig) SilenceTimeout() time.Duration {
	return time.Duration(v.SilenceTimeoutMs) * time.Millisecond
}

// StartTimeout returns StartTimeoutMs as a duration. Zero means the capture
// default.
func (v VoiceConfig) StartTimeout() time.Duration {
	return time.Duration(v.StartTimeoutMs) * time.Millisecond
}

// ConversationConfig configures the dialogue engine.
type ConversationConfig struct {
	// SystemPrompt is sent as the first message of every completion request.
	SystemPrompt string `yaml:"system_prompt"`

	// WelcomeMessage is spoken when a session starts. Empty disables it.
	WelcomeMessage string `yaml:"welcome_message"`

	// MaxHistoryTokens caps the history sent to the model. Zero derives the
	// limit from the model's context window.
	MaxHistoryTokens int `yaml:"max_history_tokens"`

	// Temperature is the sampling temperature in [0, 2]. Zero uses the
	// provider default.
	Temperature float64 `yaml:"temperature"`
}
