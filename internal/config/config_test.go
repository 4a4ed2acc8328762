package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/lifevoice/internal/config"
	"github.com/MrWong99/lifevoice/pkg/audio"
	audiomock "github.com/MrWong99/lifevoice/pkg/audio/mock"
	"github.com/MrWong99/lifevoice/pkg/provider/llm"
	llmmock "github.com/MrWong99/lifevoice/pkg/provider/llm/mock"
	"github.com/MrWong99/lifevoice/pkg/provider/stt"
	sttmock "github.com/MrWong99/lifevoice/pkg/provider/stt/mock"
	"github.com/MrWong99/lifevoice/pkg/provider/tts"
	ttsmock "github.com/MrWong99/lifevoice/pkg/provider/tts/mock"
)

const validYAML = `
server:
  listen_addr: ":8080"
  log_level: info
providers:
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o-mini
  llm_fallbacks:
    - name: anthropic
      model: claude-haiku
  stt:
    name: deepgram
    api_key: dg-test
    model: nova-2
  tts:
    name: elevenlabs
    api_key: el-test
    options:
      output_format: pcm_16000
      stability: 0.4
  tts_fallbacks:
    - name: coqui
      base_url: http://localhost:5002
  audio:
    name: miniaudio
voice:
  voice_id: rachel
  language: en-US
  sample_rate: 16000
  silence_timeout_ms: 1200
  network_error_threshold: 4
  start_timeout_ms: 3000
  max_restarts: 6
  muted: true
conversation:
  system_prompt: "You are a warm interviewer."
  welcome_message: "Hello! Tell me where you grew up."
  max_history_tokens: 4000
  temperature: 0.7
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Providers.LLM.Model != "gpt-4o-mini" {
		t.Errorf("llm.model = %q", cfg.Providers.LLM.Model)
	}
	if len(cfg.Providers.TTSFallbacks) != 1 || cfg.Providers.TTSFallbacks[0].BaseURL != "http://localhost:5002" {
		t.Errorf("tts_fallbacks = %+v", cfg.Providers.TTSFallbacks)
	}
	if got := cfg.Providers.TTS.OptString("output_format"); got != "pcm_16000" {
		t.Errorf("OptString(output_format) = %q", got)
	}
	if got, ok := cfg.Providers.TTS.OptFloat("stability"); !ok || got != 0.4 {
		t.Errorf("OptFloat(stability) = %v, %v", got, ok)
	}
	if got := cfg.Voice.SilenceTimeout().Milliseconds(); got != 1200 {
		t.Errorf("SilenceTimeout = %dms, want 1200ms", got)
	}
	if got := cfg.Voice.StartTimeout().Milliseconds(); got != 3000 {
		t.Errorf("StartTimeout = %dms, want 3000ms", got)
	}
	if !cfg.Voice.Muted || cfg.Voice.MaxRestarts != 6 || cfg.Voice.NetworkErrorThreshold != 4 {
		t.Errorf("voice = %+v", cfg.Voice)
	}
	if cfg.Conversation.Temperature != 0.7 || cfg.Conversation.MaxHistoryTokens != 4000 {
		t.Errorf("conversation = %+v", cfg.Conversation)
	}
}

func TestLoadFromReader_EmptyIsValid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Voice.SilenceTimeout() != 0 {
		t.Errorf("empty config should leave defaults to the consumers")
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("voice:\n  silence_timeout: 10\n"))
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestLoadFromReader_ExpandsEnv(t *testing.T) {
	t.Setenv("LIFEVOICE_TEST_KEY", "sk-from-env")
	cfg, err := config.LoadFromReader(strings.NewReader("providers:\n  llm:\n    name: openai\n    api_key: ${LIFEVOICE_TEST_KEY}\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Providers.LLM.APIKey != "sk-from-env" {
		t.Errorf("api_key = %q, want sk-from-env", cfg.Providers.LLM.APIKey)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want os.ErrNotExist", err)
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Setenv("DEEPGRAM_API_KEY", "dg-test")
	cfg, err := config.Load(filepath.Join("..", "..", "configs", "example.yaml"))
	if err != nil {
		t.Fatalf("example config: %v", err)
	}
	if cfg.Providers.STT.APIKey != "dg-test" {
		t.Errorf("stt api_key = %q, want dg-test", cfg.Providers.STT.APIKey)
	}
	if len(cfg.Providers.TTSFallbacks) != 1 || cfg.Providers.TTSFallbacks[0].OptString("api_mode") != "standard" {
		t.Errorf("tts fallbacks = %+v", cfg.Providers.TTSFallbacks)
	}
	if secs, ok := cfg.Providers.LLM.OptFloat("timeout_seconds"); !ok || secs != 30 {
		t.Errorf("timeout_seconds = %v, %v", secs, ok)
	}
	if cfg.Voice.SilenceTimeout().Milliseconds() != 1500 {
		t.Errorf("silence timeout = %v", cfg.Voice.SilenceTimeout())
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{"valid", func(*config.Config) {}, ""},
		{"log level", func(c *config.Config) { c.Server.LogLevel = "verbose" }, "server.log_level"},
		{"sample rate", func(c *config.Config) { c.Voice.SampleRate = 4000 }, "voice.sample_rate"},
		{"silence timeout", func(c *config.Config) { c.Voice.SilenceTimeoutMs = -1 }, "voice.silence_timeout_ms"},
		{"network threshold", func(c *config.Config) { c.Voice.NetworkErrorThreshold = -2 }, "voice.network_error_threshold"},
		{"start timeout", func(c *config.Config) { c.Voice.StartTimeoutMs = -5 }, "voice.start_timeout_ms"},
		{"max restarts", func(c *config.Config) { c.Voice.MaxRestarts = -1 }, "voice.max_restarts"},
		{"temperature", func(c *config.Config) { c.Conversation.Temperature = 2.5 }, "conversation.temperature"},
		{"history tokens", func(c *config.Config) { c.Conversation.MaxHistoryTokens = -10 }, "conversation.max_history_tokens"},
		{"unnamed tts fallback", func(c *config.Config) {
			c.Providers.TTSFallbacks = []config.ProviderEntry{{}}
		}, "providers.tts_fallbacks[0].name"},
		{"tts fallback without primary", func(c *config.Config) {
			c.Providers.TTS = config.ProviderEntry{}
			c.Providers.TTSFallbacks = []config.ProviderEntry{{Name: "coqui"}}
		}, "providers.tts_fallbacks requires providers.tts"},
		{"llm fallback without primary", func(c *config.Config) {
			c.Providers.LLM = config.ProviderEntry{}
			c.Providers.LLMFallbacks = []config.ProviderEntry{{Name: "ollama"}}
		}, "providers.llm_fallbacks requires providers.llm"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &config.Config{
				Providers: config.ProvidersConfig{
					LLM: config.ProviderEntry{Name: "openai"},
					STT: config.ProviderEntry{Name: "deepgram"},
					TTS: config.ProviderEntry{Name: "elevenlabs"},
				},
			}
			tt.mutate(cfg)
			err := config.Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: "loud"},
		Voice:  config.VoiceConfig{SilenceTimeoutMs: -1},
	}
	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"server.log_level", "voice.silence_timeout_ms"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error %q does not mention %q", err, want)
		}
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	for _, kind := range []string{"llm", "stt", "tts", "audio"} {
		if len(config.ValidProviderNames[kind]) == 0 {
			t.Errorf("no known names for %q", kind)
		}
	}
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("LIFEVOICE_ENV_A=from-file\nLIFEVOICE_ENV_B=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LIFEVOICE_ENV_B", "from-process")
	t.Setenv("LIFEVOICE_ENV_A", "")
	os.Unsetenv("LIFEVOICE_ENV_A")

	if err := config.LoadEnv(filepath.Join(dir, "missing.env"), envPath); err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if got := os.Getenv("LIFEVOICE_ENV_A"); got != "from-file" {
		t.Errorf("A = %q, want from-file", got)
	}
	if got := os.Getenv("LIFEVOICE_ENV_B"); got != "from-process" {
		t.Errorf("B = %q, existing variables must not be overridden", got)
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("LIFEVOICE_HOST", "tts.local")
	got := string(config.ExpandEnv([]byte("url: http://${LIFEVOICE_HOST}/api $LIFEVOICE_UNSET_VAR")))
	if got != "url: http://tts.local/api " {
		t.Errorf("ExpandEnv = %q", got)
	}
}

// ─── Registry ────────────────────────────────────────────────────────────────

func TestRegistry_Unknown(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	entry := config.ProviderEntry{Name: "nope"}

	_, errLLM := reg.CreateLLM(entry)
	_, errSTT := reg.CreateSTT(entry)
	_, errTTS := reg.CreateTTS(entry)
	_, errAudio := reg.CreateAudio(entry)
	for kind, err := range map[string]error{"llm": errLLM, "stt": errSTT, "tts": errTTS, "audio": errAudio} {
		if !errors.Is(err, config.ErrProviderNotRegistered) {
			t.Errorf("%s: err = %v, want ErrProviderNotRegistered", kind, err)
		}
		if err != nil && !strings.Contains(err.Error(), kind+`/"nope"`) {
			t.Errorf("%s: err %q does not name the slot", kind, err)
		}
	}
}

func TestRegistry_Registered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	var gotEntry config.ProviderEntry
	reg.RegisterLLM("stub", func(e config.ProviderEntry) (llm.Provider, error) {
		gotEntry = e
		return &llmmock.Provider{}, nil
	})
	reg.RegisterSTT("stub", func(config.ProviderEntry) (stt.Provider, error) { return &sttmock.Provider{}, nil })
	reg.RegisterTTS("stub", func(config.ProviderEntry) (tts.Provider, error) { return &ttsmock.Provider{}, nil })
	reg.RegisterAudio("stub", func(config.ProviderEntry) (audio.Platform, error) { return &audiomock.Platform{}, nil })

	entry := config.ProviderEntry{Name: "stub", Model: "m1"}
	if _, err := reg.CreateLLM(entry); err != nil {
		t.Errorf("CreateLLM: %v", err)
	}
	if gotEntry.Model != "m1" {
		t.Errorf("factory received %+v", gotEntry)
	}
	if _, err := reg.CreateSTT(entry); err != nil {
		t.Errorf("CreateSTT: %v", err)
	}
	if _, err := reg.CreateTTS(entry); err != nil {
		t.Errorf("CreateTTS: %v", err)
	}
	if _, err := reg.CreateAudio(entry); err != nil {
		t.Errorf("CreateAudio: %v", err)
	}

	names := reg.Names()
	for _, kind := range []string{"llm", "stt", "tts", "audio"} {
		if len(names[kind]) != 1 || names[kind][0] != "stub" {
			t.Errorf("Names()[%q] = %v", kind, names[kind])
		}
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	want := errors.New("bad api key")
	reg.RegisterTTS("broken", func(config.ProviderEntry) (tts.Provider, error) { return nil, want })

	if _, err := reg.CreateTTS(config.ProviderEntry{Name: "broken"}); !errors.Is(err, want) {
		t.Errorf("err = %v, want %v", err, want)
	}
}

func TestRegistry_ConcurrentUse(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go func() {
		for ctx.Err() == nil {
			reg.RegisterSTT("stub", func(config.ProviderEntry) (stt.Provider, error) { return &sttmock.Provider{}, nil })
		}
	}()
	for range 100 {
		_, _ = reg.CreateSTT(config.ProviderEntry{Name: "stub"})
		_ = reg.Names()
	}
}
