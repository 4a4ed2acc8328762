package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/lifevoice/pkg/provider/llm"
)

// ── buildParams ───────────────────────────────────────────────────────────────

func TestBuildParams_SystemPromptFirst(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "You are a warm interviewer.",
		Messages: []llm.Message{
			{Role: llm.RoleAssistant, Content: "Hello! Where were you born?"},
			{Role: llm.RoleUser, Content: "In a small village."},
		},
		Temperature: 0.7,
		MaxTokens:   256,
	})

	if params.Model != "gpt-4o" {
		t.Errorf("model = %q", params.Model)
	}
	if len(params.Messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem || params.Messages[0].ContentString() != "You are a warm interviewer." {
		t.Errorf("first message = %+v", params.Messages[0])
	}
	if params.Messages[2].Role != llm.RoleUser {
		t.Errorf("last role = %q", params.Messages[2].Role)
	}
	if params.Temperature == nil || *params.Temperature != 0.7 {
		t.Errorf("temperature = %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 256 {
		t.Errorf("max tokens = %v", params.MaxTokens)
	}
}

func TestBuildParams_OmitsZeroValues(t *testing.T) {
	p := &Provider{model: "m"}
	params := p.buildParams(llm.CompletionRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}})
	if len(params.Messages) != 1 {
		t.Errorf("got %d messages, want 1", len(params.Messages))
	}
	if params.Temperature != nil || params.MaxTokens != nil {
		t.Error("zero temperature and max tokens should be left unset")
	}
}

// ── modelCapabilities ─────────────────────────────────────────────────────────

func TestModelCapabilities(t *testing.T) {
	tests := []struct {
		model   string
		wantCtx int
		wantOut int
	}{
		{"gpt-4o-mini", 128_000, 16_384},
		{"gpt-4-turbo", 128_000, 4_096},
		{"gpt-4", 8_192, 4_096},
		{"gpt-3.5-turbo", 16_385, 4_096},
		{"o1-mini", 128_000, 65_536},
		{"o3", 200_000, 100_000},
		{"claude-3-opus-20240229", 200_000, 4_096},
		{"claude-sonnet-4-5", 200_000, 8_192},
		{"gemini-1.5-pro", 2_097_152, 8_192},
		{"gemini-2.0-flash", 1_048_576, 8_192},
		{"gemini-pro", 128_000, 8_192},
		{"GPT-4O", 128_000, 16_384},
		{"llama3", 128_000, 4_096},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			caps := modelCapabilities(tt.model)
			if caps.ContextWindow != tt.wantCtx {
				t.Errorf("context window = %d, want %d", caps.ContextWindow, tt.wantCtx)
			}
			if caps.MaxOutputTokens != tt.wantOut {
				t.Errorf("max output = %d, want %d", caps.MaxOutputTokens, tt.wantOut)
			}
			if !caps.SupportsStreaming {
				t.Error("expected streaming support")
			}
		})
	}
}

// ── Constructor ───────────────────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty providerName")
	}
	if _, err := New("openai", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("fakecloud", "some-model", anyllmlib.WithAPIKey("dummy")); err == nil {
		t.Error("expected error for unsupported provider")
	}
}

func TestNew_OpenAI_MissingAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := New("openai", "gpt-4o"); err == nil {
		t.Fatal("expected error for missing API key")
	}
}

func TestNew_Backends(t *testing.T) {
	tests := []struct {
		backend string
		model   string
		opts    []anyllmlib.Option
	}{
		{"openai", "gpt-4o", []anyllmlib.Option{anyllmlib.WithAPIKey("sk-test")}},
		{"anthropic", "claude-sonnet-4-5", []anyllmlib.Option{anyllmlib.WithAPIKey("sk-ant-test")}},
		{"ollama", "llama3", nil},
		{"llamacpp", "llama3", nil},
		{"llamafile", "llama3", nil},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			p, err := New(tt.backend, tt.model, tt.opts...)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p.model != tt.model {
				t.Errorf("model = %q, want %q", p.model, tt.model)
			}
		})
	}
}

// ── CountTokens ───────────────────────────────────────────────────────────────

func TestCountTokens(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	tests := []struct {
		name string
		msgs []llm.Message
		want int
	}{
		{"empty", nil, 0},
		{"one", []llm.Message{{Role: llm.RoleUser, Content: "Hello world"}}, 7},
		{"two", []llm.Message{{Role: llm.RoleUser, Content: "abcd"}, {Role: llm.RoleAssistant, Content: "abcdefgh"}}, 11},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.CountTokens(tt.msgs)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("CountTokens = %d, want %d", got, tt.want)
			}
		})
	}
}
