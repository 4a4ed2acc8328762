package elevenlabs

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/lifevoice/pkg/audio"
	"github.com/MrWong99/lifevoice/pkg/provider/tts"
)

func newTestProvider(t *testing.T, h http.HandlerFunc, opts ...Option) *Provider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	p, err := New("test-key", append([]Option{WithBaseURL(srv.URL), WithHTTPClient(srv.Client())}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != defaultModel {
		t.Errorf("model = %q, want %q", p.model, defaultModel)
	}
	if p.outputFormat != defaultOutputFmt {
		t.Errorf("output format = %q, want %q", p.outputFormat, defaultOutputFmt)
	}
}

func TestBuildRequest(t *testing.T) {
	data, err := json.Marshal(buildRequest("Hello there", "m", tts.VoiceProfile{SpeedFactor: 0.9, Language: "de"}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if raw["text"] != "Hello there" || raw["model_id"] != "m" || raw["language_code"] != "de" {
		t.Errorf("unexpected payload: %s", data)
	}
	vs, ok := raw["voice_settings"].(map[string]any)
	if !ok {
		t.Fatal("voice_settings missing")
	}
	if vs["speed"] != 0.9 {
		t.Errorf("speed = %v, want 0.9", vs["speed"])
	}
}

func TestBuildRequest_OmitsDefaultSpeed(t *testing.T) {
	data, _ := json.Marshal(buildRequest("x", "m", tts.VoiceProfile{}))
	var raw struct {
		VoiceSettings map[string]any `json:"voice_settings"`
	}
	_ = json.Unmarshal(data, &raw)
	if _, ok := raw.VoiceSettings["speed"]; ok {
		t.Error("speed should be omitted when SpeedFactor is zero")
	}
}

func TestContentTypeFor(t *testing.T) {
	tests := []struct {
		in       string
		wantType string
		wantFmt  audio.Format
	}{
		{"pcm_16000", "audio/pcm", audio.Format{SampleRate: 16000, Channels: 1}},
		{"pcm_44100", "audio/pcm", audio.Format{SampleRate: 44100, Channels: 1}},
		{"mp3_44100_128", "audio/mpeg", audio.Format{}},
		{"opus_48000_64", "application/octet-stream", audio.Format{}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			ct, f := contentTypeFor(tt.in)
			if ct != tt.wantType || f != tt.wantFmt {
				t.Errorf("contentTypeFor(%q) = %q, %v", tt.in, ct, f)
			}
		})
	}
}

func TestSynthesize(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/text-to-speech/voice-abc" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.URL.Query().Get("output_format") != "pcm_24000" {
			t.Errorf("output_format = %q", r.URL.Query().Get("output_format"))
		}
		if r.Header.Get("xi-api-key") != "test-key" {
			t.Error("missing xi-api-key header")
		}
		_, _ = w.Write(make([]byte, 480))
	}, WithOutputFormat("pcm_24000"))

	syn, err := p.Synthesize(t.Context(), "Where did you grow up?", tts.VoiceProfile{ID: "voice-abc"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if syn.ContentType != "audio/pcm" || syn.Format.SampleRate != 24000 {
		t.Errorf("synthesis = %q %v", syn.ContentType, syn.Format)
	}
	if len(syn.Audio) != 480 {
		t.Errorf("audio bytes = %d, want 480", len(syn.Audio))
	}
}

func TestSynthesize_EmptyVoice(t *testing.T) {
	p, _ := New("key")
	if _, err := p.Synthesize(t.Context(), "x", tts.VoiceProfile{}); err == nil {
		t.Error("expected error for empty voice ID")
	}
}

func TestSynthesize_HTTPError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":{"status":"invalid_api_key"}}`))
	})
	_, err := p.Synthesize(t.Context(), "x", tts.VoiceProfile{ID: "v"})
	var httpErr *tts.HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("err = %v, want *tts.HTTPError", err)
	}
	if httpErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d", httpErr.StatusCode)
	}
}

func TestListVoices(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/voices" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"voices":[
			{"voice_id":"v1","name":"Rachel","category":"premade","labels":{"accent":"american"}},
			{"voice_id":"v2","name":"Clyde","category":"","labels":null}
		]}`))
	})

	voices, err := p.ListVoices(t.Context())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 2 {
		t.Fatalf("got %d voices, want 2", len(voices))
	}
	v := voices[0]
	if v.ID != "v1" || v.Name != "Rachel" || v.Provider != "elevenlabs" {
		t.Errorf("voice[0] = %+v", v)
	}
	if v.Metadata["accent"] != "american" || v.Metadata["category"] != "premade" {
		t.Errorf("metadata = %v", v.Metadata)
	}
	if _, ok := voices[1].Metadata["category"]; ok {
		t.Error("empty category should not be stored")
	}
}
