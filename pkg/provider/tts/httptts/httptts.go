// Package httptts implements tts.Provider against a generic synthesis
// endpoint that accepts {"text", "voice"} as JSON and answers with the
// encoded audio as the response body.
package httptts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MrWong99/lifevoice/pkg/audio"
	"github.com/MrWong99/lifevoice/pkg/provider/tts"
)

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient replaces the default traced HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) Option {
	return func(p *Provider) { p.apiKey = key }
}

// WithFormat sets the format assumed for raw PCM responses.
func WithFormat(f audio.Format) Option {
	return func(p *Provider) { p.format = f }
}

// WithVoices sets the static catalogue returned by ListVoices. The endpoint
// has no discovery call of its own.
func WithVoices(voices ...tts.VoiceProfile) Option {
	return func(p *Provider) { p.voices = voices }
}

// Provider posts synthesis requests to a single URL.
type Provider struct {
	endpoint string
	apiKey   string
	client   *http.Client
	format   audio.Format
	voices   []tts.VoiceProfile
	maxBytes int64
}

var _ tts.Provider = (*Provider)(nil)

// New creates a Provider posting to endpoint.
func New(endpoint string, opts ...Option) (*Provider, error) {
	if endpoint == "" {
		return nil, errors.New("httptts: endpoint must not be empty")
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("httptts: invalid endpoint: %w", err)
	}
	p := &Provider{
		endpoint: endpoint,
		client:   &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		format:   audio.Format{SampleRate: 24000, Channels: 1},
		maxBytes: tts.MaxAudioBytes,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

type request struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (*tts.Synthesis, error) {
	body, err := json.Marshal(request{Text: text, Voice: voice.ID})
	if err != nil {
		return nil, fmt.Errorf("httptts: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("httptts: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/wav, audio/pcm;q=0.9")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httptts: request: %w", err)
	}
	defer resp.Body.Close()

	if err := tts.CheckResponse(resp); err != nil {
		return nil, err
	}

	data, err := tts.ReadAudio(resp.Body, p.maxBytes)
	if err != nil {
		return nil, fmt.Errorf("httptts: read body: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("httptts: empty audio response")
	}

	ct := resp.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(ct); err != nil || mt == "" {
		ct = "application/octet-stream"
	}
	return &tts.Synthesis{Audio: data, ContentType: ct, Format: p.format}, nil
}

// ListVoices returns the configured catalogue.
func (p *Provider) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) {
	out := make([]tts.VoiceProfile, len(p.voices))
	copy(out, p.voices)
	return out, nil
}
