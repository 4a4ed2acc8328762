// Package mock provides a test double for the tts.Provider interface.
//
// By default Synthesize returns a short clip of silent 16 kHz mono PCM. Set
// SynthesizeErr or ErrForText to simulate failures, or SynthesizeFunc to
// control timing (e.g. block until the context is cancelled).
//
// Example:
//
//	p := &mock.Provider{ErrForText: map[string]error{"bad": errors.New("boom")}}
//	syn, err := p.Synthesize(ctx, "hello", tts.VoiceProfile{ID: "v1"})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/lifevoice/pkg/audio"
	"github.com/MrWong99/lifevoice/pkg/provider/tts"
)

// DefaultFormat is the format of the clips returned by default.
var DefaultFormat = audio.Format{SampleRate: 16000, Channels: 1}

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	Ctx   context.Context
	Text  string
	Voice tts.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// SynthesizeErr, if non-nil, is returned by every Synthesize call.
	SynthesizeErr error

	// ErrForText returns a per-text error, checked after SynthesizeErr.
	ErrForText map[string]error

	// SynthesizeFunc, if set, replaces the default behaviour.
	SynthesizeFunc func(ctx context.Context, text string, voice tts.VoiceProfile) (*tts.Synthesis, error)

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []tts.VoiceProfile

	// ListVoicesErr, if non-nil, is returned by ListVoices.
	ListVoicesErr error

	// SynthesizeCalls records every Synthesize call in order.
	SynthesizeCalls []SynthesizeCall

	// ListVoicesCallCount counts ListVoices calls.
	ListVoicesCallCount int
}

var _ tts.Provider = (*Provider)(nil)

// Synthesize records the call and returns the configured result.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (*tts.Synthesis, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Text: text, Voice: voice})
	fn, err := p.SynthesizeFunc, p.SynthesizeErr
	if err == nil && p.ErrForText != nil {
		err = p.ErrForText[text]
	}
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, text, voice)
	}
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return Silence(DefaultFormat, 320), nil
}

// ListVoices records the call and returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCallCount++
	return p.ListVoicesResult, p.ListVoicesErr
}

// Texts returns the texts passed to Synthesize, in order.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.SynthesizeCalls))
	for i, c := range p.SynthesizeCalls {
		out[i] = c.Text
	}
	return out
}

// CallCount returns the number of Synthesize calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeCalls)
}

// Silence returns a raw PCM synthesis of n zero bytes in format f.
func Silence(f audio.Format, n int) *tts.Synthesis {
	return &tts.Synthesis{Audio: make([]byte, n), ContentType: "audio/pcm", Format: f}
}
