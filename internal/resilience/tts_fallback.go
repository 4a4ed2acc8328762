package resilience

import (
	"context"

	"github.com/MrWong99/lifevoice/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with failover across synthesis
// backends. Each backend has its own circuit breaker.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	if cfg.Kind == "" {
		cfg.Kind = "tts"
	}
	return &TTSFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional synthesis backend.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Synthesize renders text on the first healthy backend. The voice profile is
// passed unchanged, so fallbacks must understand the same voice IDs or ignore
// them.
func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (*tts.Synthesis, error) {
	return ExecuteWithResult(ctx, f.group, func(p tts.Provider) (*tts.Synthesis, error) {
		return p.Synthesize(ctx, text, voice)
	})
}

// ListVoices returns the voices of the first healthy backend.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	return ExecuteWithResult(ctx, f.group, func(p tts.Provider) ([]tts.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}

// Healthy reports whether any backend's breaker is not open.
func (f *TTSFallback) Healthy() bool { return f.group.Healthy() }
