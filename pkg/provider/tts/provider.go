// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a request/response synthesis service: one text segment
// in, one encoded audio clip out. Callers decode the clip with
// [github.com/MrWong99/lifevoice/pkg/audio.Decode] using the returned content
// type and format hint.
//
// Implementations must be safe for concurrent use and must abort in-flight
// requests when ctx is cancelled.
package tts

import "context"

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text with the given voice. A non-2xx response from a
	// REST backend is reported as an [*HTTPError].
	Synthesize(ctx context.Context, text string, voice VoiceProfile) (*Synthesis, error)

	// ListVoices returns the voices this provider currently offers.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
