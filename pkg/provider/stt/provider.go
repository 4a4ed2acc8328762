// Package stt defines the Provider interface for streaming speech-to-text
// backends.
//
// A provider wraps a continuous recognition service and exposes a uniform
// session abstraction. Once opened, a SessionHandle accepts raw PCM audio and
// emits two streams of Transcript values: low-latency partials and
// authoritative finals. The session signals when it is actually listening via
// Started and when it has ended via Done; Err then reports why.
//
// Implementations must be safe for concurrent use.
package stt

import "context"

// StreamConfig describes the audio format and recognition hints for a new
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. 16000 is typical for speech.
	SampleRate int

	// Channels is the number of interleaved channels. Most providers require 1.
	Channels int

	// Language is the BCP-47 language tag (e.g. "en-US"). Empty lets the
	// provider pick its default.
	Language string

	// InterimResults requests partial transcripts in addition to finals.
	InterimResults bool

	// Keywords are vocabulary hints that raise recognition probability for
	// uncommon words such as family or place names.
	Keywords []KeywordBoost
}

// SessionHandle is an open streaming recognition session.
//
// Callers must call Close when the session is no longer needed. All methods
// are safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of PCM audio matching the StreamConfig.
	// Calling SendAudio after the session ended returns an error.
	SendAudio(chunk []byte) error

	// Started is closed once the provider confirms it is listening.
	Started() <-chan struct{}

	// Partials emits interim transcripts. Closed when the session ends.
	Partials() <-chan Transcript

	// Finals emits committed transcripts. Closed when the session ends.
	Finals() <-chan Transcript

	// Done is closed after the session ended, whether by Close or because
	// the provider stopped. Partials and Finals are closed before Done.
	Done() <-chan struct{}

	// Err reports why the session ended. It returns nil while the session is
	// running, after a Close initiated by the caller, and after an orderly
	// end by the provider. Otherwise the error is, or wraps, an [*Error].
	Err() error

	// Close requests shutdown and releases resources. Calling Close more than
	// once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any streaming STT backend.
type Provider interface {
	// StartStream opens a new session. Failures to establish the session are
	// reported as an [*Error] where the cause is known (e.g. authentication
	// rejected maps to [CodeNotAllowed]).
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
