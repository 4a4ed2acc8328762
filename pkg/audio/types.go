// Package audio defines the PCM types and device abstractions shared by the
// capture and playback sides of a voice session.
//
// All PCM handled by this package is signed 16-bit little-endian. A [Format]
// carries the sample rate and channel count; frames and buffers always travel
// together with their format so that consumers can convert when the device
// and provider disagree.
package audio

import "time"

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesPerSecond returns the byte rate of 16-bit PCM in this format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// IsZero reports whether f carries no format information.
func (f Format) IsZero() bool {
	return f.SampleRate == 0 && f.Channels == 0
}

// AudioFrame is a single chunk of captured audio as delivered by a
// [CaptureDevice].
type AudioFrame struct {
	// Data is 16-bit little-endian PCM.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for speech recognition).
	SampleRate int

	// Channels is 1 for mono capture.
	Channels int

	// Timestamp marks when this frame was captured, relative to device start.
	Timestamp time.Duration
}

// Format returns the frame's format.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Buffer is a fully decoded clip ready for playback.
type Buffer struct {
	PCM    []byte
	Format Format
}

// Duration reports how long the buffer plays at its own format.
func (b Buffer) Duration() time.Duration {
	bps := b.Format.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(len(b.PCM)) * time.Second / time.Duration(bps)
}

// Drain reads from ch until the channel is closed, discarding all values.
// Use it on channels of an abandoned session so its producer can exit.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
