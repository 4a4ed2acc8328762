// Package mock provides in-memory implementations of [audio.CaptureDevice],
// [audio.OutputDevice] and [audio.Platform] for use in unit tests.
//
// Both mocks are safe for concurrent use. They record calls so tests can
// assert on counts and arguments, and expose fields that control the values
// they return.
//
// Typical usage:
//
//	mic := &mock.CaptureDevice{}
//	frames, _ := mic.Open(ctx)
//	mic.Send(audio.AudioFrame{Data: pcm, SampleRate: 16000, Channels: 1})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/lifevoice/pkg/audio"
)

// ─── CaptureDevice ───────────────────────────────────────────────────────────

// CaptureDevice is a mock implementation of [audio.CaptureDevice].
type CaptureDevice struct {
	mu sync.Mutex

	// OpenErr is returned by Open when non-nil.
	OpenErr error

	// OpenCalls and CloseCalls count method invocations.
	OpenCalls  int
	CloseCalls int

	ch   chan audio.AudioFrame
	open bool
}

var _ audio.CaptureDevice = (*CaptureDevice)(nil)

// Open implements [audio.CaptureDevice].
func (d *CaptureDevice) Open(_ context.Context) (<-chan audio.AudioFrame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls++
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	if d.open {
		return nil, audio.ErrDeviceBusy
	}
	d.ch = make(chan audio.AudioFrame, 64)
	d.open = true
	return d.ch, nil
}

// Close implements [audio.CaptureDevice].
func (d *CaptureDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CloseCalls++
	if d.open {
		close(d.ch)
		d.open = false
	}
	return nil
}

// IsOpen reports whether the device is currently held.
func (d *CaptureDevice) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// Send delivers f to the current reader. It reports false when the device
// is not open or the buffer is full.
func (d *CaptureDevice) Send(f audio.AudioFrame) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return false
	}
	select {
	case d.ch <- f:
		return true
	default:
		return false
	}
}

// ─── OutputDevice ────────────────────────────────────────────────────────────

// OutputDevice is a mock implementation of [audio.OutputDevice].
//
// By default Play records the buffer and returns immediately. Set PlayFunc to
// take control of timing, e.g. to block until the test releases playback.
type OutputDevice struct {
	mu sync.Mutex

	// NativeFormat is returned by Format.
	NativeFormat audio.Format

	// StartSuspended makes the device report [audio.OutputSuspended] until
	// Resume is called.
	StartSuspended bool

	// ResumeErr is returned by Resume when non-nil.
	ResumeErr error

	// PlayErr is returned by Play when non-nil and PlayFunc is nil.
	PlayErr error

	// PlayFunc, if set, is invoked by Play after the call is recorded.
	PlayFunc func(ctx context.Context, buf audio.Buffer) error

	// Played records every buffer passed to Play, in order.
	Played []audio.Buffer

	// ResumeCalls counts Resume invocations.
	ResumeCalls int

	resumed bool
	closed  bool
	playing int
	maxPar  int
}

var _ audio.OutputDevice = (*OutputDevice)(nil)

// Format implements [audio.OutputDevice].
func (d *OutputDevice) Format() audio.Format {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.NativeFormat
}

// State implements [audio.OutputDevice].
func (d *OutputDevice) State() audio.OutputState {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.closed:
		return audio.OutputClosed
	case d.StartSuspended && !d.resumed:
		return audio.OutputSuspended
	default:
		return audio.OutputRunning
	}
}

// Resume implements [audio.OutputDevice].
func (d *OutputDevice) Resume(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ResumeCalls++
	if d.ResumeErr != nil {
		return d.ResumeErr
	}
	d.resumed = true
	return nil
}

// Play implements [audio.OutputDevice].
func (d *OutputDevice) Play(ctx context.Context, buf audio.Buffer) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return audio.ErrDeviceClosed
	}
	d.Played = append(d.Played, buf)
	d.playing++
	if d.playing > d.maxPar {
		d.maxPar = d.playing
	}
	fn, playErr := d.PlayFunc, d.PlayErr
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.playing--
		d.mu.Unlock()
	}()

	if fn != nil {
		return fn(ctx, buf)
	}
	return playErr
}

// Close implements [audio.OutputDevice].
func (d *OutputDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// PlayCount returns the number of Play calls so far.
func (d *OutputDevice) PlayCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Played)
}

// MaxConcurrentPlays returns the highest number of Play calls that were ever
// in flight at once.
func (d *OutputDevice) MaxConcurrentPlays() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxPar
}

// ─── Platform ────────────────────────────────────────────────────────────────

// Platform is a mock implementation of [audio.Platform] handing out fixed
// devices. Nil devices are allocated on first use.
type Platform struct {
	mu sync.Mutex

	// Capture and Output are returned by OpenCapture and OpenOutput.
	Capture *CaptureDevice
	Output  *OutputDevice

	// OpenErr is returned by both Open methods when non-nil.
	OpenErr error

	// CaptureFormats and OutputFormats record the requested formats.
	CaptureFormats []audio.Format
	OutputFormats  []audio.Format

	// CloseCalls counts Close invocations.
	CloseCalls int
}

var _ audio.Platform = (*Platform)(nil)

// OpenCapture implements [audio.Platform].
func (p *Platform) OpenCapture(f audio.Format) (audio.CaptureDevice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CaptureFormats = append(p.CaptureFormats, f)
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	if p.Capture == nil {
		p.Capture = &CaptureDevice{}
	}
	return p.Capture, nil
}

// OpenOutput implements [audio.Platform]. A fresh Output reports f as its
// native format.
func (p *Platform) OpenOutput(f audio.Format) (audio.OutputDevice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OutputFormats = append(p.OutputFormats, f)
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	if p.Output == nil {
		p.Output = &OutputDevice{NativeFormat: f}
	}
	return p.Output, nil
}

// Close implements [audio.Platform].
func (p *Platform) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CloseCalls++
	return nil
}
