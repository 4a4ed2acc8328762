package miniaudio

import (
	"context"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/lifevoice/pkg/audio"
)

// OutputDevice is a speaker opened through miniaudio. The device is
// initialised immediately but stays suspended until [OutputDevice.Resume].
type OutputDevice struct {
	format audio.Format

	mu      sync.Mutex
	device  *malgo.Device
	running bool
	closed  bool

	bufMu    sync.Mutex
	pending  []byte
	written  uint64 // total bytes appended
	rendered uint64 // total bytes handed to the backend
	marks    []drainMark
}

var _ audio.OutputDevice = (*OutputDevice)(nil)

type drainMark struct {
	pos  uint64
	done chan struct{}
}

// Output opens a playback device rendering format f.
func (c *Context) Output(f audio.Format) (*OutputDevice, error) {
	d := &OutputDevice{format: f}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.SampleRate = uint32(f.SampleRate)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = uint32(f.Channels)
	cfg.Alsa.NoMMap = 1
	cfg.PeriodSizeInFrames = uint32(f.SampleRate / 10) // 100 ms
	cfg.Periods = 4

	bytesPerFrame := malgo.SampleSizeInBytes(malgo.FormatS16) * f.Channels
	device, err := malgo.InitDevice(c.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(output, _ []byte, frameCount uint32) {
			d.render(output, int(frameCount)*bytesPerFrame)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init playback device: %w", classify(err))
	}
	d.device = device
	return d, nil
}

// Format implements [audio.OutputDevice].
func (d *OutputDevice) Format() audio.Format { return d.format }

// State implements [audio.OutputDevice].
func (d *OutputDevice) State() audio.OutputState {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.closed:
		return audio.OutputClosed
	case d.running:
		return audio.OutputRunning
	default:
		return audio.OutputSuspended
	}
}

// Resume implements [audio.OutputDevice].
func (d *OutputDevice) Resume(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return audio.ErrDeviceClosed
	}
	if d.running {
		return nil
	}
	if err := d.device.Start(); err != nil {
		return fmt.Errorf("miniaudio: start playback device: %w", classify(err))
	}
	d.running = true
	return nil
}

// Play implements [audio.OutputDevice].
func (d *OutputDevice) Play(ctx context.Context, buf audio.Buffer) error {
	switch d.State() {
	case audio.OutputClosed:
		return audio.ErrDeviceClosed
	case audio.OutputSuspended:
		return fmt.Errorf("miniaudio: play on suspended device: %w", audio.ErrDeviceUnavailable)
	}
	if len(buf.PCM) == 0 {
		return nil
	}

	done := make(chan struct{})
	d.bufMu.Lock()
	d.pending = append(d.pending, buf.PCM...)
	d.written += uint64(len(buf.PCM))
	d.marks = append(d.marks, drainMark{pos: d.written, done: done})
	d.bufMu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		d.clear()
		return ctx.Err()
	}
}

// clear drops buffered audio and releases every waiter.
func (d *OutputDevice) clear() {
	d.bufMu.Lock()
	defer d.bufMu.Unlock()
	d.pending = nil
	d.rendered = d.written
	for _, m := range d.marks {
		close(m.done)
	}
	d.marks = nil
}

// render is the backend data callback.
func (d *OutputDevice) render(output []byte, need int) {
	d.bufMu.Lock()
	defer d.bufMu.Unlock()

	n := copy(output[:need], d.pending)
	clear(output[n:need])
	d.pending = d.pending[n:]
	d.rendered += uint64(n)

	i := 0
	for ; i < len(d.marks) && d.marks[i].pos <= d.rendered; i++ {
		close(d.marks[i].done)
	}
	d.marks = d.marks[i:]
}

// Close implements [audio.OutputDevice].
func (d *OutputDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.running = false
	d.device.Uninit()
	d.mu.Unlock()

	d.clear()
	return nil
}
