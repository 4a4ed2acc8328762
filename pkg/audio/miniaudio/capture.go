package miniaudio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/lifevoice/pkg/audio"
)

// CaptureDevice is a microphone opened through miniaudio. Frames are
// delivered as mono or multi-channel 16-bit PCM in the configured format.
type CaptureDevice struct {
	ctx    *Context
	format audio.Format

	mu     sync.Mutex
	device *malgo.Device
	stream *captureStream
}

var _ audio.CaptureDevice = (*CaptureDevice)(nil)

// captureStream is the per-Open state shared with the backend callbacks.
type captureStream struct {
	mu     sync.Mutex
	ch     chan audio.AudioFrame
	closed bool
	frames uint64
}

func (s *captureStream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Capture returns a capture device recording in format f. The device is not
// acquired until Open.
func (c *Context) Capture(f audio.Format) *CaptureDevice {
	return &CaptureDevice{ctx: c, format: f}
}

// Open implements [audio.CaptureDevice].
func (d *CaptureDevice) Open(_ context.Context) (<-chan audio.AudioFrame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.device != nil {
		return nil, audio.ErrDeviceBusy
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.SampleRate = uint32(d.format.SampleRate)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(d.format.Channels)
	cfg.Alsa.NoMMap = 1
	cfg.PerformanceProfile = malgo.LowLatency
	cfg.PeriodSizeInFrames = uint32(d.format.SampleRate / 50) // 20 ms
	cfg.Periods = 3

	bytesPerFrame := malgo.SampleSizeInBytes(malgo.FormatS16) * d.format.Channels
	stream := &captureStream{ch: make(chan audio.AudioFrame, 64)}
	format := d.format

	device, err := malgo.InitDevice(d.ctx.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			n := int(frameCount) * bytesPerFrame
			if n == 0 || len(input) < n {
				return
			}
			// The backend reuses input after the callback returns.
			data := make([]byte, n)
			copy(data, input[:n])

			stream.mu.Lock()
			defer stream.mu.Unlock()
			if stream.closed {
				return
			}
			ts := time.Duration(stream.frames) * time.Second / time.Duration(format.SampleRate)
			stream.frames += uint64(frameCount)
			select {
			case stream.ch <- audio.AudioFrame{Data: data, SampleRate: format.SampleRate, Channels: format.Channels, Timestamp: ts}:
			default:
				// Consumer is behind; drop rather than stall the audio thread.
			}
		},
		Stop: stream.close,
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init capture device: %w", classify(err))
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("miniaudio: start capture device: %w", classify(err))
	}

	d.device = device
	d.stream = stream
	return stream.ch, nil
}

// Close implements [audio.CaptureDevice].
func (d *CaptureDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.device == nil {
		return nil
	}
	d.device.Uninit()
	d.device = nil
	d.stream.close()
	d.stream = nil
	return nil
}
