package audio

import (
	"context"
	"errors"
)

var (
	// ErrPermissionDenied is returned when the operating system refuses access
	// to the microphone.
	ErrPermissionDenied = errors.New("audio: permission denied")

	// ErrDeviceUnavailable is returned when no usable device exists or the
	// backend fails to initialise it.
	ErrDeviceUnavailable = errors.New("audio: device unavailable")

	// ErrDeviceBusy is returned by [CaptureDevice.Open] when the device is
	// already held by another caller.
	ErrDeviceBusy = errors.New("audio: device busy")

	// ErrDeviceClosed is returned by operations on a device after Close.
	ErrDeviceClosed = errors.New("audio: device closed")
)

// CaptureDevice is an exclusively held microphone.
//
// Open acquires the device and starts delivering frames on the returned
// channel. The channel is closed when the device is released via Close or
// when the backend stops unexpectedly. Close is idempotent and safe to call
// on a device that was never opened; after Close the device may be opened
// again.
type CaptureDevice interface {
	Open(ctx context.Context) (<-chan AudioFrame, error)
	Close() error
}

// OutputState is the activation state of an [OutputDevice].
type OutputState int

const (
	// OutputSuspended means the device is initialised but not yet running.
	// Some backends start in this state until explicitly resumed.
	OutputSuspended OutputState = iota

	// OutputRunning means buffers passed to Play are rendered immediately.
	OutputRunning

	// OutputClosed means the device has been released.
	OutputClosed
)

// String returns the human-readable name of the state.
func (s OutputState) String() string {
	switch s {
	case OutputSuspended:
		return "suspended"
	case OutputRunning:
		return "running"
	case OutputClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// OutputDevice renders decoded audio.
//
// Play blocks until the buffer has been fully rendered or ctx is cancelled.
// On cancellation the device drops any audio still buffered and returns
// ctx.Err() promptly. Only one Play call may be in flight at a time.
type OutputDevice interface {
	// Format is the PCM format the device renders natively. Callers convert
	// buffers to this format before calling Play.
	Format() Format

	State() OutputState
	Resume(ctx context.Context) error
	Play(ctx context.Context, buf Buffer) error
	Close() error
}

// Platform opens the capture and output devices of one audio backend.
// Devices opened from a platform must be closed before the platform itself.
type Platform interface {
	OpenCapture(f Format) (CaptureDevice, error)
	OpenOutput(f Format) (OutputDevice, error)
	Close() error
}
