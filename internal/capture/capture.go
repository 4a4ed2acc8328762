// Package capture implements the speech capture controller: it owns the
// microphone, streams audio to a continuous recognition provider and turns
// the resulting transcript fragments into one notification per spoken turn.
//
// A turn ends when no final fragment arrives for the configured silence
// timeout. Unexpected provider termination is recovered transparently with
// exponential backoff; errors are classified as fatal (permission, device,
// persistent network failure), transient (restart) or ignorable.
package capture

import (
	"errors"
	"time"

	"github.com/MrWong99/lifevoice/pkg/provider/stt"
)

// State is the controller's connection state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateListening
	StateError
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Sentinel errors surfaced by the controller.
var (
	// ErrStartTimeout is returned when the provider does not confirm that it
	// is listening within Config.StartTimeout.
	ErrStartTimeout = errors.New("capture: provider did not confirm listening")

	// ErrPermissionDenied wraps microphone or recognition-service permission
	// failures.
	ErrPermissionDenied = errors.New("capture: permission denied")

	// ErrDeviceUnavailable wraps capture device failures.
	ErrDeviceUnavailable = errors.New("capture: device unavailable")

	// ErrNetwork is surfaced once consecutive network failures reach
	// Config.NetworkErrorThreshold.
	ErrNetwork = errors.New("capture: persistent network failure")

	// ErrRestartLimit is surfaced when the provider keeps ending without
	// producing a transcript fragment.
	ErrRestartLimit = errors.New("capture: restart limit exceeded")

	// ErrStopped is returned by StartListening when StopListening or Close
	// interrupted it.
	ErrStopped = errors.New("capture: stopped")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("capture: closed")
)

// Defaults applied by [Config.withDefaults].
const (
	DefaultSilenceTimeout        = 1500 * time.Millisecond
	DefaultNetworkErrorThreshold = 3
	DefaultStartTimeout          = 5 * time.Second
	DefaultMaxRestarts           = 5
	DefaultInitialBackoff        = 250 * time.Millisecond
	DefaultMaxBackoff            = 4 * time.Second

	// stableSession is how long a recognition session must stay up before
	// its end no longer counts towards the restart limit.
	stableSession = 30 * time.Second
)

// Config tunes the controller. Zero fields take the package defaults.
type Config struct {
	// Stream is passed to the provider for every session. Zero SampleRate
	// and Channels default to 16 kHz mono; InterimResults is always enabled.
	Stream stt.StreamConfig

	// SilenceTimeout is the gap after the last final fragment that ends a turn.
	SilenceTimeout time.Duration

	// NetworkErrorThreshold is the number of consecutive network failures
	// promoted to [ErrNetwork].
	NetworkErrorThreshold int

	// StartTimeout bounds the wait for the provider's start confirmation.
	StartTimeout time.Duration

	// MaxRestarts bounds consecutive restarts without a transcript fragment.
	MaxRestarts int

	// InitialBackoff and MaxBackoff shape the exponential restart delay.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Stream.SampleRate <= 0 {
		c.Stream.SampleRate = 16000
	}
	if c.Stream.Channels <= 0 {
		c.Stream.Channels = 1
	}
	c.Stream.InterimResults = true
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = DefaultSilenceTimeout
	}
	if c.NetworkErrorThreshold <= 0 {
		c.NetworkErrorThreshold = DefaultNetworkErrorThreshold
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = DefaultStartTimeout
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = DefaultMaxRestarts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	return c
}

// backoff returns the delay before restart attempt n (1-based).
func (c Config) backoff(n int) time.Duration {
	d := c.InitialBackoff
	for i := 1; i < n && d < c.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, c.MaxBackoff)
}

// Handlers are the controller's notification callbacks. Any field may be
// nil. Callbacks are invoked without internal locks held and may call back
// into the controller.
type Handlers struct {
	// OnUtterance receives the accumulated text of a finished turn.
	OnUtterance func(text string)

	// OnTranscript receives the live transcript after every fragment.
	OnTranscript func(final, interim string)

	// OnStateChange receives every state transition.
	OnStateChange func(State)

	// OnError receives fatal failures that occur after StartListening has
	// returned. Failures during StartListening are returned instead.
	OnError func(error)
}
