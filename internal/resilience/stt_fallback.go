package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/lifevoice/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with failover across recognition
// backends. Only session establishment fails over; a running session that
// ends is restarted by the capture controller, which opens the next session
// through the group again.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred
// backend. Unless cfg sets IsFailure, permission failures are passed on to
// the next backend without counting against the breaker.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	if cfg.Kind == "" {
		cfg.Kind = "stt"
	}
	if cfg.CircuitBreaker.IsFailure == nil {
		cfg.CircuitBreaker.IsFailure = func(err error) bool {
			if errors.Is(err, context.Canceled) {
				return false
			}
			switch stt.CodeOf(err) {
			case stt.CodeNotAllowed, stt.CodeServiceNotAllowed:
				return false
			}
			return true
		}
	}
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional recognition backend.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// StartStream opens a session on the first healthy backend.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return ExecuteWithResult(ctx, f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}

// Healthy reports whether any backend's breaker is not open.
func (f *STTFallback) Healthy() bool { return f.group.Healthy() }
