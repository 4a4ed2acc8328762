package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/lifevoice/pkg/provider/tts"
)

func newGroup(names ...string) *FallbackGroup[string] {
	fg := NewFallbackGroup(names[0], names[0], FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
		Kind:           "test",
	})
	for _, n := range names[1:] {
		fg.AddFallback(n, n)
	}
	return fg
}

func TestFallbackGroup_Execute(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		failing map[string]bool
		want    string
		wantErr bool
	}{
		{name: "primary succeeds", want: "primary"},
		{name: "primary fails", failing: map[string]bool{"primary": true}, want: "secondary"},
		{name: "first two fail", failing: map[string]bool{"primary": true, "secondary": true}, want: "tertiary"},
		{name: "all fail", failing: map[string]bool{"primary": true, "secondary": true, "tertiary": true}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fg := newGroup("primary", "secondary", "tertiary")

			var called []string
			err := fg.Execute(t.Context(), func(v string) error {
				called = append(called, v)
				if tt.failing[v] {
					return errTest
				}
				return nil
			})
			if tt.wantErr {
				if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errTest) {
					t.Fatalf("err = %v, want ErrAllFailed joined with errTest", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if last := called[len(called)-1]; last != tt.want {
				t.Errorf("served by %q, want %q (tried %v)", last, tt.want, called)
			}
		})
	}
}

func TestFallbackGroup_SkipsOpenBreaker(t *testing.T) {
	t.Parallel()
	fg := newGroup("primary", "secondary")

	for range 2 {
		_ = fg.Execute(t.Context(), func(v string) error {
			if v == "primary" {
				return errTest
			}
			return nil
		})
	}
	if got := fg.States()["primary"]; got != StateOpen {
		t.Fatalf("primary breaker = %v, want open", got)
	}

	var called []string
	err := fg.Execute(t.Context(), func(v string) error {
		called = append(called, v)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(called) != 1 || called[0] != "secondary" {
		t.Errorf("called = %v, want only secondary", called)
	}
	if !fg.Healthy() {
		t.Error("Healthy() = false with secondary closed")
	}
}

func TestFallbackGroup_Healthy(t *testing.T) {
	t.Parallel()
	fg := newGroup("primary", "secondary")
	for range 2 {
		_ = fg.Execute(t.Context(), func(string) error { return errTest })
	}
	if fg.Healthy() {
		t.Error("Healthy() = true with every breaker open")
	}
	names := fg.Names()
	if len(names) != 2 || names[0] != "primary" || names[1] != "secondary" {
		t.Errorf("Names() = %v", names)
	}
	if got := fg.Primary(); got != "primary" {
		t.Errorf("Primary() = %q", got)
	}
}

func TestFallbackGroup_StopsOnCancellation(t *testing.T) {
	t.Parallel()
	fg := newGroup("primary", "secondary")
	ctx, cancel := context.WithCancel(t.Context())

	var called []string
	err := fg.Execute(ctx, func(v string) error {
		called = append(called, v)
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrAllFailed) {
		t.Error("cancellation reported as ErrAllFailed")
	}
	if len(called) != 1 {
		t.Errorf("called = %v, want only primary", called)
	}
	if got := fg.States()["primary"]; got != StateClosed {
		t.Errorf("primary breaker = %v after cancellation, want closed", got)
	}
}

func TestFallbackGroup_CancelledBeforeStart(t *testing.T) {
	t.Parallel()
	fg := newGroup("primary")
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	called := false
	err := fg.Execute(ctx, func(string) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) || called {
		t.Errorf("err = %v, called = %v", err, called)
	}
}

func TestExecuteWithResult_PreservesTypedErrors(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup(503, "primary", FallbackConfig{})
	fg.AddFallback("secondary", 429)

	_, err := ExecuteWithResult(t.Context(), fg, func(code int) ([]byte, error) {
		return nil, &tts.HTTPError{StatusCode: code}
	})
	var httpErr *tts.HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("err = %v, want an HTTPError in the chain", err)
	}
	if httpErr.StatusCode != 429 {
		t.Errorf("StatusCode = %d, want the last entry's 429", httpErr.StatusCode)
	}
}

func TestExecuteWithResult_ReturnsValue(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup(10, "ten", FallbackConfig{})
	fg.AddFallback("twenty", 20)

	got, err := ExecuteWithResult(t.Context(), fg, func(v int) (int, error) {
		if v == 10 {
			return 0, errTest
		}
		return v * 2, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 40 {
		t.Errorf("result = %d, want 40", got)
	}
}
