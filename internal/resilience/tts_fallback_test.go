package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/lifevoice/pkg/provider/tts"
	ttsmock "github.com/MrWong99/lifevoice/pkg/provider/tts/mock"
)

func newTTSFallback(primary, secondary *ttsmock.Provider) *TTSFallback {
	fb := NewTTSFallback(primary, "elevenlabs", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("coqui", secondary)
	return fb
}

func TestTTSFallback_Synthesize_PrimarySuccess(t *testing.T) {
	t.Parallel()
	primary, secondary := &ttsmock.Provider{}, &ttsmock.Provider{}
	fb := newTTSFallback(primary, secondary)

	syn, err := fb.Synthesize(t.Context(), "Where were you born?", tts.VoiceProfile{ID: "v1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(syn.Audio) == 0 || syn.ContentType != "audio/pcm" {
		t.Errorf("synthesis = %+v", syn)
	}
	if primary.CallCount() != 1 || secondary.CallCount() != 0 {
		t.Errorf("calls primary=%d secondary=%d", primary.CallCount(), secondary.CallCount())
	}
	if got := primary.SynthesizeCalls[0].Voice.ID; got != "v1" {
		t.Errorf("voice = %q, want v1", got)
	}
}

func TestTTSFallback_Synthesize_Failover(t *testing.T) {
	t.Parallel()
	primary := &ttsmock.Provider{SynthesizeErr: &tts.HTTPError{StatusCode: 503, Body: "overloaded"}}
	secondary := &ttsmock.Provider{}
	fb := newTTSFallback(primary, secondary)

	if _, err := fb.Synthesize(t.Context(), "hello", tts.VoiceProfile{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := secondary.Texts(); len(got) != 1 || got[0] != "hello" {
		t.Errorf("secondary texts = %v", got)
	}
}

func TestTTSFallback_Synthesize_AllFail(t *testing.T) {
	t.Parallel()
	primary := &ttsmock.Provider{SynthesizeErr: errors.New("primary down")}
	secondary := &ttsmock.Provider{SynthesizeErr: &tts.HTTPError{StatusCode: 500, Body: "boom"}}
	fb := newTTSFallback(primary, secondary)

	_, err := fb.Synthesize(t.Context(), "hello", tts.VoiceProfile{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	var httpErr *tts.HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != 500 {
		t.Errorf("err = %v, want HTTPError 500 in chain", err)
	}
}

func TestTTSFallback_StopDoesNotFailOver(t *testing.T) {
	t.Parallel()
	primary := &ttsmock.Provider{
		SynthesizeFunc: func(ctx context.Context, _ string, _ tts.VoiceProfile) (*tts.Synthesis, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	secondary := &ttsmock.Provider{}
	fb := newTTSFallback(primary, secondary)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		_, err := fb.Synthesize(ctx, "interrupted", tts.VoiceProfile{})
		done <- err
	}()
	waitCalls(t, primary)
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if n := secondary.CallCount(); n != 0 {
		t.Errorf("secondary called %d times after cancellation", n)
	}
	if !fb.Healthy() {
		t.Error("cancellation tripped a breaker")
	}
}

func TestTTSFallback_ListVoices_Failover(t *testing.T) {
	t.Parallel()
	primary := &ttsmock.Provider{ListVoicesErr: errors.New("primary down")}
	secondary := &ttsmock.Provider{
		ListVoicesResult: []tts.VoiceProfile{
			{ID: "v1", Name: "Alice"},
			{ID: "v2", Name: "Bob"},
		},
	}
	fb := newTTSFallback(primary, secondary)

	voices, err := fb.ListVoices(t.Context())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(voices) != 2 || voices[0].Name != "Alice" {
		t.Errorf("voices = %+v", voices)
	}
}

func waitCalls(t *testing.T, p *ttsmock.Provider) {
	t.Helper()
	for range 2000 {
		if p.CallCount() > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("provider never called")
}
