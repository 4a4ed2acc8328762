// Package playback implements the synthesis playback queue: text segments are
// synthesized and played one at a time, strictly in submission order, through
// an exclusively owned audio output device.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/lifevoice/internal/observe"
	"github.com/MrWong99/lifevoice/pkg/audio"
	"github.com/MrWong99/lifevoice/pkg/provider/tts"
)

// State is the queue's processing state.
type State int

const (
	StateIdle State = iota
	StateLoading
	StatePlaying
	StateError
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StatePlaying:
		return "playing"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ErrClosed is returned by Resume after Close.
var ErrClosed = errors.New("playback: closed")

// Handlers are the queue's notification callbacks. Any field may be nil.
// Callbacks run on the queue's worker goroutine without internal locks held.
type Handlers struct {
	// OnEnded fires once each time the queue drains naturally, with the
	// generation that [Queue.Enqueue] returned for the drained entries. It
	// does not fire after Stop.
	OnEnded func(gen uint64)

	// OnError receives synthesis, decode and playback failures. The queue
	// continues with the next entry.
	OnError func(error)

	// OnStateChange receives every state transition.
	OnStateChange func(State)
}

// Queue is the synthesis playback queue. All methods are safe for
// concurrent use.
type Queue struct {
	tts     tts.Provider
	out     audio.OutputDevice
	metrics *observe.Metrics

	// playMu serialises Play calls across loop generations so a stopped
	// entry has fully returned before the next one starts.
	playMu sync.Mutex

	mu         sync.Mutex
	voice      tts.VoiceProfile
	handlers   Handlers
	state      State
	pending    []string
	processing bool
	gen        uint64
	cancel     context.CancelFunc
	closed     bool

	wg sync.WaitGroup
}

// Option is a functional option for [Queue].
type Option func(*Queue)

// WithMetrics records playback metrics to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// New creates an idle queue that synthesizes with provider using voice and
// plays through out. The queue takes ownership of out.
func New(provider tts.Provider, out audio.OutputDevice, voice tts.VoiceProfile, opts ...Option) *Queue {
	q := &Queue{
		tts:   provider,
		out:   out,
		voice: voice,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// SetHandlers replaces the notification callbacks.
func (q *Queue) SetHandlers(h Handlers) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers = h
}

// SetVoice changes the voice used for entries that start loading afterwards.
func (q *Queue) SetVoice(v tts.VoiceProfile) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.voice = v
}

// Enqueue appends text to the queue and starts processing when idle. Blank
// text is ignored. It returns the current generation, which changes with
// every Stop.
func (q *Queue) Enqueue(text string) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || strings.TrimSpace(text) == "" {
		return q.gen
	}
	q.pending = append(q.pending, text)
	if q.processing {
		return q.gen
	}
	q.processing = true
	q.wg.Add(1)
	go q.loop(q.gen)
	return q.gen
}

// loop processes entries until the queue drains or generation g is stopped.
func (q *Queue) loop(g uint64) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		if g != q.gen {
			q.mu.Unlock()
			return
		}
		if len(q.pending) == 0 {
			q.processing = false
			notify := q.setStateLocked(StateIdle)
			onEnded := q.handlers.OnEnded
			q.mu.Unlock()
			run(notify)

			q.mu.Lock()
			stopped := g != q.gen
			q.mu.Unlock()
			if onEnded != nil && !stopped {
				onEnded(g)
			}
			return
		}
		text := q.pending[0]
		q.pending = q.pending[1:]
		ctx, cancel := context.WithCancel(context.Background())
		q.cancel = cancel
		voice := q.voice
		notify := q.setStateLocked(StateLoading)
		q.mu.Unlock()
		run(notify)

		err := q.playEntry(ctx, g, text, voice)
		cancelled := ctx.Err() != nil
		cancel()

		q.mu.Lock()
		current := g == q.gen
		if current {
			q.cancel = nil
		}
		var onErr func(error)
		notify = nil
		if err != nil && current && !cancelled {
			notify = q.setStateLocked(StateError)
			onErr = q.handlers.OnError
		}
		q.mu.Unlock()

		switch {
		case err == nil:
			q.metrics.RecordPlaybackEntry(context.Background(), "played")
		case cancelled || !current:
			q.metrics.RecordPlaybackEntry(context.Background(), "cancelled")
		default:
			q.metrics.RecordPlaybackEntry(context.Background(), "failed")
			slog.Warn("playback: entry failed", "err", err)
			run(notify)
			if onErr != nil {
				onErr(err)
			}
		}
	}
}

// playEntry fetches, decodes and plays one entry.
func (q *Queue) playEntry(ctx context.Context, g uint64, text string, voice tts.VoiceProfile) (err error) {
	ctx, span := observe.StartSpan(ctx, "playback.entry", trace.WithAttributes(
		attribute.String("voice.id", voice.ID),
		attribute.Int("text.chars", len(text)),
	))
	defer func() { observe.Finish(span, err) }()

	start := time.Now()
	syn, err := q.tts.Synthesize(ctx, text, voice)
	if err != nil {
		return fmt.Errorf("playback: synthesize: %w", err)
	}
	q.metrics.RecordSynthesis(ctx, time.Since(start))

	buf, err := audio.Decode(syn.Audio, syn.ContentType, syn.Format)
	if err != nil {
		return fmt.Errorf("playback: decode: %w", err)
	}
	buf = audio.ConvertBuffer(buf, q.out.Format())

	q.playMu.Lock()
	defer q.playMu.Unlock()

	q.mu.Lock()
	if g != q.gen || ctx.Err() != nil {
		q.mu.Unlock()
		return context.Canceled
	}
	notify := q.setStateLocked(StatePlaying)
	q.mu.Unlock()
	run(notify)

	slog.Debug("playback: playing entry", "chars", len(text), "duration", buf.Duration())
	if err := q.out.Play(ctx, buf); err != nil {
		return fmt.Errorf("playback: play: %w", err)
	}
	return nil
}

// Resume ensures the output device is running.
func (q *Queue) Resume(ctx context.Context) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if q.out.State() != audio.OutputSuspended {
		return nil
	}
	if err := q.out.Resume(ctx); err != nil {
		return fmt.Errorf("playback: resume output: %w", err)
	}
	return nil
}

// Stop cancels the in-flight fetch, stops current audio, empties the queue
// and returns to idle without firing OnEnded. It is idempotent.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.gen++
	q.pending = nil
	q.processing = false
	if q.cancel != nil {
		q.cancel()
		q.cancel = nil
	}
	notify := q.setStateLocked(StateIdle)
	q.mu.Unlock()
	run(notify)
}

// ClearQueue drops pending entries without interrupting the current one.
func (q *Queue) ClearQueue() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = nil
}

// State returns the current state.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// IsPlaying reports whether audio is being rendered.
func (q *Queue) IsPlaying() bool { return q.State() == StatePlaying }

// IsLoading reports whether an entry is being fetched or decoded.
func (q *Queue) IsLoading() bool { return q.State() == StateLoading }

// Len returns the number of entries waiting behind the current one.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops playback, waits for the worker to exit and releases the output
// device. It is idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.Stop()
	q.wg.Wait()
	if err := q.out.Close(); err != nil {
		return fmt.Errorf("playback: close output: %w", err)
	}
	return nil
}

// setStateLocked updates the state and returns the notification to run after
// unlocking, or nil when nothing changed.
func (q *Queue) setStateLocked(s State) func() {
	if q.state == s {
		return nil
	}
	q.state = s
	fn := q.handlers.OnStateChange
	if fn == nil {
		return nil
	}
	return func() { fn(s) }
}

func run(fn func()) {
	if fn != nil {
		fn()
	}
}
