// Package orchestrator drives the voice conversation loop. It wires the
// speech capture controller, the synthesis playback queue and a dialogue
// engine into a single state machine:
//
//	idle → listening → thinking → speaking → listening → …
//
// Capture and playback never run at the same time, so the assistant's own
// voice is not transcribed as user speech. Every transition is conditional on
// the state it leaves and on the session epoch, which is bumped whenever a
// session starts or ends; continuations that resume after a blocking call
// re-check both and drop out when the session has moved on.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/lifevoice/internal/capture"
	"github.com/MrWong99/lifevoice/internal/dialogue"
	"github.com/MrWong99/lifevoice/internal/observe"
	"github.com/MrWong99/lifevoice/internal/playback"
)

// State is the session state.
type State int

const (
	StateIdle State = iota
	StateListening
	StateThinking
	StateSpeaking
	StateError
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrClosed is returned by StartSession after Close.
var ErrClosed = errors.New("orchestrator: closed")

// Capture is the part of [capture.Controller] the orchestrator drives.
type Capture interface {
	SetHandlers(capture.Handlers)
	Preflight(ctx context.Context) error
	StartListening(ctx context.Context) error
	StopListening()
	ResetTranscript()
	State() capture.State
	Transcript() (final, interim string)
	Close() error
}

// Playback is the part of [playback.Queue] the orchestrator drives. Enqueue
// and Stop must not invoke OnEnded or OnError synchronously. Enqueue returns
// the generation that OnEnded later reports for the drain; Stop starts a new
// generation.
type Playback interface {
	SetHandlers(playback.Handlers)
	Enqueue(text string) uint64
	Resume(ctx context.Context) error
	Stop()
	ClearQueue()
	IsPlaying() bool
	Close() error
}

var (
	_ Capture  = (*capture.Controller)(nil)
	_ Playback = (*playback.Queue)(nil)
)

// Snapshot is the session view published to subscribers.
type Snapshot struct {
	State    State              `json:"state"`
	Final    string             `json:"transcript"`
	Interim  string             `json:"interim"`
	Messages []dialogue.Message `json:"messages"`
	// Err is the failure that froze the session in [StateError]. Recoverable
	// failures only reach [Handlers.OnError].
	Err      error              `json:"-"`
	Error    string             `json:"error,omitempty"`
	Muted    bool               `json:"muted"`
	Active   bool               `json:"active"`
}

// Handlers are the orchestrator's notification callbacks. Any field may be
// nil. Callbacks are invoked without internal locks held.
type Handlers struct {
	// OnStateChange receives every session state transition.
	OnStateChange func(State)

	// OnError receives fatal and non-fatal failures. Only fatal failures
	// move the session to [StateError].
	OnError func(error)
}

// flags are the session-wide switches read fresh by every handler.
type flags struct {
	active atomic.Bool
	muted  atomic.Bool
}

// Orchestrator is the session state machine. All methods are safe for
// concurrent use.
type Orchestrator struct {
	capture  Capture
	playback Playback
	dialogue dialogue.Engine
	metrics  *observe.Metrics
	welcome  string

	flags flags

	// ctx bounds background work and is cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	// session bounds the work of the current epoch. endSession cancels it
	// when the session ends or fails.
	session    context.Context
	endSession context.CancelFunc

	// sessionMu serialises StartSession, EndSession and Close.
	sessionMu sync.Mutex

	// mu guards the fields below. Lock order: mu before any Playback lock.
	mu             sync.Mutex
	state          State
	err            error
	epoch          uint64
	turn           uint64
	speaking       uint64 // playback generation of the speech in progress
	starting       bool
	lastDispatched string
	handlers       Handlers
	subs           map[int]func(Snapshot)
	nextSub        int
	closed         bool

	unsubscribe func()
	wg          sync.WaitGroup
}

// Option is a functional option for [Orchestrator].
type Option func(*Orchestrator)

// WithWelcome sets the text spoken when a session starts. Blank disables the
// welcome and the session starts listening straight away.
func WithWelcome(text string) Option {
	return func(o *Orchestrator) { o.welcome = strings.TrimSpace(text) }
}

// WithMuted sets the initial mute flag.
func WithMuted(muted bool) Option {
	return func(o *Orchestrator) { o.flags.muted.Store(muted) }
}

// WithHandlers sets the initial notification callbacks.
func WithHandlers(h Handlers) Option {
	return func(o *Orchestrator) { o.handlers = h }
}

// WithMetrics records session metrics to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New wires c, p and d together and returns an idle orchestrator. It takes
// ownership of c and p and replaces their handlers.
func New(c Capture, p Playback, d dialogue.Engine, opts ...Option) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		capture:  c,
		playback: p,
		dialogue: d,
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(map[int]func(Snapshot)),
	}
	// No session yet.
	o.session, o.endSession = context.WithCancel(ctx)
	o.endSession()
	for _, opt := range opts {
		opt(o)
	}

	c.SetHandlers(capture.Handlers{
		OnUtterance:   o.onUtterance,
		OnTranscript:  func(string, string) { o.publish() },
		OnStateChange: func(capture.State) { o.publish() },
		OnError:       o.onCaptureError,
	})
	p.SetHandlers(playback.Handlers{
		OnEnded: o.onPlaybackEnded,
		OnError: o.onPlaybackError,
	})
	o.unsubscribe = d.Subscribe(o.onDialogueUpdate)
	return o
}

// SetHandlers replaces the notification callbacks.
func (o *Orchestrator) SetHandlers(h Handlers) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers = h
}

// StartSession quiesces any running session, checks that the capture device
// can be acquired and then speaks the welcome message, or starts listening
// when muted or no welcome is configured.
//
// A failed preflight moves the session to [StateError] without any
// synthesis. StartSession on an active session restarts it.
func (o *Orchestrator) StartSession(ctx context.Context) error {
	o.sessionMu.Lock()
	defer o.sessionMu.Unlock()

	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return ErrClosed
	}

	o.quiesce()

	if err := o.capture.Preflight(ctx); err != nil {
		err = fmt.Errorf("orchestrator: preflight: %w", err)
		o.mu.Lock()
		o.err = err
		notify := o.setStateLocked(StateError)
		o.mu.Unlock()
		run(notify)
		o.report(err)
		return err
	}

	seen := lastAssistantID(o.dialogue.Messages())

	o.mu.Lock()
	o.epoch++
	ep := o.epoch
	o.session, o.endSession = context.WithCancel(o.ctx)
	o.err = nil
	o.lastDispatched = seen
	o.mu.Unlock()
	o.flags.active.Store(true)
	o.metrics.SessionStarted(ctx)
	slog.Info("orchestrator: session started", "muted", o.flags.muted.Load())

	if err := o.playback.Resume(ctx); err != nil {
		o.report(fmt.Errorf("orchestrator: resume output: %w", err))
	}
	o.capture.StopListening()

	if o.welcome != "" && !o.flags.muted.Load() {
		o.mu.Lock()
		if ep != o.epoch {
			o.mu.Unlock()
			return nil
		}
		notify := o.setStateLocked(StateSpeaking)
		o.speaking = o.playback.Enqueue(o.welcome)
		o.mu.Unlock()
		run(notify)
		return nil
	}

	if _, ok := o.enterListening(ep, StateIdle); !ok {
		return nil
	}
	return o.startCapture(ctx, ep)
}

// EndSession stops capture and playback, clears the queue and the live
// transcript and returns to idle. It is idempotent.
func (o *Orchestrator) EndSession() {
	o.sessionMu.Lock()
	defer o.sessionMu.Unlock()
	o.quiesce()
}

// quiesce ends the current session and waits until every continuation of
// it has returned, so the next session starts with an idle dialogue engine
// and capture controller. The caller must hold sessionMu.
func (o *Orchestrator) quiesce() {
	wasActive := o.flags.active.Swap(false)

	o.mu.Lock()
	o.epoch++
	o.err = nil
	endSession := o.endSession
	notify := o.setStateLocked(StateIdle)
	o.mu.Unlock()

	endSession()
	o.capture.StopListening()
	o.playback.Stop()
	o.playback.ClearQueue()

	// No continuation can be added once the epoch moved on.
	o.wg.Wait()
	// A start racing the first stop may have opened a stream.
	o.capture.StopListening()
	o.capture.ResetTranscript()
	run(notify)

	if wasActive {
		o.metrics.SessionEnded(context.Background())
		slog.Info("orchestrator: session ended")
	}
	o.publish()
}

// ToggleMute flips the mute flag and returns the new value.
func (o *Orchestrator) ToggleMute() bool {
	for {
		cur := o.flags.muted.Load()
		if o.flags.muted.CompareAndSwap(cur, !cur) {
			o.applyMute(!cur)
			return !cur
		}
	}
}

// SetMuted sets the mute flag. Muting stops playback immediately and, if the
// assistant was speaking, resumes listening. Unmuting takes effect with the
// next reply. Capture is never stopped by muting.
func (o *Orchestrator) SetMuted(muted bool) {
	if o.flags.muted.Swap(muted) == muted {
		return
	}
	o.applyMute(muted)
}

func (o *Orchestrator) applyMute(muted bool) {
	slog.Debug("orchestrator: mute changed", "muted", muted)
	if !muted {
		o.publish()
		return
	}

	o.mu.Lock()
	ep := o.epoch
	speaking := o.state == StateSpeaking
	o.playback.Stop()
	o.mu.Unlock()

	if speaking {
		if ctx, ok := o.enterListening(ep, StateSpeaking); ok {
			go func() { _ = o.startCapture(ctx, ep) }()
			return
		}
	}
	o.publish()
}

// Muted reports the mute flag.
func (o *Orchestrator) Muted() bool { return o.flags.muted.Load() }

// Active reports whether a session is running.
func (o *Orchestrator) Active() bool { return o.flags.active.Load() }

// State returns the current session state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Snapshot returns the current session view.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	st, err := o.state, o.err
	o.mu.Unlock()

	final, interim := o.capture.Transcript()
	snap := Snapshot{
		State:    st,
		Final:    final,
		Interim:  interim,
		Messages: o.dialogue.Messages(),
		Err:      err,
		Muted:    o.flags.muted.Load(),
		Active:   o.flags.active.Load(),
	}
	if err != nil {
		snap.Error = err.Error()
	}
	return snap
}

// Subscribe registers fn to receive a snapshot after every change. Calling
// the returned cancel removes the subscription.
func (o *Orchestrator) Subscribe(fn func(Snapshot)) (cancel func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
		})
	}
}

// Close ends the session, waits for background work and releases the
// capture device and audio output. It is idempotent.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.sessionMu.Lock()
	o.quiesce()
	o.sessionMu.Unlock()

	o.unsubscribe()
	o.cancel()
	o.wg.Wait()

	return errors.Join(o.capture.Close(), o.playback.Close())
}

// ─── Transitions ─────────────────────────────────────────────────────────────

// enterListening moves from state from to listening within epoch ep and
// reserves the capture start. When ok the caller must run startCapture
// exactly once, with ctx unless it has a tighter one.
func (o *Orchestrator) enterListening(ep uint64, from State) (context.Context, bool) {
	o.mu.Lock()
	notify, ctx, ok := o.enterListeningLocked(ep, from)
	o.mu.Unlock()
	run(notify)
	return ctx, ok
}

// finishTurn is enterListening from thinking, restricted to turn.
func (o *Orchestrator) finishTurn(ep, turn uint64) (context.Context, bool) {
	o.mu.Lock()
	if turn != o.turn {
		o.mu.Unlock()
		return nil, false
	}
	notify, ctx, ok := o.enterListeningLocked(ep, StateThinking)
	o.mu.Unlock()
	run(notify)
	return ctx, ok
}

// enterListeningLocked returns the session context of ep on success.
func (o *Orchestrator) enterListeningLocked(ep uint64, from State) (func(), context.Context, bool) {
	if ep != o.epoch || o.closed || o.state != from || o.starting || !o.flags.active.Load() {
		return nil, nil, false
	}
	o.starting = true
	o.wg.Add(1)
	return o.setStateLocked(StateListening), o.session, true
}

// startCapture completes a start reserved by enterListening.
func (o *Orchestrator) startCapture(ctx context.Context, ep uint64) error {
	defer o.wg.Done()

	err := o.capture.StartListening(ctx)

	o.mu.Lock()
	o.starting = false
	stale := ep != o.epoch
	o.mu.Unlock()

	if err == nil || stale || errors.Is(err, capture.ErrStopped) {
		return nil
	}
	err = fmt.Errorf("orchestrator: start listening: %w", err)
	o.fail(ep, err)
	return err
}

// fail moves the session to the error state and freezes it until the next
// StartSession.
func (o *Orchestrator) fail(ep uint64, err error) {
	o.mu.Lock()
	if ep != o.epoch || !o.flags.active.Load() {
		o.mu.Unlock()
		return
	}
	o.epoch++
	o.err = err
	o.flags.active.Store(false)
	endSession := o.endSession
	notify := o.setStateLocked(StateError)
	o.mu.Unlock()

	endSession()
	o.playback.Stop()
	o.playback.ClearQueue()
	o.metrics.SessionEnded(context.Background())
	slog.Error("orchestrator: session failed", "err", err)
	run(notify)
	o.report(err)
}

// ─── Event handlers ──────────────────────────────────────────────────────────

// onUtterance moves listening → thinking and hands the text to the dialogue
// engine.
func (o *Orchestrator) onUtterance(text string) {
	text = strings.TrimSpace(text)
	if text == "" || !o.flags.active.Load() {
		return
	}

	o.mu.Lock()
	if o.closed || o.state != StateListening {
		o.mu.Unlock()
		return
	}
	ep := o.epoch
	ctx := o.session
	o.turn++
	turn := o.turn
	notify := o.setStateLocked(StateThinking)
	o.wg.Add(1)
	o.mu.Unlock()
	run(notify)

	o.capture.StopListening()
	o.capture.ResetTranscript()
	go o.dispatch(ctx, ep, turn, text)
}

// dispatch appends the user's utterance and settles the turn once the engine
// returns. Ending the session cancels ctx and with it the reply.
func (o *Orchestrator) dispatch(ctx context.Context, ep, turn uint64, text string) {
	defer o.wg.Done()
	slog.Debug("orchestrator: dispatching utterance", "chars", len(text))

	if err := o.dialogue.Append(ctx, dialogue.RoleUser, text); err != nil {
		if ctx.Err() != nil {
			return
		}
		o.dialogueFailed(ep, turn, fmt.Errorf("orchestrator: dialogue: %w", err))
		return
	}
	if o.dialogue.IsLoading() {
		return
	}
	// The engine finished without a notification that ended the turn.
	o.onDialogueUpdate(dialogue.Snapshot{Messages: o.dialogue.Messages()})
	if _, ok := o.finishTurn(ep, turn); ok {
		_ = o.startCapture(ctx, ep)
	}
}

// dialogueFailed reports a failed reply and resumes listening. The session
// snapshot keeps no error: the conversation simply continues.
func (o *Orchestrator) dialogueFailed(ep, turn uint64, err error) {
	ctx, ok := o.finishTurn(ep, turn)
	if !ok {
		return
	}
	slog.Warn("orchestrator: dialogue failed", "err", err)
	o.report(err)
	go func() { _ = o.startCapture(ctx, ep) }()
}

// onDialogueUpdate dispatches a finished assistant reply exactly once.
func (o *Orchestrator) onDialogueUpdate(snap dialogue.Snapshot) {
	defer o.publish()

	if snap.IsLoading {
		return
	}
	o.mu.Lock()
	ep, turn := o.epoch, o.turn
	o.mu.Unlock()

	if errors.Is(snap.Err, context.Canceled) {
		// Only an ended session cancels a reply.
		return
	}
	if snap.Err != nil {
		o.dialogueFailed(ep, turn, fmt.Errorf("orchestrator: dialogue: %w", snap.Err))
		return
	}
	last, ok := snap.Last()
	if !ok || last.Role != dialogue.RoleAssistant {
		return
	}

	o.mu.Lock()
	if ep != o.epoch || o.state != StateThinking || last.ID == o.lastDispatched {
		o.mu.Unlock()
		return
	}
	o.lastDispatched = last.ID
	if o.flags.muted.Load() || strings.TrimSpace(last.Content) == "" {
		notify, ctx, ok := o.enterListeningLocked(ep, StateThinking)
		o.mu.Unlock()
		run(notify)
		if ok {
			go func() { _ = o.startCapture(ctx, ep) }()
		}
		return
	}
	notify := o.setStateLocked(StateSpeaking)
	o.speaking = o.playback.Enqueue(last.Content)
	o.mu.Unlock()
	run(notify)
}

// onPlaybackEnded moves speaking → listening, or to idle when the session
// is no longer active or the user muted. A drain of generation g other than
// the speech in progress belongs to an earlier session or to audio stopped
// by mute and is ignored.
func (o *Orchestrator) onPlaybackEnded(g uint64) {
	o.mu.Lock()
	if g != o.speaking || o.state != StateSpeaking {
		o.mu.Unlock()
		slog.Debug("orchestrator: ignoring stale playback end", "generation", g)
		return
	}
	ep := o.epoch
	if o.flags.active.Load() && !o.flags.muted.Load() {
		notify, ctx, ok := o.enterListeningLocked(ep, StateSpeaking)
		o.mu.Unlock()
		run(notify)
		if ok {
			go func() { _ = o.startCapture(ctx, ep) }()
		}
		return
	}
	notify := o.setStateLocked(StateIdle)
	o.mu.Unlock()
	run(notify)
}

// onPlaybackError reports a failed entry. The queue continues and ends with
// OnEnded, so the loop resumes on its own and the session keeps no error.
func (o *Orchestrator) onPlaybackError(err error) {
	if !o.flags.active.Load() {
		return
	}
	err = fmt.Errorf("orchestrator: playback: %w", err)
	slog.Warn("orchestrator: playback entry failed", "err", err)
	o.report(err)
}

// onCaptureError handles unrecoverable capture failures.
func (o *Orchestrator) onCaptureError(err error) {
	o.mu.Lock()
	ep := o.epoch
	o.mu.Unlock()
	o.fail(ep, fmt.Errorf("orchestrator: capture: %w", err))
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// setStateLocked updates the state and returns the notification to run after
// unlocking, or nil when nothing changed.
func (o *Orchestrator) setStateLocked(s State) func() {
	from := o.state
	if from == s {
		return nil
	}
	o.state = s
	fn := o.handlers.OnStateChange
	return func() {
		slog.Debug("orchestrator: state changed", "from", from, "to", s)
		o.metrics.RecordTransition(context.Background(), from.String(), s.String())
		if fn != nil {
			fn(s)
		}
		o.publish()
	}
}

func (o *Orchestrator) report(err error) {
	o.mu.Lock()
	fn := o.handlers.OnError
	o.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// publish sends the current snapshot to every subscriber.
func (o *Orchestrator) publish() {
	o.mu.Lock()
	if len(o.subs) == 0 {
		o.mu.Unlock()
		return
	}
	fns := make([]func(Snapshot), 0, len(o.subs))
	for _, fn := range o.subs {
		fns = append(fns, fn)
	}
	o.mu.Unlock()

	snap := o.Snapshot()
	for _, fn := range fns {
		fn(snap)
	}
}

func run(fn func()) {
	if fn != nil {
		fn()
	}
}

func lastAssistantID(msgs []dialogue.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == dialogue.RoleAssistant {
			return msgs[i].ID
		}
	}
	return ""
}
