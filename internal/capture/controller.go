package capture

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
	"github.com/MrWong99/lifevoice/pkg/provider/stt"
)

// errClass is the recovery class of a recognition failure.
type errClass int

const (
	classIgnorable errClass = iota
	classTransient
	classNetwork
	classFatal
)

func (c errClass) String() string {
	switch c {
	case classIgnorable:
		return "ignorable"
	case classTransient:
		return "transient"
	case classNetwork:
		return "network"
	default:
		return "fatal"
	}
}

// Controller is the speech capture controller.
//
// Each StartListening begins a run identified by a generation number. Every
// goroutine of a run (audio pump, transcript reader, restart timer, silence
// timer) checks the generation before acting, so StopListening invalidates
// them all at once without waiting for them. All methods are safe for
// concurrent use.
type Controller struct {
	stt     stt.Provider
	mic     audio.CaptureDevice
	metrics *observe.Metrics

	mu           sync.Mutex
	cfg          Config
	handlers     Handlers
	state        State
	gen          uint64
	shouldListen bool
	runCancel    context.CancelFunc
	runCtx       context.Context
	devOpen      bool
	session      stt.SessionHandle
	sessionStart time.Time
	final        string
	interim      string
	timer        *time.Timer
	timerSeq     uint64
	netErrs      int
	restarts     int
	closed       bool

	wg sync.WaitGroup
}

// Option is a functional option for [Controller].
type Option func(*Controller)

// WithMetrics records capture metrics to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// New creates an idle controller over provider and mic.
func New(provider stt.Provider, mic audio.CaptureDevice, cfg Config, opts ...Option) *Controller {
	c := &Controller{
		stt: provider,
		mic: mic,
		cfg: cfg.withDefaults(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetHandlers replaces the notification callbacks.
func (c *Controller) SetHandlers(h Handlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = h
}

// UpdateTuning applies new silence timeout and network error threshold
// values. Non-positive values are ignored. The running silence timer keeps
// its current deadline.
func (c *Controller) UpdateTuning(silence time.Duration, networkThreshold int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if silence > 0 {
		c.cfg.SilenceTimeout = silence
	}
	if networkThreshold > 0 {
		c.cfg.NetworkErrorThreshold = networkThreshold
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transcript returns the accumulated final text of the current turn and the
// latest interim fragment.
func (c *Controller) Transcript() (final, interim string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.final, c.interim
}

// Preflight checks that the microphone can be acquired by opening and
// immediately releasing it. It succeeds without touching the device while
// the controller already holds it.
func (c *Controller) Preflight(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	held := c.devOpen
	c.mu.Unlock()
	if held {
		return nil
	}

	frames, err := c.mic.Open(ctx)
	if err != nil {
		return deviceError(err)
	}
	if err := c.mic.Close(); err != nil {
		slog.Debug("capture: preflight release failed", "err", err)
	}
	go audio.Drain(frames)
	return nil
}

// StartListening acquires the microphone, opens a recognition session and
// returns once the provider confirms it is listening. It returns nil without
// doing anything while already connecting or listening.
//
// Errors wrap one of [ErrPermissionDenied], [ErrDeviceUnavailable],
// [ErrNetwork] or [ErrStartTimeout]; the controller is then in
// [StateError]. [ErrStopped] means StopListening interrupted the start.
func (c *Controller) StartListening(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == StateConnecting || c.state == StateListening {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	g := c.gen
	c.shouldListen = true
	c.netErrs, c.restarts = 0, 0
	c.final, c.interim = "", ""
	c.runCtx, c.runCancel = context.WithCancel(context.Background())
	runCtx := c.runCtx
	notify := c.setStateLocked(StateConnecting)
	c.mu.Unlock()
	run(notify)

	frames, err := c.mic.Open(ctx)
	if err != nil {
		err = deviceError(err)
		c.failStart(g, err)
		return fmt.Errorf("capture: open device: %w", err)
	}

	c.mu.Lock()
	if g != c.gen {
		c.mu.Unlock()
		_ = c.mic.Close()
		go audio.Drain(frames)
		return ErrStopped
	}
	c.devOpen = true
	c.wg.Add(1)
	go c.pump(g, frames)
	c.mu.Unlock()

	if err := c.openSession(ctx, runCtx, g); err != nil {
		if errors.Is(err, ErrStopped) {
			return err
		}
		c.failStart(g, err)
		return fmt.Errorf("capture: start stream: %w", err)
	}
	return nil
}

// openSession starts a recognition session for run g and waits for the
// provider's confirmation. waitCtx bounds only the wait; the session itself
// lives until runCtx is cancelled.
func (c *Controller) openSession(waitCtx, runCtx context.Context, g uint64) (err error) {
	c.mu.Lock()
	cfg := c.cfg
	c.mu.Unlock()

	_, span := observe.StartSpan(waitCtx, "capture.open_session",
		trace.WithAttributes(attribute.Int64("restart.generation", int64(g))))
	defer func() { observe.Finish(span, err, ErrStopped) }()

	start := time.Now()
	sess, err := c.stt.StartStream(runCtx, cfg.Stream)
	if err != nil {
		if runCtx.Err() != nil {
			return ErrStopped
		}
		return mapStartError(err)
	}

	timer := time.NewTimer(cfg.StartTimeout)
	defer timer.Stop()
	select {
	case <-sess.Started():
	case <-sess.Done():
		err := sess.Err()
		if err == nil {
			err = &stt.Error{Code: stt.CodeAborted, Err: errors.New("session ended before start")}
		}
		if runCtx.Err() != nil {
			return ErrStopped
		}
		return mapStartError(err)
	case <-timer.C:
		closeAsync(sess)
		return ErrStartTimeout
	case <-runCtx.Done():
		closeAsync(sess)
		return ErrStopped
	case <-waitCtx.Done():
		closeAsync(sess)
		return waitCtx.Err()
	}

	c.mu.Lock()
	if g != c.gen || !c.shouldListen {
		c.mu.Unlock()
		closeAsync(sess)
		return ErrStopped
	}
	c.session = sess
	c.sessionStart = time.Now()
	notify := c.setStateLocked(StateListening)
	c.wg.Add(1)
	go c.read(g, sess)
	c.mu.Unlock()

	c.metrics.RecordCaptureStart(runCtx, time.Since(start))
	slog.Debug("capture: listening", "startup", time.Since(start))
	run(notify)
	return nil
}

// pump forwards microphone frames to the current session until the device
// channel closes.
func (c *Controller) pump(g uint64, frames <-chan audio.AudioFrame) {
	defer c.wg.Done()

	c.mu.Lock()
	conv := audio.FrameConverter{Target: audio.Format{
		SampleRate: c.cfg.Stream.SampleRate,
		Channels:   c.cfg.Stream.Channels,
	}}
	c.mu.Unlock()

	for f := range frames {
		c.mu.Lock()
		sess := c.session
		current := g == c.gen
		c.mu.Unlock()
		if !current || sess == nil {
			continue
		}
		f = conv.Convert(f)
		if len(f.Data) == 0 {
			continue
		}
		if err := sess.SendAudio(f.Data); err != nil {
			slog.Debug("capture: send audio failed", "err", err)
		}
	}

	c.mu.Lock()
	lost := g == c.gen && c.shouldListen
	c.mu.Unlock()
	if lost {
		c.fail(g, fmt.Errorf("%w: capture stream stopped", ErrDeviceUnavailable))
	}
}

// read consumes transcripts from sess until it ends, then hands the end
// reason to recover.
func (c *Controller) read(g uint64, sess stt.SessionHandle) {
	defer c.wg.Done()

	partials, finals := sess.Partials(), sess.Finals()
	for partials != nil || finals != nil {
		select {
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			c.onFragment(g, t)
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			c.onFragment(g, t)
		}
	}
	<-sess.Done()

	c.mu.Lock()
	current := g == c.gen && c.session == sess
	if current {
		c.session = nil
	}
	c.mu.Unlock()
	if current {
		c.recover(g, sess.Err())
	}
}

// onFragment applies one transcript fragment. Final text is appended and
// (re)arms the silence timer; interim text only replaces the live field.
func (c *Controller) onFragment(g uint64, t stt.Transcript) {
	c.mu.Lock()
	if g != c.gen {
		c.mu.Unlock()
		return
	}
	c.netErrs, c.restarts = 0, 0

	if t.IsFinal {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			c.mu.Unlock()
			return
		}
		if c.final == "" {
			c.final = text
		} else {
			c.final += " " + text
		}
		c.interim = ""
		c.armTimerLocked(g)
	} else {
		c.interim = t.Text
	}
	final, interim := c.final, c.interim
	h := c.handlers.OnTranscript
	c.mu.Unlock()

	if h != nil {
		h(final, interim)
	}
}

func (c *Controller) armTimerLocked(g uint64) {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timerSeq++
	seq := c.timerSeq
	c.timer = time.AfterFunc(c.cfg.SilenceTimeout, func() { c.flush(g, seq) })
}

func (c *Controller) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerSeq++
}

// flush emits the accumulated turn when the silence timer fires.
func (c *Controller) flush(g, seq uint64) {
	c.mu.Lock()
	if g != c.gen || seq != c.timerSeq || c.final == "" {
		c.mu.Unlock()
		return
	}
	text := c.final
	c.final, c.interim = "", ""
	c.timer = nil
	h := c.handlers.OnUtterance
	c.mu.Unlock()

	c.metrics.RecordUtterance(context.Background())
	if h != nil {
		h(text)
	}
}

// recover decides how to react to the end of a session that the controller
// did not request.
func (c *Controller) recover(g uint64, err error) {
	class, mapped := classify(err)

	c.mu.Lock()
	if g != c.gen || !c.shouldListen {
		c.mu.Unlock()
		return
	}
	code := string(stt.CodeOf(err))
	if code == "" {
		code = "none"
	}
	c.metrics.RecordCaptureError(context.Background(), code, class.String())
	if !c.sessionStart.IsZero() && time.Since(c.sessionStart) >= stableSession {
		c.restarts = 0
	}
	c.sessionStart = time.Time{}

	var fatal error
	switch class {
	case classFatal:
		fatal = mapped
	case classNetwork:
		c.netErrs++
		if c.netErrs >= c.cfg.NetworkErrorThreshold {
			fatal = fmt.Errorf("%w: %d consecutive failures: %w", ErrNetwork, c.netErrs, err)
		}
	}
	if fatal == nil {
		c.restarts++
		if c.restarts > c.cfg.MaxRestarts {
			fatal = fmt.Errorf("%w: %d attempts: %w", ErrRestartLimit, c.cfg.MaxRestarts, errOrEnded(err))
		}
	}
	if fatal != nil {
		c.mu.Unlock()
		c.fail(g, fatal)
		return
	}

	attempt := c.restarts
	delay := c.cfg.backoff(attempt)
	runCtx := c.runCtx
	c.wg.Add(1)
	c.mu.Unlock()

	slog.Info("capture: restarting recognition", "attempt", attempt, "delay", delay, "class", class.String(), "err", err)
	c.metrics.RecordCaptureRestart(runCtx)
	go c.restart(g, runCtx, delay)
}

func (c *Controller) restart(g uint64, runCtx context.Context, delay time.Duration) {
	defer c.wg.Done()

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-runCtx.Done():
		return
	}

	err := c.openSession(runCtx, runCtx, g)
	if err == nil || errors.Is(err, ErrStopped) || runCtx.Err() != nil {
		return
	}
	c.recover(g, err)
}

// failStart moves a run that failed inside StartListening to StateError.
// The error is returned to the caller, not delivered to OnError.
func (c *Controller) failStart(g uint64, err error) {
	c.terminate(g, err, false)
}

// fail moves run g to StateError and reports err through OnError.
func (c *Controller) fail(g uint64, err error) {
	c.terminate(g, err, true)
}

func (c *Controller) terminate(g uint64, err error, report bool) {
	c.mu.Lock()
	if g != c.gen {
		c.mu.Unlock()
		return
	}
	slog.Warn("capture: stopped with error", "err", err)
	c.gen++
	c.shouldListen = false
	sess := c.releaseLocked()
	notify := c.setStateLocked(StateError)
	onErr := c.handlers.OnError
	c.mu.Unlock()

	c.closeResources(sess)
	run(notify)
	if report && onErr != nil {
		onErr(err)
	}
}

// StopListening ends the current run. Unflushed final text is delivered to
// OnUtterance before the transition to idle. The device is always released;
// the provider session is closed asynchronously so a stuck provider cannot
// block the caller.
func (c *Controller) StopListening() {
	c.stop(true)
}

func (c *Controller) stop(emit bool) {
	c.mu.Lock()
	c.gen++
	c.shouldListen = false
	text := c.final
	c.final, c.interim = "", ""
	sess := c.releaseLocked()
	notify := c.setStateLocked(StateIdle)
	onUtterance := c.handlers.OnUtterance
	c.mu.Unlock()

	c.closeResources(sess)

	if emit && text != "" && onUtterance != nil {
		c.metrics.RecordUtterance(context.Background())
		onUtterance(text)
	}
	run(notify)
}

// releaseLocked detaches the session, cancels the run and stops the silence
// timer. Must be called with c.mu held.
func (c *Controller) releaseLocked() stt.SessionHandle {
	sess := c.session
	c.session = nil
	c.sessionStart = time.Time{}
	if c.runCancel != nil {
		c.runCancel()
		c.runCancel = nil
	}
	c.stopTimerLocked()
	c.devOpen = false
	return sess
}

// closeResources closes sess asynchronously and releases the microphone.
func (c *Controller) closeResources(sess stt.SessionHandle) {
	if sess != nil {
		closeAsync(sess)
	}
	if err := c.mic.Close(); err != nil {
		slog.Debug("capture: release device failed", "err", err)
	}
}

// ResetTranscript clears the accumulated and interim text without stopping
// capture.
func (c *Controller) ResetTranscript() {
	c.mu.Lock()
	c.stopTimerLocked()
	c.final, c.interim = "", ""
	h := c.handlers.OnTranscript
	c.mu.Unlock()
	if h != nil {
		h("", "")
	}
}

// Close stops capture without emitting pending text, releases the device and
// waits for background goroutines. It is idempotent.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.stop(false)
	c.wg.Wait()
	return nil
}

// setStateLocked updates the state and returns the notification to run after
// unlocking, or nil when nothing changed.
func (c *Controller) setStateLocked(s State) func() {
	if c.state == s {
		return nil
	}
	c.state = s
	fn := c.handlers.OnStateChange
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

func closeAsync(sess stt.SessionHandle) {
	go func() {
		if err := sess.Close(); err != nil {
			slog.Debug("capture: close session failed", "err", err)
		}
	}()
}

// classify maps a recognition failure to its recovery class and, for fatal
// failures, to the error surfaced to callers.
func classify(err error) (errClass, error) {
	if err == nil {
		return classIgnorable, nil
	}
	switch stt.CodeOf(err) {
	case stt.CodeNoSpeech, stt.CodeAborted:
		return classIgnorable, nil
	case stt.CodeNetwork:
		return classNetwork, nil
	case stt.CodeNotAllowed, stt.CodeServiceNotAllowed:
		return classFatal, fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	case stt.CodeAudioCapture:
		return classFatal, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	case stt.CodeLanguageNotSupported:
		return classFatal, err
	}
	switch {
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrDeviceUnavailable):
		return classFatal, err
	case errors.Is(err, ErrNetwork):
		return classNetwork, nil
	}
	return classTransient, nil
}

// mapStartError converts a failure to establish a session into the
// controller's error vocabulary.
func mapStartError(err error) error {
	switch stt.CodeOf(err) {
	case stt.CodeNotAllowed, stt.CodeServiceNotAllowed:
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	case stt.CodeAudioCapture:
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	case stt.CodeNetwork:
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	return err
}

// deviceError wraps a capture device failure.
func deviceError(err error) error {
	if errors.Is(err, audio.ErrPermissionDenied) {
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
}

func errOrEnded(err error) error {
	if err == nil {
		return errors.New("session ended")
	}
	return err
}
