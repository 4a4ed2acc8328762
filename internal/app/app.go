// Package app wires the lifevoice subsystems into a running application.
//
// The App struct owns the full lifecycle: New opens the audio devices and
// connects capture, playback, dialogue and the session orchestrator; Run
// serves the HTTP control surface and polls the config file; Shutdown tears
// everything down in order.
//
// Providers come from main.go via the config registry. Tests pass mocks in
// the same [Providers] struct.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/lifevoice/internal/capture"
	"github.com/MrWong99/lifevoice/internal/config"
	"github.com/MrWong99/lifevoice/internal/dialogue"
	"github.com/MrWong99/lifevoice/internal/health"
	"github.com/MrWong99/lifevoice/internal/observe"
	"github.com/MrWong99/lifevoice/internal/orchestrator"
	"github.com/MrWong99/lifevoice/internal/playback"
	"github.com/MrWong99/lifevoice/internal/resilience"
	"github.com/MrWong99/lifevoice/pkg/audio"
	"github.com/MrWong99/lifevoice/pkg/provider/llm"
	"github.com/MrWong99/lifevoice/pkg/provider/stt"
	"github.com/MrWong99/lifevoice/pkg/provider/tts"
)

// ErrMissingProvider is returned by [New] when a required provider slot is nil.
var ErrMissingProvider = errors.New("app: provider not configured")

// outputFormat is the format the speaker is opened with. Synthesized audio
// is converted to it by the playback queue.
var outputFormat = audio.Format{SampleRate: 48000, Channels: 2}

// shutdownTimeout bounds the graceful HTTP server shutdown inside Run.
const shutdownTimeout = 5 * time.Second

// Named pairs a fallback provider with its config name.
type Named[T any] struct {
	Name     string
	Provider T
}

// Providers holds one interface value per provider slot plus the ordered
// fallbacks. LLM, STT, TTS and Audio are required.
type Providers struct {
	LLM   llm.Provider
	STT   stt.Provider
	TTS   tts.Provider
	Audio audio.Platform

	LLMFallbacks []Named[llm.Provider]
	TTSFallbacks []Named[tts.Provider]
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	level     *slog.LevelVar
	watcher   *config.Watcher

	llm *resilience.LLMFallback
	stt *resilience.STTFallback
	tts *resilience.TTSFallback

	capture *capture.Controller
	queue   *playback.Queue
	chat    *dialogue.Chat
	orch    *orchestrator.Orchestrator
	health  *health.Handler
	handler http.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics records metrics to m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets config reloads adjust lv.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithWatcher makes Run poll w. The watcher's callback should forward to
// [App.ApplyConfig].
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. It opens the capture
// and output devices from providers.Audio; both stay open until Shutdown.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if err := checkProviders(providers); err != nil {
		return nil, err
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Failover groups ───────────────────────────────────────────────
	a.initFallbacks()

	// ── 2. Devices ───────────────────────────────────────────────────────
	mic, speaker, err := a.openDevices()
	if err != nil {
		a.closeAll()
		return nil, err
	}

	// ── 3. Capture, playback, dialogue ───────────────────────────────────
	v := cfg.Voice
	a.capture = capture.New(a.stt, mic, capture.Config{
		Stream: stt.StreamConfig{
			SampleRate: sampleRate(v),
			Channels:   1,
			Language:   v.Language,
		},
		SilenceTimeout:        v.SilenceTimeout(),
		NetworkErrorThreshold: v.NetworkErrorThreshold,
		StartTimeout:          v.StartTimeout(),
		MaxRestarts:           v.MaxRestarts,
	}, capture.WithMetrics(a.metrics))

	a.queue = playback.New(a.tts, speaker, tts.VoiceProfile{
		ID:       v.VoiceID,
		Provider: cfg.Providers.TTS.Name,
		Language: v.Language,
	}, playback.WithMetrics(a.metrics))

	conv := cfg.Conversation
	a.chat = dialogue.New(a.llm,
		dialogue.WithSystemPrompt(conv.SystemPrompt),
		dialogue.WithTemperature(conv.Temperature),
		dialogue.WithMaxHistoryTokens(conv.MaxHistoryTokens),
		dialogue.WithWelcome(conv.WelcomeMessage),
		dialogue.WithMetrics(a.metrics),
	)

	// ── 4. Orchestrator ──────────────────────────────────────────────────
	a.orch = orchestrator.New(a.capture, a.queue, a.chat,
		orchestrator.WithWelcome(conv.WelcomeMessage),
		orchestrator.WithMuted(v.Muted),
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithHandlers(orchestrator.Handlers{
			OnError: func(err error) {
				slog.Warn("session error", "err", err)
			},
		}),
	)
	// The orchestrator closes capture and playback, which release the devices.
	a.closers = append([]func() error{a.orch.Close, a.chat.Close}, a.closers...)

	// ── 5. Health + HTTP ─────────────────────────────────────────────────
	a.health = health.New(
		health.Providers(map[string]bool{
			"llm":   providers.LLM != nil,
			"stt":   providers.STT != nil,
			"tts":   providers.TTS != nil,
			"audio": providers.Audio != nil,
		}),
		health.Breakers("llm", a.llm.Healthy),
		health.Breakers("stt", a.stt.Healthy),
		health.Breakers("tts", a.tts.Healthy),
		health.Session(a.sessionFailure),
	)
	a.handler = a.routes()

	slog.Info("app initialised",
		"llm_fallbacks", len(providers.LLMFallbacks),
		"tts_fallbacks", len(providers.TTSFallbacks),
		"muted", v.Muted,
		"welcome", conv.WelcomeMessage != "",
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func checkProviders(p *Providers) error {
	if p == nil {
		return fmt.Errorf("%w: no providers", ErrMissingProvider)
	}
	var errs []error
	if p.LLM == nil {
		errs = append(errs, fmt.Errorf("%w: llm", ErrMissingProvider))
	}
	if p.STT == nil {
		errs = append(errs, fmt.Errorf("%w: stt", ErrMissingProvider))
	}
	if p.TTS == nil {
		errs = append(errs, fmt.Errorf("%w: tts", ErrMissingProvider))
	}
	if p.Audio == nil {
		errs = append(errs, fmt.Errorf("%w: audio", ErrMissingProvider))
	}
	return errors.Join(errs...)
}

// initFallbacks puts every provider slot behind circuit breakers.
func (a *App) initFallbacks() {
	fc := func(kind string) resilience.FallbackConfig {
		return resilience.FallbackConfig{Kind: kind, Metrics: a.metrics}
	}
	pc := a.cfg.Providers

	a.llm = resilience.NewLLMFallback(a.providers.LLM, nameOr(pc.LLM.Name, "llm"), fc("llm"))
	for _, fb := range a.providers.LLMFallbacks {
		a.llm.AddFallback(fb.Name, fb.Provider)
	}
	a.tts = resilience.NewTTSFallback(a.providers.TTS, nameOr(pc.TTS.Name, "tts"), fc("tts"))
	for _, fb := range a.providers.TTSFallbacks {
		a.tts.AddFallback(fb.Name, fb.Provider)
	}
	a.stt = resilience.NewSTTFallback(a.providers.STT, nameOr(pc.STT.Name, "stt"), fc("stt"))
}

// openDevices opens the microphone and the speaker and registers the
// platform closer.
func (a *App) openDevices() (audio.CaptureDevice, audio.OutputDevice, error) {
	a.closers = append(a.closers, a.providers.Audio.Close)

	mic, err := a.providers.Audio.OpenCapture(audio.Format{SampleRate: sampleRate(a.cfg.Voice), Channels: 1})
	if err != nil {
		return nil, nil, fmt.Errorf("app: open capture device: %w", err)
	}
	speaker, err := a.providers.Audio.OpenOutput(outputFormat)
	if err != nil {
		_ = mic.Close()
		return nil, nil, fmt.Errorf("app: open output device: %w", err)
	}
	return mic, speaker, nil
}

// sessionFailure reports the fatal error that froze the session, if any.
func (a *App) sessionFailure() error {
	snap := a.orch.Snapshot()
	if snap.State != orchestrator.StateError {
		return nil
	}
	if snap.Err != nil {
		return snap.Err
	}
	return errors.New("session failed")
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving the control surface.
func (a *App) Handler() http.Handler { return a.handler }

// Orchestrator returns the session orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on cfg.Server.ListenAddr (when set) and polls the config
// watcher (when set) until ctx is cancelled. It returns the first serving
// error, or ctx.Err() after an orderly stop.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	addr := a.cfg.Server.ListenAddr
	if addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           a.handler,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(_ net.Listener) context.Context { return gctx },
		}
		g.Go(func() error {
			slog.Info("http server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: serve http: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	slog.Info("app running", "listen_addr", addr)
	<-gctx.Done()
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ApplyConfig applies the hot-reloadable differences between old and new.
// Changes that need a restart are logged.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(LevelOf(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.TuningChanged {
		a.capture.UpdateTuning(new.Voice.SilenceTimeout(), new.Voice.NetworkErrorThreshold)
		slog.Info("capture tuning changed",
			"silence_timeout_ms", new.Voice.SilenceTimeoutMs,
			"network_error_threshold", new.Voice.NetworkErrorThreshold)
	}
	if d.MutedChanged {
		a.orch.SetMuted(d.NewMuted)
		slog.Info("mute changed by config", "muted", d.NewMuted)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to take effect", "fields", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers registered so far after a failed New.
func (a *App) closeAll() {
	for _, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "err", err)
		}
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// LevelOf maps a config log level onto slog. Unknown levels map to info.
func LevelOf(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func sampleRate(v config.VoiceConfig) int {
	if v.SampleRate > 0 {
		return v.SampleRate
	}
	return 16000
}

func nameOr(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}
