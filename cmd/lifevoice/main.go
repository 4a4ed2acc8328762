// Command lifevoice is the main entry point for the lifevoice conversation
// server.
package main

import (
	"cmp"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"text/tabwriter"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/lifevoice/internal/app"
	"github.com/MrWong99/lifevoice/internal/config"
	"github.com/MrWong99/lifevoice/internal/observe"
	"github.com/MrWong99/lifevoice/pkg/audio"
	"github.com/MrWong99/lifevoice/pkg/audio/miniaudio"
	"github.com/MrWong99/lifevoice/pkg/provider/llm"
	"github.com/MrWong99/lifevoice/pkg/provider/llm/anyllm"
	"github.com/MrWong99/lifevoice/pkg/provider/llm/openai"
	"github.com/MrWong99/lifevoice/pkg/provider/stt"
	"github.com/MrWong99/lifevoice/pkg/provider/stt/deepgram"
	"github.com/MrWong99/lifevoice/pkg/provider/tts"
	"github.com/MrWong99/lifevoice/pkg/provider/tts/coqui"
	"github.com/MrWong99/lifevoice/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/lifevoice/pkg/provider/tts/httptts"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "dotenv file loaded before the config is parsed")
	listVoices := flag.Bool("list-voices", false, "print the voices of the configured TTS provider and exit")
	flag.Parse()

	// ── Environment ───────────────────────────────────────────────────────────
	if err := config.LoadEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "lifevoice: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	// ── Load configuration ────────────────────────────────────────────────────
	// application is assigned before Run starts polling the watcher.
	var application *app.App
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		if application != nil {
			application.ApplyConfig(old, new)
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "lifevoice: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "lifevoice: %v\n", err)
		}
		return 1
	}
	cfg := watcher.Current()
	level.Set(app.LevelOf(cfg.Server.LogLevel))

	slog.Info("lifevoice starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg.Voice)

	if *listVoices {
		return printVoices(reg, cfg)
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err = app.New(ctx, cfg, providers,
		app.WithLogLevel(&level),
		app.WithWatcher(watcher),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	exit := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		exit = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return exit
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// anyLLMBackends are served through any-llm-go. "openai" has its own
// provider built on the official SDK.
var anyLLMBackends = []string{
	"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// voice supplies defaults for options a provider entry leaves unset.
func registerBuiltinProviders(reg *config.Registry, voice config.VoiceConfig) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := entry.OptString("organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if secs, ok := entry.OptFloat("timeout_seconds"); ok && secs > 0 {
			opts = append(opts, openai.WithTimeout(time.Duration(secs*float64(time.Second))))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range anyLLMBackends {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := cmp.Or(entry.OptString("language"), voice.Language); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if voice.SampleRate > 0 {
			opts = append(opts, deepgram.WithSampleRate(voice.SampleRate))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("http", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []httptts.Option
		if entry.APIKey != "" {
			opts = append(opts, httptts.WithAPIKey(entry.APIKey))
		}
		if rate, ok := entry.OptFloat("sample_rate"); ok && rate > 0 {
			opts = append(opts, httptts.WithFormat(audio.Format{SampleRate: int(rate), Channels: 1}))
		}
		if voice.VoiceID != "" {
			opts = append(opts, httptts.WithVoices(tts.VoiceProfile{
				ID:       voice.VoiceID,
				Name:     voice.VoiceID,
				Provider: "http",
				Language: voice.Language,
			}))
		}
		return httptts.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := entry.OptString("output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := cmp.Or(entry.OptString("language"), voice.Language); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := entry.OptString("api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	// ── Audio ─────────────────────────────────────────────────────────────────

	reg.RegisterAudio("miniaudio", func(config.ProviderEntry) (audio.Platform, error) {
		return miniaudio.NewPlatform()
	})

	for kind, names := range reg.Names() {
		slog.Debug("registered providers", "kind", kind, "names", names)
	}
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}
	pc := cfg.Providers

	var err error
	if ps.LLM, err = create("llm", pc.LLM, reg.CreateLLM); err != nil {
		return nil, err
	}
	if ps.STT, err = create("stt", pc.STT, reg.CreateSTT); err != nil {
		return nil, err
	}
	if ps.TTS, err = create("tts", pc.TTS, reg.CreateTTS); err != nil {
		return nil, err
	}
	for _, entry := range pc.LLMFallbacks {
		p, err := create("llm fallback", entry, reg.CreateLLM)
		if err != nil {
			return nil, err
		}
		ps.LLMFallbacks = append(ps.LLMFallbacks, app.Named[llm.Provider]{Name: entry.Name, Provider: p})
	}
	for _, entry := range pc.TTSFallbacks {
		p, err := create("tts fallback", entry, reg.CreateTTS)
		if err != nil {
			return nil, err
		}
		ps.TTSFallbacks = append(ps.TTSFallbacks, app.Named[tts.Provider]{Name: entry.Name, Provider: p})
	}

	// Devices are opened last so that a bad API key does not leave an
	// audio backend initialised.
	if ps.Audio, err = create("audio", pc.Audio, reg.CreateAudio); err != nil {
		return nil, err
	}
	return ps, nil
}

// create builds one provider. An empty name yields the zero value so that
// app.New can report every missing slot at once.
func create[T any](kind string, entry config.ProviderEntry, factory func(config.ProviderEntry) (T, error)) (T, error) {
	var zero T
	if entry.Name == "" {
		return zero, nil
	}
	p, err := factory(entry)
	if err != nil {
		return zero, fmt.Errorf("create %s provider %q: %w", kind, entry.Name, err)
	}
	slog.Info("provider created", "kind", kind, "name", entry.Name)
	return p, nil
}

// printVoices lists the voices of the primary TTS provider.
func printVoices(reg *config.Registry, cfg *config.Config) int {
	p, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lifevoice: %v\n", err)
		return 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	voices, err := p.ListVoices(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lifevoice: list voices: %v\n", err)
		return 1
	}
	slices.SortFunc(voices, func(a, b tts.VoiceProfile) int {
		return cmp.Compare(a.Name, b.Name)
	})

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tLANGUAGE")
	for _, v := range voices {
		fmt.Fprintf(w, "%s\t%s\t%s\n", v.ID, v.Name, v.Language)
	}
	if err := w.Flush(); err != nil {
		return 1
	}
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        lifevoice, startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("Audio", cfg.Providers.Audio.Name, "")
	fmt.Printf("║  Fallbacks       : %-19s ║\n",
		fmt.Sprintf("llm %d, tts %d", len(cfg.Providers.LLMFallbacks), len(cfg.Providers.TTSFallbacks)))
	printProvider("Voice", cfg.Voice.VoiceID, cfg.Voice.Language)
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, detail string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if detail != "" {
		value = name + " / " + detail
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}
