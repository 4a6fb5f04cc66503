// Command sublexa is the live captions and translations server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"go.opentelemetry.io/otel"

	"github.com/sublexa/sublexa/internal/app"
	"github.com/sublexa/sublexa/internal/config"
	"github.com/sublexa/sublexa/internal/observe"
	"github.com/sublexa/sublexa/pkg/asr"
	"github.com/sublexa/sublexa/pkg/asr/elevenlabs"
	"github.com/sublexa/sublexa/pkg/asr/speechmatics"
	"github.com/sublexa/sublexa/pkg/llm"
	"github.com/sublexa/sublexa/pkg/llm/anyllm"
	openaillm "github.com/sublexa/sublexa/pkg/llm/openai"
	"github.com/sublexa/sublexa/pkg/translate"
	"github.com/sublexa/sublexa/pkg/translate/quality"
	"github.com/sublexa/sublexa/pkg/translate/realtime"
)

// version is stamped by the build; "dev" for local builds.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "sublexa.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Environment ────────────────────────────────────────────────────────────
	// .env is a local-development convenience; a missing file is fine.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "sublexa: load .env: %v\n", err)
		return 1
	}

	// ── Load configuration ──────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "sublexa: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "sublexa: %v\n", err)
		}
		return 1
	}

	// ── Logger ──────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so a config reload can adjust it on a
	// running server.
	levelVar := new(slog.LevelVar)
	levelVar.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(logger)

	slog.Info("sublexa starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ───────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    "sublexa",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Provider registry ───────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ───────────────────────────────────────────────────
	providers, closers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Signal context ──────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ─────────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(cfg, providers,
		app.WithLogger(logger),
		app.WithMetrics(metrics),
		app.WithVersion(version),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	for _, c := range closers {
		application.AddCloser(c.name, c.close)
	}

	// ── Config watcher ──────────────────────────────────────────────────────────
	// Log level changes apply live; anything else logs a restart hint.
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			levelVar.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if len(d.RestartNeeded) > 0 {
			slog.Warn("config changes need a restart to take effect",
				"sections", strings.Join(d.RestartNeeded, ", "))
		}
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ───────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// namedCloser pairs a provider teardown with a label for shutdown logs.
type namedCloser struct {
	name  string
	close func() error
}

// builtinProviders maps provider kinds to the implementations that ship
// with Sublexa. Used for startup logging.
var builtinProviders = map[string][]string{
	"asr":        {"speechmatics", "elevenlabs"},
	"translator": {"quality", "speed"},
	"llm":        {"openai", "anyllm"},
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── ASR vendors ─────────────────────────────────────────────────────────────

	reg.RegisterASR("speechmatics", func(entry config.VendorEntry) (asr.Provider, error) {
		var opts []speechmatics.Option
		if entry.BaseURL != "" {
			opts = append(opts, speechmatics.WithEndpoint(entry.BaseURL))
		}
		if entry.Language != "" {
			opts = append(opts, speechmatics.WithLanguage(entry.Language))
		}
		return speechmatics.New(entry.APIKey, opts...)
	})

	reg.RegisterASR("elevenlabs", func(entry config.VendorEntry) (asr.Provider, error) {
		var opts []elevenlabs.Option
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithEndpoint(entry.BaseURL))
		}
		if entry.Language != "" {
			opts = append(opts, elevenlabs.WithLanguage(entry.Language))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// ── Translators ─────────────────────────────────────────────────────────────

	reg.RegisterTranslator("quality", func(entry config.BackendEntry) (translate.Translator, error) {
		var opts []quality.Option
		if entry.BaseURL != "" {
			opts = append(opts, quality.WithBaseURL(entry.BaseURL))
		}
		return quality.New(entry.APIKey, opts...)
	})

	reg.RegisterTranslator("speed", func(entry config.BackendEntry) (translate.Translator, error) {
		var opts []realtime.Option
		if entry.BaseURL != "" {
			opts = append(opts, realtime.WithEndpoint(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, realtime.WithModel(entry.Model))
		}
		return realtime.New(entry.APIKey, opts...)
	})

	// ── LLM ─────────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, openaillm.WithBaseURL(entry.BaseURL))
		}
		return openaillm.New(entry.APIKey, entry.Model, opts...)
	})

	// anyllm proxies to whichever chat backend any-llm supports; the
	// concrete backend name comes from options.provider.
	reg.RegisterLLM("anyllm", func(entry config.ProviderEntry) (llm.Provider, error) {
		backend := optString(entry.Options, "provider")
		if backend == "" {
			backend = "openai"
		}
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(backend, entry.Model, opts...)
	})

	// Debug log of all registered providers.
	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates every provider cfg carries credentials for
// and returns them with the teardown hooks the app should run on shutdown.
// A slot without credentials stays nil and its endpoint answers 503.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, []namedCloser, error) {
	ps := &app.Providers{}
	var closers []namedCloser

	if entry := cfg.Providers.ASR.Speechmatics; entry.APIKey != "" {
		p, err := reg.CreateASR("speechmatics", entry)
		if err != nil {
			return nil, nil, fmt.Errorf("create speechmatics vendor: %w", err)
		}
		ps.Speechmatics = p
		slog.Info("provider created", "kind", "asr", "name", "speechmatics")
	}

	if entry := cfg.Providers.ASR.ElevenLabs; entry.APIKey != "" {
		p, err := reg.CreateASR("elevenlabs", entry)
		if err != nil {
			return nil, nil, fmt.Errorf("create elevenlabs vendor: %w", err)
		}
		ps.ElevenLabs = p
		slog.Info("provider created", "kind", "asr", "name", "elevenlabs")
	}

	if entry := cfg.Providers.Translator.Quality; entry.APIKey != "" {
		tr, err := reg.CreateTranslator("quality", entry)
		if err != nil {
			return nil, nil, fmt.Errorf("create quality translator: %w", err)
		}
		ps.Quality = tr
		if c, ok := tr.(interface{ Close() error }); ok {
			closers = append(closers, namedCloser{"quality translator", c.Close})
		}
		slog.Info("provider created", "kind", "translator", "name", "quality")
	}

	if entry := cfg.Providers.Translator.Speed; entry.APIKey != "" {
		tr, err := reg.CreateTranslator("speed", entry)
		if err != nil {
			return nil, nil, fmt.Errorf("create speed translator: %w", err)
		}
		ps.Speed = tr
		if c, ok := tr.(interface{ Close() error }); ok {
			closers = append(closers, namedCloser{"speed translator", c.Close})
		}
		slog.Info("provider created", "kind", "translator", "name", "speed")
	}

	if entry := cfg.Providers.LLM; entry.Name != "" {
		p, err := reg.CreateLLM(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "llm", "name", entry.Name)
		} else if err != nil {
			return nil, nil, fmt.Errorf("create llm provider %q: %w", entry.Name, err)
		} else {
			ps.LLM = p
			slog.Info("provider created", "kind", "llm", "name", entry.Name, "model", entry.Model)
		}
	}

	return ps, closers, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	mode := cfg.Session.TranslatorMode
	if mode == "" {
		mode = config.ModeQuality
	}
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Sublexa — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printConfigured("Speechmatics", cfg.Providers.ASR.Speechmatics.APIKey != "")
	printConfigured("ElevenLabs", cfg.Providers.ASR.ElevenLabs.APIKey != "")
	printConfigured("Quality MT", cfg.Providers.Translator.Quality.APIKey != "")
	printConfigured("Speed MT", cfg.Providers.Translator.Speed.APIKey != "")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	fmt.Printf("║  Translator mode : %-19s ║\n", mode)
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printConfigured(kind string, ok bool) {
	value := "(not configured)"
	if ok {
		value = "configured"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
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

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
