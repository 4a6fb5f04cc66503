// Package app wires the Sublexa subsystems into a running service.
//
// The App owns the full lifecycle: New assembles the HTTP surface from
// config and providers, Run serves it until the context is cancelled, and
// Shutdown drains live caption sessions before closing everything else in
// reverse order.
//
// Providers are built by main via the config registry and passed in; nil
// slots are legal and leave the affected endpoint answering 503.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sublexa/sublexa/internal/config"
	"github.com/sublexa/sublexa/internal/health"
	"github.com/sublexa/sublexa/internal/observe"
	"github.com/sublexa/sublexa/internal/server"
	"github.com/sublexa/sublexa/pkg/asr"
	"github.com/sublexa/sublexa/pkg/llm"
	"github.com/sublexa/sublexa/pkg/translate"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main via the config registry.
type Providers struct {
	Speechmatics asr.Provider
	ElevenLabs   asr.Provider
	Quality      translate.Translator
	Speed        translate.Translator
	LLM          llm.Provider
}

// App owns the HTTP server, the session registry, and the teardown order.
type App struct {
	cfg      *config.Config
	log      *slog.Logger
	met      *observe.Metrics
	version  string
	sessions *SessionRegistry
	http     *http.Server

	mu   sync.Mutex
	addr string

	// closers run in reverse order during Shutdown, after the session
	// drain. Main hands over provider connections through AddCloser.
	closers  []closer
	stopOnce sync.Once
}

type closer struct {
	name  string
	close func() error
}

// Option is a functional option for New.
type Option func(*App)

// WithLogger overrides slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// WithMetrics overrides the instrument set shared by the HTTP middleware
// and every session.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.met = m }
}

// WithVersion sets the build version reported by the info endpoint.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// New assembles the full HTTP surface: vendor WebSocket endpoints, the
// info endpoint, health probes, and /metrics, wrapped in the telemetry
// middleware and the CORS policy. It does not bind the listen address;
// Run does.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:      cfg,
		log:      slog.Default(),
		sessions: NewSessionRegistry(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.met == nil {
		a.met = observe.DefaultMetrics()
	}

	srv, err := server.New(server.Config{
		Speechmatics:           providers.Speechmatics,
		ElevenLabs:             providers.ElevenLabs,
		Quality:                providers.Quality,
		Speed:                  providers.Speed,
		LLM:                    providers.LLM,
		Version:                a.version,
		AllowedOrigins:         cfg.Server.AllowedOrigins,
		DefaultAggressiveness:  cfg.Session.Aggressiveness,
		DefaultPartialInterval: cfg.Session.PartialInterval,
		DefaultMode:            string(cfg.Session.TranslatorMode),
		TopicSummary:           cfg.Session.TopicSummary,
		Tracker:                a.sessions,
		Logger:                 a.log,
		Metrics:                a.met,
	})
	if err != nil {
		return nil, fmt.Errorf("app: build server: %w", err)
	}

	mux := http.NewServeMux()
	srv.Register(mux)

	// Ready means this instance can serve at least one captions session:
	// some speech vendor plus the speed translator, which every session
	// needs for partials. The quality backend is per-mode and only gates
	// quality-mode requests.
	asrOK := providers.Speechmatics != nil || providers.ElevenLabs != nil
	health.New(
		health.Configured("asr", asrOK),
		health.Configured("translator-speed", providers.Speed != nil),
	).Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())

	a.http = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.CORS(observe.Middleware(a.met)(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// AddCloser hands a resource to the App for teardown during Shutdown,
// after the last session has drained. Closers run in reverse order of
// addition. Not safe to call once Run has started.
func (a *App) AddCloser(name string, close func() error) {
	a.closers = append(a.closers, closer{name: name, close: close})
}

// Sessions exposes the live session registry.
func (a *App) Sessions() *SessionRegistry {
	return a.sessions
}

// Handler returns the assembled HTTP surface, for serving through a
// custom listener or in tests.
func (a *App) Handler() http.Handler {
	return a.http.Handler
}

// Addr returns the bound listen address, or "" before Run has bound it.
// With a ":0" listen config this is where the chosen port shows up.
func (a *App) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Run binds the listen address and serves until ctx is cancelled or the
// listener fails. On cancellation it returns ctx.Err(); the caller then
// runs Shutdown with its own deadline.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.http.Addr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.http.Addr, err)
	}
	a.mu.Lock()
	a.addr = ln.Addr().String()
	a.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- a.http.Serve(ln) }()

	a.log.Info("listening", "addr", a.Addr())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting, drains live sessions, and runs the closers in
// reverse order. It respects ctx: when the deadline passes, the remaining
// sessions are force-closed and the closers still run. Safe to call more
// than once; later calls return nil without doing anything.
func (a *App) Shutdown(ctx context.Context) error {
	var drainErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "sessions", a.sessions.Count())

		// Close listeners and finish plain HTTP requests. Upgraded
		// WebSocket connections are hijacked and not covered by this,
		// which is what the registry drain is for.
		if err := a.http.Shutdown(ctx); err != nil &&
			!errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			a.log.Warn("http shutdown error", "err", err)
		}

		drainErr = a.sessions.Drain(ctx)
		if drainErr != nil {
			a.log.Warn("session drain incomplete", "err", drainErr)
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			c := a.closers[i]
			if err := c.close(); err != nil {
				a.log.Warn("closer error", "name", c.name, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return drainErr
}
