// Package app wires the Huntmaster subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds the master call library,
// the engine and the HTTP surface (stream, health, metrics), Run serves until
// the context is cancelled, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithLibrary,
// WithMetrics, ...). When an option is not provided, New creates real
// implementations from the config.
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
	"golang.org/x/sync/errgroup"

	"github.com/huntmaster/huntmaster/internal/config"
	"github.com/huntmaster/huntmaster/internal/engine"
	"github.com/huntmaster/huntmaster/internal/health"
	"github.com/huntmaster/huntmaster/internal/mastercall"
	"github.com/huntmaster/huntmaster/internal/observe"
	"github.com/huntmaster/huntmaster/internal/resilience"
	"github.com/huntmaster/huntmaster/internal/stream"
)

// readHeaderTimeout bounds slow clients on the HTTP listener.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	library  *mastercall.Library
	engine   *engine.Engine
	metrics  *observe.Metrics
	level    *slog.LevelVar
	watcher  *config.Watcher
	breaker  *resilience.Breaker
	required []string

	handler  http.Handler
	server   *http.Server
	listener net.Listener

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLibrary injects a master call library instead of creating an empty one.
func WithLibrary(l *mastercall.Library) Option {
	return func(a *App) { a.library = l }
}

// WithMetrics injects metric instruments instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets configuration reloads change the log level of a handler
// built on v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithRequiredMasterCalls makes /readyz fail until every id is loaded.
func WithRequiredMasterCalls(ids ...string) Option {
	return func(a *App) { a.required = ids }
}

// WithListener serves on l instead of listening on cfg.Server.ListenAddr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.library == nil {
		a.library = mastercall.NewLibrary()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
	}
	a.level.Set(cfg.Server.LogLevel.SlogLevel())
	a.breaker = resilience.New(resilience.Config{
		Name:      "master_calls",
		IsFailure: resilience.IsLoaderFailure,
	})

	eng, err := engine.New(cfg,
		engine.WithLibrary(a.library),
		engine.WithMetrics(a.metrics),
		engine.WithLoader(a.loader(cfg.MasterCalls.Dir)),
	)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.engine = eng
	a.closers = append(a.closers, eng.Close)

	for _, id := range a.required {
		if err := a.preload(ctx, id); err != nil {
			_ = eng.Close()
			return nil, err
		}
	}

	mux := http.NewServeMux()
	health.New(
		health.EngineChecker(eng.Closed),
		health.MasterCallsChecker(func(id string) bool {
			_, ok := a.library.Get(id)
			return ok
		}, a.required...),
		health.Checker{
			Name: "master_call_source",
			Check: func(context.Context) error {
				if a.breaker.State() == resilience.Open {
					return resilience.ErrOpen
				}
				return nil
			},
		},
	).Register(mux)
	stream.New(eng,
		stream.WithSampleRate(cfg.SampleRate),
		stream.WithMetrics(a.metrics),
	).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	a.handler = observe.Middleware(a.metrics)(mux)

	slog.Info("app: initialised",
		"sample_rate", cfg.SampleRate,
		"master_calls_dir", cfg.MasterCalls.Dir,
		"vad_enabled", cfg.VADEnabled,
	)
	return a, nil
}

// preload loads id from master_calls.dir into the library.
func (a *App) preload(ctx context.Context, id string) error {
	if _, ok := a.library.Get(id); ok {
		return nil
	}
	if a.cfg.MasterCalls.Dir == "" {
		return fmt.Errorf("app: master call %q required but master_calls.dir is empty: %w", id, engine.ErrMasterCallNotFound)
	}
	if _, err := a.library.Load(ctx, id, a.loader(a.cfg.MasterCalls.Dir)); err != nil {
		return fmt.Errorf("app: preload: %w", err)
	}
	return nil
}

// loader reads master calls from dir through the breaker. An empty dir yields
// a nil loader.
func (a *App) loader(dir string) mastercall.Loader {
	if dir == "" {
		return nil
	}
	return resilience.GuardLoader(a.breaker, mastercall.WAVLoader(dir, a.buildMasterCall))
}

// buildMasterCall extracts master calls through the engine so they are gated
// like live sessions.
func (a *App) buildMasterCall(ctx context.Context, id string, samples []float32, sampleRate int) (*mastercall.MasterCall, error) {
	return a.engine.BuildMasterCall(ctx, id, samples, sampleRate)
}

// WatchConfig polls path for changes and applies them with
// [App.ApplyConfig]. Run drives the polling.
func (a *App) WatchConfig(path string, opts ...config.WatcherOption) error {
	w, err := config.NewWatcher(path, a.ApplyConfig, opts...)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.watcher = w
	return nil
}

// Engine returns the session manager.
func (a *App) Engine() *engine.Engine { return a.engine }

// Handler returns the HTTP handler serving every route.
func (a *App) Handler() http.Handler { return a.handler }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP when a listen address or listener is configured and
// applies config reloads, until ctx is cancelled. It returns nil on a clean
// stop.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil && a.cfg.Server.ListenAddr != "" {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen: %w", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(ctx) })
	}
	if ln != nil {
		a.server = &http.Server{Handler: a.handler, ReadHeaderTimeout: readHeaderTimeout}
		slog.Info("app: serving", "addr", ln.Addr().String())

		g.Go(func() error {
			if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: serve: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return a.server.Shutdown(shutdownCtx)
		})
	}

	<-ctx.Done()
	return g.Wait()
}

// ApplyConfig reacts to a reloaded configuration. Changes outside its reach
// are logged as requiring a restart.
func (a *App) ApplyConfig(diff config.ConfigDiff, cfg *config.Config) {
	if diff.LogLevelChanged {
		a.level.Set(diff.NewLogLevel.SlogLevel())
		slog.Info("app: log level changed", "level", diff.NewLogLevel)
	}
	if diff.VADEnabledChanged {
		a.engine.SetDefaultVADEnabled(cfg.VADEnabled)
		slog.Info("app: vad default changed", "vad_enabled", cfg.VADEnabled)
	}
	if diff.MasterCallsDirChanged {
		// A new source starts with a clean failure count.
		a.breaker.Reset()
		a.engine.SetLoader(a.loader(cfg.MasterCalls.Dir))
		slog.Info("app: master call directory changed", "dir", cfg.MasterCalls.Dir)
	}
	if len(diff.RestartRequired) > 0 {
		slog.Warn("app: changes take effect after restart", "sections", diff.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems. It respects the context deadline: if
// ctx expires before all closers finish, remaining closers are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("app: closer error", "index", i, "err", err)
			}
		}
		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}
