// Command huntmaster scores animal call recordings against master calls.
//
// With -master and one or more WAV arguments it scores each recording and
// exits. Otherwise it serves the streaming, health and metrics endpoints until
// interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/huntmaster/huntmaster/internal/app"
	"github.com/huntmaster/huntmaster/internal/config"
	"github.com/huntmaster/huntmaster/internal/observe"
)

// version is overridden at link time.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (built-in defaults when empty)")
	masterPath := flag.String("master", "", "score the WAV arguments against this master call WAV and exit")
	listen := flag.String("listen", "", "override server.listen_addr")
	require := flag.String("require", "", "comma-separated master call ids that must load before serving")
	jobs := flag.Int("j", runtime.GOMAXPROCS(0), "recordings scored concurrently in batch mode")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				fmt.Fprintf(os.Stderr, "huntmaster: config file %q not found\n", *configPath)
			} else {
				fmt.Fprintf(os.Stderr, "huntmaster: %v\n", err)
			}
			return 1
		}
	}
	if *listen != "" {
		cfg.Server.ListenAddr = *listen
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.Start(version)
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	opts := []app.Option{app.WithLevelVar(level)}
	if *require != "" {
		opts = append(opts, app.WithRequiredMasterCalls(strings.Split(*require, ",")...))
	}
	application, err := app.New(ctx, cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := application.Shutdown(sctx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
	}()

	if *masterPath != "" {
		return score(ctx, application, *masterPath, flag.Args(), *jobs)
	}
	return serve(ctx, application, cfg, *configPath)
}

// serve runs the HTTP surface until a signal arrives.
func serve(ctx context.Context, application *app.App, cfg *config.Config, configPath string) int {
	if configPath != "" {
		if err := application.WatchConfig(configPath); err != nil {
			slog.Error("failed to watch config", "err", err)
			return 1
		}
	}
	if cfg.Server.ListenAddr == "" {
		slog.Warn("server.listen_addr is empty, nothing to serve")
	}

	slog.Info("huntmaster starting",
		"version", version,
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"sample_rate", cfg.SampleRate,
	)
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("shutdown signal received, stopping")
	return 0
}

// score prints one line per attempt and returns non-zero when any failed.
func score(ctx context.Context, application *app.App, masterPath string, attempts []string, jobs int) int {
	if len(attempts) == 0 {
		fmt.Fprintln(os.Stderr, "huntmaster: -master needs at least one recording to score")
		return 2
	}
	id, err := application.RegisterMasterFile(ctx, masterPath)
	if err != nil {
		slog.Error("failed to load master call", "path", masterPath, "err", err)
		return 1
	}

	results, err := application.ScoreFiles(ctx, id, attempts, jobs)
	if err != nil {
		slog.Error("scoring interrupted", "err", err)
		return 1
	}

	code := 0
	for _, r := range results {
		if r.Err != nil {
			fmt.Printf("%s\terror\t%v\n", r.Path, r.Err)
			code = 1
			continue
		}
		fmt.Printf("%s\t%.4f\tframes=%d\tcost=%.4f\n", r.Path, r.Result.Score, r.Frames, r.Result.NormalizedCost)
	}
	return code
}
