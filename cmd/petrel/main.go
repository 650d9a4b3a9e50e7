// Command petrel runs the CI controller daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/petrel-ci/petrel/internal/config"
	"github.com/petrel-ci/petrel/internal/core"
	"github.com/petrel-ci/petrel/internal/cron"
	"github.com/petrel-ci/petrel/internal/nix"
	otelPkg "github.com/petrel-ci/petrel/internal/otel"
	"github.com/petrel-ci/petrel/internal/persistence"
	"github.com/petrel-ci/petrel/internal/sandbox"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	homeDir := flag.String("home", config.HomeDir(), "data directory")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	if err := run(*homeDir); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(homeDir string) error {
	cfg, err := config.Load(homeDir)
	if err != nil {
		return err
	}

	level := new(slog.LevelVar)
	logger := slog.New(newLogHandler(cfg.Log, level))
	slog.SetDefault(logger)
	applyLogLevel(level, cfg.Log.Level, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracing, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		return err
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.Shutdown(shCtx)
	}()

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	var runner sandbox.Runner = sandbox.Bubblewrap{}
	if cfg.Sandbox.Disabled {
		logger.Warn("sandbox isolation disabled")
		runner = sandbox.Local{}
	}

	app := core.New(core.Config{
		Store:  store,
		Nix:    nix.CLI{},
		Runner: runner,
		System: cfg.System,
		Logger: logger,
		Tracer: tracing.Tracer,
	})
	logger.Info("controller started", "version", Version, "db", cfg.DBPath)

	if cfg.Poll.Enabled {
		scheduler, err := cron.NewScheduler(cron.Config{
			App:      app,
			Schedule: cfg.Poll.Schedule,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		scheduler.Start(ctx)
		defer scheduler.Stop()
	}

	watcher := config.NewWatcher(homeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				reloaded, err := config.Load(homeDir)
				if err != nil {
					logger.Error("config reload failed", "error", err)
					continue
				}
				applyLogLevel(level, reloaded.Log.Level, logger)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")
	shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	app.Shutdown(shCtx)
	return nil
}

func newLogHandler(cfg config.LogConfig, level *slog.LevelVar) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	format := cfg.Format
	if format == "" {
		if isatty.IsTerminal(os.Stdout.Fd()) {
			format = "text"
		} else {
			format = "json"
		}
	}
	if format == "json" {
		return slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.NewTextHandler(os.Stdout, opts)
}

func applyLogLevel(level *slog.LevelVar, name string, logger *slog.Logger) {
	switch name {
	case "debug":
		level.Set(slog.LevelDebug)
	case "", "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		logger.Warn("unknown log level, keeping current", "level", name)
	}
}
