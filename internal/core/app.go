// Package core wires the controller together: the application context, the
// request surface, and the project / jobset / evaluation / run pipelines.
package core

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/petrel-ci/petrel/internal/actions"
	"github.com/petrel-ci/petrel/internal/builds"
	"github.com/petrel-ci/petrel/internal/bus"
	"github.com/petrel-ci/petrel/internal/livelog"
	"github.com/petrel-ci/petrel/internal/nix"
	"github.com/petrel-ci/petrel/internal/persistence"
	"github.com/petrel-ci/petrel/internal/sandbox"
	"github.com/petrel-ci/petrel/internal/taskman"
	"github.com/petrel-ci/petrel/internal/tasks"
)

// Config assembles an App. Store and Nix are required; the rest default to
// production implementations.
type Config struct {
	Store   *persistence.Store
	Nix     nix.Driver
	Runner  sandbox.Runner
	System  string // local Nix system; resolved lazily when empty
	Logger  *slog.Logger
	Tracer  trace.Tracer
}

// App is the explicit application context: one instance of every manager,
// passed to handlers instead of process-wide singletons.
type App struct {
	Store   *persistence.Store
	Bus     *bus.Bus
	Logs    *livelog.Cache
	Tasks   *tasks.Env
	Runs    *taskman.Manager[int64]
	Builds  *builds.Manager
	Nix     nix.Driver
	Actions *actions.Executor

	system string
	logger *slog.Logger
	tracer trace.Tracer
}

// New builds the application context and starts its control loops.
func New(cfg Config) *App {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("petrel")
	}
	runner := cfg.Runner
	if runner == nil {
		runner = sandbox.Bubblewrap{}
	}

	eventBus := bus.New(logger)
	logs := livelog.New(logger)
	env := &tasks.Env{
		Store:   cfg.Store,
		Logs:    logs,
		Bus:     eventBus,
		Manager: taskman.New[int64](logger),
		Logger:  logger,
	}
	return &App{
		Store:   cfg.Store,
		Bus:     eventBus,
		Logs:    logs,
		Tasks:   env,
		Runs:    taskman.New[int64](logger),
		Builds:  builds.New(env, cfg.Nix, logger),
		Nix:     cfg.Nix,
		Actions: &actions.Executor{Runner: runner},
		system:  cfg.System,
		logger:  logger,
		tracer:  tracer,
	}
}

// System returns the local Nix system string, resolving it on first use.
func (a *App) System(ctx context.Context) string {
	if a.system == "" {
		system, err := a.Nix.CurrentSystem(ctx)
		if err != nil {
			a.logger.Warn("resolving current system failed", "error", err)
			return ""
		}
		a.system = system
	}
	return a.system
}

// Shutdown tears the controller down in dependency order: the build manager
// first, then the run and task managers, and the log cache and event bus
// last, since finishers of the higher layers still log and emit events.
func (a *App) Shutdown(ctx context.Context) {
	ctx, span := a.tracer.Start(ctx, "shutdown")
	defer span.End()

	a.Builds.Shutdown()
	a.Runs.Shutdown(ctx)
	a.Tasks.Manager.Shutdown(ctx)
	a.Logs.Shutdown()
	a.Bus.Shutdown()
	a.logger.Info("controller stopped")
}

// span opens a tracing span for a request-level operation.
func (a *App) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return a.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
