// Package builds schedules derivation builds. A single control loop owns the
// set of in-flight builds keyed by drv path: concurrent requests for the same
// derivation coalesce onto one build, cached successes are reused, and input
// derivations are built recursively through the same loop.
package builds

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/petrel-ci/petrel/internal/bus"
	"github.com/petrel-ci/petrel/internal/handles"
	"github.com/petrel-ci/petrel/internal/nix"
	"github.com/petrel-ci/petrel/internal/persistence"
	"github.com/petrel-ci/petrel/internal/tasks"
)

// Outcome is what a build waiter observes.
type Outcome int

const (
	// OutcomeCanceled: the build was aborted or the manager shut down.
	OutcomeCanceled Outcome = iota
	// OutcomeFailure: the build ran and failed.
	OutcomeFailure
	// OutcomeSuccess: the derivation's outputs are realised.
	OutcomeSuccess
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	default:
		return "canceled"
	}
}

// Handle observes a build without owning its lifecycle. Abandoning a handle
// must go through Abort so the manager can release the build once its last
// waiter is gone.
type Handle struct {
	// Build is the persisted record the request resolved to.
	Build persistence.Build

	res       <-chan Outcome
	abortOnce sync.Once
	abort     func()
}

// Wait blocks until the build finishes. If ctx is canceled first the handle
// aborts itself and reports OutcomeCanceled.
func (h *Handle) Wait(ctx context.Context) Outcome {
	select {
	case outcome := <-h.res:
		return outcome
	case <-ctx.Done():
		h.Abort()
		return OutcomeCanceled
	}
}

// Abort withdraws this handle's interest in the build. The underlying task
// is canceled once no waiter remains.
func (h *Handle) Abort() {
	h.abortOnce.Do(h.abort)
}

type buildMsg struct {
	drv   string
	reply chan *Handle
}

type abortMsg struct {
	drv string
}

type finishedMsg struct {
	drv     string
	outcome Outcome
}

type shutdownMsg struct{}

// active is the loop-private state of one in-flight build.
type active struct {
	build   persistence.Build
	taskID  int64
	waiters int
	replies []chan Outcome
}

// Manager is the build scheduler.
type Manager struct {
	env    *tasks.Env
	driver nix.Driver
	msgs   chan any
	done   chan struct{}
	logger *slog.Logger

	shutdownOnce sync.Once
}

// New creates a Manager and starts its control loop.
func New(env *tasks.Env, driver nix.Driver, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		env:    env,
		driver: driver,
		msgs:   make(chan any, 64),
		done:   make(chan struct{}),
		logger: logger,
	}
	go m.loop()
	return m
}

func (m *Manager) send(msg any) bool {
	select {
	case m.msgs <- msg:
		return true
	case <-m.done:
		return false
	}
}

// Request asks for a build of drv and returns a handle on it. After shutdown
// the handle immediately reports OutcomeCanceled.
func (m *Manager) Request(drv string) *Handle {
	reply := make(chan *Handle, 1)
	if !m.send(buildMsg{drv: drv, reply: reply}) {
		return canceledHandle()
	}
	select {
	case h := <-reply:
		return h
	case <-m.done:
		return canceledHandle()
	}
}

func canceledHandle() *Handle {
	res := make(chan Outcome, 1)
	res <- OutcomeCanceled
	return &Handle{res: res, abort: func() {}}
}

// Shutdown cancels all in-flight builds and reports OutcomeCanceled to every
// waiter. Blocks until the loop exits.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		m.msgs <- shutdownMsg{}
	})
	<-m.done
}

func (m *Manager) loop() {
	ctx := context.Background()
	state := make(map[string]*active)
	for raw := range m.msgs {
		switch msg := raw.(type) {
		case buildMsg:
			msg.reply <- m.handleBuild(ctx, state, msg.drv)
		case abortMsg:
			if a, ok := state[msg.drv]; ok {
				a.waiters--
				if a.waiters == 0 {
					m.env.Cancel(a.taskID)
				}
			}
		case finishedMsg:
			// Remove before fan-out: a request arriving after the
			// broadcast starts a fresh build.
			if a, ok := state[msg.drv]; ok {
				delete(state, msg.drv)
				for _, reply := range a.replies {
					reply <- msg.outcome
				}
			}
		case shutdownMsg:
			for _, a := range state {
				m.env.Cancel(a.taskID)
				for _, reply := range a.replies {
					reply <- OutcomeCanceled
				}
			}
			clear(state)
			close(m.done)
			return
		}
	}
}

// handleBuild resolves one build request: coalesce onto the in-flight build,
// reuse the latest successful one, or start fresh.
func (m *Manager) handleBuild(ctx context.Context, state map[string]*active, drv string) *Handle {
	res := make(chan Outcome, 1)

	if a, ok := state[drv]; ok {
		a.replies = append(a.replies, res)
		a.waiters++
		return m.newHandle(a.build, drv, res)
	}

	last, lastTask, err := m.env.Store.LastBuild(ctx, drv)
	if err == nil && lastTask.Status == persistence.StatusSuccess {
		if built, err := m.driver.IsBuilt(ctx, drv); err == nil && built {
			res <- OutcomeSuccess
			return m.newHandle(last, drv, res)
		}
	}

	build, err := m.startBuild(ctx, state, drv, res)
	if err != nil {
		m.logger.Error("starting build failed", "drv", drv, "error", err)
		res <- OutcomeFailure
		return m.newHandle(persistence.Build{Drv: drv}, drv, res)
	}
	return m.newHandle(build, drv, res)
}

func (m *Manager) newHandle(build persistence.Build, drv string, res chan Outcome) *Handle {
	return &Handle{
		Build: build,
		res:   res,
		abort: func() { m.send(abortMsg{drv: drv}) },
	}
}

// startBuild creates the build record plus its task and spawns the task
// body.
func (m *Manager) startBuild(ctx context.Context, state map[string]*active, drv string, res chan Outcome) (persistence.Build, error) {
	build, task, err := m.env.Store.CreateBuild(ctx, drv)
	if err != nil {
		return persistence.Build{}, err
	}
	state[drv] = &active{
		build:   build,
		taskID:  task.ID,
		waiters: 1,
		replies: []chan Outcome{res},
	}

	m.env.Bus.Log(bus.BuildNew(handles.Build{UUID: build.UUID}))

	handle := handles.Build{UUID: build.UUID}
	body := func(ctx context.Context, logc chan<- string) (struct{}, error) {
		return struct{}{}, m.runBuild(ctx, drv, logc)
	}
	finish := func(resv *struct{}, err error) (persistence.StatusKind, *bus.Event) {
		var outcome Outcome
		switch {
		case err != nil:
			outcome = OutcomeFailure
		case resv == nil:
			outcome = OutcomeCanceled
		default:
			outcome = OutcomeSuccess
		}
		m.send(finishedMsg{drv: drv, outcome: outcome})
		ev := bus.BuildFinished(handle)
		return tasks.StatusFromOutcome(resv, err), &ev
	}
	if err := tasks.Start(ctx, m.env, task, body, finish); err != nil {
		return persistence.Build{}, err
	}
	return build, nil
}

// runBuild is the task body: realise the inputs first when the derivation is
// not substitutable, then build it.
func (m *Manager) runBuild(ctx context.Context, drv string, logc chan<- string) error {
	cached, err := m.driver.IsCached(ctx, drv)
	if err != nil {
		return fmt.Errorf("query cache for %s: %w", drv, err)
	}
	if !cached {
		raw, err := m.driver.DerivationJSON(ctx, drv)
		if err != nil {
			return fmt.Errorf("read derivation %s: %w", drv, err)
		}
		inputs, err := nix.InputDrvs(drv, raw)
		if err != nil {
			return err
		}
		inputHandles := make([]*Handle, 0, len(inputs))
		for _, input := range inputs {
			inputHandles = append(inputHandles, m.Request(input))
		}
		failed := false
		for _, h := range inputHandles {
			if h.Wait(ctx) != OutcomeSuccess {
				failed = true
			}
		}
		if failed {
			return fmt.Errorf("input derivations of %s failed", drv)
		}
	}
	if _, err := m.driver.Build(ctx, drv, logc); err != nil {
		return fmt.Errorf("build %s: %w", drv, err)
	}
	return nil
}
