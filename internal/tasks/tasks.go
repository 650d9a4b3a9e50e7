// Package tasks wraps the generic task manager with persistence and log
// capture: a recorded task transitions Pending -> running -> terminal in the
// store, streams its log through the live cache while running, and drains it
// into the log row when it finishes.
package tasks

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/petrel-ci/petrel/internal/bus"
	"github.com/petrel-ci/petrel/internal/livelog"
	"github.com/petrel-ci/petrel/internal/persistence"
	"github.com/petrel-ci/petrel/internal/taskman"
)

// Env bundles the collaborators every recorded task needs.
type Env struct {
	Store   *persistence.Store
	Logs    *livelog.Cache
	Bus     *bus.Bus
	Manager *taskman.Manager[int64]
	Logger  *slog.Logger
}

func (e *Env) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// result carries a body's outcome through the task manager.
type result[T any] struct {
	val T
	err error
}

// Start drives a persisted task: it marks the task running, captures log
// lines into the live cache, runs body under the task manager's cancel
// signal, and finally persists the terminal status together with the drained
// log before emitting the finisher's event.
//
// finish receives (nil, nil) when the body was canceled, (nil, err) when it
// failed, and (&value, nil) on completion; it returns the terminal status
// kind and an optional event. It runs on a worker that may block.
func Start[T any](
	ctx context.Context,
	env *Env,
	task persistence.Task,
	body func(ctx context.Context, logc chan<- string) (T, error),
	finish func(res *T, err error) (persistence.StatusKind, *bus.Event),
) error {
	start := time.Now().UTC()
	if err := env.Store.SetTaskStatus(ctx, task.ID, persistence.StatusPending.Status(&start, nil)); err != nil {
		return err
	}
	env.Logs.Init(task.ID)

	wrapped := func(ctx context.Context) any {
		logc := make(chan string, 64)
		drained := make(chan struct{})
		go func() {
			defer close(drained)
			for line := range logc {
				env.Logs.SendLine(task.ID, line)
			}
		}()
		defer func() {
			close(logc)
			<-drained
		}()
		val, err := body(ctx, logc)
		return result[T]{val: val, err: err}
	}

	finisher := func(raw any, ok bool) taskman.Task {
		var (
			res *T
			err error
		)
		if ok {
			r := raw.(result[T])
			if r.err != nil {
				err = r.err
			} else {
				res = &r.val
			}
		}
		kind, event := finish(res, err)

		end := time.Now().UTC()
		status := kind.Status(&start, &end)
		stderr := env.Logs.Remove(task.ID)
		if perr := env.Store.FinishTask(context.Background(), task.ID, status, stderr); perr != nil {
			env.logger().Error("persisting task result failed",
				"task", task.ID, "status", kind.String(), "error", perr)
		}
		if event != nil {
			env.Bus.Log(*event)
		}
		return nil
	}

	env.Manager.Run(task.ID, taskman.Func{Body: wrapped, Finish: finisher})
	return nil
}

// Cancel fires the task's cancel signal.
func (e *Env) Cancel(taskID int64) {
	e.Manager.Cancel(taskID)
}

// Wait blocks until the task has finished.
func (e *Env) Wait(ctx context.Context, taskID int64) {
	e.Manager.Wait(ctx, taskID)
}

// LogStream returns the task's log as a line channel: the live stream while
// the task runs, or the persisted stderr replayed line by line once it is
// terminal. Returns nil when neither exists.
func (e *Env) LogStream(ctx context.Context, taskID int64) (<-chan string, error) {
	if live := e.Logs.Listen(taskID); live != nil {
		return live, nil
	}
	stderr, err := e.Store.LogStderr(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if stderr == nil {
		return nil, nil
	}
	ch := make(chan string, 64)
	go func() {
		defer close(ch)
		for _, line := range strings.Split(*stderr, "\n") {
			select {
			case ch <- line:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// StatusFromOutcome maps a recorded body outcome to the conventional status:
// canceled bodies yield Canceled, failed ones Failure, completed ones the
// given success kind.
func StatusFromOutcome[T any](res *T, err error) persistence.StatusKind {
	switch {
	case err != nil:
		return persistence.StatusFailure
	case res == nil:
		return persistence.StatusCanceled
	default:
		return persistence.StatusSuccess
	}
}
