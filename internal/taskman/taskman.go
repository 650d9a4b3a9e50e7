// Package taskman runs cancellable, waitable units of work keyed by an
// opaque id. A task is a chain of steps: each step's finisher may hand back
// the next step, which runs under the same id and cancel signal.
package taskman

import (
	"context"
	"log/slog"
	"sync"
)

// Body is one step's work. It must honor ctx cancellation: once the cancel
// signal fires the manager stops waiting for the body and hands the finisher
// a missing result.
type Body func(ctx context.Context) any

// Finisher runs synchronously after its body (it may block). ok is false when
// the body was canceled or panicked; res is only meaningful when ok is true.
// A non-nil return value chains the next step.
type Finisher func(res any, ok bool) Task

// Task is a unit of work: a body and its finisher.
type Task interface {
	Step() (Body, Finisher)
}

// Func is the basic Task: a body/finisher pair.
type Func struct {
	Body   Body
	Finish Finisher
}

func (f Func) Step() (Body, Finisher) {
	body := f.Body
	if body == nil {
		body = func(context.Context) any { return nil }
	}
	finish := f.Finish
	if finish == nil {
		finish = func(any, bool) Task { return nil }
	}
	return body, finish
}

type msgKind int

const (
	msgRun msgKind = iota
	msgCancel
	msgFinish
	msgWait
	msgShutdown
)

type message[ID comparable] struct {
	kind  msgKind
	id    ID
	task  Task
	reply chan struct{}
}

type taskHandle struct {
	cancel  context.CancelFunc
	waiters []chan struct{}
}

// Manager tracks running tasks by id. All state lives in one control loop;
// callers communicate through its mailbox.
type Manager[ID comparable] struct {
	msgs   chan message[ID]
	done   chan struct{}
	logger *slog.Logger

	shutdownOnce sync.Once
}

// New creates a Manager and starts its control loop.
func New[ID comparable](logger *slog.Logger) *Manager[ID] {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager[ID]{
		msgs:   make(chan message[ID], 64),
		done:   make(chan struct{}),
		logger: logger,
	}
	go m.loop()
	return m
}

func (m *Manager[ID]) send(msg message[ID]) bool {
	select {
	case m.msgs <- msg:
		return true
	case <-m.done:
		return false
	}
}

// Run registers and starts a task under the given id. If the manager is
// shutting down the task is dropped silently.
func (m *Manager[ID]) Run(id ID, task Task) {
	m.send(message[ID]{kind: msgRun, id: id, task: task})
}

// Cancel fires the task's cancel signal at most once; later cancels are
// no-ops. Cancel does not wait for the task to finish.
func (m *Manager[ID]) Cancel(id ID) {
	m.send(message[ID]{kind: msgCancel, id: id})
}

// Wait blocks until the task with this id has finished, or immediately if the
// id is unknown.
func (m *Manager[ID]) Wait(ctx context.Context, id ID) {
	reply := make(chan struct{}, 1)
	if !m.send(message[ID]{kind: msgWait, id: id, reply: reply}) {
		return
	}
	select {
	case <-reply:
	case <-ctx.Done():
	case <-m.done:
	}
}

// Shutdown cancels all running tasks, waits for their finishers, and rejects
// further Run calls. Blocks until every task has finished or ctx expires.
func (m *Manager[ID]) Shutdown(ctx context.Context) {
	m.shutdownOnce.Do(func() {
		select {
		case m.msgs <- message[ID]{kind: msgShutdown}:
		case <-m.done:
		}
	})
	select {
	case <-m.done:
	case <-ctx.Done():
	}
}

func (m *Manager[ID]) loop() {
	tasks := make(map[ID]*taskHandle)
	shutdown := false
	for msg := range m.msgs {
		switch msg.kind {
		case msgRun:
			if shutdown {
				continue
			}
			ctx, cancel := context.WithCancel(context.Background())
			tasks[msg.id] = &taskHandle{cancel: cancel}
			go m.drive(ctx, msg.id, msg.task)
		case msgCancel:
			if h, ok := tasks[msg.id]; ok && h.cancel != nil {
				h.cancel()
				h.cancel = nil
			}
		case msgFinish:
			if h, ok := tasks[msg.id]; ok {
				delete(tasks, msg.id)
				if h.cancel != nil {
					h.cancel()
				}
				for _, w := range h.waiters {
					close(w)
				}
			}
			if shutdown && len(tasks) == 0 {
				close(m.done)
				return
			}
		case msgWait:
			if h, ok := tasks[msg.id]; ok {
				h.waiters = append(h.waiters, msg.reply)
			} else {
				close(msg.reply)
			}
		case msgShutdown:
			shutdown = true
			for _, h := range tasks {
				if h.cancel != nil {
					h.cancel()
					h.cancel = nil
				}
			}
			if len(tasks) == 0 {
				close(m.done)
				return
			}
		}
	}
}

// drive pops steps off the task chain until a finisher returns nil, then
// reports the id as finished.
func (m *Manager[ID]) drive(ctx context.Context, id ID, task Task) {
	for task != nil {
		body, finish := task.Step()
		res, ok := m.runBody(ctx, body)
		task = m.runFinisher(finish, res, ok)
	}
	m.send(message[ID]{kind: msgFinish, id: id})
}

// runBody races the body against the cancel signal. A canceled or panicking
// body yields ok=false; a cancel that fires before the body completes wins
// even when both are ready.
func (m *Manager[ID]) runBody(ctx context.Context, body Body) (res any, ok bool) {
	if ctx.Err() != nil {
		return nil, false
	}
	resCh := make(chan any, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("task body panicked", "panic", r)
				close(resCh)
			}
		}()
		resCh <- body(ctx)
	}()
	select {
	case <-ctx.Done():
		return nil, false
	case r, open := <-resCh:
		if !open || ctx.Err() != nil {
			return nil, false
		}
		return r, true
	}
}

func (m *Manager[ID]) runFinisher(finish Finisher, res any, ok bool) (next Task) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("task finisher panicked", "panic", r)
			next = nil
		}
	}()
	return finish(res, ok)
}
