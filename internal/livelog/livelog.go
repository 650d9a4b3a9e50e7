// Package livelog caches the log lines of running tasks in memory and fans
// them out to listeners. A task's buffer exists from Init until Remove; after
// removal the drained contents live only in the persistent store.
package livelog

import (
	"log/slog"
	"strings"
	"sync"
)

// streamBufferSize bounds how far a listener may lag behind the live feed
// before it is dropped.
const streamBufferSize = 1024

const mailboxSize = 256

type initMsg struct {
	id int64
}

type lineMsg struct {
	id   int64
	line string
}

type listenMsg struct {
	id    int64
	reply chan (<-chan string)
}

type removeMsg struct {
	id    int64
	reply chan *string
}

type shutdownMsg struct{}

type entry struct {
	lines []string
	subs  []chan string
}

// Cache owns one control loop; all buffer state is mutated there.
type Cache struct {
	msgs   chan any
	done   chan struct{}
	logger *slog.Logger

	shutdownOnce sync.Once
}

// New creates a Cache and starts its control loop.
func New(logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		msgs:   make(chan any, mailboxSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	go c.loop()
	return c
}

func (c *Cache) send(m any) bool {
	select {
	case c.msgs <- m:
		return true
	case <-c.done:
		return false
	}
}

// Init creates an empty buffer for a task. The caller must not double-init.
func (c *Cache) Init(id int64) {
	c.send(initMsg{id: id})
}

// SendLine appends a line to the task's buffer and fans it out to listeners.
// Listeners that cannot keep up are dropped.
func (c *Cache) SendLine(id int64, line string) {
	c.send(lineMsg{id: id, line: line})
}

// Listen returns a channel yielding the buffered lines followed by live
// arrivals, or nil if no buffer exists for the id. The snapshot and the
// subscription happen atomically inside the control loop, so the stream is
// always a prefix of the final log.
func (c *Cache) Listen(id int64) <-chan string {
	reply := make(chan (<-chan string), 1)
	if !c.send(listenMsg{id: id, reply: reply}) {
		return nil
	}
	select {
	case sub := <-reply:
		return sub
	case <-c.done:
		return nil
	}
}

// Remove deletes the task's buffer, closes its listeners, and returns the
// concatenated contents. Returns nil if no buffer exists.
func (c *Cache) Remove(id int64) *string {
	reply := make(chan *string, 1)
	if !c.send(removeMsg{id: id, reply: reply}) {
		return nil
	}
	select {
	case dump := <-reply:
		return dump
	case <-c.done:
		return nil
	}
}

// Shutdown stops the cache: new messages are rejected, outstanding ones are
// drained, and all listeners are closed. Blocks until the loop exits.
func (c *Cache) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.msgs <- shutdownMsg{}
	})
	<-c.done
}

func (c *Cache) loop() {
	state := make(map[int64]*entry)
	defer func() {
		for _, e := range state {
			for _, sub := range e.subs {
				close(sub)
			}
		}
		close(c.done)
	}()

	for raw := range c.msgs {
		if _, ok := raw.(shutdownMsg); ok {
			c.drain(state)
			return
		}
		c.handle(state, raw)
	}
}

// drain processes the messages already queued at shutdown time.
func (c *Cache) drain(state map[int64]*entry) {
	for {
		select {
		case raw := <-c.msgs:
			if _, ok := raw.(shutdownMsg); ok {
				continue
			}
			c.handle(state, raw)
		default:
			return
		}
	}
}

func (c *Cache) handle(state map[int64]*entry, raw any) {
	switch m := raw.(type) {
	case initMsg:
		state[m.id] = &entry{}
	case lineMsg:
		e, ok := state[m.id]
		if !ok {
			c.logger.Warn("log line for unknown task", "task", m.id)
			return
		}
		e.lines = append(e.lines, m.line)
		kept := e.subs[:0]
		for _, sub := range e.subs {
			select {
			case sub <- m.line:
				kept = append(kept, sub)
			default:
				close(sub)
			}
		}
		e.subs = kept
	case listenMsg:
		e, ok := state[m.id]
		if !ok {
			m.reply <- nil
			return
		}
		sub := make(chan string, len(e.lines)+streamBufferSize)
		for _, line := range e.lines {
			sub <- line
		}
		e.subs = append(e.subs, sub)
		m.reply <- sub
	case removeMsg:
		e, ok := state[m.id]
		if !ok {
			m.reply <- nil
			return
		}
		delete(state, m.id)
		for _, sub := range e.subs {
			close(sub)
		}
		dump := strings.Join(e.lines, "\n")
		m.reply <- &dump
	}
}
