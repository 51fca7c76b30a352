// Package events fans run lifecycle notifications out to in-process subscribers.
package events

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// Type names a lifecycle transition of one run.
type Type string

const (
	// RunStarted follows a successful process start.
	RunStarted Type = "run.started"
	// WatchdogArmed follows a TIMEOUT START that started a new idle window.
	WatchdogArmed Type = "watchdog.armed"
	// WatchdogDisarmed follows every TIMEOUT END.
	WatchdogDisarmed Type = "watchdog.disarmed"
	// WatchdogKilled follows an expired idle window, whether or not the kill worked.
	WatchdogKilled Type = "watchdog.killed"
	// RunFinished ends a successful run.
	RunFinished Type = "run.finished"
	// RunFailed ends a run with its fatal error.
	RunFailed Type = "run.failed"
)

// DefaultQueue is the per-subscriber queue length.
const DefaultQueue = 64

// Event is one lifecycle notification. Only the fields meaningful for Type are set.
type Event struct {
	Type  Type
	RunID string
	Time  time.Time

	Epoch    uint64
	PID      int
	Lines    int
	ExitCode int
	Err      string
}

// Fields returns the set fields as log key/value pairs.
func (e Event) Fields() []any {
	fields := []any{"event", string(e.Type), "run_id", e.RunID}
	switch e.Type {
	case RunStarted:
		fields = append(fields, "pid", e.PID)
	case WatchdogArmed, WatchdogDisarmed:
		fields = append(fields, "epoch", e.Epoch)
	case WatchdogKilled:
		fields = append(fields, "epoch", e.Epoch)
		if e.Err != "" {
			fields = append(fields, "err", e.Err)
		}
	case RunFinished:
		fields = append(fields, "lines", e.Lines)
	case RunFailed:
		fields = append(fields, "lines", e.Lines, "exit_code", e.ExitCode, "err", e.Err)
	}
	return fields
}

// Publisher accepts events. Publish must not block.
type Publisher interface {
	Publish(Event)
}

// Handler consumes events on the subscription's own goroutine.
type Handler func(Event)

// Option configures New.
type Option func(*Bus)

// WithQueue sets the per-subscriber queue length.
func WithQueue(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queue = n
		}
	}
}

// WithLogger reports dropped events to logger.
func WithLogger(logger *log.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// Bus delivers each event to every interested subscriber in publish order.
// A subscriber whose queue is full misses the event; Dropped counts those.
type Bus struct {
	mu      sync.RWMutex
	subs    []*subscription
	closed  bool
	queue   int
	logger  *log.Logger
	dropped atomic.Uint64
	drained sync.WaitGroup
}

type subscription struct {
	only   map[Type]bool
	events chan Event
}

func (s *subscription) wants(t Type) bool {
	return len(s.only) == 0 || s.only[t]
}

// New returns an open bus.
func New(options ...Option) *Bus {
	b := &Bus{queue: DefaultQueue, logger: log.New(io.Discard)}
	for _, option := range options {
		if option != nil {
			option(b)
		}
	}
	return b
}

// Subscribe runs handler for events of the listed types, or of every type when
// none is listed. Subscribing to a closed bus does nothing.
func (b *Bus) Subscribe(handler Handler, types ...Type) {
	if handler == nil {
		return
	}
	sub := &subscription{events: make(chan Event, b.queue)}
	if len(types) > 0 {
		sub.only = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.only[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.subs = append(b.subs, sub)
	b.drained.Add(1)
	go func() {
		defer b.drained.Done()
		for event := range sub.events {
			handler(event)
		}
	}()
}

// Publish queues event for its subscribers without blocking. Events published
// after Close are discarded.
func (b *Bus) Publish(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.wants(event.Type) {
			continue
		}
		select {
		case sub.events <- event:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event queue full, dropping event", event.Fields()...)
		}
	}
}

// Dropped returns how many deliveries were skipped because a queue was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close stops delivery and waits until every handler has seen its queued events.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.events)
	}
	b.mu.Unlock()

	b.drained.Wait()
}
