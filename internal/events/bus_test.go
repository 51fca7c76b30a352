package events

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector records delivered events for later assertions.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(event Event) {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
}

func (c *collector) types() []Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]Type, 0, len(c.events))
	for _, event := range c.events {
		types = append(types, event.Type)
	}
	return types
}

func TestSubscribeFiltersByType(t *testing.T) {
	t.Parallel()

	bus := New()
	var watchdog, all collector
	bus.Subscribe(watchdog.handle, WatchdogArmed, WatchdogKilled)
	bus.Subscribe(all.handle)

	for _, typ := range []Type{RunStarted, WatchdogArmed, WatchdogDisarmed, WatchdogKilled, RunFailed} {
		bus.Publish(Event{Type: typ, RunID: "run-1"})
	}
	bus.Close()

	assert.Equal(t, []Type{WatchdogArmed, WatchdogKilled}, watchdog.types())
	assert.Equal(t, []Type{RunStarted, WatchdogArmed, WatchdogDisarmed, WatchdogKilled, RunFailed}, all.types())
}

func TestPublishStampsTimeAndKeepsFields(t *testing.T) {
	t.Parallel()

	bus := New()
	var got collector
	bus.Subscribe(got.handle)

	fixed := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	bus.Publish(Event{Type: RunFinished, RunID: "run-2", Lines: 14})
	bus.Publish(Event{Type: RunFinished, RunID: "run-3", Time: fixed})
	bus.Close()

	require.Len(t, got.events, 2)
	assert.False(t, got.events[0].Time.IsZero())
	assert.Equal(t, 14, got.events[0].Lines)
	assert.Equal(t, fixed, got.events[1].Time)
}

func TestPublishDropsWhenQueueIsFull(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	bus := New(WithQueue(1), WithLogger(log.NewWithOptions(&logs, log.Options{Formatter: log.JSONFormatter})))

	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	bus.Subscribe(func(Event) {
		once.Do(func() { close(started) })
		<-release
	})

	bus.Publish(Event{Type: WatchdogArmed, RunID: "run-4", Epoch: 1})
	<-started
	bus.Publish(Event{Type: WatchdogDisarmed, RunID: "run-4", Epoch: 1})

	done := make(chan struct{})
	go func() {
		bus.Publish(Event{Type: WatchdogArmed, RunID: "run-4", Epoch: 2})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full queue")
	}

	assert.Equal(t, uint64(1), bus.Dropped())
	assert.Contains(t, logs.String(), "event queue full")
	assert.Contains(t, logs.String(), `"epoch":2`)

	close(release)
	bus.Close()
}

func TestCloseDrainsQueueAndIgnoresLaterCalls(t *testing.T) {
	t.Parallel()

	bus := New()
	var got collector
	bus.Subscribe(got.handle)
	for i := range 5 {
		bus.Publish(Event{Type: WatchdogArmed, Epoch: uint64(i + 1)})
	}
	bus.Close()
	require.Len(t, got.types(), 5)

	var late collector
	bus.Publish(Event{Type: RunFinished})
	bus.Subscribe(late.handle)
	bus.Close()

	assert.Len(t, got.types(), 5)
	assert.Empty(t, late.types())
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	t.Parallel()

	bus := New(WithQueue(4096))
	var got collector
	bus.Subscribe(got.handle)

	var wg sync.WaitGroup
	for p := range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := range 100 {
				bus.Publish(Event{Type: WatchdogDisarmed, PID: p, Epoch: uint64(i)})
			}
		}()
		go func() {
			defer wg.Done()
			bus.Subscribe(func(Event) {}, WatchdogDisarmed)
		}()
	}
	wg.Wait()
	bus.Close()

	assert.Equal(t, 800, len(got.types())+int(bus.Dropped()))
}

func TestEventFields(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		event Event
		want  []any
	}{
		{
			name:  "started",
			event: Event{Type: RunStarted, RunID: "r", PID: 42},
			want:  []any{"event", "run.started", "run_id", "r", "pid", 42},
		},
		{
			name:  "kill without error",
			event: Event{Type: WatchdogKilled, RunID: "r", Epoch: 3},
			want:  []any{"event", "watchdog.killed", "run_id", "r", "epoch", uint64(3)},
		},
		{
			name:  "kill with error",
			event: Event{Type: WatchdogKilled, RunID: "r", Epoch: 3, Err: "no such process"},
			want:  []any{"event", "watchdog.killed", "run_id", "r", "epoch", uint64(3), "err", "no such process"},
		},
		{
			name:  "failed",
			event: Event{Type: RunFailed, RunID: "r", Lines: 2, ExitCode: 137, Err: "boom"},
			want:  []any{"event", "run.failed", "run_id", "r", "lines", 2, "exit_code", 137, "err", "boom"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.event.Fields())
		})
	}
}
