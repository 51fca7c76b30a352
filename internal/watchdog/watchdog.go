// Package watchdog kills a supervised process that stays silent for too long inside
// an armed window.
//
// A Watchdog starts disarmed. Arm starts one timer goroutine; Disarm invalidates it.
// Every piece of state shared with the timer goroutine is an atomic or a channel, and
// the timer re-validates its epoch and the activity counter after every wait, so
// arbitrary interleavings of Arm, Disarm, Activity and Stop never produce a kill
// outside an armed, silent window.
package watchdog

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// IdleBudget is the longest an armed window may pass without output before the
// process is killed.
const IdleBudget = 10 * time.Minute

// Hooks observe watchdog transitions. OnKill runs on the timer goroutine.
type Hooks struct {
	OnArm    func(epoch uint64)
	OnDisarm func(epoch uint64)
	OnKill   func(epoch uint64, err error)
}

// Option customizes a Watchdog.
type Option func(*Watchdog)

// WithLogger configures the logger used for transitions and swallowed kill errors.
func WithLogger(logger *log.Logger) Option {
	return func(w *Watchdog) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithHooks installs transition callbacks.
func WithHooks(hooks Hooks) Option {
	return func(w *Watchdog) {
		w.hooks = hooks
	}
}

// Watchdog is driven by a single goroutine (the output reader) calling Arm, Disarm,
// Activity and Stop. Killed and Terminated are safe from any goroutine.
type Watchdog struct {
	budget time.Duration
	kill   func() error
	logger *log.Logger
	hooks  Hooks

	epoch      atomic.Uint64
	activity   atomic.Uint64
	terminated atomic.Bool
	killed     atomic.Bool

	// wake is a manual-reset signal: signal leaves one token, reset drains it.
	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	timers   sync.WaitGroup

	// live is owned by the driving goroutine.
	live *timer
}

type timer struct {
	epoch  uint64
	cancel chan struct{}
}

// New builds a disarmed watchdog that calls kill when an armed window expires. A
// non-positive budget selects IdleBudget.
func New(budget time.Duration, kill func() error, options ...Option) *Watchdog {
	if budget <= 0 {
		budget = IdleBudget
	}
	w := &Watchdog{
		budget: budget,
		kill:   kill,
		logger: log.New(io.Discard),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	for _, option := range options {
		if option != nil {
			option(w)
		}
	}
	return w
}

// Arm starts a timer if none is live. Arming while already armed is a no-op and
// does not restart the idle window; it reports whether a new timer was started.
func (w *Watchdog) Arm() bool {
	if w.live != nil || w.terminated.Load() {
		return false
	}

	epoch := w.epoch.Add(1)
	w.reset()
	t := &timer{epoch: epoch, cancel: make(chan struct{})}
	w.live = t
	w.timers.Add(1)
	go w.watch(t)

	w.logger.Debug("watchdog armed", "epoch", epoch, "budget", w.budget)
	if w.hooks.OnArm != nil {
		w.hooks.OnArm(epoch)
	}
	return true
}

// Disarm invalidates any live timer. It is valid in every state.
func (w *Watchdog) Disarm() {
	epoch := w.epoch.Add(1)
	if w.live != nil {
		close(w.live.cancel)
		w.live = nil
	}
	w.signal()

	w.logger.Debug("watchdog disarmed", "epoch", epoch)
	if w.hooks.OnDisarm != nil {
		w.hooks.OnDisarm(epoch)
	}
}

// Activity records one line of output and wakes the live timer.
func (w *Watchdog) Activity() {
	w.activity.Add(1)
	w.signal()
}

// Stop marks the run terminated and waits for every timer goroutine, stale ones
// included, to return. Timers never kill after Stop has begun.
func (w *Watchdog) Stop() {
	w.terminated.Store(true)
	w.signal()
	w.stopOnce.Do(func() {
		close(w.stop)
	})
	w.live = nil
	w.timers.Wait()
}

// Armed reports whether a timer is live. Only meaningful on the driving goroutine.
func (w *Watchdog) Armed() bool {
	return w.live != nil
}

// Killed reports whether a timer expired and the kill function succeeded.
func (w *Watchdog) Killed() bool {
	return w.killed.Load()
}

// Terminated reports whether the run is over, by Stop or by a kill.
func (w *Watchdog) Terminated() bool {
	return w.terminated.Load()
}

func (w *Watchdog) watch(t *timer) {
	defer w.timers.Done()

	lastSeen := w.activity.Load()
	for !w.terminated.Load() && w.epoch.Load() == t.epoch {
		timedOut := w.wait(t)
		w.reset()
		if timedOut &&
			!w.terminated.Load() &&
			w.epoch.Load() == t.epoch &&
			w.activity.Load() == lastSeen {
			w.fire(t.epoch)
			return
		}
		lastSeen = w.activity.Load()
	}
}

// wait blocks for one idle window and reports whether it elapsed unwoken.
func (w *Watchdog) wait(t *timer) bool {
	idle := time.NewTimer(w.budget)
	defer idle.Stop()

	select {
	case <-idle.C:
		return true
	case <-w.wake:
		return false
	case <-t.cancel:
		return false
	case <-w.stop:
		return false
	}
}

func (w *Watchdog) fire(epoch uint64) {
	if !w.terminated.CompareAndSwap(false, true) {
		return
	}

	var err error
	if w.kill != nil {
		err = w.kill()
	}
	if err != nil {
		w.logger.Debug("watchdog kill failed", "epoch", epoch, "err", err)
	} else {
		w.killed.Store(true)
		w.logger.Warn("watchdog killed idle process", "epoch", epoch, "budget", w.budget)
	}
	if w.hooks.OnKill != nil {
		w.hooks.OnKill(epoch, err)
	}
}

func (w *Watchdog) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Watchdog) reset() {
	select {
	case <-w.wake:
	default:
	}
}
