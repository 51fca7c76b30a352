package supervisor

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/olympus-tools/ahornrun/internal/protocol"
)

var (
	// ErrWatchdogTimeout indicates the watchdog killed the process after an armed idle window.
	ErrWatchdogTimeout = errors.New("watchdog timeout")
	// ErrAbnormalExit indicates the process exited with a non-zero code on its own.
	ErrAbnormalExit = errors.New("abnormal exit")
	// ErrUnknownDirective indicates the process emitted an unrecognized control line.
	ErrUnknownDirective = protocol.ErrUnknownDirective
	// ErrAlreadyConsumed is yielded when a run sequence is iterated a second time.
	ErrAlreadyConsumed = errors.New("run sequence already consumed")
)

// ErrorKind classifies a fatal run error.
type ErrorKind string

const (
	// KindUnknownDirective marks a protocol violation by the child.
	KindUnknownDirective ErrorKind = "unknown_directive"
	// KindWatchdogTimeout marks a kill by the idle watchdog.
	KindWatchdogTimeout ErrorKind = "watchdog_timeout"
	// KindAbnormalExit marks a non-zero exit without a watchdog kill.
	KindAbnormalExit ErrorKind = "abnormal_exit"
)

// RunError is the single fatal error ending a run sequence.
type RunError struct {
	Kind     ErrorKind
	ExitCode int
	// Stderr is the trimmed standard error captured from the process.
	Stderr string
	// Directive is the unrecognized command for KindUnknownDirective.
	Directive string
	// IdleBudget is the expired window for KindWatchdogTimeout.
	IdleBudget time.Duration
	// Cause is the decoder error for KindUnknownDirective.
	Cause error
}

func (e *RunError) Error() string {
	switch e.Kind {
	case KindUnknownDirective:
		return e.directiveErr().Error()
	case KindWatchdogTimeout:
		return withStderr(fmt.Sprintf("julia produced no output for %s and was killed", e.IdleBudget), e.Stderr)
	default:
		return withStderr(fmt.Sprintf("julia encountered a fatal error (exit code %d)", e.ExitCode), e.Stderr)
	}
}

func (e *RunError) Unwrap() error {
	switch e.Kind {
	case KindUnknownDirective:
		return e.directiveErr()
	case KindWatchdogTimeout:
		return ErrWatchdogTimeout
	default:
		return ErrAbnormalExit
	}
}

func (e *RunError) directiveErr() error {
	if e.Cause != nil {
		return e.Cause
	}
	return &protocol.UnknownDirectiveError{Command: e.Directive}
}

func withStderr(message, stderr string) string {
	stderr = strings.TrimSpace(stderr)
	if stderr == "" {
		return message
	}
	return message + ": " + stderr
}
