package protocol

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// Prefix marks a line on the child's stdout as a supervisor directive.
	Prefix = "#OLYMPUS# "

	// CommandTimeoutStart arms the idle watchdog.
	CommandTimeoutStart = "TIMEOUT START"
	// CommandTimeoutEnd disarms the idle watchdog.
	CommandTimeoutEnd = "TIMEOUT END"
)

// ErrUnknownDirective indicates the child emitted a directive this protocol does not define.
var ErrUnknownDirective = errors.New("unknown directive")

// Kind classifies one decoded output line.
type Kind int

const (
	// KindOrdinary is regular program output.
	KindOrdinary Kind = iota
	// KindArmTimeout requests the idle watchdog be armed.
	KindArmTimeout
	// KindDisarmTimeout requests the idle watchdog be disarmed.
	KindDisarmTimeout
	// KindUnknown is a prefixed line with an unrecognized command.
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindOrdinary:
		return "ordinary"
	case KindArmTimeout:
		return "arm_timeout"
	case KindDisarmTimeout:
		return "disarm_timeout"
	case KindUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Directive is the decoded form of one raw output line. Text holds the raw line for
// KindOrdinary and the command remainder for KindUnknown.
type Directive struct {
	Kind Kind
	Text string
}

// UnknownDirectiveError reports an unrecognized command following Prefix.
type UnknownDirectiveError struct {
	Command string
}

func (e *UnknownDirectiveError) Error() string {
	return fmt.Sprintf("unexpected %scommand: %q", Prefix, e.Command)
}

func (e *UnknownDirectiveError) Unwrap() error {
	return ErrUnknownDirective
}

// Decode classifies raw. Only an exact, case-sensitive Prefix match is treated as a
// directive; everything else is ordinary output returned untouched.
func Decode(raw string) Directive {
	command, ok := strings.CutPrefix(raw, Prefix)
	if !ok {
		return Directive{Kind: KindOrdinary, Text: raw}
	}
	switch command {
	case CommandTimeoutStart:
		return Directive{Kind: KindArmTimeout}
	case CommandTimeoutEnd:
		return Directive{Kind: KindDisarmTimeout}
	default:
		return Directive{Kind: KindUnknown, Text: command}
	}
}

// Err returns a non-nil error only for KindUnknown.
func (d Directive) Err() error {
	if d.Kind != KindUnknown {
		return nil
	}
	return &UnknownDirectiveError{Command: d.Text}
}
