// Package supervisor runs an interpreter process, streams its sanitized output to
// the caller one record at a time and enforces the #OLYMPUS# idle watchdog protocol.
package supervisor

import (
	"context"
	"errors"
	"io"
	"iter"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/olympus-tools/ahornrun/internal/events"
	"github.com/olympus-tools/ahornrun/internal/watchdog"
)

// defaultWaitDelay bounds how long Wait keeps draining pipes held open by
// descendants after the interpreter itself has exited.
const defaultWaitDelay = 5 * time.Second

// DepotMode selects the dependency path the interpreter runs against.
type DepotMode int

const (
	// DepotDefault lets the process factory apply its configured default.
	DepotDefault DepotMode = iota
	// DepotLocal isolates the run in the tool's private depot.
	DepotLocal
	// DepotShared uses the user's regular depot.
	DepotShared
)

func (m DepotMode) String() string {
	switch m {
	case DepotLocal:
		return "local"
	case DepotShared:
		return "shared"
	default:
		return "default"
	}
}

// Record is one sanitized line of interpreter output. IsError is always false and
// Tag always empty for records produced by a run.
type Record struct {
	Text             string `json:"text"`
	IsError          bool   `json:"isError"`
	Tag              string `json:"tag"`
	IsProgressUpdate bool   `json:"isProgressUpdate"`
}

// ProcessFactory builds the interpreter command for a script. The returned command
// must not be started. A non-empty artifact path names a file the supervisor deletes
// once the run ends, whatever the outcome.
type ProcessFactory interface {
	NewProcess(ctx context.Context, script string, depot DepotMode) (cmd *exec.Cmd, artifact string, err error)
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithLogger configures the run logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
			s.loggerHasRunID = false
		}
	}
}

// WithCorrelatedLogger configures a run logger whose records already carry the
// run ID, so runs do not add a second run_id field.
func WithCorrelatedLogger(logger *log.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
			s.loggerHasRunID = true
		}
	}
}

// WithTracer configures the tracer for run spans. The global provider is used otherwise.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Supervisor) {
		s.tracer = tracer
	}
}

// WithEventBus publishes run lifecycle events to bus.
func WithEventBus(bus events.Publisher) Option {
	return func(s *Supervisor) {
		s.bus = bus
	}
}

// Supervisor starts runs. It holds no per-run state and is safe for concurrent use.
type Supervisor struct {
	factory    ProcessFactory
	logger     *log.Logger
	tracer     trace.Tracer
	bus        events.Publisher
	idleBudget time.Duration
	waitDelay  time.Duration

	loggerHasRunID bool
}

// New constructs a Supervisor around factory.
func New(factory ProcessFactory, options ...Option) (*Supervisor, error) {
	if factory == nil {
		return nil, errors.New("process factory is required")
	}

	s := &Supervisor{
		factory:    factory,
		logger:     log.New(io.Discard),
		idleBudget: watchdog.IdleBudget,
		waitDelay:  defaultWaitDelay,
	}
	for _, option := range options {
		if option != nil {
			option(s)
		}
	}
	return s, nil
}

type runIDKey struct{}

// ContextWithRunID attaches a run ID used for logs, spans and events.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, strings.TrimSpace(runID))
}

// RunIDFromContext returns the run ID attached by ContextWithRunID.
func RunIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	runID, _ := ctx.Value(runIDKey{}).(string)
	return runID
}

// Run returns the lazy record sequence of one interpreter run. Nothing happens until
// the sequence is iterated, and it can be iterated once. A fatal error is yielded
// exactly once as the final element. Breaking out of the loop early kills the
// process. The temporary artifact is removed before iteration returns.
func (s *Supervisor) Run(ctx context.Context, script string, depot DepotMode) iter.Seq2[Record, error] {
	var consumed atomic.Bool
	return func(yield func(Record, error) bool) {
		if !consumed.CompareAndSwap(false, true) {
			yield(Record{}, ErrAlreadyConsumed)
			return
		}

		runCtx := ctx
		if runCtx == nil {
			runCtx = context.Background()
		}
		runID := RunIDFromContext(runCtx)
		if runID == "" {
			runID = uuid.NewString()
		}

		r := newRun(runCtx, s, runID, script, depot)
		defer r.close()
		r.execute(yield)
	}
}

// Collect drains a run and returns every record, or the fatal error with the
// records delivered before it.
func Collect(seq iter.Seq2[Record, error]) ([]Record, error) {
	var records []Record
	for record, err := range seq {
		if err != nil {
			return records, err
		}
		records = append(records, record)
	}
	return records, nil
}
