package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/olympus-tools/ahornrun/internal/events"
	"github.com/olympus-tools/ahornrun/internal/protocol"
	"github.com/olympus-tools/ahornrun/internal/sanitize"
	"github.com/olympus-tools/ahornrun/internal/tracing"
	"github.com/olympus-tools/ahornrun/internal/watchdog"
)

var (
	errRunAborted    = errors.New("run aborted before completion")
	errProcessReaped = errors.New("process already reaped")
)

// run is the session state of one Run iteration. It is owned by the iterating
// goroutine; only the watchdog touches the process concurrently, and only to kill it.
type run struct {
	sup    *Supervisor
	ctx    context.Context
	id     string
	script string
	depot  DepotMode
	logger *log.Logger
	span   *tracing.RunSpan

	cmd      *exec.Cmd
	stdout   io.ReadCloser
	stderr   bytes.Buffer
	artifact string
	dog      *watchdog.Watchdog
	unwatch  func() bool
	started  bool
	lines    int

	// killMu orders kills against the reap. reaped is written only by the
	// iterating goroutine, under killMu.
	killMu sync.Mutex
	reaped bool
}

func newRun(ctx context.Context, sup *Supervisor, runID, script string, depot DepotMode) *run {
	spanCtx, span := tracing.StartRun(ctx, sup.tracer, tracing.RunAttributes{
		RunID:       runID,
		DepotMode:   depot.String(),
		ScriptBytes: len(script),
	})
	logger := sup.logger
	if !sup.loggerHasRunID {
		logger = logger.With("run_id", runID)
	}
	return &run{
		sup:    sup,
		ctx:    spanCtx,
		id:     runID,
		script: script,
		depot:  depot,
		logger: logger,
		span:   span,
	}
}

func (r *run) execute(yield func(Record, error) bool) {
	if err := r.start(); err != nil {
		r.fail(yield, err)
		return
	}

	reader := bufio.NewReader(r.stdout)
	for {
		raw, readErr := reader.ReadString('\n')
		if raw == "" && readErr != nil {
			r.endOfOutput(readErr)
			break
		}
		if !r.handle(strings.TrimSuffix(strings.TrimSuffix(raw, "\n"), "\r"), yield) {
			return
		}
		if readErr != nil {
			r.endOfOutput(readErr)
			break
		}
	}

	if err := r.wait(); err != nil {
		r.fail(yield, err)
		return
	}
	r.succeed()
}

func (r *run) start() error {
	cmd, artifact, err := r.sup.factory.NewProcess(r.ctx, r.script, r.depot)
	r.artifact = artifact
	if err != nil {
		return fmt.Errorf("create julia process: %w", err)
	}
	if cmd == nil {
		return errors.New("create julia process: factory returned no command")
	}
	r.cmd = cmd

	if cmd.Stderr == nil {
		cmd.Stderr = &r.stderr
	}
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = r.sup.waitDelay
	}
	if cmd.Cancel != nil {
		cmd.Cancel = r.kill
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("open julia stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start julia: %w", err)
	}
	r.started = true
	r.stdout = stdout
	if cmd.Cancel == nil {
		r.unwatch = context.AfterFunc(r.ctx, func() {
			if err := r.kill(); err != nil {
				r.logger.Debug("kill julia on cancel", "err", err)
			}
		})
	}

	r.dog = watchdog.New(
		r.sup.idleBudget,
		r.kill,
		watchdog.WithLogger(r.logger),
		watchdog.WithHooks(watchdog.Hooks{
			OnArm: func(epoch uint64) {
				r.span.Arm(epoch)
				r.publish(events.Event{Type: events.WatchdogArmed, Epoch: epoch})
			},
			OnDisarm: func(epoch uint64) {
				r.span.Disarm(epoch)
				r.publish(events.Event{Type: events.WatchdogDisarmed, Epoch: epoch})
			},
			OnKill: func(epoch uint64, err error) {
				r.span.Kill(epoch)
				event := events.Event{Type: events.WatchdogKilled, Epoch: epoch}
				if err != nil {
					event.Err = err.Error()
				}
				r.publish(event)
			},
		}),
	)

	if len(cmd.Args) > 0 {
		r.span.Command(cmd.Path, cmd.Args[1:])
	}
	r.logger.Info("julia started", "pid", cmd.Process.Pid, "depot", r.depot.String(), "artifact", r.artifact)
	r.publish(events.Event{Type: events.RunStarted, PID: cmd.Process.Pid})
	return nil
}

// handle processes one output line and reports whether reading should continue.
func (r *run) handle(line string, yield func(Record, error) bool) bool {
	directive := protocol.Decode(line)
	switch directive.Kind {
	case protocol.KindArmTimeout:
		if !r.dog.Arm() {
			r.logger.Debug("ignoring TIMEOUT START", "armed", r.dog.Armed(), "terminated", r.dog.Terminated())
		}
		return true

	case protocol.KindDisarmTimeout:
		r.dog.Disarm()
		return true

	case protocol.KindUnknown:
		r.logger.Error("unknown directive, killing julia", "directive", directive.Text)
		r.terminate()
		r.fail(yield, &RunError{
			Kind:      KindUnknownDirective,
			ExitCode:  r.exitCode(),
			Stderr:    strings.TrimSpace(r.stderr.String()),
			Directive: directive.Text,
			Cause:     directive.Err(),
		})
		return false

	default:
		r.dog.Activity()
		r.lines++
		text, progress := sanitize.Line(directive.Text)
		if !yield(Record{Text: text, IsProgressUpdate: progress}, nil) {
			r.logger.Debug("consumer stopped reading, killing julia", "lines", r.lines)
			r.terminate()
			r.span.End(r.lines, r.exitCode(), "", errRunAborted)
			return false
		}
		return true
	}
}

func (r *run) endOfOutput(err error) {
	if r.dog.Armed() {
		r.logger.Debug("julia closed stdout inside an armed window")
	}
	if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
		return
	}
	r.logger.Debug("julia stdout read failed", "err", err)
}

// wait reaps the process after its output closed and classifies the exit.
func (r *run) wait() error {
	waitErr := r.reap()
	r.dog.Stop()

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		if r.cmd.ProcessState == nil {
			return fmt.Errorf("wait for julia: %w", waitErr)
		}
		r.logger.Debug("julia wait returned", "err", waitErr)
	}

	exitCode := r.exitCode()
	stderr := strings.TrimSpace(r.stderr.String())
	var runErr error
	// A kill that raced a clean exit leaves exit code 0; the run succeeded.
	switch {
	case exitCode == 0:
		return nil
	case r.dog.Killed():
		runErr = &RunError{Kind: KindWatchdogTimeout, ExitCode: exitCode, Stderr: stderr, IdleBudget: r.sup.idleBudget}
	default:
		runErr = &RunError{Kind: KindAbnormalExit, ExitCode: exitCode, Stderr: stderr}
	}
	if ctxErr := r.ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, runErr)
	}
	return runErr
}

// terminate kills and reaps a process that is still running. Kill errors are
// expected when the process already exited and are only logged.
func (r *run) terminate() {
	if r.cmd == nil || !r.started || r.reaped {
		return
	}
	if err := r.kill(); err != nil {
		r.logger.Debug("kill julia", "err", err)
	}
	if err := r.reap(); err != nil {
		r.logger.Debug("reap julia", "err", err)
	}
	if r.dog != nil {
		r.dog.Stop()
	}
}

// kill signals the started process unless it has been reaped; its pid and
// process group ID may belong to another process by then.
func (r *run) kill() error {
	r.killMu.Lock()
	defer r.killMu.Unlock()
	if r.reaped || processReaped(r.cmd) {
		return errProcessReaped
	}
	return killProcess(r.cmd)
}

func (r *run) reap() error {
	err := r.cmd.Wait()
	r.killMu.Lock()
	r.reaped = true
	r.killMu.Unlock()
	r.stopWatchingContext()
	return err
}

func (r *run) stopWatchingContext() {
	if r.unwatch != nil {
		r.unwatch()
		r.unwatch = nil
	}
}

// close runs on every exit path, panics included.
func (r *run) close() {
	r.terminate()
	if r.dog != nil {
		r.dog.Stop()
	}
	r.removeArtifact()
	r.span.End(r.lines, r.exitCode(), "", errRunAborted)
}

func (r *run) removeArtifact() {
	if r.artifact == "" {
		return
	}
	if err := os.Remove(r.artifact); err != nil && !errors.Is(err, fs.ErrNotExist) {
		r.logger.Warn("remove temporary script", "path", r.artifact, "err", err)
		return
	}
	r.logger.Debug("removed temporary script", "path", r.artifact)
}

func (r *run) fail(yield func(Record, error) bool, err error) {
	stderr := strings.TrimSpace(r.stderr.String())
	r.span.End(r.lines, r.exitCode(), stderr, err)
	r.logger.Error("julia run failed", "err", err, "lines", r.lines, "exit_code", r.exitCode())
	r.publish(events.Event{Type: events.RunFailed, Lines: r.lines, ExitCode: r.exitCode(), Err: err.Error()})
	yield(Record{}, err)
}

func (r *run) succeed() {
	r.span.End(r.lines, r.exitCode(), "", nil)
	r.logger.Info("julia run finished", "lines", r.lines)
	r.publish(events.Event{Type: events.RunFinished, Lines: r.lines})
}

func (r *run) exitCode() int {
	if r.cmd == nil || r.cmd.ProcessState == nil {
		return -1
	}
	return r.cmd.ProcessState.ExitCode()
}

func (r *run) publish(event events.Event) {
	if r.sup.bus == nil {
		return
	}
	event.RunID = r.id
	r.sup.bus.Publish(event)
}
