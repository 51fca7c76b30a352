// Package lastrun keeps the outcome of the most recent run on disk so a later
// bug report can describe a failure after the process that saw it has exited.
package lastrun

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/olympus-tools/ahornrun/internal/supervisor"
)

// FileName is the record file inside the log directory.
const FileName = "last-run.toml"

// Run statuses.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// ErrNoRecord is returned by Load when no run has been recorded yet.
var ErrNoRecord = errors.New("no run recorded")

// Record describes one finished run.
type Record struct {
	RunID    string    `toml:"run_id"`
	TraceID  string    `toml:"trace_id,omitempty"`
	Status   string    `toml:"status"`
	Started  time.Time `toml:"started"`
	Finished time.Time `toml:"finished"`
	Lines    int       `toml:"lines"`
	LogFile  string    `toml:"log_file,omitempty"`
	Settings Settings  `toml:"settings"`
	Failure  *Failure  `toml:"failure,omitempty"`
}

// Settings are the inputs that shaped the interpreter process.
type Settings struct {
	JuliaPath string `toml:"julia_path"`
	// Depot is the requested depot mode; LocalDepot is what it resolved to.
	Depot       string `toml:"depot"`
	LocalDepot  bool   `toml:"local_depot"`
	DepotPath   string `toml:"depot_path"`
	TempDir     string `toml:"temp_dir,omitempty"`
	ScriptBytes int    `toml:"script_bytes"`
}

// Failure is the fatal error that ended a run.
type Failure struct {
	Kind       string `toml:"kind"`
	Message    string `toml:"message"`
	ExitCode   int    `toml:"exit_code"`
	Stderr     string `toml:"stderr,omitempty"`
	Directive  string `toml:"directive,omitempty"`
	IdleBudget string `toml:"idle_budget,omitempty"`
}

// Finish sets the outcome from the error the run sequence ended with.
func (r *Record) Finish(err error, finished time.Time) {
	r.Finished = finished.UTC()
	if err == nil {
		r.Status = StatusSucceeded
		r.Failure = nil
		return
	}

	r.Status = StatusFailed
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		r.Status = StatusCanceled
	}
	failure := &Failure{Kind: "error", Message: err.Error(), ExitCode: -1}
	var runErr *supervisor.RunError
	if errors.As(err, &runErr) {
		failure.Kind = string(runErr.Kind)
		failure.ExitCode = runErr.ExitCode
		failure.Stderr = runErr.Stderr
		failure.Directive = runErr.Directive
		if runErr.IdleBudget > 0 {
			failure.IdleBudget = runErr.IdleBudget.String()
		}
	}
	r.Failure = failure
}

// Save replaces the record in dir. The file is written next to its final name
// and renamed so a reader never sees a partial record.
func Save(dir string, record Record) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".last-run-*.toml")
	if err != nil {
		return fmt.Errorf("create run record: %w", err)
	}
	if err := toml.NewEncoder(tmp).Encode(record); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("encode run record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close run record: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, FileName)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("store run record: %w", err)
	}
	return nil
}

// Load reads the record in dir.
func Load(dir string) (Record, error) {
	var record Record
	if _, err := toml.DecodeFile(filepath.Join(dir, FileName), &record); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, ErrNoRecord
		}
		return Record{}, fmt.Errorf("read run record: %w", err)
	}
	return record, nil
}
