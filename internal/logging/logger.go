// Package logging writes one JSON log file per ahornrun invocation.
package logging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/trace"

	"github.com/olympus-tools/ahornrun/internal/config"
)

// SubDir is the log directory inside the per-user settings directory.
const SubDir = "logs"

const stampLayout = "20060102-150405"

// Option configures New.
type Option func(*settings)

type settings struct {
	dir   string
	level log.Level
	runID string
	now   func() time.Time
}

// WithDir writes the log file to dir instead of DefaultDir.
func WithDir(dir string) Option {
	return func(s *settings) {
		s.dir = strings.TrimSpace(dir)
	}
}

// WithLevel sets the minimum level written. Info by default.
func WithLevel(level log.Level) Option {
	return func(s *settings) {
		s.level = level
	}
}

// WithRunID tags the file name and every record with runID.
func WithRunID(runID string) Option {
	return func(s *settings) {
		s.runID = strings.TrimSpace(runID)
	}
}

// RuntimeLogger owns the log file of one invocation. Logger carries run_id and,
// once Bind has seen a valid span, trace_id and span_id. Nothing goes to stdout.
type RuntimeLogger struct {
	Logger *log.Logger

	root  *log.Logger
	file  *os.File
	dir   string
	path  string
	runID string
}

// DefaultDir is ~/.ahornrun/logs.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, config.DirName, SubDir), nil
}

// FileName names the log file of an invocation started at start.
func FileName(start time.Time, runID string) string {
	name := "ahornrun-" + start.UTC().Format(stampLayout)
	if runID != "" {
		name += "-" + runID
	}
	return name + ".log"
}

// New opens a fresh log file and returns its logger.
func New(options ...Option) (*RuntimeLogger, error) {
	s := settings{level: log.InfoLevel, now: time.Now}
	for _, option := range options {
		if option != nil {
			option(&s)
		}
	}

	dir := s.dir
	if dir == "" {
		var err error
		if dir, err = DefaultDir(); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	path := filepath.Join(dir, FileName(s.now(), s.runID))
	// #nosec G304 -- path is built from the log directory and a generated name.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	root := log.NewWithOptions(file, log.Options{
		Level:           s.level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	root.SetFormatter(log.JSONFormatter)

	r := &RuntimeLogger{root: root, file: file, dir: dir, path: path, runID: s.runID}
	r.Logger = r.correlated(trace.SpanContext{})
	r.Logger.Debug("log file opened", "path", path)
	return r, nil
}

// Bind adds the trace and span IDs of the span in ctx to subsequent records and
// returns the updated Logger. A context without a valid span clears them.
func (r *RuntimeLogger) Bind(ctx context.Context) *log.Logger {
	if r == nil {
		return nil
	}
	r.Logger = r.correlated(trace.SpanContextFromContext(ctx))
	return r.Logger
}

func (r *RuntimeLogger) correlated(span trace.SpanContext) *log.Logger {
	fields := make([]any, 0, 6)
	if r.runID != "" {
		fields = append(fields, "run_id", r.runID)
	}
	if span.IsValid() {
		fields = append(fields, "trace_id", span.TraceID().String(), "span_id", span.SpanID().String())
	}
	return r.root.With(fields...)
}

// RunID returns the run ID records are tagged with.
func (r *RuntimeLogger) RunID() string {
	if r == nil {
		return ""
	}
	return r.runID
}

// Dir returns the directory holding the log file.
func (r *RuntimeLogger) Dir() string {
	if r == nil {
		return ""
	}
	return r.dir
}

// Path returns the log file path.
func (r *RuntimeLogger) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

// Close closes the log file.
func (r *RuntimeLogger) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	return r.file.Close()
}
