package tracing

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TracerName identifies spans emitted for supervised runs.
	TracerName = "ahornrun/supervisor"

	// SpanNameRun is the span covering one interpreter run.
	SpanNameRun = "julia.run"

	// EventArm, EventDisarm and EventKill mark watchdog transitions on the run span.
	EventArm    = "watchdog.arm"
	EventDisarm = "watchdog.disarm"
	EventKill   = "watchdog.kill"
	// EventStderr carries the bounded stderr text of a failed run.
	EventStderr = "julia.stderr"

	maxOutputEventBytes = 1024
)

// RunAttributes describes a run at span start.
type RunAttributes struct {
	RunID       string
	DepotMode   string
	ScriptBytes int
}

// RunSpan wraps the span of one run. All methods are safe for concurrent use and
// tolerate a nil receiver.
type RunSpan struct {
	span    trace.Span
	started time.Time
	ended   atomic.Bool
}

// StartRun opens the run span. A nil tracer selects the global provider.
func StartRun(ctx context.Context, tracer trace.Tracer, attrs RunAttributes) (context.Context, *RunSpan) {
	if ctx == nil {
		ctx = context.Background()
	}
	if tracer == nil {
		tracer = otel.Tracer(TracerName)
	}

	spanCtx, span := tracer.Start(
		ctx,
		SpanNameRun,
		trace.WithAttributes(
			attribute.String("run_id", strings.TrimSpace(attrs.RunID)),
			attribute.String("depot_mode", attrs.DepotMode),
			attribute.Int("script_bytes", attrs.ScriptBytes),
		),
	)
	return spanCtx, &RunSpan{span: span, started: time.Now()}
}

// Command records the redacted interpreter command line.
func (r *RunSpan) Command(name string, args []string) {
	if r == nil {
		return
	}
	r.span.SetAttributes(attribute.String("command", FormatCommand(name, redactArgs(args))))
}

// Arm records a watchdog arm transition.
func (r *RunSpan) Arm(epoch uint64) {
	r.event(EventArm, epoch)
}

// Disarm records a watchdog disarm transition.
func (r *RunSpan) Disarm(epoch uint64) {
	r.event(EventDisarm, epoch)
}

// Kill records the watchdog killing the process.
func (r *RunSpan) Kill(epoch uint64) {
	r.event(EventKill, epoch)
}

// End closes the span with the run outcome. Only the first call has effect.
func (r *RunSpan) End(lines int, exitCode int, stderr string, err error) {
	if r == nil || !r.ended.CompareAndSwap(false, true) {
		return
	}
	defer r.span.End()

	r.span.SetAttributes(
		attribute.Int("lines", lines),
		attribute.Int("exit_code", exitCode),
		attribute.Int64("duration_ms", time.Since(r.started).Milliseconds()),
	)
	if stderr = strings.TrimSpace(stderr); stderr != "" {
		r.span.AddEvent(
			EventStderr,
			trace.WithAttributes(attribute.String("output", truncateOutput(stderr, maxOutputEventBytes))),
		)
	}
	if err != nil {
		r.span.RecordError(err)
		r.span.SetStatus(codes.Error, err.Error())
		return
	}
	r.span.SetStatus(codes.Ok, "run completed")
}

func (r *RunSpan) event(name string, epoch uint64) {
	if r == nil {
		return
	}
	r.span.AddEvent(name, trace.WithAttributes(attribute.Int64("epoch", int64(epoch))))
}

func truncateOutput(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	const marker = "...[truncated]"
	if limit <= len(marker) {
		return value[:limit]
	}
	return value[:limit-len(marker)] + marker
}

func redactArgs(args []string) []string {
	redacted := make([]string, 0, len(args))
	maskNext := false

	for _, arg := range args {
		if maskNext {
			redacted = append(redacted, "<redacted>")
			maskNext = false
			continue
		}

		trimmed := strings.TrimSpace(arg)
		if strings.Contains(trimmed, "=") {
			parts := strings.SplitN(trimmed, "=", 2)
			if len(parts) == 2 && isSensitiveToken(strings.ToLower(parts[0])) {
				redacted = append(redacted, parts[0]+"=<redacted>")
				continue
			}
		}

		if isSensitiveToken(strings.ToLower(trimmed)) {
			maskNext = true
		}
		redacted = append(redacted, trimmed)
	}

	return redacted
}

func isSensitiveToken(value string) bool {
	for _, candidate := range []string{"token", "password", "secret", "api-key", "apikey", "auth"} {
		if strings.Contains(value, candidate) {
			return true
		}
	}
	return false
}

// FormatCommand returns a deterministic command preview for traces and logs.
func FormatCommand(name string, args []string) string {
	parts := append([]string{strings.TrimSpace(name)}, args...)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return strings.Join(out, " ")
}
