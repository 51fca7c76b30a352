package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/olympus-tools/ahornrun/internal/config"
	"github.com/olympus-tools/ahornrun/internal/events"
	"github.com/olympus-tools/ahornrun/internal/julia"
	"github.com/olympus-tools/ahornrun/internal/lastrun"
	"github.com/olympus-tools/ahornrun/internal/logging"
	"github.com/olympus-tools/ahornrun/internal/supervisor"
	"github.com/olympus-tools/ahornrun/internal/telemetry"
	"github.com/olympus-tools/ahornrun/internal/tracing"
)

const spanNameCommand = "ahornrun.run"

type runOptions struct {
	localDepot   bool
	sharedDepot  bool
	juliaPath    string
	otelEndpoint string
}

func (o runOptions) depot() supervisor.DepotMode {
	switch {
	case o.localDepot:
		return supervisor.DepotLocal
	case o.sharedDepot:
		return supervisor.DepotShared
	default:
		return supervisor.DepotDefault
	}
}

func newRunCommand(cfg *config.Config, logger *logging.RuntimeLogger, runID string) *cobra.Command {
	opts := runOptions{}
	cmd := &cobra.Command{
		Use:   "run [script.jl|-]",
		Short: "Run a Julia script and stream its output",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source := "-"
			if len(args) == 1 {
				source = args[0]
			}
			script, err := readScript(source, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return runScript(cmd.Context(), cfg, logger, runID, opts, script, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.localDepot, "local-depot", false, "run against the private ahornrun depot")
	flags.BoolVar(&opts.sharedDepot, "shared-depot", false, "run against the user's regular Julia depot")
	flags.StringVar(&opts.juliaPath, "julia", "", "path or name of the julia binary (overrides julia_path)")
	flags.StringVar(&opts.otelEndpoint, "otel-endpoint", "", "OTLP/HTTP endpoint for run traces")
	cmd.MarkFlagsMutuallyExclusive("local-depot", "shared-depot")
	return cmd
}

func readScript(source string, stdin io.Reader) (string, error) {
	if source == "-" {
		if stdin == nil {
			return "", errors.New("no script on stdin")
		}
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read script from stdin: %w", err)
		}
		return string(data), nil
	}

	// #nosec G304 -- script path is the user's explicit command-line argument.
	data, err := os.ReadFile(source)
	if err != nil {
		return "", fmt.Errorf("read script: %w", err)
	}
	return string(data), nil
}

func runScript(
	ctx context.Context,
	cfg *config.Config,
	logger *logging.RuntimeLogger,
	runID string,
	opts runOptions,
	script string,
	out io.Writer,
) error {
	provider, err := telemetry.Start(ctx, telemetry.Settings{
		Endpoint:   opts.otelEndpoint,
		Configured: cfg.OTelEndpoint,
	})
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() {
		if shutdownErr := provider.Shutdown(ctx); shutdownErr != nil {
			logger.Logger.Warn("flush traces", "err", shutdownErr)
		}
	}()

	tracer := provider.Tracer(tracing.TracerName)
	ctx, span := tracer.Start(ctx, spanNameCommand)
	defer span.End()
	runLogger := logger.Bind(ctx)

	bus := events.New(events.WithLogger(runLogger))
	defer bus.Close()
	bus.Subscribe(func(event events.Event) {
		runLogger.Debug("run event", event.Fields()...)
	})

	juliaPath := cfg.JuliaPath
	if strings.TrimSpace(opts.juliaPath) != "" {
		juliaPath = opts.juliaPath
	}
	factory := julia.NewFactory(julia.Config{
		JuliaPath:     juliaPath,
		DepotPath:     cfg.DepotPath,
		UseLocalDepot: cfg.UseLocalDepot,
		TempDir:       cfg.TempDir,
	})
	sup, err := supervisor.New(factory,
		supervisor.WithCorrelatedLogger(runLogger),
		supervisor.WithTracer(tracer),
		supervisor.WithEventBus(bus),
	)
	if err != nil {
		return err
	}

	depot := opts.depot()
	record := lastrun.Record{
		RunID:   runID,
		Started: time.Now().UTC(),
		LogFile: logger.Path(),
		Settings: lastrun.Settings{
			JuliaPath:   juliaPath,
			Depot:       depot.String(),
			LocalDepot:  factory.UsesLocalDepot(depot),
			DepotPath:   cfg.DepotPath,
			TempDir:     cfg.TempDir,
			ScriptBytes: len(script),
		},
	}
	if spanContext := span.SpanContext(); spanContext.IsValid() {
		record.TraceID = spanContext.TraceID().String()
	}

	runLogger.Info("run requested", "depot", depot.String(), "script_bytes", len(script))
	lines, runErr := stream(supervisor.ContextWithRunID(ctx, runID), sup, script, depot, newRenderer(out), runLogger)
	record.Lines = lines
	record.Finish(runErr, time.Now())
	if saveErr := lastrun.Save(logger.Dir(), record); saveErr != nil {
		runLogger.Warn("record run outcome", "err", saveErr)
	}
	return runErr
}

// stream renders records until the run ends and returns how many were written.
func stream(
	ctx context.Context,
	sup *supervisor.Supervisor,
	script string,
	depot supervisor.DepotMode,
	r *renderer,
	logger *log.Logger,
) (int, error) {
	lines := 0
	for record, err := range sup.Run(ctx, script, depot) {
		if err != nil {
			if finishErr := r.Finish(); finishErr != nil {
				logger.Debug("finish progress line", "err", finishErr)
			}
			return lines, err
		}
		if writeErr := r.Record(record); writeErr != nil {
			return lines, fmt.Errorf("write output: %w", writeErr)
		}
		lines++
	}
	return lines, r.Finish()
}
