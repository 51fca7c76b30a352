package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/olympus-tools/ahornrun/internal/config"
	"github.com/olympus-tools/ahornrun/internal/julia"
	"github.com/olympus-tools/ahornrun/internal/logging"
)

var (
	doctorLocateFn  = julia.Locate
	doctorVersionFn = julia.Version
	doctorPathsFn   = config.Paths
)

func newDoctorCommand(cfg *config.Config, logger *logging.RuntimeLogger) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the Julia interpreter and depot configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := runDoctor(cmd.Context(), cfg, cmd.OutOrStdout())
			if err != nil && logger != nil && logger.Logger != nil {
				logger.Logger.With("command", "doctor").Warn("doctor check failed", "err", err)
			}
			return err
		},
	}
}

func runDoctor(ctx context.Context, cfg *config.Config, out io.Writer) error {
	if cfg == nil {
		return errors.New("config is required")
	}

	for _, path := range doctorPathsFn() {
		state := "present"
		if _, err := os.Stat(path); err != nil {
			state = "missing"
		}
		if _, err := fmt.Fprintf(out, "config: %s (%s)\n", path, state); err != nil {
			return err
		}
	}

	defaultDepot := "shared"
	if cfg.UseLocalDepot {
		defaultDepot = "local"
	}
	if _, err := fmt.Fprintf(out, "depot: %s (default %s)\n", cfg.DepotPath, defaultDepot); err != nil {
		return err
	}

	binary, err := doctorLocateFn(cfg.JuliaPath)
	if err != nil {
		if _, writeErr := fmt.Fprintln(out, "julia: not found"); writeErr != nil {
			return writeErr
		}
		return err
	}
	version, err := doctorVersionFn(ctx, binary)
	if err != nil {
		if _, writeErr := fmt.Fprintf(out, "julia: %s (unusable)\n", binary); writeErr != nil {
			return writeErr
		}
		return err
	}
	_, err = fmt.Fprintf(out, "julia: %s (%s)\n", binary, version)
	return err
}
