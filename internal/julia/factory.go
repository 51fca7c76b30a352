// Package julia builds Julia interpreter processes for the supervisor.
package julia

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/olympus-tools/ahornrun/internal/supervisor"
)

const (
	// DepotEnv is the variable Julia reads its depot search path from.
	DepotEnv = "JULIA_DEPOT_PATH"

	scriptPattern = "ahornrun-*.jl"
)

// Args are passed ahead of the script path. They keep the interpreter output free of
// color codes and avoid touching the user's REPL history and startup file.
var Args = []string{"--color=no", "--history-file=no", "--startup-file=no"}

// Config selects the interpreter and depot for new processes.
type Config struct {
	JuliaPath     string
	DepotPath     string
	UseLocalDepot bool
	TempDir       string
}

// Factory implements supervisor.ProcessFactory for Julia.
type Factory struct {
	cfg      Config
	lookPath func(file string) (string, error)
	environ  func() []string
}

// NewFactory returns a factory for cfg.
func NewFactory(cfg Config) *Factory {
	return &Factory{
		cfg:      cfg,
		lookPath: exec.LookPath,
		environ:  os.Environ,
	}
}

// NewProcess writes script to a temporary .jl file and returns an unstarted julia
// command running it, together with that file's path.
func (f *Factory) NewProcess(ctx context.Context, script string, depot supervisor.DepotMode) (*exec.Cmd, string, error) {
	binary, err := locate(f.cfg.JuliaPath, f.lookPath)
	if err != nil {
		return nil, "", err
	}

	env := f.environ()
	if f.UsesLocalDepot(depot) {
		if strings.TrimSpace(f.cfg.DepotPath) == "" {
			return nil, "", errors.New("local depot requested but depot_path is empty")
		}
		if err := os.MkdirAll(f.cfg.DepotPath, 0o750); err != nil {
			return nil, "", fmt.Errorf("create julia depot: %w", err)
		}
		env = setEnv(env, DepotEnv, f.cfg.DepotPath)
	}

	path, err := writeScript(f.cfg.TempDir, script)
	if err != nil {
		return nil, "", err
	}

	args := make([]string, 0, len(Args)+1)
	args = append(args, Args...)
	args = append(args, path)
	// #nosec G204 -- binary is the configured or PATH-resolved interpreter.
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Env = env
	configureProcAttr(cmd)
	return cmd, path, nil
}

// UsesLocalDepot resolves DepotDefault against the configured default.
func (f *Factory) UsesLocalDepot(depot supervisor.DepotMode) bool {
	switch depot {
	case supervisor.DepotLocal:
		return true
	case supervisor.DepotShared:
		return false
	default:
		return f.cfg.UseLocalDepot
	}
}

func writeScript(dir, script string) (string, error) {
	file, err := os.CreateTemp(dir, scriptPattern)
	if err != nil {
		return "", fmt.Errorf("create temporary script: %w", err)
	}
	path := file.Name()
	if _, err := file.WriteString(script); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("write temporary script: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("close temporary script: %w", err)
	}
	return path, nil
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	out := make([]string, 0, len(env)+1)
	for _, entry := range env {
		if !strings.HasPrefix(entry, prefix) {
			out = append(out, entry)
		}
	}
	return append(out, prefix+value)
}
