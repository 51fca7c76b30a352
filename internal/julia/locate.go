package julia

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// DefaultBinary is looked up on PATH when no interpreter is configured.
const DefaultBinary = "julia"

// ErrNotFound indicates no usable Julia interpreter could be located.
var ErrNotFound = errors.New("julia interpreter not found")

// Locate resolves the interpreter binary. A configured value containing a path
// separator must name an executable file; any other value, or the default, is
// looked up on PATH.
func Locate(configured string) (string, error) {
	return locate(configured, exec.LookPath)
}

func locate(configured string, lookPath func(file string) (string, error)) (string, error) {
	if lookPath == nil {
		return "", errors.New("lookPath function is required")
	}

	binary := strings.TrimSpace(configured)
	if binary == "" {
		binary = DefaultBinary
	}

	if strings.ContainsRune(binary, filepath.Separator) || strings.ContainsRune(binary, '/') {
		info, err := os.Stat(binary)
		if err != nil {
			return "", fmt.Errorf("%w: configured julia_path %q: %w", ErrNotFound, binary, err)
		}
		if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
			return "", fmt.Errorf("%w: configured julia_path %q is not an executable file", ErrNotFound, binary)
		}
		return binary, nil
	}

	resolved, err := lookPath(binary)
	if err != nil {
		return "", fmt.Errorf("%w: %q not on PATH: %w", ErrNotFound, binary, err)
	}
	return resolved, nil
}

// Version runs the interpreter with --version and returns its trimmed answer.
func Version(ctx context.Context, binary string) (string, error) {
	out, err := exec.CommandContext(ctx, binary, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("run %s --version: %w", binary, err)
	}
	return strings.TrimSpace(string(out)), nil
}
