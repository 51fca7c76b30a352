//go:build unix

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olympus-tools/ahornrun/internal/config"
	"github.com/olympus-tools/ahornrun/internal/lastrun"
	"github.com/olympus-tools/ahornrun/internal/supervisor"
)

const fakeJulia = `#!/bin/sh
for script; do :; done
exec /bin/sh "$script"
`

func testRunConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	dir := t.TempDir()
	juliaPath := filepath.Join(dir, "julia")
	require.NoError(t, os.WriteFile(juliaPath, []byte(fakeJulia), 0o700))
	tempDir := filepath.Join(dir, "tmp")
	require.NoError(t, os.MkdirAll(tempDir, 0o750))
	return &config.Config{
		JuliaPath: juliaPath,
		DepotPath: filepath.Join(dir, "depot"),
		TempDir:   tempDir,
		LogLevel:  "info",
	}
}

func TestRunCommandStreamsScriptFromFile(t *testing.T) {
	cfg := testRunConfig(t)
	script := filepath.Join(t.TempDir(), "job.jl")
	require.NoError(t, os.WriteFile(script, []byte(`echo '#OLYMPUS# TIMEOUT START'
echo 'Resolving packages'
echo '#OLYMPUS# TIMEOUT END'
echo '#Installing... 100%'
echo "depot=$JULIA_DEPOT_PATH"
`), 0o600))

	output, err := executeRoot(t, cfg, "", "run", "--local-depot", script)
	require.NoError(t, err)
	assert.Equal(t, "Resolving packages\n#Installing... 100%\ndepot="+cfg.DepotPath+"\n", output)

	entries, err := os.ReadDir(cfg.TempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunCommandReadsStdinAndReportsFatalError(t *testing.T) {
	cfg := testRunConfig(t)

	output, err := executeRoot(t, cfg, "echo partial\necho 'ERROR: MethodError' >&2\nexit 1\n", "run")
	require.Error(t, err)
	assert.ErrorIs(t, err, supervisor.ErrAbnormalExit)
	assert.Contains(t, err.Error(), "MethodError")
	assert.Equal(t, "partial\n", output)
}

func TestRunCommandRejectsUnknownDirective(t *testing.T) {
	cfg := testRunConfig(t)

	output, err := executeRoot(t, cfg, "echo ok\necho '#OLYMPUS# REBOOT'\necho never\n", "run", "-")
	require.ErrorIs(t, err, supervisor.ErrUnknownDirective)
	assert.Equal(t, "ok\n", output)
}

func TestRunCommandJuliaFlagOverridesConfig(t *testing.T) {
	cfg := testRunConfig(t)
	juliaPath := cfg.JuliaPath
	cfg.JuliaPath = filepath.Join(t.TempDir(), "missing-julia")

	_, err := executeRoot(t, cfg, "echo hi\n", "run")
	require.Error(t, err)

	output, err := executeRoot(t, cfg, "echo hi\n", "run", "--julia", juliaPath)
	require.NoError(t, err)
	assert.Equal(t, "hi\n", output)
}

func TestRunCommandRecordsOutcomeForBugReport(t *testing.T) {
	cfg := testRunConfig(t)
	logger := testLogger(t)

	cmd := newRootCommand(cfg, logger, "run-rec")
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stdout)
	cmd.SetIn(strings.NewReader("echo one\necho two\necho 'fatal: bad' >&2\nexit 4\n"))
	cmd.SetArgs([]string{"run", "--shared-depot"})
	err := cmd.ExecuteContext(context.Background())
	require.ErrorIs(t, err, supervisor.ErrAbnormalExit)
	assert.Equal(t, "one\ntwo\n", stdout.String())

	record, err := lastrun.Load(logger.Dir())
	require.NoError(t, err)
	assert.Equal(t, "run-rec", record.RunID)
	assert.Equal(t, lastrun.StatusFailed, record.Status)
	assert.Equal(t, 2, record.Lines)
	assert.Equal(t, logger.Path(), record.LogFile)
	assert.Equal(t, lastrun.Settings{
		JuliaPath:   cfg.JuliaPath,
		Depot:       "shared",
		DepotPath:   cfg.DepotPath,
		TempDir:     cfg.TempDir,
		ScriptBytes: len("echo one\necho two\necho 'fatal: bad' >&2\nexit 4\n"),
	}, record.Settings)
	require.NotNil(t, record.Failure)
	assert.Equal(t, "abnormal_exit", record.Failure.Kind)
	assert.Equal(t, 4, record.Failure.ExitCode)
	assert.Equal(t, "fatal: bad", record.Failure.Stderr)
}
