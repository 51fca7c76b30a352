package main

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/olympus-tools/ahornrun/internal/config"
	"github.com/olympus-tools/ahornrun/internal/julia"
	"github.com/olympus-tools/ahornrun/internal/lastrun"
	"github.com/olympus-tools/ahornrun/internal/logging"
)

var (
	bugreportNowFn     = func() time.Time { return time.Now().UTC() }
	bugreportLocateFn  = julia.Locate
	bugreportVersionFn = julia.Version
	bugreportPathsFn   = config.Paths
)

func newBugreportCommand(cfg *config.Config, logger *logging.RuntimeLogger) *cobra.Command {
	return &cobra.Command{
		Use:   "bugreport",
		Short: "Bundle the last run's outcome, its log and the Julia setup into an archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cwd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("resolve current directory: %w", err)
			}
			path, err := writeBugReport(cmd.Context(), cfg, logger.Dir(), cwd)
			if err != nil {
				return err
			}
			logger.Logger.Info("bug report written", "path", path)
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Bug report written to %s\n", path)
			return err
		},
	}
}

// bugreport is the in-memory content of the archive, in archive order.
type bugreport struct {
	files    []bugreportFile
	warnings []string
	last     *lastrun.Record
}

type bugreportFile struct {
	name string
	data []byte
}

func (b *bugreport) add(name string, data []byte) {
	b.files = append(b.files, bugreportFile{name: name, data: data})
}

func (b *bugreport) warn(format string, args ...any) {
	b.warnings = append(b.warnings, fmt.Sprintf(format, args...))
}

// writeBugReport archives the diagnostics into outDir and returns the archive path.
func writeBugReport(ctx context.Context, cfg *config.Config, logDir, outDir string) (string, error) {
	if cfg == nil {
		return "", errors.New("config is required")
	}
	now := bugreportNowFn()
	report := &bugreport{}
	report.addLastRun(logDir)
	if err := report.addConfig(cfg); err != nil {
		return "", err
	}
	report.addJulia(ctx, cfg)
	report.add("README.txt", report.readme(now))

	path := filepath.Join(outDir, fmt.Sprintf(".ahornrun-bugreport-%s.tar.gz", now.Format("20060102-150405")))
	if err := report.archive(path, now); err != nil {
		return "", err
	}
	return path, nil
}

// addLastRun adds the recorded outcome of the previous run and that run's log file.
func (b *bugreport) addLastRun(logDir string) {
	if logDir == "" {
		b.warn("log directory unknown; last run not included")
		return
	}
	record, err := lastrun.Load(logDir)
	if err != nil {
		b.warn("%v", err)
		return
	}
	b.last = &record

	// #nosec G304 -- fixed file name inside the ahornrun log directory.
	data, err := os.ReadFile(filepath.Join(logDir, lastrun.FileName))
	if err != nil {
		b.warn("read %s: %v", lastrun.FileName, err)
	} else {
		b.add(lastrun.FileName, data)
	}

	if record.LogFile == "" {
		b.warn("run %s recorded no log file", record.RunID)
		return
	}
	// #nosec G304 -- the path was recorded by ahornrun itself.
	runLog, err := os.ReadFile(record.LogFile)
	if err != nil {
		b.warn("read run log: %v", err)
		return
	}
	b.add("run.log", runLog)
}

// effectiveConfig is config.Config after overlays, as the archive's config.toml.
type effectiveConfig struct {
	Files         []string `toml:"files"`
	JuliaPath     string   `toml:"julia_path"`
	DepotPath     string   `toml:"depot_path"`
	UseLocalDepot bool     `toml:"use_local_depot"`
	TempDir       string   `toml:"temp_dir"`
	LogLevel      string   `toml:"log_level"`
	OTelEndpoint  string   `toml:"otel_endpoint"`
}

func (b *bugreport) addConfig(cfg *config.Config) error {
	effective := effectiveConfig{
		Files:         []string{},
		JuliaPath:     cfg.JuliaPath,
		DepotPath:     cfg.DepotPath,
		UseLocalDepot: cfg.UseLocalDepot,
		TempDir:       cfg.TempDir,
		LogLevel:      cfg.LogLevel,
		OTelEndpoint:  redactEndpoint(cfg.OTelEndpoint),
	}
	for _, path := range bugreportPathsFn() {
		if _, err := os.Stat(path); err == nil {
			effective.Files = append(effective.Files, path)
		}
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(effective); err != nil {
		return fmt.Errorf("encode effective config: %w", err)
	}
	b.add("config.toml", buf.Bytes())
	return nil
}

// redactEndpoint hides credentials a collector URL may carry in its user info or query.
func redactEndpoint(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return ""
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "(unparseable, redacted)"
	}
	if u.User != nil {
		u.User = url.User("REDACTED")
	}
	if u.RawQuery != "" {
		u.RawQuery = "REDACTED"
	}
	return u.String()
}

func (b *bugreport) addJulia(ctx context.Context, cfg *config.Config) {
	var text strings.Builder
	binary, err := bugreportLocateFn(cfg.JuliaPath)
	if err != nil {
		b.warn("%v", err)
		fmt.Fprintf(&text, "binary: not found (%v)\n", err)
	} else {
		fmt.Fprintf(&text, "binary: %s\n", binary)
		version, versionErr := bugreportVersionFn(ctx, binary)
		if versionErr != nil {
			b.warn("%v", versionErr)
			version = "unknown"
		}
		fmt.Fprintf(&text, "version: %s\n", version)
	}

	fmt.Fprintf(&text, "%s (inherited): %s\n", julia.DepotEnv, os.Getenv(julia.DepotEnv))
	depotState := "missing"
	if info, statErr := os.Stat(cfg.DepotPath); statErr == nil && info.IsDir() {
		depotState = "present"
	}
	fmt.Fprintf(&text, "local depot: %s (%s)\n", cfg.DepotPath, depotState)
	b.add("julia.txt", []byte(text.String()))
}

func (b *bugreport) readme(now time.Time) []byte {
	var text strings.Builder
	fmt.Fprintf(&text, "ahornrun bug report\n\ngenerated: %s\nversion: %s\n\n", now.Format(time.RFC3339), Version)

	if last := b.last; last != nil {
		fmt.Fprintf(&text, "last run: %s %s (%d lines)\n", last.RunID, last.Status, last.Lines)
		if last.TraceID != "" {
			fmt.Fprintf(&text, "trace: %s\n", last.TraceID)
		}
		if f := last.Failure; f != nil {
			fmt.Fprintf(&text, "failure: %s, exit code %d\n%s\n", f.Kind, f.ExitCode, f.Message)
		}
		text.WriteString("\n")
	}

	text.WriteString("files:\n")
	for _, file := range b.files {
		fmt.Fprintf(&text, "- %s\n", file.name)
	}
	if len(b.warnings) > 0 {
		text.WriteString("\nwarnings:\n")
		for _, warning := range b.warnings {
			fmt.Fprintf(&text, "- %s\n", warning)
		}
	}
	return []byte(text.String())
}

func (b *bugreport) archive(path string, now time.Time) (err error) {
	// #nosec G304 -- generated name in the working directory.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if closeErr := file.Close(); err == nil && closeErr != nil {
			err = fmt.Errorf("close %s: %w", path, closeErr)
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	gz := gzip.NewWriter(file)
	tw := tar.NewWriter(gz)
	for _, entry := range b.files {
		header := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     entry.name,
			Mode:     0o600,
			Size:     int64(len(entry.data)),
			ModTime:  now,
		}
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("archive %s: %w", entry.name, err)
		}
		if _, err := io.Copy(tw, bytes.NewReader(entry.data)); err != nil {
			return fmt.Errorf("archive %s: %w", entry.name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("finish archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("compress archive: %w", err)
	}
	return nil
}
