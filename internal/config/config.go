package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"
)

const (
	// DirName is the per-user and per-project settings directory.
	DirName = ".ahornrun"
	// FileName is the settings file inside DirName.
	FileName = "config.toml"

	defaultLogLevel = "info"
)

// Config stores runtime settings loaded from TOML files.
type Config struct {
	// JuliaPath is the interpreter binary. Empty means "julia" on PATH.
	JuliaPath string
	// DepotPath is the private depot used for local-depot runs.
	DepotPath string
	// UseLocalDepot is the depot choice when a run does not pick one.
	UseLocalDepot bool
	// TempDir holds temporary script files. Empty means the OS temp dir.
	TempDir      string
	LogLevel     string
	OTelEndpoint string
}

type fileConfig struct {
	JuliaPath     *string     `toml:"julia_path"`
	DepotPath     *string     `toml:"depot_path"`
	UseLocalDepot *bool       `toml:"use_local_depot"`
	TempDir       *string     `toml:"temp_dir"`
	LogLevel      *string     `toml:"log_level"`
	OTel          *otelConfig `toml:"otel"`
	OTelEndpoint  *string     `toml:"otel_endpoint"`
}

type otelConfig struct {
	Endpoint *string `toml:"endpoint"`
}

// Load reads config from ~/.ahornrun/config.toml and overlays a project-local .ahornrun/config.toml.
func Load(ctx context.Context) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	cfg := defaults(homeDir)
	paths := []string{
		filepath.Join(homeDir, DirName, FileName),
		filepath.Join(workingDir, DirName, FileName),
	}

	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	_ = ctx
	return &cfg, nil
}

// Paths returns the files Load reads, in overlay order.
func Paths() []string {
	paths := make([]string, 0, 2)
	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(homeDir, DirName, FileName))
	}
	if workingDir, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(workingDir, DirName, FileName))
	}
	return paths
}

// Level parses LogLevel, falling back to info.
func (c *Config) Level() log.Level {
	if c == nil {
		return log.InfoLevel
	}
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.InfoLevel
	}
	return level
}

func defaults(homeDir string) Config {
	return Config{
		DepotPath: filepath.Join(homeDir, DirName, "depot"),
		LogLevel:  defaultLogLevel,
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	meta, err := toml.DecodeFile(path, &decoded)
	if err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("parse %s in %q: unsupported key", undecoded[0], path)
	}

	if err := applyPathOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := applyLogOverrides(cfg, decoded, path); err != nil {
		return err
	}
	applyTelemetryOverrides(cfg, decoded)
	if decoded.UseLocalDepot != nil {
		cfg.UseLocalDepot = *decoded.UseLocalDepot
	}
	return nil
}

func applyPathOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.JuliaPath != nil {
		cfg.JuliaPath = strings.TrimSpace(*decoded.JuliaPath)
	}
	if decoded.DepotPath != nil {
		depot, err := expandHome(strings.TrimSpace(*decoded.DepotPath))
		if err != nil {
			return fmt.Errorf("parse depot_path in %q: %w", path, err)
		}
		if depot == "" {
			return fmt.Errorf("parse depot_path in %q: must not be empty", path)
		}
		cfg.DepotPath = depot
	}
	if decoded.TempDir != nil {
		dir, err := expandHome(strings.TrimSpace(*decoded.TempDir))
		if err != nil {
			return fmt.Errorf("parse temp_dir in %q: %w", path, err)
		}
		cfg.TempDir = dir
	}
	return nil
}

func applyLogOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.LogLevel == nil {
		return nil
	}
	level := strings.ToLower(strings.TrimSpace(*decoded.LogLevel))
	switch level {
	case "debug", "info", "warn", "error":
		cfg.LogLevel = level
		return nil
	default:
		return fmt.Errorf("parse log_level in %q: unsupported level %q", path, level)
	}
}

func applyTelemetryOverrides(cfg *Config, decoded fileConfig) {
	if decoded.OTel != nil && decoded.OTel.Endpoint != nil {
		cfg.OTelEndpoint = strings.TrimSpace(*decoded.OTel.Endpoint)
		return
	}
	if decoded.OTelEndpoint != nil {
		cfg.OTelEndpoint = strings.TrimSpace(*decoded.OTelEndpoint)
	}
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(homeDir, strings.TrimPrefix(path, "~")), nil
}
