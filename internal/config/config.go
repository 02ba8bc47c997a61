package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultGAPExecutable  = "gap"
	defaultToolsDir       = "files"
	defaultStartupTimeout = 10 * time.Second
	defaultStartupQuiet   = 500 * time.Millisecond
	defaultExecuteTimeout = 120 * time.Second
	defaultTerminateGrace = 2 * time.Second
	defaultHistorySize    = 64
	defaultLogLevel       = "info"
)

// EnvConfigPath names the environment variable that points at an explicit
// config file. When set, the home/project overlay is skipped.
const EnvConfigPath = "GAPMCP_CONFIG"

// Config stores runtime settings loaded from TOML files.
type Config struct {
	GAPExecutable  string
	GAPArgs        []string
	ToolsDir       string
	Packages       []string
	StartupTimeout time.Duration
	StartupQuiet   time.Duration
	ExecuteTimeout time.Duration
	TerminateGrace time.Duration
	HistorySize    int
	LogLevel       string
	LogDir         string
	OTLPEndpoint   string
}

type fileConfig struct {
	GAPExecutable  *string   `toml:"gap_executable"`
	GAPArgs        *[]string `toml:"gap_args"`
	ToolsDir       *string   `toml:"tools_dir"`
	Packages       *[]string `toml:"packages"`
	StartupTimeout *string   `toml:"startup_timeout"`
	StartupQuiet   *string   `toml:"startup_quiet"`
	ExecuteTimeout *string   `toml:"execute_timeout"`
	TerminateGrace *string   `toml:"terminate_grace"`
	HistorySize    *int      `toml:"history_size"`
	LogLevel       *string   `toml:"log_level"`
	LogDir         *string   `toml:"log_dir"`
	OTLPEndpoint   *string   `toml:"otlp_endpoint"`
}

// Load reads config from ~/.gapmcp/config.toml and overlays a project-local
// .gapmcp.toml. GAPMCP_CONFIG overrides both with a single explicit file.
func Load(ctx context.Context) (*Config, error) {
	cfg := defaults()

	if explicit := strings.TrimSpace(os.Getenv(EnvConfigPath)); explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return nil, fmt.Errorf("stat config file %q from %s: %w", explicit, EnvConfigPath, err)
		}
		if err := overlayFromFile(&cfg, explicit); err != nil {
			return nil, err
		}
		return &cfg, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	paths := []string{
		filepath.Join(homeDir, ".gapmcp", "config.toml"),
		filepath.Join(workingDir, ".gapmcp.toml"),
	}

	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	_ = ctx
	return &cfg, nil
}

func defaults() Config {
	return Config{
		GAPExecutable:  defaultGAPExecutable,
		GAPArgs:        []string{},
		ToolsDir:       defaultToolsDir,
		Packages:       []string{},
		StartupTimeout: defaultStartupTimeout,
		StartupQuiet:   defaultStartupQuiet,
		ExecuteTimeout: defaultExecuteTimeout,
		TerminateGrace: defaultTerminateGrace,
		HistorySize:    defaultHistorySize,
		LogLevel:       defaultLogLevel,
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
	if _, err := toml.DecodeFile(path, &decoded); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}

	if err := applyScalarOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}
	return nil
}

func applyScalarOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.GAPExecutable != nil {
		executable := strings.TrimSpace(*decoded.GAPExecutable)
		if executable == "" {
			return fmt.Errorf("parse gap_executable in %q: must not be empty", path)
		}
		cfg.GAPExecutable = executable
	}
	if decoded.GAPArgs != nil {
		cfg.GAPArgs = trimmedList(*decoded.GAPArgs)
	}
	if decoded.ToolsDir != nil {
		dir := strings.TrimSpace(*decoded.ToolsDir)
		if dir == "" {
			return fmt.Errorf("parse tools_dir in %q: must not be empty", path)
		}
		cfg.ToolsDir = dir
	}
	if decoded.Packages != nil {
		cfg.Packages = trimmedList(*decoded.Packages)
	}
	if decoded.HistorySize != nil {
		if *decoded.HistorySize <= 0 {
			return fmt.Errorf("parse history_size in %q: must be > 0", path)
		}
		cfg.HistorySize = *decoded.HistorySize
	}
	if decoded.LogLevel != nil {
		cfg.LogLevel = strings.TrimSpace(*decoded.LogLevel)
	}
	if decoded.LogDir != nil {
		cfg.LogDir = strings.TrimSpace(*decoded.LogDir)
	}
	if decoded.OTLPEndpoint != nil {
		cfg.OTLPEndpoint = strings.TrimSpace(*decoded.OTLPEndpoint)
	}
	return nil
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.StartupTimeout != nil {
		value, err := parseDuration(*decoded.StartupTimeout, "startup_timeout", path)
		if err != nil {
			return err
		}
		cfg.StartupTimeout = value
	}
	if decoded.StartupQuiet != nil {
		value, err := parseDuration(*decoded.StartupQuiet, "startup_quiet", path)
		if err != nil {
			return err
		}
		cfg.StartupQuiet = value
	}
	if decoded.ExecuteTimeout != nil {
		value, err := parseDuration(*decoded.ExecuteTimeout, "execute_timeout", path)
		if err != nil {
			return err
		}
		cfg.ExecuteTimeout = value
	}
	if decoded.TerminateGrace != nil {
		value, err := parseDuration(*decoded.TerminateGrace, "terminate_grace", path)
		if err != nil {
			return err
		}
		cfg.TerminateGrace = value
	}
	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("parse %s in %q: must be > 0", key, path)
	}
	return parsed, nil
}

func trimmedList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}
