package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvConfigPath, "")

	chdir(t, work)

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.GAPExecutable != defaultGAPExecutable {
		t.Fatalf("gap_executable = %q, want %q", cfg.GAPExecutable, defaultGAPExecutable)
	}
	if cfg.ToolsDir != defaultToolsDir {
		t.Fatalf("tools_dir = %q, want %q", cfg.ToolsDir, defaultToolsDir)
	}
	if len(cfg.Packages) != 0 {
		t.Fatalf("packages = %v, want empty", cfg.Packages)
	}
	if cfg.StartupTimeout != defaultStartupTimeout {
		t.Fatalf("startup_timeout = %s, want %s", cfg.StartupTimeout, defaultStartupTimeout)
	}
	if cfg.StartupQuiet != defaultStartupQuiet {
		t.Fatalf("startup_quiet = %s, want %s", cfg.StartupQuiet, defaultStartupQuiet)
	}
	if cfg.ExecuteTimeout != defaultExecuteTimeout {
		t.Fatalf("execute_timeout = %s, want %s", cfg.ExecuteTimeout, defaultExecuteTimeout)
	}
	if cfg.TerminateGrace != defaultTerminateGrace {
		t.Fatalf("terminate_grace = %s, want %s", cfg.TerminateGrace, defaultTerminateGrace)
	}
	if cfg.HistorySize != defaultHistorySize {
		t.Fatalf("history_size = %d, want %d", cfg.HistorySize, defaultHistorySize)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Fatalf("log_level = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
	if cfg.OTLPEndpoint != "" {
		t.Fatalf("otlp_endpoint = %q, want empty", cfg.OTLPEndpoint)
	}
}

func TestLoadOverlayProjectOverHome(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvConfigPath, "")

	writeFile(t, filepath.Join(home, ".gapmcp", "config.toml"), `
gap_executable = "/opt/gap/bin/gap"
packages = ["CAP", "Digraphs"]
execute_timeout = "10m"
history_size = 16
`)

	writeFile(t, filepath.Join(work, ".gapmcp.toml"), `
tools_dir = "custom-tools"
packages = ["CAP"]
terminate_grace = "5s"
log_level = "debug"
`)

	chdir(t, work)

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.GAPExecutable != "/opt/gap/bin/gap" {
		t.Fatalf("gap_executable = %q, want /opt/gap/bin/gap", cfg.GAPExecutable)
	}
	if cfg.ToolsDir != "custom-tools" {
		t.Fatalf("tools_dir = %q, want custom-tools", cfg.ToolsDir)
	}
	if len(cfg.Packages) != 1 || cfg.Packages[0] != "CAP" {
		t.Fatalf("packages = %v, want [CAP]", cfg.Packages)
	}
	if cfg.ExecuteTimeout != 10*time.Minute {
		t.Fatalf("execute_timeout = %s, want 10m", cfg.ExecuteTimeout)
	}
	if cfg.TerminateGrace != 5*time.Second {
		t.Fatalf("terminate_grace = %s, want 5s", cfg.TerminateGrace)
	}
	if cfg.HistorySize != 16 {
		t.Fatalf("history_size = %d, want 16", cfg.HistorySize)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log_level = %q, want debug", cfg.LogLevel)
	}
}

func TestLoadExplicitFileSkipsOverlay(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()
	t.Setenv("HOME", home)

	writeFile(t, filepath.Join(home, ".gapmcp", "config.toml"), `
gap_executable = "home-gap"
`)
	explicit := filepath.Join(work, "explicit.toml")
	writeFile(t, explicit, `
gap_executable = "explicit-gap"
startup_quiet = "250ms"
`)
	t.Setenv(EnvConfigPath, explicit)

	chdir(t, work)

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.GAPExecutable != "explicit-gap" {
		t.Fatalf("gap_executable = %q, want explicit-gap", cfg.GAPExecutable)
	}
	if cfg.StartupQuiet != 250*time.Millisecond {
		t.Fatalf("startup_quiet = %s, want 250ms", cfg.StartupQuiet)
	}
}

func TestLoadExplicitFileMissing(t *testing.T) {
	t.Setenv(EnvConfigPath, filepath.Join(t.TempDir(), "absent.toml"))

	if _, err := Load(context.Background()); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"empty executable", `gap_executable = "  "`},
		{"bad duration", `execute_timeout = "soon"`},
		{"negative duration", `execute_timeout = "-5s"`},
		{"zero history", `history_size = 0`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			writeFile(t, path, tc.content)

			cfg := defaults()
			if err := overlayFromFile(&cfg, path); err == nil {
				t.Fatalf("expected error for %q", tc.content)
			}
		})
	}
}

func chdir(t *testing.T, dir string) {
	t.Helper()

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	t.Cleanup(func() {
		if chdirErr := os.Chdir(cwd); chdirErr != nil {
			t.Fatalf("restore cwd: %v", chdirErr)
		}
	})
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
}
