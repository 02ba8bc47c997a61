package main

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kamalsaleh/mcp-for-gap/internal/config"
)

func TestRunBugReportCreatesArchiveWithRedactedConfigAndArtifacts(t *testing.T) {
	restore := snapshotBugreportHooks()
	defer restore()

	fixture := setupBugreportFixture(t)

	var out bytes.Buffer
	if err := runBugReport(&config.Config{}, &out); err != nil {
		t.Fatalf("run bugreport: %v", err)
	}
	output := strings.TrimSpace(out.String())
	if !strings.Contains(output, "Bug report written to:") {
		t.Fatalf("unexpected output: %q", output)
	}

	archivePath := filepath.Join(fixture.cwd, ".gapmcp-bugreport-20260825-100000.tar.gz")
	contents := extractTarballTextFiles(t, archivePath)

	for _, path := range []string{"README.txt", "config.toml", "version.txt", "last-session.txt"} {
		if _, ok := contents[path]; !ok {
			t.Fatalf("missing artifact %q in bugreport archive", path)
		}
	}

	logCount := 0
	for name := range contents {
		if strings.HasPrefix(name, "logs/") {
			logCount++
		}
	}
	if logCount != 3 {
		t.Fatalf("log file count = %d, want 3 most recent logs", logCount)
	}
	if strings.Contains(contents["config.toml"], "supersecret") || strings.Contains(contents["config.toml"], "hunter2") {
		t.Fatalf("config should be redacted: %q", contents["config.toml"])
	}
	if !strings.Contains(contents["config.toml"], "***REDACTED***") {
		t.Fatalf("config redaction marker missing: %q", contents["config.toml"])
	}
	if !strings.Contains(contents["last-session.txt"], "session-7f3a") {
		t.Fatalf("missing session id: %q", contents["last-session.txt"])
	}
	if !strings.Contains(contents["README.txt"], "session-7f3a") {
		t.Fatalf("readme should name the last session: %q", contents["README.txt"])
	}
}

func TestRunBugReportHandlesMissingOptionalArtifacts(t *testing.T) {
	restore := snapshotBugreportHooks()
	defer restore()

	home := filepath.Join(t.TempDir(), "home")
	cwd := filepath.Join(t.TempDir(), "cwd")
	if err := os.MkdirAll(home, 0o750); err != nil {
		t.Fatalf("create home: %v", err)
	}
	if err := os.MkdirAll(cwd, 0o750); err != nil {
		t.Fatalf("create cwd: %v", err)
	}

	bugreportHomeDirFn = func() (string, error) { return home, nil }
	bugreportGetwdFn = func() (string, error) { return cwd, nil }
	bugreportNowFn = func() time.Time { return time.Date(2026, 8, 25, 11, 0, 0, 0, time.UTC) }

	var out bytes.Buffer
	if err := runBugReport(&config.Config{}, &out); err != nil {
		t.Fatalf("run bugreport: %v", err)
	}

	archivePath := filepath.Join(cwd, ".gapmcp-bugreport-20260825-110000.tar.gz")
	contents := extractTarballTextFiles(t, archivePath)
	readme := contents["README.txt"]
	if !strings.Contains(readme, "unable to read logs directory") {
		t.Fatalf("readme should include missing logs warning: %q", readme)
	}
	if !strings.Contains(readme, "no session_id found in copied logs") {
		t.Fatalf("readme should include missing session warning: %q", readme)
	}
	if !strings.Contains(contents["config.toml"], "config unavailable") {
		t.Fatalf("expected config placeholder, got: %q", contents["config.toml"])
	}
}

func TestBugreportLogsDirPrefersConfiguredOverride(t *testing.T) {
	cfg := &config.Config{LogDir: "/var/log/gapmcp"}
	if got := bugreportLogsDir(cfg, "/home/tester"); got != "/var/log/gapmcp" {
		t.Fatalf("logs dir = %q, want configured override", got)
	}
	if got := bugreportLogsDir(&config.Config{}, "/home/tester"); got != filepath.Join("/home/tester", ".gapmcp", "logs") {
		t.Fatalf("logs dir = %q, want home default", got)
	}
}

func snapshotBugreportHooks() func() {
	prevNow := bugreportNowFn
	prevHomeDir := bugreportHomeDirFn
	prevGetwd := bugreportGetwdFn
	return func() {
		bugreportNowFn = prevNow
		bugreportHomeDirFn = prevHomeDir
		bugreportGetwdFn = prevGetwd
	}
}

func extractTarballTextFiles(t *testing.T, archivePath string) map[string]string {
	t.Helper()

	// #nosec G304 -- archivePath is generated in the test-owned temp directory.
	archiveFile, err := os.Open(archivePath)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer func() {
		if closeErr := archiveFile.Close(); closeErr != nil {
			t.Fatalf("close archive file: %v", closeErr)
		}
	}()

	gzipReader, err := gzip.NewReader(archiveFile)
	if err != nil {
		t.Fatalf("create gzip reader: %v", err)
	}
	defer func() {
		if closeErr := gzipReader.Close(); closeErr != nil {
			t.Fatalf("close gzip reader: %v", closeErr)
		}
	}()

	tarReader := tar.NewReader(gzipReader)
	files := make(map[string]string)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read tar entry: %v", err)
		}
		data, err := io.ReadAll(tarReader)
		if err != nil {
			t.Fatalf("read tar entry %s: %v", header.Name, err)
		}
		files[header.Name] = string(data)
	}
	if len(files) == 0 {
		t.Fatalf("archive %s is empty", archivePath)
	}
	return files
}

type bugreportFixture struct {
	home string
	cwd  string
}

func setupBugreportFixture(t *testing.T) bugreportFixture {
	t.Helper()

	home := filepath.Join(t.TempDir(), "home")
	cwd := filepath.Join(t.TempDir(), "cwd")
	if err := os.MkdirAll(filepath.Join(home, ".gapmcp", "logs"), 0o750); err != nil {
		t.Fatalf("create logs dir: %v", err)
	}
	if err := os.MkdirAll(cwd, 0o750); err != nil {
		t.Fatalf("create cwd: %v", err)
	}

	baseTime := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	writeBugreportLog(t, home, "gapmcp-1.log", `{"msg":"older"}`, baseTime.Add(-4*time.Minute))
	writeBugreportLog(t, home, "gapmcp-2.log", `{"msg":"middle"}`, baseTime.Add(-3*time.Minute))
	writeBugreportLog(
		t,
		home,
		"gapmcp-3.log",
		`{"msg":"engine session started","session_id":"session-7f3a"}`,
		baseTime.Add(-2*time.Minute),
	)
	writeBugreportLog(t, home, "gapmcp-4.log", `{"msg":"newest"}`, baseTime.Add(-1*time.Minute))

	configText := "api_token = \"supersecret\"\npassword = \"hunter2\"\ntools_dir = \"files\"\n"
	if err := os.WriteFile(filepath.Join(home, ".gapmcp", "config.toml"), []byte(configText), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	bugreportHomeDirFn = func() (string, error) { return home, nil }
	bugreportGetwdFn = func() (string, error) { return cwd, nil }
	bugreportNowFn = func() time.Time { return time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC) }

	return bugreportFixture{home: home, cwd: cwd}
}

func writeBugreportLog(t *testing.T, home, name, content string, modTime time.Time) {
	t.Helper()

	path := filepath.Join(home, ".gapmcp", "logs", name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write log %s: %v", name, err)
	}
	if err := os.Chtimes(path, modTime, modTime); err != nil {
		t.Fatalf("chtimes %s: %v", name, err)
	}
}

func TestRedactSensitiveConfig(t *testing.T) {
	input := "api_token = \"abc\"\npassword = \"def\"\ntools_dir = \"files\"\n"
	got := redactSensitiveConfig(input)
	if strings.Contains(got, "abc") || strings.Contains(got, "def") {
		t.Fatalf("expected sensitive values to be redacted: %q", got)
	}
	if strings.Count(got, "***REDACTED***") != 2 {
		t.Fatalf("expected two redactions, got %q", got)
	}
	if !strings.Contains(got, "tools_dir = \"files\"") {
		t.Fatalf("non-sensitive keys must be preserved: %q", got)
	}
}

func TestNewestFiles(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	for i := 1; i <= 4; i++ {
		path := filepath.Join(dir, fmt.Sprintf("gapmcp-%d.log", i))
		if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
			t.Fatalf("write file %d: %v", i, err)
		}
		mod := base.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(path, mod, mod); err != nil {
			t.Fatalf("set modtime %d: %v", i, err)
		}
	}

	files, err := newestFiles(dir, 2)
	if err != nil {
		t.Fatalf("newestFiles: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("file count = %d, want 2", len(files))
	}
	if !strings.HasSuffix(files[0].path, "gapmcp-4.log") {
		t.Fatalf("first file = %s, want gapmcp-4.log", files[0].path)
	}
	if !strings.HasSuffix(files[1].path, "gapmcp-3.log") {
		t.Fatalf("second file = %s, want gapmcp-3.log", files[1].path)
	}
}
