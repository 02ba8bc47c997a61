// Package doctor runs deterministic health checks over the GAP installation,
// the engine session, and the tools directory.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/kamalsaleh/mcp-for-gap/internal/registry"
)

const (
	defaultExecutable = "gap"

	probeCommand = "1+1;"
	probeWant    = "2"
)

// Check names present in every report.
const (
	CheckExecutable  = "gap_executable"
	CheckSession     = "session_round_trip"
	CheckToolsDir    = "tools_directory"
	CheckDefinitions = "tool_definitions"
)

// Engine is the subset of the session surface exercised by the round-trip
// check.
type Engine interface {
	Start(ctx context.Context) error
	Execute(ctx context.Context, command string) (string, error)
	Terminate(ctx context.Context) error
}

// Config controls which installation doctor inspects.
type Config struct {
	Executable string
	ToolsDir   string
	Packages   []string
}

// Check is one named health check outcome.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

// Report aggregates the check outcomes of one doctor run.
type Report struct {
	Healthy   bool      `json:"healthy"`
	ToolCount int       `json:"tool_count"`
	Checks    []Check   `json:"checks"`
	CheckedAt time.Time `json:"checked_at"`
}

// Runner executes health checks with injectable lookups.
type Runner struct {
	engine   Engine
	cfg      Config
	lookPath func(string) (string, error)
	now      func() time.Time
}

// NewRunner builds a doctor runner with sane defaults.
func NewRunner(engine Engine, cfg Config) (*Runner, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if strings.TrimSpace(cfg.Executable) == "" {
		cfg.Executable = defaultExecutable
	}
	return &Runner{
		engine:   engine,
		cfg:      cfg,
		lookPath: exec.LookPath,
		now:      time.Now,
	}, nil
}

// Run executes every check and reports the aggregate outcome. A failed check
// never aborts the run; later checks still execute.
func (r *Runner) Run(ctx context.Context) Report {
	report := Report{CheckedAt: r.now().UTC()}

	report.Checks = append(report.Checks, r.checkExecutable())
	report.Checks = append(report.Checks, r.checkSession(ctx))
	report.Checks = append(report.Checks, r.checkToolsDir())

	definitions, count := r.checkDefinitions()
	report.Checks = append(report.Checks, definitions)
	report.ToolCount = count

	report.Healthy = true
	for _, check := range report.Checks {
		if !check.OK {
			report.Healthy = false
			break
		}
	}
	return report
}

func (r *Runner) checkExecutable() Check {
	check := Check{Name: CheckExecutable}

	path, err := r.lookPath(r.cfg.Executable)
	if err != nil {
		check.Detail = fmt.Sprintf("%q not found on PATH", r.cfg.Executable)
		return check
	}
	check.OK = true
	check.Detail = path
	return check
}

func (r *Runner) checkSession(ctx context.Context) Check {
	check := Check{Name: CheckSession}

	if err := r.engine.Start(ctx); err != nil {
		check.Detail = fmt.Sprintf("start session: %v", err)
		return check
	}
	defer func() {
		_ = r.engine.Terminate(ctx)
	}()

	output, err := r.engine.Execute(ctx, probeCommand)
	if err != nil {
		check.Detail = fmt.Sprintf("evaluate %s: %v", probeCommand, err)
		return check
	}
	if strings.TrimSpace(output) != probeWant {
		check.Detail = fmt.Sprintf("evaluate %s: got %q, want %q", probeCommand, output, probeWant)
		return check
	}
	check.OK = true
	check.Detail = fmt.Sprintf("%s evaluates to %s", probeCommand, probeWant)
	return check
}

func (r *Runner) checkToolsDir() Check {
	check := Check{Name: CheckToolsDir}

	info, err := os.Stat(r.cfg.ToolsDir)
	if err != nil {
		check.Detail = fmt.Sprintf("stat %q: %v", r.cfg.ToolsDir, err)
		return check
	}
	if !info.IsDir() {
		check.Detail = fmt.Sprintf("%q is not a directory", r.cfg.ToolsDir)
		return check
	}
	check.OK = true
	check.Detail = r.cfg.ToolsDir
	return check
}

// checkDefinitions loads the definition files into a throwaway registry.
// Reserved tools always register, so the check passes only when at least one
// definition came from disk.
func (r *Runner) checkDefinitions() (Check, int) {
	check := Check{Name: CheckDefinitions}

	reg := registry.New(nil)
	loaded := reg.LoadDir(r.cfg.ToolsDir, r.cfg.Packages)
	total := reg.Len()

	check.Detail = fmt.Sprintf("%d tools (%d from definition files, %d packages configured)",
		total, loaded, len(r.cfg.Packages))
	check.OK = loaded > 0
	return check, total
}
