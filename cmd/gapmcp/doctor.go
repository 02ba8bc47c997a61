package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/kamalsaleh/mcp-for-gap/internal/config"
	"github.com/kamalsaleh/mcp-for-gap/internal/doctor"
	"github.com/kamalsaleh/mcp-for-gap/internal/gap"
)

func newDoctorCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the GAP installation and tool definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDoctor(cmd.Context(), cfg, logger, cmd.OutOrStdout())
		},
	}
}

func runDoctor(ctx context.Context, cfg *config.Config, logger *log.Logger, out io.Writer) error {
	session, err := gap.NewSession(gap.Options{
		Executable:     cfg.GAPExecutable,
		Args:           cfg.GAPArgs,
		StartupTimeout: cfg.StartupTimeout,
		StartupQuiet:   cfg.StartupQuiet,
		ExecuteTimeout: cfg.ExecuteTimeout,
		TerminateGrace: cfg.TerminateGrace,
		Logger:         logger.With("component", "gap"),
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	runner, err := doctor.NewRunner(session, doctor.Config{
		Executable: cfg.GAPExecutable,
		ToolsDir:   cfg.ToolsDir,
		Packages:   cfg.Packages,
	})
	if err != nil {
		return fmt.Errorf("create doctor: %w", err)
	}

	report := runner.Run(ctx)
	printReport(out, report)

	if !report.Healthy {
		return errors.New("doctor found problems")
	}
	return nil
}

func printReport(out io.Writer, report doctor.Report) {
	for _, check := range report.Checks {
		status := "ok  "
		if !check.OK {
			status = "FAIL"
		}
		fmt.Fprintf(out, "%s %-18s %s\n", status, check.Name, check.Detail)
	}
	fmt.Fprintf(out, "\n%d tools available\n", report.ToolCount)
}
