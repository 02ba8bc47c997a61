package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/kamalsaleh/mcp-for-gap/internal/config"
	"github.com/kamalsaleh/mcp-for-gap/internal/dispatch"
	"github.com/kamalsaleh/mcp-for-gap/internal/events"
	"github.com/kamalsaleh/mcp-for-gap/internal/gap"
	"github.com/kamalsaleh/mcp-for-gap/internal/history"
	"github.com/kamalsaleh/mcp-for-gap/internal/registry"
	"github.com/kamalsaleh/mcp-for-gap/internal/server"
	"github.com/kamalsaleh/mcp-for-gap/internal/telemetry"
)

func newServeCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve GAP tools over MCP stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cfg, logger)
		},
	}
}

// runServe wires the full stack: engine session, tool registry, dispatcher,
// MCP server. It blocks until the client disconnects or a signal arrives.
func runServe(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.OTLPEndpoint)
	if err != nil {
		logger.Warn("telemetry initialization failed", "error", err)
	} else {
		defer shutdownTelemetry()
	}

	bus := events.New(events.WithLogger(logger.With("component", "events")))
	journal := history.New(cfg.HistorySize)
	journal.Attach(bus)
	defer func() {
		stats := journal.Stats()
		logger.Info("session summary",
			"commands", stats.Total,
			"failed", stats.Failed,
			"restarts", stats.Restarts,
		)
	}()

	session, err := gap.NewSession(gap.Options{
		Executable:     cfg.GAPExecutable,
		Args:           cfg.GAPArgs,
		StartupTimeout: cfg.StartupTimeout,
		StartupQuiet:   cfg.StartupQuiet,
		ExecuteTimeout: cfg.ExecuteTimeout,
		TerminateGrace: cfg.TerminateGrace,
		Logger:         logger.With("component", "gap"),
		Bus:            bus,
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	if err := session.Start(ctx); err != nil {
		return fmt.Errorf("start GAP: %w", err)
	}
	defer func() {
		_ = session.Terminate(context.Background())
	}()

	reg := registry.New(logger.With("component", "registry"))
	loaded := reg.LoadDir(cfg.ToolsDir, cfg.Packages)
	logger.Info("tool definitions loaded",
		"dir", cfg.ToolsDir,
		"packages", len(cfg.Packages),
		"count", loaded,
	)

	dispatcher, err := dispatch.New(dispatch.Options{
		Registry: reg,
		Engine:   session,
		Logger:   logger.With("component", "dispatch"),
		Bus:      bus,
	})
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}

	srv, err := server.New(server.Options{
		Dispatcher: dispatcher,
		Prober:     session,
		Logger:     logger.With("component", "server"),
		Version:    Version,
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serve MCP: %w", err)
	}
	return nil
}
