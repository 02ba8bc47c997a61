package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/kamalsaleh/mcp-for-gap/internal/config"
	"github.com/kamalsaleh/mcp-for-gap/internal/registry"
)

func newToolsCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List registered tools without starting GAP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTools(cfg, logger, cmd.OutOrStdout())
		},
	}
}

func runTools(cfg *config.Config, logger *log.Logger, out io.Writer) error {
	reg := registry.New(logger.With("component", "registry"))
	reg.LoadDir(cfg.ToolsDir, cfg.Packages)

	fmt.Fprintf(out, "%-58s %-16s %s\n", "NAME", "PACKAGE", "ARGUMENTS")
	for _, definition := range reg.Definitions() {
		names := make([]string, 0, len(definition.Arguments))
		for _, argument := range definition.Arguments {
			names = append(names, argument.Name)
		}
		arguments := strings.Join(names, ", ")
		if arguments == "" {
			arguments = "-"
		}
		fmt.Fprintf(out, "%-58s %-16s %s\n", definition.Name, definition.Package, arguments)
	}
	fmt.Fprintf(out, "\n%d tools\n", reg.Len())
	return nil
}
