package main

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

var clientConfigExecutableFn = os.Executable

func newClientConfigCommand(logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "client-config",
		Short: "Print the mcpServers snippet for MCP client configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if logger != nil {
				logger.With("command", "client-config").Debug("printing client snippet")
			}
			return runClientConfig(cmd.OutOrStdout())
		},
	}
}

func runClientConfig(out io.Writer) error {
	executable, err := clientConfigExecutableFn()
	if err != nil {
		return fmt.Errorf("resolve executable path: %w", err)
	}

	if _, err := fmt.Fprintf(out,
		"Add the following to the \"mcpServers\" section of your client config.json:\n"+
			"\n"+
			"    \"gap\": {\n"+
			"        \"command\": %q,\n"+
			"        \"args\": [\n"+
			"            \"serve\"\n"+
			"        ]\n"+
			"    }\n",
		executable,
	); err != nil {
		return fmt.Errorf("write client config output: %w", err)
	}
	return nil
}
