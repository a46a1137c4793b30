package main

import (
	"github.com/spf13/cobra"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the Pennant CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pennant",
		Short: "Pennant - feature flag edge cache",
		Long: `Pennant serves feature flag state to SDK clients from an in-memory
edge cache kept current by change events, falling back to direct
registry reads when the event stream is unavailable.`,
	}

	// Global flag for config file path
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	// Add subcommands
	cmd.AddCommand(NewEdgeCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}
