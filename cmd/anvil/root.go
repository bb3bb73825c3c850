package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "anvil",
	Short: "Capability-based task orchestration core",
	Long: `Anvil routes generation requests to capability-matched workers over an
in-process message bus, tracks dependencies between deliverables, and
aggregates the produced artifacts into a session result.

Core capabilities:
- Decomposes a request into a dependency-ordered task graph
- Dispatches tasks to idle workers by declared capability
- Retries transient failures and times out stuck attempts
- Shares artifacts between tasks through a versioned context store
- Records session outcomes for later inspection`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
