package cmd

import (
	"github.com/spf13/cobra"
)

const defaultConfigPath = "./config/profiler"

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiler",
		Short: "profiler serves a demo application and records a measurement for every request it routes",
	}

	cmd.AddCommand(
		runCmd(),
		configCmd(),
	)

	return cmd
}
