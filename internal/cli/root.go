// Package cli implements the ctxbudget command line: daemon lifecycle,
// inspection of a running daemon, and an offline simulator.
package cli

import (
	"github.com/spf13/cobra"
)

func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "ctxbudget",
		Short:         "Context budget controller for long LLM conversations",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to config file")
	rootCmd.PersistentFlags().String("server", "", "server address")
	rootCmd.PersistentFlags().String("conversation", "", "conversation id (defaults to the active one)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newStopCmd())
	rootCmd.AddCommand(newPsCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newResetCmd())
	rootCmd.AddCommand(newStopSummariesCmd())
	rootCmd.AddCommand(newForgetCmd())
	rootCmd.AddCommand(newSimulateCmd())

	return rootCmd
}
