// Package main provides the entry point for the dispatchd server binary.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/taskforge/dispatch/cmd/dispatchd/commands"
	"github.com/taskforge/dispatch/pkg/version"
)

func main() {
	version.InitBinaryVersion()

	rootCmd := &cobra.Command{
		Use:   "dispatchd",
		Short: "Dispatch - credit-backed distributed task marketplace engine",
		Long: `dispatchd runs the task dispatch/accounting HTTP server.

Commands:
  serve     Start the HTTP API server`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(commands.NewServeCommand())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(os.Stdout, "dispatchd %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}
