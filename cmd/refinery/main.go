// Refinery runs a bounded generate-verify-repair loop and governs it.
//
// Usage:
//
//	# Repair a JSON document until it parses and carries the required keys
//	refinery run --require id --require name broken.json
//
//	# Serve loop health over HTTP, aggregating records from NATS
//	REFINERY_NATS_URL=nats://localhost:4222 refinery serve
//
//	# Expose loop health to agents over MCP stdio
//	refinery mcp
//
//	# Query a running server; exits non-zero on alert
//	refinery health --server http://localhost:9191
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// configPath is the optional YAML config file.
var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "refinery",
		Short: "Bounded generate-verify-repair loop",
		Long: `refinery drives a generator and a validator through a bounded
propose, validate and repair loop, and records every run in a long-term
log whose health can be evaluated over HTTP or MCP.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/refinery/config.yaml)")

	root.AddCommand(newRunCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newMCPCmd())
	root.AddCommand(newHealthCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "refinery by Fyrsmith Labs\n")
			fmt.Fprintf(out, "Version:    %s\n", version)
			fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		},
	}
}
