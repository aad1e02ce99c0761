package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	mcpserver "github.com/fyrsmithlabs/refinery/internal/mcp"
)

const mcpScope = "github.com/fyrsmithlabs/refinery/internal/mcp"

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Expose loop health over MCP stdio",
		Long: `Run an MCP server on stdin/stdout with the loop_health and loop_policy
tools. Logs go to stderr.

When nats.url is set, the server aggregates interaction records published
by "refinery run" so loop_health reflects them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.close(ctx)

			return runMCP(ctx, a)
		},
	}
}

func newMCPServer(a *app) (*mcpserver.Server, error) {
	return mcpserver.NewServer(&mcpserver.Config{
		Name:    "refinery",
		Version: version,
		Logger:  a.logger.Underlying().Named("mcp"),
		Meter:   a.tel.Meter(mcpScope),
	}, a.observer)
}

func runMCP(ctx context.Context, a *app) error {
	src, err := a.startSource(ctx)
	if err != nil {
		return err
	}
	if src != nil {
		defer func() { _ = src.Stop() }()
	}

	srv, err := newMCPServer(a)
	if err != nil {
		return fmt.Errorf("failed to create mcp server: %w", err)
	}

	// stdout carries the protocol
	fmt.Fprintln(os.Stderr, "refinery mcp stdio mode started")

	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}
