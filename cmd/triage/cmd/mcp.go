package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/helpdeskops/triage/internal/version"
	"github.com/helpdeskops/triage/pkg/server"
)

var mcpTransport string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the triage MCP server",
	Long: `Run the Model Context Protocol server, exposing the triage flows as
tools for AI assistants.

Examples:
  triage mcp
  triage mcp --transport http --config config.yaml`,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)

	mcpCmd.Flags().StringVar(&mcpTransport, "transport", "", "MCP transport: stdio or http (default from config)")
}

func runMCP(_ *cobra.Command, _ []string) error {
	suppressLogs()

	cfg, err := loadConfigOrDefaults(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if mcpTransport != "" {
		cfg.Server.Transport = mcpTransport
	}

	log.WithFields(logrus.Fields{
		"version":   version.Version,
		"transport": cfg.Server.Transport,
	}).Info("Starting triage MCP server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := server.NewBuilder(log, cfg).Build(ctx)
	if err != nil {
		return fmt.Errorf("building MCP server: %w", err)
	}

	defer func() { _ = svc.Stop(context.Background()) }()

	if err := svc.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serving MCP: %w", err)
	}

	return nil
}
