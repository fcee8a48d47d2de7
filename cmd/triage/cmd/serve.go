package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/helpdeskops/triage/internal/version"
	"github.com/helpdeskops/triage/pkg/config"
	"github.com/helpdeskops/triage/pkg/service"
)

// shutdownTimeout bounds how long in-flight requests may run during shutdown.
const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the triage HTTP API server",
	Long: `Run the HTTP API serving the diagnostic and troubleshooting flows.

Examples:
  triage serve
  triage serve --config /etc/triage/config.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	log.WithField("version", version.Version).Info("Starting triage API server")

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := buildDependencies(ctx, cfg)
	if err != nil {
		return err
	}

	defer deps.Close()

	svc, err := service.New(log, cfg, deps.Engine)
	if err != nil {
		return fmt.Errorf("creating service: %w", err)
	}

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("starting service: %w", err)
	}

	log.WithField("url", svc.URL()).Info("Triage API server started")

	<-ctx.Done()
	log.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := svc.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("stopping service: %w", err)
	}

	return nil
}
