package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/helpdeskops/triage/pkg/config"
	"github.com/helpdeskops/triage/pkg/defaults"
	"github.com/helpdeskops/triage/pkg/server"
)

// buildDependencies constructs the engine and its collaborators from the
// resolved configuration.
func buildDependencies(ctx context.Context, cfg *config.Config) (*server.Dependencies, error) {
	deps, err := server.NewBuilder(log, cfg).BuildDependencies(ctx)
	if err != nil {
		return nil, fmt.Errorf("building dependencies: %w", err)
	}

	return deps, nil
}

// loadConfigOrDefaults loads config from file if provided, otherwise returns
// a minimal config with production defaults suitable for CLI usage.
func loadConfigOrDefaults(cfgPath string) (*config.Config, error) {
	if cfgPath != "" {
		return config.Load(cfgPath)
	}

	// Check if CONFIG_PATH env var is set.
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		return config.Load(envPath)
	}

	// Check if the default config file exists.
	if _, err := os.Stat(defaults.ConfigPath); err == nil {
		return config.Load(defaults.ConfigPath)
	}

	// Minimal config with production defaults: local docker backend so the
	// CLI works without a remote automation account.
	return &config.Config{
		Server: config.ServerConfig{
			Host:      "127.0.0.1",
			Port:      8320,
			Transport: "stdio",
		},
		Backend: config.BackendConfig{
			Kind:        "docker",
			TargetGroup: defaults.TargetGroup,
			Docker: config.DockerBackendConfig{
				Image:       defaults.RunbookImage,
				Shell:       "pwsh",
				MemoryLimit: "512m",
			},
		},
		Storage: config.StorageConfig{
			AuditDir: "generated_runbooks",
		},
		Pending: config.PendingConfig{TTL: 300 * time.Second},
		Poll: config.PollConfig{
			Interval: 5 * time.Second,
			MaxWait:  30 * time.Minute,
		},
	}, nil
}

// outputJSON marshals a value to JSON and prints it to stdout.
func outputJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}

	fmt.Println(string(data))

	return nil
}

// isTerminal returns true if stdout is a terminal (TTY).
func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// suppressLogs sets log output to discard when not in verbose mode.
// CLI commands should be quiet by default, only showing output.
func suppressLogs() {
	if log.GetLevel() < logrus.DebugLevel {
		log.SetOutput(os.Stderr)
		log.SetLevel(logrus.WarnLevel)
	}
}
