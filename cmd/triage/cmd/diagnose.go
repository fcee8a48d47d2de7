package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/helpdeskops/triage/pkg/defaults"
	"github.com/helpdeskops/triage/pkg/types"
)

// DiagnoseCLIResult is the JSON output format for the diagnose command.
type DiagnoseCLIResult struct {
	RunbookName     string  `json:"runbook_name"`
	Message         string  `json:"message"`
	Output          string  `json:"output,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
}

var (
	diagnoseIssue   string
	diagnoseTarget  string
	diagnoseExecute bool
	diagnoseJSON    bool
	diagnoseTimeout int
)

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Resolve an issue to a runbook from the command line",
	Long: `Send a free-text issue description through the diagnostic flow: the
agent maps it to a runbook and, with --execute, the runbook is cloned,
published and run against the target machine.

Examples:
  triage diagnose --issue "Outlook won't open"
  triage diagnose --issue "Disk full on C:" --target WKS01 --execute
  triage diagnose --issue "VPN drops" --json`,
	RunE: runDiagnose,
}

func init() {
	rootCmd.AddCommand(diagnoseCmd)

	diagnoseCmd.Flags().StringVar(&diagnoseIssue, "issue", "", "Issue description (required)")
	diagnoseCmd.Flags().StringVar(&diagnoseTarget, "target", defaults.TargetMachine, "Target machine the runbook is scoped to")
	diagnoseCmd.Flags().BoolVar(&diagnoseExecute, "execute", false, "Execute the resolved runbook and wait for its output")
	diagnoseCmd.Flags().BoolVar(&diagnoseJSON, "json", false, "Force JSON output")
	diagnoseCmd.Flags().IntVar(&diagnoseTimeout, "timeout", 300, "Overall timeout in seconds")
}

func runDiagnose(_ *cobra.Command, _ []string) error {
	suppressLogs()

	if diagnoseIssue == "" {
		return fmt.Errorf("--issue is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(diagnoseTimeout)*time.Second)
	defer cancel()

	cfg, err := loadConfigOrDefaults(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	deps, err := buildDependencies(ctx, cfg)
	if err != nil {
		return err
	}

	defer deps.Close()

	start := time.Now()

	result, err := deps.Engine.Diagnose(ctx, types.IssueRequest{
		Issue:         diagnoseIssue,
		Execute:       diagnoseExecute,
		TargetMachine: diagnoseTarget,
	})
	if err != nil {
		return fmt.Errorf("diagnosing issue: %w", err)
	}

	if diagnoseJSON || !isTerminal() {
		return outputJSON(DiagnoseCLIResult{
			RunbookName:     result.RunbookName,
			Message:         result.Message,
			Output:          result.Output,
			DurationSeconds: time.Since(start).Seconds(),
		})
	}

	// Human-readable output.
	fmt.Printf("runbook: %s\n", result.RunbookName)
	fmt.Println(result.Message)

	if result.Output != "" {
		fmt.Println()
		fmt.Println(result.Output)
	}

	return nil
}
