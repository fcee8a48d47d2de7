// Package defaults provides production default values for the triage service.
package defaults

const (
	// TargetMachine is the target system used when a request omits one.
	TargetMachine = "demo_system"

	// TargetGroup is the hybrid worker group remote jobs are scheduled on.
	TargetGroup = "Agentic_AI_POC_SCCM"

	// ConfigPath is where the service looks for its configuration file when
	// neither --config nor CONFIG_PATH is set.
	ConfigPath = "config.yaml"

	// RunbookImage is the container image local execution backends run
	// scripts in.
	RunbookImage = "mcr.microsoft.com/powershell:latest"
)
