// Package types holds the domain types shared across the triage service.
package types

import (
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of an execution job as reported by the
// automation backend.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "Queued"
	JobStatusRunning   JobStatus = "Running"
	JobStatusCompleted JobStatus = "Completed"
	JobStatusFailed    JobStatus = "Failed"
	JobStatusStopped   JobStatus = "Stopped"
)

// Terminal reports whether the status is one the backend will never leave.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusStopped:
		return true
	default:
		return false
	}
}

// RunbookReference identifies a remediation script registered with the
// automation backend. References are immutable; cloning always produces a new
// reference with a derived name.
type RunbookReference struct {
	Name string `json:"name"`
}

// ClonedRunbook is one instantiation of a source runbook for a single
// incident. It is never updated after creation; reruns create a new clone.
type ClonedRunbook struct {
	// SourceName is the runbook the clone was derived from.
	SourceName string `json:"source_name"`
	// TargetSystem is the machine/environment the clone is scoped to.
	TargetSystem string `json:"target_system"`
	// DerivedName is {source}_{target}_{YYYYMMDD_HHMMSS}; unique per clone.
	DerivedName string `json:"derived_name"`
	// Content is the source content with the injected metadata header.
	Content string `json:"-"`
	// CreatedAt is the clone timestamp that also feeds the derived name.
	CreatedAt time.Time `json:"created_at"`
}

// ExecutionJob is a handle to one asynchronous run of a cloned runbook.
// Status transitions are backend-driven and observed only via polling.
type ExecutionJob struct {
	JobName string    `json:"job_name"`
	JobID   string    `json:"job_id"`
	Status  JobStatus `json:"status"`
}

// PendingConfirmation is a proposed-but-unexecuted runbook awaiting an
// explicit yes/no from a human. At most one exists per target system.
type PendingConfirmation struct {
	TargetSystem string    `json:"target_system"`
	RunbookName  string    `json:"runbook_name"`
	Explanation  string    `json:"explanation"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the confirmation lapsed before the given instant.
func (p *PendingConfirmation) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// IssueRequest is the transient per-call input to the diagnostic and
// troubleshooting flows.
type IssueRequest struct {
	// Issue is the free-text problem description. Required, non-empty after
	// trimming.
	Issue string `json:"issue"`
	// Execute requests asynchronous execution of the cloned runbook.
	Execute bool `json:"execute"`
	// TargetMachine is the system the runbook is scoped to.
	TargetMachine string `json:"target_machine"`
}

// ConfirmRequest is the transient input to the troubleshooting confirmation
// step.
type ConfirmRequest struct {
	// Confirm approves (true) or cancels (false) the pending proposal.
	Confirm bool `json:"confirm"`
	// TargetMachine keys the proposal being confirmed.
	TargetMachine string `json:"target_machine"`
}

// JobOutputRequest addresses a previously submitted execution job.
type JobOutputRequest struct {
	// JobName is the backend job name (status lookups).
	JobName string `json:"job_name"`
	// JobID is the backend job identifier (output lookups).
	JobID string `json:"job_id"`
}

// TimestampLayout is the second-resolution timestamp embedded in derived
// runbook names and metadata headers.
const TimestampLayout = "20060102_150405"

// DerivedRunbookName forms the deterministic clone name from a source
// runbook, a target system, and a timestamp (second resolution).
func DerivedRunbookName(sourceName, targetSystem string, at time.Time) string {
	return fmt.Sprintf("%s_%s_%s", sourceName, targetSystem, at.Format(TimestampLayout))
}

// JobNameFor forms the deterministic job name for a derived runbook name.
func JobNameFor(derivedName string) string {
	return "job_" + derivedName
}

// CatalogEntry describes a source runbook known to the embedded catalog.
// Entries seed local execution backends and power catalog search.
type CatalogEntry struct {
	// Name is the backend identifier of the runbook (e.g. Diagnose_KB0010265).
	Name string `yaml:"name" json:"name"`
	// Description is a 1-2 sentence summary used for search matching.
	Description string `yaml:"description" json:"description"`
	// Tags are keywords for search (e.g. "outlook", "network", "sccm").
	Tags []string `yaml:"tags,omitempty" json:"tags,omitempty"`
	// Systems lists the system classes the runbook applies to.
	Systems []string `yaml:"systems,omitempty" json:"systems,omitempty"`
	// Content is the script body (not from frontmatter).
	Content string `yaml:"-" json:"content"`
	// FilePath is the source file for debugging.
	FilePath string `yaml:"-" json:"file_path"`
}
