// Package backend abstracts the automation system that stores runbooks and
// executes them as asynchronous jobs. Implementations classify failures with
// containerd/errdefs so callers branch on error class, never on message text.
package backend

import (
	"context"
	"fmt"
	"net/http"

	"github.com/containerd/errdefs"
	"github.com/sirupsen/logrus"

	"github.com/helpdeskops/triage/pkg/auth/store"
	"github.com/helpdeskops/triage/pkg/config"
	"github.com/helpdeskops/triage/pkg/types"
)

// RunbookMetadata describes a runbook being registered with the backend.
type RunbookMetadata struct {
	// RunbookType is the script dialect, e.g. "PowerShell".
	RunbookType string `json:"runbookType"`
	// Description is an optional human-readable summary.
	Description string `json:"description,omitempty"`
	// LogProgress enables progress record capture during execution.
	LogProgress bool `json:"logProgress"`
	// LogVerbose enables verbose record capture during execution.
	LogVerbose bool `json:"logVerbose"`
}

// DefaultMetadata returns the registration metadata used for cloned runbooks.
func DefaultMetadata() RunbookMetadata {
	return RunbookMetadata{
		RunbookType: "PowerShell",
		LogProgress: true,
		LogVerbose:  false,
	}
}

// Backend is the automation system runbooks are registered with and executed
// on. All operations are remote calls; errors carry errdefs classes.
type Backend interface {
	// GetDraftContent returns the draft body of a runbook.
	GetDraftContent(ctx context.Context, name string) (string, error)

	// GetPublishedContent returns the published body of a runbook.
	GetPublishedContent(ctx context.Context, name string) (string, error)

	// GetContentREST returns the runbook body via the raw content endpoint.
	// It is the last fetch attempt before a placeholder is generated.
	GetContentREST(ctx context.Context, name string) (string, error)

	// CreateOrUpdate registers a runbook entity under the given name.
	CreateOrUpdate(ctx context.Context, name string, meta RunbookMetadata) error

	// ReplaceDraftContent uploads the given body as the runbook's draft.
	ReplaceDraftContent(ctx context.Context, name, content string) error

	// Publish promotes the runbook's draft to its published version.
	Publish(ctx context.Context, name string) error

	// SubmitJob starts an asynchronous execution of a published runbook on
	// the given worker group and returns the backend's job identifier.
	SubmitJob(ctx context.Context, runbookName, jobName, targetGroup string, params map[string]string) (string, error)

	// GetJobStatus returns the current lifecycle status of a job.
	GetJobStatus(ctx context.Context, jobName string) (types.JobStatus, error)

	// GetJobOutput returns the captured output of a job.
	GetJobOutput(ctx context.Context, jobID string) (string, error)

	// Name identifies the backend implementation in logs and telemetry.
	Name() string
}

// New creates the backend selected by cfg.Kind. The token source is only
// used by the rest backend; seed populates the inventories of the local
// backends so content resolution behaves identically everywhere.
func New(log logrus.FieldLogger, cfg config.BackendConfig, tokens store.Source, seed []types.CatalogEntry) (Backend, error) {
	switch cfg.Kind {
	case "rest":
		if cfg.REST == nil {
			return nil, fmt.Errorf("rest backend selected but not configured: %w", errdefs.ErrInvalidArgument)
		}
		return newRESTBackend(log, *cfg.REST, tokens), nil
	case "docker":
		return newDockerBackend(log, cfg.Docker, seed)
	case "kubernetes":
		return newKubernetesBackend(log, cfg.Kubernetes, seed)
	default:
		return nil, fmt.Errorf("unknown backend kind %q: %w", cfg.Kind, errdefs.ErrInvalidArgument)
	}
}

// classifyHTTPStatus maps an HTTP response status to an errdefs class. The
// returned error wraps the class sentinel so errdefs.Is* checks match.
func classifyHTTPStatus(status int, op, subject, detail string) error {
	var class error

	switch {
	case status == http.StatusBadRequest:
		class = errdefs.ErrInvalidArgument
	case status == http.StatusUnauthorized:
		class = errdefs.ErrUnauthenticated
	case status == http.StatusForbidden:
		class = errdefs.ErrPermissionDenied
	case status == http.StatusNotFound:
		class = errdefs.ErrNotFound
	case status == http.StatusConflict:
		class = errdefs.ErrConflict
	case status == http.StatusTooManyRequests:
		class = errdefs.ErrResourceExhausted
	case status >= 500:
		class = errdefs.ErrUnavailable
	default:
		class = errdefs.ErrUnknown
	}

	if detail != "" {
		return fmt.Errorf("%s %s: status %d: %s: %w", op, subject, status, detail, class)
	}

	return fmt.Errorf("%s %s: status %d: %w", op, subject, status, class)
}
