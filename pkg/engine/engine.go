// Package engine sequences the triage flows: issue resolution through the
// conversational agents, runbook cloning, confirmation tracking, and job
// output retrieval. It owns no transport concerns; HTTP handlers and MCP
// tools are thin adapters over it.
package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/sirupsen/logrus"

	"github.com/helpdeskops/triage/pkg/defaults"
	"github.com/helpdeskops/triage/pkg/observability"
	"github.com/helpdeskops/triage/pkg/pending"
	"github.com/helpdeskops/triage/pkg/telemetry"
	"github.com/helpdeskops/triage/pkg/types"
)

const serviceName = "triage"

// Caller-visible messages. These strings are part of the API contract.
const (
	messageRunbookReady     = "Runbook ready but not executed."
	messageRunbookCancelled = "Runbook execution cancelled."
)

// IssueResolver maps free-text issue descriptions to runbook names.
type IssueResolver interface {
	ResolveDiagnostic(ctx context.Context, issue string) (string, error)
	ResolveTroubleshooting(ctx context.Context, issue string) (name, explanation string, err error)
}

// RunbookCloner materializes a per-incident runbook copy and optionally
// starts its execution.
type RunbookCloner interface {
	CloneAndPublish(ctx context.Context, sourceName, targetSystem string, execute bool) (*types.ClonedRunbook, *types.ExecutionJob, error)
}

// OutputPoller awaits a job's terminal state and returns its output.
type OutputPoller interface {
	AwaitOutput(ctx context.Context, jobName, jobID string) (types.JobStatus, string, error)
}

// Dependencies are the collaborators an Engine sequences.
type Dependencies struct {
	Resolver IssueResolver
	Cloner   RunbookCloner
	Poller   OutputPoller
	Pending  *pending.Store
	// Telemetry may be nil; events are then discarded.
	Telemetry telemetry.Sink
	// DefaultTarget is used when a request omits target_machine.
	DefaultTarget string
}

// Engine is the request orchestrator.
type Engine struct {
	log           logrus.FieldLogger
	resolver      IssueResolver
	cloner        RunbookCloner
	poller        OutputPoller
	pending       *pending.Store
	sink          telemetry.Sink
	defaultTarget string
}

// New creates an engine over the given collaborators.
func New(log logrus.FieldLogger, deps Dependencies) *Engine {
	sink := deps.Telemetry
	if sink == nil {
		sink = telemetry.NewNoop()
	}

	defaultTarget := deps.DefaultTarget
	if defaultTarget == "" {
		defaultTarget = defaults.TargetMachine
	}

	return &Engine{
		log:           log.WithField("component", "engine"),
		resolver:      deps.Resolver,
		cloner:        deps.Cloner,
		poller:        deps.Poller,
		pending:       deps.Pending,
		sink:          sink,
		defaultTarget: defaultTarget,
	}
}

// DiagnoseResult is the outcome of the diagnostic flow.
type DiagnoseResult struct {
	RunbookName string
	Message     string
	// Output is the job output when execution was requested and finished.
	Output string
}

// AnalyzeResult is the outcome of the troubleshooting analysis step.
type AnalyzeResult struct {
	RunbookName     string
	FullDescription string
	// ExecutePending reports whether a proposal now awaits confirmation.
	ExecutePending bool
}

// ConfirmResult is the outcome of the troubleshooting confirmation step.
type ConfirmResult struct {
	RunbookName string
	Message     string
	// Job identifies the submitted execution job, when one was started.
	Job *types.ExecutionJob
}

// Diagnose resolves an issue through the diagnostic agent and, when
// requested, clones and executes the matched runbook, waiting for its
// output.
func (e *Engine) Diagnose(ctx context.Context, req types.IssueRequest) (*DiagnoseResult, error) {
	if err := validateIssue(req.Issue); err != nil {
		return nil, err
	}

	target := e.target(req.TargetMachine)

	log := e.log.WithFields(logrus.Fields{
		"flow":    "diagnostic",
		"target":  target,
		"execute": req.Execute,
	})
	log.Info("Diagnostic request received")

	name, err := e.resolver.ResolveDiagnostic(ctx, req.Issue)
	if err != nil {
		observability.ResolutionsTotal.WithLabelValues("diagnostic", "error").Inc()
		e.emit(ctx, "diagnose", target, "", "failure", err.Error())

		return nil, fmt.Errorf("resolving issue: %w", err)
	}

	if name == "" {
		observability.ResolutionsTotal.WithLabelValues("diagnostic", "no_runbook").Inc()
		e.emit(ctx, "diagnose", target, "", "no_runbook", "")

		return nil, fmt.Errorf("diagnostic agent returned no runbook: %w", errdefs.ErrNotFound)
	}

	observability.ResolutionsTotal.WithLabelValues("diagnostic", "resolved").Inc()

	result := &DiagnoseResult{RunbookName: name}

	if !req.Execute {
		result.Message = messageRunbookReady

		e.emit(ctx, "diagnose", target, name, "ready", "")
		log.WithField("runbook", name).Info("Runbook resolved, execution not requested")

		return result, nil
	}

	clone, job, err := e.cloner.CloneAndPublish(ctx, name, target, true)
	if err != nil {
		e.emit(ctx, "diagnose", target, name, "failure", err.Error())
		return nil, fmt.Errorf("cloning runbook %q: %w", name, err)
	}

	if job != nil {
		status, output, err := e.poller.AwaitOutput(ctx, job.JobName, job.JobID)
		if err != nil {
			e.emit(ctx, "diagnose", target, clone.DerivedName, "failure", err.Error())
			return nil, fmt.Errorf("awaiting output of job %q: %w", job.JobName, err)
		}

		result.Output = output

		log.WithFields(logrus.Fields{
			"job":    job.JobName,
			"status": status,
		}).Info("Runbook execution finished")
	}

	result.Message = executedMessage(name, target)

	e.emit(ctx, "diagnose", target, clone.DerivedName, "executed", "")

	return result, nil
}

// Analyze resolves an issue through the troubleshooting agent and, when
// execution is requested, records a proposal that awaits confirmation.
func (e *Engine) Analyze(ctx context.Context, req types.IssueRequest) (*AnalyzeResult, error) {
	if err := validateIssue(req.Issue); err != nil {
		return nil, err
	}

	target := e.target(req.TargetMachine)

	log := e.log.WithFields(logrus.Fields{
		"flow":    "troubleshooting",
		"target":  target,
		"execute": req.Execute,
	})
	log.Info("Troubleshooting analysis requested")

	e.pending.SweepExpired()

	name, explanation, err := e.resolver.ResolveTroubleshooting(ctx, req.Issue)
	if err != nil {
		observability.ResolutionsTotal.WithLabelValues("troubleshooting", "error").Inc()
		e.emit(ctx, "analyze", target, "", "failure", err.Error())

		return nil, fmt.Errorf("resolving issue: %w", err)
	}

	if name == "" {
		observability.ResolutionsTotal.WithLabelValues("troubleshooting", "no_runbook").Inc()
		e.emit(ctx, "analyze", target, "", "no_runbook", "")

		return nil, fmt.Errorf("troubleshooting agent returned no runbook: %w", errdefs.ErrNotFound)
	}

	observability.ResolutionsTotal.WithLabelValues("troubleshooting", "resolved").Inc()

	if req.Execute {
		e.pending.Propose(target, name, explanation)
		e.emit(ctx, "analyze", target, name, "proposed", "")
	} else {
		e.emit(ctx, "analyze", target, name, "analyzed", "")
	}

	return &AnalyzeResult{
		RunbookName:     name,
		FullDescription: explanation,
		ExecutePending:  req.Execute,
	}, nil
}

// Confirm settles a pending proposal: approval clones and executes the
// proposed runbook, denial discards it.
func (e *Engine) Confirm(ctx context.Context, req types.ConfirmRequest) (*ConfirmResult, error) {
	target := e.target(req.TargetMachine)

	log := e.log.WithFields(logrus.Fields{
		"flow":    "troubleshooting",
		"target":  target,
		"confirm": req.Confirm,
	})
	log.Info("Confirmation received")

	e.pending.SweepExpired()

	if !req.Confirm {
		if !e.pending.Cancel(target) {
			return nil, notFoundNoPending(target)
		}

		e.emit(ctx, "confirm", target, "", "cancelled", "")

		return &ConfirmResult{Message: messageRunbookCancelled}, nil
	}

	entry, ok := e.pending.Take(target)
	if !ok {
		return nil, notFoundNoPending(target)
	}

	clone, job, err := e.cloner.CloneAndPublish(ctx, entry.RunbookName, target, true)
	if err != nil {
		e.emit(ctx, "confirm", target, entry.RunbookName, "failure", err.Error())
		return nil, fmt.Errorf("cloning runbook %q: %w", entry.RunbookName, err)
	}

	e.emit(ctx, "confirm", target, clone.DerivedName, "executed", "")
	log.WithField("runbook", entry.RunbookName).Info("Confirmed runbook execution started")

	return &ConfirmResult{
		RunbookName: entry.RunbookName,
		Message:     executedMessage(entry.RunbookName, target),
		Job:         job,
	}, nil
}

// FetchOutput waits for a previously submitted job and returns its terminal
// status and output.
func (e *Engine) FetchOutput(ctx context.Context, req types.JobOutputRequest) (types.JobStatus, string, error) {
	if strings.TrimSpace(req.JobName) == "" || strings.TrimSpace(req.JobID) == "" {
		return "", "", fmt.Errorf("job_name and job_id are required: %w", errdefs.ErrInvalidArgument)
	}

	status, output, err := e.poller.AwaitOutput(ctx, req.JobName, req.JobID)
	if err != nil {
		e.emit(ctx, "fetch_output", "", req.JobName, "failure", err.Error())
		return "", "", err
	}

	e.emit(ctx, "fetch_output", "", req.JobName, "success", "")

	return status, output, nil
}

func (e *Engine) target(requested string) string {
	if strings.TrimSpace(requested) == "" {
		return e.defaultTarget
	}

	return requested
}

func (e *Engine) emit(ctx context.Context, operation, target, runbookName, status, detail string) {
	e.sink.Emit(ctx, telemetry.Event{
		Service:       serviceName,
		Operation:     operation,
		CorrelationID: observability.GetCorrelationID(ctx),
		TargetSystem:  target,
		RunbookName:   runbookName,
		Status:        status,
		Detail:        detail,
	})
}

func validateIssue(issue string) error {
	if strings.TrimSpace(issue) == "" {
		return fmt.Errorf("issue text is required: %w", errdefs.ErrInvalidArgument)
	}

	return nil
}

func notFoundNoPending(target string) error {
	return fmt.Errorf("no pending runbook for target machine %q: %w", target, errdefs.ErrNotFound)
}

func executedMessage(runbookName, target string) string {
	return fmt.Sprintf("Runbook '%s' executed on %s", runbookName, target)
}
