package runbook

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/helpdeskops/triage/pkg/backend"
	"github.com/helpdeskops/triage/pkg/observability"
	"github.com/helpdeskops/triage/pkg/storage"
	"github.com/helpdeskops/triage/pkg/types"
)

// Clone step identifiers, used in logs and metrics.
const (
	stepResolve  = "resolve"
	stepAudit    = "audit_write"
	stepRegister = "register"
	stepUpload   = "upload_draft"
	stepPublish  = "publish"
	stepSubmit   = "submit_job"
)

// failurePolicy decides what a failed clone step does to the flow.
type failurePolicy int

const (
	// policyContinue logs the failure and proceeds with the next step.
	policyContinue failurePolicy = iota
	// policyAbort stops the clone and returns the error.
	policyAbort
)

// stepPolicy is the failure policy per clone step. Registration is the only
// remote step that aborts: without the entity every later step is meaningless,
// while a clone that exists but failed to upload or publish is still visible
// in the backend for manual repair.
var stepPolicy = map[string]failurePolicy{
	stepResolve:  policyAbort,
	stepAudit:    policyContinue,
	stepRegister: policyAbort,
	stepUpload:   policyContinue,
	stepPublish:  policyContinue,
	stepSubmit:   policyContinue,
}

// Cloner materializes per-incident copies of source runbooks and optionally
// starts their execution.
type Cloner struct {
	log         logrus.FieldLogger
	backend     backend.Backend
	resolver    *ContentResolver
	audit       storage.Writer
	targetGroup string
	clock       func() time.Time
}

// NewCloner creates a cloner. The audit writer may be nil when no audit
// trail is configured.
func NewCloner(log logrus.FieldLogger, b backend.Backend, resolver *ContentResolver, audit storage.Writer, targetGroup string) *Cloner {
	return &Cloner{
		log:         log.WithField("component", "cloner"),
		backend:     b,
		resolver:    resolver,
		audit:       audit,
		targetGroup: targetGroup,
		clock:       time.Now,
	}
}

// CloneAndPublish resolves the source content, registers a derived runbook
// with the injected metadata header, publishes it, and, when execute is set,
// submits a job for it. The returned job is nil when execution was not
// requested or its submission failed.
func (c *Cloner) CloneAndPublish(ctx context.Context, sourceName, targetSystem string, execute bool) (*types.ClonedRunbook, *types.ExecutionJob, error) {
	at := c.clock()
	derivedName := types.DerivedRunbookName(sourceName, targetSystem, at)

	log := c.log.WithFields(logrus.Fields{
		"source":  sourceName,
		"target":  targetSystem,
		"derived": derivedName,
	})

	var content string
	err := c.runStep(log, stepResolve, func() error {
		var err error
		content, err = c.resolver.Resolve(ctx, sourceName, targetSystem)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("resolving source content: %w", err)
	}

	annotated := AnnotateScript(sourceName, derivedName, targetSystem, at, content)

	if c.audit != nil {
		_ = c.runStep(log, stepAudit, func() error {
			return c.audit.Write(ctx, derivedName+".ps1", annotated)
		})
	}

	err = c.runStep(log, stepRegister, func() error {
		return c.backend.CreateOrUpdate(ctx, derivedName, backend.DefaultMetadata())
	})
	if err != nil {
		return nil, nil, fmt.Errorf("registering cloned runbook: %w", err)
	}

	_ = c.runStep(log, stepUpload, func() error {
		return c.backend.ReplaceDraftContent(ctx, derivedName, annotated)
	})

	_ = c.runStep(log, stepPublish, func() error {
		return c.backend.Publish(ctx, derivedName)
	})

	clone := &types.ClonedRunbook{
		SourceName:   sourceName,
		TargetSystem: targetSystem,
		DerivedName:  derivedName,
		Content:      annotated,
		CreatedAt:    at,
	}

	if !execute {
		log.Info("Runbook cloned without execution")
		return clone, nil, nil
	}

	jobName := types.JobNameFor(derivedName)

	var jobID string
	err = c.runStep(log, stepSubmit, func() error {
		var err error
		jobID, err = c.backend.SubmitJob(ctx, derivedName, jobName, c.targetGroup, nil)
		return err
	})
	if err != nil || jobID == "" {
		return clone, nil, nil
	}

	observability.JobsSubmittedTotal.WithLabelValues(c.backend.Name()).Inc()

	job := &types.ExecutionJob{
		JobName: jobName,
		JobID:   jobID,
		Status:  types.JobStatusQueued,
	}

	log.WithFields(logrus.Fields{"job": jobName, "job_id": jobID}).Info("Runbook cloned and execution started")

	return clone, job, nil
}

// runStep executes one clone step, records its outcome, and applies the
// step's failure policy. The returned error is non-nil only for aborting
// steps.
func (c *Cloner) runStep(log logrus.FieldLogger, step string, fn func() error) error {
	err := fn()
	if err == nil {
		observability.CloneStepsTotal.WithLabelValues(step, "success").Inc()
		return nil
	}

	observability.CloneStepsTotal.WithLabelValues(step, "failure").Inc()

	if stepPolicy[step] == policyAbort {
		log.WithError(err).WithField("step", step).Error("Clone step failed")
		return err
	}

	log.WithError(err).WithField("step", step).Warn("Clone step failed, continuing")

	return nil
}

// AnnotateScript prepends the clone metadata header to the source content.
func AnnotateScript(sourceName, derivedName, targetSystem string, at time.Time, content string) string {
	var sb strings.Builder

	sb.WriteString("# Generated by Triage Automation\n")
	sb.WriteString("# Created: " + at.Format(types.TimestampLayout) + "\n")
	sb.WriteString("# Source runbook: " + sourceName + "\n")
	sb.WriteString(fmt.Sprintf("$ScriptName = %q\n", derivedName))
	sb.WriteString(fmt.Sprintf("$DeviceName = %q\n", targetSystem))
	sb.WriteString("\n")
	sb.WriteString(content)

	return sb.String()
}
