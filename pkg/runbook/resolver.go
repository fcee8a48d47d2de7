// Package runbook implements the clone-and-publish lifecycle: content
// resolution with layered fallbacks, metadata injection, registration with
// the automation backend, and job output polling.
package runbook

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/errdefs"
	"github.com/sirupsen/logrus"

	"github.com/helpdeskops/triage/pkg/backend"
	"github.com/helpdeskops/triage/pkg/types"
)

// ContentResolver fetches the body of a source runbook, trying the draft,
// the published version, and the raw content endpoint in order. When every
// source fails it synthesizes a placeholder script, so resolution never
// yields empty content.
type ContentResolver struct {
	log     logrus.FieldLogger
	backend backend.Backend
	clock   func() time.Time
}

// NewContentResolver creates a content resolver over the given backend.
func NewContentResolver(log logrus.FieldLogger, b backend.Backend) *ContentResolver {
	return &ContentResolver{
		log:     log.WithField("component", "content_resolver"),
		backend: b,
		clock:   time.Now,
	}
}

// Resolve returns the script body for sourceName. Credential failures
// propagate; a stale token must surface instead of silently producing a
// placeholder clone.
func (r *ContentResolver) Resolve(ctx context.Context, sourceName, targetSystem string) (string, error) {
	log := r.log.WithField("runbook", sourceName)

	content, err := r.backend.GetDraftContent(ctx, sourceName)
	if err == nil {
		log.Info("Draft content retrieved")
		return content, nil
	}
	if isCredentialError(err) {
		return "", err
	}
	log.WithError(err).Warn("Draft content unavailable")

	content, err = r.backend.GetPublishedContent(ctx, sourceName)
	if err == nil {
		log.Info("Published content retrieved")
		return content, nil
	}
	if isCredentialError(err) {
		return "", err
	}
	log.WithError(err).Warn("Published content unavailable")

	content, err = r.backend.GetContentREST(ctx, sourceName)
	if err == nil {
		log.Info("Content retrieved via raw endpoint")
		return content, nil
	}
	if isCredentialError(err) {
		return "", err
	}
	log.WithError(err).Warn("Raw content fetch failed")

	log.Info("No source content found, using placeholder script")

	return PlaceholderScript(sourceName, targetSystem, r.clock()), nil
}

// isCredentialError reports whether the failure means our credentials were
// rejected rather than the content being absent or the backend flaky.
func isCredentialError(err error) bool {
	return errdefs.IsUnauthorized(err) || errdefs.IsPermissionDenied(err)
}

// PlaceholderScript synthesizes a runnable script for a source runbook whose
// content could not be retrieved from any layer.
func PlaceholderScript(sourceName, targetSystem string, at time.Time) string {
	fileName := types.DerivedRunbookName(sourceName, targetSystem, at) + ".ps1"

	return fmt.Sprintf(
		"# Auto-generated Runbook\n# Name: %s\n# System: %s\n# Created: %s\n\nWrite-Output 'Running %s'\n",
		fileName,
		targetSystem,
		at.Format(types.TimestampLayout),
		fileName,
	)
}
