// Package storage persists cloned runbook scripts for audit. Every clone is
// written to a local directory; an S3-compatible object store can mirror the
// same files.
package storage

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/helpdeskops/triage/pkg/config"
)

// Writer persists one script body under a file name.
type Writer interface {
	Write(ctx context.Context, fileName, content string) error
}

// AuditStore writes scripts locally and mirrors them to an object store when
// one is configured. The local write is authoritative; mirror failures are
// logged and swallowed.
type AuditStore struct {
	log    logrus.FieldLogger
	local  *LocalStore
	mirror *S3Mirror
}

var _ Writer = (*AuditStore)(nil)

// New creates the audit store for the given configuration.
func New(log logrus.FieldLogger, cfg config.StorageConfig) *AuditStore {
	return &AuditStore{
		log:    log.WithField("component", "audit_store"),
		local:  NewLocalStore(log, cfg.AuditDir),
		mirror: NewS3Mirror(log, cfg.S3),
	}
}

// Write persists the script locally and mirrors it when configured.
func (s *AuditStore) Write(ctx context.Context, fileName, content string) error {
	if err := s.local.Write(ctx, fileName, content); err != nil {
		return err
	}

	if s.mirror != nil {
		if err := s.mirror.Write(ctx, fileName, content); err != nil {
			s.log.WithError(err).WithField("file", fileName).Warn("Mirroring script to object store failed")
		}
	}

	return nil
}
