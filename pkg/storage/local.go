package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// LocalStore writes scripts into a directory on disk.
type LocalStore struct {
	log logrus.FieldLogger
	dir string
}

var _ Writer = (*LocalStore)(nil)

// NewLocalStore creates a local script store rooted at dir.
func NewLocalStore(log logrus.FieldLogger, dir string) *LocalStore {
	return &LocalStore{
		log: log.WithField("component", "local_store"),
		dir: dir,
	}
}

// Write persists the script as {dir}/{fileName}.
func (s *LocalStore) Write(_ context.Context, fileName, content string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating audit directory %q: %w", s.dir, err)
	}

	path := filepath.Join(s.dir, fileName)

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing script %q: %w", path, err)
	}

	s.log.WithField("path", path).Info("Script saved locally")

	return nil
}
