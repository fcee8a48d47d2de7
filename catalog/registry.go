package catalog

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/helpdeskops/triage/pkg/types"
)

// Registry holds loaded catalog entries and provides access for seeding
// backends and for search.
type Registry struct {
	log     logrus.FieldLogger
	entries []types.CatalogEntry
	byName  map[string]*types.CatalogEntry
	mu      sync.RWMutex
}

// NewRegistry creates a new catalog registry and loads all embedded entries.
func NewRegistry(log logrus.FieldLogger) (*Registry, error) {
	log = log.WithField("component", "catalog_registry")

	entries, err := Load()
	if err != nil {
		return nil, fmt.Errorf("loading catalog: %w", err)
	}

	byName := make(map[string]*types.CatalogEntry, len(entries))
	for i := range entries {
		byName[entries[i].Name] = &entries[i]
	}

	log.WithField("entry_count", len(entries)).Info("Runbook catalog loaded")

	return &Registry{
		log:     log,
		entries: entries,
		byName:  byName,
	}, nil
}

// All returns all loaded entries.
func (r *Registry) All() []types.CatalogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// Return a copy to prevent external mutation.
	result := make([]types.CatalogEntry, len(r.entries))
	copy(result, r.entries)

	return result
}

// Get returns an entry by name, or nil if not found.
func (r *Registry) Get(name string) *types.CatalogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.byName[name]
}

// Count returns the number of loaded entries.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}

// Tags returns all unique tags across all entries.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tagSet := make(map[string]struct{})
	for _, ce := range r.entries {
		for _, tag := range ce.Tags {
			tagSet[tag] = struct{}{}
		}
	}

	tags := make([]string, 0, len(tagSet))
	for tag := range tagSet {
		tags = append(tags, tag)
	}

	return tags
}
