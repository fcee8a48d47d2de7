package backend

import (
	"fmt"
	"sync"

	"github.com/containerd/errdefs"

	"github.com/helpdeskops/triage/pkg/types"
)

// inventoryEntry is one runbook held by a local backend. Draft and published
// bodies are independent; publishing copies draft over published.
type inventoryEntry struct {
	meta      RunbookMetadata
	draft     string
	published string
}

// inventory is the runbook storage half of the local backends. Seeded
// entries arrive published, matching how a real automation account would
// present an existing corpus.
type inventory struct {
	mu      sync.RWMutex
	entries map[string]*inventoryEntry
}

func newInventory(seed []types.CatalogEntry) *inventory {
	inv := &inventory{entries: make(map[string]*inventoryEntry, len(seed))}

	for _, entry := range seed {
		inv.entries[entry.Name] = &inventoryEntry{
			meta:      DefaultMetadata(),
			published: entry.Content,
		}
	}

	return inv
}

func (inv *inventory) getDraft(name string) (string, error) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	entry, ok := inv.entries[name]
	if !ok {
		return "", fmt.Errorf("runbook %q: %w", name, errdefs.ErrNotFound)
	}
	if entry.draft == "" {
		return "", fmt.Errorf("runbook %q has no draft: %w", name, errdefs.ErrNotFound)
	}

	return entry.draft, nil
}

func (inv *inventory) getPublished(name string) (string, error) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	entry, ok := inv.entries[name]
	if !ok {
		return "", fmt.Errorf("runbook %q: %w", name, errdefs.ErrNotFound)
	}
	if entry.published == "" {
		return "", fmt.Errorf("runbook %q is not published: %w", name, errdefs.ErrNotFound)
	}

	return entry.published, nil
}

func (inv *inventory) createOrUpdate(name string, meta RunbookMetadata) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	entry, ok := inv.entries[name]
	if !ok {
		entry = &inventoryEntry{}
		inv.entries[name] = entry
	}
	entry.meta = meta
}

func (inv *inventory) replaceDraft(name, content string) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	entry, ok := inv.entries[name]
	if !ok {
		return fmt.Errorf("runbook %q: %w", name, errdefs.ErrNotFound)
	}
	entry.draft = content

	return nil
}

func (inv *inventory) publish(name string) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	entry, ok := inv.entries[name]
	if !ok {
		return fmt.Errorf("runbook %q: %w", name, errdefs.ErrNotFound)
	}
	if entry.draft == "" {
		return fmt.Errorf("runbook %q has no draft to publish: %w", name, errdefs.ErrFailedPrecondition)
	}

	entry.published = entry.draft
	entry.draft = ""

	return nil
}
