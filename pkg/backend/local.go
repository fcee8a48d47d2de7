package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/containerd/errdefs"

	"github.com/helpdeskops/triage/pkg/types"
)

// localJob tracks one container or pod execution owned by a local backend.
type localJob struct {
	mu     sync.Mutex
	id     string
	name   string
	status types.JobStatus
	output string
}

func (j *localJob) snapshot() (types.JobStatus, string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.status, j.output
}

func (j *localJob) finish(status types.JobStatus, output string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.status = status
	j.output = output
}

func (j *localJob) setStatus(status types.JobStatus) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.status = status
}

// jobTable indexes local jobs by both job name and backend job ID.
type jobTable struct {
	mu     sync.Mutex
	byName map[string]*localJob
	byID   map[string]*localJob
}

func newJobTable() *jobTable {
	return &jobTable{
		byName: make(map[string]*localJob),
		byID:   make(map[string]*localJob),
	}
}

func (t *jobTable) add(job *localJob) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.byName[job.name] = job
	t.byID[job.id] = job
}

func (t *jobTable) getByName(name string) (*localJob, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.byName[name]

	return job, ok
}

func (t *jobTable) getByID(id string) (*localJob, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.byID[id]

	return job, ok
}

func (t *jobTable) statusByName(name string) (types.JobStatus, error) {
	job, ok := t.getByName(name)
	if !ok {
		return "", fmt.Errorf("job %q: %w", name, errdefs.ErrNotFound)
	}

	status, _ := job.snapshot()

	return status, nil
}

func (t *jobTable) outputByID(id string) (string, error) {
	job, ok := t.getByID(id)
	if !ok {
		return "", fmt.Errorf("job %q: %w", id, errdefs.ErrNotFound)
	}

	_, output := job.snapshot()

	return output, nil
}

// inventoryBackend provides the runbook storage half of Backend over an
// in-memory inventory. Local backends embed it.
type inventoryBackend struct {
	inv *inventory
}

func (b *inventoryBackend) GetDraftContent(_ context.Context, name string) (string, error) {
	return b.inv.getDraft(name)
}

func (b *inventoryBackend) GetPublishedContent(_ context.Context, name string) (string, error) {
	return b.inv.getPublished(name)
}

// GetContentREST resolves like a published fetch; local inventories have no
// separate raw endpoint.
func (b *inventoryBackend) GetContentREST(_ context.Context, name string) (string, error) {
	return b.inv.getPublished(name)
}

func (b *inventoryBackend) CreateOrUpdate(_ context.Context, name string, meta RunbookMetadata) error {
	b.inv.createOrUpdate(name, meta)
	return nil
}

func (b *inventoryBackend) ReplaceDraftContent(_ context.Context, name, content string) error {
	return b.inv.replaceDraft(name, content)
}

func (b *inventoryBackend) Publish(_ context.Context, name string) error {
	return b.inv.publish(name)
}
