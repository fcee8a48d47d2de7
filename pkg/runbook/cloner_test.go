package runbook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/helpdeskops/triage/pkg/backend"
	"github.com/helpdeskops/triage/pkg/storage"
	"github.com/helpdeskops/triage/pkg/types"
)

var cloneTestTime = time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)

type submittedJob struct {
	runbook     string
	jobName     string
	targetGroup string
}

// fakeBackend scripts backend behavior and records every call so tests can
// assert which steps ran.
type fakeBackend struct {
	mu sync.Mutex

	draft     map[string]string
	published map[string]string
	raw       map[string]string

	draftErr     error
	publishedErr error
	rawErr       error
	registerErr  error
	uploadErr    error
	publishErr   error
	submitErr    error
	statusErr    error
	outputErr    error

	lookups    []string
	registered []string
	uploads    map[string]string
	publishes  []string
	submits    []submittedJob

	jobID       string
	statusSeq   []types.JobStatus
	statusCalls int
	output      string
	outputCalls int
}

var _ backend.Backend = (*fakeBackend)(nil)

func (f *fakeBackend) GetDraftContent(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lookups = append(f.lookups, "draft")

	if f.draftErr != nil {
		return "", f.draftErr
	}

	if content, ok := f.draft[name]; ok {
		return content, nil
	}

	return "", fmt.Errorf("draft content for runbook %q: %w", name, errdefs.ErrNotFound)
}

func (f *fakeBackend) GetPublishedContent(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lookups = append(f.lookups, "published")

	if f.publishedErr != nil {
		return "", f.publishedErr
	}

	if content, ok := f.published[name]; ok {
		return content, nil
	}

	return "", fmt.Errorf("published content for runbook %q: %w", name, errdefs.ErrNotFound)
}

func (f *fakeBackend) GetContentREST(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lookups = append(f.lookups, "raw")

	if f.rawErr != nil {
		return "", f.rawErr
	}

	if content, ok := f.raw[name]; ok {
		return content, nil
	}

	return "", fmt.Errorf("content for runbook %q: %w", name, errdefs.ErrNotFound)
}

func (f *fakeBackend) CreateOrUpdate(_ context.Context, name string, _ backend.RunbookMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.registered = append(f.registered, name)

	return f.registerErr
}

func (f *fakeBackend) ReplaceDraftContent(_ context.Context, name, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.uploads == nil {
		f.uploads = map[string]string{}
	}

	f.uploads[name] = content

	return f.uploadErr
}

func (f *fakeBackend) Publish(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.publishes = append(f.publishes, name)

	return f.publishErr
}

func (f *fakeBackend) SubmitJob(_ context.Context, runbookName, jobName, targetGroup string, _ map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.submits = append(f.submits, submittedJob{runbook: runbookName, jobName: jobName, targetGroup: targetGroup})

	if f.submitErr != nil {
		return "", f.submitErr
	}

	return f.jobID, nil
}

func (f *fakeBackend) GetJobStatus(_ context.Context, _ string) (types.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.statusCalls++

	if f.statusErr != nil {
		return "", f.statusErr
	}

	if len(f.statusSeq) == 0 {
		return types.JobStatusCompleted, nil
	}

	idx := f.statusCalls - 1
	if idx >= len(f.statusSeq) {
		idx = len(f.statusSeq) - 1
	}

	return f.statusSeq[idx], nil
}

func (f *fakeBackend) GetJobOutput(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.outputCalls++

	if f.outputErr != nil {
		return "", f.outputErr
	}

	return f.output, nil
}

func (f *fakeBackend) Name() string { return "fake" }

type fakeAudit struct {
	mu    sync.Mutex
	files map[string]string
	err   error
}

var _ storage.Writer = (*fakeAudit)(nil)

func (f *fakeAudit) Write(_ context.Context, fileName, content string) error {
	if f.err != nil {
		return f.err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.files == nil {
		f.files = map[string]string{}
	}

	f.files[fileName] = content

	return nil
}

func newTestCloner(b *fakeBackend, audit storage.Writer) *Cloner {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	resolver := NewContentResolver(log, b)
	resolver.clock = func() time.Time { return cloneTestTime }

	cloner := NewCloner(log, b, resolver, audit, "Agentic_AI_POC_SCCM")
	cloner.clock = resolver.clock

	return cloner
}

func TestCloneAndPublishWithExecution(t *testing.T) {
	b := &fakeBackend{
		draft: map[string]string{"Diagnose_KB0010265": "Write-Output 'service restarted'"},
		jobID: "4f0c2e7a-55a1-4e5e-9f5c-26cf4d5f72fd",
	}
	audit := &fakeAudit{}
	cloner := newTestCloner(b, audit)

	clone, job, err := cloner.CloneAndPublish(context.Background(), "Diagnose_KB0010265", "demo_system", true)
	require.NoError(t, err)
	require.NotNil(t, clone)
	require.NotNil(t, job)

	derived := "Diagnose_KB0010265_demo_system_20260301_103000"
	require.Equal(t, derived, clone.DerivedName)
	require.Equal(t, "Diagnose_KB0010265", clone.SourceName)
	require.Equal(t, "demo_system", clone.TargetSystem)
	require.Equal(t, cloneTestTime, clone.CreatedAt)

	require.True(t, strings.HasPrefix(clone.Content, "# Generated by Triage Automation\n"))
	require.Contains(t, clone.Content, "$ScriptName = \""+derived+"\"\n")
	require.Contains(t, clone.Content, "$DeviceName = \"demo_system\"\n")
	require.True(t, strings.HasSuffix(clone.Content, "\nWrite-Output 'service restarted'"))

	require.Equal(t, []string{derived}, b.registered)
	require.Equal(t, clone.Content, b.uploads[derived])
	require.Equal(t, []string{derived}, b.publishes)

	require.Len(t, b.submits, 1)
	require.Equal(t, derived, b.submits[0].runbook)
	require.Equal(t, "job_"+derived, b.submits[0].jobName)
	require.Equal(t, "Agentic_AI_POC_SCCM", b.submits[0].targetGroup)

	require.Equal(t, "job_"+derived, job.JobName)
	require.Equal(t, "4f0c2e7a-55a1-4e5e-9f5c-26cf4d5f72fd", job.JobID)
	require.Equal(t, types.JobStatusQueued, job.Status)

	require.Equal(t, clone.Content, audit.files[derived+".ps1"])
}

func TestCloneAndPublishWithoutExecution(t *testing.T) {
	b := &fakeBackend{
		draft: map[string]string{"Restart_Spooler": "Restart-Service -Name Spooler"},
	}
	cloner := newTestCloner(b, nil)

	clone, job, err := cloner.CloneAndPublish(context.Background(), "Restart_Spooler", "demo_system", false)
	require.NoError(t, err)
	require.NotNil(t, clone)
	require.Nil(t, job)
	require.Empty(t, b.submits)
	require.Len(t, b.publishes, 1)
}

func TestCloneAndPublishRegisterFailureAborts(t *testing.T) {
	b := &fakeBackend{
		draft:       map[string]string{"Restart_Spooler": "Restart-Service -Name Spooler"},
		registerErr: fmt.Errorf("registering runbook: %w", errdefs.ErrUnavailable),
	}
	cloner := newTestCloner(b, nil)

	clone, job, err := cloner.CloneAndPublish(context.Background(), "Restart_Spooler", "demo_system", true)
	require.Error(t, err)
	require.ErrorContains(t, err, "registering cloned runbook")
	require.True(t, errdefs.IsUnavailable(err))
	require.Nil(t, clone)
	require.Nil(t, job)

	require.Empty(t, b.uploads)
	require.Empty(t, b.publishes)
	require.Empty(t, b.submits)
}

func TestCloneAndPublishContinuesPastUploadAndPublishFailures(t *testing.T) {
	b := &fakeBackend{
		draft:      map[string]string{"Restart_Spooler": "Restart-Service -Name Spooler"},
		uploadErr:  fmt.Errorf("replacing draft content: %w", errdefs.ErrUnavailable),
		publishErr: fmt.Errorf("publishing runbook: %w", errdefs.ErrUnavailable),
		jobID:      "0d5ba1d8-91c4-4ad4-8f6e-1f1a0315c0c4",
	}
	cloner := newTestCloner(b, nil)

	clone, job, err := cloner.CloneAndPublish(context.Background(), "Restart_Spooler", "demo_system", true)
	require.NoError(t, err)
	require.NotNil(t, clone)
	require.NotNil(t, job)

	require.Len(t, b.uploads, 1)
	require.Len(t, b.publishes, 1)
	require.Len(t, b.submits, 1)
}

func TestCloneAndPublishAuditFailureContinues(t *testing.T) {
	b := &fakeBackend{
		draft: map[string]string{"Restart_Spooler": "Restart-Service -Name Spooler"},
	}
	audit := &fakeAudit{err: errors.New("disk full")}
	cloner := newTestCloner(b, audit)

	clone, _, err := cloner.CloneAndPublish(context.Background(), "Restart_Spooler", "demo_system", false)
	require.NoError(t, err)
	require.NotNil(t, clone)
	require.Len(t, b.registered, 1)
	require.Len(t, b.publishes, 1)
}

func TestCloneAndPublishSubmitFailureReturnsCloneWithoutJob(t *testing.T) {
	b := &fakeBackend{
		draft:     map[string]string{"Restart_Spooler": "Restart-Service -Name Spooler"},
		submitErr: fmt.Errorf("submitting job: %w", errdefs.ErrUnavailable),
	}
	cloner := newTestCloner(b, nil)

	clone, job, err := cloner.CloneAndPublish(context.Background(), "Restart_Spooler", "demo_system", true)
	require.NoError(t, err)
	require.NotNil(t, clone)
	require.Nil(t, job)
	require.Len(t, b.submits, 1)
}

func TestCloneAndPublishCredentialFailureAborts(t *testing.T) {
	b := &fakeBackend{
		draftErr: fmt.Errorf("draft content for runbook %q: %w", "Restart_Spooler", errdefs.ErrUnauthenticated),
	}
	cloner := newTestCloner(b, nil)

	clone, job, err := cloner.CloneAndPublish(context.Background(), "Restart_Spooler", "demo_system", false)
	require.Error(t, err)
	require.ErrorContains(t, err, "resolving source content")
	require.True(t, errdefs.IsUnauthorized(err))
	require.Nil(t, clone)
	require.Nil(t, job)
	require.Empty(t, b.registered)
}

func TestCloneAndPublishDerivedNamesUnique(t *testing.T) {
	b := &fakeBackend{
		draft: map[string]string{"Fix_Disk": "Get-PSDrive"},
	}
	cloner := newTestCloner(b, nil)

	var tick int
	cloner.clock = func() time.Time {
		tick++
		return cloneTestTime.Add(time.Duration(tick) * time.Second)
	}
	cloner.resolver.clock = cloner.clock

	first, _, err := cloner.CloneAndPublish(context.Background(), "Fix_Disk", "demo_system", false)
	require.NoError(t, err)

	second, _, err := cloner.CloneAndPublish(context.Background(), "Fix_Disk", "demo_system", false)
	require.NoError(t, err)

	require.NotEqual(t, first.DerivedName, second.DerivedName)
}

func TestAnnotateScript(t *testing.T) {
	got := AnnotateScript("Restart_Spooler", "Restart_Spooler_demo_system_20260301_103000", "demo_system", cloneTestTime, "Restart-Service -Name Spooler\n")

	want := `# Generated by Triage Automation
# Created: 20260301_103000
# Source runbook: Restart_Spooler
$ScriptName = "Restart_Spooler_demo_system_20260301_103000"
$DeviceName = "demo_system"

Restart-Service -Name Spooler
`
	require.Equal(t, want, got)
}
