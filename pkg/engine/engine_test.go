package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/helpdeskops/triage/pkg/pending"
	"github.com/helpdeskops/triage/pkg/runbook"
	"github.com/helpdeskops/triage/pkg/types"
)

type fakeIssueResolver struct {
	diagName  string
	diagErr   error
	tsName    string
	tsExplain string
	tsErr     error

	diagCalls int
	tsCalls   int
	lastIssue string
}

func (f *fakeIssueResolver) ResolveDiagnostic(_ context.Context, issue string) (string, error) {
	f.diagCalls++
	f.lastIssue = issue

	return f.diagName, f.diagErr
}

func (f *fakeIssueResolver) ResolveTroubleshooting(_ context.Context, issue string) (string, string, error) {
	f.tsCalls++
	f.lastIssue = issue

	if f.tsErr != nil {
		return "", "", f.tsErr
	}

	return f.tsName, f.tsExplain, nil
}

type cloneCall struct {
	source  string
	target  string
	execute bool
}

type fakeCloner struct {
	clone *types.ClonedRunbook
	job   *types.ExecutionJob
	err   error
	calls []cloneCall
}

func (f *fakeCloner) CloneAndPublish(_ context.Context, sourceName, targetSystem string, execute bool) (*types.ClonedRunbook, *types.ExecutionJob, error) {
	f.calls = append(f.calls, cloneCall{source: sourceName, target: targetSystem, execute: execute})

	if f.err != nil {
		return nil, nil, f.err
	}

	clone := f.clone
	if clone == nil {
		clone = &types.ClonedRunbook{
			SourceName:   sourceName,
			TargetSystem: targetSystem,
			DerivedName:  types.DerivedRunbookName(sourceName, targetSystem, time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)),
		}
	}

	return clone, f.job, nil
}

type fakePoller struct {
	status types.JobStatus
	output string
	err    error
	calls  int
}

func (f *fakePoller) AwaitOutput(_ context.Context, _, _ string) (types.JobStatus, string, error) {
	f.calls++

	if f.err != nil {
		return "", "", f.err
	}

	return f.status, f.output, nil
}

func newTestEngine(resolver IssueResolver, cloner RunbookCloner, poller OutputPoller, ttl time.Duration) (*Engine, *pending.Store) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	store := pending.New(log, ttl)

	eng := New(log, Dependencies{
		Resolver: resolver,
		Cloner:   cloner,
		Poller:   poller,
		Pending:  store,
	})

	return eng, store
}

func TestDiagnoseWithoutExecution(t *testing.T) {
	resolver := &fakeIssueResolver{diagName: "Diagnose_KB0010265"}
	cloner := &fakeCloner{}
	poller := &fakePoller{}
	eng, _ := newTestEngine(resolver, cloner, poller, time.Minute)

	result, err := eng.Diagnose(context.Background(), types.IssueRequest{
		Issue:         "Outlook won't open",
		TargetMachine: "WKS01",
	})
	require.NoError(t, err)
	require.Equal(t, "Diagnose_KB0010265", result.RunbookName)
	require.Equal(t, "Runbook ready but not executed.", result.Message)
	require.Empty(t, result.Output)

	require.Empty(t, cloner.calls, "no clone or publish activity without execute")
	require.Zero(t, poller.calls)
	require.Equal(t, "Outlook won't open", resolver.lastIssue)
}

func TestDiagnoseWithExecution(t *testing.T) {
	derived := "Diagnose_KB0010265_WKS01_20260301_103000"
	resolver := &fakeIssueResolver{diagName: "Diagnose_KB0010265"}
	cloner := &fakeCloner{
		clone: &types.ClonedRunbook{SourceName: "Diagnose_KB0010265", TargetSystem: "WKS01", DerivedName: derived},
		job:   &types.ExecutionJob{JobName: "job_" + derived, JobID: "job-1", Status: types.JobStatusQueued},
	}
	poller := &fakePoller{status: types.JobStatusCompleted, output: "Mailbox profile rebuilt"}
	eng, _ := newTestEngine(resolver, cloner, poller, time.Minute)

	result, err := eng.Diagnose(context.Background(), types.IssueRequest{
		Issue:         "Outlook won't open",
		Execute:       true,
		TargetMachine: "WKS01",
	})
	require.NoError(t, err)
	require.Equal(t, "Runbook 'Diagnose_KB0010265' executed on WKS01", result.Message)
	require.Equal(t, "Mailbox profile rebuilt", result.Output)

	require.Equal(t, []cloneCall{{source: "Diagnose_KB0010265", target: "WKS01", execute: true}}, cloner.calls)
	require.Equal(t, 1, poller.calls)
}

func TestDiagnoseDefaultsTargetMachine(t *testing.T) {
	resolver := &fakeIssueResolver{diagName: "Diagnose_KB0010265"}
	cloner := &fakeCloner{}
	eng, _ := newTestEngine(resolver, cloner, &fakePoller{}, time.Minute)

	result, err := eng.Diagnose(context.Background(), types.IssueRequest{Issue: "Outlook won't open", Execute: true})
	require.NoError(t, err)
	require.Equal(t, "Runbook 'Diagnose_KB0010265' executed on demo_system", result.Message)
	require.Equal(t, "demo_system", cloner.calls[0].target)
}

func TestDiagnoseNoRunbook(t *testing.T) {
	resolver := &fakeIssueResolver{}
	eng, _ := newTestEngine(resolver, &fakeCloner{}, &fakePoller{}, time.Minute)

	_, err := eng.Diagnose(context.Background(), types.IssueRequest{Issue: "Outlook won't open"})
	require.Error(t, err)
	require.True(t, errdefs.IsNotFound(err))
	require.ErrorContains(t, err, "diagnostic agent returned no runbook")
}

func TestDiagnoseResolverError(t *testing.T) {
	resolver := &fakeIssueResolver{diagErr: fmt.Errorf("agent service returned status 502")}
	eng, _ := newTestEngine(resolver, &fakeCloner{}, &fakePoller{}, time.Minute)

	_, err := eng.Diagnose(context.Background(), types.IssueRequest{Issue: "Outlook won't open"})
	require.Error(t, err)
	require.ErrorContains(t, err, "resolving issue")
}

func TestDiagnoseValidation(t *testing.T) {
	resolver := &fakeIssueResolver{diagName: "Diagnose_KB0010265"}
	eng, _ := newTestEngine(resolver, &fakeCloner{}, &fakePoller{}, time.Minute)

	_, err := eng.Diagnose(context.Background(), types.IssueRequest{Issue: "   "})
	require.Error(t, err)
	require.True(t, errdefs.IsInvalidArgument(err))
	require.Zero(t, resolver.diagCalls)
}

func TestDiagnoseWithoutSubmittedJobSkipsPolling(t *testing.T) {
	resolver := &fakeIssueResolver{diagName: "Diagnose_KB0010265"}
	cloner := &fakeCloner{}
	poller := &fakePoller{}
	eng, _ := newTestEngine(resolver, cloner, poller, time.Minute)

	result, err := eng.Diagnose(context.Background(), types.IssueRequest{Issue: "Outlook won't open", Execute: true, TargetMachine: "WKS01"})
	require.NoError(t, err)
	require.Equal(t, "Runbook 'Diagnose_KB0010265' executed on WKS01", result.Message)
	require.Empty(t, result.Output)
	require.Zero(t, poller.calls)
}

func TestDiagnosePollTimeoutPropagates(t *testing.T) {
	derived := "Diagnose_KB0010265_WKS01_20260301_103000"
	resolver := &fakeIssueResolver{diagName: "Diagnose_KB0010265"}
	cloner := &fakeCloner{
		job: &types.ExecutionJob{JobName: "job_" + derived, JobID: "job-1", Status: types.JobStatusQueued},
	}
	poller := &fakePoller{err: fmt.Errorf("job %q still running after %s: %w", "job_"+derived, time.Minute, runbook.ErrPollTimeout)}
	eng, _ := newTestEngine(resolver, cloner, poller, time.Minute)

	_, err := eng.Diagnose(context.Background(), types.IssueRequest{Issue: "Outlook won't open", Execute: true})
	require.Error(t, err)
	require.ErrorIs(t, err, runbook.ErrPollTimeout)
}

func TestAnalyzeProposes(t *testing.T) {
	resolver := &fakeIssueResolver{
		tsName:    "Troubleshoot_KB0011031",
		tsExplain: "Troubleshoot_KB0011031 - Restarts the print spooler service",
	}
	eng, store := newTestEngine(resolver, &fakeCloner{}, &fakePoller{}, 300*time.Second)

	result, err := eng.Analyze(context.Background(), types.IssueRequest{
		Issue:         "printer queue stuck",
		Execute:       true,
		TargetMachine: "WKS01",
	})
	require.NoError(t, err)
	require.Equal(t, "Troubleshoot_KB0011031", result.RunbookName)
	require.Equal(t, "Troubleshoot_KB0011031 - Restarts the print spooler service", result.FullDescription)
	require.True(t, result.ExecutePending)
	require.Equal(t, 1, store.Len())
}

func TestAnalyzeWithoutExecuteStoresNothing(t *testing.T) {
	resolver := &fakeIssueResolver{tsName: "Troubleshoot_KB0011031", tsExplain: "restarts the spooler"}
	eng, store := newTestEngine(resolver, &fakeCloner{}, &fakePoller{}, 300*time.Second)

	result, err := eng.Analyze(context.Background(), types.IssueRequest{Issue: "printer queue stuck", TargetMachine: "WKS01"})
	require.NoError(t, err)
	require.False(t, result.ExecutePending)
	require.Zero(t, store.Len())
}

func TestAnalyzeNoRunbook(t *testing.T) {
	resolver := &fakeIssueResolver{}
	eng, _ := newTestEngine(resolver, &fakeCloner{}, &fakePoller{}, 300*time.Second)

	_, err := eng.Analyze(context.Background(), types.IssueRequest{Issue: "printer queue stuck"})
	require.Error(t, err)
	require.True(t, errdefs.IsNotFound(err))
	require.ErrorContains(t, err, "troubleshooting agent returned no runbook")
}

func TestConfirmTwoStep(t *testing.T) {
	resolver := &fakeIssueResolver{tsName: "Troubleshoot_KB0011031", tsExplain: "restarts the spooler"}
	cloner := &fakeCloner{}
	poller := &fakePoller{}
	eng, _ := newTestEngine(resolver, cloner, poller, 300*time.Second)

	_, err := eng.Analyze(context.Background(), types.IssueRequest{Issue: "printer queue stuck", Execute: true, TargetMachine: "WKS01"})
	require.NoError(t, err)

	result, err := eng.Confirm(context.Background(), types.ConfirmRequest{Confirm: true, TargetMachine: "WKS01"})
	require.NoError(t, err)
	require.Equal(t, "Runbook 'Troubleshoot_KB0011031' executed on WKS01", result.Message)
	require.Equal(t, "Troubleshoot_KB0011031", result.RunbookName)
	require.Equal(t, []cloneCall{{source: "Troubleshoot_KB0011031", target: "WKS01", execute: true}}, cloner.calls)
	require.Zero(t, poller.calls, "confirmation does not wait for job output")

	_, err = eng.Confirm(context.Background(), types.ConfirmRequest{Confirm: true, TargetMachine: "WKS01"})
	require.Error(t, err)
	require.True(t, errdefs.IsNotFound(err), "a proposal is consumed by the first confirmation")
}

func TestConfirmDeny(t *testing.T) {
	resolver := &fakeIssueResolver{tsName: "Troubleshoot_KB0011031", tsExplain: "restarts the spooler"}
	cloner := &fakeCloner{}
	eng, _ := newTestEngine(resolver, cloner, &fakePoller{}, 300*time.Second)

	_, err := eng.Analyze(context.Background(), types.IssueRequest{Issue: "printer queue stuck", Execute: true, TargetMachine: "WKS01"})
	require.NoError(t, err)

	result, err := eng.Confirm(context.Background(), types.ConfirmRequest{Confirm: false, TargetMachine: "WKS01"})
	require.NoError(t, err)
	require.Equal(t, "Runbook execution cancelled.", result.Message)
	require.Empty(t, cloner.calls)

	_, err = eng.Confirm(context.Background(), types.ConfirmRequest{Confirm: true, TargetMachine: "WKS01"})
	require.Error(t, err)
	require.True(t, errdefs.IsNotFound(err), "denial discards the proposal")
}

func TestConfirmWithoutPending(t *testing.T) {
	eng, _ := newTestEngine(&fakeIssueResolver{}, &fakeCloner{}, &fakePoller{}, 300*time.Second)

	_, err := eng.Confirm(context.Background(), types.ConfirmRequest{Confirm: true, TargetMachine: "WKS01"})
	require.Error(t, err)
	require.True(t, errdefs.IsNotFound(err))
	require.ErrorContains(t, err, "no pending runbook")
}

func TestConfirmExpiredProposal(t *testing.T) {
	resolver := &fakeIssueResolver{tsName: "Troubleshoot_KB0011031", tsExplain: "restarts the spooler"}
	eng, _ := newTestEngine(resolver, &fakeCloner{}, &fakePoller{}, 10*time.Millisecond)

	_, err := eng.Analyze(context.Background(), types.IssueRequest{Issue: "printer queue stuck", Execute: true, TargetMachine: "WKS01"})
	require.NoError(t, err)

	time.Sleep(25 * time.Millisecond)

	_, err = eng.Confirm(context.Background(), types.ConfirmRequest{Confirm: true, TargetMachine: "WKS01"})
	require.Error(t, err)
	require.True(t, errdefs.IsNotFound(err), "expired proposals are treated as absent")
}

func TestFetchOutput(t *testing.T) {
	poller := &fakePoller{status: types.JobStatusCompleted, output: "Spooler restarted"}
	eng, _ := newTestEngine(&fakeIssueResolver{}, &fakeCloner{}, poller, time.Minute)

	status, output, err := eng.FetchOutput(context.Background(), types.JobOutputRequest{JobName: "job_x", JobID: "job-1"})
	require.NoError(t, err)
	require.Equal(t, types.JobStatusCompleted, status)
	require.Equal(t, "Spooler restarted", output)
}

func TestFetchOutputValidation(t *testing.T) {
	eng, _ := newTestEngine(&fakeIssueResolver{}, &fakeCloner{}, &fakePoller{}, time.Minute)

	_, _, err := eng.FetchOutput(context.Background(), types.JobOutputRequest{JobName: "job_x"})
	require.Error(t, err)
	require.True(t, errdefs.IsInvalidArgument(err))
}

func TestFetchOutputUpstreamErrorSurfaces(t *testing.T) {
	poller := &fakePoller{err: fmt.Errorf("fetching output for job %q: %w", "job_x", errdefs.ErrUnavailable)}
	eng, _ := newTestEngine(&fakeIssueResolver{}, &fakeCloner{}, poller, time.Minute)

	_, _, err := eng.FetchOutput(context.Background(), types.JobOutputRequest{JobName: "job_x", JobID: "job-1"})
	require.Error(t, err)
	require.True(t, errdefs.IsUnavailable(err))
}
