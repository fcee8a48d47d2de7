package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/helpdeskops/triage/pkg/auth/store"
	"github.com/helpdeskops/triage/pkg/config"
	"github.com/helpdeskops/triage/pkg/types"
)

// contentFallbackAPIVersion is pinned independently of the configured
// api-version: the raw content endpoint rejects older versions in some
// regions while the job endpoints reject newer ones.
const contentFallbackAPIVersion = "2024-10-23"

// acceptScript is sent on content and output fetches. The backend streams
// script bodies as octet-stream.
const acceptScript = "text/plain, application/octet-stream"

// restBackend talks to a remote automation account over its management API.
type restBackend struct {
	log    logrus.FieldLogger
	cfg    config.RESTBackendConfig
	tokens store.Source
	http   *http.Client
	base   string
}

var _ Backend = (*restBackend)(nil)

func newRESTBackend(log logrus.FieldLogger, cfg config.RESTBackendConfig, tokens store.Source) *restBackend {
	return &restBackend{
		log:    log.WithField("component", "rest_backend"),
		cfg:    cfg,
		tokens: tokens,
		http:   &http.Client{Timeout: 60 * time.Second},
		base:   strings.TrimSuffix(cfg.BaseURL, "/"),
	}
}

func (b *restBackend) Name() string { return "rest" }

// GetDraftContent returns the draft body of a runbook.
func (b *restBackend) GetDraftContent(ctx context.Context, name string) (string, error) {
	return b.fetchContent(ctx, "/runbooks/"+url.PathEscape(name)+"/draft/content", b.cfg.APIVersion, "fetching draft content for", name)
}

// GetPublishedContent returns the published body of a runbook.
func (b *restBackend) GetPublishedContent(ctx context.Context, name string) (string, error) {
	return b.fetchContent(ctx, "/runbooks/"+url.PathEscape(name)+"/content", b.cfg.APIVersion, "fetching published content for", name)
}

// GetContentREST fetches the runbook body via the raw content endpoint with
// its own pinned api-version.
func (b *restBackend) GetContentREST(ctx context.Context, name string) (string, error) {
	return b.fetchContent(ctx, "/runbooks/"+url.PathEscape(name)+"/content", contentFallbackAPIVersion, "fetching content via REST for", name)
}

func (b *restBackend) fetchContent(ctx context.Context, path, apiVersion, op, name string) (string, error) {
	req, err := b.newRequest(ctx, http.MethodGet, path, apiVersion, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", acceptScript)

	resp, err := b.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s %q: %w", op, name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", classifyHTTPStatus(resp.StatusCode, op, fmt.Sprintf("%q", name), readDetail(resp.Body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%s %q: reading body: %w", op, name, err)
	}

	return string(body), nil
}

// runbookEnvelope is the PUT body of the runbook registration endpoint.
type runbookEnvelope struct {
	Name       string          `json:"name"`
	Location   string          `json:"location,omitempty"`
	Properties RunbookMetadata `json:"properties"`
}

// CreateOrUpdate registers a runbook entity under the given name.
func (b *restBackend) CreateOrUpdate(ctx context.Context, name string, meta RunbookMetadata) error {
	envelope := runbookEnvelope{
		Name:       name,
		Location:   b.cfg.Location,
		Properties: meta,
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encoding runbook registration: %w", err)
	}

	req, err := b.newRequest(ctx, http.MethodPut, "/runbooks/"+url.PathEscape(name), b.cfg.APIVersion, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.http.Do(req)
	if err != nil {
		return fmt.Errorf("registering runbook %q: %w", name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return classifyHTTPStatus(resp.StatusCode, "registering runbook", fmt.Sprintf("%q", name), readDetail(resp.Body))
	}

	b.log.WithField("runbook", name).Info("Runbook registered")

	return nil
}

// ReplaceDraftContent uploads the given body as the runbook's draft.
func (b *restBackend) ReplaceDraftContent(ctx context.Context, name, content string) error {
	req, err := b.newRequest(ctx, http.MethodPut, "/runbooks/"+url.PathEscape(name)+"/draft/content", b.cfg.APIVersion, strings.NewReader(content))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/powershell")

	resp, err := b.http.Do(req)
	if err != nil {
		return fmt.Errorf("uploading draft content for %q: %w", name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// 202 on an async accept, 200/201 on immediate replace.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return classifyHTTPStatus(resp.StatusCode, "uploading draft content for", fmt.Sprintf("%q", name), readDetail(resp.Body))
	}

	return nil
}

// Publish promotes the runbook's draft to its published version.
func (b *restBackend) Publish(ctx context.Context, name string) error {
	req, err := b.newRequest(ctx, http.MethodPost, "/runbooks/"+url.PathEscape(name)+"/publish", b.cfg.APIVersion, nil)
	if err != nil {
		return err
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return fmt.Errorf("publishing runbook %q: %w", name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return classifyHTTPStatus(resp.StatusCode, "publishing runbook", fmt.Sprintf("%q", name), readDetail(resp.Body))
	}

	return nil
}

// jobEnvelope is the PUT body of the job creation endpoint.
type jobEnvelope struct {
	Properties jobProperties `json:"properties"`
}

type jobProperties struct {
	Runbook    jobRunbookRef     `json:"runbook"`
	Parameters map[string]string `json:"parameters"`
	RunOn      string            `json:"runOn,omitempty"`
	JobID      string            `json:"jobId,omitempty"`
	Status     string            `json:"status,omitempty"`
}

type jobRunbookRef struct {
	Name string `json:"name"`
}

// SubmitJob starts an asynchronous execution of a published runbook on the
// given worker group.
func (b *restBackend) SubmitJob(ctx context.Context, runbookName, jobName, targetGroup string, params map[string]string) (string, error) {
	if params == nil {
		params = map[string]string{}
	}

	envelope := jobEnvelope{
		Properties: jobProperties{
			Runbook:    jobRunbookRef{Name: runbookName},
			Parameters: params,
			RunOn:      targetGroup,
		},
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("encoding job submission: %w", err)
	}

	req, err := b.newRequest(ctx, http.MethodPut, "/jobs/"+url.PathEscape(jobName), b.cfg.APIVersion, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("submitting job %q: %w", jobName, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", classifyHTTPStatus(resp.StatusCode, "submitting job", fmt.Sprintf("%q", jobName), readDetail(resp.Body))
	}

	var created jobEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("decoding job submission response: %w", err)
	}

	jobID := created.Properties.JobID
	if jobID == "" {
		jobID = jobName
	}

	b.log.WithFields(logrus.Fields{
		"runbook": runbookName,
		"job":     jobName,
		"job_id":  jobID,
		"run_on":  targetGroup,
	}).Info("Job submitted")

	return jobID, nil
}

// GetJobStatus returns the current lifecycle status of a job.
func (b *restBackend) GetJobStatus(ctx context.Context, jobName string) (types.JobStatus, error) {
	req, err := b.newRequest(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobName), b.cfg.APIVersion, nil)
	if err != nil {
		return "", err
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching status of job %q: %w", jobName, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", classifyHTTPStatus(resp.StatusCode, "fetching status of job", fmt.Sprintf("%q", jobName), readDetail(resp.Body))
	}

	var job jobEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return "", fmt.Errorf("decoding job status response: %w", err)
	}

	return types.JobStatus(job.Properties.Status), nil
}

// GetJobOutput returns the captured output of a job.
func (b *restBackend) GetJobOutput(ctx context.Context, jobID string) (string, error) {
	req, err := b.newRequest(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID)+"/output", b.cfg.APIVersion, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", acceptScript)

	resp, err := b.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching output of job %q: %w", jobID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", classifyHTTPStatus(resp.StatusCode, "fetching output of job", fmt.Sprintf("%q", jobID), readDetail(resp.Body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("fetching output of job %q: reading body: %w", jobID, err)
	}

	return string(body), nil
}

// newRequest builds an authenticated request against the automation account.
func (b *restBackend) newRequest(ctx context.Context, method, path, apiVersion string, body io.Reader) (*http.Request, error) {
	u, err := url.Parse(b.base + path)
	if err != nil {
		return nil, fmt.Errorf("building request URL: %w", err)
	}

	q := u.Query()
	q.Set("api-version", apiVersion)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	token, err := b.tokens.GetAccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	return req, nil
}

// readDetail drains up to 2KB of an error response body for diagnostics.
func readDetail(r io.Reader) string {
	detail, _ := io.ReadAll(io.LimitReader(r, 2048))
	return strings.TrimSpace(string(detail))
}
