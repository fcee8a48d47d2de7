package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helpdeskops/triage/pkg/config"
)

type staticTokenSource struct {
	token string
}

func (s *staticTokenSource) GetAccessToken(_ context.Context) (string, error) {
	return s.token, nil
}

func newTestRESTBackend(t *testing.T, handler http.Handler) *restBackend {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	cfg := config.RESTBackendConfig{
		BaseURL:    srv.URL,
		APIVersion: "2023-11-01",
		Location:   "westeurope",
	}

	return newRESTBackend(log, cfg, &staticTokenSource{token: "backend-token"})
}

func requireBackendRequest(t *testing.T, r *http.Request) {
	t.Helper()

	assert.Equal(t, "Bearer backend-token", r.Header.Get("Authorization"))
	assert.Equal(t, "2023-11-01", r.URL.Query().Get("api-version"))
}

func TestRESTGetDraftContent(t *testing.T) {
	b := newTestRESTBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requireBackendRequest(t, r)
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/runbooks/Diagnose_KB0010265/draft/content", r.URL.Path)
		assert.Equal(t, "text/plain, application/octet-stream", r.Header.Get("Accept"))

		_, _ = w.Write([]byte("Write-Output 'draft'"))
	}))

	content, err := b.GetDraftContent(context.Background(), "Diagnose_KB0010265")
	require.NoError(t, err)
	assert.Equal(t, "Write-Output 'draft'", content)
}

func TestRESTGetPublishedContent(t *testing.T) {
	b := newTestRESTBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requireBackendRequest(t, r)
		assert.Equal(t, "/runbooks/Diagnose_KB0010265/content", r.URL.Path)

		_, _ = w.Write([]byte("Write-Output 'published'"))
	}))

	content, err := b.GetPublishedContent(context.Background(), "Diagnose_KB0010265")
	require.NoError(t, err)
	assert.Equal(t, "Write-Output 'published'", content)
}

func TestRESTGetContentRESTUsesPinnedVersion(t *testing.T) {
	b := newTestRESTBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/runbooks/Diagnose_KB0010265/content", r.URL.Path)
		assert.Equal(t, contentFallbackAPIVersion, r.URL.Query().Get("api-version"))

		_, _ = w.Write([]byte("Write-Output 'raw'"))
	}))

	content, err := b.GetContentREST(context.Background(), "Diagnose_KB0010265")
	require.NoError(t, err)
	assert.Equal(t, "Write-Output 'raw'", content)
}

func TestRESTContentErrorClasses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(error) bool
	}{
		{"missing runbook", http.StatusNotFound, errdefs.IsNotFound},
		{"expired token", http.StatusUnauthorized, errdefs.IsUnauthorized},
		{"forbidden", http.StatusForbidden, errdefs.IsPermissionDenied},
		{"upstream down", http.StatusServiceUnavailable, errdefs.IsUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestRESTBackend(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))

			_, err := b.GetPublishedContent(context.Background(), "Diagnose_KB0010265")
			require.Error(t, err)
			assert.True(t, tt.check(err), "expected class for status %d, got %v", tt.status, err)
		})
	}
}

func TestRESTCreateOrUpdate(t *testing.T) {
	b := newTestRESTBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requireBackendRequest(t, r)
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/runbooks/Diagnose_KB0010265_demo_20250101_120000", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var envelope runbookEnvelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&envelope))
		assert.Equal(t, "Diagnose_KB0010265_demo_20250101_120000", envelope.Name)
		assert.Equal(t, "westeurope", envelope.Location)
		assert.Equal(t, "PowerShell", envelope.Properties.RunbookType)
		assert.True(t, envelope.Properties.LogProgress)
		assert.False(t, envelope.Properties.LogVerbose)

		w.WriteHeader(http.StatusCreated)
	}))

	err := b.CreateOrUpdate(context.Background(), "Diagnose_KB0010265_demo_20250101_120000", DefaultMetadata())
	require.NoError(t, err)
}

func TestRESTReplaceDraftContent(t *testing.T) {
	b := newTestRESTBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requireBackendRequest(t, r)
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/runbooks/clone/draft/content", r.URL.Path)
		assert.Equal(t, "text/powershell", r.Header.Get("Content-Type"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, "Write-Output 'hello'", string(body))

		w.WriteHeader(http.StatusAccepted)
	}))

	err := b.ReplaceDraftContent(context.Background(), "clone", "Write-Output 'hello'")
	require.NoError(t, err)
}

func TestRESTPublish(t *testing.T) {
	b := newTestRESTBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requireBackendRequest(t, r)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/runbooks/clone/publish", r.URL.Path)

		w.WriteHeader(http.StatusAccepted)
	}))

	require.NoError(t, b.Publish(context.Background(), "clone"))
}

func TestRESTSubmitJob(t *testing.T) {
	b := newTestRESTBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requireBackendRequest(t, r)
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/jobs/job_clone", r.URL.Path)

		var envelope jobEnvelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&envelope))
		assert.Equal(t, "clone", envelope.Properties.Runbook.Name)
		assert.Equal(t, "Agentic_AI_POC_SCCM", envelope.Properties.RunOn)
		assert.NotNil(t, envelope.Properties.Parameters)

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(jobEnvelope{
			Properties: jobProperties{JobID: "0d5ba1d8-62ad-4b6f-9331-7c0477d437dc", Status: "Queued"},
		})
	}))

	jobID, err := b.SubmitJob(context.Background(), "clone", "job_clone", "Agentic_AI_POC_SCCM", nil)
	require.NoError(t, err)
	assert.Equal(t, "0d5ba1d8-62ad-4b6f-9331-7c0477d437dc", jobID)
}

func TestRESTSubmitJobWithoutJobID(t *testing.T) {
	b := newTestRESTBackend(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(jobEnvelope{})
	}))

	jobID, err := b.SubmitJob(context.Background(), "clone", "job_clone", "group", nil)
	require.NoError(t, err)
	assert.Equal(t, "job_clone", jobID, "job name stands in when the backend omits a job ID")
}

func TestRESTGetJobStatus(t *testing.T) {
	b := newTestRESTBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requireBackendRequest(t, r)
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/jobs/job_clone", r.URL.Path)

		_ = json.NewEncoder(w).Encode(jobEnvelope{
			Properties: jobProperties{Status: "Completed"},
		})
	}))

	status, err := b.GetJobStatus(context.Background(), "job_clone")
	require.NoError(t, err)
	assert.True(t, status.Terminal())
}

func TestRESTGetJobOutput(t *testing.T) {
	b := newTestRESTBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requireBackendRequest(t, r)
		assert.Equal(t, "/jobs/0d5ba1d8/output", r.URL.Path)
		assert.Equal(t, "text/plain, application/octet-stream", r.Header.Get("Accept"))

		_, _ = w.Write([]byte("Spooler restarted."))
	}))

	output, err := b.GetJobOutput(context.Background(), "0d5ba1d8")
	require.NoError(t, err)
	assert.Equal(t, "Spooler restarted.", output)
}

func TestRESTGetJobOutputUpstreamError(t *testing.T) {
	b := newTestRESTBackend(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("gateway error"))
	}))

	_, err := b.GetJobOutput(context.Background(), "0d5ba1d8")
	require.Error(t, err)
	assert.True(t, errdefs.IsUnavailable(err))
	assert.Contains(t, err.Error(), "gateway error")
}
