package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helpdeskops/triage/pkg/config"
)

// staticTokenSource satisfies store.Source with a fixed token.
type staticTokenSource struct {
	token string
}

func (s *staticTokenSource) GetAccessToken(_ context.Context) (string, error) {
	return s.token, nil
}

func newTestClient(t *testing.T, handler http.Handler) (Client, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	cfg := config.AgentConfig{
		Endpoint:        srv.URL,
		APIVersion:      "2024-05-01-preview",
		RunPollInterval: time.Millisecond,
		RunTimeout:      time.Second,
	}

	return NewClient(log, cfg, &staticTokenSource{token: "test-token"}), srv
}

func requireAgentRequest(t *testing.T, r *http.Request) {
	t.Helper()

	assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
	assert.Equal(t, "2024-05-01-preview", r.URL.Query().Get("api-version"))
}

func TestCreateThread(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requireAgentRequest(t, r)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/threads", r.URL.Path)

		_ = json.NewEncoder(w).Encode(Thread{ID: "thread-abc"})
	}))

	thread, err := client.CreateThread(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "thread-abc", thread.ID)
}

func TestPostMessage(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requireAgentRequest(t, r)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/threads/thread-abc/messages", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "user", body["role"])
		assert.Equal(t, "Outlook won't open", body["content"])

		w.WriteHeader(http.StatusOK)
	}))

	err := client.PostMessage(context.Background(), "thread-abc", RoleUser, "Outlook won't open")
	require.NoError(t, err)
}

func TestCreateRun(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requireAgentRequest(t, r)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/threads/thread-abc/runs", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "agent-diag", body["assistant_id"])

		_ = json.NewEncoder(w).Encode(Run{ID: "run-1", Status: RunStatusQueued})
	}))

	run, err := client.CreateRun(context.Background(), "thread-abc", "agent-diag")
	require.NoError(t, err)
	assert.Equal(t, "run-1", run.ID)
	assert.Equal(t, RunStatusQueued, run.Status)
	assert.False(t, run.Terminal())
}

func TestGetRun(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requireAgentRequest(t, r)
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/threads/thread-abc/runs/run-1", r.URL.Path)

		_ = json.NewEncoder(w).Encode(Run{
			ID:     "run-1",
			Status: RunStatusFailed,
			LastError: &RunError{
				Code:    "server_error",
				Message: "model overloaded",
			},
		})
	}))

	run, err := client.GetRun(context.Background(), "thread-abc", "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunStatusFailed, run.Status)
	assert.True(t, run.Terminal())
	require.NotNil(t, run.LastError)
	assert.Equal(t, "server_error", run.LastError.Code)
}

func TestListMessages(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requireAgentRequest(t, r)
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/threads/thread-abc/messages", r.URL.Path)
		assert.Equal(t, "asc", r.URL.Query().Get("order"))

		_ = json.NewEncoder(w).Encode(messageList{
			Data: []Message{
				{
					ID:   "msg-1",
					Role: "user",
					Content: []MessageContent{
						{Type: "text", Text: &TextContent{Value: "Outlook won't open"}},
					},
				},
				{
					ID:   "msg-2",
					Role: "assistant",
					Content: []MessageContent{
						{Type: "text", Text: &TextContent{Value: "Diagnose_KB0010265"}},
					},
				},
			},
		})
	}))

	messages, err := client.ListMessages(context.Background(), "thread-abc")
	require.NoError(t, err)
	require.Len(t, messages, 2)

	text, ok := messages[1].LastText()
	require.True(t, ok)
	assert.Equal(t, "Diagnose_KB0010265", text)
}

func TestClientErrorStatus(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream unavailable"))
	}))

	_, err := client.CreateThread(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
	assert.Contains(t, err.Error(), "upstream unavailable")
}

func TestLastText(t *testing.T) {
	tests := []struct {
		name     string
		message  Message
		want     string
		wantBool bool
	}{
		{
			name:     "no content",
			message:  Message{},
			wantBool: false,
		},
		{
			name: "single text segment",
			message: Message{Content: []MessageContent{
				{Type: "text", Text: &TextContent{Value: "one"}},
			}},
			want:     "one",
			wantBool: true,
		},
		{
			name: "last segment wins",
			message: Message{Content: []MessageContent{
				{Type: "text", Text: &TextContent{Value: "one"}},
				{Type: "text", Text: &TextContent{Value: "two"}},
			}},
			want:     "two",
			wantBool: true,
		},
		{
			name: "non-text trailing segment skipped",
			message: Message{Content: []MessageContent{
				{Type: "text", Text: &TextContent{Value: "one"}},
				{Type: "image"},
			}},
			want:     "one",
			wantBool: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, ok := tt.message.LastText()
			assert.Equal(t, tt.wantBool, ok)
			assert.Equal(t, tt.want, text)
		})
	}
}
