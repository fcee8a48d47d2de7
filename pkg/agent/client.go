// Package agent provides the client and resolvers for the hosted
// conversational agent that maps free-text issues to runbook names.
package agent

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
)

// Run statuses reported by the agent service.
const (
	RunStatusQueued     = "queued"
	RunStatusInProgress = "in_progress"
	RunStatusCompleted  = "completed"
	RunStatusFailed     = "failed"
	RunStatusCancelled  = "cancelled"
	RunStatusExpired    = "expired"
)

// RoleUser is the message role for user turns.
const RoleUser = "user"

// Thread is a conversation context on the agent service.
type Thread struct {
	ID string `json:"id"`
}

// Run is one execution of an agent over a thread.
type Run struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	LastError *RunError `json:"last_error,omitempty"`
}

// RunError describes why a run failed.
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Terminal reports whether the run has finished.
func (r *Run) Terminal() bool {
	switch r.Status {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusExpired:
		return true
	default:
		return false
	}
}

// Message is one transcript entry. Content segments are ordered.
type Message struct {
	ID      string           `json:"id"`
	Role    string           `json:"role"`
	Content []MessageContent `json:"content"`
}

// MessageContent is a single content segment of a message.
type MessageContent struct {
	Type string       `json:"type"`
	Text *TextContent `json:"text,omitempty"`
}

// TextContent holds the text value of a text segment.
type TextContent struct {
	Value string `json:"value"`
}

// LastText returns the message's last text segment, if any.
func (m Message) LastText() (string, bool) {
	for i := len(m.Content) - 1; i >= 0; i-- {
		if m.Content[i].Text != nil {
			return m.Content[i].Text.Value, true
		}
	}
	return "", false
}

// Client talks the threads/messages/runs protocol of the agent service.
type Client interface {
	// CreateThread opens a new conversation context.
	CreateThread(ctx context.Context) (*Thread, error)

	// PostMessage appends a message to a thread.
	PostMessage(ctx context.Context, threadID, role, text string) error

	// CreateRun starts the given agent over a thread.
	CreateRun(ctx context.Context, threadID, agentID string) (*Run, error)

	// GetRun fetches the current state of a run.
	GetRun(ctx context.Context, threadID, runID string) (*Run, error)

	// ListMessages returns the thread transcript in chronological order.
	ListMessages(ctx context.Context, threadID string) ([]Message, error)
}

// client implements the Client interface over HTTP.
type client struct {
	log      logrus.FieldLogger
	cfg      config.AgentConfig
	tokens   store.Source
	http     *http.Client
	endpoint string
}

var _ Client = (*client)(nil)

// NewClient creates a new agent service client.
func NewClient(log logrus.FieldLogger, cfg config.AgentConfig, tokens store.Source) Client {
	return &client{
		log:      log.WithField("component", "agent_client"),
		cfg:      cfg,
		tokens:   tokens,
		http:     &http.Client{Timeout: 30 * time.Second},
		endpoint: strings.TrimSuffix(cfg.Endpoint, "/"),
	}
}

// CreateThread opens a new conversation context.
func (c *client) CreateThread(ctx context.Context) (*Thread, error) {
	var thread Thread
	if err := c.doRequest(ctx, http.MethodPost, "/threads", nil, &thread); err != nil {
		return nil, fmt.Errorf("creating thread: %w", err)
	}

	return &thread, nil
}

// PostMessage appends a message to a thread.
func (c *client) PostMessage(ctx context.Context, threadID, role, text string) error {
	body := map[string]string{
		"role":    role,
		"content": text,
	}

	if err := c.doRequest(ctx, http.MethodPost, "/threads/"+threadID+"/messages", body, nil); err != nil {
		return fmt.Errorf("posting message: %w", err)
	}

	return nil
}

// CreateRun starts the given agent over a thread.
func (c *client) CreateRun(ctx context.Context, threadID, agentID string) (*Run, error) {
	body := map[string]string{
		"assistant_id": agentID,
	}

	var run Run
	if err := c.doRequest(ctx, http.MethodPost, "/threads/"+threadID+"/runs", body, &run); err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}

	return &run, nil
}

// GetRun fetches the current state of a run.
func (c *client) GetRun(ctx context.Context, threadID, runID string) (*Run, error) {
	var run Run
	if err := c.doRequest(ctx, http.MethodGet, "/threads/"+threadID+"/runs/"+runID, nil, &run); err != nil {
		return nil, fmt.Errorf("fetching run: %w", err)
	}

	return &run, nil
}

// messageList is the wire shape of the message listing endpoint.
type messageList struct {
	Data []Message `json:"data"`
}

// ListMessages returns the thread transcript in chronological order.
func (c *client) ListMessages(ctx context.Context, threadID string) ([]Message, error) {
	var list messageList
	if err := c.doRequest(ctx, http.MethodGet, "/threads/"+threadID+"/messages?order=asc", nil, &list); err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	return list.Data, nil
}

// doRequest performs an authenticated JSON request against the agent service.
func (c *client) doRequest(ctx context.Context, method, path string, body, out any) error {
	endpoint, err := c.buildURL(path)
	if err != nil {
		return err
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	token, err := c.tokens.GetAccessToken(ctx)
	if err != nil {
		return fmt.Errorf("acquiring token: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("making request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("agent service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	return nil
}

// buildURL joins the configured endpoint, the request path, and the
// api-version query parameter.
func (c *client) buildURL(path string) (string, error) {
	u, err := url.Parse(c.endpoint + path)
	if err != nil {
		return "", fmt.Errorf("building request URL: %w", err)
	}

	q := u.Query()
	q.Set("api-version", c.cfg.APIVersion)
	u.RawQuery = q.Encode()

	return u.String(), nil
}
