package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/helpdeskops/triage/pkg/config"
	"github.com/helpdeskops/triage/pkg/observability"
)

// Resolver maps free-text issue descriptions to runbook names by driving the
// conversational agent protocol: new thread, one user turn, run to
// completion, read back the transcript.
type Resolver struct {
	log      logrus.FieldLogger
	client   Client
	cfg      config.AgentConfig
	fallback *SemanticIndex
}

// NewResolver creates a new issue resolver. fallback may be nil; when set it
// is consulted only when the diagnostic agent yields no name.
func NewResolver(log logrus.FieldLogger, client Client, cfg config.AgentConfig, fallback *SemanticIndex) *Resolver {
	return &Resolver{
		log:      log.WithField("component", "issue_resolver"),
		client:   client,
		cfg:      cfg,
		fallback: fallback,
	}
}

// ResolveDiagnostic asks the diagnostic agent for a runbook name. The reply
// text is the name itself. Returns "" when the agent resolves nothing.
func (r *Resolver) ResolveDiagnostic(ctx context.Context, issue string) (string, error) {
	reply, err := r.converse(ctx, r.cfg.DiagnosticAgentID, issue)
	if err != nil {
		observability.AgentCallsTotal.WithLabelValues("diagnostic", "error").Inc()
		return "", err
	}

	name := strings.TrimSpace(reply)

	if name == "" && r.fallback != nil {
		if nearest := r.fallback.Nearest(issue); nearest != "" {
			r.log.WithField("runbook", nearest).Info("Agent returned no name, using semantic catalog match")
			name = nearest
		}
	}

	if name == "" {
		observability.AgentCallsTotal.WithLabelValues("diagnostic", "empty").Inc()
		return "", nil
	}

	observability.AgentCallsTotal.WithLabelValues("diagnostic", "resolved").Inc()

	return name, nil
}

// ResolveTroubleshooting asks the troubleshooting agent for an analysis. The
// runbook name is extracted from the reply's first line; the full reply is
// returned separately for display to the human approver. Both values are
// empty when the agent resolves nothing.
func (r *Resolver) ResolveTroubleshooting(ctx context.Context, issue string) (name, explanation string, err error) {
	reply, err := r.converse(ctx, r.cfg.TroubleshootingAgentID, issue)
	if err != nil {
		observability.AgentCallsTotal.WithLabelValues("troubleshooting", "error").Inc()
		return "", "", err
	}

	explanation = strings.TrimSpace(reply)
	if explanation == "" {
		observability.AgentCallsTotal.WithLabelValues("troubleshooting", "empty").Inc()
		return "", "", nil
	}

	observability.AgentCallsTotal.WithLabelValues("troubleshooting", "resolved").Inc()

	return ExtractRunbookToken(explanation), explanation, nil
}

// converse submits one user turn to the given agent and returns its final
// reply. A failed run is not an error: it returns "" like an empty reply.
func (r *Resolver) converse(ctx context.Context, agentID, prompt string) (string, error) {
	thread, err := r.client.CreateThread(ctx)
	if err != nil {
		return "", fmt.Errorf("opening conversation: %w", err)
	}

	log := r.log.WithFields(logrus.Fields{
		"agent_id":  agentID,
		"thread_id": thread.ID,
	})

	if err := r.client.PostMessage(ctx, thread.ID, RoleUser, prompt); err != nil {
		return "", fmt.Errorf("submitting issue: %w", err)
	}

	run, err := r.client.CreateRun(ctx, thread.ID, agentID)
	if err != nil {
		return "", fmt.Errorf("starting run: %w", err)
	}

	run, err = r.awaitRun(ctx, thread.ID, run)
	if err != nil {
		return "", err
	}

	if run.Status == RunStatusFailed {
		fields := logrus.Fields{"run_id": run.ID}
		if run.LastError != nil {
			fields["error_code"] = run.LastError.Code
			fields["error_message"] = run.LastError.Message
		}
		log.WithFields(fields).Warn("Agent run failed")

		return "", nil
	}

	messages, err := r.client.ListMessages(ctx, thread.ID)
	if err != nil {
		return "", fmt.Errorf("reading transcript: %w", err)
	}

	return finalReply(messages), nil
}

// awaitRun polls the run until it reaches a terminal status.
func (r *Resolver) awaitRun(ctx context.Context, threadID string, run *Run) (*Run, error) {
	deadline := time.Now().Add(r.cfg.RunTimeout)

	ticker := time.NewTicker(r.cfg.RunPollInterval)
	defer ticker.Stop()

	for !run.Terminal() {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("agent run %s did not finish within %s", run.ID, r.cfg.RunTimeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		var err error
		run, err = r.client.GetRun(ctx, threadID, run.ID)
		if err != nil {
			return nil, fmt.Errorf("checking run status: %w", err)
		}
	}

	return run, nil
}

// finalReply returns the last message's last text segment. Earlier messages
// are intermediate reasoning and are discarded.
func finalReply(messages []Message) string {
	var reply string

	for _, msg := range messages {
		if text, ok := msg.LastText(); ok {
			reply = text
		}
	}

	return reply
}
