package tool

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"

	"github.com/helpdeskops/triage/pkg/engine"
	"github.com/helpdeskops/triage/pkg/types"
)

// ConfirmRunbookToolName is the name of the confirm_runbook tool.
const ConfirmRunbookToolName = "confirm_runbook"

// confirmRunbookDescription is the description of the confirm_runbook tool.
const confirmRunbookDescription = `Settle a pending troubleshooting proposal recorded by analyze_issue.

With confirm=true the proposed runbook is cloned, published, and started on the target machine;
the returned job_name and job_id can be passed to fetch_job_output to retrieve the result. With
confirm=false the proposal is discarded. Either way the proposal is consumed; a second call for
the same target machine fails until a new proposal is recorded.`

// ConfirmRunbookResponse is the response from the confirm_runbook tool.
type ConfirmRunbookResponse struct {
	Message     string `json:"message"`
	RunbookName string `json:"runbook_name,omitempty"`
	JobName     string `json:"job_name,omitempty"`
	JobID       string `json:"job_id,omitempty"`
}

// NewConfirmRunbookTool creates the confirm_runbook tool definition.
func NewConfirmRunbookTool(log logrus.FieldLogger, eng *engine.Engine) Definition {
	return Definition{
		Tool: mcp.Tool{
			Name:        ConfirmRunbookToolName,
			Description: confirmRunbookDescription,
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]any{
					"confirm": map[string]any{
						"type":        "boolean",
						"description": "Approve (true) or cancel (false) the pending proposal",
					},
					"target_machine": map[string]any{
						"type":        "string",
						"description": "Machine whose proposal is being settled (default: from server config)",
					},
				},
				Required: []string{"confirm"},
			},
		},
		Handler: newConfirmRunbookHandler(log, eng),
	}
}

// newConfirmRunbookHandler creates the handler function for confirm_runbook.
func newConfirmRunbookHandler(log logrus.FieldLogger, eng *engine.Engine) Handler {
	handlerLog := log.WithField("tool", ConfirmRunbookToolName)

	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		confirm, err := request.RequireBool("confirm")
		if err != nil {
			return CallToolError(fmt.Errorf("invalid arguments: %w", err)), nil
		}

		req := types.ConfirmRequest{
			Confirm:       confirm,
			TargetMachine: request.GetString("target_machine", ""),
		}

		handlerLog.WithFields(logrus.Fields{
			"confirm": req.Confirm,
			"target":  req.TargetMachine,
		}).Debug("Handling confirm_runbook request")

		result, err := eng.Confirm(ctx, req)
		if err != nil {
			handlerLog.WithError(err).Warn("Confirmation failed")

			return CallToolError(err), nil
		}

		response := ConfirmRunbookResponse{
			Message:     result.Message,
			RunbookName: result.RunbookName,
		}
		if result.Job != nil {
			response.JobName = result.Job.JobName
			response.JobID = result.Job.JobID
		}

		return marshalResult(response)
	}
}
