package tool

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"

	"github.com/helpdeskops/triage/pkg/engine"
	"github.com/helpdeskops/triage/pkg/types"
)

// DiagnoseIssueToolName is the name of the diagnose_issue tool.
const DiagnoseIssueToolName = "diagnose_issue"

// diagnoseIssueDescription is the description of the diagnose_issue tool.
const diagnoseIssueDescription = `Resolve a reported IT issue to a diagnostic runbook and optionally execute it.

The issue text is matched against the diagnostic runbook catalog. With execute=false only the
matched runbook name is returned, with no side effects. With execute=true a per-incident copy
is cloned, published, and started on the target machine; the call waits for the job to finish
and returns its output.

Examples:
- diagnose_issue(issue="Outlook fails to open") → matched runbook name
- diagnose_issue(issue="Outlook fails to open", execute=true, target_machine="WKS042") → job output`

// DiagnoseIssueResponse is the response from the diagnose_issue tool.
type DiagnoseIssueResponse struct {
	RunbookName string `json:"runbook_name"`
	Message     string `json:"message"`
	Output      string `json:"output,omitempty"`
}

// NewDiagnoseIssueTool creates the diagnose_issue tool definition.
func NewDiagnoseIssueTool(log logrus.FieldLogger, eng *engine.Engine) Definition {
	return Definition{
		Tool: mcp.Tool{
			Name:        DiagnoseIssueToolName,
			Description: diagnoseIssueDescription,
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]any{
					"issue": map[string]any{
						"type":        "string",
						"description": "Free-text description of the problem",
					},
					"execute": map[string]any{
						"type":        "boolean",
						"description": "Execute the matched runbook and wait for its output (default: false)",
					},
					"target_machine": map[string]any{
						"type":        "string",
						"description": "Machine the runbook is scoped to (default: from server config)",
					},
				},
				Required: []string{"issue"},
			},
		},
		Handler: newDiagnoseIssueHandler(log, eng),
	}
}

// newDiagnoseIssueHandler creates the handler function for diagnose_issue.
func newDiagnoseIssueHandler(log logrus.FieldLogger, eng *engine.Engine) Handler {
	handlerLog := log.WithField("tool", DiagnoseIssueToolName)

	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		issue, err := request.RequireString("issue")
		if err != nil {
			return CallToolError(fmt.Errorf("invalid arguments: %w", err)), nil
		}

		req := types.IssueRequest{
			Issue:         issue,
			Execute:       request.GetBool("execute", false),
			TargetMachine: request.GetString("target_machine", ""),
		}

		handlerLog.WithFields(logrus.Fields{
			"execute": req.Execute,
			"target":  req.TargetMachine,
		}).Debug("Handling diagnose_issue request")

		result, err := eng.Diagnose(ctx, req)
		if err != nil {
			handlerLog.WithError(err).Warn("Diagnosis failed")

			return CallToolError(err), nil
		}

		return marshalResult(DiagnoseIssueResponse{
			RunbookName: result.RunbookName,
			Message:     result.Message,
			Output:      result.Output,
		})
	}
}
