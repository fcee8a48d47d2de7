package tool

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"

	"github.com/helpdeskops/triage/pkg/engine"
	"github.com/helpdeskops/triage/pkg/types"
)

// AnalyzeIssueToolName is the name of the analyze_issue tool.
const AnalyzeIssueToolName = "analyze_issue"

// analyzeIssueDescription is the description of the analyze_issue tool.
const analyzeIssueDescription = `Analyze a reported IT issue and propose a troubleshooting runbook.

The issue text is matched against the troubleshooting runbook catalog and the match is returned
with a full explanation of what the runbook does. Nothing is executed by this tool. With
execute=true the proposal is additionally recorded against the target machine and awaits an
explicit confirm_runbook call; proposals expire if not confirmed.

Examples:
- analyze_issue(issue="laptop cannot reach the VPN") → proposed runbook with explanation
- analyze_issue(issue="laptop cannot reach the VPN", execute=true) → proposal pending confirmation`

// AnalyzeIssueResponse is the response from the analyze_issue tool.
type AnalyzeIssueResponse struct {
	RunbookName     string `json:"runbook_name"`
	FullDescription string `json:"full_description"`
	ExecutePending  bool   `json:"execute_pending"`
}

// NewAnalyzeIssueTool creates the analyze_issue tool definition.
func NewAnalyzeIssueTool(log logrus.FieldLogger, eng *engine.Engine) Definition {
	return Definition{
		Tool: mcp.Tool{
			Name:        AnalyzeIssueToolName,
			Description: analyzeIssueDescription,
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]any{
					"issue": map[string]any{
						"type":        "string",
						"description": "Free-text description of the problem",
					},
					"execute": map[string]any{
						"type":        "boolean",
						"description": "Record the match as a proposal awaiting confirmation (default: false)",
					},
					"target_machine": map[string]any{
						"type":        "string",
						"description": "Machine the proposal is keyed to (default: from server config)",
					},
				},
				Required: []string{"issue"},
			},
		},
		Handler: newAnalyzeIssueHandler(log, eng),
	}
}

// newAnalyzeIssueHandler creates the handler function for analyze_issue.
func newAnalyzeIssueHandler(log logrus.FieldLogger, eng *engine.Engine) Handler {
	handlerLog := log.WithField("tool", AnalyzeIssueToolName)

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
		}).Debug("Handling analyze_issue request")

		result, err := eng.Analyze(ctx, req)
		if err != nil {
			handlerLog.WithError(err).Warn("Analysis failed")

			return CallToolError(err), nil
		}

		return marshalResult(AnalyzeIssueResponse{
			RunbookName:     result.RunbookName,
			FullDescription: result.FullDescription,
			ExecutePending:  result.ExecutePending,
		})
	}
}
