package tool

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"

	"github.com/helpdeskops/triage/pkg/engine"
	"github.com/helpdeskops/triage/pkg/types"
)

// FetchJobOutputToolName is the name of the fetch_job_output tool.
const FetchJobOutputToolName = "fetch_job_output"

// fetchJobOutputDescription is the description of the fetch_job_output tool.
const fetchJobOutputDescription = `Wait for an execution job to finish and return its output.

job_name and job_id come from a confirm_runbook response. The call blocks until the job reaches
a terminal state (Completed, Failed, or Stopped) or the polling window elapses.`

// FetchJobOutputResponse is the response from the fetch_job_output tool.
type FetchJobOutputResponse struct {
	Status types.JobStatus `json:"status"`
	Output string          `json:"output"`
}

// NewFetchJobOutputTool creates the fetch_job_output tool definition.
func NewFetchJobOutputTool(log logrus.FieldLogger, eng *engine.Engine) Definition {
	return Definition{
		Tool: mcp.Tool{
			Name:        FetchJobOutputToolName,
			Description: fetchJobOutputDescription,
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]any{
					"job_name": map[string]any{
						"type":        "string",
						"description": "Backend job name from confirm_runbook",
					},
					"job_id": map[string]any{
						"type":        "string",
						"description": "Backend job identifier from confirm_runbook",
					},
				},
				Required: []string{"job_name", "job_id"},
			},
		},
		Handler: newFetchJobOutputHandler(log, eng),
	}
}

// newFetchJobOutputHandler creates the handler function for fetch_job_output.
func newFetchJobOutputHandler(log logrus.FieldLogger, eng *engine.Engine) Handler {
	handlerLog := log.WithField("tool", FetchJobOutputToolName)

	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobName, err := request.RequireString("job_name")
		if err != nil {
			return CallToolError(fmt.Errorf("invalid arguments: %w", err)), nil
		}

		jobID, err := request.RequireString("job_id")
		if err != nil {
			return CallToolError(fmt.Errorf("invalid arguments: %w", err)), nil
		}

		handlerLog.WithField("job", jobName).Debug("Handling fetch_job_output request")

		status, output, err := eng.FetchOutput(ctx, types.JobOutputRequest{
			JobName: jobName,
			JobID:   jobID,
		})
		if err != nil {
			handlerLog.WithError(err).Warn("Output fetch failed")

			return CallToolError(err), nil
		}

		return marshalResult(FetchJobOutputResponse{
			Status: status,
			Output: output,
		})
	}
}
