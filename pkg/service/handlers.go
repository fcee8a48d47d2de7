package service

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/containerd/errdefs"

	"github.com/helpdeskops/triage/internal/version"
	"github.com/helpdeskops/triage/pkg/observability"
	"github.com/helpdeskops/triage/pkg/runbook"
	"github.com/helpdeskops/triage/pkg/types"
)

// Not-found details returned to API callers. These are part of the public
// contract and must not change without a version bump.
const (
	detailNoDiagnosticRunbook      = "Diagnostic agent returned no runbook."
	detailNoTroubleshootingRunbook = "Troubleshooting agent returned no runbook."
	detailNoPendingRunbook         = "No pending runbook for this target machine."
)

// diagnoseResponse is the payload returned by POST /diagnostic/chat.
type diagnoseResponse struct {
	RunbookName string `json:"runbook_name"`
	Message     string `json:"message"`
}

// analyzeResponse is the payload returned by POST /troubleshooting/analyze.
type analyzeResponse struct {
	RunbookName     string `json:"runbook_name"`
	FullDescription string `json:"full_description"`
	ExecutePending  bool   `json:"execute_pending"`
}

// confirmResponse is the payload returned by POST /troubleshooting/confirm.
type confirmResponse struct {
	Message string `json:"message"`
}

// outputResponse is the payload returned by POST /runbook/fetch-output.
type outputResponse struct {
	Status string `json:"status"`
	Output string `json:"output"`
}

// healthResponse is the payload returned by GET /health.
type healthResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Version string `json:"version"`
}

// errorResponse is the error envelope returned on every non-2xx response.
type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (s *apiService) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Message: "API is running",
		Version: version.Version,
	})
}

func (s *apiService) handleDiagnose(w http.ResponseWriter, r *http.Request) {
	var req types.IssueRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}

	result, err := s.engine.Diagnose(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, r, err, detailNoDiagnosticRunbook)

		return
	}

	writeJSON(w, http.StatusOK, diagnoseResponse{
		RunbookName: result.RunbookName,
		Message:     result.Message,
	})
}

func (s *apiService) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req types.IssueRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}

	result, err := s.engine.Analyze(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, r, err, detailNoTroubleshootingRunbook)

		return
	}

	writeJSON(w, http.StatusOK, analyzeResponse{
		RunbookName:     result.RunbookName,
		FullDescription: result.FullDescription,
		ExecutePending:  result.ExecutePending,
	})
}

func (s *apiService) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req types.ConfirmRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}

	result, err := s.engine.Confirm(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, r, err, detailNoPendingRunbook)

		return
	}

	writeJSON(w, http.StatusOK, confirmResponse{Message: result.Message})
}

func (s *apiService) handleFetchOutput(w http.ResponseWriter, r *http.Request) {
	var req types.JobOutputRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}

	status, output, err := s.engine.FetchOutput(r.Context(), req)
	if err != nil {
		log := observability.RequestScopedLogger(s.log, r.Context())

		// Poll timeout and upstream unavailability map to gateway errors
		// only here: callers of this endpoint are expected to retry.
		switch {
		case errors.Is(err, runbook.ErrPollTimeout):
			log.WithError(err).Warn("Job output fetch timed out")
			writeError(w, http.StatusGatewayTimeout, "Job output timed out", err.Error())
		case errdefs.IsUnavailable(err):
			log.WithError(err).Warn("Job output upstream unavailable")
			writeError(w, http.StatusBadGateway, "Upstream service unavailable", err.Error())
		default:
			s.writeEngineError(w, r, err, "")
		}

		return
	}

	writeJSON(w, http.StatusOK, outputResponse{
		Status: string(status),
		Output: output,
	})
}

// decodeRequest decodes a JSON request body, replying 400 on failure.
func (s *apiService) decodeRequest(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		log := observability.RequestScopedLogger(s.log, r.Context())
		log.WithError(err).Warn("Failed to decode request body")

		writeError(w, http.StatusBadRequest, "Invalid request", "invalid JSON request body")

		return false
	}

	return true
}

// writeEngineError maps an engine error to an HTTP response. notFoundDetails
// carries the route's caller-facing detail for not-found outcomes.
func (s *apiService) writeEngineError(w http.ResponseWriter, r *http.Request, err error, notFoundDetails string) {
	log := observability.RequestScopedLogger(s.log, r.Context())

	switch {
	case errdefs.IsInvalidArgument(err):
		log.WithError(err).Warn("Request validation failed")
		writeError(w, http.StatusBadRequest, "Invalid request", err.Error())
	case errdefs.IsNotFound(err):
		details := notFoundDetails
		if details == "" {
			details = err.Error()
		}

		log.WithError(err).Info("Request produced no result")
		writeError(w, http.StatusNotFound, "Not found", details)
	default:
		log.WithError(err).Error("Request failed")
		writeError(w, http.StatusInternalServerError, "Internal server error", err.Error())
	}
}

// writeError writes the error envelope with the given status code.
func writeError(w http.ResponseWriter, status int, message, details string) {
	writeJSON(w, status, errorResponse{Error: errorDetail{Message: message, Details: details}})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(payload)
}
