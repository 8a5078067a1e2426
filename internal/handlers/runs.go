package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"stepflow/internal/common/errors"
	"stepflow/internal/common/logging"
	"stepflow/internal/models"
	"stepflow/internal/storage"
)

// RunToolRequest is the body of POST /api/tools/{id}/run. The tool
// definition travels with the request; the engine itself stores only runs.
type RunToolRequest struct {
	Tool        *models.Workflow       `json:"tool"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Credentials map[string]string      `json:"credentials,omitempty"`
	Options     *models.RequestOptions `json:"options,omitempty"`
}

// RunTool executes a tool synchronously and returns the completed run.
// The response status reflects the run outcome, not just transport success.
func (h *Handlers) RunTool(w http.ResponseWriter, r *http.Request) {
	toolID := mux.Vars(r)["id"]

	var req RunToolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.ValidationError("invalid request body: "+err.Error()))
		return
	}
	if req.Tool == nil {
		writeError(w, errors.ValidationError("request must include a tool definition"))
		return
	}
	if toolID != "" {
		req.Tool.ID = toolID
	}

	opts := req.Options
	if opts == nil {
		opts = &models.RequestOptions{}
	}
	if opts.RequestSource == "" {
		opts.RequestSource = "api"
	}
	if opts.TraceID == "" {
		opts.TraceID = r.Header.Get("X-Trace-ID")
	}

	run, err := h.executor.Execute(r.Context(), req.Tool, req.Payload, req.Credentials, opts)
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if run.Status != models.RunSuccess {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, run)
}

// CancelRun interrupts an in-flight run. The path id is the run ID or the
// trace ID the caller sent with the original request; runs are synchronous,
// so the trace ID is usually the only handle the caller has.
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if !h.executor.Cancel(id) {
		writeError(w, errors.NotFoundError("in-flight run"))
		return
	}
	h.logger.Info("run cancelled", logging.String("run_id", id))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// GetRun returns a single persisted run
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	run, err := h.store.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type listRunsResponse struct {
	Runs   []*models.Run `json:"runs"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// ListRuns returns persisted runs newest-first, optionally filtered by tool
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	toolID := query.Get("toolId")
	limit := storage.ClampLimit(intParam(query.Get("limit")))
	offset := intParam(query.Get("offset"))
	if offset < 0 {
		offset = 0
	}

	runs, total, err := h.store.ListRuns(r.Context(), toolID, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []*models.Run{}
	}
	writeJSON(w, http.StatusOK, listRunsResponse{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// DeleteRun removes a persisted run
func (h *Handlers) DeleteRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.store.DeleteRun(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	h.logger.Info("run deleted", logging.String("run_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func intParam(value string) int {
	if value == "" {
		return 0
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return n
}
