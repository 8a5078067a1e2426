// Package handlers exposes the workflow engine over HTTP.
package handlers

import (
	"encoding/json"
	"net/http"

	"stepflow/internal/common/errors"
	"stepflow/internal/common/logging"
	"stepflow/internal/storage"
	"stepflow/internal/workflow"
)

type Handlers struct {
	executor *workflow.Executor
	store    storage.RunStore
	logger   logging.Logger
}

func New(executor *workflow.Executor, store storage.RunStore, logger logging.Logger) *Handlers {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Handlers{
		executor: executor,
		store:    store,
		logger:   logger,
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Type  string `json:"type,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps the error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	errType := errors.ErrTypeInternal

	if appErr, ok := errors.AsAppError(err); ok {
		errType = appErr.Type
		switch appErr.Type {
		case errors.ErrTypeValidation, errors.ErrTypeConfig:
			status = http.StatusBadRequest
		case errors.ErrTypeNotFound:
			status = http.StatusNotFound
		case errors.ErrTypeRateLimit:
			status = http.StatusTooManyRequests
		case errors.ErrTypeTimeout:
			status = http.StatusGatewayTimeout
		}
	}

	writeJSON(w, status, errorResponse{Error: err.Error(), Type: string(errType)})
}
