// Package httpapi is the HTTP surface spec §6 describes for the execution
// core: triggering runs, driving a card through its lifecycle, reading a
// repo's diff/branch state, and the debug-playground REST+SSE endpoints.
// CRUD over repos/cards/pipelines/agent files lives outside this package
// entirely (external-collaborator territory, per spec.md's scope note) —
// every handler here takes IDs it doesn't own the lifecycle of.
//
// Grounded on the teacher's internal/handler package for the response
// envelope and error-to-status mapping (response.go's Response/ErrorDetail
// shape, HandleError's errors.Is switch), adapted from the teacher's much
// larger domain error set down to this module's own.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/lazyaf/lazyaf/internal/domain"
)

// Response is the envelope every successful JSON response is wrapped in.
type Response struct {
	Data interface{} `json:"data,omitempty"`
}

// ErrorResponse is the envelope every error response is wrapped in.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func JSONData(w http.ResponseWriter, status int, data interface{}) {
	JSON(w, status, Response{Data: data})
}

func Error(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

// HandleError converts a domain error into the matching HTTP response.
func HandleError(logger *slog.Logger, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrRunNotFound),
		errors.Is(err, domain.ErrCardNotFound),
		errors.Is(err, domain.ErrPipelineNotFound),
		errors.Is(err, domain.ErrStepNotFound),
		errors.Is(err, domain.ErrRunnerNotFound),
		errors.Is(err, domain.ErrDebugSessionNotFound),
		errors.Is(err, domain.ErrRepoNotFound),
		errors.Is(err, domain.ErrBranchNotFound):
		Error(w, http.StatusNotFound, "NOT_FOUND", err.Error())

	case errors.Is(err, domain.ErrCardInvalidTransition),
		errors.Is(err, domain.ErrCardAlreadyRunning),
		errors.Is(err, domain.ErrRunNotCancellable),
		errors.Is(err, domain.ErrRunNotResumable),
		errors.Is(err, domain.ErrDebugSessionConflict),
		errors.Is(err, domain.ErrNoConflictOp):
		Error(w, http.StatusConflict, "CONFLICT", err.Error())

	case errors.Is(err, domain.ErrMergeConflict):
		Error(w, http.StatusConflict, "MERGE_CONFLICT", err.Error())

	case errors.Is(err, domain.ErrInvalidStepType),
		errors.Is(err, domain.ErrPipelineHasCycle),
		errors.Is(err, domain.ErrPipelineUnreachable),
		errors.Is(err, domain.ErrPipelineNoEntry):
		Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())

	case errors.Is(err, domain.ErrDebugSessionExpired):
		Error(w, http.StatusGone, "EXPIRED", err.Error())

	case errors.Is(err, domain.ErrBranchDamaged),
		errors.Is(err, domain.ErrDefaultBranchGuard):
		Error(w, http.StatusUnprocessableEntity, "GIT_ERROR", err.Error())

	default:
		logger.Error("httpapi: internal error", "error", err)
		Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}

func decodeJSON(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dst)
}
