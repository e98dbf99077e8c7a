package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/lazyaf/lazyaf/internal/domain"
	"github.com/lazyaf/lazyaf/internal/executor"
	"github.com/lazyaf/lazyaf/internal/repository"
)

// RunsHandler implements POST /runs: manually triggering a run of an
// already-authored pipeline definition. The definition itself is looked up
// by ID, never created here — authoring one is out of scope.
type RunsHandler struct {
	pipelines repository.PipelineRepository
	runs      repository.RunRepository
	exec      *executor.Executor
	logger    *slog.Logger
}

func NewRunsHandler(pipelines repository.PipelineRepository, runs repository.RunRepository, exec *executor.Executor, logger *slog.Logger) *RunsHandler {
	return &RunsHandler{pipelines: pipelines, runs: runs, exec: exec, logger: logger}
}

type createRunRequest struct {
	RepoID          uuid.UUID `json:"repo_id"`
	PipelineID      uuid.UUID `json:"pipeline_id"`
	PipelineVersion int       `json:"pipeline_version,omitempty"` // 0 means latest
	Branch          string    `json:"branch"`
	CommitSHA       string    `json:"commit_sha,omitempty"`
	UserID          *uuid.UUID `json:"user_id,omitempty"`
}

// Create handles POST /runs.
func (h *RunsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := decodeJSON(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}

	ctx := r.Context()
	var def *domain.PipelineDefinition
	var err error
	if req.PipelineVersion > 0 {
		def, err = h.pipelines.GetByIDAndVersion(ctx, req.PipelineID, req.PipelineVersion)
	} else {
		def, err = h.pipelines.GetByID(ctx, req.PipelineID)
	}
	if err != nil {
		HandleError(h.logger, w, err)
		return
	}

	run := domain.NewPipelineRun(req.RepoID, def.ID, def.Version, domain.Trigger{
		Type:      domain.TriggerManual,
		UserID:    req.UserID,
		CommitSHA: req.CommitSHA,
		Branch:    req.Branch,
	})
	if err := h.runs.Create(ctx, run); err != nil {
		HandleError(h.logger, w, err)
		return
	}
	if err := h.exec.Start(ctx, run, def); err != nil {
		HandleError(h.logger, w, err)
		return
	}

	JSONData(w, http.StatusCreated, run)
}

// Cancel handles POST /runs/{run_id}/cancel: a client-initiated abort of a
// live run (spec §5). Cancelling an already-terminal or unknown run is
// reported as a conflict rather than a no-op success.
func (h *RunsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(chi.URLParam(r, "run_id"))
	if err != nil {
		Error(w, http.StatusBadRequest, "BAD_REQUEST", "invalid run id")
		return
	}
	if err := h.exec.Cancel(r.Context(), runID); err != nil {
		HandleError(h.logger, w, err)
		return
	}
	JSONData(w, http.StatusOK, map[string]string{"status": "cancelling"})
}
