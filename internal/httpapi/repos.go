package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/lazyaf/lazyaf/internal/gitsubstrate"
)

// ReposHandler implements the two read-only git-substrate endpoints spec §9
// exposes directly: a diff between two refs and a branch listing with
// optional damage verification. Repo CRUD (registering a repo, its remote
// URL, its default branch) is out of scope.
type ReposHandler struct {
	git    *gitsubstrate.Substrate
	logger *slog.Logger
}

func NewReposHandler(git *gitsubstrate.Substrate, logger *slog.Logger) *ReposHandler {
	return &ReposHandler{git: git, logger: logger}
}

func repoIDFromURL(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "repo_id"))
}

// Diff handles GET /repos/{repo_id}/diff?base=...&head=...
func (h *ReposHandler) Diff(w http.ResponseWriter, r *http.Request) {
	repoID, err := repoIDFromURL(r)
	if err != nil {
		Error(w, http.StatusBadRequest, "BAD_REQUEST", "invalid repo id")
		return
	}
	base := r.URL.Query().Get("base")
	head := r.URL.Query().Get("head")
	if base == "" || head == "" {
		Error(w, http.StatusBadRequest, "BAD_REQUEST", "base and head query params are required")
		return
	}

	patch, err := h.git.Diff(r.Context(), repoID, base, head)
	if err != nil {
		HandleError(h.logger, w, err)
		return
	}
	JSONData(w, http.StatusOK, map[string]string{"patch": patch})
}

// Branches handles GET /repos/{repo_id}/branches?verify=1
func (h *ReposHandler) Branches(w http.ResponseWriter, r *http.Request) {
	repoID, err := repoIDFromURL(r)
	if err != nil {
		Error(w, http.StatusBadRequest, "BAD_REQUEST", "invalid repo id")
		return
	}
	verify := r.URL.Query().Get("verify") == "1" || r.URL.Query().Get("verify") == "true"

	branches, err := h.git.ListBranches(r.Context(), repoID, verify)
	if err != nil {
		HandleError(h.logger, w, err)
		return
	}
	JSONData(w, http.StatusOK, branches)
}
