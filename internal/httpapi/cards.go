package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/lazyaf/lazyaf/internal/cardflow"
	"github.com/lazyaf/lazyaf/internal/gitsubstrate"
)

// CardsHandler implements the card lifecycle verbs of spec §5/§6:
// start/approve/reject/retry/rebase. CRUD over cards themselves (creating
// one, editing its title/description) is out of scope.
type CardsHandler struct {
	cards  *cardflow.Service
	logger *slog.Logger
}

func NewCardsHandler(cards *cardflow.Service, logger *slog.Logger) *CardsHandler {
	return &CardsHandler{cards: cards, logger: logger}
}

func cardIDFromURL(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "card_id"))
}

type defaultBranchRequest struct {
	DefaultBranch string `json:"default_branch"`
}

// Start handles POST /cards/{card_id}/start.
func (h *CardsHandler) Start(w http.ResponseWriter, r *http.Request) {
	cardID, err := cardIDFromURL(r)
	if err != nil {
		Error(w, http.StatusBadRequest, "BAD_REQUEST", "invalid card id")
		return
	}
	run, err := h.cards.Start(r.Context(), cardID)
	if err != nil {
		HandleError(h.logger, w, err)
		return
	}
	JSONData(w, http.StatusOK, run)
}

// Approve handles POST /cards/{card_id}/approve. A merge conflict comes
// back as a 409 with the structured per-file conflict detail attached.
func (h *CardsHandler) Approve(w http.ResponseWriter, r *http.Request) {
	cardID, err := cardIDFromURL(r)
	if err != nil {
		Error(w, http.StatusBadRequest, "BAD_REQUEST", "invalid card id")
		return
	}
	var req defaultBranchRequest
	if err := decodeJSON(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}

	err = h.cards.Approve(r.Context(), cardID, req.DefaultBranch)
	if err == nil {
		JSONData(w, http.StatusOK, map[string]string{"status": "done"})
		return
	}
	var conflictErr *gitsubstrate.MergeConflictError
	if errors.As(err, &conflictErr) {
		JSON(w, http.StatusConflict, struct {
			Error     ErrorDetail                   `json:"error"`
			Conflicts []gitsubstrateConflictDetail `json:"conflicts"`
		}{
			Error:     ErrorDetail{Code: "MERGE_CONFLICT", Message: err.Error()},
			Conflicts: toConflictDetails(conflictErr),
		})
		return
	}
	HandleError(h.logger, w, err)
}

// Reject handles POST /cards/{card_id}/reject.
func (h *CardsHandler) Reject(w http.ResponseWriter, r *http.Request) {
	cardID, err := cardIDFromURL(r)
	if err != nil {
		Error(w, http.StatusBadRequest, "BAD_REQUEST", "invalid card id")
		return
	}
	if err := h.cards.Reject(r.Context(), cardID); err != nil {
		HandleError(h.logger, w, err)
		return
	}
	JSONData(w, http.StatusOK, map[string]string{"status": "failed"})
}

// Retry handles POST /cards/{card_id}/retry.
func (h *CardsHandler) Retry(w http.ResponseWriter, r *http.Request) {
	cardID, err := cardIDFromURL(r)
	if err != nil {
		Error(w, http.StatusBadRequest, "BAD_REQUEST", "invalid card id")
		return
	}
	if err := h.cards.Retry(r.Context(), cardID); err != nil {
		HandleError(h.logger, w, err)
		return
	}
	JSONData(w, http.StatusOK, map[string]string{"status": "todo"})
}

// Rebase handles POST /cards/{card_id}/rebase.
func (h *CardsHandler) Rebase(w http.ResponseWriter, r *http.Request) {
	cardID, err := cardIDFromURL(r)
	if err != nil {
		Error(w, http.StatusBadRequest, "BAD_REQUEST", "invalid card id")
		return
	}
	var req defaultBranchRequest
	if err := decodeJSON(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}

	err = h.cards.Rebase(r.Context(), cardID, req.DefaultBranch)
	if err == nil {
		JSONData(w, http.StatusOK, map[string]string{"status": "rebased"})
		return
	}
	var conflictErr *gitsubstrate.MergeConflictError
	if errors.As(err, &conflictErr) {
		JSON(w, http.StatusConflict, struct {
			Error     ErrorDetail                   `json:"error"`
			Conflicts []gitsubstrateConflictDetail `json:"conflicts"`
		}{
			Error:     ErrorDetail{Code: "MERGE_CONFLICT", Message: err.Error()},
			Conflicts: toConflictDetails(conflictErr),
		})
		return
	}
	HandleError(h.logger, w, err)
}

// gitsubstrateConflictDetail mirrors domain.ConflictDetail for the wire —
// kept local so this package's JSON shape doesn't change if the domain
// type's field tags ever do.
type gitsubstrateConflictDetail struct {
	Path   string `json:"path"`
	Base   string `json:"base"`
	Ours   string `json:"ours"`
	Theirs string `json:"theirs"`
}

func toConflictDetails(e *gitsubstrate.MergeConflictError) []gitsubstrateConflictDetail {
	out := make([]gitsubstrateConflictDetail, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		out = append(out, gitsubstrateConflictDetail{Path: c.Path, Base: c.Base, Ours: c.Ours, Theirs: c.Theirs})
	}
	return out
}
