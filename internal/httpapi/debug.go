package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/lazyaf/lazyaf/internal/debugsession"
	"github.com/lazyaf/lazyaf/internal/domain"
	"github.com/lazyaf/lazyaf/internal/eventbus"
	"github.com/lazyaf/lazyaf/internal/registry"
	"github.com/lazyaf/lazyaf/internal/repository"
	"github.com/lazyaf/lazyaf/internal/runnerchannel"
)

// DebugHandler implements the debug-playground REST lifecycle plus its SSE
// event stream (spec §6): attach a session to a run, watch it hit
// breakpoints, resume or abort it. Grounded on the teacher's
// RunStreamHandler for the SSE delivery shape (flusher + "event:<kind>\n
// data:<json>\n\n" frames), adapted from the teacher's own poll loop to a
// direct eventbus.Subscription feed.
type DebugHandler struct {
	sessions *debugsession.Manager
	steps    repository.StepRepository
	runners  *registry.Registry
	hub      *runnerchannel.Hub
	bus      *eventbus.Bus
	logger   *slog.Logger
}

func NewDebugHandler(sessions *debugsession.Manager, steps repository.StepRepository, runners *registry.Registry, hub *runnerchannel.Hub, bus *eventbus.Bus, logger *slog.Logger) *DebugHandler {
	return &DebugHandler{sessions: sessions, steps: steps, runners: runners, hub: hub, bus: bus, logger: logger}
}

func debugSessionIDFromURL(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "session_id"))
}

type createDebugSessionRequest struct {
	RunID       uuid.UUID `json:"run_id"`
	Breakpoints []int     `json:"breakpoints"`
}

// Create handles POST /debug/sessions.
func (h *DebugHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createDebugSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}
	session, err := h.sessions.Start(r.Context(), req.RunID, req.Breakpoints)
	if err != nil {
		HandleError(h.logger, w, err)
		return
	}
	JSONData(w, http.StatusCreated, session)
}

// Resume handles POST /debug/sessions/{session_id}/resume: advances the
// session's state machine, then forwards DebugResume to whichever runner is
// currently holding the paused step's worktree open, if one is still
// connected.
func (h *DebugHandler) Resume(w http.ResponseWriter, r *http.Request) {
	sessionID, err := debugSessionIDFromURL(r)
	if err != nil {
		Error(w, http.StatusBadRequest, "BAD_REQUEST", "invalid session id")
		return
	}
	session, err := h.sessions.Resume(r.Context(), sessionID)
	if err != nil {
		HandleError(h.logger, w, err)
		return
	}
	h.forwardToPausedRunner(r, session, func(runnerID uuid.UUID) error {
		return h.hub.DebugResume(r.Context(), runnerID, sessionID)
	})
	JSONData(w, http.StatusOK, session)
}

// Abort handles POST /debug/sessions/{session_id}/abort.
func (h *DebugHandler) Abort(w http.ResponseWriter, r *http.Request) {
	sessionID, err := debugSessionIDFromURL(r)
	if err != nil {
		Error(w, http.StatusBadRequest, "BAD_REQUEST", "invalid session id")
		return
	}
	session, err := h.sessions.Abort(r.Context(), sessionID)
	if err != nil {
		HandleError(h.logger, w, err)
		return
	}
	h.forwardToPausedRunner(r, session, func(runnerID uuid.UUID) error {
		return h.hub.DebugAbort(r.Context(), runnerID, sessionID)
	})
	JSONData(w, http.StatusOK, session)
}

// forwardToPausedRunner looks up the runner holding the session's paused
// step and invokes send. A runner that has since disconnected (or never
// had one, if the session ended before any breakpoint fired) is not an
// error here — the Manager has already recorded the session's own state.
func (h *DebugHandler) forwardToPausedRunner(r *http.Request, session *domain.DebugSession, send func(runnerID uuid.UUID) error) {
	if session.PausedAtIndex == nil {
		return
	}
	runnerID, ok := h.runnerForSession(r, session)
	if !ok {
		return
	}
	if err := send(runnerID); err != nil {
		h.logger.Warn("httpapi: forward debug frame failed", "session_id", session.ID, "error", err)
	}
}

// runnerForSession resolves the paused step index back to a step ID via the
// run's step list, then to a runner via the registry — the session itself
// only tracks PausedAtIndex, the same lookup releasePausedStep does on the
// Manager side of this same handshake.
func (h *DebugHandler) runnerForSession(r *http.Request, session *domain.DebugSession) (uuid.UUID, bool) {
	steps, err := h.steps.ListByRun(r.Context(), session.RunID)
	if err != nil {
		h.logger.Warn("httpapi: list steps for paused session", "session_id", session.ID, "error", err)
		return uuid.UUID{}, false
	}
	for _, step := range steps {
		if step.Index != *session.PausedAtIndex {
			continue
		}
		runner, ok := h.runners.FindByStep(step.ID)
		if !ok {
			return uuid.UUID{}, false
		}
		return runner.ID, true
	}
	return uuid.UUID{}, false
}

// Stream handles GET /debug/sessions/{session_id}/stream: an SSE feed of
// the session's debug.* events, "event:<kind>\ndata:<json>\n\n" per frame.
func (h *DebugHandler) Stream(w http.ResponseWriter, r *http.Request) {
	sessionID, err := debugSessionIDFromURL(r)
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	topic := domain.Topic{Kind: domain.TopicDebugSession, ID: sessionID}
	sub, ok := h.bus.Subscribe(topic, 0, 16)
	if !ok {
		http.Error(w, "session event window expired", http.StatusGone)
		return
	}
	defer h.bus.Unsubscribe(sub)

	ctx := r.Context()
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			writeSSE(w, string(ev.Type), ev.Payload)
			flusher.Flush()
			if ev.Type == domain.EventDebugAborted || ev.Type == domain.EventDebugTimedOut {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event:%s\ndata:%s\n\n", event, data)
}
