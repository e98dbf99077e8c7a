package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	appmiddleware "github.com/lazyaf/lazyaf/internal/middleware"
	"github.com/lazyaf/lazyaf/internal/runnerchannel"
	"github.com/lazyaf/lazyaf/internal/uichannel"
)

// NewRouter assembles the execution core's HTTP surface, grounded on the
// teacher's cmd/api/main.go middleware stack (RequestID, RealIP, Logger,
// Recoverer, Timeout, CORS), generalized down to this module's own route
// tree. The runner-channel and UI-channel upgrade endpoints sit alongside
// the REST surface rather than under it, since they're websocket upgrades
// rather than JSON request/response pairs.
func NewRouter(runs *RunsHandler, cards *CardsHandler, repos *ReposHandler, debug *DebugHandler, hub *runnerchannel.Hub, uiHub *uichannel.Hub, repoLimiter *appmiddleware.RateLimiter) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		JSONData(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/runs", func(r chi.Router) {
		r.Post("/", runs.Create)
		r.Post("/{run_id}/cancel", runs.Cancel)
	})

	r.Route("/cards", func(r chi.Router) {
		r.Route("/{card_id}", func(r chi.Router) {
			r.Post("/start", cards.Start)
			r.Post("/approve", cards.Approve)
			r.Post("/reject", cards.Reject)
			r.Post("/retry", cards.Retry)
			r.Post("/rebase", cards.Rebase)
		})
	})

	r.Route("/repos", func(r chi.Router) {
		r.Route("/{repo_id}", func(r chi.Router) {
			if repoLimiter != nil {
				r.Use(repoLimiter.RepoRateLimitMiddleware())
			}
			r.Get("/diff", repos.Diff)
			r.Get("/branches", repos.Branches)
		})
	})

	r.Route("/debug/sessions", func(r chi.Router) {
		r.Post("/", debug.Create)
		r.Route("/{session_id}", func(r chi.Router) {
			r.Post("/resume", debug.Resume)
			r.Post("/abort", debug.Abort)
			r.Get("/stream", debug.Stream)
		})
	})

	// Runner duplex channel: a runner connects once at startup and stays
	// attached for its whole lifetime (spec §6).
	r.Get("/runner/channel", hub.ServeHTTP)

	// UI event-stream duplex channel: a dashboard subscribes to a run's
	// live step/event feed over the same kind of connection.
	r.Get("/ui/channel", uiHub.ServeHTTP)

	return r
}
