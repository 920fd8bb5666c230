package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/sitewalk/internal/composer"
	"github.com/kalambet/sitewalk/internal/retrieval"
	"github.com/kalambet/sitewalk/internal/storage"
)

// Runner starts pipeline runs in the background.
type Runner interface {
	Process(ctx context.Context, id int64) error
}

// Searcher runs the side-by-side vector, lexical, and action-item search.
type Searcher interface {
	Search(ctx context.Context, query string, jobID *int64, limit int) (retrieval.Results, error)
}

// Asker answers a question grounded in indexed site walks.
type Asker interface {
	Ask(ctx context.Context, question string, jobID *int64) (composer.Answer, error)
}

type AppDeps struct {
	Store    *storage.Store
	Runner   Runner
	Searcher Searcher
	Chat     Asker // optional; /chat answers 503 without it
	Token    string
	Hub      http.Handler // optional; mounted at /ws with its own token check
	Metrics  http.Handler // optional; mounted at /metrics
}

// NewAppHandler returns the HTTP surface. /health, /ws and /metrics are
// served without bearer auth; everything else requires deps.Token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)
	if deps.Hub != nil {
		r.Handle("/ws", deps.Hub)
	}
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/sessions", handleCreateSession(deps))
		r.Get("/sessions", handleListSessions(deps))
		r.Get("/sessions/{id}", handleGetSession(deps))
		r.Delete("/sessions/{id}", handleDeleteSession(deps))
		r.Post("/sessions/{id}/process", handleProcessSession(deps))
		r.Post("/sessions/{id}/retry", handleRetrySession(deps))
		r.Get("/sessions/{id}/attachments", handleListAttachments(deps))
		r.Post("/sessions/{id}/attachments", handleCreateAttachment(deps, attachToSession))

		r.Get("/jobs", handleListJobs(deps))
		r.Get("/jobs/{id}", handleGetJob(deps))
		r.Post("/jobs/{id}/attachments", handleCreateAttachment(deps, attachToJob))

		r.Get("/notifications", handleListNotifications(deps))
		r.Post("/notifications/read-all", handleReadAllNotifications(deps))
		r.Post("/notifications/{id}/read", handleReadNotification(deps))

		r.Get("/action-items", handleListActionItems(deps))
		r.Post("/action-items/{id}/toggle", handleToggleActionItem(deps))

		r.Get("/search", handleSearch(deps))
		r.Post("/chat", handleChat(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
