package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/forgecrew/forgecrew/internal/config"
)

// NewRouter builds the full HTTP surface: the JSON control API, the health
// probe, and the WebSocket upgrade endpoint.
func NewRouter(h *Handlers, cfg config.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(Logger)
	r.Use(SecurityHeaders)
	r.Use(CORS(cfg.CORSOrigin))

	r.Get("/healthz", h.Health)
	r.Get("/ws", h.hub.HandleWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Repositories
		r.Get("/repositories", h.ListRepositories)
		r.Post("/repositories", h.CreateRepository)

		// Tasks
		r.Get("/tasks", h.ListTasks)
		r.Post("/tasks", h.CreateTask)
		r.Get("/tasks/{id}", h.GetTask)
		r.Get("/tasks/{id}/status", h.GetTaskStatus)
		r.Get("/tasks/{id}/events", h.ListTaskEvents)

		// Orchestration control
		r.Post("/tasks/{id}/orchestrate", h.OrchestrateTask)
		r.Post("/tasks/{id}/approve", h.ApproveTask)
		r.Post("/tasks/{id}/reject", h.RejectTask)
		r.Post("/tasks/{id}/pause", h.PauseTask)
		r.Post("/tasks/{id}/resume", h.ResumeTask)
		r.Post("/tasks/{id}/cancel", h.CancelTask)
	})

	return otelhttp.NewHandler(r, "forgecrew-http")
}
