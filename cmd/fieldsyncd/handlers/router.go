package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/plumbworks/fieldsync/internal/broadcast"
	"github.com/plumbworks/fieldsync/internal/engine"
	"github.com/plumbworks/fieldsync/internal/store"
)

// NewRouter assembles the HTTP surface: queue and job REST endpoints plus
// the WebSocket broadcast attach point.
func NewRouter(st *store.Store, eng *engine.Engine, hub *broadcast.Hub, log *logrus.Logger) chi.Router {
	queue := NewQueueHandler(st, eng, log)
	jobs := NewJobsHandler(st, eng, log)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", Health)

		r.Post("/queue", queue.Enqueue)
		r.Get("/queue", queue.List)
		r.Get("/queue/status", queue.Status)
		r.Post("/sync/now", queue.TriggerSync)
		r.Post("/connectivity", queue.Connectivity)

		r.Route("/jobs/{jobID}", func(r chi.Router) {
			r.Get("/", jobs.Get)
			r.Post("/cache", jobs.Cache)
			r.Get("/operations", jobs.Operations)
		})
	})

	r.Get("/ws", hub.Handler())

	return r
}

// Health handles GET /api/health.
func Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok","service":"fieldsyncd"}`))
}
