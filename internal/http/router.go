package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"clinical-scribe-service/internal/app"
	"clinical-scribe-service/internal/schema"
)

// OrganizationHeader carries the caller's organization.
const OrganizationHeader = "X-Organization-ID"

// NewRouter constructs the HTTP router for the service.
func NewRouter(application *app.Application) http.Handler {
	h := &handlers{
		store:     application.Store,
		machine:   application.Machine,
		queue:     application.Queue,
		validator: schema.New(),
	}

	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health endpoints
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, r *http.Request) {
		if err := application.Ready(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	// API routes
	r.Route("/v1", func(r chi.Router) {
		r.Post("/encounters/{encounterID}/transcription", h.getOrCreateTranscription)

		r.Route("/transcriptions/{id}", func(r chi.Router) {
			r.Get("/", h.getTranscription)
			r.Put("/draft", h.saveDraft)
			r.Post("/promote", h.promote)
			r.Post("/generate", h.generate(false))
			r.Post("/regenerate", h.generate(true))
			r.Get("/status", h.currentStatus)
			r.Post("/status", h.transition)
			r.Get("/timeline", h.timeline)
			r.Get("/status/ws", h.statusStream)
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", h.listJobs)
			r.Get("/stats", h.jobStats)
			r.Get("/{id}", h.getJob)
			r.Post("/{id}/cancel", h.cancelJob)
		})
	})

	return r
}
