package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter mounts every endpoint. Streaming routes skip the request
// timeout. metrics may be nil.
func NewRouter(h *Handlers, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, middleware.StripSlashes)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/health", HealthHandler)
		r.Get("/ready", h.ReadyHandler)
		if metrics != nil {
			r.Method(http.MethodGet, "/metrics", metrics)
		}
		if h.emitter != nil {
			r.Route("/events", func(r chi.Router) {
				r.Post("/attendance", h.EmitAttendance)
				r.Post("/exam-results", h.EmitExamResults)
				r.Post("/payments", h.EmitPayment)
				r.Post("/users", h.EmitUser)
			})
		}
	})

	if h.subs != nil {
		r.Route("/subscriptions", func(r chi.Router) {
			r.Get("/attendance", h.StreamAttendance)
			r.Get("/exam-results/{studentId}", h.StreamExamResults)
			r.Get("/ws", h.Subscriptions)
		})
	}
	return r
}
