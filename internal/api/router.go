// Package api exposes the HTTP surface: authentication, target inspection,
// monitoring control, and time-series passthrough queries.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hostlens/hostlens/internal/auth"
)

// NewRouter assembles the chi router with all middleware and routes
func NewRouter(h *Handler, authService *auth.Service, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(Logger(logger))
	r.Use(Recovery(logger))

	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(JWTAuth(authService))

			r.Get("/targets", h.ListTargets)
			r.Route("/targets/{key}", func(r chi.Router) {
				r.Get("/", h.GetTarget)
				r.Post("/monitor", h.StartMonitor)
				r.Delete("/monitor", h.StopMonitor)
				r.Get("/metrics", h.GetMetrics)
				r.Get("/metrics/history", h.GetHistory)
				r.Get("/metrics/range", h.QueryRange)
				r.Get("/metrics/names", h.ListMetricNames)
				r.Get("/alerts", h.ListAlerts)
			})
		})
	})

	return r
}
