package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/maxpert/sluice/telemetry"
	"github.com/rs/zerolog/log"
)

// NewRouter builds the HTTP handler of the admin listener
func NewRouter(handlers *AdminHandlers, secret string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/admin", func(r chi.Router) {
		r.Use(AuthMiddleware(secret))

		r.Get("/pipes", handlers.handleListPipes)
		r.Get("/pipes/{name}", handlers.handleGetPipe)
		r.Put("/pipes/{name}", handlers.handlePutPipe)
		r.Delete("/pipes/{name}", handlers.handleDropPipe)
		r.Post("/pipes/{name}/restart", handlers.handleRestartPipe)
		r.Get("/connectors", handlers.handleListConnectors)
		r.Get("/stats", handlers.handleStats)
		r.Get("/heartbeat", handlers.handleHeartbeat)
	})

	if metrics := telemetry.GetMetricsHandler(); metrics != nil {
		r.Handle("/metrics", metrics)
	}

	log.Info().Bool("auth", secret != "").Msg("Admin endpoints enabled at /admin/*")
	return r
}
