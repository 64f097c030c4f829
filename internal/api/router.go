package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/rpattn/datacheck/internal/config"
	"github.com/rpattn/datacheck/internal/middleware"
	"github.com/rpattn/datacheck/internal/repository"
)

// NewRouter wires the HTTP surface. gatherer may be nil to disable /metrics.
func NewRouter(h *Handler, checks repository.CheckRepository, cfg config.ServerConfig, gatherer prometheus.Gatherer, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logging(logger))
	r.Use(chimw.Recoverer)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
	})
	r.Use(corsHandler.Handler)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.CheckLoader(checks))
		r.Post("/runs", h.handleSubmit)
		r.Get("/runs/latest", h.handleLatest)
		r.Get("/runs/{id}", h.handleStatus)
		r.Get("/runs/{id}/export", h.handleExport)
		r.Get("/diagnostics/latest", h.handleLatestDiagnostic)
		r.Get("/diagnostics/{id}", h.handleDiagnostic)
	})
	return r
}
