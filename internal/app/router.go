package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oswatch/scanfleet/internal/adapter/httpserver"
	"github.com/oswatch/scanfleet/internal/config"
	"github.com/oswatch/scanfleet/internal/observability"
)

// NewRouter assembles the control-plane HTTP surface.
func NewRouter(cfg config.Config, h *httpserver.Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(httpserver.Recover)
	r.Use(httpserver.AccessLog)
	r.Use(observability.HTTPMetricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: strings.Split(cfg.CORSAllowOrigins, ","),
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Worker traffic stays outside the rate limiter: a fleet behind
		// one NAT would starve itself out of heartbeats.
		r.Post("/workers/heartbeat", h.WorkerHeartbeat)

		r.Group(func(r chi.Router) {
			if cfg.RateLimitPerMin > 0 {
				r.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
			}
			r.Post("/scans", h.CreateScan)
			r.Get("/scans", h.ListScans)
			r.Get("/scans/{id}", h.GetScan)
			r.Post("/scans/{id}/abort", h.AbortScan)
			r.Delete("/scans/{id}", h.DeleteScan)
			r.Get("/workers", h.ListWorkers)
			r.Get("/workers/{id}", h.GetWorker)
		})
	})

	return r
}
