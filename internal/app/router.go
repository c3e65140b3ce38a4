// Package app wires the broker together: the HTTP router, the background
// maintenance loop, readiness checks, and the startup rebuild of the
// scheduler from the Store.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/compute-marketplace/internal/adapter/httpserver"
	"github.com/fairyhunter13/compute-marketplace/internal/adapter/observability"
	"github.com/fairyhunter13/compute-marketplace/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty input means every origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Probes and public pages.
	r.Get("/health", srv.HealthHandler())
	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) { promhttp.Handler().ServeHTTP(w, req) })
	r.Get("/api/marketplace/info", srv.InfoHandler())
	r.Get("/api/marketplace/agents", srv.PublicAgentsHandler())

	// Registration is unauthenticated, so it carries the per-IP limit. Polls
	// are limited per agent inside the usecase instead.
	r.Group(func(pr chi.Router) {
		pr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		pr.Post("/api/agents/register", srv.RegisterHandler())
	})

	r.Group(func(ar chi.Router) {
		ar.Use(srv.AgentAuth)
		ar.Post("/api/agents/heartbeat", srv.HeartbeatHandler())
		ar.Post("/api/jobs/available", srv.AvailableJobsHandler())
		ar.Post("/api/jobs/{id}/accept", srv.AcceptHandler())
		ar.Post("/api/jobs/{id}/complete", srv.CompleteHandler())
		ar.Post("/api/jobs/{id}/fail", srv.FailHandler())
	})

	r.Group(func(adm chi.Router) {
		adm.Use(srv.AdminAuth)
		adm.Post("/api/admin/jobs/create", srv.CreateJobHandler())
		adm.Get("/api/admin/stats", srv.StatsHandler())
		adm.Get("/api/admin/load-balancer", srv.LoadBalancerHandler())
		adm.Get("/api/payments/history", srv.PaymentsHistoryHandler())
	})

	return httpserver.SecurityHeaders(r)
}
