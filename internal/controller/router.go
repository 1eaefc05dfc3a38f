package controller

import (
	"net/http"
	"time"

	"github.com/cassiomorais/checkout/internal/infrastructure/config"
	"github.com/cassiomorais/checkout/internal/infrastructure/observability"
	customMW "github.com/cassiomorais/checkout/internal/middleware"
	"github.com/cassiomorais/checkout/internal/service"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterDeps struct {
	CheckoutService  *service.CheckoutService
	AgentService     *service.AgentService
	IdempotencyStore customMW.IdempotencyStore
	Health           []Dependency
	Metrics          *observability.Metrics
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer

	CORSConfig     config.CORSConfig
	JWTSecret      string
	IdempotencyTTL time.Duration
	AgentRateLimit int
}

func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(customMW.Tracing("checkout-api"))
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(customMW.SecurityHeaders())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.CORSConfig.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", customMW.IdempotencyKeyHeader},
		ExposedHeaders:   []string{"X-Idempotency-Replayed"},
		AllowCredentials: deps.CORSConfig.AllowCredentials,
		MaxAge:           300,
	}))
	r.Use(customMW.Metrics(deps.Metrics))

	healthH := NewHealthController(deps.Health...)
	checkoutH := NewCheckoutController(deps.CheckoutService, deps.AgentService)
	agentH := NewAgentController(deps.AgentService)

	r.Get("/health", healthH.Health)
	r.Get("/health/live", healthH.Liveness)
	r.Get("/health/ready", healthH.Readiness)

	r.Handle("/metrics", metricsHandler(deps.Gatherer))

	r.Route("/api/v1", func(r chi.Router) {
		// Terminal agents
		r.Route("/agent", func(r chi.Router) {
			r.Use(customMW.RequireAgent(deps.AgentService))
			if deps.AgentRateLimit > 0 {
				r.Use(customMW.RateLimit(deps.AgentRateLimit, customMW.KeyByBearer))
			}
			r.Post("/heartbeat", agentH.Heartbeat)
			r.Get("/commands/next", agentH.NextCommand)
			r.Post("/commands/{id}/report", agentH.Report)
		})

		// Operators
		r.Group(func(r chi.Router) {
			r.Use(customMW.RequireAuth(deps.JWTSecret))

			r.With(customMW.Idempotency(deps.IdempotencyStore, deps.IdempotencyTTL)).Post("/checkout", checkoutH.Start)
			r.Get("/transactions/{id}", checkoutH.Get)
			r.Get("/transactions/{id}/status", checkoutH.Status)
			r.Post("/transactions/{id}/mark-paid", checkoutH.MarkPaid)
			r.Post("/transactions/{id}/abort", checkoutH.Abort)

			r.Get("/agents/online", checkoutH.OnlineAgents)
			r.Post("/agents", checkoutH.RegisterAgent)
		})
	})

	return r
}

func metricsHandler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
