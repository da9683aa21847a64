/*
server.go - HTTP router and middleware configuration

ROUTER: chi

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     slog request line (logger.HTTPMiddleware)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the admin frontend

ROUTE GROUPS:
  /api/store-credits/*  Ledger operations
  /api/users/*          Per-user listing
  /api/events/*         Event lookups
  /api/orders, /api/payments  Payment collaborator seeding
  /api/scenarios/*      Demo data (resets the store)
  /metrics              Prometheus

SECURITY NOTE:
  No authentication middleware. Put the service behind the platform's
  gateway.
*/
package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/store-credit/logger"
)

// NewRouter creates a new router with all routes configured. gatherer may be
// nil, in which case /metrics is not mounted.
func NewRouter(h *Handler, gatherer prometheus.Gatherer, log *slog.Logger) *chi.Mux {
	if log == nil {
		log = slog.Default()
	}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(logger.HTTPMiddleware(log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/store-credits", func(r chi.Router) {
			r.Post("/", h.CreateStoreCredit)
			r.Get("/{id}", h.GetStoreCredit)
			r.Delete("/{id}", h.DeleteStoreCredit)
			r.Get("/{id}/events", h.ListEvents)
			r.Post("/{id}/authorize", h.Authorize)
			r.Post("/{id}/capture", h.Capture)
			r.Post("/{id}/void", h.Void)
			r.Post("/{id}/credit", h.Credit)
			r.Post("/{id}/validate-authorization", h.ValidateAuthorization)
			r.Get("/{id}/payments/{paymentID}/eligibility", h.PaymentEligibility)
		})

		r.Get("/users/{id}/store-credits", h.ListUserStoreCredits)
		r.Get("/events/{id}/order", h.GetEventOrder)

		r.Post("/orders", h.CreateOrder)
		r.Post("/payments", h.CreatePayment)

		r.Get("/scenarios", h.ListScenarios)
		r.Get("/scenarios/current", h.GetCurrentScenario)
		r.Post("/scenarios/load", h.LoadScenario)
	})

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return r
}
