/**
 * @description
 * This file sets up the HTTP router for the settlement service: public quote and payment
 * creation routes for the storefront, provider webhooks, and JWT-protected operator routes.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: routing and standard middleware.
 * - github.com/go-chi/cors: CORS for the storefront-facing routes.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries the router's non-handler inputs.
type RouterConfig struct {
	OperatorJWTSecret string
	// AllowedOrigins defaults to any http(s) origin.
	AllowedOrigins []string
	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler
}

// SettlementRoutes creates and returns the service router.
func SettlementRoutes(h *SettlementHandlers, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	if cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)
	}

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}

	// Storefront routes.
	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			ExposedHeaders: []string{ReplayHeader},
			MaxAge:         300,
		}))

		r.Get("/quote/{dropId}", h.QuoteHandler)
		r.Get("/quote/{dropId}/preview", h.PreviewQuoteHandler)

		r.Post("/payments/coinbase", h.CreateCoinbasePaymentHandler)
		r.Post("/payments/telegram", h.CreateTelegramPaymentHandler)
		r.Post("/payments/onchain", h.CreateOnchainPaymentHandler)
	})

	// Provider callbacks authenticate themselves.
	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/coinbase", h.CoinbaseWebhookHandler)
		r.Post("/telegram", h.TelegramWebhookHandler)
		r.Post("/onchain", h.OnchainWebhookHandler)
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(OperatorAuthMiddleware(cfg.OperatorJWTSecret))
		r.Get("/status", h.StatusHandler)
		r.Post("/reconcile/receipts", h.ReconcileReceiptsHandler)
		r.Post("/drops/{dropId}/sync", h.SyncDropHandler)
		r.Post("/orders/{orderId}/retry-custody", h.RetryCustodyHandler)
	})

	return r
}
