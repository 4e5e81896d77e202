/**
 * @description
 * This file sets up the HTTP router for the credits-service. It defines the
 * API endpoints, associates them with their corresponding handlers, and
 * applies middleware: request logging, panic recovery, timeouts, CORS for the
 * browser-based builder, session authentication for user routes and the
 * internal API key for webhook/provisioning routes.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware for the browser UI.
 */

package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// CreditRoutes creates and returns a new router for the credits service.
func CreditRoutes(h *CreditHandlers, jwksURL, internalKey, allowedOrigins string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	origins := []string{"*"}
	if trimmed := strings.TrimSpace(allowedOrigins); trimmed != "" {
		origins = strings.Split(trimmed, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Group routes that require session authentication.
	r.Group(func(r chi.Router) {
		r.Use(SessionAuthMiddleware(jwksURL))

		r.Post("/charges", h.ChargeHandler)
		r.Get("/balance", h.BalanceHandler)
		r.Get("/ledger", h.LedgerHandler)

		r.Get("/auto-refill", h.GetAutoRefillHandler)
		r.Put("/auto-refill", h.UpdateAutoRefillHandler)

		r.Post("/referrals", h.CreateReferralHandler)
		r.Get("/referrals", h.ListReferralsHandler)
	})

	// Internal routes for trusted collaborators.
	r.Group(func(r chi.Router) {
		r.Use(InternalKeyMiddleware(internalKey))

		r.Post("/webhooks/payment", h.PaymentWebhookHandler)
		r.Post("/internal/accounts", h.ProvisionAccountHandler)
	})

	return r
}
