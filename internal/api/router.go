/**
 * @description
 * This file sets up the HTTP router for the deal-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * Three surfaces share the router:
 * - /webhooks/bank: unauthenticated in the JWT sense; every payload carries its own
 *   signature and is verified by the ingestion processor.
 * - /deals, /disputes: JWT-protected client surface.
 * - /internal: service-to-service surface behind the shared API key.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// DealRoutes creates and returns a new router for the deal service.
func DealRoutes(h *DealHandlers, wh *WebhookHandlers, ih *InternalHandlers, jwksURL, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Bank webhook ingestion; authenticated by payload signature.
	r.Post("/webhooks/bank", wh.BankWebhookHandler)

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		// Apply JWT authentication middleware for production
		r.Use(AuthMiddleware(jwksURL))

		// Deal lifecycle endpoints
		r.Post("/deals", h.CreateDealHandler)
		r.Get("/deals/{dealID}", h.GetDealHandler)
		r.Post("/deals/{dealID}/confirm", h.ConfirmCompletionHandler)
		r.Post("/deals/{dealID}/release", h.RequestReleaseHandler)
		r.Post("/deals/{dealID}/cancel", h.CancelDealHandler)
		r.Post("/deals/{dealID}/refund", h.RefundDealHandler)

		// Dispute endpoints
		r.Post("/deals/{dealID}/disputes", h.OpenDisputeHandler)
		r.Get("/disputes/{disputeID}", h.GetDisputeHandler)
		r.Post("/disputes/{disputeID}/review", h.StartAgencyReviewHandler)
		r.Post("/disputes/{disputeID}/escalate", h.EscalateDisputeHandler)
		r.Post("/disputes/{disputeID}/resolve", h.ResolveDisputeHandler)
		r.Post("/disputes/{disputeID}/reject", h.RejectDisputeHandler)
	})

	// Service-to-service surface.
	r.Group(func(r chi.Router) {
		r.Use(InternalAPIKeyMiddleware(internalAPIKey))

		r.Get("/internal/deals/{dealID}/receipts", h.ListFiscalReceiptsHandler)
		r.Post("/internal/reconciliation/run", ih.TriggerReconciliationHandler)
		r.Get("/internal/dlq", ih.ListDLQHandler)
		r.Post("/internal/dlq/{entryID}/retry", ih.RetryDLQHandler)
	})

	return r
}
