/**
 * @description
 * HTTP handler for the bank webhook endpoint. The bank retries deliveries until it
 * sees a 2xx with {"Success": true}, so the status code is the retry contract:
 * signature failures and malformed payloads get a terminal 4xx (a retry cannot fix
 * them), processing failures get a 500 so the bank redelivers, and duplicates get
 * the same success envelope as first deliveries.
 *
 * @dependencies
 * - encoding/json, io, net/http: Standard Go libraries.
 * - internal/app, internal/domain: Webhook processor and error taxonomy.
 */

package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/estatehub/deal-service/internal/app"
	"github.com/estatehub/deal-service/internal/domain"
)

// maxWebhookBodyBytes bounds inbound payload size.
const maxWebhookBodyBytes = 1 << 20

// Webhook rate limit: per source address per minute.
const (
	webhookRateLimit  = 600
	webhookRateWindow = time.Minute
)

// WebhookHandlers holds the ingestion processor and its rate limiter.
type WebhookHandlers struct {
	processor *app.WebhookProcessor
	limiter   *app.RedisRateLimiter
}

// NewWebhookHandlers creates a new instance of WebhookHandlers. The limiter may be
// nil when Redis is not configured; rate limiting is then skipped.
func NewWebhookHandlers(processor *app.WebhookProcessor, limiter *app.RedisRateLimiter) *WebhookHandlers {
	return &WebhookHandlers{processor: processor, limiter: limiter}
}

// BankWebhookHandler ingests one bank event delivery.
func (h *WebhookHandlers) BankWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil {
		source := sourceAddr(r)
		count, retryAfter, err := h.limiter.ConsumeRateLimit(r.Context(), "bank_webhook", source, webhookRateLimit, webhookRateWindow)
		if err != nil {
			// Redis being down must not drop bank deliveries.
			log.Printf("level=warn component=api handler=bank_webhook msg=\"rate limiter unavailable; allowing\" err=%v", err)
		} else if count > webhookRateLimit {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			h.respond(w, http.StatusTooManyRequests, false, "rate limited")
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		h.respond(w, http.StatusBadRequest, false, "unreadable body")
		return
	}

	outcome, procErr := h.processor.Process(r.Context(), body)
	switch outcome {
	case domain.OutcomeProcessed, domain.OutcomeDuplicate:
		h.respond(w, http.StatusOK, true, string(outcome))
	default:
		var sigErr *domain.SignatureError
		var valErr *domain.ValidationError
		switch {
		case errors.As(procErr, &sigErr):
			h.respond(w, http.StatusUnauthorized, false, "signature rejected")
		case errors.As(procErr, &valErr):
			h.respond(w, http.StatusBadRequest, false, "invalid payload")
		default:
			// Processing failed; the bank should redeliver.
			h.respond(w, http.StatusInternalServerError, false, "processing failed")
		}
	}
}

// respond writes the bank's expected envelope.
func (h *WebhookHandlers) respond(w http.ResponseWriter, status int, success bool, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"Success": success,
		"Message": message,
	})
}

// sourceAddr extracts the peer address for rate limiting.
func sourceAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
