/**
 * @description
 * Models for the webhook ingestion layer: the immutable record of a received bank
 * event, the dead-letter queue entry for events that exhausted processing retries,
 * the idempotency-key row that makes outbound bank operations at-most-once, and the
 * mapping from the bank's status vocabulary to the internal event type enum.
 */

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WebhookEventType is the internal vocabulary for inbound bank events.
type WebhookEventType string

const (
	EventPaymentSucceeded WebhookEventType = "payment.succeeded"
	EventPaymentFailed    WebhookEventType = "payment.failed"
	EventPaymentUpdated   WebhookEventType = "payment.updated" // best-effort default
	EventDealAccepted     WebhookEventType = "deal.accepted"
	EventDealCompleted    WebhookEventType = "deal.completed"
	EventDealCancelled    WebhookEventType = "deal.cancelled"
	EventRefundCompleted  WebhookEventType = "refund.completed"
	EventSplitReleased    WebhookEventType = "split.released"
)

// bankEventMapping translates the bank's wire vocabulary into internal event types.
// The bank has renamed these fields across API versions, hence the aliases.
var bankEventMapping = map[string]WebhookEventType{
	"payment.succeeded":   EventPaymentSucceeded,
	"payment.success":     EventPaymentSucceeded,
	"invoice.paid":        EventPaymentSucceeded,
	"payment.failed":      EventPaymentFailed,
	"payment.fail":        EventPaymentFailed,
	"payment.updated":     EventPaymentUpdated,
	"deal.accepted":       EventDealAccepted,
	"deal.created":        EventDealAccepted,
	"deal.completed":      EventDealCompleted,
	"deal.executed":       EventDealCompleted,
	"deal.cancelled":      EventDealCancelled,
	"deal.canceled":       EventDealCancelled,
	"refund.completed":    EventRefundCompleted,
	"payment.refunded":    EventRefundCompleted,
	"split.released":      EventSplitReleased,
	"beneficiary.payout":  EventSplitReleased,
}

// MapBankEventType maps a raw bank event name to the internal type. Unknown names map
// to the best-effort default rather than being dropped.
func MapBankEventType(raw string) WebhookEventType {
	if mapped, ok := bankEventMapping[raw]; ok {
		return mapped
	}
	return EventPaymentUpdated
}

// EventOutcome records how ingestion of one bank event ended.
type EventOutcome string

const (
	OutcomeProcessed EventOutcome = "processed"
	OutcomeDuplicate EventOutcome = "duplicate"
	OutcomeFailed    EventOutcome = "failed"
)

// BankEvent is the immutable record of a received webhook, keyed by idempotency key.
// It is created once per distinct inbound event and never mutated after initial
// processing except to record a retry outcome.
type BankEvent struct {
	ID             uuid.UUID        `json:"id"`
	IdempotencyKey string           `json:"idempotency_key"`
	EventType      WebhookEventType `json:"event_type"`
	Payload        json.RawMessage  `json:"payload"`
	Outcome        EventOutcome     `json:"outcome"`
	ErrorMessage   *string          `json:"error_message,omitempty"`
	DealID         *uuid.UUID       `json:"deal_id,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// IdempotencyKey guarantees at-most-once effect for one (operation, request) pair
// within its TTL. A replay with the same request hash returns the cached response;
// the same key with a different hash is a conflict.
type IdempotencyKey struct {
	Key         string          `json:"key"`
	Operation   string          `json:"operation"`
	DealID      *uuid.UUID      `json:"deal_id,omitempty"`
	RequestHash string          `json:"request_hash"` // sha256 hex of the outbound request
	Response    json.RawMessage `json:"response,omitempty"`
	ExpiresAt   time.Time       `json:"expires_at"`
	CreatedAt   time.Time       `json:"created_at"`
}

// WebhookDLQEntry holds an event that failed processing after exhausting retries.
// EventID points back at the originating BankEvent so a successful replay can flip
// its recorded outcome.
type WebhookDLQEntry struct {
	ID           uuid.UUID        `json:"id"`
	EventID      uuid.UUID        `json:"event_id"`
	EventType    WebhookEventType `json:"event_type"`
	Payload      json.RawMessage  `json:"payload"`
	ErrorMessage string           `json:"error_message"`
	RetryCount   int              `json:"retry_count"`
	DealID       *uuid.UUID       `json:"deal_id,omitempty"`
	ResolvedAt   *time.Time       `json:"resolved_at,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}
