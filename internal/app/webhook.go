/**
 * @description
 * Webhook ingestion processor for inbound bank events. Each raw payload is verified
 * against the shared webhook secret, deduplicated by idempotency key against the
 * bank_events table, mapped to the internal event vocabulary and dispatched to the
 * deal state machine synchronously. Failures land the event in the dead letter queue;
 * the bank's own redelivery plus the DLQ sweep provide the retries.
 *
 * Key features:
 * - Signature verification reuses the outbound signing scheme (sorted fields, secret
 *   appended, SHA-256 hex) with a constant-time comparison. No secret configured
 *   means every event is rejected.
 * - Payload numbers are decoded with json.Number so amounts survive verbatim into
 *   the signature base string.
 * - Every event ends in exactly one audited outcome: processed, duplicate or failed.
 *
 * @dependencies
 * - crypto/hmac, crypto/sha256, encoding/hex, encoding/json: Signature and dedupe key material.
 * - github.com/google/uuid: Identifiers.
 * - internal/domain, internal/store, pkg/bankclient: Models, persistence, signing.
 */

package app

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/estatehub/deal-service/internal/domain"
	"github.com/estatehub/deal-service/internal/store"
	"github.com/estatehub/deal-service/pkg/bankclient"
)

// WebhookProcessor ingests raw bank webhook payloads.
type WebhookProcessor struct {
	repo    store.Repository
	service *Service
	secret  string
	now     func() time.Time
}

// NewWebhookProcessor creates a processor bound to the deal state machine. The
// secret is the webhook signing secret shared with the bank.
func NewWebhookProcessor(repo store.Repository, service *Service, secret string) *WebhookProcessor {
	return &WebhookProcessor{
		repo:    repo,
		service: service,
		secret:  secret,
		now:     time.Now,
	}
}

// Process ingests one raw webhook body and returns the audited outcome. A non-nil
// error accompanies OutcomeFailed so the HTTP layer can choose its status code;
// signature and parse failures are returned without a recorded bank event.
func (p *WebhookProcessor) Process(ctx context.Context, body []byte) (domain.EventOutcome, error) {
	payload, err := parseWebhookPayload(body)
	if err != nil {
		log.Printf("level=warn component=webhook msg=\"unparseable payload rejected\" err=%v", err)
		return domain.OutcomeFailed, domain.NewValidationError("unparseable webhook payload")
	}

	if err := p.verifySignature(payload); err != nil {
		log.Printf("level=warn component=webhook msg=\"signature verification failed\" err=%v", err)
		return domain.OutcomeFailed, err
	}

	rawType := stringField(payload, "EventType", "Type", "Event")
	eventType := domain.MapBankEventType(rawType)
	if _, known := payload["EventType"]; !known {
		if rawType == "" {
			log.Printf("level=warn component=webhook msg=\"event without a type field\" mapped=%s", eventType)
		}
	}
	if eventType == domain.EventPaymentUpdated && rawType != "" && rawType != string(domain.EventPaymentUpdated) {
		log.Printf("level=warn component=webhook raw_type=%q msg=\"unknown event type; treated as best-effort update\"", rawType)
	}

	key := dedupeKey(payload, rawType)

	event := &domain.BankEvent{
		ID:             uuid.New(),
		IdempotencyKey: key,
		EventType:      eventType,
		Payload:        json.RawMessage(body),
		Outcome:        domain.OutcomeProcessed,
	}

	created, existing, err := p.repo.InsertBankEvent(ctx, event)
	if err != nil {
		return domain.OutcomeFailed, fmt.Errorf("record bank event: %w", err)
	}
	if !created {
		// A redelivery answers with the first recorded outcome. Failed events must
		// keep answering as failures so the bank keeps redelivering; side effects
		// still run at most once, via the DLQ replay path.
		if existing.Outcome == domain.OutcomeFailed {
			msg := "event processing failed on a prior delivery"
			if existing.ErrorMessage != nil {
				msg = *existing.ErrorMessage
			}
			log.Printf("level=warn component=webhook event_type=%s key=%s outcome=failed msg=\"redelivery of a failed event\"", eventType, key)
			return domain.OutcomeFailed, errors.New(msg)
		}
		log.Printf("level=info component=webhook event_type=%s key=%s outcome=duplicate prior_outcome=%s", eventType, key, existing.Outcome)
		return domain.OutcomeDuplicate, nil
	}

	dealID, dispatchErr := p.dispatch(ctx, eventType, payload)

	if dispatchErr != nil {
		msg := dispatchErr.Error()
		if err := p.repo.UpdateBankEventOutcome(ctx, event.ID, domain.OutcomeFailed, &msg, dealID); err != nil {
			log.Printf("level=error component=webhook event_id=%s msg=\"outcome update failed\" err=%v", event.ID, err)
		}
		entry := &domain.WebhookDLQEntry{
			ID:           uuid.New(),
			EventID:      event.ID,
			EventType:    eventType,
			Payload:      json.RawMessage(body),
			ErrorMessage: msg,
			DealID:       dealID,
		}
		if err := p.repo.InsertDLQEntry(ctx, entry); err != nil {
			log.Printf("level=error component=webhook event_id=%s msg=\"dlq insert failed\" err=%v", event.ID, err)
		}
		log.Printf("level=error component=webhook event_type=%s key=%s outcome=failed err=%v", eventType, key, dispatchErr)
		return domain.OutcomeFailed, dispatchErr
	}

	if err := p.repo.UpdateBankEventOutcome(ctx, event.ID, domain.OutcomeProcessed, nil, dealID); err != nil {
		log.Printf("level=error component=webhook event_id=%s msg=\"outcome update failed\" err=%v", event.ID, err)
	}
	log.Printf("level=info component=webhook event_type=%s key=%s outcome=processed", eventType, key)
	return domain.OutcomeProcessed, nil
}

// Redispatch replays a dead-lettered event through the state machine. The payload
// was signature-verified on first receipt, so only dispatch runs again. A successful
// replay flips the originating bank event from failed to processed.
func (p *WebhookProcessor) Redispatch(ctx context.Context, entry *domain.WebhookDLQEntry) error {
	payload, err := parseWebhookPayload(entry.Payload)
	if err != nil {
		return fmt.Errorf("parse dead-lettered payload: %w", err)
	}
	dealID, err := p.dispatch(ctx, entry.EventType, payload)
	if err != nil {
		return err
	}
	if entry.EventID != uuid.Nil {
		if err := p.repo.UpdateBankEventOutcome(ctx, entry.EventID, domain.OutcomeProcessed, nil, dealID); err != nil {
			log.Printf("level=error component=webhook event_id=%s msg=\"retry outcome update failed\" err=%v", entry.EventID, err)
		}
	}
	return nil
}

// dispatch routes one verified, deduplicated event to the state machine. It returns
// the deal id it resolved (when any) alongside the processing error.
func (p *WebhookProcessor) dispatch(ctx context.Context, eventType domain.WebhookEventType, payload map[string]any) (*uuid.UUID, error) {
	switch eventType {
	case domain.EventPaymentSucceeded:
		deal, err := p.resolveDeal(ctx, payload)
		if err != nil {
			return nil, err
		}
		fee := intField(payload, "Commission", "Fee", "BankFee")
		return &deal.ID, p.service.MarkPaid(ctx, deal.ID, fee)

	case domain.EventPaymentFailed:
		deal, err := p.resolveDeal(ctx, payload)
		if err != nil {
			return nil, err
		}
		// Payment failure leaves the deal in created; the payer can retry the invoice.
		log.Printf("level=warn component=webhook deal_id=%s event=payment_failed reason=%q", deal.ID, stringField(payload, "Reason", "Message"))
		return &deal.ID, nil

	case domain.EventDealAccepted:
		deal, err := p.resolveDeal(ctx, payload)
		if err != nil {
			return nil, err
		}
		log.Printf("level=info component=webhook deal_id=%s event=deal_accepted", deal.ID)
		return &deal.ID, nil

	case domain.EventDealCompleted:
		deal, err := p.resolveDeal(ctx, payload)
		if err != nil {
			return nil, err
		}
		return &deal.ID, p.service.ApplyBankRelease(ctx, deal.ID)

	case domain.EventDealCancelled:
		deal, err := p.resolveDeal(ctx, payload)
		if err != nil {
			return nil, err
		}
		return &deal.ID, p.service.ApplyBankCancel(ctx, deal.ID)

	case domain.EventRefundCompleted:
		deal, err := p.resolveDeal(ctx, payload)
		if err != nil {
			return nil, err
		}
		return &deal.ID, p.service.ApplyBankRefund(ctx, deal.ID, intField(payload, "Amount"))

	case domain.EventSplitReleased:
		deal, err := p.resolveDeal(ctx, payload)
		if err != nil {
			return nil, err
		}
		return &deal.ID, p.applySplitReleased(ctx, deal, payload)

	default: // EventPaymentUpdated and anything best-efforted into it
		deal, err := p.resolveDeal(ctx, payload)
		if err != nil {
			if errors.Is(err, store.ErrDealNotFound) {
				// Informational update for a deal we do not track. Audit and accept.
				log.Printf("level=info component=webhook event=payment_updated msg=\"no matching deal; ignored\"")
				return nil, nil
			}
			return nil, err
		}
		log.Printf("level=info component=webhook deal_id=%s event=payment_updated bank_status=%q", deal.ID, stringField(payload, "Status"))
		return &deal.ID, nil
	}
}

// applySplitReleased records a bank-side partial payout against the matching milestone.
func (p *WebhookProcessor) applySplitReleased(ctx context.Context, deal *domain.Deal, payload map[string]any) error {
	ref := stringField(payload, "MilestoneRef", "SplitRef")
	if ref == "" {
		log.Printf("level=warn component=webhook deal_id=%s event=split_released msg=\"no milestone reference; ignored\"", deal.ID)
		return nil
	}
	milestoneID, err := uuid.Parse(ref)
	if err != nil {
		return domain.NewValidationError("split.released carries a malformed milestone reference %q", ref)
	}
	releaseID := stringField(payload, "ReleaseId", "Id")
	if err := p.repo.MarkMilestoneReleased(ctx, milestoneID, releaseID, p.now().UTC()); err != nil {
		if errors.Is(err, store.ErrMilestoneNotFound) {
			// Already recorded via the release flow's own bank call.
			return nil
		}
		return fmt.Errorf("record bank-side milestone release: %w", err)
	}
	return nil
}

// resolveDeal locates the deal a payload refers to, preferring our own deal
// reference over the bank's deal id.
func (p *WebhookProcessor) resolveDeal(ctx context.Context, payload map[string]any) (*domain.Deal, error) {
	if ref := stringField(payload, "DealRef"); ref != "" {
		if dealID, err := uuid.Parse(ref); err == nil {
			return p.repo.FindDealByID(ctx, dealID)
		}
	}
	bankDealID := stringField(payload, "DealId", "PaymentId")
	if bankDealID == "" {
		return nil, domain.NewValidationError("webhook payload carries no deal reference")
	}
	return p.repo.FindDealByBankDealID(ctx, bankDealID)
}

// verifySignature recomputes the payload digest and compares it in constant time.
// An empty configured secret rejects everything.
func (p *WebhookProcessor) verifySignature(payload map[string]any) error {
	if p.secret == "" {
		return &domain.SignatureError{Reason: "no webhook secret configured"}
	}

	provided := stringField(payload, bankclient.SignatureField, bankclient.LegacySignatureField)
	if provided == "" {
		return &domain.SignatureError{Reason: "payload carries no signature"}
	}

	fields := make(map[string]string, len(payload))
	for k, v := range payload {
		if k == bankclient.SignatureField || k == bankclient.LegacySignatureField {
			continue
		}
		s, ok := scalarString(v)
		if !ok {
			// Nested structures are outside the signed surface.
			continue
		}
		fields[k] = s
	}

	expected := bankclient.Sign(fields, p.secret)
	if !hmac.Equal([]byte(expected), []byte(provided)) {
		return &domain.SignatureError{Reason: "signature mismatch"}
	}
	return nil
}

// parseWebhookPayload decodes the body keeping numbers verbatim.
func parseWebhookPayload(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// dedupeKey prefers the bank-provided idempotency key and otherwise derives one from
// the event's identity fields.
func dedupeKey(payload map[string]any, rawType string) string {
	if key := stringField(payload, "IdempotencyKey", "EventId"); key != "" {
		return key
	}
	paymentID := stringField(payload, "PaymentId", "DealId")
	amount := stringField(payload, "Amount")
	sum := sha256.Sum256([]byte(rawType + "|" + paymentID + "|" + amount))
	return hex.EncodeToString(sum[:])
}

// scalarString renders a decoded JSON scalar the way it appeared on the wire.
func scalarString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case json.Number:
		return s.String(), true
	case bool:
		return strconv.FormatBool(s), true
	default:
		return "", false
	}
}

// stringField returns the first present scalar among the candidate keys.
func stringField(payload map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := payload[k]; ok {
			if s, ok := scalarString(v); ok {
				return s
			}
		}
	}
	return ""
}

// intField parses the first present numeric field among the candidate keys.
func intField(payload map[string]any, keys ...string) int64 {
	for _, k := range keys {
		if v, ok := payload[k]; ok {
			switch n := v.(type) {
			case json.Number:
				if parsed, err := n.Int64(); err == nil {
					return parsed
				}
			case string:
				if parsed, err := strconv.ParseInt(n, 10, 64); err == nil {
					return parsed
				}
			}
		}
	}
	return 0
}
