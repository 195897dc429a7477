/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the deal-service. By defining an interface,
 * we decouple the engine's business logic from the specific database implementation
 * (e.g., PostgreSQL), making the code more modular and easier to test.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation and handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/estatehub/deal-service/internal/domain"
)

// Sentinel errors returned by repository implementations.
var (
	ErrDealNotFound      = errors.New("deal not found")
	ErrMilestoneNotFound = errors.New("milestone not found")
	ErrDisputeNotFound   = errors.New("dispute not found")
	ErrDLQEntryNotFound  = errors.New("dlq entry not found")
	// ErrStaleDealStatus means a conditional update matched no row because the deal
	// moved on since it was read. Callers treat this as a lost race, not corruption.
	ErrStaleDealStatus = errors.New("deal status changed concurrently")
)

// Repository defines the set of methods for interacting with the database.
// Conditional updates take the expected current status so racing writers are
// rejected instead of overwriting each other.
type Repository interface {
	// Deal aggregate methods
	CreateDealWithTerms(ctx context.Context, deal *domain.Deal, recipients []domain.SplitRecipient, milestones []domain.DealMilestone) error
	FindDealByID(ctx context.Context, dealID uuid.UUID) (*domain.Deal, error)
	FindDealByBankDealID(ctx context.Context, bankDealID string) (*domain.Deal, error)
	ActivateDeal(ctx context.Context, dealID uuid.UUID, bankDealID string) error
	MarkDealPaidAndHold(ctx context.Context, dealID uuid.UUID, bankFee int64, holdStartedAt, autoReleaseAt time.Time) error
	MarkDealReleased(ctx context.Context, dealID uuid.UUID) error
	MarkDealCancelled(ctx context.Context, dealID uuid.UUID) error
	MarkDealRefunded(ctx context.Context, dealID uuid.UUID) error
	SetServiceConfirmed(ctx context.Context, dealID uuid.UUID, confirmedAt time.Time) error
	SetDisputeLocked(ctx context.Context, dealID uuid.UUID, locked bool) error
	FindDealsForAutoRelease(ctx context.Context, now time.Time, limit int) ([]domain.Deal, error)
	FindDealsPendingReconciliation(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Deal, error)

	// Split and milestone methods
	FindSplitRecipientsByDealID(ctx context.Context, dealID uuid.UUID) ([]domain.SplitRecipient, error)
	FindMilestonesByDealID(ctx context.Context, dealID uuid.UUID) ([]domain.DealMilestone, error)
	MarkMilestoneReleased(ctx context.Context, milestoneID uuid.UUID, bankReleaseID string, releasedAt time.Time) error
	MarkMilestoneFailed(ctx context.Context, milestoneID uuid.UUID, reason string) error

	// Bank event (inbound webhook) methods. InsertBankEvent is write-once: it reports
	// whether the row was created, and returns the existing record otherwise. The
	// outcome may be updated later to record a retry result; a nil dealID keeps the
	// stored deal reference.
	InsertBankEvent(ctx context.Context, event *domain.BankEvent) (created bool, existing *domain.BankEvent, err error)
	UpdateBankEventOutcome(ctx context.Context, eventID uuid.UUID, outcome domain.EventOutcome, errorMessage *string, dealID *uuid.UUID) error

	// Idempotency key methods (outbound at-most-once guarantee)
	InsertIdempotencyKey(ctx context.Context, rec *domain.IdempotencyKey) (created bool, existing *domain.IdempotencyKey, err error)
	SaveIdempotencyResponse(ctx context.Context, key string, response json.RawMessage) error
	PurgeExpiredIdempotencyKeys(ctx context.Context, now time.Time) (int64, error)

	// Dead letter queue methods
	InsertDLQEntry(ctx context.Context, entry *domain.WebhookDLQEntry) error
	FindDLQEntryByID(ctx context.Context, entryID uuid.UUID) (*domain.WebhookDLQEntry, error)
	FindUnresolvedDLQEntries(ctx context.Context, maxRetries int, limit int) ([]domain.WebhookDLQEntry, error)
	IncrementDLQRetry(ctx context.Context, entryID uuid.UUID, errorMessage string) error
	MarkDLQResolved(ctx context.Context, entryID uuid.UUID) error

	// Dispute methods
	CreateDisputeAndLockDeal(ctx context.Context, dispute *domain.Dispute) error
	FindDisputeByID(ctx context.Context, disputeID uuid.UUID) (*domain.Dispute, error)
	FindOpenDisputeByDealID(ctx context.Context, dealID uuid.UUID) (*domain.Dispute, error)
	EscalateDispute(ctx context.Context, disputeID uuid.UUID, level domain.EscalationLevel, status domain.DisputeStatus, platformDeadline time.Time, escalatedAt time.Time) error
	MarkDisputeAgencyReview(ctx context.Context, disputeID uuid.UUID) error
	ResolveDisputeAndUnlockDeal(ctx context.Context, disputeID uuid.UUID, status domain.DisputeStatus, resolution domain.DisputeResolution, refundAmount *int64, resolvedBy uuid.UUID, resolvedAt time.Time) error
	FindDisputesPastAgencyDeadline(ctx context.Context, now time.Time, limit int) ([]domain.Dispute, error)
	FindDisputesPastMaxDeadline(ctx context.Context, now time.Time, limit int) ([]domain.Dispute, error)

	// Fiscal receipt methods
	CreateFiscalReceipt(ctx context.Context, receipt *domain.FiscalReceipt) error
	FindFiscalReceiptsByDealID(ctx context.Context, dealID uuid.UUID) ([]domain.FiscalReceipt, error)
}
