/**
 * @description
 * Dispute escalation engine. A dispute freezes its deal's release capability the
 * moment it opens and keeps it frozen until a terminal resolution. Escalation runs
 * on three deadlines measured from the opening instant: the agency tier gets 24
 * hours, the platform tier 72 more, and the whole dispute is force-escalated to the
 * platform at the 7-day ceiling regardless of tier activity.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: Identifiers.
 * - internal/domain, internal/store, pkg/rabbitmq: Models, persistence, events.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/estatehub/deal-service/internal/domain"
	"github.com/estatehub/deal-service/internal/store"
	"github.com/estatehub/deal-service/pkg/rabbitmq"
)

// DisputeService owns the dispute lifecycle and its deadline enforcement.
type DisputeService struct {
	repo     store.Repository
	deals    *Service
	producer rabbitmq.Publisher
	now      func() time.Time
}

// NewDisputeService creates the escalation engine. The deal service executes the
// refund leg of resolutions.
func NewDisputeService(repo store.Repository, deals *Service, producer rabbitmq.Publisher) *DisputeService {
	return &DisputeService{
		repo:     repo,
		deals:    deals,
		producer: producer,
		now:      time.Now,
	}
}

// Open creates a dispute against a deal and locks the deal's release capability in
// the same transaction. Only one non-terminal dispute may exist per deal.
func (d *DisputeService) Open(ctx context.Context, dealID uuid.UUID, openedBy uuid.UUID, req domain.OpenDisputeRequest) (*domain.Dispute, error) {
	if req.Reason == "" {
		return nil, domain.NewValidationError("a dispute needs a reason")
	}

	deal, err := d.repo.FindDealByID(ctx, dealID)
	if err != nil {
		return nil, err
	}
	switch deal.BankStatus {
	case domain.BankStatusPaid, domain.BankStatusHold:
	default:
		return nil, domain.NewConflictError("deal %s is not disputable from %s", dealID, deal.BankStatus)
	}

	openedAt := d.now().UTC()
	dispute := &domain.Dispute{
		ID:              uuid.New(),
		DealID:          dealID,
		Status:          domain.DisputeOpen,
		EscalationLevel: domain.EscalationAgency,
		Reason:          req.Reason,
		EvidenceKey:     req.EvidenceKey,
		ContractHash:    req.ContractHash,
		AgencyDeadline:  openedAt.Add(domain.AgencyDeadlineWindow),
		MaxDeadline:     openedAt.Add(domain.MaxDeadlineWindow),
		OpenedBy:        openedBy,
	}

	if err := d.repo.CreateDisputeAndLockDeal(ctx, dispute); err != nil {
		if errors.Is(err, domain.ErrDisputeAlreadyOpen) {
			return nil, domain.ErrDisputeAlreadyOpen
		}
		return nil, fmt.Errorf("open dispute: %w", err)
	}

	log.Printf("level=info component=dispute_engine op=open dispute_id=%s deal_id=%s agency_deadline=%s", dispute.ID, dealID, dispute.AgencyDeadline.Format(time.RFC3339))
	return dispute, nil
}

// Get returns a dispute by id.
func (d *DisputeService) Get(ctx context.Context, disputeID uuid.UUID) (*domain.Dispute, error) {
	return d.repo.FindDisputeByID(ctx, disputeID)
}

// StartAgencyReview moves an open dispute into active agency handling. Reviewing
// does not extend the agency deadline.
func (d *DisputeService) StartAgencyReview(ctx context.Context, disputeID uuid.UUID) error {
	dispute, err := d.repo.FindDisputeByID(ctx, disputeID)
	if err != nil {
		return err
	}
	if dispute.Status != domain.DisputeOpen {
		return domain.NewConflictError("dispute %s cannot enter agency review from %s", disputeID, dispute.Status)
	}
	return d.repo.MarkDisputeAgencyReview(ctx, disputeID)
}

// Escalate moves a dispute to the platform tier, either explicitly or because a
// deadline fired. Idempotent for already-escalated disputes.
func (d *DisputeService) Escalate(ctx context.Context, disputeID uuid.UUID, forced bool) error {
	dispute, err := d.repo.FindDisputeByID(ctx, disputeID)
	if err != nil {
		return err
	}
	if dispute.Status.IsTerminal() {
		return domain.NewConflictError("dispute %s is already terminal", disputeID)
	}
	if dispute.EscalationLevel == domain.EscalationPlatform {
		return nil
	}

	escalatedAt := d.now().UTC()
	platformDeadline := escalatedAt.Add(domain.PlatformDeadlineWindow)
	if platformDeadline.After(dispute.MaxDeadline) {
		platformDeadline = dispute.MaxDeadline
	}

	if err := d.repo.EscalateDispute(ctx, disputeID, domain.EscalationPlatform, domain.DisputePlatformReview, platformDeadline, escalatedAt); err != nil {
		if errors.Is(err, store.ErrDisputeNotFound) {
			// A competing sweep escalated or resolved it first.
			return nil
		}
		return fmt.Errorf("escalate dispute: %w", err)
	}

	log.Printf("level=info component=dispute_engine op=escalate dispute_id=%s deal_id=%s forced=%t platform_deadline=%s", disputeID, dispute.DealID, forced, platformDeadline.Format(time.RFC3339))

	if d.producer != nil {
		event := domain.DisputeEscalatedEvent{
			DisputeID: disputeID,
			DealID:    dispute.DealID,
			Level:     domain.EscalationPlatform,
			Forced:    forced,
			Timestamp: escalatedAt,
		}
		if err := d.producer.PublishDisputeEscalated(ctx, event); err != nil {
			log.Printf("level=warn component=dispute_engine op=escalate dispute_id=%s msg=\"event publish failed\" err=%v", disputeID, err)
		}
	}
	return nil
}

// Resolve terminally decides a dispute, unlocks the deal and executes the refund leg
// dictated by the resolution. Refund execution failures leave the dispute resolved;
// the refund itself is idempotency-keyed and retriable.
func (d *DisputeService) Resolve(ctx context.Context, disputeID uuid.UUID, resolvedBy uuid.UUID, req domain.ResolveDisputeRequest) error {
	dispute, err := d.repo.FindDisputeByID(ctx, disputeID)
	if err != nil {
		return err
	}
	if dispute.Status.IsTerminal() {
		return domain.NewConflictError("dispute %s is already terminal", disputeID)
	}

	deal, err := d.repo.FindDealByID(ctx, dispute.DealID)
	if err != nil {
		return err
	}

	var refundAmount *int64
	switch req.Resolution {
	case domain.ResolutionFullRefund:
		amount := deal.Amount
		refundAmount = &amount
	case domain.ResolutionPartialRefund:
		if req.RefundAmount == nil || *req.RefundAmount <= 0 || *req.RefundAmount >= deal.Amount {
			return domain.NewValidationError("partial refund needs an amount strictly between 0 and the deal amount")
		}
		refundAmount = req.RefundAmount
	case domain.ResolutionNoRefund, domain.ResolutionSplitAdjustment:
	default:
		return domain.NewValidationError("unknown resolution %q", req.Resolution)
	}

	resolvedAt := d.now().UTC()
	if err := d.repo.ResolveDisputeAndUnlockDeal(ctx, disputeID, domain.DisputeResolved, req.Resolution, refundAmount, resolvedBy, resolvedAt); err != nil {
		if errors.Is(err, store.ErrDisputeNotFound) {
			return domain.NewConflictError("dispute %s resolved concurrently", disputeID)
		}
		return fmt.Errorf("resolve dispute: %w", err)
	}

	log.Printf("level=info component=dispute_engine op=resolve dispute_id=%s deal_id=%s resolution=%s", disputeID, dispute.DealID, req.Resolution)

	if refundAmount != nil {
		refundReq := domain.RefundRequest{
			Amount: *refundAmount,
			Reason: fmt.Sprintf("dispute %s resolved: %s", disputeID, req.Resolution),
		}
		if err := d.deals.Refund(ctx, dispute.DealID, refundReq); err != nil {
			// The dispute stays resolved; the refund can be replayed under its key.
			return fmt.Errorf("execute resolution refund: %w", err)
		}
	}
	return nil
}

// Reject terminally declines a dispute and unlocks the deal.
func (d *DisputeService) Reject(ctx context.Context, disputeID uuid.UUID, resolvedBy uuid.UUID) error {
	dispute, err := d.repo.FindDisputeByID(ctx, disputeID)
	if err != nil {
		return err
	}
	if dispute.Status.IsTerminal() {
		return domain.NewConflictError("dispute %s is already terminal", disputeID)
	}
	resolvedAt := d.now().UTC()
	if err := d.repo.ResolveDisputeAndUnlockDeal(ctx, disputeID, domain.DisputeRejected, domain.ResolutionNoRefund, nil, resolvedBy, resolvedAt); err != nil {
		if errors.Is(err, store.ErrDisputeNotFound) {
			return domain.NewConflictError("dispute %s resolved concurrently", disputeID)
		}
		return fmt.Errorf("reject dispute: %w", err)
	}
	log.Printf("level=info component=dispute_engine op=reject dispute_id=%s deal_id=%s", disputeID, dispute.DealID)
	return nil
}

// SweepDeadlines escalates every dispute whose agency deadline passed and force-
// escalates those past the max deadline. Called by the scheduler; returns the number
// of disputes it touched.
func (d *DisputeService) SweepDeadlines(ctx context.Context, limit int) (int, error) {
	now := d.now().UTC()
	touched := 0

	pastAgency, err := d.repo.FindDisputesPastAgencyDeadline(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("find disputes past agency deadline: %w", err)
	}
	for i := range pastAgency {
		if err := d.Escalate(ctx, pastAgency[i].ID, false); err != nil {
			log.Printf("level=error component=dispute_engine op=sweep dispute_id=%s msg=\"timed escalation failed\" err=%v", pastAgency[i].ID, err)
			continue
		}
		touched++
	}

	pastMax, err := d.repo.FindDisputesPastMaxDeadline(ctx, now, limit)
	if err != nil {
		return touched, fmt.Errorf("find disputes past max deadline: %w", err)
	}
	for i := range pastMax {
		if err := d.Escalate(ctx, pastMax[i].ID, true); err != nil {
			log.Printf("level=error component=dispute_engine op=sweep dispute_id=%s msg=\"forced escalation failed\" err=%v", pastMax[i].ID, err)
			continue
		}
		touched++
	}
	return touched, nil
}
