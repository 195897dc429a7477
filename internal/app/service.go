/**
 * @description
 * This file contains the core business logic for the deal-service. The `Service`
 * struct owns the deal financial state machine, coordinating between the database
 * repository, the bank payment gateway, and the message broker.
 *
 * Key features:
 * - Status-conditioned transitions: every mutation re-checks the deal's current
 *   bank status and dispute lock, rejecting stale-state attempts.
 * - Every side-effecting bank call runs through the idempotency executor, keyed per
 *   (operation, deal[, milestone]).
 * - Publishes domain events to RabbitMQ for fiscalization and notification consumers.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/bankclient, pkg/rabbitmq: For external service communication.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/estatehub/deal-service/internal/domain"
	"github.com/estatehub/deal-service/internal/store"
	"github.com/estatehub/deal-service/pkg/bankclient"
	"github.com/estatehub/deal-service/pkg/rabbitmq"
)

// IdentityDirectory is the read-only user/organization lookup collaborator.
type IdentityDirectory interface {
	OwnerExists(ctx context.Context, ownerType domain.OwnerType, ownerID uuid.UUID) (bool, error)
}

// AntifraudChecker is consulted before every deal creation.
type AntifraudChecker interface {
	CheckDeal(ctx context.Context, amount int64, recipientOwners []uuid.UUID) (domain.AntifraudVerdict, error)
}

// Service provides the core business logic for the deal financial lifecycle.
type Service struct {
	repo      store.Repository
	gateway   bankclient.Gateway
	producer  rabbitmq.Publisher
	identity  IdentityDirectory
	antifraud AntifraudChecker
	idem      *IdempotencyExecutor
	now       func() time.Time
}

// NewService creates a new deal service instance.
func NewService(repo store.Repository, gateway bankclient.Gateway, producer rabbitmq.Publisher, identity IdentityDirectory, antifraud AntifraudChecker, idempotencyTTL time.Duration) *Service {
	return &Service{
		repo:      repo,
		gateway:   gateway,
		producer:  producer,
		identity:  identity,
		antifraud: antifraud,
		idem:      NewIdempotencyExecutor(repo, idempotencyTTL),
		now:       time.Now,
	}
}

// CreateDeal validates the deal terms, consults antifraud, opens the deal at the
// bank (idempotency-keyed) and persists the aggregate. On success the deal is in
// bank_status=created with the bank-assigned deal id attached.
func (s *Service) CreateDeal(ctx context.Context, req domain.CreateDealRequest) (*domain.Deal, error) {
	if req.Amount <= 0 {
		return nil, domain.NewValidationError("deal amount must be positive")
	}
	if req.AutoReleaseDays <= 0 {
		return nil, domain.NewValidationError("auto release days must be positive")
	}

	if err := ValidateSplitTerms(req.Amount, req.Recipients); err != nil {
		return nil, err
	}

	milestoneInputs := req.Milestones
	if len(milestoneInputs) == 0 {
		derived, err := DefaultMilestones(req.PaymentScheme, req.AdvancePercent, req.HoldDurationHours)
		if err != nil {
			return nil, err
		}
		milestoneInputs = derived
	}
	if err := ValidateMilestones(milestoneInputs); err != nil {
		return nil, err
	}

	// Verify every recipient owner against the identity collaborator.
	owners := make([]uuid.UUID, 0, len(req.Recipients))
	for _, rec := range req.Recipients {
		exists, err := s.identity.OwnerExists(ctx, rec.OwnerType, rec.OwnerID)
		if err != nil {
			return nil, fmt.Errorf("identity lookup for %s %s: %w", rec.OwnerType, rec.OwnerID, err)
		}
		if !exists {
			return nil, domain.NewValidationError("unknown recipient owner %s", rec.OwnerID)
		}
		owners = append(owners, rec.OwnerID)
	}

	verdict, err := s.antifraud.CheckDeal(ctx, req.Amount, owners)
	if err != nil {
		return nil, fmt.Errorf("antifraud check: %w", err)
	}
	switch verdict {
	case domain.VerdictBlock:
		return nil, domain.NewValidationError("deal blocked by antifraud")
	case domain.VerdictFlag:
		log.Printf("level=warn component=deal_service event=antifraud_flag amount=%d msg=\"deal flagged; proceeding\"", req.Amount)
	}

	deal := &domain.Deal{
		ID:                uuid.New(),
		Amount:            req.Amount,
		BankStatus:        domain.BankStatusNotCreated,
		PaymentScheme:     req.PaymentScheme,
		HoldDurationHours: req.HoldDurationHours,
		AutoReleaseDays:   req.AutoReleaseDays,
	}

	recipients := make([]domain.SplitRecipient, 0, len(req.Recipients))
	for _, in := range req.Recipients {
		recipients = append(recipients, domain.SplitRecipient{
			ID:          uuid.New(),
			DealID:      deal.ID,
			OwnerType:   in.OwnerType,
			OwnerID:     in.OwnerID,
			Role:        in.Role,
			Percent:     in.Percent,
			FixedAmount: in.FixedAmount,
			IsPrimary:   in.IsPrimary,
			Active:      true,
		})
	}

	milestones := make([]domain.DealMilestone, 0, len(milestoneInputs))
	for _, in := range milestoneInputs {
		milestones = append(milestones, domain.DealMilestone{
			ID:                uuid.New(),
			DealID:            deal.ID,
			Percent:           in.Percent,
			ReleaseTrigger:    in.ReleaseTrigger,
			ReleaseDelayHours: in.ReleaseDelayHours,
			ReleaseDate:       in.ReleaseDate,
			Status:            domain.MilestonePending,
		})
	}

	if err := s.repo.CreateDealWithTerms(ctx, deal, recipients, milestones); err != nil {
		return nil, fmt.Errorf("persist deal terms: %w", err)
	}

	params := bankclient.CreateDealParams{
		DealRef: deal.ID.String(),
		Amount:  deal.Amount,
		Scheme:  string(deal.PaymentScheme),
	}
	key := fmt.Sprintf("create_deal:%s", deal.ID)
	response, cached, err := s.idem.Execute(ctx, key, "create_deal", &deal.ID, params, func(ctx context.Context) (any, error) {
		return s.gateway.CreateDeal(ctx, key, params)
	})
	if err != nil {
		return nil, fmt.Errorf("bank create deal: %w", err)
	}
	if cached {
		log.Printf("level=info component=deal_service op=create_deal deal_id=%s msg=\"replayed cached bank response\"", deal.ID)
	}

	bankResp, err := decodeGatewayResponse(response)
	if err != nil {
		return nil, err
	}

	if err := s.repo.ActivateDeal(ctx, deal.ID, bankResp.ID); err != nil {
		if errors.Is(err, store.ErrStaleDealStatus) {
			// A concurrent creation replay already activated the deal.
			return s.repo.FindDealByID(ctx, deal.ID)
		}
		return nil, fmt.Errorf("activate deal: %w", err)
	}

	deal.BankStatus = domain.BankStatusCreated
	deal.BankDealID = &bankResp.ID

	// Invoice the payer for the full amount. A failure here is recoverable: the deal
	// is already open at the bank and reconciliation picks up the payment state.
	invoiceParams := bankclient.CreateInvoiceParams{
		BankDealID: bankResp.ID,
		Amount:     deal.Amount,
		Purpose:    fmt.Sprintf("Deal %s payment", deal.ID),
	}
	invoiceKey := fmt.Sprintf("create_invoice:%s", deal.ID)
	_, _, err = s.idem.Execute(ctx, invoiceKey, "create_invoice", &deal.ID, invoiceParams, func(ctx context.Context) (any, error) {
		return s.gateway.CreateInvoice(ctx, invoiceKey, invoiceParams)
	})
	if err != nil {
		log.Printf("level=error component=deal_service op=create_deal deal_id=%s msg=\"invoice creation failed\" err=%v", deal.ID, err)
	}

	return deal, nil
}

// GetDeal returns a deal by id.
func (s *Service) GetDeal(ctx context.Context, dealID uuid.UUID) (*domain.Deal, error) {
	return s.repo.FindDealByID(ctx, dealID)
}

// MarkPaid applies a funds-received confirmation: the deal records the bank fee,
// enters the hold window and gains its auto-release deadline. Replays of the same
// confirmation land on ErrStaleDealStatus and are treated as already-applied.
func (s *Service) MarkPaid(ctx context.Context, dealID uuid.UUID, bankFee int64) error {
	deal, err := s.repo.FindDealByID(ctx, dealID)
	if err != nil {
		return err
	}
	if deal.BankStatus != domain.BankStatusCreated && deal.BankStatus != domain.BankStatusPaid {
		if deal.BankStatus == domain.BankStatusHold {
			log.Printf("level=info component=deal_service op=mark_paid deal_id=%s msg=\"duplicate paid confirmation ignored\"", dealID)
			return nil
		}
		return domain.NewConflictError("deal %s cannot be marked paid from %s", dealID, deal.BankStatus)
	}

	holdStartedAt := s.now().UTC()
	autoReleaseAt := holdStartedAt.Add(time.Duration(deal.AutoReleaseDays) * 24 * time.Hour)

	if err := s.repo.MarkDealPaidAndHold(ctx, dealID, bankFee, holdStartedAt, autoReleaseAt); err != nil {
		if errors.Is(err, store.ErrStaleDealStatus) {
			log.Printf("level=info component=deal_service op=mark_paid deal_id=%s msg=\"lost paid race; already applied\"", dealID)
			return nil
		}
		return fmt.Errorf("mark deal paid: %w", err)
	}

	if s.producer != nil {
		event := domain.DealPaidEvent{
			DealID:        dealID,
			Amount:        deal.Amount,
			BankFee:       bankFee,
			HoldStartedAt: holdStartedAt,
			AutoReleaseAt: autoReleaseAt,
			Timestamp:     s.now().UTC(),
		}
		if err := s.producer.PublishDealPaid(ctx, event); err != nil {
			log.Printf("level=warn component=deal_service op=mark_paid deal_id=%s msg=\"event publish failed\" err=%v", dealID, err)
		}
	}
	return nil
}

// ConfirmCompletion records the service-completion confirmation and opportunistically
// attempts a release; a not-ready or locked deal simply stays held.
func (s *Service) ConfirmCompletion(ctx context.Context, dealID uuid.UUID) error {
	if err := s.repo.SetServiceConfirmed(ctx, dealID, s.now().UTC()); err != nil {
		return err
	}
	if err := s.RequestRelease(ctx, dealID, domain.TriggerSourceManual); err != nil {
		var conflict *domain.ConflictError
		if errors.Is(err, domain.ErrDisputeLocked) || errors.As(err, &conflict) {
			log.Printf("level=info component=deal_service op=confirm_completion deal_id=%s msg=\"release not attempted\" reason=%v", dealID, err)
			return nil
		}
		return err
	}
	return nil
}

// RequestRelease evaluates the deal's milestones and, when all are ready, issues one
// idempotency-keyed release call per milestone against the bank. The deal reaches
// `released` only after every milestone payout succeeded. Rejected outright while a
// dispute holds the deal.
func (s *Service) RequestRelease(ctx context.Context, dealID uuid.UUID, source domain.TriggerSource) error {
	deal, err := s.repo.FindDealByID(ctx, dealID)
	if err != nil {
		return err
	}
	if deal.DisputeLocked {
		return domain.ErrDisputeLocked
	}
	if deal.BankStatus == domain.BankStatusReleased {
		return nil
	}
	if deal.BankStatus != domain.BankStatusHold {
		return domain.NewConflictError("deal %s is not releasable from %s", dealID, deal.BankStatus)
	}
	if deal.BankDealID == nil {
		return domain.NewConflictError("deal %s has no bank deal id", dealID)
	}

	milestones, err := s.repo.FindMilestonesByDealID(ctx, dealID)
	if err != nil {
		return fmt.Errorf("load milestones: %w", err)
	}
	now := s.now().UTC()
	if !AllMilestonesReady(deal, milestones, now) {
		return domain.NewConflictError("deal %s has milestones that are not ready", dealID)
	}

	recipients, err := s.repo.FindSplitRecipientsByDealID(ctx, dealID)
	if err != nil {
		return fmt.Errorf("load split recipients: %w", err)
	}

	amounts := ComputeMilestoneAmounts(deal.NetAmount(), milestones)

	for i := range milestones {
		m := &milestones[i]
		if m.Status == domain.MilestoneReleased {
			continue
		}
		if err := s.releaseMilestone(ctx, deal, m, amounts[m.ID], recipients); err != nil {
			// Partial failure mid-release: already-released milestones stay released;
			// the next attempt resumes from here under the same idempotency keys.
			return fmt.Errorf("release milestone %s: %w", m.ID, err)
		}
	}

	if err := s.repo.MarkDealReleased(ctx, dealID); err != nil {
		if errors.Is(err, store.ErrStaleDealStatus) {
			// A dispute opened mid-release or a competing trigger won; leave as-is.
			return domain.NewConflictError("deal %s moved concurrently during release", dealID)
		}
		return fmt.Errorf("mark deal released: %w", err)
	}

	if s.producer != nil {
		event := domain.DealReleasedEvent{
			DealID:    dealID,
			NetAmount: deal.NetAmount(),
			Trigger:   source,
			Timestamp: s.now().UTC(),
		}
		if err := s.producer.PublishDealReleased(ctx, event); err != nil {
			log.Printf("level=warn component=deal_service op=release deal_id=%s msg=\"event publish failed\" err=%v", dealID, err)
		}
	}
	return nil
}

// releaseMilestone issues one bank release call for a milestone's share and records
// the payout with its fiscal receipts.
func (s *Service) releaseMilestone(ctx context.Context, deal *domain.Deal, m *domain.DealMilestone, amount int64, recipients []domain.SplitRecipient) error {
	params := bankclient.ReleaseParams{
		BankDealID:   *deal.BankDealID,
		MilestoneRef: m.ID.String(),
		Amount:       amount,
	}
	key := fmt.Sprintf("confirm_release:%s:%s", deal.ID, m.ID)
	response, _, err := s.idem.Execute(ctx, key, "confirm_release", &deal.ID, params, func(ctx context.Context) (any, error) {
		return s.gateway.ConfirmRelease(ctx, key, params)
	})
	if err != nil {
		if markErr := s.repo.MarkMilestoneFailed(ctx, m.ID, err.Error()); markErr != nil && !errors.Is(markErr, store.ErrMilestoneNotFound) {
			log.Printf("level=error component=deal_service op=release deal_id=%s milestone_id=%s msg=\"failed to record milestone failure\" err=%v", deal.ID, m.ID, markErr)
		}
		return err
	}

	bankResp, err := decodeGatewayResponse(response)
	if err != nil {
		return err
	}

	releasedAt := s.now().UTC()
	if err := s.repo.MarkMilestoneReleased(ctx, m.ID, bankResp.ID, releasedAt); err != nil {
		if errors.Is(err, store.ErrMilestoneNotFound) {
			// Concurrent attempt already recorded the payout.
			return nil
		}
		return fmt.Errorf("mark milestone released: %w", err)
	}

	// One pending fiscal receipt per recipient share of this payout.
	shares, err := ComputeSplit(amount, recipients)
	if err != nil {
		return fmt.Errorf("split milestone payout: %w", err)
	}
	for _, share := range shares {
		if share.Amount == 0 {
			continue
		}
		milestoneID := m.ID
		receipt := &domain.FiscalReceipt{
			ID:               uuid.New(),
			DealID:           deal.ID,
			MilestoneID:      &milestoneID,
			RecipientOwnerID: share.Recipient.OwnerID,
			Amount:           share.Amount,
			Kind:             domain.ReceiptIncome,
			Status:           domain.ReceiptPending,
		}
		if err := s.repo.CreateFiscalReceipt(ctx, receipt); err != nil {
			log.Printf("level=error component=deal_service op=release deal_id=%s milestone_id=%s msg=\"fiscal receipt create failed\" err=%v", deal.ID, m.ID, err)
		}
	}

	if s.producer != nil {
		event := domain.MilestoneReleasedEvent{
			DealID:      deal.ID,
			MilestoneID: m.ID,
			Amount:      amount,
			Timestamp:   releasedAt,
		}
		if err := s.producer.PublishMilestoneReleased(ctx, event); err != nil {
			log.Printf("level=warn component=deal_service op=release deal_id=%s milestone_id=%s msg=\"event publish failed\" err=%v", deal.ID, m.ID, err)
		}
	}
	return nil
}

// Cancel aborts a deal before release. Allowed only from created/paid/hold.
func (s *Service) Cancel(ctx context.Context, dealID uuid.UUID) error {
	deal, err := s.repo.FindDealByID(ctx, dealID)
	if err != nil {
		return err
	}
	switch deal.BankStatus {
	case domain.BankStatusCreated, domain.BankStatusPaid, domain.BankStatusHold:
	default:
		return domain.NewConflictError("deal %s cannot be cancelled from %s", dealID, deal.BankStatus)
	}
	if deal.BankDealID == nil {
		return domain.NewConflictError("deal %s has no bank deal id", dealID)
	}

	key := fmt.Sprintf("cancel_deal:%s", dealID)
	_, _, err = s.idem.Execute(ctx, key, "cancel_deal", &dealID, map[string]string{"deal_id": dealID.String()}, func(ctx context.Context) (any, error) {
		return s.gateway.CancelDeal(ctx, key, *deal.BankDealID)
	})
	if err != nil {
		return fmt.Errorf("bank cancel: %w", err)
	}

	if err := s.repo.MarkDealCancelled(ctx, dealID); err != nil {
		if errors.Is(err, store.ErrStaleDealStatus) {
			return domain.NewConflictError("deal %s moved concurrently during cancel", dealID)
		}
		return fmt.Errorf("mark deal cancelled: %w", err)
	}

	if s.producer != nil {
		if err := s.producer.PublishDealCancelled(ctx, domain.DealCancelledEvent{DealID: dealID, Timestamp: s.now().UTC()}); err != nil {
			log.Printf("level=warn component=deal_service op=cancel deal_id=%s msg=\"event publish failed\" err=%v", dealID, err)
		}
	}
	return nil
}

// Refund returns funds to the payer. Allowed only from created/paid/hold. Full
// refunds also produce income_return receipts referencing the original payouts.
func (s *Service) Refund(ctx context.Context, dealID uuid.UUID, req domain.RefundRequest) error {
	if req.Amount <= 0 {
		return domain.NewValidationError("refund amount must be positive")
	}
	deal, err := s.repo.FindDealByID(ctx, dealID)
	if err != nil {
		return err
	}
	if req.Amount > deal.Amount {
		return domain.NewValidationError("refund amount exceeds the deal amount")
	}
	switch deal.BankStatus {
	case domain.BankStatusCreated, domain.BankStatusPaid, domain.BankStatusHold:
	default:
		return domain.NewConflictError("deal %s cannot be refunded from %s", dealID, deal.BankStatus)
	}
	if deal.BankDealID == nil {
		return domain.NewConflictError("deal %s has no bank deal id", dealID)
	}

	params := bankclient.RefundParams{
		BankDealID: *deal.BankDealID,
		Amount:     req.Amount,
		Reason:     req.Reason,
	}
	key := fmt.Sprintf("refund:%s", dealID)
	_, _, err = s.idem.Execute(ctx, key, "refund", &dealID, params, func(ctx context.Context) (any, error) {
		return s.gateway.Refund(ctx, key, params)
	})
	if err != nil {
		return fmt.Errorf("bank refund: %w", err)
	}

	if err := s.repo.MarkDealRefunded(ctx, dealID); err != nil {
		if errors.Is(err, store.ErrStaleDealStatus) {
			return domain.NewConflictError("deal %s moved concurrently during refund", dealID)
		}
		return fmt.Errorf("mark deal refunded: %w", err)
	}

	if req.Amount == deal.Amount {
		s.createReturnReceipts(ctx, dealID)
	}

	if s.producer != nil {
		event := domain.DealRefundedEvent{
			DealID:    dealID,
			Amount:    req.Amount,
			Reason:    req.Reason,
			Timestamp: s.now().UTC(),
		}
		if err := s.producer.PublishDealRefunded(ctx, event); err != nil {
			log.Printf("level=warn component=deal_service op=refund deal_id=%s msg=\"event publish failed\" err=%v", dealID, err)
		}
	}
	return nil
}

// ApplyBankRelease records a bank-confirmed full release (deal.completed). The bank
// already moved the money; only our ledger catches up. A dispute-locked deal refuses
// the transition so the mismatch surfaces in the dead letter queue.
func (s *Service) ApplyBankRelease(ctx context.Context, dealID uuid.UUID) error {
	deal, err := s.repo.FindDealByID(ctx, dealID)
	if err != nil {
		return err
	}
	if deal.BankStatus == domain.BankStatusReleased {
		return nil
	}
	if err := s.repo.MarkDealReleased(ctx, dealID); err != nil {
		if errors.Is(err, store.ErrStaleDealStatus) {
			return domain.NewConflictError("bank reported release but deal %s is %s (locked=%t)", dealID, deal.BankStatus, deal.DisputeLocked)
		}
		return fmt.Errorf("apply bank release: %w", err)
	}
	if s.producer != nil {
		event := domain.DealReleasedEvent{
			DealID:    dealID,
			NetAmount: deal.NetAmount(),
			Trigger:   domain.TriggerSourceWebhook,
			Timestamp: s.now().UTC(),
		}
		if err := s.producer.PublishDealReleased(ctx, event); err != nil {
			log.Printf("level=warn component=deal_service op=apply_bank_release deal_id=%s msg=\"event publish failed\" err=%v", dealID, err)
		}
	}
	return nil
}

// ApplyBankCancel records a bank-confirmed cancellation.
func (s *Service) ApplyBankCancel(ctx context.Context, dealID uuid.UUID) error {
	deal, err := s.repo.FindDealByID(ctx, dealID)
	if err != nil {
		return err
	}
	if deal.BankStatus == domain.BankStatusCancelled {
		return nil
	}
	if err := s.repo.MarkDealCancelled(ctx, dealID); err != nil {
		if errors.Is(err, store.ErrStaleDealStatus) {
			return domain.NewConflictError("bank reported cancel but deal %s is %s", dealID, deal.BankStatus)
		}
		return fmt.Errorf("apply bank cancel: %w", err)
	}
	if s.producer != nil {
		if err := s.producer.PublishDealCancelled(ctx, domain.DealCancelledEvent{DealID: dealID, Timestamp: s.now().UTC()}); err != nil {
			log.Printf("level=warn component=deal_service op=apply_bank_cancel deal_id=%s msg=\"event publish failed\" err=%v", dealID, err)
		}
	}
	return nil
}

// ApplyBankRefund records a bank-confirmed refund. A zero amount means the bank did
// not report one; the full deal amount is assumed.
func (s *Service) ApplyBankRefund(ctx context.Context, dealID uuid.UUID, amount int64) error {
	deal, err := s.repo.FindDealByID(ctx, dealID)
	if err != nil {
		return err
	}
	if deal.BankStatus == domain.BankStatusRefunded {
		return nil
	}
	if amount <= 0 {
		amount = deal.Amount
	}
	if err := s.repo.MarkDealRefunded(ctx, dealID); err != nil {
		if errors.Is(err, store.ErrStaleDealStatus) {
			return domain.NewConflictError("bank reported refund but deal %s is %s", dealID, deal.BankStatus)
		}
		return fmt.Errorf("apply bank refund: %w", err)
	}
	if amount == deal.Amount {
		s.createReturnReceipts(ctx, dealID)
	}
	if s.producer != nil {
		event := domain.DealRefundedEvent{
			DealID:    dealID,
			Amount:    amount,
			Reason:    "bank-confirmed refund",
			Timestamp: s.now().UTC(),
		}
		if err := s.producer.PublishDealRefunded(ctx, event); err != nil {
			log.Printf("level=warn component=deal_service op=apply_bank_refund deal_id=%s msg=\"event publish failed\" err=%v", dealID, err)
		}
	}
	return nil
}

// createReturnReceipts mirrors every existing income receipt with an income_return
// receipt so downstream fiscalization can void the originals.
func (s *Service) createReturnReceipts(ctx context.Context, dealID uuid.UUID) {
	receipts, err := s.repo.FindFiscalReceiptsByDealID(ctx, dealID)
	if err != nil {
		log.Printf("level=warn component=deal_service op=refund deal_id=%s msg=\"receipt lookup failed\" err=%v", dealID, err)
		return
	}
	for _, original := range receipts {
		if original.Kind != domain.ReceiptIncome {
			continue
		}
		originalID := original.ID
		ret := &domain.FiscalReceipt{
			ID:                uuid.New(),
			DealID:            dealID,
			MilestoneID:       original.MilestoneID,
			RecipientOwnerID:  original.RecipientOwnerID,
			Amount:            original.Amount,
			Kind:              domain.ReceiptIncomeReturn,
			Status:            domain.ReceiptPending,
			OriginalReceiptID: &originalID,
		}
		if err := s.repo.CreateFiscalReceipt(ctx, ret); err != nil {
			log.Printf("level=warn component=deal_service op=refund deal_id=%s msg=\"return receipt create failed\" err=%v", dealID, err)
		}
	}
}

// decodeGatewayResponse re-hydrates a cached or fresh gateway response.
func decodeGatewayResponse(raw []byte) (*bankclient.Response, error) {
	var resp bankclient.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode gateway response: %w", err)
	}
	return &resp, nil
}
