package app

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/estatehub/deal-service/internal/domain"
	"github.com/estatehub/deal-service/internal/store"
)

// memRepository is an in-memory store.Repository for exercising the services
// without a database. Only the behavior the services rely on is modeled; the
// embedded interface panics on anything unimplemented so gaps surface loudly.
type memRepository struct {
	store.Repository

	mu         sync.Mutex
	deals      map[uuid.UUID]*domain.Deal
	recipients map[uuid.UUID][]domain.SplitRecipient
	milestones map[uuid.UUID][]domain.DealMilestone
	events     map[string]*domain.BankEvent
	idemKeys   map[string]*domain.IdempotencyKey
	dlq        []*domain.WebhookDLQEntry
	disputes   map[uuid.UUID]*domain.Dispute
	receipts   map[uuid.UUID][]domain.FiscalReceipt
}

func newMemRepository() *memRepository {
	return &memRepository{
		deals:      make(map[uuid.UUID]*domain.Deal),
		recipients: make(map[uuid.UUID][]domain.SplitRecipient),
		milestones: make(map[uuid.UUID][]domain.DealMilestone),
		events:     make(map[string]*domain.BankEvent),
		idemKeys:   make(map[string]*domain.IdempotencyKey),
		disputes:   make(map[uuid.UUID]*domain.Dispute),
		receipts:   make(map[uuid.UUID][]domain.FiscalReceipt),
	}
}

func (m *memRepository) CreateDealWithTerms(ctx context.Context, deal *domain.Deal, recipients []domain.SplitRecipient, milestones []domain.DealMilestone) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *deal
	m.deals[deal.ID] = &copied
	m.recipients[deal.ID] = append([]domain.SplitRecipient(nil), recipients...)
	m.milestones[deal.ID] = append([]domain.DealMilestone(nil), milestones...)
	return nil
}

func (m *memRepository) FindDealByID(ctx context.Context, dealID uuid.UUID) (*domain.Deal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deal, ok := m.deals[dealID]
	if !ok {
		return nil, store.ErrDealNotFound
	}
	copied := *deal
	return &copied, nil
}

func (m *memRepository) FindDealByBankDealID(ctx context.Context, bankDealID string) (*domain.Deal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, deal := range m.deals {
		if deal.BankDealID != nil && *deal.BankDealID == bankDealID {
			copied := *deal
			return &copied, nil
		}
	}
	return nil, store.ErrDealNotFound
}

func (m *memRepository) ActivateDeal(ctx context.Context, dealID uuid.UUID, bankDealID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	deal, ok := m.deals[dealID]
	if !ok {
		return store.ErrDealNotFound
	}
	if deal.BankStatus != domain.BankStatusNotCreated {
		return store.ErrStaleDealStatus
	}
	deal.BankStatus = domain.BankStatusCreated
	deal.BankDealID = &bankDealID
	return nil
}

func (m *memRepository) MarkDealPaidAndHold(ctx context.Context, dealID uuid.UUID, bankFee int64, holdStartedAt, autoReleaseAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	deal, ok := m.deals[dealID]
	if !ok {
		return store.ErrDealNotFound
	}
	if deal.BankStatus != domain.BankStatusCreated && deal.BankStatus != domain.BankStatusPaid {
		return store.ErrStaleDealStatus
	}
	deal.BankStatus = domain.BankStatusHold
	deal.BankFee = bankFee
	deal.HoldStartedAt = &holdStartedAt
	deal.AutoReleaseAt = &autoReleaseAt
	milestones := m.milestones[dealID]
	for i := range milestones {
		if milestones[i].Status == domain.MilestonePending {
			milestones[i].Status = domain.MilestoneHold
		}
	}
	return nil
}

func (m *memRepository) MarkDealReleased(ctx context.Context, dealID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	deal, ok := m.deals[dealID]
	if !ok {
		return store.ErrDealNotFound
	}
	if deal.BankStatus != domain.BankStatusHold || deal.DisputeLocked {
		return store.ErrStaleDealStatus
	}
	deal.BankStatus = domain.BankStatusReleased
	return nil
}

func (m *memRepository) MarkDealCancelled(ctx context.Context, dealID uuid.UUID) error {
	return m.terminalTransition(dealID, domain.BankStatusCancelled)
}

func (m *memRepository) MarkDealRefunded(ctx context.Context, dealID uuid.UUID) error {
	return m.terminalTransition(dealID, domain.BankStatusRefunded)
}

func (m *memRepository) terminalTransition(dealID uuid.UUID, to domain.BankStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	deal, ok := m.deals[dealID]
	if !ok {
		return store.ErrDealNotFound
	}
	if !domain.CanTransition(deal.BankStatus, to) {
		return store.ErrStaleDealStatus
	}
	deal.BankStatus = to
	return nil
}

func (m *memRepository) SetServiceConfirmed(ctx context.Context, dealID uuid.UUID, confirmedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	deal, ok := m.deals[dealID]
	if !ok {
		return store.ErrDealNotFound
	}
	deal.ServiceConfirmedAt = &confirmedAt
	return nil
}

func (m *memRepository) SetDisputeLocked(ctx context.Context, dealID uuid.UUID, locked bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	deal, ok := m.deals[dealID]
	if !ok {
		return store.ErrDealNotFound
	}
	deal.DisputeLocked = locked
	return nil
}

func (m *memRepository) FindDealsForAutoRelease(ctx context.Context, now time.Time, limit int) ([]domain.Deal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Deal
	for _, deal := range m.deals {
		if deal.BankStatus == domain.BankStatusHold && !deal.DisputeLocked &&
			deal.AutoReleaseAt != nil && !deal.AutoReleaseAt.After(now) {
			out = append(out, *deal)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memRepository) FindDealsPendingReconciliation(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Deal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Deal
	for _, deal := range m.deals {
		if !deal.BankStatus.IsTerminal() && deal.BankStatus != domain.BankStatusNotCreated {
			out = append(out, *deal)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memRepository) FindSplitRecipientsByDealID(ctx context.Context, dealID uuid.UUID) ([]domain.SplitRecipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.SplitRecipient(nil), m.recipients[dealID]...), nil
}

func (m *memRepository) FindMilestonesByDealID(ctx context.Context, dealID uuid.UUID) ([]domain.DealMilestone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.DealMilestone(nil), m.milestones[dealID]...), nil
}

func (m *memRepository) MarkMilestoneReleased(ctx context.Context, milestoneID uuid.UUID, bankReleaseID string, releasedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for dealID := range m.milestones {
		milestones := m.milestones[dealID]
		for i := range milestones {
			if milestones[i].ID == milestoneID {
				if milestones[i].Status == domain.MilestoneReleased {
					return store.ErrMilestoneNotFound
				}
				milestones[i].Status = domain.MilestoneReleased
				milestones[i].BankReleaseID = &bankReleaseID
				milestones[i].ReleasedAt = &releasedAt
				return nil
			}
		}
	}
	return store.ErrMilestoneNotFound
}

func (m *memRepository) MarkMilestoneFailed(ctx context.Context, milestoneID uuid.UUID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for dealID := range m.milestones {
		milestones := m.milestones[dealID]
		for i := range milestones {
			if milestones[i].ID == milestoneID {
				milestones[i].Status = domain.MilestoneFailed
				milestones[i].FailureReason = &reason
				return nil
			}
		}
	}
	return store.ErrMilestoneNotFound
}

func (m *memRepository) InsertBankEvent(ctx context.Context, event *domain.BankEvent) (bool, *domain.BankEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.events[event.IdempotencyKey]; ok {
		copied := *existing
		return false, &copied, nil
	}
	copied := *event
	m.events[event.IdempotencyKey] = &copied
	return true, nil, nil
}

func (m *memRepository) UpdateBankEventOutcome(ctx context.Context, eventID uuid.UUID, outcome domain.EventOutcome, errorMessage *string, dealID *uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, event := range m.events {
		if event.ID == eventID {
			event.Outcome = outcome
			event.ErrorMessage = errorMessage
			if dealID != nil {
				event.DealID = dealID
			}
			return nil
		}
	}
	return nil
}

func (m *memRepository) InsertIdempotencyKey(ctx context.Context, rec *domain.IdempotencyKey) (bool, *domain.IdempotencyKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.idemKeys[rec.Key]; ok {
		copied := *existing
		return false, &copied, nil
	}
	copied := *rec
	m.idemKeys[rec.Key] = &copied
	return true, nil, nil
}

func (m *memRepository) SaveIdempotencyResponse(ctx context.Context, key string, response json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.idemKeys[key]; ok {
		rec.Response = response
	}
	return nil
}

func (m *memRepository) PurgeExpiredIdempotencyKeys(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged int64
	for key, rec := range m.idemKeys {
		if rec.ExpiresAt.Before(now) {
			delete(m.idemKeys, key)
			purged++
		}
	}
	return purged, nil
}

func (m *memRepository) InsertDLQEntry(ctx context.Context, entry *domain.WebhookDLQEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *entry
	m.dlq = append(m.dlq, &copied)
	return nil
}

func (m *memRepository) FindDLQEntryByID(ctx context.Context, entryID uuid.UUID) (*domain.WebhookDLQEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.dlq {
		if entry.ID == entryID {
			copied := *entry
			return &copied, nil
		}
	}
	return nil, store.ErrDLQEntryNotFound
}

func (m *memRepository) FindUnresolvedDLQEntries(ctx context.Context, maxRetries int, limit int) ([]domain.WebhookDLQEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.WebhookDLQEntry
	for _, entry := range m.dlq {
		if entry.ResolvedAt == nil && entry.RetryCount < maxRetries {
			out = append(out, *entry)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memRepository) IncrementDLQRetry(ctx context.Context, entryID uuid.UUID, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.dlq {
		if entry.ID == entryID {
			entry.RetryCount++
			entry.ErrorMessage = errorMessage
			return nil
		}
	}
	return store.ErrDLQEntryNotFound
}

func (m *memRepository) MarkDLQResolved(ctx context.Context, entryID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.dlq {
		if entry.ID == entryID {
			now := time.Now()
			entry.ResolvedAt = &now
			return nil
		}
	}
	return store.ErrDLQEntryNotFound
}

func (m *memRepository) CreateDisputeAndLockDeal(ctx context.Context, dispute *domain.Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.disputes {
		if existing.DealID == dispute.DealID && !existing.Status.IsTerminal() {
			return domain.ErrDisputeAlreadyOpen
		}
	}
	deal, ok := m.deals[dispute.DealID]
	if !ok {
		return store.ErrDealNotFound
	}
	deal.DisputeLocked = true
	copied := *dispute
	m.disputes[dispute.ID] = &copied
	return nil
}

func (m *memRepository) FindDisputeByID(ctx context.Context, disputeID uuid.UUID) (*domain.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dispute, ok := m.disputes[disputeID]
	if !ok {
		return nil, store.ErrDisputeNotFound
	}
	copied := *dispute
	return &copied, nil
}

func (m *memRepository) FindOpenDisputeByDealID(ctx context.Context, dealID uuid.UUID) (*domain.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, dispute := range m.disputes {
		if dispute.DealID == dealID && !dispute.Status.IsTerminal() {
			copied := *dispute
			return &copied, nil
		}
	}
	return nil, store.ErrDisputeNotFound
}

func (m *memRepository) EscalateDispute(ctx context.Context, disputeID uuid.UUID, level domain.EscalationLevel, status domain.DisputeStatus, platformDeadline time.Time, escalatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dispute, ok := m.disputes[disputeID]
	if !ok || dispute.Status.IsTerminal() {
		return store.ErrDisputeNotFound
	}
	dispute.EscalationLevel = level
	dispute.Status = status
	dispute.PlatformDeadline = &platformDeadline
	dispute.EscalatedAt = &escalatedAt
	return nil
}

func (m *memRepository) MarkDisputeAgencyReview(ctx context.Context, disputeID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dispute, ok := m.disputes[disputeID]
	if !ok {
		return store.ErrDisputeNotFound
	}
	dispute.Status = domain.DisputeAgencyReview
	return nil
}

func (m *memRepository) ResolveDisputeAndUnlockDeal(ctx context.Context, disputeID uuid.UUID, status domain.DisputeStatus, resolution domain.DisputeResolution, refundAmount *int64, resolvedBy uuid.UUID, resolvedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dispute, ok := m.disputes[disputeID]
	if !ok || dispute.Status.IsTerminal() {
		return store.ErrDisputeNotFound
	}
	dispute.Status = status
	dispute.Resolution = &resolution
	dispute.RefundAmount = refundAmount
	dispute.ResolvedBy = &resolvedBy
	dispute.ResolvedAt = &resolvedAt
	if deal, ok := m.deals[dispute.DealID]; ok {
		deal.DisputeLocked = false
	}
	return nil
}

func (m *memRepository) FindDisputesPastAgencyDeadline(ctx context.Context, now time.Time, limit int) ([]domain.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Dispute
	for _, dispute := range m.disputes {
		if !dispute.Status.IsTerminal() && dispute.EscalationLevel == domain.EscalationAgency && !dispute.AgencyDeadline.After(now) {
			out = append(out, *dispute)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memRepository) FindDisputesPastMaxDeadline(ctx context.Context, now time.Time, limit int) ([]domain.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Dispute
	for _, dispute := range m.disputes {
		if !dispute.Status.IsTerminal() && !dispute.MaxDeadline.After(now) {
			out = append(out, *dispute)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memRepository) CreateFiscalReceipt(ctx context.Context, receipt *domain.FiscalReceipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receipts[receipt.DealID] = append(m.receipts[receipt.DealID], *receipt)
	return nil
}

func (m *memRepository) FindFiscalReceiptsByDealID(ctx context.Context, dealID uuid.UUID) ([]domain.FiscalReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.FiscalReceipt(nil), m.receipts[dealID]...), nil
}

// recordingPublisher captures published events for assertions.
type recordingPublisher struct {
	mu                 sync.Mutex
	paid               []domain.DealPaidEvent
	released           []domain.DealReleasedEvent
	refunded           []domain.DealRefundedEvent
	cancelled          []domain.DealCancelledEvent
	milestonesReleased []domain.MilestoneReleasedEvent
	escalated          []domain.DisputeEscalatedEvent
}

func (r *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return nil
}

func (r *recordingPublisher) PublishDealPaid(ctx context.Context, event domain.DealPaidEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paid = append(r.paid, event)
	return nil
}

func (r *recordingPublisher) PublishDealReleased(ctx context.Context, event domain.DealReleasedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, event)
	return nil
}

func (r *recordingPublisher) PublishDealRefunded(ctx context.Context, event domain.DealRefundedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refunded = append(r.refunded, event)
	return nil
}

func (r *recordingPublisher) PublishDealCancelled(ctx context.Context, event domain.DealCancelledEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, event)
	return nil
}

func (r *recordingPublisher) PublishMilestoneReleased(ctx context.Context, event domain.MilestoneReleasedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.milestonesReleased = append(r.milestonesReleased, event)
	return nil
}

func (r *recordingPublisher) PublishDisputeEscalated(ctx context.Context, event domain.DisputeEscalatedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.escalated = append(r.escalated, event)
	return nil
}

func (r *recordingPublisher) Close() {}

// stubIdentity reports every owner as existing unless listed as missing.
type stubIdentity struct {
	missing map[uuid.UUID]bool
}

func (s *stubIdentity) OwnerExists(ctx context.Context, ownerType domain.OwnerType, ownerID uuid.UUID) (bool, error) {
	if s.missing[ownerID] {
		return false, nil
	}
	return true, nil
}

// stubAntifraud returns a fixed verdict.
type stubAntifraud struct {
	verdict domain.AntifraudVerdict
}

func (s *stubAntifraud) CheckDeal(ctx context.Context, amount int64, recipientOwners []uuid.UUID) (domain.AntifraudVerdict, error) {
	if s.verdict == "" {
		return domain.VerdictPass, nil
	}
	return s.verdict, nil
}
