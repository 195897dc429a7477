package app

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/estatehub/deal-service/internal/domain"
	"github.com/estatehub/deal-service/pkg/bankclient"
)

func newJobsFixture(t *testing.T) (*memRepository, *Jobs, *recordingPublisher, *bankclient.Mock) {
	t.Helper()
	repo := newMemRepository()
	svc, producer, gateway := newTestService(repo)
	disputes := NewDisputeService(repo, svc, producer)
	processor := NewWebhookProcessor(repo, svc, testWebhookSecret)
	return repo, NewJobs(repo, svc, disputes, processor, gateway), producer, gateway
}

func TestHoldExpirySweep_ReleasesOverdueAndSkipsLocked(t *testing.T) {
	repo, jobs, producer, _ := newJobsFixture(t)

	overdue := seedHeldDeal(repo, 100000, 0)
	past := time.Now().Add(-time.Hour).UTC()
	repo.deals[overdue.ID].AutoReleaseAt = &past

	locked := seedHeldDeal(repo, 50000, 0)
	repo.deals[locked.ID].AutoReleaseAt = &past
	repo.deals[locked.ID].DisputeLocked = true

	fresh := seedHeldDeal(repo, 75000, 0)
	future := time.Now().Add(time.Hour).UTC()
	repo.deals[fresh.ID].AutoReleaseAt = &future

	jobs.RunHoldExpirySweep(context.Background())

	if repo.deals[overdue.ID].BankStatus != domain.BankStatusReleased {
		t.Fatalf("overdue deal status = %s, want released", repo.deals[overdue.ID].BankStatus)
	}
	if repo.deals[locked.ID].BankStatus != domain.BankStatusHold {
		t.Fatal("dispute-locked deal must stay held past its deadline")
	}
	if repo.deals[fresh.ID].BankStatus != domain.BankStatusHold {
		t.Fatal("deal inside its hold window must stay held")
	}
	if len(producer.released) != 1 || producer.released[0].Trigger != domain.TriggerSourceScheduler {
		t.Fatalf("expected one scheduler-triggered release event, got %+v", producer.released)
	}
}

func TestHoldExpirySweep_EscalatesOverdueDisputes(t *testing.T) {
	repo, jobs, producer, _ := newJobsFixture(t)

	deal := seedHeldDeal(repo, 100000, 0)
	openedAt := time.Now().Add(-26 * time.Hour).UTC()
	dispute := &domain.Dispute{
		ID:              uuid.New(),
		DealID:          deal.ID,
		Status:          domain.DisputeOpen,
		EscalationLevel: domain.EscalationAgency,
		Reason:          "stalled handover",
		AgencyDeadline:  openedAt.Add(24 * time.Hour),
		MaxDeadline:     openedAt.Add(7 * 24 * time.Hour),
		OpenedBy:        uuid.New(),
	}
	repo.disputes[dispute.ID] = dispute
	repo.deals[deal.ID].DisputeLocked = true

	jobs.RunHoldExpirySweep(context.Background())

	if repo.disputes[dispute.ID].EscalationLevel != domain.EscalationPlatform {
		t.Fatal("overdue dispute not escalated by the sweep")
	}
	if len(producer.escalated) != 1 || producer.escalated[0].Forced {
		t.Fatalf("expected one unforced escalation event, got %+v", producer.escalated)
	}
}

func TestReconciliation_AppliesMissedPayment(t *testing.T) {
	repo, jobs, producer, gateway := newJobsFixture(t)

	// A deal the bank knows as paid while we still see created: the paid webhook
	// was lost and reconciliation recovers it.
	params := bankclient.CreateDealParams{DealRef: uuid.New().String(), Amount: 100000, Scheme: string(domain.SchemePrepaymentFull)}
	resp, err := gateway.CreateDeal(context.Background(), "recon-test", params)
	if err != nil {
		t.Fatalf("mock CreateDeal returned error: %v", err)
	}
	gateway.SetDealState(resp.ID, "paid")

	deal := &domain.Deal{
		ID:              uuid.New(),
		BankDealID:      &resp.ID,
		Amount:          100000,
		BankStatus:      domain.BankStatusCreated,
		AutoReleaseDays: 14,
	}
	repo.deals[deal.ID] = deal

	jobs.RunReconciliation(context.Background())

	if repo.deals[deal.ID].BankStatus != domain.BankStatusHold {
		t.Fatalf("deal status = %s, want hold after reconciling a missed payment", repo.deals[deal.ID].BankStatus)
	}
	if len(producer.paid) != 1 {
		t.Fatalf("published %d paid events, want 1", len(producer.paid))
	}
}

func TestDLQRetry_ResolvesReplayableEntries(t *testing.T) {
	repo, jobs, _, _ := newJobsFixture(t)

	deal := seedHeldDeal(repo, 100000, 0)

	payload, _ := json.Marshal(map[string]any{
		"EventType": "deal.completed",
		"DealRef":   deal.ID.String(),
	})
	replayable := &domain.WebhookDLQEntry{
		ID:        uuid.New(),
		EventType: domain.EventDealCompleted,
		Payload:   payload,
	}
	repo.dlq = append(repo.dlq, replayable)

	poisoned := &domain.WebhookDLQEntry{
		ID:        uuid.New(),
		EventType: domain.EventDealCompleted,
		Payload:   []byte("not json"),
	}
	repo.dlq = append(repo.dlq, poisoned)

	jobs.RunDLQRetry(context.Background())

	if repo.deals[deal.ID].BankStatus != domain.BankStatusReleased {
		t.Fatalf("deal status = %s, want released after dlq replay", repo.deals[deal.ID].BankStatus)
	}
	if repo.dlq[0].ResolvedAt == nil {
		t.Fatal("replayed entry not marked resolved")
	}
	if repo.dlq[1].ResolvedAt != nil {
		t.Fatal("poisoned entry must stay unresolved")
	}
	if repo.dlq[1].RetryCount != 1 {
		t.Fatalf("poisoned entry retry count = %d, want 1", repo.dlq[1].RetryCount)
	}
}

func TestDLQRetry_RespectsRetryCeiling(t *testing.T) {
	repo, jobs, _, _ := newJobsFixture(t)

	exhausted := &domain.WebhookDLQEntry{
		ID:         uuid.New(),
		EventType:  domain.EventDealCompleted,
		Payload:    []byte("not json"),
		RetryCount: dlqMaxRetries,
	}
	repo.dlq = append(repo.dlq, exhausted)

	jobs.RunDLQRetry(context.Background())

	if repo.dlq[0].RetryCount != dlqMaxRetries {
		t.Fatalf("exhausted entry retried beyond the ceiling, count = %d", repo.dlq[0].RetryCount)
	}
}
