package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/estatehub/deal-service/internal/domain"
	"github.com/estatehub/deal-service/pkg/bankclient"
)

func newTestService(repo *memRepository) (*Service, *recordingPublisher, *bankclient.Mock) {
	producer := &recordingPublisher{}
	gateway := bankclient.NewMock()
	svc := NewService(repo, gateway, producer, &stubIdentity{}, &stubAntifraud{}, time.Hour)
	return svc, producer, gateway
}

// seedHeldDeal plants a funded deal in hold with one immediate milestone and a
// single 100% primary recipient.
func seedHeldDeal(repo *memRepository, amount, fee int64) *domain.Deal {
	bankDealID := "bdl_test_000001"
	holdStart := time.Now().Add(-time.Hour).UTC()
	autoRelease := holdStart.Add(14 * 24 * time.Hour)
	deal := &domain.Deal{
		ID:              uuid.New(),
		BankDealID:      &bankDealID,
		Amount:          amount,
		BankFee:         fee,
		BankStatus:      domain.BankStatusHold,
		PaymentScheme:   domain.SchemePrepaymentFull,
		HoldStartedAt:   &holdStart,
		AutoReleaseAt:   &autoRelease,
		AutoReleaseDays: 14,
	}
	repo.deals[deal.ID] = deal
	repo.recipients[deal.ID] = []domain.SplitRecipient{
		{ID: uuid.New(), DealID: deal.ID, OwnerID: uuid.New(), OwnerType: domain.OwnerUser, Percent: pct("100"), IsPrimary: true, Active: true},
	}
	repo.milestones[deal.ID] = []domain.DealMilestone{
		{ID: uuid.New(), DealID: deal.ID, Percent: pct("100"), ReleaseTrigger: domain.TriggerImmediate, Status: domain.MilestoneHold},
	}
	return deal
}

func validCreateRequest() domain.CreateDealRequest {
	return domain.CreateDealRequest{
		Amount:          500000,
		PaymentScheme:   domain.SchemePrepaymentFull,
		AutoReleaseDays: 14,
		Recipients: []domain.SplitRecipientInput{
			{OwnerType: domain.OwnerUser, OwnerID: uuid.New(), Role: "agent", Percent: pct("70"), IsPrimary: true},
			{OwnerType: domain.OwnerOrganization, OwnerID: uuid.New(), Role: "agency", Percent: pct("30")},
		},
	}
}

func TestCreateDeal_OpensDealAtBankAndActivates(t *testing.T) {
	repo := newMemRepository()
	svc, _, _ := newTestService(repo)

	deal, err := svc.CreateDeal(context.Background(), validCreateRequest())
	if err != nil {
		t.Fatalf("CreateDeal returned error: %v", err)
	}
	if deal.BankStatus != domain.BankStatusCreated {
		t.Fatalf("deal status = %s, want created", deal.BankStatus)
	}
	if deal.BankDealID == nil || *deal.BankDealID == "" {
		t.Fatal("deal has no bank deal id after activation")
	}

	milestones := repo.milestones[deal.ID]
	if len(milestones) != 1 || milestones[0].ReleaseTrigger != domain.TriggerImmediate {
		t.Fatalf("expected one derived immediate milestone, got %+v", milestones)
	}

	if _, ok := repo.idemKeys["create_deal:"+deal.ID.String()]; !ok {
		t.Fatal("create_deal call was not idempotency-keyed")
	}
	if _, ok := repo.idemKeys["create_invoice:"+deal.ID.String()]; !ok {
		t.Fatal("create_invoice call was not idempotency-keyed")
	}
}

func TestCreateDeal_BlockedByAntifraud(t *testing.T) {
	repo := newMemRepository()
	producer := &recordingPublisher{}
	svc := NewService(repo, bankclient.NewMock(), producer, &stubIdentity{}, &stubAntifraud{verdict: domain.VerdictBlock}, time.Hour)

	_, err := svc.CreateDeal(context.Background(), validCreateRequest())
	var validation *domain.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected validation error from blocked verdict, got %v", err)
	}
	if len(repo.deals) != 0 {
		t.Fatal("blocked deal must not be persisted")
	}
}

func TestCreateDeal_UnknownRecipientOwnerRejected(t *testing.T) {
	repo := newMemRepository()
	req := validCreateRequest()
	missing := req.Recipients[1].OwnerID
	producer := &recordingPublisher{}
	svc := NewService(repo, bankclient.NewMock(), producer, &stubIdentity{missing: map[uuid.UUID]bool{missing: true}}, &stubAntifraud{}, time.Hour)

	_, err := svc.CreateDeal(context.Background(), req)
	var validation *domain.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected validation error for unknown owner, got %v", err)
	}
}

func TestMarkPaid_EntersHoldAndPublishes(t *testing.T) {
	repo := newMemRepository()
	svc, producer, _ := newTestService(repo)

	bankDealID := "bdl_paid"
	deal := &domain.Deal{
		ID:              uuid.New(),
		BankDealID:      &bankDealID,
		Amount:          100000,
		BankStatus:      domain.BankStatusCreated,
		AutoReleaseDays: 14,
	}
	repo.deals[deal.ID] = deal

	if err := svc.MarkPaid(context.Background(), deal.ID, 3500); err != nil {
		t.Fatalf("MarkPaid returned error: %v", err)
	}

	stored := repo.deals[deal.ID]
	if stored.BankStatus != domain.BankStatusHold {
		t.Fatalf("deal status = %s, want hold", stored.BankStatus)
	}
	if stored.BankFee != 3500 {
		t.Fatalf("bank fee = %d, want 3500", stored.BankFee)
	}
	if stored.AutoReleaseAt == nil || stored.HoldStartedAt == nil {
		t.Fatal("hold timestamps not set")
	}
	wantRelease := stored.HoldStartedAt.Add(14 * 24 * time.Hour)
	if !stored.AutoReleaseAt.Equal(wantRelease) {
		t.Fatalf("auto release at = %s, want %s", stored.AutoReleaseAt, wantRelease)
	}
	if len(producer.paid) != 1 {
		t.Fatalf("published %d paid events, want 1", len(producer.paid))
	}

	// A replayed confirmation is a no-op, not an error, and publishes nothing new.
	if err := svc.MarkPaid(context.Background(), deal.ID, 3500); err != nil {
		t.Fatalf("duplicate MarkPaid returned error: %v", err)
	}
	if len(producer.paid) != 1 {
		t.Fatalf("duplicate confirmation published an extra event")
	}
}

func TestRequestRelease_DisputeLockBlocks(t *testing.T) {
	repo := newMemRepository()
	svc, producer, _ := newTestService(repo)

	deal := seedHeldDeal(repo, 100000, 2500)
	repo.deals[deal.ID].DisputeLocked = true

	err := svc.RequestRelease(context.Background(), deal.ID, domain.TriggerSourceManual)
	if !errors.Is(err, domain.ErrDisputeLocked) {
		t.Fatalf("expected ErrDisputeLocked, got %v", err)
	}
	if repo.deals[deal.ID].BankStatus != domain.BankStatusHold {
		t.Fatal("locked deal must stay in hold")
	}
	if len(producer.released) != 0 {
		t.Fatal("locked deal must not publish a release event")
	}
}

func TestRequestRelease_ReleasesMilestonesAndDeal(t *testing.T) {
	repo := newMemRepository()
	svc, producer, _ := newTestService(repo)

	deal := seedHeldDeal(repo, 100000, 2500)

	if err := svc.RequestRelease(context.Background(), deal.ID, domain.TriggerSourceScheduler); err != nil {
		t.Fatalf("RequestRelease returned error: %v", err)
	}

	stored := repo.deals[deal.ID]
	if stored.BankStatus != domain.BankStatusReleased {
		t.Fatalf("deal status = %s, want released", stored.BankStatus)
	}
	milestones := repo.milestones[deal.ID]
	if milestones[0].Status != domain.MilestoneReleased {
		t.Fatalf("milestone status = %s, want released", milestones[0].Status)
	}
	if len(producer.milestonesReleased) != 1 {
		t.Fatalf("published %d milestone events, want 1", len(producer.milestonesReleased))
	}
	if len(producer.released) != 1 {
		t.Fatalf("published %d release events, want 1", len(producer.released))
	}
	if producer.released[0].NetAmount != 97500 {
		t.Fatalf("released net amount = %d, want 97500", producer.released[0].NetAmount)
	}
	if producer.released[0].Trigger != domain.TriggerSourceScheduler {
		t.Fatalf("release trigger = %s, want scheduler", producer.released[0].Trigger)
	}

	receipts := repo.receipts[deal.ID]
	if len(receipts) != 1 {
		t.Fatalf("created %d fiscal receipts, want 1", len(receipts))
	}
	if receipts[0].Kind != domain.ReceiptIncome || receipts[0].Amount != 97500 {
		t.Fatalf("unexpected receipt %+v", receipts[0])
	}

	// Releasing again is a no-op.
	if err := svc.RequestRelease(context.Background(), deal.ID, domain.TriggerSourceManual); err != nil {
		t.Fatalf("repeat release returned error: %v", err)
	}
	if len(producer.released) != 1 {
		t.Fatal("repeat release published an extra event")
	}
}

func TestRequestRelease_UnreadyMilestoneRejected(t *testing.T) {
	repo := newMemRepository()
	svc, _, _ := newTestService(repo)

	deal := seedHeldDeal(repo, 100000, 0)
	repo.milestones[deal.ID][0].ReleaseTrigger = domain.TriggerConfirmation

	err := svc.RequestRelease(context.Background(), deal.ID, domain.TriggerSourceManual)
	var conflict *domain.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict for unready milestones, got %v", err)
	}
}

func TestConfirmCompletion_ReleasesConfirmationGatedDeal(t *testing.T) {
	repo := newMemRepository()
	svc, producer, _ := newTestService(repo)

	deal := seedHeldDeal(repo, 100000, 0)
	repo.milestones[deal.ID][0].ReleaseTrigger = domain.TriggerConfirmation

	if err := svc.ConfirmCompletion(context.Background(), deal.ID); err != nil {
		t.Fatalf("ConfirmCompletion returned error: %v", err)
	}
	if repo.deals[deal.ID].BankStatus != domain.BankStatusReleased {
		t.Fatalf("deal status = %s, want released after confirmation", repo.deals[deal.ID].BankStatus)
	}
	if len(producer.released) != 1 {
		t.Fatalf("published %d release events, want 1", len(producer.released))
	}
}

func TestCancel_RejectedFromTerminalStatus(t *testing.T) {
	repo := newMemRepository()
	svc, _, _ := newTestService(repo)

	deal := seedHeldDeal(repo, 100000, 0)
	repo.deals[deal.ID].BankStatus = domain.BankStatusReleased

	err := svc.Cancel(context.Background(), deal.ID)
	var conflict *domain.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict cancelling a released deal, got %v", err)
	}
}

func TestRefund_FullRefundMirrorsReceipts(t *testing.T) {
	repo := newMemRepository()
	svc, producer, _ := newTestService(repo)

	deal := seedHeldDeal(repo, 100000, 0)
	repo.receipts[deal.ID] = []domain.FiscalReceipt{
		{ID: uuid.New(), DealID: deal.ID, RecipientOwnerID: uuid.New(), Amount: 100000, Kind: domain.ReceiptIncome, Status: domain.ReceiptCreated},
	}

	err := svc.Refund(context.Background(), deal.ID, domain.RefundRequest{Amount: 100000, Reason: "client backed out"})
	if err != nil {
		t.Fatalf("Refund returned error: %v", err)
	}
	if repo.deals[deal.ID].BankStatus != domain.BankStatusRefunded {
		t.Fatalf("deal status = %s, want refunded", repo.deals[deal.ID].BankStatus)
	}
	if len(producer.refunded) != 1 {
		t.Fatalf("published %d refund events, want 1", len(producer.refunded))
	}

	receipts := repo.receipts[deal.ID]
	if len(receipts) != 2 {
		t.Fatalf("expected an income_return receipt to be added, got %d receipts", len(receipts))
	}
	ret := receipts[1]
	if ret.Kind != domain.ReceiptIncomeReturn || ret.OriginalReceiptID == nil {
		t.Fatalf("unexpected return receipt %+v", ret)
	}
}

func TestRefund_AmountValidation(t *testing.T) {
	repo := newMemRepository()
	svc, _, _ := newTestService(repo)

	deal := seedHeldDeal(repo, 100000, 0)

	var validation *domain.ValidationError
	if err := svc.Refund(context.Background(), deal.ID, domain.RefundRequest{Amount: 0}); !errors.As(err, &validation) {
		t.Fatalf("expected validation error for zero refund, got %v", err)
	}
	if err := svc.Refund(context.Background(), deal.ID, domain.RefundRequest{Amount: 100001}); !errors.As(err, &validation) {
		t.Fatalf("expected validation error for oversized refund, got %v", err)
	}
}

func TestApplyBankRelease_RefusedWhileLocked(t *testing.T) {
	repo := newMemRepository()
	svc, _, _ := newTestService(repo)

	deal := seedHeldDeal(repo, 100000, 0)
	repo.deals[deal.ID].DisputeLocked = true

	err := svc.ApplyBankRelease(context.Background(), deal.ID)
	var conflict *domain.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict applying bank release to a locked deal, got %v", err)
	}
}
