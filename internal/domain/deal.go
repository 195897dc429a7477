/**
 * @description
 * This file defines the core domain models for the deal-service.
 * These structs represent the main entities and data transfer objects (DTOs)
 * used throughout the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Status fields are closed enum types with a central transition table; handlers and
 *   jobs never compare raw strings.
 * - Amounts are stored as `int64` to represent the value in the smallest currency
 *   unit (kopecks), which avoids floating-point inaccuracies with financial data.
 * - Split percentages use shopspring/decimal so that values like 33.34 survive
 *   round-trips without binary float drift.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BankStatus is the bank-side lifecycle state of a deal's nominal-account funds.
type BankStatus string

const (
	BankStatusNotCreated BankStatus = "not_created"
	BankStatusCreated    BankStatus = "created"
	BankStatusPaid       BankStatus = "paid"
	BankStatusHold       BankStatus = "hold"
	BankStatusReleased   BankStatus = "released"
	BankStatusCancelled  BankStatus = "cancelled"
	BankStatusRefunded   BankStatus = "refunded"
)

// bankStatusTransitions is the single source of truth for allowed bank status moves.
// Transitions are monotonic except for the refund/cancel paths.
var bankStatusTransitions = map[BankStatus][]BankStatus{
	BankStatusNotCreated: {BankStatusCreated},
	BankStatusCreated:    {BankStatusPaid, BankStatusCancelled, BankStatusRefunded},
	BankStatusPaid:       {BankStatusHold, BankStatusCancelled, BankStatusRefunded},
	BankStatusHold:       {BankStatusReleased, BankStatusCancelled, BankStatusRefunded},
	BankStatusReleased:   {},
	BankStatusCancelled:  {},
	BankStatusRefunded:   {},
}

// CanTransition reports whether a deal in status `from` may move to status `to`.
func CanTransition(from, to BankStatus) bool {
	for _, allowed := range bankStatusTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further bank status transitions are possible.
func (s BankStatus) IsTerminal() bool {
	return len(bankStatusTransitions[s]) == 0
}

// PaymentScheme describes when the client pays relative to service delivery.
type PaymentScheme string

const (
	SchemePrepaymentFull PaymentScheme = "prepayment_full"
	SchemeAdvancePostpay PaymentScheme = "advance_postpay"
	SchemePostpayment    PaymentScheme = "postpayment"
)

// ReleaseTrigger identifies the condition that makes a milestone's payout releasable.
type ReleaseTrigger string

const (
	TriggerImmediate    ReleaseTrigger = "immediate"
	TriggerShortHold    ReleaseTrigger = "short_hold"
	TriggerConfirmation ReleaseTrigger = "confirmation"
	TriggerDate         ReleaseTrigger = "date"
)

// MilestoneStatus is the lifecycle state of one milestone's payout.
type MilestoneStatus string

const (
	MilestonePending  MilestoneStatus = "pending"
	MilestoneHold     MilestoneStatus = "hold"
	MilestoneReleased MilestoneStatus = "released"
	MilestoneFailed   MilestoneStatus = "failed"
)

// OwnerType distinguishes individual and organization split recipients.
type OwnerType string

const (
	OwnerUser         OwnerType = "user"
	OwnerOrganization OwnerType = "organization"
)

// Deal is the aggregate root for one brokered transaction's funds lifecycle.
// This struct maps directly to the `deals` table in the database.
type Deal struct {
	ID                 uuid.UUID     `json:"id"`
	BankDealID         *string       `json:"bank_deal_id,omitempty"`
	Amount             int64         `json:"amount"`   // gross, in kopecks
	BankFee            int64         `json:"bank_fee"` // acquirer/bank fee, in kopecks
	BankStatus         BankStatus    `json:"bank_status"`
	PaymentScheme      PaymentScheme `json:"payment_scheme"`
	DisputeLocked      bool          `json:"dispute_locked"`
	HoldStartedAt      *time.Time    `json:"hold_started_at,omitempty"`
	AutoReleaseAt      *time.Time    `json:"auto_release_at,omitempty"`
	HoldDurationHours  int           `json:"hold_duration_hours"`
	AutoReleaseDays    int           `json:"auto_release_days"`
	ServiceConfirmedAt *time.Time    `json:"service_confirmed_at,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// NetAmount is the payable amount after the bank's fee is withheld.
func (d *Deal) NetAmount() int64 {
	return d.Amount - d.BankFee
}

// SplitRecipient is one party entitled to a share of a deal's net proceeds.
type SplitRecipient struct {
	ID          uuid.UUID       `json:"id"`
	DealID      uuid.UUID       `json:"deal_id"`
	OwnerType   OwnerType       `json:"owner_type"`
	OwnerID     uuid.UUID       `json:"owner_id"`
	Role        string          `json:"role"` // e.g. 'agent', 'agency', 'co_agent'
	Percent     decimal.Decimal `json:"percent"`
	FixedAmount *int64          `json:"fixed_amount,omitempty"` // in kopecks; nil for percent-based
	IsPrimary   bool            `json:"is_primary"`             // residual kopecks land here
	Active      bool            `json:"active"`
	CreatedAt   time.Time       `json:"created_at"`
}

// DealMilestone is a portion of a deal's payout governed by its own release trigger.
type DealMilestone struct {
	ID                uuid.UUID       `json:"id"`
	DealID            uuid.UUID       `json:"deal_id"`
	Percent           decimal.Decimal `json:"percent"`
	ReleaseTrigger    ReleaseTrigger  `json:"release_trigger"`
	ReleaseDelayHours *int            `json:"release_delay_hours,omitempty"` // short_hold only
	ReleaseDate       *time.Time      `json:"release_date,omitempty"`        // date only
	Status            MilestoneStatus `json:"status"`
	BankReleaseID     *string         `json:"bank_release_id,omitempty"`
	ReleasedAt        *time.Time      `json:"released_at,omitempty"`
	FailureReason     *string         `json:"failure_reason,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// FiscalReceiptStatus is the lifecycle state of one fiscal receipt.
type FiscalReceiptStatus string

const (
	ReceiptPending   FiscalReceiptStatus = "pending"
	ReceiptCreated   FiscalReceiptStatus = "created"
	ReceiptFailed    FiscalReceiptStatus = "failed"
	ReceiptCancelled FiscalReceiptStatus = "cancelled"
)

// FiscalReceiptKind distinguishes payout receipts from refund ("income return") receipts.
type FiscalReceiptKind string

const (
	ReceiptIncome       FiscalReceiptKind = "income"
	ReceiptIncomeReturn FiscalReceiptKind = "income_return"
)

// FiscalReceipt records one taxable payout event awaiting fiscalization downstream.
type FiscalReceipt struct {
	ID                uuid.UUID           `json:"id"`
	DealID            uuid.UUID           `json:"deal_id"`
	MilestoneID       *uuid.UUID          `json:"milestone_id,omitempty"`
	RecipientOwnerID  uuid.UUID           `json:"recipient_owner_id"`
	Amount            int64               `json:"amount"` // in kopecks
	Kind              FiscalReceiptKind   `json:"kind"`
	Status            FiscalReceiptStatus `json:"status"`
	RetryCount        int                 `json:"retry_count"`
	OriginalReceiptID *uuid.UUID          `json:"original_receipt_id,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// SplitRecipientInput is the DTO for one recipient in a deal creation request.
type SplitRecipientInput struct {
	OwnerType   OwnerType       `json:"owner_type"`
	OwnerID     uuid.UUID       `json:"owner_id"`
	Role        string          `json:"role"`
	Percent     decimal.Decimal `json:"percent"`
	FixedAmount *int64          `json:"fixed_amount,omitempty"`
	IsPrimary   bool            `json:"is_primary"`
}

// MilestoneInput is the DTO for one milestone in a deal creation request.
type MilestoneInput struct {
	Percent           decimal.Decimal `json:"percent"`
	ReleaseTrigger    ReleaseTrigger  `json:"release_trigger"`
	ReleaseDelayHours *int            `json:"release_delay_hours,omitempty"`
	ReleaseDate       *time.Time      `json:"release_date,omitempty"`
}

// CreateDealRequest is the DTO for incoming deal creation API requests.
type CreateDealRequest struct {
	Amount            int64                 `json:"amount"` // in kopecks
	PaymentScheme     PaymentScheme         `json:"payment_scheme"`
	HoldDurationHours int                   `json:"hold_duration_hours"`
	AutoReleaseDays   int                   `json:"auto_release_days"`
	AdvancePercent    *decimal.Decimal      `json:"advance_percent,omitempty"` // advance_postpay only
	Recipients        []SplitRecipientInput `json:"recipients"`
	Milestones        []MilestoneInput      `json:"milestones,omitempty"`
}

// RefundRequest is the DTO for incoming refund API requests.
type RefundRequest struct {
	Amount int64  `json:"amount"` // in kopecks
	Reason string `json:"reason"`
}

// TriggerSource identifies who or what asked for a release.
type TriggerSource string

const (
	TriggerSourceManual    TriggerSource = "manual"
	TriggerSourceScheduler TriggerSource = "scheduler"
	TriggerSourceWebhook   TriggerSource = "webhook"
)

// AntifraudVerdict is the tri-state outcome of the antifraud collaborator.
// A flagged deal proceeds with an audit trail; a blocked one is rejected.
type AntifraudVerdict string

const (
	VerdictPass  AntifraudVerdict = "pass"
	VerdictFlag  AntifraudVerdict = "flag"
	VerdictBlock AntifraudVerdict = "block"
)
