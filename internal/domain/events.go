/**
 * @description
 * Payloads for the domain events this service publishes to RabbitMQ for downstream
 * fiscalization and notification consumers. These are the only side channels through
 * which other services observe the deal engine.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// DealPaidEvent is published when the bank confirms funds arrived on the nominal account.
type DealPaidEvent struct {
	DealID        uuid.UUID `json:"deal_id"`
	Amount        int64     `json:"amount"`
	BankFee       int64     `json:"bank_fee"`
	HoldStartedAt time.Time `json:"hold_started_at"`
	AutoReleaseAt time.Time `json:"auto_release_at"`
	Timestamp     time.Time `json:"timestamp"`
}

// DealReleasedEvent is published once every milestone of a deal has been paid out.
type DealReleasedEvent struct {
	DealID    uuid.UUID     `json:"deal_id"`
	NetAmount int64         `json:"net_amount"`
	Trigger   TriggerSource `json:"trigger"`
	Timestamp time.Time     `json:"timestamp"`
}

// DealRefundedEvent is published when funds return to the payer.
type DealRefundedEvent struct {
	DealID    uuid.UUID `json:"deal_id"`
	Amount    int64     `json:"amount"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// DealCancelledEvent is published when a deal is cancelled before release.
type DealCancelledEvent struct {
	DealID    uuid.UUID `json:"deal_id"`
	Timestamp time.Time `json:"timestamp"`
}

// MilestoneReleasedEvent is published per milestone payout, before the deal-level
// released event.
type MilestoneReleasedEvent struct {
	DealID      uuid.UUID `json:"deal_id"`
	MilestoneID uuid.UUID `json:"milestone_id"`
	Amount      int64     `json:"amount"`
	Timestamp   time.Time `json:"timestamp"`
}

// DisputeEscalatedEvent is published on both timed and forced escalation.
type DisputeEscalatedEvent struct {
	DisputeID uuid.UUID       `json:"dispute_id"`
	DealID    uuid.UUID       `json:"deal_id"`
	Level     EscalationLevel `json:"level"`
	Forced    bool            `json:"forced"` // true when the max deadline ceiling fired
	Timestamp time.Time       `json:"timestamp"`
}
