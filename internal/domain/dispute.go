/**
 * @description
 * Dispute domain model and its closed status/resolution vocabularies. A dispute locks
 * its deal's release capability for as long as it stays non-terminal, and carries the
 * three deadlines the escalation engine enforces.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// DisputeStatus is the lifecycle state of a dispute.
type DisputeStatus string

const (
	DisputeOpen           DisputeStatus = "open"
	DisputeAgencyReview   DisputeStatus = "agency_review"
	DisputePlatformReview DisputeStatus = "platform_review"
	DisputeResolved       DisputeStatus = "resolved"
	DisputeRejected       DisputeStatus = "rejected"
	DisputeCancelled      DisputeStatus = "cancelled"
)

// IsTerminal reports whether the dispute can no longer change state.
func (s DisputeStatus) IsTerminal() bool {
	return s == DisputeResolved || s == DisputeRejected || s == DisputeCancelled
}

// EscalationLevel is the tier currently responsible for deciding an open dispute.
type EscalationLevel string

const (
	EscalationAgency   EscalationLevel = "agency"
	EscalationPlatform EscalationLevel = "platform"
)

// DisputeResolution is the terminal outcome chosen by the resolver.
type DisputeResolution string

const (
	ResolutionFullRefund      DisputeResolution = "full_refund"
	ResolutionPartialRefund   DisputeResolution = "partial_refund"
	ResolutionNoRefund        DisputeResolution = "no_refund"
	ResolutionSplitAdjustment DisputeResolution = "split_adjustment"
)

// Deadline windows for dispute escalation.
const (
	AgencyDeadlineWindow   = 24 * time.Hour
	PlatformDeadlineWindow = 72 * time.Hour
	MaxDeadlineWindow      = 7 * 24 * time.Hour
)

// Dispute belongs to a Deal and is owned by the escalation engine until terminal.
type Dispute struct {
	ID               uuid.UUID          `json:"id"`
	DealID           uuid.UUID          `json:"deal_id"`
	Status           DisputeStatus      `json:"status"`
	EscalationLevel  EscalationLevel    `json:"escalation_level"`
	Reason           string             `json:"reason"`
	EvidenceKey      *string            `json:"evidence_key,omitempty"`   // object-storage key, stored opaquely
	ContractHash     *string            `json:"contract_hash,omitempty"`  // document hash from the contract collaborator
	AgencyDeadline   time.Time          `json:"agency_deadline"`
	PlatformDeadline *time.Time         `json:"platform_deadline,omitempty"`
	MaxDeadline      time.Time          `json:"max_deadline"`
	EscalatedAt      *time.Time         `json:"escalated_at,omitempty"`
	Resolution       *DisputeResolution `json:"resolution,omitempty"`
	RefundAmount     *int64             `json:"refund_amount,omitempty"` // in kopecks, partial_refund only
	OpenedBy         uuid.UUID          `json:"opened_by"`
	ResolvedBy       *uuid.UUID         `json:"resolved_by,omitempty"`
	ResolvedAt       *time.Time         `json:"resolved_at,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// OpenDisputeRequest is the DTO for opening a dispute against a deal.
type OpenDisputeRequest struct {
	Reason       string  `json:"reason"`
	EvidenceKey  *string `json:"evidence_key,omitempty"`
	ContractHash *string `json:"contract_hash,omitempty"`
}

// ResolveDisputeRequest is the DTO for the terminal resolution action.
type ResolveDisputeRequest struct {
	Resolution   DisputeResolution `json:"resolution"`
	RefundAmount *int64            `json:"refund_amount,omitempty"`
}
