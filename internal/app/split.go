/**
 * @description
 * Split & Release Calculator: computes per-recipient amounts from a deal's terms and
 * evaluates per-milestone release triggers. All money math happens on int64 kopecks;
 * percentages go through shopspring/decimal so 33.34-style terms survive exactly.
 *
 * The invariant this file defends: the sum of computed amounts always equals the net
 * payable amount exactly. Rounding residue is assigned to the designated primary
 * recipient (for splits) or to the last milestone (for milestone amounts).
 */

package app

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/estatehub/deal-service/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// SplitAmount pairs one recipient with its computed payout in kopecks.
type SplitAmount struct {
	Recipient domain.SplitRecipient
	Amount    int64
}

// ValidateSplitTerms checks a deal's recipients at terms-finalization time.
// Percent-based recipients must sum to exactly 100 and designate one primary;
// fixed-amount recipients must sum to exactly the gross amount. Mixing modes fails.
func ValidateSplitTerms(amount int64, recipients []domain.SplitRecipientInput) error {
	if len(recipients) == 0 {
		return &domain.InvalidSplitError{Msg: "at least one recipient is required"}
	}

	fixedCount := 0
	for _, r := range recipients {
		if r.FixedAmount != nil {
			fixedCount++
		}
	}

	switch fixedCount {
	case len(recipients):
		var sum int64
		for _, r := range recipients {
			if *r.FixedAmount <= 0 {
				return &domain.InvalidSplitError{Msg: "fixed amounts must be positive"}
			}
			sum += *r.FixedAmount
		}
		if sum != amount {
			return &domain.InvalidSplitError{Msg: "fixed amounts must sum to the deal amount"}
		}
		return nil
	case 0:
		total := decimal.Zero
		primaries := 0
		for _, r := range recipients {
			if r.Percent.LessThanOrEqual(decimal.Zero) {
				return &domain.InvalidSplitError{Msg: "percentages must be positive"}
			}
			total = total.Add(r.Percent)
			if r.IsPrimary {
				primaries++
			}
		}
		if !total.Equal(hundred) {
			return &domain.InvalidSplitError{Msg: "percentages must sum to 100"}
		}
		if primaries != 1 {
			return &domain.InvalidSplitError{Msg: "exactly one primary recipient must be designated"}
		}
		return nil
	default:
		return &domain.InvalidSplitError{Msg: "recipients must be all percent-based or all fixed-amount"}
	}
}

// ComputeSplit computes every recipient's share of the net payable amount. For
// percent-based terms the rounding residue (positive or negative) lands on the
// primary recipient so no kopeck is lost or created.
func ComputeSplit(netAmount int64, recipients []domain.SplitRecipient) ([]SplitAmount, error) {
	if len(recipients) == 0 {
		return nil, &domain.InvalidSplitError{Msg: "no active recipients"}
	}

	if recipients[0].FixedAmount != nil {
		amounts := make([]SplitAmount, 0, len(recipients))
		var sum int64
		for _, r := range recipients {
			if r.FixedAmount == nil {
				return nil, &domain.InvalidSplitError{Msg: "mixed fixed and percent recipients"}
			}
			amounts = append(amounts, SplitAmount{Recipient: r, Amount: *r.FixedAmount})
			sum += *r.FixedAmount
		}
		if sum != netAmount {
			return nil, &domain.InvalidSplitError{Msg: "fixed amounts do not sum to the net amount"}
		}
		return amounts, nil
	}

	net := decimal.NewFromInt(netAmount)
	amounts := make([]SplitAmount, 0, len(recipients))
	primaryIdx := -1
	var sum int64
	for i, r := range recipients {
		share := net.Mul(r.Percent).Div(hundred).Round(0).IntPart()
		amounts = append(amounts, SplitAmount{Recipient: r, Amount: share})
		sum += share
		if r.IsPrimary {
			primaryIdx = i
		}
	}
	if primaryIdx == -1 {
		return nil, &domain.InvalidSplitError{Msg: "no primary recipient to absorb rounding residue"}
	}

	amounts[primaryIdx].Amount += netAmount - sum
	if amounts[primaryIdx].Amount < 0 {
		return nil, &domain.InvalidSplitError{Msg: "rounding residue drove the primary share negative"}
	}
	return amounts, nil
}

// ComputeMilestoneAmounts splits the net amount across milestones by percent, with
// the rounding residue assigned to the last milestone.
func ComputeMilestoneAmounts(netAmount int64, milestones []domain.DealMilestone) map[uuid.UUID]int64 {
	amounts := make(map[uuid.UUID]int64, len(milestones))
	if len(milestones) == 0 {
		return amounts
	}
	net := decimal.NewFromInt(netAmount)
	var sum int64
	for _, m := range milestones {
		share := net.Mul(m.Percent).Div(hundred).Round(0).IntPart()
		amounts[m.ID] = share
		sum += share
	}
	last := milestones[len(milestones)-1].ID
	amounts[last] += netAmount - sum
	return amounts
}

// ValidateMilestones checks milestone terms: percents sum to 100, short_hold carries
// a positive delay, date carries a release date.
func ValidateMilestones(milestones []domain.MilestoneInput) error {
	if len(milestones) == 0 {
		return &domain.InvalidSplitError{Msg: "at least one milestone is required"}
	}
	total := decimal.Zero
	for _, m := range milestones {
		if m.Percent.LessThanOrEqual(decimal.Zero) {
			return &domain.InvalidSplitError{Msg: "milestone percentages must be positive"}
		}
		total = total.Add(m.Percent)
		switch m.ReleaseTrigger {
		case domain.TriggerShortHold:
			if m.ReleaseDelayHours == nil || *m.ReleaseDelayHours <= 0 {
				return &domain.InvalidSplitError{Msg: "short_hold milestones need a positive release delay"}
			}
		case domain.TriggerDate:
			if m.ReleaseDate == nil {
				return &domain.InvalidSplitError{Msg: "date milestones need a release date"}
			}
		case domain.TriggerImmediate, domain.TriggerConfirmation:
		default:
			return &domain.InvalidSplitError{Msg: "unknown release trigger"}
		}
	}
	if !total.Equal(hundred) {
		return &domain.InvalidSplitError{Msg: "milestone percentages must sum to 100"}
	}
	return nil
}

// DefaultMilestones derives milestone terms from the deal's payment scheme when the
// creation request does not spell them out.
func DefaultMilestones(scheme domain.PaymentScheme, advancePercent *decimal.Decimal, holdDurationHours int) ([]domain.MilestoneInput, error) {
	switch scheme {
	case domain.SchemePrepaymentFull:
		if holdDurationHours > 0 {
			delay := holdDurationHours
			return []domain.MilestoneInput{
				{Percent: hundred, ReleaseTrigger: domain.TriggerShortHold, ReleaseDelayHours: &delay},
			}, nil
		}
		return []domain.MilestoneInput{
			{Percent: hundred, ReleaseTrigger: domain.TriggerImmediate},
		}, nil
	case domain.SchemeAdvancePostpay:
		if advancePercent == nil || advancePercent.LessThanOrEqual(decimal.Zero) || advancePercent.GreaterThanOrEqual(hundred) {
			return nil, domain.NewValidationError("advance_postpay requires an advance percent strictly between 0 and 100")
		}
		return []domain.MilestoneInput{
			{Percent: *advancePercent, ReleaseTrigger: domain.TriggerImmediate},
			{Percent: hundred.Sub(*advancePercent), ReleaseTrigger: domain.TriggerConfirmation},
		}, nil
	case domain.SchemePostpayment:
		return []domain.MilestoneInput{
			{Percent: hundred, ReleaseTrigger: domain.TriggerConfirmation},
		}, nil
	default:
		return nil, domain.NewValidationError("unknown payment scheme %q", scheme)
	}
}

// MilestoneReady evaluates one milestone's release trigger against the deal's shared
// hold clock. All milestones of a deal measure time from hold_started_at.
func MilestoneReady(deal *domain.Deal, m *domain.DealMilestone, now time.Time) bool {
	if m.Status == domain.MilestoneReleased {
		return true
	}
	switch m.ReleaseTrigger {
	case domain.TriggerImmediate:
		return deal.BankStatus == domain.BankStatusHold
	case domain.TriggerShortHold:
		if deal.HoldStartedAt == nil || m.ReleaseDelayHours == nil {
			return false
		}
		readyAt := deal.HoldStartedAt.Add(time.Duration(*m.ReleaseDelayHours) * time.Hour)
		return !now.Before(readyAt)
	case domain.TriggerConfirmation:
		return deal.ServiceConfirmedAt != nil
	case domain.TriggerDate:
		return m.ReleaseDate != nil && !now.Before(*m.ReleaseDate)
	default:
		return false
	}
}

// AllMilestonesReady gates a deal's overall release: every milestone must be ready.
func AllMilestonesReady(deal *domain.Deal, milestones []domain.DealMilestone, now time.Time) bool {
	if len(milestones) == 0 {
		return false
	}
	for i := range milestones {
		if !MilestoneReady(deal, &milestones[i], now) {
			return false
		}
	}
	return true
}
