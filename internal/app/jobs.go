/**
 * @description
 * Background jobs run by the cron scheduler. Three sweeps keep the deal ledger
 * converged with reality:
 *
 * 1. Hold expiry: releases every deal whose auto-release deadline passed, and runs
 *    the dispute deadline sweep (timed and forced escalations).
 * 2. Reconciliation: polls the bank for deals whose local state may lag (created
 *    deals awaiting payment, held deals awaiting a missed webhook) and applies the
 *    bank's answer through the same state machine webhooks use.
 * 3. DLQ retry: replays dead-lettered webhook events with a retry ceiling, and
 *    purges expired idempotency keys.
 *
 * Each sweep processes a bounded batch per tick so a backlog cannot stall the
 * scheduler.
 *
 * @dependencies
 * - context, errors, log, time: Standard Go libraries.
 * - internal/domain, internal/store, pkg/bankclient: Models, persistence, bank polling.
 */

package app

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/estatehub/deal-service/internal/domain"
	"github.com/estatehub/deal-service/internal/store"
	"github.com/estatehub/deal-service/pkg/bankclient"
)

// Batch ceilings per sweep tick.
const (
	autoReleaseBatchSize    = 100
	reconciliationBatchSize = 50
	dlqBatchSize            = 25
	dlqMaxRetries           = 5
)

// reconcileStaleness is how long a non-terminal deal may go untouched before the
// reconciliation sweep polls the bank for it.
const reconcileStaleness = 5 * time.Minute

// Jobs bundles the background sweeps with their collaborators.
type Jobs struct {
	repo      store.Repository
	service   *Service
	disputes  *DisputeService
	processor *WebhookProcessor
	gateway   bankclient.Gateway
	now       func() time.Time
}

// NewJobs wires the sweep suite.
func NewJobs(repo store.Repository, service *Service, disputes *DisputeService, processor *WebhookProcessor, gateway bankclient.Gateway) *Jobs {
	return &Jobs{
		repo:      repo,
		service:   service,
		disputes:  disputes,
		processor: processor,
		gateway:   gateway,
		now:       time.Now,
	}
}

// RunHoldExpirySweep releases overdue held deals and enforces dispute deadlines.
func (j *Jobs) RunHoldExpirySweep(ctx context.Context) {
	now := j.now().UTC()

	deals, err := j.repo.FindDealsForAutoRelease(ctx, now, autoReleaseBatchSize)
	if err != nil {
		log.Printf("level=error component=jobs job=hold_expiry msg=\"auto-release query failed\" err=%v", err)
	} else {
		released := 0
		for i := range deals {
			dealID := deals[i].ID
			err := j.service.RequestRelease(ctx, dealID, domain.TriggerSourceScheduler)
			switch {
			case err == nil:
				released++
			case errors.Is(err, domain.ErrDisputeLocked):
				// Disputed deals stay held past their deadline until resolution.
			default:
				var conflict *domain.ConflictError
				if errors.As(err, &conflict) {
					log.Printf("level=info component=jobs job=hold_expiry deal_id=%s msg=\"release deferred\" reason=%v", dealID, err)
				} else {
					log.Printf("level=error component=jobs job=hold_expiry deal_id=%s msg=\"auto-release failed\" err=%v", dealID, err)
				}
			}
		}
		if len(deals) > 0 {
			log.Printf("level=info component=jobs job=hold_expiry candidates=%d released=%d", len(deals), released)
		}
	}

	touched, err := j.disputes.SweepDeadlines(ctx, autoReleaseBatchSize)
	if err != nil {
		log.Printf("level=error component=jobs job=hold_expiry msg=\"dispute deadline sweep failed\" err=%v", err)
	} else if touched > 0 {
		log.Printf("level=info component=jobs job=hold_expiry disputes_escalated=%d", touched)
	}
}

// RunReconciliation polls the bank for stale non-terminal deals and applies the
// authoritative state.
func (j *Jobs) RunReconciliation(ctx context.Context) {
	cutoff := j.now().UTC().Add(-reconcileStaleness)

	deals, err := j.repo.FindDealsPendingReconciliation(ctx, cutoff, reconciliationBatchSize)
	if err != nil {
		log.Printf("level=error component=jobs job=reconciliation msg=\"candidate query failed\" err=%v", err)
		return
	}

	for i := range deals {
		deal := &deals[i]
		if deal.BankDealID == nil {
			continue
		}
		if err := j.reconcileDeal(ctx, deal); err != nil {
			if errors.Is(err, bankclient.ErrCircuitOpen) {
				log.Printf("level=warn component=jobs job=reconciliation msg=\"bank circuit open; sweep aborted\"")
				return
			}
			log.Printf("level=error component=jobs job=reconciliation deal_id=%s msg=\"reconcile failed\" err=%v", deal.ID, err)
		}
	}
}

// reconcileDeal applies one bank state answer. Unknown bank statuses are logged and
// left alone rather than guessed at.
func (j *Jobs) reconcileDeal(ctx context.Context, deal *domain.Deal) error {
	resp, err := j.gateway.GetDealState(ctx, *deal.BankDealID)
	if err != nil {
		return err
	}

	switch resp.Status {
	case "paid", "hold":
		if deal.BankStatus == domain.BankStatusCreated {
			log.Printf("level=warn component=jobs job=reconciliation deal_id=%s msg=\"bank is ahead; applying missed payment\" bank_status=%s", deal.ID, resp.Status)
			return j.service.MarkPaid(ctx, deal.ID, 0)
		}
	case "released", "completed":
		if deal.BankStatus != domain.BankStatusReleased {
			log.Printf("level=warn component=jobs job=reconciliation deal_id=%s msg=\"bank is ahead; applying missed release\"", deal.ID)
			return j.service.ApplyBankRelease(ctx, deal.ID)
		}
	case "cancelled":
		if deal.BankStatus != domain.BankStatusCancelled {
			log.Printf("level=warn component=jobs job=reconciliation deal_id=%s msg=\"bank is ahead; applying missed cancel\"", deal.ID)
			return j.service.ApplyBankCancel(ctx, deal.ID)
		}
	case "refunded":
		if deal.BankStatus != domain.BankStatusRefunded {
			log.Printf("level=warn component=jobs job=reconciliation deal_id=%s msg=\"bank is ahead; applying missed refund\"", deal.ID)
			return j.service.ApplyBankRefund(ctx, deal.ID, 0)
		}
	case "created":
		// Bank agrees nothing happened yet.
	default:
		log.Printf("level=warn component=jobs job=reconciliation deal_id=%s bank_status=%q msg=\"unrecognized bank state; left untouched\"", deal.ID, resp.Status)
	}
	return nil
}

// RunDLQRetry replays dead-lettered webhook events and purges expired idempotency keys.
func (j *Jobs) RunDLQRetry(ctx context.Context) {
	entries, err := j.repo.FindUnresolvedDLQEntries(ctx, dlqMaxRetries, dlqBatchSize)
	if err != nil {
		log.Printf("level=error component=jobs job=dlq_retry msg=\"dlq query failed\" err=%v", err)
	} else {
		for i := range entries {
			entry := &entries[i]
			if err := j.processor.Redispatch(ctx, entry); err != nil {
				if incErr := j.repo.IncrementDLQRetry(ctx, entry.ID, err.Error()); incErr != nil {
					log.Printf("level=error component=jobs job=dlq_retry entry_id=%s msg=\"retry bookkeeping failed\" err=%v", entry.ID, incErr)
				}
				log.Printf("level=warn component=jobs job=dlq_retry entry_id=%s retry=%d msg=\"replay failed\" err=%v", entry.ID, entry.RetryCount+1, err)
				continue
			}
			if err := j.repo.MarkDLQResolved(ctx, entry.ID); err != nil {
				log.Printf("level=error component=jobs job=dlq_retry entry_id=%s msg=\"resolve bookkeeping failed\" err=%v", entry.ID, err)
				continue
			}
			log.Printf("level=info component=jobs job=dlq_retry entry_id=%s event_type=%s msg=\"replay succeeded\"", entry.ID, entry.EventType)
		}
	}

	purged, err := j.repo.PurgeExpiredIdempotencyKeys(ctx, j.now().UTC())
	if err != nil {
		log.Printf("level=error component=jobs job=dlq_retry msg=\"idempotency purge failed\" err=%v", err)
	} else if purged > 0 {
		log.Printf("level=info component=jobs job=dlq_retry idempotency_keys_purged=%d", purged)
	}
}
