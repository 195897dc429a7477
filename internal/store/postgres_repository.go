/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the necessary SQL queries to interact with the database tables
 * related to deals, split recipients, milestones, bank events, idempotency keys,
 * the webhook dead-letter queue, disputes, and fiscal receipts.
 *
 * The Deal row is the unit of consistency: every mutation touching a deal together
 * with its milestones or disputes runs inside one pgx transaction.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/estatehub/deal-service/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const dealColumns = `id, bank_deal_id, amount, bank_fee, bank_status, payment_scheme,
	dispute_locked, hold_started_at, auto_release_at, hold_duration_hours,
	auto_release_days, service_confirmed_at, created_at, updated_at`

func scanDeal(row pgx.Row) (*domain.Deal, error) {
	var d domain.Deal
	err := row.Scan(
		&d.ID, &d.BankDealID, &d.Amount, &d.BankFee, &d.BankStatus, &d.PaymentScheme,
		&d.DisputeLocked, &d.HoldStartedAt, &d.AutoReleaseAt, &d.HoldDurationHours,
		&d.AutoReleaseDays, &d.ServiceConfirmedAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrDealNotFound
		}
		return nil, err
	}
	return &d, nil
}

// CreateDealWithTerms inserts the deal aggregate (deal + recipients + milestones)
// atomically. Terms are immutable once the deal enters `paid`.
func (r *PostgresRepository) CreateDealWithTerms(ctx context.Context, deal *domain.Deal, recipients []domain.SplitRecipient, milestones []domain.DealMilestone) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin deal creation: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO deals (id, amount, bank_fee, bank_status, payment_scheme, dispute_locked,
			hold_duration_hours, auto_release_days, created_at, updated_at)
		VALUES ($1, $2, 0, $3, $4, false, $5, $6, now(), now())`,
		deal.ID, deal.Amount, deal.BankStatus, deal.PaymentScheme,
		deal.HoldDurationHours, deal.AutoReleaseDays,
	)
	if err != nil {
		return fmt.Errorf("insert deal: %w", err)
	}

	for i := range recipients {
		rec := &recipients[i]
		_, err = tx.Exec(ctx, `
			INSERT INTO split_recipients (id, deal_id, owner_type, owner_id, role, percent,
				fixed_amount, is_primary, active, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, true, now())`,
			rec.ID, deal.ID, rec.OwnerType, rec.OwnerID, rec.Role, rec.Percent,
			rec.FixedAmount, rec.IsPrimary,
		)
		if err != nil {
			return fmt.Errorf("insert split recipient: %w", err)
		}
	}

	for i := range milestones {
		m := &milestones[i]
		_, err = tx.Exec(ctx, `
			INSERT INTO deal_milestones (id, deal_id, percent, release_trigger,
				release_delay_hours, release_date, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())`,
			m.ID, deal.ID, m.Percent, m.ReleaseTrigger, m.ReleaseDelayHours,
			m.ReleaseDate, m.Status,
		)
		if err != nil {
			return fmt.Errorf("insert milestone: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// FindDealByID retrieves a deal from the database by its ID.
func (r *PostgresRepository) FindDealByID(ctx context.Context, dealID uuid.UUID) (*domain.Deal, error) {
	return scanDeal(r.db.QueryRow(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1`, dealID))
}

// FindDealByBankDealID retrieves a deal by the identifier the bank assigned to it.
func (r *PostgresRepository) FindDealByBankDealID(ctx context.Context, bankDealID string) (*domain.Deal, error) {
	return scanDeal(r.db.QueryRow(ctx, `SELECT `+dealColumns+` FROM deals WHERE bank_deal_id = $1`, bankDealID))
}

// ActivateDeal records the bank-side deal id and moves not_created -> created.
func (r *PostgresRepository) ActivateDeal(ctx context.Context, dealID uuid.UUID, bankDealID string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE deals SET bank_deal_id = $2, bank_status = $3, updated_at = now()
		WHERE id = $1 AND bank_status = $4`,
		dealID, bankDealID, domain.BankStatusCreated, domain.BankStatusNotCreated,
	)
	if err != nil {
		return fmt.Errorf("activate deal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleDealStatus
	}
	return nil
}

// MarkDealPaidAndHold applies the paid webhook atomically: the deal records the bank
// fee, enters the hold window, and all pending milestones move to `hold`.
func (r *PostgresRepository) MarkDealPaidAndHold(ctx context.Context, dealID uuid.UUID, bankFee int64, holdStartedAt, autoReleaseAt time.Time) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin paid transition: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE deals SET bank_status = $2, bank_fee = $3, hold_started_at = $4,
			auto_release_at = $5, updated_at = now()
		WHERE id = $1 AND bank_status IN ($6, $7)`,
		dealID, domain.BankStatusHold, bankFee, holdStartedAt, autoReleaseAt,
		domain.BankStatusCreated, domain.BankStatusPaid,
	)
	if err != nil {
		return fmt.Errorf("mark deal paid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleDealStatus
	}

	_, err = tx.Exec(ctx, `
		UPDATE deal_milestones SET status = $2, updated_at = now()
		WHERE deal_id = $1 AND status = $3`,
		dealID, domain.MilestoneHold, domain.MilestonePending,
	)
	if err != nil {
		return fmt.Errorf("hold milestones: %w", err)
	}

	return tx.Commit(ctx)
}

// MarkDealReleased finalizes a deal after all milestone payouts succeeded. The
// dispute_locked guard is repeated here so a dispute opened mid-release loses cleanly.
func (r *PostgresRepository) MarkDealReleased(ctx context.Context, dealID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE deals SET bank_status = $2, updated_at = now()
		WHERE id = $1 AND bank_status = $3 AND dispute_locked = false`,
		dealID, domain.BankStatusReleased, domain.BankStatusHold,
	)
	if err != nil {
		return fmt.Errorf("mark deal released: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleDealStatus
	}
	return nil
}

// MarkDealCancelled moves the deal to cancelled from any pre-release state.
func (r *PostgresRepository) MarkDealCancelled(ctx context.Context, dealID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE deals SET bank_status = $2, updated_at = now()
		WHERE id = $1 AND bank_status IN ($3, $4, $5)`,
		dealID, domain.BankStatusCancelled,
		domain.BankStatusCreated, domain.BankStatusPaid, domain.BankStatusHold,
	)
	if err != nil {
		return fmt.Errorf("mark deal cancelled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleDealStatus
	}
	return nil
}

// MarkDealRefunded moves the deal to refunded from any pre-release state.
func (r *PostgresRepository) MarkDealRefunded(ctx context.Context, dealID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE deals SET bank_status = $2, updated_at = now()
		WHERE id = $1 AND bank_status IN ($3, $4, $5)`,
		dealID, domain.BankStatusRefunded,
		domain.BankStatusCreated, domain.BankStatusPaid, domain.BankStatusHold,
	)
	if err != nil {
		return fmt.Errorf("mark deal refunded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleDealStatus
	}
	return nil
}

// SetServiceConfirmed records the service-completion confirmation consumed by
// `confirmation` milestone triggers. Idempotent: the first timestamp wins.
func (r *PostgresRepository) SetServiceConfirmed(ctx context.Context, dealID uuid.UUID, confirmedAt time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE deals SET service_confirmed_at = COALESCE(service_confirmed_at, $2), updated_at = now()
		WHERE id = $1`,
		dealID, confirmedAt,
	)
	if err != nil {
		return fmt.Errorf("set service confirmed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDealNotFound
	}
	return nil
}

// SetDisputeLocked flips the deal's release lock.
func (r *PostgresRepository) SetDisputeLocked(ctx context.Context, dealID uuid.UUID, locked bool) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE deals SET dispute_locked = $2, updated_at = now() WHERE id = $1`,
		dealID, locked,
	)
	if err != nil {
		return fmt.Errorf("set dispute lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDealNotFound
	}
	return nil
}

// FindDealsForAutoRelease returns held, unlocked deals whose auto-release time passed.
func (r *PostgresRepository) FindDealsForAutoRelease(ctx context.Context, now time.Time, limit int) ([]domain.Deal, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+dealColumns+` FROM deals
		WHERE bank_status = $1 AND dispute_locked = false AND auto_release_at <= $2
		ORDER BY auto_release_at ASC
		LIMIT $3`,
		domain.BankStatusHold, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query auto-release deals: %w", err)
	}
	defer rows.Close()
	return collectDeals(rows)
}

// FindDealsPendingReconciliation returns deals stuck in a pre-hold bank state that
// have not been touched recently; the reconciliation job polls the bank for them.
func (r *PostgresRepository) FindDealsPendingReconciliation(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Deal, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+dealColumns+` FROM deals
		WHERE bank_status IN ($1, $2) AND updated_at < $3
		ORDER BY updated_at ASC
		LIMIT $4`,
		domain.BankStatusCreated, domain.BankStatusPaid, updatedBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query reconciliation deals: %w", err)
	}
	defer rows.Close()
	return collectDeals(rows)
}

func collectDeals(rows pgx.Rows) ([]domain.Deal, error) {
	var deals []domain.Deal
	for rows.Next() {
		var d domain.Deal
		if err := rows.Scan(
			&d.ID, &d.BankDealID, &d.Amount, &d.BankFee, &d.BankStatus, &d.PaymentScheme,
			&d.DisputeLocked, &d.HoldStartedAt, &d.AutoReleaseAt, &d.HoldDurationHours,
			&d.AutoReleaseDays, &d.ServiceConfirmedAt, &d.CreatedAt, &d.UpdatedAt,
		); err != nil {
			return nil, err
		}
		deals = append(deals, d)
	}
	return deals, rows.Err()
}

// FindSplitRecipientsByDealID returns the active recipients for a deal.
func (r *PostgresRepository) FindSplitRecipientsByDealID(ctx context.Context, dealID uuid.UUID) ([]domain.SplitRecipient, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, deal_id, owner_type, owner_id, role, percent, fixed_amount,
			is_primary, active, created_at
		FROM split_recipients
		WHERE deal_id = $1 AND active = true
		ORDER BY created_at ASC`,
		dealID,
	)
	if err != nil {
		return nil, fmt.Errorf("query split recipients: %w", err)
	}
	defer rows.Close()

	var recipients []domain.SplitRecipient
	for rows.Next() {
		var rec domain.SplitRecipient
		if err := rows.Scan(
			&rec.ID, &rec.DealID, &rec.OwnerType, &rec.OwnerID, &rec.Role, &rec.Percent,
			&rec.FixedAmount, &rec.IsPrimary, &rec.Active, &rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		recipients = append(recipients, rec)
	}
	return recipients, rows.Err()
}

// FindMilestonesByDealID returns a deal's milestones in creation order.
func (r *PostgresRepository) FindMilestonesByDealID(ctx context.Context, dealID uuid.UUID) ([]domain.DealMilestone, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, deal_id, percent, release_trigger, release_delay_hours, release_date,
			status, bank_release_id, released_at, failure_reason, created_at, updated_at
		FROM deal_milestones
		WHERE deal_id = $1
		ORDER BY created_at ASC`,
		dealID,
	)
	if err != nil {
		return nil, fmt.Errorf("query milestones: %w", err)
	}
	defer rows.Close()

	var milestones []domain.DealMilestone
	for rows.Next() {
		var m domain.DealMilestone
		if err := rows.Scan(
			&m.ID, &m.DealID, &m.Percent, &m.ReleaseTrigger, &m.ReleaseDelayHours,
			&m.ReleaseDate, &m.Status, &m.BankReleaseID, &m.ReleasedAt, &m.FailureReason,
			&m.CreatedAt, &m.UpdatedAt,
		); err != nil {
			return nil, err
		}
		milestones = append(milestones, m)
	}
	return milestones, rows.Err()
}

// MarkMilestoneReleased records a successful per-milestone payout. Conditional on the
// milestone still being in `hold` so replays and racing releases are no-ops.
func (r *PostgresRepository) MarkMilestoneReleased(ctx context.Context, milestoneID uuid.UUID, bankReleaseID string, releasedAt time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE deal_milestones
		SET status = $2, bank_release_id = $3, released_at = $4, failure_reason = NULL, updated_at = now()
		WHERE id = $1 AND status IN ($5, $6)`,
		milestoneID, domain.MilestoneReleased, bankReleaseID, releasedAt,
		domain.MilestoneHold, domain.MilestoneFailed,
	)
	if err != nil {
		return fmt.Errorf("mark milestone released: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMilestoneNotFound
	}
	return nil
}

// MarkMilestoneFailed records a failed payout attempt for later retry.
func (r *PostgresRepository) MarkMilestoneFailed(ctx context.Context, milestoneID uuid.UUID, reason string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE deal_milestones SET status = $2, failure_reason = $3, updated_at = now()
		WHERE id = $1 AND status = $4`,
		milestoneID, domain.MilestoneFailed, reason, domain.MilestoneHold,
	)
	if err != nil {
		return fmt.Errorf("mark milestone failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMilestoneNotFound
	}
	return nil
}

// InsertBankEvent records an inbound webhook exactly once per idempotency key. The
// unique constraint on idempotency_key is the source of truth for "already handled":
// when the insert is skipped the previously recorded event is returned instead.
func (r *PostgresRepository) InsertBankEvent(ctx context.Context, event *domain.BankEvent) (bool, *domain.BankEvent, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO bank_events (id, idempotency_key, event_type, payload, outcome, error_message, deal_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (idempotency_key) DO NOTHING`,
		event.ID, event.IdempotencyKey, event.EventType, event.Payload,
		event.Outcome, event.ErrorMessage, event.DealID,
	)
	if err != nil {
		return false, nil, fmt.Errorf("insert bank event: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil, nil
	}

	var existing domain.BankEvent
	err = r.db.QueryRow(ctx, `
		SELECT id, idempotency_key, event_type, payload, outcome, error_message, deal_id, created_at
		FROM bank_events WHERE idempotency_key = $1`,
		event.IdempotencyKey,
	).Scan(
		&existing.ID, &existing.IdempotencyKey, &existing.EventType, &existing.Payload,
		&existing.Outcome, &existing.ErrorMessage, &existing.DealID, &existing.CreatedAt,
	)
	if err != nil {
		return false, nil, fmt.Errorf("load existing bank event: %w", err)
	}
	return false, &existing, nil
}

// UpdateBankEventOutcome records the processing outcome for a bank event. A later
// successful retry overwrites a recorded failure; a nil dealID keeps whatever deal
// reference is already stored.
func (r *PostgresRepository) UpdateBankEventOutcome(ctx context.Context, eventID uuid.UUID, outcome domain.EventOutcome, errorMessage *string, dealID *uuid.UUID) error {
	_, err := r.db.Exec(ctx,
		`UPDATE bank_events SET outcome = $2, error_message = $3, deal_id = COALESCE($4, deal_id) WHERE id = $1`,
		eventID, outcome, errorMessage, dealID,
	)
	if err != nil {
		return fmt.Errorf("update bank event outcome: %w", err)
	}
	return nil
}

// InsertIdempotencyKey claims an outbound idempotency key. When the key already
// exists the stored record is returned so the caller can compare request hashes.
func (r *PostgresRepository) InsertIdempotencyKey(ctx context.Context, rec *domain.IdempotencyKey) (bool, *domain.IdempotencyKey, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO idempotency_keys (key, operation, deal_id, request_hash, response, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (key) DO NOTHING`,
		rec.Key, rec.Operation, rec.DealID, rec.RequestHash, rec.Response, rec.ExpiresAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			return false, nil, fmt.Errorf("insert idempotency key (%s): %w", pgErr.Code, err)
		}
		return false, nil, fmt.Errorf("insert idempotency key: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil, nil
	}

	var existing domain.IdempotencyKey
	err = r.db.QueryRow(ctx, `
		SELECT key, operation, deal_id, request_hash, response, expires_at, created_at
		FROM idempotency_keys WHERE key = $1`,
		rec.Key,
	).Scan(
		&existing.Key, &existing.Operation, &existing.DealID, &existing.RequestHash,
		&existing.Response, &existing.ExpiresAt, &existing.CreatedAt,
	)
	if err != nil {
		return false, nil, fmt.Errorf("load existing idempotency key: %w", err)
	}
	return false, &existing, nil
}

// SaveIdempotencyResponse caches the successful response for future replays.
func (r *PostgresRepository) SaveIdempotencyResponse(ctx context.Context, key string, response json.RawMessage) error {
	_, err := r.db.Exec(ctx,
		`UPDATE idempotency_keys SET response = $2 WHERE key = $1`,
		key, response,
	)
	if err != nil {
		return fmt.Errorf("save idempotency response: %w", err)
	}
	return nil
}

// PurgeExpiredIdempotencyKeys removes keys past their TTL so key values can be
// logically reused.
func (r *PostgresRepository) PurgeExpiredIdempotencyKeys(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}

// InsertDLQEntry appends a failed event to the dead-letter queue.
func (r *PostgresRepository) InsertDLQEntry(ctx context.Context, entry *domain.WebhookDLQEntry) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO webhook_dlq (id, bank_event_id, event_type, payload, error_message, retry_count, deal_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		entry.ID, entry.EventID, entry.EventType, entry.Payload, entry.ErrorMessage, entry.RetryCount, entry.DealID,
	)
	if err != nil {
		return fmt.Errorf("insert dlq entry: %w", err)
	}
	return nil
}

// FindDLQEntryByID loads a single dead-letter entry.
func (r *PostgresRepository) FindDLQEntryByID(ctx context.Context, entryID uuid.UUID) (*domain.WebhookDLQEntry, error) {
	var e domain.WebhookDLQEntry
	err := r.db.QueryRow(ctx, `
		SELECT id, bank_event_id, event_type, payload, error_message, retry_count, deal_id, resolved_at, created_at
		FROM webhook_dlq
		WHERE id = $1`,
		entryID,
	).Scan(
		&e.ID, &e.EventID, &e.EventType, &e.Payload, &e.ErrorMessage, &e.RetryCount,
		&e.DealID, &e.ResolvedAt, &e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDLQEntryNotFound
		}
		return nil, fmt.Errorf("find dlq entry: %w", err)
	}
	return &e, nil
}

// FindUnresolvedDLQEntries returns entries still eligible for reprocessing.
func (r *PostgresRepository) FindUnresolvedDLQEntries(ctx context.Context, maxRetries int, limit int) ([]domain.WebhookDLQEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, bank_event_id, event_type, payload, error_message, retry_count, deal_id, resolved_at, created_at
		FROM webhook_dlq
		WHERE resolved_at IS NULL AND retry_count < $1
		ORDER BY created_at ASC
		LIMIT $2`,
		maxRetries, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query dlq entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.WebhookDLQEntry
	for rows.Next() {
		var e domain.WebhookDLQEntry
		if err := rows.Scan(
			&e.ID, &e.EventID, &e.EventType, &e.Payload, &e.ErrorMessage, &e.RetryCount,
			&e.DealID, &e.ResolvedAt, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// IncrementDLQRetry bumps the retry counter after another failed attempt.
func (r *PostgresRepository) IncrementDLQRetry(ctx context.Context, entryID uuid.UUID, errorMessage string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE webhook_dlq SET retry_count = retry_count + 1, error_message = $2 WHERE id = $1`,
		entryID, errorMessage,
	)
	if err != nil {
		return fmt.Errorf("increment dlq retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDLQEntryNotFound
	}
	return nil
}

// MarkDLQResolved closes a dead-letter entry after successful reprocessing.
func (r *PostgresRepository) MarkDLQResolved(ctx context.Context, entryID uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE webhook_dlq SET resolved_at = now() WHERE id = $1 AND resolved_at IS NULL`,
		entryID,
	)
	if err != nil {
		return fmt.Errorf("mark dlq resolved: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDLQEntryNotFound
	}
	return nil
}

// CreateDisputeAndLockDeal inserts the dispute and sets dispute_locked atomically.
// A partial unique index on disputes(deal_id) WHERE status NOT IN (terminal states)
// enforces the one-open-dispute invariant; its violation maps to ErrDisputeAlreadyOpen.
func (r *PostgresRepository) CreateDisputeAndLockDeal(ctx context.Context, dispute *domain.Dispute) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin dispute creation: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO disputes (id, deal_id, status, escalation_level, reason, evidence_key,
			contract_hash, agency_deadline, max_deadline, opened_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())`,
		dispute.ID, dispute.DealID, dispute.Status, dispute.EscalationLevel, dispute.Reason,
		dispute.EvidenceKey, dispute.ContractHash, dispute.AgencyDeadline, dispute.MaxDeadline,
		dispute.OpenedBy,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrDisputeAlreadyOpen
		}
		return fmt.Errorf("insert dispute: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE deals SET dispute_locked = true, updated_at = now() WHERE id = $1`,
		dispute.DealID,
	)
	if err != nil {
		return fmt.Errorf("lock deal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDealNotFound
	}

	return tx.Commit(ctx)
}

const disputeColumns = `id, deal_id, status, escalation_level, reason, evidence_key,
	contract_hash, agency_deadline, platform_deadline, max_deadline, escalated_at,
	resolution, refund_amount, opened_by, resolved_by, resolved_at, created_at, updated_at`

func scanDispute(row pgx.Row) (*domain.Dispute, error) {
	var d domain.Dispute
	err := row.Scan(
		&d.ID, &d.DealID, &d.Status, &d.EscalationLevel, &d.Reason, &d.EvidenceKey,
		&d.ContractHash, &d.AgencyDeadline, &d.PlatformDeadline, &d.MaxDeadline, &d.EscalatedAt,
		&d.Resolution, &d.RefundAmount, &d.OpenedBy, &d.ResolvedBy, &d.ResolvedAt,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrDisputeNotFound
		}
		return nil, err
	}
	return &d, nil
}

// FindDisputeByID retrieves a dispute by its ID.
func (r *PostgresRepository) FindDisputeByID(ctx context.Context, disputeID uuid.UUID) (*domain.Dispute, error) {
	return scanDispute(r.db.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, disputeID))
}

// FindOpenDisputeByDealID retrieves the single non-terminal dispute for a deal, if any.
func (r *PostgresRepository) FindOpenDisputeByDealID(ctx context.Context, dealID uuid.UUID) (*domain.Dispute, error) {
	return scanDispute(r.db.QueryRow(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE deal_id = $1 AND status NOT IN ($2, $3, $4)`,
		dealID, domain.DisputeResolved, domain.DisputeRejected, domain.DisputeCancelled,
	))
}

// EscalateDispute raises the escalation level. Conditional on the dispute still being
// non-terminal and below the target level so a racing resolution wins.
func (r *PostgresRepository) EscalateDispute(ctx context.Context, disputeID uuid.UUID, level domain.EscalationLevel, status domain.DisputeStatus, platformDeadline time.Time, escalatedAt time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE disputes
		SET escalation_level = $2, status = $3, platform_deadline = $4, escalated_at = $5, updated_at = now()
		WHERE id = $1 AND escalation_level <> $2 AND status NOT IN ($6, $7, $8)`,
		disputeID, level, status, platformDeadline, escalatedAt,
		domain.DisputeResolved, domain.DisputeRejected, domain.DisputeCancelled,
	)
	if err != nil {
		return fmt.Errorf("escalate dispute: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

// MarkDisputeAgencyReview moves a freshly opened dispute into agency review.
func (r *PostgresRepository) MarkDisputeAgencyReview(ctx context.Context, disputeID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE disputes SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3`,
		disputeID, domain.DisputeAgencyReview, domain.DisputeOpen,
	)
	if err != nil {
		return fmt.Errorf("mark dispute agency review: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

// ResolveDisputeAndUnlockDeal finalizes the dispute and clears the deal's release
// lock atomically.
func (r *PostgresRepository) ResolveDisputeAndUnlockDeal(ctx context.Context, disputeID uuid.UUID, status domain.DisputeStatus, resolution domain.DisputeResolution, refundAmount *int64, resolvedBy uuid.UUID, resolvedAt time.Time) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin dispute resolution: %w", err)
	}
	defer tx.Rollback(ctx)

	var dealID uuid.UUID
	err = tx.QueryRow(ctx, `
		UPDATE disputes
		SET status = $2, resolution = $3, refund_amount = $4, resolved_by = $5,
			resolved_at = $6, updated_at = now()
		WHERE id = $1 AND status NOT IN ($7, $8, $9)
		RETURNING deal_id`,
		disputeID, status, resolution, refundAmount, resolvedBy, resolvedAt,
		domain.DisputeResolved, domain.DisputeRejected, domain.DisputeCancelled,
	).Scan(&dealID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrDisputeNotFound
		}
		return fmt.Errorf("resolve dispute: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE deals SET dispute_locked = false, updated_at = now() WHERE id = $1`,
		dealID,
	); err != nil {
		return fmt.Errorf("unlock deal: %w", err)
	}

	return tx.Commit(ctx)
}

// FindDisputesPastAgencyDeadline returns agency-level disputes whose 24h window
// elapsed without a decision.
func (r *PostgresRepository) FindDisputesPastAgencyDeadline(ctx context.Context, now time.Time, limit int) ([]domain.Dispute, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE escalation_level = $1 AND agency_deadline <= $2
			AND status NOT IN ($3, $4, $5)
		ORDER BY agency_deadline ASC
		LIMIT $6`,
		domain.EscalationAgency, now,
		domain.DisputeResolved, domain.DisputeRejected, domain.DisputeCancelled, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query agency deadline disputes: %w", err)
	}
	defer rows.Close()
	return collectDisputes(rows)
}

// FindDisputesPastMaxDeadline returns disputes past the hard 7-day ceiling that are
// still sitting at agency level.
func (r *PostgresRepository) FindDisputesPastMaxDeadline(ctx context.Context, now time.Time, limit int) ([]domain.Dispute, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE escalation_level = $1 AND max_deadline <= $2
			AND status NOT IN ($3, $4, $5)
		ORDER BY max_deadline ASC
		LIMIT $6`,
		domain.EscalationAgency, now,
		domain.DisputeResolved, domain.DisputeRejected, domain.DisputeCancelled, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query max deadline disputes: %w", err)
	}
	defer rows.Close()
	return collectDisputes(rows)
}

func collectDisputes(rows pgx.Rows) ([]domain.Dispute, error) {
	var disputes []domain.Dispute
	for rows.Next() {
		var d domain.Dispute
		if err := rows.Scan(
			&d.ID, &d.DealID, &d.Status, &d.EscalationLevel, &d.Reason, &d.EvidenceKey,
			&d.ContractHash, &d.AgencyDeadline, &d.PlatformDeadline, &d.MaxDeadline, &d.EscalatedAt,
			&d.Resolution, &d.RefundAmount, &d.OpenedBy, &d.ResolvedBy, &d.ResolvedAt,
			&d.CreatedAt, &d.UpdatedAt,
		); err != nil {
			return nil, err
		}
		disputes = append(disputes, d)
	}
	return disputes, rows.Err()
}

// CreateFiscalReceipt records a pending taxable payout event.
func (r *PostgresRepository) CreateFiscalReceipt(ctx context.Context, receipt *domain.FiscalReceipt) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO fiscal_receipts (id, deal_id, milestone_id, recipient_owner_id, amount,
			kind, status, retry_count, original_receipt_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())`,
		receipt.ID, receipt.DealID, receipt.MilestoneID, receipt.RecipientOwnerID,
		receipt.Amount, receipt.Kind, receipt.Status, receipt.RetryCount, receipt.OriginalReceiptID,
	)
	if err != nil {
		return fmt.Errorf("insert fiscal receipt: %w", err)
	}
	return nil
}

// FindFiscalReceiptsByDealID returns all receipts for a deal, oldest first.
func (r *PostgresRepository) FindFiscalReceiptsByDealID(ctx context.Context, dealID uuid.UUID) ([]domain.FiscalReceipt, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, deal_id, milestone_id, recipient_owner_id, amount, kind, status,
			retry_count, original_receipt_id, created_at, updated_at
		FROM fiscal_receipts
		WHERE deal_id = $1
		ORDER BY created_at ASC`,
		dealID,
	)
	if err != nil {
		return nil, fmt.Errorf("query fiscal receipts: %w", err)
	}
	defer rows.Close()

	var receipts []domain.FiscalReceipt
	for rows.Next() {
		var fr domain.FiscalReceipt
		if err := rows.Scan(
			&fr.ID, &fr.DealID, &fr.MilestoneID, &fr.RecipientOwnerID, &fr.Amount,
			&fr.Kind, &fr.Status, &fr.RetryCount, &fr.OriginalReceiptID,
			&fr.CreatedAt, &fr.UpdatedAt,
		); err != nil {
			return nil, err
		}
		receipts = append(receipts, fr)
	}
	return receipts, rows.Err()
}
