/**
 * @description
 * Outbound idempotency executor. Every side-effecting bank operation runs through
 * Execute, which claims a unique key row before calling the gateway and caches the
 * response after. A replay with the same key and request hash returns the cached
 * response without re-executing side effects; the same key with a different request
 * hash is a conflict. The unique index on the key column — not in-process locking —
 * is the concurrency boundary between racing callers.
 */

package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/estatehub/deal-service/internal/domain"
	"github.com/estatehub/deal-service/internal/store"
)

// DefaultIdempotencyTTL is how long a consumed key blocks logical reuse.
const DefaultIdempotencyTTL = 24 * time.Hour

// IdempotencyExecutor wraps side-effecting gateway calls with at-most-once semantics.
type IdempotencyExecutor struct {
	repo store.Repository
	ttl  time.Duration
	now  func() time.Time
}

// NewIdempotencyExecutor creates an executor with the given TTL (zero means default).
func NewIdempotencyExecutor(repo store.Repository, ttl time.Duration) *IdempotencyExecutor {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &IdempotencyExecutor{repo: repo, ttl: ttl, now: time.Now}
}

// RequestHash canonicalizes an outbound request to its sha256 hex digest.
func RequestHash(request any) (string, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("hash request: %w", err)
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

// Execute runs `call` at most once for the given key within the TTL. The returned
// bool reports whether the response came from the cache.
func (e *IdempotencyExecutor) Execute(
	ctx context.Context,
	key string,
	operation string,
	dealID *uuid.UUID,
	request any,
	call func(ctx context.Context) (any, error),
) (json.RawMessage, bool, error) {
	hash, err := RequestHash(request)
	if err != nil {
		return nil, false, err
	}

	rec := &domain.IdempotencyKey{
		Key:         key,
		Operation:   operation,
		DealID:      dealID,
		RequestHash: hash,
		ExpiresAt:   e.now().Add(e.ttl),
	}

	created, existing, err := e.repo.InsertIdempotencyKey(ctx, rec)
	if err != nil {
		return nil, false, fmt.Errorf("claim idempotency key %s: %w", key, err)
	}

	if !created {
		if existing.ExpiresAt.Before(e.now()) {
			// The key is past its TTL; purge and claim it fresh.
			if _, purgeErr := e.repo.PurgeExpiredIdempotencyKeys(ctx, e.now()); purgeErr != nil {
				return nil, false, fmt.Errorf("purge expired keys: %w", purgeErr)
			}
			created, existing, err = e.repo.InsertIdempotencyKey(ctx, rec)
			if err != nil {
				return nil, false, fmt.Errorf("reclaim idempotency key %s: %w", key, err)
			}
		}
		if !created {
			if existing.RequestHash != hash {
				return nil, false, domain.NewConflictError("idempotency key %s reused with a different request", key)
			}
			if len(existing.Response) > 0 {
				return existing.Response, true, nil
			}
			// Same request, no cached response: the first attempt died before the
			// response landed. The bank-side idempotency header makes re-execution safe.
			log.Printf("level=warn component=idempotency op=%s key=%s msg=\"re-executing call with no cached response\"", operation, key)
		}
	}

	result, err := call(ctx)
	if err != nil {
		return nil, false, err
	}

	response, err := json.Marshal(result)
	if err != nil {
		return nil, false, fmt.Errorf("marshal %s response: %w", operation, err)
	}
	if saveErr := e.repo.SaveIdempotencyResponse(ctx, key, response); saveErr != nil {
		// The side effect already happened; losing the cache only costs a replay.
		log.Printf("level=warn component=idempotency op=%s key=%s msg=\"response cache write failed\" err=%v", operation, key, saveErr)
	}
	return response, false, nil
}
