package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/estatehub/deal-service/internal/domain"
)

type countingCall struct {
	calls  int
	result any
	err    error
}

func (c *countingCall) run(ctx context.Context) (any, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.result, nil
}

func TestIdempotencyExecute_ReplayReturnsCachedResponse(t *testing.T) {
	repo := newMemRepository()
	exec := NewIdempotencyExecutor(repo, time.Hour)

	call := &countingCall{result: map[string]string{"Id": "bdl_001"}}
	request := map[string]string{"amount": "100"}

	response, cached, err := exec.Execute(context.Background(), "op:1", "create_deal", nil, request, call.run)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if cached {
		t.Fatal("first execution reported as cached")
	}

	replay, cached, err := exec.Execute(context.Background(), "op:1", "create_deal", nil, request, call.run)
	if err != nil {
		t.Fatalf("replay returned error: %v", err)
	}
	if !cached {
		t.Fatal("replay not served from the cache")
	}
	if call.calls != 1 {
		t.Fatalf("call executed %d times, want 1", call.calls)
	}
	if string(replay) != string(response) {
		t.Fatalf("cached response %s differs from original %s", replay, response)
	}
}

func TestIdempotencyExecute_HashMismatchConflicts(t *testing.T) {
	repo := newMemRepository()
	exec := NewIdempotencyExecutor(repo, time.Hour)

	call := &countingCall{result: "ok"}
	if _, _, err := exec.Execute(context.Background(), "op:2", "refund", nil, map[string]string{"amount": "100"}, call.run); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	_, _, err := exec.Execute(context.Background(), "op:2", "refund", nil, map[string]string{"amount": "200"}, call.run)
	var conflict *domain.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict for key reuse with a different request, got %v", err)
	}
	if call.calls != 1 {
		t.Fatalf("conflicting replay executed the call, total %d", call.calls)
	}
}

func TestIdempotencyExecute_ExpiredKeyReclaimed(t *testing.T) {
	repo := newMemRepository()
	exec := NewIdempotencyExecutor(repo, time.Hour)

	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	exec.now = func() time.Time { return start }

	call := &countingCall{result: "first"}
	if _, _, err := exec.Execute(context.Background(), "op:3", "cancel_deal", nil, "req", call.run); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	// Past the TTL the key is purged and the call runs again.
	exec.now = func() time.Time { return start.Add(2 * time.Hour) }
	call.result = "second"
	response, cached, err := exec.Execute(context.Background(), "op:3", "cancel_deal", nil, "req", call.run)
	if err != nil {
		t.Fatalf("post-expiry Execute returned error: %v", err)
	}
	if cached {
		t.Fatal("post-expiry execution served from the cache")
	}
	if call.calls != 2 {
		t.Fatalf("call executed %d times, want 2", call.calls)
	}
	var decoded string
	if err := json.Unmarshal(response, &decoded); err != nil || decoded != "second" {
		t.Fatalf("post-expiry response = %s, want \"second\"", response)
	}
}

func TestIdempotencyExecute_FailedCallLeavesNoCachedResponse(t *testing.T) {
	repo := newMemRepository()
	exec := NewIdempotencyExecutor(repo, time.Hour)

	failing := &countingCall{err: errors.New("gateway down")}
	if _, _, err := exec.Execute(context.Background(), "op:4", "confirm_release", nil, "req", failing.run); err == nil {
		t.Fatal("expected the gateway error to surface")
	}

	// The retry re-executes because no response was cached.
	succeeding := &countingCall{result: "ok"}
	_, cached, err := exec.Execute(context.Background(), "op:4", "confirm_release", nil, "req", succeeding.run)
	if err != nil {
		t.Fatalf("retry returned error: %v", err)
	}
	if cached {
		t.Fatal("retry served from the cache despite the failed first attempt")
	}
	if succeeding.calls != 1 {
		t.Fatalf("retry executed %d times, want 1", succeeding.calls)
	}
}
