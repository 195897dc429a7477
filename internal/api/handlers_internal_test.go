package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/estatehub/deal-service/internal/app"
	"github.com/estatehub/deal-service/internal/domain"
	"github.com/estatehub/deal-service/internal/store"
)

// fakeDLQRepo backs the internal handlers with a canned dead-letter queue. The
// embedded interface panics on anything the handlers should never touch.
type fakeDLQRepo struct {
	store.Repository
	entries  []*domain.WebhookDLQEntry
	retried  int
	resolved int
}

func (f *fakeDLQRepo) FindUnresolvedDLQEntries(ctx context.Context, maxRetries int, limit int) ([]domain.WebhookDLQEntry, error) {
	var out []domain.WebhookDLQEntry
	for _, entry := range f.entries {
		if entry.ResolvedAt == nil && entry.RetryCount < maxRetries {
			out = append(out, *entry)
		}
	}
	return out, nil
}

func (f *fakeDLQRepo) FindDLQEntryByID(ctx context.Context, entryID uuid.UUID) (*domain.WebhookDLQEntry, error) {
	for _, entry := range f.entries {
		if entry.ID == entryID {
			copied := *entry
			return &copied, nil
		}
	}
	return nil, store.ErrDLQEntryNotFound
}

func (f *fakeDLQRepo) IncrementDLQRetry(ctx context.Context, entryID uuid.UUID, errorMessage string) error {
	f.retried++
	return nil
}

func (f *fakeDLQRepo) MarkDLQResolved(ctx context.Context, entryID uuid.UUID) error {
	f.resolved++
	return nil
}

func newDLQHandlers(repo *fakeDLQRepo) *InternalHandlers {
	// A processor without collaborators is enough: the paths under test fail or
	// return before any storage or bank access.
	return NewInternalHandlers(nil, app.NewWebhookProcessor(nil, nil, ""), repo)
}

func retryRequest(entryID string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/internal/dlq/"+entryID+"/retry", nil)
	routeCtx := chi.NewRouteContext()
	routeCtx.URLParams.Add("entryID", entryID)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))
}

func TestListDLQHandler_ReturnsUnresolvedEntriesPastRetryCeiling(t *testing.T) {
	resolvedAt := time.Now()
	repo := &fakeDLQRepo{entries: []*domain.WebhookDLQEntry{
		{ID: uuid.New(), EventType: domain.EventDealCompleted, Payload: json.RawMessage(`{}`), RetryCount: 99},
		{ID: uuid.New(), EventType: domain.EventPaymentSucceeded, Payload: json.RawMessage(`{}`), ResolvedAt: &resolvedAt},
	}}
	handlers := newDLQHandlers(repo)

	rec := httptest.NewRecorder()
	handlers.ListDLQHandler(rec, httptest.NewRequest(http.MethodGet, "/internal/dlq", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Entries []domain.WebhookDLQEntry `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Entries) != 1 {
		t.Fatalf("listed %d entries, want 1 (unresolved only, regardless of retry count)", len(body.Entries))
	}
	if body.Entries[0].RetryCount != 99 {
		t.Fatalf("entry retry count = %d, want the exhausted entry", body.Entries[0].RetryCount)
	}
}

func TestRetryDLQHandler_UnknownEntryIs404(t *testing.T) {
	handlers := newDLQHandlers(&fakeDLQRepo{})

	rec := httptest.NewRecorder()
	handlers.RetryDLQHandler(rec, retryRequest(uuid.NewString()))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestRetryDLQHandler_ResolvedEntryIs409(t *testing.T) {
	resolvedAt := time.Now()
	entry := &domain.WebhookDLQEntry{ID: uuid.New(), Payload: json.RawMessage(`{}`), ResolvedAt: &resolvedAt}
	repo := &fakeDLQRepo{entries: []*domain.WebhookDLQEntry{entry}}
	handlers := newDLQHandlers(repo)

	rec := httptest.NewRecorder()
	handlers.RetryDLQHandler(rec, retryRequest(entry.ID.String()))

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if repo.retried != 0 || repo.resolved != 0 {
		t.Fatal("resolved entry must not be replayed or re-bookkept")
	}
}

func TestRetryDLQHandler_FailedReplayBumpsRetryAndReturns502(t *testing.T) {
	entry := &domain.WebhookDLQEntry{ID: uuid.New(), EventType: domain.EventDealCompleted, Payload: json.RawMessage(`{broken`)}
	repo := &fakeDLQRepo{entries: []*domain.WebhookDLQEntry{entry}}
	handlers := newDLQHandlers(repo)

	rec := httptest.NewRecorder()
	handlers.RetryDLQHandler(rec, retryRequest(entry.ID.String()))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if repo.retried != 1 {
		t.Fatalf("retry count bumped %d times, want 1", repo.retried)
	}
	if repo.resolved != 0 {
		t.Fatal("failed replay must not resolve the entry")
	}
}

func TestRetryDLQHandler_InvalidIDIs400(t *testing.T) {
	handlers := newDLQHandlers(&fakeDLQRepo{})

	rec := httptest.NewRecorder()
	handlers.RetryDLQHandler(rec, retryRequest("not-a-uuid"))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
