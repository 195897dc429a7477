/**
 * @description
 * In-memory Gateway implementation used by the mock mode and by tests. Every call
 * succeeds and the mock remembers deal states so reconciliation can be exercised
 * without a bank connection.
 */
package bankclient

import (
	"context"
	"fmt"
	"sync"
)

// Mock is an in-memory Gateway. Safe for concurrent use.
type Mock struct {
	mu     sync.Mutex
	seq    int
	states map[string]string // bankDealID -> status
}

// NewMock creates a fresh in-memory gateway.
func NewMock() *Mock {
	return &Mock{states: make(map[string]string)}
}

func (m *Mock) next(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s_%06d", prefix, m.seq)
}

// SetDealState overrides a deal's remembered state, simulating bank-side
// transitions that happen without a local call (payer funding, back-office moves).
func (m *Mock) SetDealState(bankDealID, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[bankDealID] = status
}

func (m *Mock) CreateDeal(ctx context.Context, idempotencyKey string, params CreateDealParams) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.next("bdl")
	m.states[id] = "created"
	return &Response{Success: true, ID: id, Status: "created"}, nil
}

func (m *Mock) CreateInvoice(ctx context.Context, idempotencyKey string, params CreateInvoiceParams) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &Response{Success: true, ID: m.next("inv"), Status: "pending"}, nil
}

func (m *Mock) ConfirmRelease(ctx context.Context, idempotencyKey string, params ReleaseParams) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[params.BankDealID] = "released"
	return &Response{Success: true, ID: m.next("rel"), Status: "released"}, nil
}

func (m *Mock) CancelDeal(ctx context.Context, idempotencyKey string, bankDealID string) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[bankDealID] = "cancelled"
	return &Response{Success: true, ID: bankDealID, Status: "cancelled"}, nil
}

func (m *Mock) Refund(ctx context.Context, idempotencyKey string, params RefundParams) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[params.BankDealID] = "refunded"
	return &Response{Success: true, ID: m.next("rfd"), Status: "refunded"}, nil
}

func (m *Mock) GetDealState(ctx context.Context, bankDealID string) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.states[bankDealID]
	if !ok {
		return &Response{Success: true, ID: bankDealID, Status: "unknown"}, nil
	}
	return &Response{Success: true, ID: bankDealID, Status: status}, nil
}
