/**
 * @description
 * This package provides a client for the bank's nominal-account API. It encapsulates
 * the logic for making signed HTTP requests to the bank's endpoints, handling request
 * body construction, and parsing responses.
 *
 * Key features:
 * - Request signing: fields sorted by key (excluding the signature field), string
 *   values concatenated, shared secret appended, SHA-256 hex digest.
 * - Bounded retries: three attempts with exponential backoff (1-10s) for
 *   connection/timeout failures only; bank-reported 4xx errors are never retried.
 * - Circuit breaker: opens after 5 consecutive failures and stays open for 60s so
 *   calls fail fast during a bank outage.
 *
 * @dependencies
 * - bytes, context, crypto/sha256, encoding/json, net/http, sort, time: Standard Go libraries.
 * - github.com/cenkalti/backoff/v4: Exponential retry policy.
 * - github.com/sony/gobreaker: Circuit breaker.
 */
package bankclient

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// Mode selects which gateway variant a process talks to. Chosen once at boot and
// injected; there is no process-global client.
type Mode string

const (
	ModeMock       Mode = "mock"
	ModeSandbox    Mode = "sandbox"
	ModeProduction Mode = "production"
)

// SignatureField is the payload field carrying the digest; excluded from signing.
// Older bank API versions used "Token", newer ones "Signature" — both are honored.
const (
	SignatureField       = "Signature"
	LegacySignatureField = "Token"
)

// ErrCircuitOpen is returned while the breaker is open. Callers must treat it as a
// distinct, immediately-retriable-later condition, not a permanent failure.
var ErrCircuitOpen = errors.New("bank gateway circuit open")

// TransientError wraps a connection/timeout failure that survived the retry budget.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("bank gateway transient failure on %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a bank-reported business error (4xx). Never retried; surfaced
// to the operator.
type PermanentError struct {
	Op      string
	Status  int
	Code    string
	Message string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("bank gateway rejected %s (status %d, code %s): %s", e.Op, e.Status, e.Code, e.Message)
}

// Gateway is the outbound bank API surface the deal engine depends on.
type Gateway interface {
	CreateDeal(ctx context.Context, idempotencyKey string, params CreateDealParams) (*Response, error)
	CreateInvoice(ctx context.Context, idempotencyKey string, params CreateInvoiceParams) (*Response, error)
	ConfirmRelease(ctx context.Context, idempotencyKey string, params ReleaseParams) (*Response, error)
	CancelDeal(ctx context.Context, idempotencyKey string, bankDealID string) (*Response, error)
	Refund(ctx context.Context, idempotencyKey string, params RefundParams) (*Response, error)
	GetDealState(ctx context.Context, bankDealID string) (*Response, error)
}

// CreateDealParams opens a deal on the bank's nominal account.
type CreateDealParams struct {
	DealRef string `json:"DealRef"` // our deal id
	Amount  int64  `json:"Amount"`  // in kopecks
	Scheme  string `json:"Scheme"`
}

// CreateInvoiceParams asks the bank to invoice the payer for a deal.
type CreateInvoiceParams struct {
	BankDealID string `json:"DealId"`
	Amount     int64  `json:"Amount"`
	Purpose    string `json:"Purpose"`
}

// ReleaseParams confirms a (possibly partial) release of held funds.
type ReleaseParams struct {
	BankDealID   string `json:"DealId"`
	MilestoneRef string `json:"MilestoneRef"`
	Amount       int64  `json:"Amount"`
}

// RefundParams returns funds to the payer.
type RefundParams struct {
	BankDealID string `json:"DealId"`
	Amount     int64  `json:"Amount"`
	Reason     string `json:"Reason"`
}

// Response is the bank's envelope for every operation.
type Response struct {
	Success bool   `json:"Success"`
	ID      string `json:"Id"`
	Status  string `json:"Status"`
	Code    string `json:"Code,omitempty"`
	Message string `json:"Message,omitempty"`
}

// Client is the HTTP implementation of Gateway for sandbox and production.
type Client struct {
	BaseURL    string
	Secret     string
	HTTPClient *http.Client

	breaker *gobreaker.CircuitBreaker
}

// NewClient creates a gateway client for the given mode. ModeMock callers should use
// NewMock instead; this constructor always returns an HTTP client.
func NewClient(mode Mode, baseURL, secret string) *Client {
	settings := gobreaker.Settings{
		Name:    fmt.Sprintf("bank-gateway-%s", mode),
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("level=warn component=bank_client breaker=%s msg=\"state change\" from=%s to=%s", name, from, to)
		},
	}
	return &Client{
		BaseURL: baseURL,
		Secret:  secret,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// Sign computes the request signature: sort field names (excluding the signature
// fields), concatenate the string values in that order, append the shared secret,
// and hex-encode the SHA-256 digest.
func Sign(fields map[string]string, secret string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k == SignatureField || k == LegacySignatureField {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(fields[k])
	}
	buf.WriteString(secret)

	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

// CreateDeal opens a deal on the bank side.
func (c *Client) CreateDeal(ctx context.Context, idempotencyKey string, params CreateDealParams) (*Response, error) {
	fields := map[string]string{
		"DealRef": params.DealRef,
		"Amount":  fmt.Sprintf("%d", params.Amount),
		"Scheme":  params.Scheme,
	}
	return c.call(ctx, "create_deal", "/api/v1/deals", idempotencyKey, fields)
}

// CreateInvoice asks the bank to collect the deal amount from the payer.
func (c *Client) CreateInvoice(ctx context.Context, idempotencyKey string, params CreateInvoiceParams) (*Response, error) {
	fields := map[string]string{
		"DealId":  params.BankDealID,
		"Amount":  fmt.Sprintf("%d", params.Amount),
		"Purpose": params.Purpose,
	}
	return c.call(ctx, "create_invoice", "/api/v1/invoices", idempotencyKey, fields)
}

// ConfirmRelease releases a milestone's share of the held funds.
func (c *Client) ConfirmRelease(ctx context.Context, idempotencyKey string, params ReleaseParams) (*Response, error) {
	fields := map[string]string{
		"DealId":       params.BankDealID,
		"MilestoneRef": params.MilestoneRef,
		"Amount":       fmt.Sprintf("%d", params.Amount),
	}
	return c.call(ctx, "confirm_release", "/api/v1/deals/release", idempotencyKey, fields)
}

// CancelDeal cancels an unfunded or held deal.
func (c *Client) CancelDeal(ctx context.Context, idempotencyKey string, bankDealID string) (*Response, error) {
	fields := map[string]string{
		"DealId": bankDealID,
	}
	return c.call(ctx, "cancel_deal", "/api/v1/deals/cancel", idempotencyKey, fields)
}

// Refund returns funds to the payer.
func (c *Client) Refund(ctx context.Context, idempotencyKey string, params RefundParams) (*Response, error) {
	fields := map[string]string{
		"DealId": params.BankDealID,
		"Amount": fmt.Sprintf("%d", params.Amount),
		"Reason": params.Reason,
	}
	return c.call(ctx, "refund", "/api/v1/deals/refund", idempotencyKey, fields)
}

// GetDealState polls the bank for a deal's current state; used by reconciliation.
func (c *Client) GetDealState(ctx context.Context, bankDealID string) (*Response, error) {
	fields := map[string]string{
		"DealId": bankDealID,
	}
	return c.call(ctx, "get_deal_state", "/api/v1/deals/state", "", fields)
}

// call executes one signed bank operation with the retry and breaker policy.
func (c *Client) call(ctx context.Context, op, path, idempotencyKey string, fields map[string]string) (*Response, error) {
	fields[SignatureField] = Sign(fields, c.Secret)

	body, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	var resp *Response
	attempt := func() error {
		result, err := c.breaker.Execute(func() (interface{}, error) {
			return c.doRequest(ctx, op, path, idempotencyKey, body)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(ErrCircuitOpen)
			}
			var perm *PermanentError
			if errors.As(err, &perm) {
				return backoff.Permanent(err)
			}
			// connection/timeout: retriable
			return err
		}
		resp = result.(*Response)
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 1 * time.Second
	expo.MaxInterval = 10 * time.Second
	expo.MaxElapsedTime = 0 // bounded by the attempt count, not wall time

	policy := backoff.WithContext(backoff.WithMaxRetries(expo, 2), ctx) // 3 attempts total
	if err := backoff.Retry(attempt, policy); err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			return nil, ErrCircuitOpen
		}
		var perm *PermanentError
		if errors.As(err, &perm) {
			return nil, perm
		}
		return nil, &TransientError{Op: op, Err: err}
	}
	return resp, nil
}

// doRequest performs a single HTTP attempt. 4xx responses become PermanentError and
// do not trip the retry loop; 5xx and transport failures are retriable.
func (c *Client) doRequest(ctx context.Context, op, path, idempotencyKey string, body []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", idempotencyKey)
	}

	httpResp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if httpResp.StatusCode >= 400 && httpResp.StatusCode < 500 {
		var errResp Response
		if jsonErr := json.Unmarshal(respBody, &errResp); jsonErr != nil {
			errResp.Message = string(respBody)
		}
		log.Printf("level=warn component=bank_client op=%s status=%d code=%q msg=%q", op, httpResp.StatusCode, errResp.Code, errResp.Message)
		return nil, &PermanentError{Op: op, Status: httpResp.StatusCode, Code: errResp.Code, Message: errResp.Message}
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s returned status %d", op, httpResp.StatusCode)
	}

	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	if !resp.Success {
		// Bank signalled a business failure inside a 2xx envelope.
		return nil, &PermanentError{Op: op, Status: httpResp.StatusCode, Code: resp.Code, Message: resp.Message}
	}
	return &resp, nil
}
