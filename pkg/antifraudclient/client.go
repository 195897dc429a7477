/**
 * @description
 * This package provides a client for communicating with the antifraud-service.
 * It encapsulates the logic for making API calls to the antifraud service,
 * specifically for obtaining a verdict before a deal is created. An unreachable
 * antifraud service fails closed: no verdict means no deal.
 */
package antifraudclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/estatehub/deal-service/internal/domain"
)

// Client is a client for the antifraud service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new antifraud service client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// checkRequest defines the request payload for a deal verdict.
type checkRequest struct {
	Amount          int64       `json:"amount"`
	RecipientOwners []uuid.UUID `json:"recipient_owners"`
}

// checkResponse defines the response from the verdict endpoint.
type checkResponse struct {
	Verdict string `json:"verdict"`
}

// CheckDeal asks the antifraud service for a verdict on a prospective deal.
func (c *Client) CheckDeal(ctx context.Context, amount int64, recipientOwners []uuid.UUID) (domain.AntifraudVerdict, error) {
	if c.baseURL == "" {
		return "", fmt.Errorf("antifraud service base url is empty")
	}

	url := fmt.Sprintf("%s/internal/checks/deal", c.baseURL)

	payload := checkRequest{
		Amount:          amount,
		RecipientOwners: recipientOwners,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute request to antifraud service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("antifraud service returned error status %d", resp.StatusCode)
	}

	var verdict checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	switch verdict.Verdict {
	case string(domain.VerdictPass), string(domain.VerdictFlag), string(domain.VerdictBlock):
		return domain.AntifraudVerdict(verdict.Verdict), nil
	default:
		return "", fmt.Errorf("antifraud service returned unknown verdict %q", verdict.Verdict)
	}
}
