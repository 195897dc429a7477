/**
 * @description
 * This package provides a client for communicating with the identity-service.
 * It encapsulates the logic for making API calls to the identity service,
 * specifically for verifying that a deal recipient's owner exists and is active.
 */
package identityclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/estatehub/deal-service/internal/domain"
)

// Client is a client for the identity service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new identity service client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// ownerResponse defines the response from the owner lookup endpoint.
type ownerResponse struct {
	ID     string `json:"id"`
	Active bool   `json:"active"`
}

// OwnerExists checks that an owner (user or organization) is known and active.
// A 404 means unknown; any other error status is an upstream failure.
func (c *Client) OwnerExists(ctx context.Context, ownerType domain.OwnerType, ownerID uuid.UUID) (bool, error) {
	if c.baseURL == "" {
		return false, fmt.Errorf("identity service base url is empty")
	}

	url := fmt.Sprintf("%s/internal/owners/%s/%s", c.baseURL, ownerType, ownerID)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to execute request to identity service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode >= 400 {
		return false, fmt.Errorf("identity service returned error status %d", resp.StatusCode)
	}

	var owner ownerResponse
	if err := json.NewDecoder(resp.Body).Decode(&owner); err != nil {
		return false, fmt.Errorf("failed to decode response: %w", err)
	}

	return owner.Active, nil
}
