/**
 * @description
 * This package provides a client for the external payment processor. The
 * credits-service only ever initiates checkout sessions (for auto-refill and
 * top-up links); confirmation comes back asynchronously as a
 * `payment.confirmed` event, never through this client.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 * - github.com/google/uuid: Account identifiers.
 */
package paymentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Client is a client for the payment processor API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new payment processor client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// CheckoutRequest is the payload for creating a checkout session.
type CheckoutRequest struct {
	AccountID string `json:"account_id"`
	PackID    string `json:"pack_id"`
	// Marks sessions the user did not start interactively.
	Source string `json:"source"`
}

// CheckoutSession is the processor's representation of a pending payment.
type CheckoutSession struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
}

type checkoutResponse struct {
	Data CheckoutSession `json:"data"`
}

// CreateCheckout opens a checkout session for one credit pack.
func (c *Client) CreateCheckout(ctx context.Context, accountID uuid.UUID, packID string) (*CheckoutSession, error) {
	payload := CheckoutRequest{
		AccountID: accountID.String(),
		PackID:    packID,
		Source:    "auto_refill",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/checkout-sessions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("payment api request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("payment api read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("payment api returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var decoded checkoutResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, fmt.Errorf("payment api decode response: %w", err)
	}
	return &decoded.Data, nil
}
