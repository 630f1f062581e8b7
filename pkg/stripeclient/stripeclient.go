// Package stripeclient is the thin HTTP collaborator for the billing
// provider wire contract in spec §6: usage-record reporting and (for
// ReconciliationWorker) subscription listing. The billing provider itself is
// an external collaborator (§1); this package only shapes the outbound
// requests and responses TrackTags needs.
package stripeclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client calls the billing provider's HTTP API. When MockMode is true,
// outbound calls are stubbed and always succeed (§6 Environment: MOCK_MODE).
type Client struct {
	httpClient *http.Client
	baseURL    string
	secretKey  string
	mockMode   bool
}

// New creates a Client. timeout bounds every outbound call (§5 default 30s).
func New(baseURL, secretKey string, mockMode bool, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		secretKey:  secretKey,
		mockMode:   mockMode,
	}
}

// Subscription is the slice of a billing-provider subscription object
// ReconciliationWorker needs (§4.13).
type Subscription struct {
	ID         string `json:"id"`
	CustomerID string `json:"customer"`
	Status     string `json:"status"`
	PriceID    string `json:"price_id"`
}

// ReportUsage posts a usage record for subscriptionItemID with the tick's
// Unix timestamp as the Idempotency-Key (§4.10, §6 wire contract): duplicate
// reports within a tick are collapsed provider-side.
func (c *Client) ReportUsage(ctx context.Context, subscriptionItemID string, quantity float64, tickUnixTS int64) error {
	if c.mockMode {
		return nil
	}

	form := url.Values{}
	form.Set("quantity", strconv.FormatFloat(quantity, 'f', -1, 64))
	form.Set("timestamp", strconv.FormatInt(tickUnixTS, 10))
	form.Set("action", "increment")

	endpoint := fmt.Sprintf("%s/v1/subscription_items/%s/usage_records", c.baseURL, subscriptionItemID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("building usage record request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Idempotency-Key", strconv.FormatInt(tickUnixTS, 10))
	req.SetBasicAuth(c.secretKey, "")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("reporting usage: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("billing provider returned status %d reporting usage", resp.StatusCode)
	}
	return nil
}

// ListActiveSubscriptions lists a customer's active subscriptions, used by
// ReconciliationWorker (§4.13) to compare against local plan assignment.
func (c *Client) ListActiveSubscriptions(ctx context.Context, stripeCustomerID string) ([]Subscription, error) {
	if c.mockMode {
		return nil, nil
	}

	endpoint := fmt.Sprintf("%s/v1/subscriptions?customer=%s&status=active", c.baseURL, url.QueryEscape(stripeCustomerID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building list subscriptions request: %w", err)
	}
	req.SetBasicAuth(c.secretKey, "")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("billing provider returned status %d listing subscriptions", resp.StatusCode)
	}

	var body struct {
		Data []Subscription `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding subscriptions response: %w", err)
	}
	return body.Data, nil
}
