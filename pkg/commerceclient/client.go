/**
 * @description
 * This package provides a client for the Coinbase Commerce API. It creates hosted
 * fixed-price charges and decodes Commerce error bodies into a typed error.
 *
 * @dependencies
 * - go.uber.org/zap: structured logging of non-2xx responses.
 */
package commerceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://api.commerce.coinbase.com"
	APIVersion     = "2018-03-22"
)

// Client is a client for the Coinbase Commerce API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// NewClient creates a new Commerce API client. An empty baseURL selects the public API.
func NewClient(baseURL, apiKey string, logger *zap.Logger) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		Logger: logger.With(zap.String("component", "commerce_client")),
	}
}

// Configured reports whether an API key is set.
func (c *Client) Configured() bool {
	return c != nil && strings.TrimSpace(c.APIKey) != ""
}

// Money is a Commerce amount. Amount is a decimal string.
type Money struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

// CreateChargeRequest represents the payload for POST /charges.
type CreateChargeRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	PricingType string            `json:"pricing_type"`
	LocalPrice  Money             `json:"local_price"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	RedirectURL string            `json:"redirect_url,omitempty"`
	CancelURL   string            `json:"cancel_url,omitempty"`
}

// Charge is the subset of a Commerce charge the service reads.
type Charge struct {
	ID        string            `json:"id"`
	Code      string            `json:"code"`
	HostedURL string            `json:"hosted_url"`
	ExpiresAt time.Time         `json:"expires_at"`
	Metadata  map[string]string `json:"metadata"`
}

type chargeEnvelope struct {
	Data Charge `json:"data"`
}

// ErrorResponse represents an error from the Commerce API.
type ErrorResponse struct {
	StatusCode int `json:"-"`
	Err        struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (e *ErrorResponse) Error() string {
	if e.Err.Message != "" {
		return fmt.Sprintf("commerce api error (%d): %s - %s", e.StatusCode, e.Err.Type, e.Err.Message)
	}
	return fmt.Sprintf("unknown commerce api error (%d)", e.StatusCode)
}

// CreateCharge creates a hosted fixed-price charge.
func (c *Client) CreateCharge(ctx context.Context, payload CreateChargeRequest) (*Charge, error) {
	if payload.PricingType == "" {
		payload.PricingType = "fixed_price"
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal charge request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/charges", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create charge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-CC-Api-Key", c.APIKey)
	req.Header.Set("X-CC-Version", APIVersion)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute charge request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read charge response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := &ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, errResp); err != nil {
			c.Logger.Warn("non-2xx response (unparsable error body)", zap.String("op", "create_charge"), zap.Int("status", resp.StatusCode))
			return nil, fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		c.Logger.Warn("non-2xx response", zap.String("op", "create_charge"), zap.Int("status", resp.StatusCode), zap.String("type", errResp.Err.Type), zap.String("message", errResp.Err.Message))
		return nil, errResp
	}

	var envelope chargeEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode charge response: %w", err)
	}
	if envelope.Data.ID == "" {
		return nil, fmt.Errorf("charge response missing id")
	}
	return &envelope.Data, nil
}
