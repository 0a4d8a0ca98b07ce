/**
 * @description
 * This package provides a client for the Telegram Bot API endpoints the settlement
 * service uses: Stars invoice links, pre-checkout answers and operator messages.
 *
 * @dependencies
 * - go.uber.org/zap: structured logging of API failures.
 */
package telegramclient

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
	DefaultBaseURL = "https://api.telegram.org"
	// CurrencyStars is the Telegram Stars currency code.
	CurrencyStars = "XTR"
)

// Client is a client for the Telegram Bot API.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// NewClient creates a new Bot API client. An empty baseURL selects the public API.
func NewClient(baseURL, token string, logger *zap.Logger) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		Logger: logger.With(zap.String("component", "telegram_client")),
	}
}

// Configured reports whether a bot token is set.
func (c *Client) Configured() bool {
	return c != nil && strings.TrimSpace(c.Token) != ""
}

// APIError is a Bot API response with ok=false.
type APIError struct {
	Method      string
	StatusCode  int
	ErrorCode   int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s failed (%d): %s", e.Method, e.ErrorCode, e.Description)
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

// LabeledPrice is one invoice line. Amount is in Stars for XTR.
type LabeledPrice struct {
	Label  string `json:"label"`
	Amount int64  `json:"amount"`
}

// InvoiceLinkRequest is the payload for createInvoiceLink.
type InvoiceLinkRequest struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Payload     string         `json:"payload"`
	Currency    string         `json:"currency"`
	Prices      []LabeledPrice `json:"prices"`
}

// CreateInvoiceLink creates a Stars invoice link. Stars invoices carry no provider token.
func (c *Client) CreateInvoiceLink(ctx context.Context, payload InvoiceLinkRequest) (string, error) {
	if payload.Currency == "" {
		payload.Currency = CurrencyStars
	}
	var link string
	if err := c.call(ctx, "createInvoiceLink", payload, &link); err != nil {
		return "", err
	}
	return link, nil
}

type preCheckoutAnswer struct {
	PreCheckoutQueryID string `json:"pre_checkout_query_id"`
	OK                 bool   `json:"ok"`
	ErrorMessage       string `json:"error_message,omitempty"`
}

// AnswerPreCheckoutQuery accepts or rejects a pending Stars payment. errorMessage is shown
// to the payer when ok is false.
func (c *Client) AnswerPreCheckoutQuery(ctx context.Context, queryID string, ok bool, errorMessage string) error {
	answer := preCheckoutAnswer{PreCheckoutQueryID: queryID, OK: ok}
	if !ok {
		answer.ErrorMessage = errorMessage
	}
	return c.call(ctx, "answerPreCheckoutQuery", answer, nil)
}

type sendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

// SendMessage sends plain text to chatID.
func (c *Client) SendMessage(ctx context.Context, chatID string, text string) error {
	return c.call(ctx, "sendMessage", sendMessageRequest{ChatID: chatID, Text: text}, nil)
}

func (c *Client) call(ctx context.Context, method string, payload interface{}, result interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.BaseURL, c.Token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		// The URL embeds the bot token; keep it out of the error.
		return fmt.Errorf("failed to execute %s request: %w", method, unwrapURLError(err))
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", method, err)
	}

	var decoded apiResponse
	if err := json.Unmarshal(bodyBytes, &decoded); err != nil {
		c.Logger.Warn("unparsable response", zap.String("op", method), zap.Int("status", resp.StatusCode))
		return fmt.Errorf("failed to decode %s response (status %d)", method, resp.StatusCode)
	}
	if !decoded.OK {
		c.Logger.Warn("api call rejected", zap.String("op", method), zap.Int("status", resp.StatusCode), zap.Int("error_code", decoded.ErrorCode), zap.String("description", decoded.Description))
		return &APIError{Method: method, StatusCode: resp.StatusCode, ErrorCode: decoded.ErrorCode, Description: decoded.Description}
	}
	if result != nil && len(decoded.Result) > 0 {
		if err := json.Unmarshal(decoded.Result, result); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
	}
	return nil
}

func unwrapURLError(err error) error {
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok && u.Unwrap() != nil {
		return u.Unwrap()
	}
	return err
}
