package rails

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/outlier/settlement-service/internal/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	CoinbaseSignatureHeader = "X-CC-Webhook-Signature"
	CoinbaseChargeConfirmed = "charge:confirmed"
)

// CoinbaseEvent is a Commerce webhook event. Deliveries wrap it in {"event": ...}; the
// bare form is accepted as well.
type CoinbaseEvent struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	CreatedAt time.Time      `json:"created_at"`
	Data      CoinbaseCharge `json:"data"`
}

type coinbaseDelivery struct {
	Event json.RawMessage `json:"event"`
}

// CoinbaseCharge is the charge carried in data.
type CoinbaseCharge struct {
	ID      string `json:"id"`
	Code    string `json:"code"`
	Pricing struct {
		Local struct {
			Amount   string `json:"amount"`
			Currency string `json:"currency"`
		} `json:"local"`
	} `json:"pricing"`
	Payments []struct {
		Network       string `json:"network"`
		TransactionID string `json:"transaction_id"`
		Status        string `json:"status"`
	} `json:"payments"`
	Metadata map[string]string `json:"metadata"`
}

// CoinbaseAdapter authenticates and parses Commerce webhooks.
type CoinbaseAdapter struct {
	secret []byte
	logger *zap.Logger
}

func NewCoinbaseAdapter(secret string, logger *zap.Logger) *CoinbaseAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CoinbaseAdapter{
		secret: []byte(strings.TrimSpace(secret)),
		logger: logger.With(zap.String("component", "coinbase_rail")),
	}
}

// Configured reports whether a webhook secret is set. Without one every delivery is rejected.
func (a *CoinbaseAdapter) Configured() bool {
	return len(a.secret) > 0
}

// VerifySignature checks signature against hex(HMAC-SHA256(secret, body)) in constant time.
func (a *CoinbaseAdapter) VerifySignature(body []byte, signature string) error {
	if !a.Configured() {
		return ErrNotConfigured
	}
	provided, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(provided) == 0 {
		return ErrUnauthorized
	}
	mac := hmac.New(sha256.New, a.secret)
	mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return ErrUnauthorized
	}
	return nil
}

// Parse decodes an authenticated body. It returns ok=false for event types that do not
// settle; those are acknowledged without action.
func (a *CoinbaseAdapter) Parse(body []byte) (req domain.SettlementRequest, ok bool, err error) {
	var delivery coinbaseDelivery
	if err := json.Unmarshal(body, &delivery); err != nil {
		return req, false, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	raw := body
	if len(delivery.Event) > 0 && string(delivery.Event) != "null" {
		raw = delivery.Event
	}
	var event CoinbaseEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return req, false, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	if event.Type != CoinbaseChargeConfirmed {
		a.logger.Info("ignoring commerce event", zap.String("type", event.Type), zap.String("event_id", event.ID))
		return req, false, nil
	}

	req, err = chargeRequest(event.Data)
	if err != nil {
		return req, false, err
	}
	return req, true, nil
}

func chargeRequest(charge CoinbaseCharge) (domain.SettlementRequest, error) {
	var req domain.SettlementRequest
	if strings.TrimSpace(charge.ID) == "" {
		return req, fmt.Errorf("%w: charge id missing", ErrMalformedPayload)
	}
	meta := charge.Metadata
	dropID, ok := parseUint(meta["drop_id"])
	if !ok {
		return req, fmt.Errorf("%w: metadata drop_id %q", ErrMalformedPayload, meta["drop_id"])
	}
	quantity, ok := parseQuantity(meta["quantity"])
	if !ok {
		return req, fmt.Errorf("%w: metadata quantity %q", ErrMalformedPayload, meta["quantity"])
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(charge.Pricing.Local.Amount))
	if err != nil || amount.IsNegative() {
		return req, fmt.Errorf("%w: pricing.local.amount %q", ErrMalformedPayload, charge.Pricing.Local.Amount)
	}
	// Micros conversion assumes a dollar-denominated charge.
	switch currency := strings.ToUpper(strings.TrimSpace(charge.Pricing.Local.Currency)); currency {
	case "USD", domain.CurrencyUSDC:
	default:
		return req, fmt.Errorf("%w: pricing.local.currency %q", ErrMalformedPayload, charge.Pricing.Local.Currency)
	}

	req = domain.SettlementRequest{
		Method:          domain.PaymentMethodHostedCheckout,
		Reference:       charge.ID,
		DropID:          dropID,
		Quantity:        quantity,
		CustomerWallet:  strings.TrimSpace(meta["customer_wallet"]),
		CustomerEmail:   strings.TrimSpace(meta["customer_email"]),
		TelegramID:      strings.TrimSpace(meta["telegram_id"]),
		ShippingAddress: domain.NormalizeShippingAddress(meta["shipping_address"]),
		BoxType:         strings.TrimSpace(meta["box_type"]),
		PaymentAmount:   domain.USDToMicros(amount),
		PaymentCurrency: domain.CurrencyUSDC,
	}
	if len(charge.Payments) > 0 {
		req.Network = charge.Payments[0].Network
	}
	return req, nil
}
