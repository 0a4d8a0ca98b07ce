package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentMethod identifies the rail an order was paid through.
type PaymentMethod string

const (
	PaymentMethodOnchain        PaymentMethod = "onchain"
	PaymentMethodHostedCheckout PaymentMethod = "hosted_checkout"
	PaymentMethodChatPoints     PaymentMethod = "chat_points"
)

// IsOffchain reports whether the payment was collected outside the chain and therefore
// needs a custodial purchase to obtain the receipt token.
func (m PaymentMethod) IsOffchain() bool {
	return m == PaymentMethodHostedCheckout || m == PaymentMethodChatPoints
}

// KeyPrefix is the rail namespace used when deriving idempotency keys.
func (m PaymentMethod) KeyPrefix() string {
	switch m {
	case PaymentMethodOnchain:
		return "onchain"
	case PaymentMethodHostedCheckout:
		return "coinbase"
	case PaymentMethodChatPoints:
		return "telegram"
	}
	return string(m)
}

// OrderStatus values.
const (
	OrderStatusPending   = "pending"
	OrderStatusPaid      = "paid"
	OrderStatusShipped   = "shipped"
	OrderStatusDelivered = "delivered"
	OrderStatusCancelled = "cancelled"
)

// Payment currencies recorded on the order.
const (
	CurrencyUSDC  = "USDC"
	CurrencyStars = "STARS"
)

// Order is the authoritative ledger record of one settled payment.
// This struct maps directly to the `orders` table.
type Order struct {
	ID               uuid.UUID       `json:"id"`
	DropID           uint64          `json:"drop_id"`
	CustomerWallet   string          `json:"customer_wallet"`
	CustomerEmail    *string         `json:"customer_email,omitempty"`
	CustomerName     *string         `json:"customer_name,omitempty"`
	TelegramID       *string         `json:"telegram_id,omitempty"`
	ShippingAddress  json.RawMessage `json:"shipping_address,omitempty"`
	ShippingCost     decimal.Decimal `json:"shipping_cost"`
	Quantity         int64           `json:"quantity"`
	BoxType          *string         `json:"box_type,omitempty"`
	PaymentMethod    PaymentMethod   `json:"payment_method"`
	PaymentAmount    int64           `json:"payment_amount"` // smallest unit of PaymentCurrency
	PaymentCurrency  string          `json:"payment_currency"`
	SettlementMicros int64           `json:"settlement_micros"` // USD value in micro-units
	PaymentReference string          `json:"payment_reference"`
	IdempotencyKey   string          `json:"idempotency_key"`
	TokenID          *string         `json:"token_id,omitempty"`
	ReceiptTxHash    *string         `json:"receipt_tx_hash,omitempty"`
	CustodialTxHash  *string         `json:"custodial_tx_hash,omitempty"`
	FailureReason    *string         `json:"failure_reason,omitempty"`
	Status           string          `json:"status"`
	PaidAt           *time.Time      `json:"paid_at,omitempty"`
	ShippedAt        *time.Time      `json:"shipped_at,omitempty"`
	DeliveredAt      *time.Time      `json:"delivered_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// IsSettled reports whether the order has left the pending state. Once settled an order
// is never mutated again by settlement.
func (o *Order) IsSettled() bool {
	return o != nil && o.Status != OrderStatusPending
}

// HasReceipt reports whether the receipt token has been linked.
func (o *Order) HasReceipt() bool {
	return o != nil && o.TokenID != nil && strings.TrimSpace(*o.TokenID) != ""
}

// User is the per-wallet customer aggregate.
type User struct {
	ID               uuid.UUID `json:"id"`
	WalletAddress    string    `json:"wallet_address"`
	Email            *string   `json:"email,omitempty"`
	TelegramID       *string   `json:"telegram_id,omitempty"`
	ReferralCode     string    `json:"referral_code"`
	TotalOrders      int64     `json:"total_orders"`
	TotalSpentMicros int64     `json:"total_spent_micros"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ShippingAddress is the structured form of the address carried in rail metadata.
type ShippingAddress struct {
	Name    string `json:"name,omitempty"`
	Street1 string `json:"street1,omitempty"`
	Street2 string `json:"street2,omitempty"`
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	Zip     string `json:"zip,omitempty"`
	Country string `json:"country,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Raw     string `json:"raw,omitempty"`
}

// ParseShippingAddress tolerates empty or malformed input and returns a zero address.
func ParseShippingAddress(raw json.RawMessage) ShippingAddress {
	var addr ShippingAddress
	if len(raw) == 0 {
		return addr
	}
	_ = json.Unmarshal(raw, &addr)
	return addr
}

// IsDomestic treats an empty country as domestic.
func (a ShippingAddress) IsDomestic() bool {
	switch strings.ToUpper(strings.TrimSpace(a.Country)) {
	case "", "US", "USA":
		return true
	}
	return false
}

// NormalizeShippingAddress turns the JSON string carried in rail metadata into a JSON
// object. Anything that is not an object is preserved under "raw".
func NormalizeShippingAddress(raw string) json.RawMessage {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}
	var object map[string]any
	if err := json.Unmarshal([]byte(trimmed), &object); err == nil {
		return json.RawMessage(trimmed)
	}
	wrapped, _ := json.Marshal(ShippingAddress{Raw: trimmed})
	return wrapped
}
