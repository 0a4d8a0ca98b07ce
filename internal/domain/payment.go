package domain

import (
	"encoding/json"
	"time"
)

// PaymentIntent is what the storefront sends to start a payment on any rail.
type PaymentIntent struct {
	DropID          uint64          `json:"dropId" validate:"required"`
	Quantity        int64           `json:"quantity" validate:"min=1,max=100"`
	CustomerWallet  string          `json:"customerWallet,omitempty" validate:"omitempty,max=128"`
	CustomerEmail   string          `json:"customerEmail,omitempty" validate:"omitempty,email"`
	TelegramID      string          `json:"customerTelegramId,omitempty"`
	ShippingAddress json.RawMessage `json:"shippingAddress,omitempty"`
	BoxType         string          `json:"boxType,omitempty"`
}

// HostedCharge is the storefront view of a created Commerce charge.
type HostedCharge struct {
	ChargeID  string    `json:"chargeId"`
	HostedURL string    `json:"hostedUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
	Quote     Quote     `json:"quote"`
}

// ChatInvoice is a Stars invoice link.
type ChatInvoice struct {
	InvoiceURL string `json:"invoiceUrl"`
	Stars      int64  `json:"stars"`
	Quote      Quote  `json:"quote"`
}

// InvoicePayload is the JSON carried through Telegram in invoice_payload.
type InvoicePayload struct {
	DropID             uint64          `json:"dropId"`
	Quantity           int64           `json:"quantity"`
	CustomerTelegramID json.Number     `json:"customerTelegramId,omitempty"`
	CustomerWallet     string          `json:"customerWallet,omitempty"`
	CustomerEmail      string          `json:"customerEmail,omitempty"`
	ShippingAddress    json.RawMessage `json:"shippingAddress,omitempty"`
	BoxType            string          `json:"boxType,omitempty"`
}

// PaymentRequirements is the body of an HTTP 402 answer on the on-chain rail.
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           string                 `json:"network"`
	MaxAmountRequired string                 `json:"maxAmountRequired"`
	PayTo             string                 `json:"payTo"`
	Asset             string                 `json:"asset"`
	Resource          string                 `json:"resource"`
	Description       string                 `json:"description"`
	MimeType          string                 `json:"mimeType"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds"`
	Extra             map[string]interface{} `json:"extra"`
}
