package domain

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// SettlementRequest is the canonical payment event every rail adapter produces.
type SettlementRequest struct {
	Method          PaymentMethod   `json:"method" validate:"required,oneof=onchain hosted_checkout chat_points"`
	Reference       string          `json:"reference" validate:"required,max=256"`
	DropID          uint64          `json:"drop_id"`
	Quantity        int64           `json:"quantity" validate:"min=1,max=100"`
	CustomerWallet  string          `json:"customer_wallet" validate:"required,max=128"`
	CustomerEmail   string          `json:"customer_email,omitempty" validate:"omitempty,email"`
	TelegramID      string          `json:"telegram_id,omitempty"`
	ShippingAddress json.RawMessage `json:"shipping_address,omitempty"`
	BoxType         string          `json:"box_type,omitempty"`
	PaymentAmount   int64           `json:"payment_amount" validate:"gte=0"`
	PaymentCurrency string          `json:"payment_currency" validate:"required,oneof=USDC STARS"`
	// ClaimedRecipient and Network are only meaningful on the on-chain rail.
	ClaimedRecipient string    `json:"claimed_recipient,omitempty"`
	Network          string    `json:"network,omitempty"`
	ReceivedAt       time.Time `json:"received_at"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func requestValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks field constraints. Rail adapters call it before handing off to settlement.
func (r *SettlementRequest) Validate() error {
	if err := requestValidator().Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if r.Method == PaymentMethodOnchain && !strings.HasPrefix(strings.ToLower(r.Reference), "0x") {
		return fmt.Errorf("%w: on-chain reference must be a transaction hash", ErrInvalidRequest)
	}
	return nil
}

// IdempotencyKey derives the deduplication key from the rail's unique reference.
func (r *SettlementRequest) IdempotencyKey() string {
	ref := strings.TrimSpace(r.Reference)
	if r.Method == PaymentMethodOnchain {
		ref = strings.ToLower(ref)
	}
	return r.Method.KeyPrefix() + ":" + ref
}

// SettlementMicros is the payment's USD value in micro-units.
func (r *SettlementRequest) SettlementMicros() int64 {
	if r.PaymentCurrency == CurrencyStars {
		return PointsToMicros(r.PaymentAmount)
	}
	return r.PaymentAmount
}

// CollectedMicros is SettlementMicros as a big.Int, for comparison with quotes.
func (r *SettlementRequest) CollectedMicros() *big.Int {
	return big.NewInt(r.SettlementMicros())
}

// ReceiptOutcome describes how far receipt linkage got during a settlement.
type ReceiptOutcome string

const (
	ReceiptLinked   ReceiptOutcome = "linked"
	ReceiptMissing  ReceiptOutcome = "missing"
	ReceiptDeferred ReceiptOutcome = "deferred"
)

// SettlementResult is what Settle returns. A replay returns the stored order with Replayed set.
type SettlementResult struct {
	Order    *Order         `json:"order"`
	Replayed bool           `json:"replayed"`
	Receipt  ReceiptOutcome `json:"receipt"`
}

// Verification is the outcome of re-confirming an on-chain transfer.
type Verification struct {
	Verified     bool      `json:"verified"`
	TxHash       string    `json:"tx_hash"`
	Sender       string    `json:"sender"`
	Recipient    string    `json:"recipient"`
	ActualAmount *big.Int  `json:"actual_amount"`
	BlockNumber  uint64    `json:"block_number"`
	Timestamp    time.Time `json:"timestamp"`
}

// PurchaseObservation is the result of watching for a SlotPurchased event. Observed=false
// after a timeout means "not yet", not failure.
type PurchaseObservation struct {
	Observed    bool     `json:"observed"`
	TxHash      string   `json:"tx_hash,omitempty"`
	TokenID     *big.Int `json:"token_id,omitempty"`
	Amount      *big.Int `json:"amount,omitempty"`
	BlockNumber uint64   `json:"block_number,omitempty"`
}

// PurchaseResult is the outcome of a custodial buySlot execution.
type PurchaseResult struct {
	Success        bool     `json:"success"`
	TxHash         string   `json:"tx_hash,omitempty"`
	TokenID        *big.Int `json:"token_id,omitempty"`
	QuotedAmount   *big.Int `json:"quoted_amount,omitempty"`
	ApprovalTxHash string   `json:"approval_tx_hash,omitempty"`
}

// ReceiptStatus is the terminal state of a previously submitted transaction, as seen by
// reconciliation.
type ReceiptStatus struct {
	Found   bool
	Success bool
	TokenID *big.Int
}

// ReceiptReconcileResult summarizes one receipt reconciliation pass.
type ReceiptReconcileResult struct {
	Processed    int `json:"processed"`
	Linked       int `json:"linked"`
	Finalized    int `json:"finalized"`
	StillPending int `json:"still_pending"`
	Reverted     int `json:"reverted"`
	Unresolved   int `json:"unresolved"`
	Failed       int `json:"failed"`
}
