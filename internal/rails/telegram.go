package rails

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/outlier/settlement-service/internal/domain"
	"github.com/outlier/settlement-service/pkg/metrics"
	"go.uber.org/zap"
)

const (
	TelegramSecretHeader = "X-Telegram-Bot-Api-Secret-Token"
	// DefaultPreCheckoutTimeout stays under Telegram's 10s answer window.
	DefaultPreCheckoutTimeout = 8 * time.Second

	preCheckoutUnavailable = "Order is no longer available"
	preCheckoutInvalid     = "Payment validation failed. Please try again."
)

// TelegramUpdate is the subset of a Bot API update the payment flow reads.
type TelegramUpdate struct {
	UpdateID         int64             `json:"update_id"`
	PreCheckoutQuery *PreCheckoutQuery `json:"pre_checkout_query,omitempty"`
	Message          *TelegramMessage  `json:"message,omitempty"`
}

type TelegramUser struct {
	ID        int64  `json:"id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
}

type PreCheckoutQuery struct {
	ID             string       `json:"id"`
	From           TelegramUser `json:"from"`
	Currency       string       `json:"currency"`
	TotalAmount    int64        `json:"total_amount"`
	InvoicePayload string       `json:"invoice_payload"`
}

type TelegramMessage struct {
	MessageID         int64              `json:"message_id"`
	From              *TelegramUser      `json:"from,omitempty"`
	SuccessfulPayment *SuccessfulPayment `json:"successful_payment,omitempty"`
}

type SuccessfulPayment struct {
	Currency                string `json:"currency"`
	TotalAmount             int64  `json:"total_amount"`
	InvoicePayload          string `json:"invoice_payload"`
	TelegramPaymentChargeID string `json:"telegram_payment_charge_id"`
	ProviderPaymentChargeID string `json:"provider_payment_charge_id,omitempty"`
}

// TelegramAdapter authenticates and parses Bot API webhook updates.
type TelegramAdapter struct {
	secret string
	logger *zap.Logger
}

func NewTelegramAdapter(secret string, logger *zap.Logger) *TelegramAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TelegramAdapter{
		secret: strings.TrimSpace(secret),
		logger: logger.With(zap.String("component", "telegram_rail")),
	}
}

// Authenticate compares the secret token header in constant time. No configured secret
// means no check.
func (a *TelegramAdapter) Authenticate(header string) error {
	if a.secret == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(header)), []byte(a.secret)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// ParseUpdate decodes a webhook body.
func (a *TelegramAdapter) ParseUpdate(body []byte) (TelegramUpdate, error) {
	var update TelegramUpdate
	if err := json.Unmarshal(body, &update); err != nil {
		return update, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return update, nil
}

// PaymentRequest turns a successful_payment message into a settlement request.
func (a *TelegramAdapter) PaymentRequest(msg *TelegramMessage) (domain.SettlementRequest, error) {
	var req domain.SettlementRequest
	if msg == nil || msg.SuccessfulPayment == nil {
		return req, fmt.Errorf("%w: no successful_payment", ErrMalformedPayload)
	}
	payment := msg.SuccessfulPayment
	if strings.TrimSpace(payment.TelegramPaymentChargeID) == "" {
		return req, fmt.Errorf("%w: telegram_payment_charge_id missing", ErrMalformedPayload)
	}
	payload, err := decodeInvoicePayload(payment.InvoicePayload)
	if err != nil {
		return req, err
	}

	telegramID := payload.CustomerTelegramID.String()
	if telegramID == "" && msg.From != nil {
		telegramID = strconv.FormatInt(msg.From.ID, 10)
	}
	return domain.SettlementRequest{
		Method:          domain.PaymentMethodChatPoints,
		Reference:       payment.TelegramPaymentChargeID,
		DropID:          payload.DropID,
		Quantity:        payload.Quantity,
		CustomerWallet:  strings.TrimSpace(payload.CustomerWallet),
		CustomerEmail:   strings.TrimSpace(payload.CustomerEmail),
		TelegramID:      telegramID,
		ShippingAddress: payload.ShippingAddress,
		BoxType:         payload.BoxType,
		PaymentAmount:   payment.TotalAmount,
		PaymentCurrency: domain.CurrencyStars,
	}, nil
}

func decodeInvoicePayload(raw string) (domain.InvoicePayload, error) {
	var payload domain.InvoicePayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return payload, fmt.Errorf("%w: invoice_payload: %v", ErrMalformedPayload, err)
	}
	if payload.DropID == 0 {
		return payload, fmt.Errorf("%w: invoice_payload without dropId", ErrMalformedPayload)
	}
	if payload.Quantity == 0 {
		payload.Quantity = 1
	}
	if len(payload.ShippingAddress) > 0 && payload.ShippingAddress[0] == '"' {
		var text string
		if err := json.Unmarshal(payload.ShippingAddress, &text); err == nil {
			payload.ShippingAddress = domain.NormalizeShippingAddress(text)
		}
	}
	return payload, nil
}

// DropLookup is the in-memory drop view the gate reads.
type DropLookup interface {
	Lookup(dropID uint64) (domain.Drop, bool)
}

// PreCheckoutAnswerer answers Telegram's pre-checkout query.
type PreCheckoutAnswerer interface {
	AnswerPreCheckoutQuery(ctx context.Context, queryID string, ok bool, errorMessage string) error
}

// PreCheckoutGate accepts or rejects a Stars payment before it is taken. It reads only
// the drop cache and never touches the ledger or the chain.
type PreCheckoutGate struct {
	drops    DropLookup
	answerer PreCheckoutAnswerer
	timeout  time.Duration
	metrics  metrics.Recorder
	logger   *zap.Logger
	now      func() time.Time
}

func NewPreCheckoutGate(drops DropLookup, answerer PreCheckoutAnswerer, timeout time.Duration, recorder metrics.Recorder, logger *zap.Logger) *PreCheckoutGate {
	if timeout <= 0 {
		timeout = DefaultPreCheckoutTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PreCheckoutGate{
		drops:    drops,
		answerer: answerer,
		timeout:  timeout,
		metrics:  metrics.OrNoop(recorder),
		logger:   logger.With(zap.String("component", "precheckout_gate")),
		now:      time.Now,
	}
}

// Decide reports whether the query may proceed and, if not, the message shown to the payer.
func (g *PreCheckoutGate) Decide(query PreCheckoutQuery) (bool, string) {
	payload, err := decodeInvoicePayload(query.InvoicePayload)
	if err != nil {
		return false, preCheckoutInvalid
	}
	if payload.Quantity < 1 || payload.Quantity > domain.MaxQuantity {
		return false, preCheckoutInvalid
	}
	if g.drops == nil {
		return false, preCheckoutUnavailable
	}
	drop, ok := g.drops.Lookup(payload.DropID)
	if !ok || !drop.IsFundingOpen(g.now()) || drop.RemainingSlots() < payload.Quantity {
		return false, preCheckoutUnavailable
	}
	return true, ""
}

// Answer decides and replies to Telegram on a fresh context bounded by the gate's timeout,
// independent of any caller deadline.
func (g *PreCheckoutGate) Answer(query PreCheckoutQuery) error {
	ok, message := g.Decide(query)
	outcome := "accepted"
	if !ok {
		outcome = "rejected"
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	if g.answerer == nil {
		return ErrNotConfigured
	}
	err := g.answerer.AnswerPreCheckoutQuery(ctx, query.ID, ok, message)
	if err != nil {
		outcome = "answer_failed"
	}
	g.metrics.IncCounter(metrics.PreCheckoutAnswered, map[string]string{"rail": domain.PaymentMethodChatPoints.KeyPrefix(), "outcome": outcome})
	g.logger.Info("pre-checkout answered",
		zap.String("flow", "precheckout"),
		zap.String("query_id", query.ID),
		zap.String("outcome", outcome),
		zap.Error(err),
	)
	if err != nil {
		return fmt.Errorf("failed to answer pre-checkout query: %w", err)
	}
	return nil
}
