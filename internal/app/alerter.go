package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/outlier/settlement-service/pkg/metrics"
	"github.com/outlier/settlement-service/pkg/rabbitmq"
	"go.uber.org/zap"
)

// Alert kinds.
const (
	AlertInsufficientBalance  = "insufficient_custodial_balance"
	AlertPurchaseReverted     = "purchase_reverted"
	AlertExecutionUnknown     = "execution_unknown"
	AlertQuoteShortfall       = "quote_shortfall"
	AlertCustodyDisabled      = "custody_disabled"
	AlertDropFallback         = "drop_fallback_created"
	AlertSlotsExhausted       = "slots_exhausted_refund_required"
	AlertSlotsAfterPurchase   = "slots_exhausted_after_purchase"
	AlertReceiptReconcileFail = "receipt_reconcile_failed"
)

// Alert is a condition an operator must look at.
type Alert struct {
	Kind           string    `json:"kind"`
	Message        string    `json:"message"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	OrderID        string    `json:"order_id,omitempty"`
	DropID         uint64    `json:"drop_id,omitempty"`
	Rail           string    `json:"rail,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	RaisedAt       time.Time `json:"raised_at"`
}

// Alerter delivers operator alerts.
type Alerter interface {
	Alert(ctx context.Context, alert Alert) error
}

// MessageSender is the subset of the Telegram client used to reach the operator chat.
type MessageSender interface {
	SendMessage(ctx context.Context, chatID string, text string) error
}

// LogAlerter logs alerts at error level.
type LogAlerter struct {
	logger *zap.Logger
}

func NewLogAlerter(logger *zap.Logger) *LogAlerter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogAlerter{logger: logger.With(zap.String("component", "alerter"))}
}

func (a *LogAlerter) Alert(ctx context.Context, alert Alert) error {
	a.logger.Error("operator alert",
		zap.String("kind", alert.Kind),
		zap.String("msg_detail", alert.Message),
		zap.String("idempotency_key", alert.IdempotencyKey),
		zap.String("order_id", alert.OrderID),
		zap.Uint64("drop_id", alert.DropID),
		zap.String("rail", alert.Rail),
		zap.String("detail", alert.Detail),
	)
	return nil
}

// RabbitAlerter publishes alerts to settlement.alert.<kind>.
type RabbitAlerter struct {
	producer rabbitmq.Publisher
	exchange string
}

func NewRabbitAlerter(producer rabbitmq.Publisher, exchange string) *RabbitAlerter {
	return &RabbitAlerter{producer: producer, exchange: exchange}
}

func (a *RabbitAlerter) Alert(ctx context.Context, alert Alert) error {
	if a.producer == nil {
		return nil
	}
	return a.producer.Publish(ctx, a.exchange, rabbitmq.RoutingKeyAlertPrefix+alert.Kind, alert)
}

// TelegramAlerter posts alerts to the operator chat.
type TelegramAlerter struct {
	sender MessageSender
	chatID string
}

func NewTelegramAlerter(sender MessageSender, chatID string) *TelegramAlerter {
	return &TelegramAlerter{sender: sender, chatID: strings.TrimSpace(chatID)}
}

func (a *TelegramAlerter) Alert(ctx context.Context, alert Alert) error {
	if a.sender == nil || a.chatID == "" {
		return nil
	}
	return a.sender.SendMessage(ctx, a.chatID, formatAlertText(alert))
}

func formatAlertText(alert Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[settlement] %s\n%s", alert.Kind, alert.Message)
	if alert.DropID != 0 {
		fmt.Fprintf(&b, "\ndrop: %d", alert.DropID)
	}
	if alert.IdempotencyKey != "" {
		fmt.Fprintf(&b, "\nkey: %s", alert.IdempotencyKey)
	}
	if alert.OrderID != "" {
		fmt.Fprintf(&b, "\norder: %s", alert.OrderID)
	}
	if alert.Detail != "" {
		fmt.Fprintf(&b, "\ndetail: %s", alert.Detail)
	}
	return b.String()
}

// MultiAlerter fans an alert out to every sink and joins their errors.
type MultiAlerter struct {
	sinks   []Alerter
	metrics metrics.Recorder
}

func NewMultiAlerter(recorder metrics.Recorder, sinks ...Alerter) *MultiAlerter {
	filtered := make([]Alerter, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			filtered = append(filtered, sink)
		}
	}
	return &MultiAlerter{sinks: filtered, metrics: metrics.OrNoop(recorder)}
}

func (m *MultiAlerter) Alert(ctx context.Context, alert Alert) error {
	if alert.RaisedAt.IsZero() {
		alert.RaisedAt = time.Now().UTC()
	}
	m.metrics.IncCounter(metrics.OperatorAlertRaised, map[string]string{"rail": alert.Rail, "outcome": alert.Kind})
	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Alert(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// raiseAlert never fails the settlement that triggered it.
func (s *Service) raiseAlert(ctx context.Context, alert Alert) {
	if alert.RaisedAt.IsZero() {
		alert.RaisedAt = s.now()
	}
	if err := s.alerter.Alert(ctx, alert); err != nil {
		s.logger.Warn("operator alert delivery failed", zap.String("kind", alert.Kind), zap.Error(err))
	}
}
