package app

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/outlier/settlement-service/internal/domain"
	"github.com/outlier/settlement-service/pkg/rabbitmq"
	"go.uber.org/zap"
)

// detachedSettleTimeout bounds a settlement that runs outside any request. It covers the
// custodial receipt wait.
const detachedSettleTimeout = 5 * time.Minute

// ChatPaymentConsumer settles chat-platform payments queued by the webhook.
type ChatPaymentConsumer struct {
	service *Service
	logger  *zap.Logger
}

func NewChatPaymentConsumer(service *Service, logger *zap.Logger) *ChatPaymentConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatPaymentConsumer{service: service, logger: logger.With(zap.String("component", "chat_payment_consumer"))}
}

// HandleMessage returns false only for failures a redelivery can fix.
func (c *ChatPaymentConsumer) HandleMessage(body []byte) bool {
	var req domain.SettlementRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.logger.Error("failed to unmarshal payload; dropping", zap.Error(err))
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), detachedSettleTimeout)
	defer cancel()

	result, err := c.service.Settle(ctx, req)
	if err == nil {
		c.logger.Info("chat payment settled",
			zap.String("idempotency_key", req.IdempotencyKey()),
			zap.Bool("replayed", result.Replayed),
			zap.String("receipt", string(result.Receipt)),
		)
		return true
	}
	if isRetryableSettlementError(err) {
		c.logger.Warn("chat payment settlement failed; re-queuing", zap.String("idempotency_key", req.IdempotencyKey()), zap.Error(err))
		return false
	}
	c.logger.Warn("chat payment settlement ended without a paid order",
		zap.String("idempotency_key", req.IdempotencyKey()),
		zap.Error(err),
	)
	return true
}

// isRetryableSettlementError reports whether running Settle again may succeed without
// operator work. Payment-received outcomes are left to reconciliation.
func isRetryableSettlementError(err error) bool {
	switch {
	case err == nil:
		return false
	case domain.IsPaymentReceivedOutcome(err),
		errors.Is(err, domain.ErrSlotsExhausted),
		errors.Is(err, domain.ErrInvalidDrop),
		errors.Is(err, domain.ErrInvalidQuantity),
		errors.Is(err, domain.ErrInvalidRequest),
		errors.Is(err, domain.ErrVerificationFailed):
		return false
	}
	return true
}

// EnqueueChatPayment hands a successful chat payment to the broker. Without a broker the
// payment is settled inline on a detached context so the webhook can answer immediately.
func (s *Service) EnqueueChatPayment(ctx context.Context, req domain.SettlementRequest) {
	if _, fallback := s.eventProducer.(*rabbitmq.EventProducerFallback); !fallback {
		err := s.eventProducer.Publish(ctx, s.exchange, rabbitmq.RoutingKeyTelegramPayment, req)
		if err == nil {
			return
		}
		s.logger.Warn("failed to queue chat payment; settling inline",
			zap.String("idempotency_key", req.IdempotencyKey()),
			zap.Error(err),
		)
	}
	go s.settleDetached(req)
}

func (s *Service) settleDetached(req domain.SettlementRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), detachedSettleTimeout)
	defer cancel()

	result, err := s.Settle(ctx, req)
	if err != nil {
		s.logger.Warn("inline settlement failed",
			zap.String("flow", "settle_detached"),
			zap.String("idempotency_key", req.IdempotencyKey()),
			zap.Error(err),
		)
		return
	}
	s.logger.Info("inline settlement complete",
		zap.String("flow", "settle_detached"),
		zap.String("idempotency_key", req.IdempotencyKey()),
		zap.Bool("replayed", result.Replayed),
	)
}
