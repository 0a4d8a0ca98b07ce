package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/outlier/settlement-service/internal/domain"
	"github.com/outlier/settlement-service/pkg/metrics"
	"github.com/outlier/settlement-service/pkg/rabbitmq"
	"go.uber.org/zap"
)

const (
	defaultReceiptReconcileLimit        = 100
	maxReceiptReconcileLimit            = 500
	receiptReconcileEligibilityAge      = 2 * time.Minute
	receiptReconcileCandidateLockWindow = 30 * time.Second
)

// ReconcilePendingReceipts re-reads receipts for paid orders still missing a token id and
// for pending off-chain orders whose custodial purchase was broadcast but never confirmed.
func (s *Service) ReconcilePendingReceipts(ctx context.Context, limit int) (*domain.ReceiptReconcileResult, error) {
	if limit <= 0 {
		limit = s.reconcileLimit
	}
	if limit <= 0 {
		limit = defaultReceiptReconcileLimit
	}
	if limit > maxReceiptReconcileLimit {
		limit = maxReceiptReconcileLimit
	}

	cutoff := s.now().Add(-receiptReconcileEligibilityAge)
	candidates, err := s.repo.ListReceiptReconcileCandidates(ctx, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list receipt reconciliation candidates: %w", err)
	}

	result := &domain.ReceiptReconcileResult{Processed: len(candidates)}
	for i := range candidates {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		order := candidates[i]
		logger := s.logger.With(
			zap.String("flow", "receipt_reconcile"),
			zap.String("order_id", order.ID.String()),
			zap.String("idempotency_key", order.IdempotencyKey),
			zap.Uint64("drop_id", order.DropID),
		)
		if order.Status == domain.OrderStatusPending {
			s.reconcilePendingPurchase(ctx, &order, result, logger)
			continue
		}
		s.reconcileMissingReceipt(ctx, &order, result, logger)
	}

	logger := s.logger.With(zap.String("flow", "receipt_reconcile"))
	logger.Info("receipt reconciliation pass complete",
		zap.Int("processed", result.Processed),
		zap.Int("linked", result.Linked),
		zap.Int("finalized", result.Finalized),
		zap.Int("still_pending", result.StillPending),
		zap.Int("reverted", result.Reverted),
		zap.Int("unresolved", result.Unresolved),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

func (s *Service) reconcileMissingReceipt(ctx context.Context, order *domain.Order, result *domain.ReceiptReconcileResult, logger *zap.Logger) {
	txRef := stringValue(order.ReceiptTxHash)
	if txRef == "" {
		txRef = stringValue(order.CustodialTxHash)
	}
	if txRef == "" {
		result.Unresolved++
		return
	}

	status, err := s.verifier.ReceiptStatus(ctx, txRef, s.receiptOwner(order))
	if err != nil {
		result.Failed++
		logger.Warn("receipt lookup failed", zap.String("tx_hash", txRef), zap.Error(err))
		return
	}
	if !status.Found || !status.Success || status.TokenID == nil {
		result.Unresolved++
		logger.Info("receipt token still unavailable",
			zap.String("tx_hash", txRef),
			zap.Bool("found", status.Found),
			zap.Bool("success", status.Success),
		)
		return
	}

	tokenID := status.TokenID.String()
	if err := s.repo.LinkOrderReceipt(ctx, order.ID, tokenID, txRef); err != nil {
		result.Failed++
		logger.Error("failed to link receipt token", zap.String("token_id", tokenID), zap.Error(err))
		return
	}
	order.TokenID = &tokenID
	order.ReceiptTxHash = &txRef
	result.Linked++
	s.metrics.IncCounter(metrics.ReceiptReconciled, railLabels(order.PaymentMethod, "linked"))
	s.publish(ctx, rabbitmq.RoutingKeyReceiptLinked, order)
	logger.Info("receipt token linked", zap.String("token_id", tokenID), zap.String("tx_hash", txRef))
}

func (s *Service) reconcilePendingPurchase(ctx context.Context, order *domain.Order, result *domain.ReceiptReconcileResult, logger *zap.Logger) {
	txHash := stringValue(order.CustodialTxHash)
	if txHash == "" {
		result.Unresolved++
		return
	}

	lockCtx, cancel := context.WithTimeout(ctx, receiptReconcileCandidateLockWindow)
	release, err := s.locker.Lock(lockCtx, order.IdempotencyKey)
	cancel()
	if err != nil {
		// A live settlement holds the key; the next pass will see its outcome.
		result.StillPending++
		logger.Info("skip candidate locked by an in-flight settlement", zap.Error(err))
		return
	}
	defer release()

	current, err := s.repo.FindOrderByID(ctx, order.ID)
	if err != nil {
		result.Failed++
		logger.Warn("candidate lookup failed", zap.Error(err))
		return
	}
	if current.IsSettled() || strings.TrimSpace(stringValue(current.CustodialTxHash)) != txHash {
		result.Unresolved++
		return
	}

	status, err := s.verifier.ReceiptStatus(ctx, txHash, s.custodianAddress())
	if err != nil {
		result.Failed++
		logger.Warn("custodial receipt lookup failed", zap.String("tx_hash", txHash), zap.Error(err))
		return
	}
	switch {
	case !status.Found:
		result.StillPending++
		logger.Info("custodial purchase still unconfirmed", zap.String("tx_hash", txHash))
	case !status.Success:
		result.Reverted++
		if stringValue(current.FailureReason) != failurePurchaseReverted {
			s.markFailure(ctx, current, failurePurchaseReverted, logger)
			s.raiseAlert(ctx, s.orderAlert(AlertPurchaseReverted, current, "custodial purchase reverted; operator retry required", "tx_hash="+txHash))
		}
	default:
		var tokenID *string
		outcome := domain.ReceiptMissing
		if status.TokenID != nil {
			value := status.TokenID.String()
			tokenID = &value
			outcome = domain.ReceiptLinked
		}
		if _, err := s.finalizeCustodial(ctx, current, txHash, tokenID, outcome, logger); err != nil {
			result.Failed++
			logger.Warn("failed to finalize confirmed custodial purchase", zap.Error(err))
			return
		}
		result.Finalized++
		s.metrics.IncCounter(metrics.ReceiptReconciled, railLabels(current.PaymentMethod, "finalized"))
	}
}

// receiptOwner is the address the receipt token is minted to.
func (s *Service) receiptOwner(order *domain.Order) common.Address {
	if order.PaymentMethod.IsOffchain() {
		return s.custodianAddress()
	}
	if common.IsHexAddress(order.CustomerWallet) {
		return common.HexToAddress(order.CustomerWallet)
	}
	return common.Address{}
}
