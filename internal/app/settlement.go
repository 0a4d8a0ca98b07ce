package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/outlier/settlement-service/internal/domain"
	"github.com/outlier/settlement-service/internal/store"
	"github.com/outlier/settlement-service/pkg/metrics"
	"github.com/outlier/settlement-service/pkg/rabbitmq"
	"go.uber.org/zap"
)

// Failure reasons persisted on pending or cancelled orders.
const (
	failureSlotsExhausted      = "slots_exhausted"
	failureSlotsAfterPurchase  = "slots_exhausted_after_purchase"
	failureDropClosed          = "drop_not_funding"
	failureInsufficientBalance = "insufficient_custodial_balance"
	failurePurchaseReverted    = "purchase_reverted"
	failureExecutionUnknown    = "execution_unknown"
	failureQuoteShortfall      = "quote_shortfall"
	failureCustodyDisabled     = "custody_disabled"
	failureVerificationPrefix  = "verification_failed:"
)

const custodialHashWriteTimeout = 10 * time.Second

// ErrOrderNotRetryable is returned by RetryCustody for orders custody cannot act on.
var ErrOrderNotRetryable = errors.New("order is not eligible for custody retry")

// Settle turns one normalized payment event into exactly one ledger order.
//
// A replay of an already-settled key returns the stored order with Replayed set and has no
// side effects. Payment-received outcomes (custody short of funds, reverted or unknown
// purchases, quote shortfall, custody disabled) return the pending order together with the
// error; the payment must not be retried by the provider as a new charge.
func (s *Service) Settle(ctx context.Context, req domain.SettlementRequest) (*domain.SettlementResult, error) {
	started := time.Now()
	if req.Quantity < 1 || req.Quantity > domain.MaxQuantity {
		return nil, fmt.Errorf("%w: %d", domain.ErrInvalidQuantity, req.Quantity)
	}
	req.CustomerWallet = customerWallet(req)
	if req.PaymentCurrency == "" {
		req.PaymentCurrency = domain.CurrencyUSDC
		if req.Method == domain.PaymentMethodChatPoints {
			req.PaymentCurrency = domain.CurrencyStars
		}
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = s.now()
	}

	key := req.IdempotencyKey()
	logger := s.logger.With(
		zap.String("flow", "settle"),
		zap.String("idempotency_key", key),
		zap.String("rail", req.Method.KeyPrefix()),
		zap.Uint64("drop_id", req.DropID),
	)
	defer func() {
		s.metrics.ObserveLatency(metrics.SettleLatency, time.Since(started), railLabels(req.Method, ""))
	}()

	settled, err := s.findSettled(ctx, key)
	if err != nil {
		return nil, err
	}
	if settled != nil {
		return s.replay(settled, logger), nil
	}

	release, err := s.locker.Lock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire settlement lock: %w", err)
	}
	defer release()

	// Another delivery may have finished while we waited for the lock.
	settled, err = s.findSettled(ctx, key)
	if err != nil {
		return nil, err
	}
	if settled != nil {
		return s.replay(settled, logger), nil
	}

	return s.settleLocked(ctx, req, key, logger)
}

func (s *Service) settleLocked(ctx context.Context, req domain.SettlementRequest, key string, logger *zap.Logger) (*domain.SettlementResult, error) {
	if req.Method == domain.PaymentMethodOnchain {
		verification, err := s.verifyOnchain(ctx, req)
		if err != nil {
			if reason, ok := domain.VerificationReasonOf(err); ok {
				s.metrics.IncCounter(metrics.VerificationFailed, railLabels(req.Method, string(reason)))
				logger.Warn("on-chain payment verification failed", zap.String("reason", string(reason)), zap.Error(err))
				if isTerminalVerificationReason(reason) {
					s.recordCancelledOrder(ctx, req, key, reason, logger)
				}
			}
			return nil, err
		}
		if verification.ActualAmount != nil && verification.ActualAmount.IsInt64() {
			req.PaymentAmount = verification.ActualAmount.Int64()
		}
	}

	drop, err := s.resolveDrop(ctx, req.DropID, req.Method)
	if err != nil {
		return nil, err
	}

	order, err := s.repo.UpsertPendingOrder(ctx, s.pendingOrder(req, key))
	if err != nil {
		return nil, fmt.Errorf("failed to persist pending order: %w", err)
	}
	if order.IsSettled() {
		return s.replay(order, logger), nil
	}
	logger = logger.With(zap.String("order_id", order.ID.String()))

	if req.Method.IsOffchain() {
		return s.settleOffchain(ctx, drop, order, logger)
	}
	return s.settleOnchain(ctx, order, logger)
}

// verifyOnchain re-confirms the claimed transfer against the authoritative quote. The
// configured tolerance absorbs tier price changes between payment and callback. Without a
// configured recipient nothing proves the transfer paid us, so the rail refuses to settle.
func (s *Service) verifyOnchain(ctx context.Context, req domain.SettlementRequest) (domain.Verification, error) {
	if s.paymentRecipient == (common.Address{}) {
		return domain.Verification{}, fmt.Errorf("%w: onchain recipient", ErrRailNotConfigured)
	}
	if claimed := strings.TrimSpace(req.ClaimedRecipient); common.IsHexAddress(claimed) && common.HexToAddress(claimed) != s.paymentRecipient {
		s.logger.Warn("callback names a foreign recipient; verifying against the configured one",
			zap.String("claimed_recipient", claimed))
	}

	quote, err := s.Quote(ctx, req.DropID, req.Quantity)
	if err != nil {
		return domain.Verification{}, err
	}
	expected := applyTolerance(quote.TotalAmount, s.toleranceBps)
	recipient := s.paymentRecipient

	started := time.Now()
	verification, err := s.verifier.Verify(ctx, req.Reference, expected, &recipient)
	s.metrics.ObserveLatency(metrics.VerificationLatency, time.Since(started), railLabels(req.Method, ""))
	return verification, err
}

// isTerminalVerificationReason reports outcomes fixed by the transaction itself. Amount and
// recipient mismatches depend on callback fields and tx_not_found may have raced the chain,
// so none of those close the key.
func isTerminalVerificationReason(reason domain.VerificationReason) bool {
	switch reason {
	case domain.ReasonTxReverted, domain.ReasonNoTransferFound:
		return true
	}
	return false
}

// recordCancelledOrder persists a rejected on-chain claim when its drop is already known.
func (s *Service) recordCancelledOrder(ctx context.Context, req domain.SettlementRequest, key string, reason domain.VerificationReason, logger *zap.Logger) {
	if _, err := s.repo.FindDropByID(ctx, req.DropID); err != nil {
		if !errors.Is(err, domain.ErrDropNotFound) {
			logger.Warn("failed to load drop for cancelled order", zap.Error(err))
		}
		return
	}
	order, err := s.repo.UpsertPendingOrder(ctx, s.pendingOrder(req, key))
	if err != nil {
		logger.Warn("failed to persist rejected payment", zap.Error(err))
		return
	}
	if order.IsSettled() {
		return
	}
	failure := failureVerificationPrefix + string(reason)
	if err := s.repo.CancelOrder(ctx, order.ID, failure); err != nil {
		logger.Warn("failed to cancel rejected order", zap.String("order_id", order.ID.String()), zap.Error(err))
		return
	}
	order.Status = domain.OrderStatusCancelled
	order.FailureReason = &failure
	s.publish(ctx, rabbitmq.RoutingKeyOrderCancelled, order)
}

func (s *Service) settleOnchain(ctx context.Context, order *domain.Order, logger *zap.Logger) (*domain.SettlementResult, error) {
	var buyer common.Address
	if common.IsHexAddress(order.CustomerWallet) {
		buyer = common.HexToAddress(order.CustomerWallet)
	}

	outcome := domain.ReceiptMissing
	var tokenID *string
	id, err := s.verifier.ExtractPurchasedTokenID(ctx, order.PaymentReference, buyer)
	switch {
	case err == nil:
		value := id.String()
		tokenID = &value
		outcome = domain.ReceiptLinked
	case errors.Is(err, domain.ErrTokenIDNotFound):
		logger.Warn("no receipt token in buyer transaction; settling without receipt")
	default:
		logger.Warn("receipt lookup failed; settling without receipt", zap.Error(err))
	}

	receiptTx := strings.ToLower(order.PaymentReference)
	paid, err := s.finalize(ctx, order, false, tokenID, &receiptTx, nil)
	if err != nil {
		return s.finalizeFailed(ctx, order, err, logger)
	}
	return s.completed(ctx, paid, outcome, logger), nil
}

// settleOffchain buys the slots with custodial funds and marks the order paid. It is also
// the entry point for operator retries.
func (s *Service) settleOffchain(ctx context.Context, drop *domain.Drop, order *domain.Order, logger *zap.Logger) (*domain.SettlementResult, error) {
	if hash := stringValue(order.CustodialTxHash); hash != "" {
		return s.resumeCustodialPurchase(ctx, order, hash, logger)
	}

	if drop.Status != domain.DropStatusFunding {
		s.markFailure(ctx, order, failureDropClosed, logger)
		s.raiseAlert(ctx, s.orderAlert(AlertSlotsExhausted, order, "payment received for a drop that is no longer funding; refund required", drop.Status.String()))
		return nil, fmt.Errorf("%w: drop %d is %s", domain.ErrSlotsExhausted, drop.ID, drop.Status)
	}
	if drop.RemainingSlots() < order.Quantity {
		s.metrics.IncCounter(metrics.SlotsExhausted, railLabels(order.PaymentMethod, "precheck"))
		s.markFailure(ctx, order, failureSlotsExhausted, logger)
		s.raiseAlert(ctx, s.orderAlert(AlertSlotsExhausted, order, "payment received for a sold-out drop; refund required", fmt.Sprintf("remaining=%d", drop.RemainingSlots())))
		return nil, fmt.Errorf("%w: drop %d has %d remaining", domain.ErrSlotsExhausted, drop.ID, drop.RemainingSlots())
	}
	if s.custody == nil {
		return s.leavePending(ctx, order, failureCustodyDisabled, AlertCustodyDisabled, domain.ErrCustodyDisabled, logger)
	}

	submitted := func(cbCtx context.Context, txHash string) {
		hash := txHash
		order.CustodialTxHash = &hash
		// The purchase is already broadcast; record it even if the caller has gone away.
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(cbCtx), custodialHashWriteTimeout)
		defer cancel()
		if err := s.repo.UpdateOrderMetadata(writeCtx, order.ID, store.UpdateOrderMetadataParams{CustodialTxHash: &hash}); err != nil {
			logger.Error("failed to persist custodial tx hash", zap.String("tx_hash", txHash), zap.Error(err))
		}
	}

	started := time.Now()
	purchase, err := s.custody.ExecutePurchase(ctx, order.DropID, order.Quantity, order.CustomerWallet, big.NewInt(order.SettlementMicros), submitted)
	s.metrics.ObserveLatency(metrics.CustodyLatency, time.Since(started), railLabels(order.PaymentMethod, ""))

	switch {
	case err == nil, errors.Is(err, domain.ErrTokenIDNotFound):
		s.metrics.IncCounter(metrics.CustodyPurchase, railLabels(order.PaymentMethod, "success"))
		var tokenID *string
		outcome := domain.ReceiptMissing
		if err == nil && purchase.TokenID != nil {
			value := purchase.TokenID.String()
			tokenID = &value
			outcome = domain.ReceiptLinked
		} else {
			logger.Warn("custodial purchase succeeded without receipt token", zap.String("tx_hash", purchase.TxHash))
		}
		return s.finalizeCustodial(ctx, order, purchase.TxHash, tokenID, outcome, logger)
	case errors.Is(err, domain.ErrInsufficientCustodialBalance):
		s.metrics.IncCounter(metrics.InsufficientBalance, railLabels(order.PaymentMethod, "rejected"))
		return s.leavePending(ctx, order, failureInsufficientBalance, AlertInsufficientBalance, err, logger)
	case errors.Is(err, domain.ErrQuoteShortfall):
		s.metrics.IncCounter(metrics.CustodyPurchase, railLabels(order.PaymentMethod, "quote_shortfall"))
		return s.leavePending(ctx, order, failureQuoteShortfall, AlertQuoteShortfall, err, logger)
	case errors.Is(err, domain.ErrPurchaseTxReverted):
		s.metrics.IncCounter(metrics.CustodyPurchase, railLabels(order.PaymentMethod, "reverted"))
		return s.leavePending(ctx, order, failurePurchaseReverted, AlertPurchaseReverted, err, logger)
	case errors.Is(err, domain.ErrExecutionUnknown):
		s.metrics.IncCounter(metrics.CustodyPurchase, railLabels(order.PaymentMethod, "unknown"))
		return s.leavePending(ctx, order, failureExecutionUnknown, AlertExecutionUnknown, err, logger)
	default:
		s.metrics.IncCounter(metrics.CustodyPurchase, railLabels(order.PaymentMethod, "error"))
		logger.Warn("custodial purchase failed before submission; order left pending", zap.Error(err))
		return nil, err
	}
}

// resumeCustodialPurchase resolves a purchase that was already broadcast instead of buying
// a second time.
func (s *Service) resumeCustodialPurchase(ctx context.Context, order *domain.Order, txHash string, logger *zap.Logger) (*domain.SettlementResult, error) {
	status, err := s.verifier.ReceiptStatus(ctx, txHash, s.custodianAddress())
	if err != nil {
		return nil, fmt.Errorf("failed to read custodial receipt: %w", err)
	}
	if !status.Found {
		logger.Info("custodial purchase still unconfirmed", zap.String("tx_hash", txHash))
		return s.leavePending(ctx, order, failureExecutionUnknown, "", fmt.Errorf("%w: %s", domain.ErrExecutionUnknown, txHash), logger)
	}
	if !status.Success {
		return s.leavePending(ctx, order, failurePurchaseReverted, "", fmt.Errorf("%w: %s", domain.ErrPurchaseTxReverted, txHash), logger)
	}

	var tokenID *string
	outcome := domain.ReceiptMissing
	if status.TokenID != nil {
		value := status.TokenID.String()
		tokenID = &value
		outcome = domain.ReceiptLinked
	}
	return s.finalizeCustodial(ctx, order, txHash, tokenID, outcome, logger)
}

func (s *Service) finalizeCustodial(ctx context.Context, order *domain.Order, txHash string, tokenID *string, outcome domain.ReceiptOutcome, logger *zap.Logger) (*domain.SettlementResult, error) {
	hash := txHash
	paid, err := s.finalize(ctx, order, true, tokenID, &hash, &hash)
	if err == nil {
		return s.completed(ctx, paid, outcome, logger), nil
	}
	if errors.Is(err, domain.ErrSlotsExhausted) {
		s.metrics.IncCounter(metrics.SlotsExhausted, railLabels(order.PaymentMethod, "after_purchase"))
		s.markFailure(ctx, order, failureSlotsAfterPurchase, logger)
		s.raiseAlert(ctx, s.orderAlert(AlertSlotsAfterPurchase, order, "custodial purchase succeeded but the ledger has no slots left", "tx_hash="+txHash))
		return &domain.SettlementResult{Order: order, Receipt: domain.ReceiptDeferred}, err
	}
	return s.finalizeFailed(ctx, order, err, logger)
}

func (s *Service) finalize(ctx context.Context, order *domain.Order, enforce bool, tokenID, receiptTx, custodialTx *string) (*domain.Order, error) {
	wallet := order.CustomerWallet
	return s.repo.FinalizeSettlement(ctx, store.FinalizeSettlementParams{
		OrderID:          order.ID,
		DropID:           order.DropID,
		Quantity:         order.Quantity,
		EnforceSlotLimit: enforce,
		TokenID:          tokenID,
		ReceiptTxHash:    receiptTx,
		CustodialTxHash:  custodialTx,
		PaidAt:           s.now(),
		Wallet:           wallet,
		Email:            order.CustomerEmail,
		TelegramID:       order.TelegramID,
		SpentMicros:      order.SettlementMicros,
		NewReferralCode:  func() string { return newReferralCode(wallet) },
	})
}

// finalizeFailed turns a lost finalize race into a replay.
func (s *Service) finalizeFailed(ctx context.Context, order *domain.Order, err error, logger *zap.Logger) (*domain.SettlementResult, error) {
	if !errors.Is(err, store.ErrOrderAlreadySettled) {
		logger.Error("failed to finalize settlement", zap.Error(err))
		return nil, fmt.Errorf("failed to finalize settlement: %w", err)
	}
	stored, findErr := s.repo.FindOrderByIdempotencyKey(ctx, order.IdempotencyKey)
	if findErr != nil {
		return nil, fmt.Errorf("failed to load settled order: %w", findErr)
	}
	return s.replay(stored, logger), nil
}

func (s *Service) completed(ctx context.Context, order *domain.Order, outcome domain.ReceiptOutcome, logger *zap.Logger) *domain.SettlementResult {
	logger.Info("order settled",
		zap.String("outcome", string(outcome)),
		zap.String("status", order.Status),
		zap.String("token_id", stringValue(order.TokenID)),
	)
	s.metrics.IncCounter(metrics.Settled, railLabels(order.PaymentMethod, string(outcome)))
	s.publish(ctx, rabbitmq.RoutingKeyOrderPaid, order)
	if outcome == domain.ReceiptLinked {
		s.publish(ctx, rabbitmq.RoutingKeyReceiptLinked, order)
	}
	return &domain.SettlementResult{Order: order, Receipt: outcome}
}

// leavePending records why a received payment could not complete. alertKind may be empty
// for outcomes that were already alerted on the first attempt.
func (s *Service) leavePending(ctx context.Context, order *domain.Order, reason, alertKind string, cause error, logger *zap.Logger) (*domain.SettlementResult, error) {
	s.markFailure(ctx, order, reason, logger)
	logger.Warn("payment received but settlement incomplete; order left pending",
		zap.String("reason", reason),
		zap.String("tx_hash", stringValue(order.CustodialTxHash)),
		zap.Error(cause),
	)
	if alertKind != "" {
		s.raiseAlert(ctx, s.orderAlert(alertKind, order, "payment received; order left pending", cause.Error()))
	}
	s.publish(ctx, rabbitmq.RoutingKeyOrderPending, order)
	return &domain.SettlementResult{Order: order, Receipt: domain.ReceiptDeferred}, cause
}

func (s *Service) markFailure(ctx context.Context, order *domain.Order, reason string, logger *zap.Logger) {
	value := reason
	order.FailureReason = &value
	if err := s.repo.UpdateOrderMetadata(ctx, order.ID, store.UpdateOrderMetadataParams{FailureReason: &value}); err != nil {
		logger.Warn("failed to persist failure reason", zap.String("reason", reason), zap.Error(err))
	}
}

func (s *Service) orderAlert(kind string, order *domain.Order, message, detail string) Alert {
	return Alert{
		Kind:           kind,
		Message:        message,
		IdempotencyKey: order.IdempotencyKey,
		OrderID:        order.ID.String(),
		DropID:         order.DropID,
		Rail:           order.PaymentMethod.KeyPrefix(),
		Detail:         detail,
	}
}

func (s *Service) findSettled(ctx context.Context, key string) (*domain.Order, error) {
	order, err := s.repo.FindOrderByIdempotencyKey(ctx, key)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up order: %w", err)
	}
	if order.IsSettled() {
		return order, nil
	}
	return nil, nil
}

func (s *Service) replay(order *domain.Order, logger *zap.Logger) *domain.SettlementResult {
	logger.Info("idempotent replay; returning stored order",
		zap.String("order_id", order.ID.String()),
		zap.String("status", order.Status),
	)
	s.metrics.IncCounter(metrics.Replayed, railLabels(order.PaymentMethod, order.Status))
	return &domain.SettlementResult{Order: order, Replayed: true, Receipt: receiptOutcome(order)}
}

func receiptOutcome(order *domain.Order) domain.ReceiptOutcome {
	switch {
	case order.HasReceipt():
		return domain.ReceiptLinked
	case order.Status == domain.OrderStatusPending:
		return domain.ReceiptDeferred
	default:
		return domain.ReceiptMissing
	}
}

func (s *Service) pendingOrder(req domain.SettlementRequest, key string) *domain.Order {
	addr := domain.ParseShippingAddress(req.ShippingAddress)
	now := s.now()
	return &domain.Order{
		ID:               uuid.New(),
		DropID:           req.DropID,
		CustomerWallet:   req.CustomerWallet,
		CustomerEmail:    optionalString(req.CustomerEmail),
		CustomerName:     customerName(addr),
		TelegramID:       optionalString(req.TelegramID),
		ShippingAddress:  req.ShippingAddress,
		ShippingCost:     s.shippingCost(addr),
		Quantity:         req.Quantity,
		BoxType:          optionalString(req.BoxType),
		PaymentMethod:    req.Method,
		PaymentAmount:    req.PaymentAmount,
		PaymentCurrency:  req.PaymentCurrency,
		SettlementMicros: req.SettlementMicros(),
		PaymentReference: strings.TrimSpace(req.Reference),
		IdempotencyKey:   key,
		Status:           domain.OrderStatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func (s *Service) custodianAddress() common.Address {
	if s.custody == nil {
		return common.Address{}
	}
	return s.custody.Address()
}

// applyTolerance returns amount reduced by bps basis points.
func applyTolerance(amount *big.Int, bps int64) *big.Int {
	if amount == nil {
		return big.NewInt(0)
	}
	if bps <= 0 {
		return new(big.Int).Set(amount)
	}
	min := new(big.Int).Mul(amount, big.NewInt(10_000-bps))
	return min.Quo(min, big.NewInt(10_000))
}

// RetryCustody re-runs custodial execution for a pending off-chain order. A reverted
// purchase is cleared so it can be bought again; an unconfirmed one is only re-read.
func (s *Service) RetryCustody(ctx context.Context, orderID uuid.UUID) (*domain.SettlementResult, error) {
	order, err := s.repo.FindOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.PaymentMethod.IsOffchain() {
		return nil, fmt.Errorf("%w: order %s was paid on-chain", ErrOrderNotRetryable, orderID)
	}

	release, err := s.locker.Lock(ctx, order.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire settlement lock: %w", err)
	}
	defer release()

	order, err = s.repo.FindOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	logger := s.logger.With(
		zap.String("flow", "retry_custody"),
		zap.String("idempotency_key", order.IdempotencyKey),
		zap.String("order_id", order.ID.String()),
		zap.Uint64("drop_id", order.DropID),
	)
	if order.IsSettled() {
		return s.replay(order, logger), nil
	}

	if stringValue(order.FailureReason) == failurePurchaseReverted && order.CustodialTxHash != nil {
		cleared := ""
		if err := s.repo.UpdateOrderMetadata(ctx, order.ID, store.UpdateOrderMetadataParams{CustodialTxHash: &cleared}); err != nil {
			return nil, fmt.Errorf("failed to clear reverted purchase: %w", err)
		}
		logger.Info("cleared reverted custodial purchase for retry", zap.String("tx_hash", *order.CustodialTxHash))
		order.CustodialTxHash = nil
	}

	drop, err := s.resolveDrop(ctx, order.DropID, order.PaymentMethod)
	if err != nil {
		return nil, err
	}
	return s.settleOffchain(ctx, drop, order, logger)
}
