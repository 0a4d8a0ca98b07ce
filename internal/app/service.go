/**
 * @description
 * This file contains the core business logic for the settlement-service. The `Service`
 * struct turns normalized payment events from every rail into exactly one ledger order,
 * coordinating the pricing oracle, the on-chain verifier, custodial execution, the
 * ledger repository and the message broker.
 *
 * Key features:
 * - Idempotent settlement keyed by `<rail>:<reference>`, guarded by a per-key lock.
 * - Receipt linkage for the on-chain rail and custodial purchase for off-chain rails.
 * - Operator alerts and lifecycle events for every outcome that needs attention.
 *
 * @dependencies
 * - github.com/ethereum/go-ethereum/common: chain addresses.
 * - go.uber.org/zap: structured logging.
 * - internal/domain, internal/store: domain models and data access.
 * - pkg/custody, pkg/metrics, pkg/rabbitmq: custody callbacks, metrics and events.
 */

package app

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/outlier/settlement-service/internal/domain"
	"github.com/outlier/settlement-service/internal/store"
	"github.com/outlier/settlement-service/pkg/custody"
	"github.com/outlier/settlement-service/pkg/metrics"
	"github.com/outlier/settlement-service/pkg/rabbitmq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PriceOracle reads authoritative pricing and drop state.
type PriceOracle interface {
	Quote(ctx context.Context, dropID uint64, quantity int64) (domain.Quote, error)
	ReadDrop(ctx context.Context, dropID uint64) (domain.DropState, error)
}

// PaymentVerifier re-confirms on-chain payments and reads purchase receipts.
type PaymentVerifier interface {
	Verify(ctx context.Context, txRef string, expectedAmount *big.Int, expectedRecipient *common.Address) (domain.Verification, error)
	ExtractPurchasedTokenID(ctx context.Context, txRef string, buyer common.Address) (*big.Int, error)
	ReceiptStatus(ctx context.Context, txRef string, buyer common.Address) (domain.ReceiptStatus, error)
}

// CustodialExecutor buys slots on behalf of off-chain payers.
type CustodialExecutor interface {
	Address() common.Address
	Balance(ctx context.Context) (*big.Int, error)
	ExecutePurchase(ctx context.Context, dropID uint64, quantity int64, onBehalfOf string, collected *big.Int, submitted custody.SubmittedFunc) (domain.PurchaseResult, error)
}

// Options carries the tunables and optional collaborators of the Service. Zero values
// select the in-process defaults.
type Options struct {
	PaymentRecipient      common.Address
	QuoteToleranceBps     int64
	DomesticShipping      decimal.Decimal
	InternationalShipping decimal.Decimal
	ReceiptReconcileLimit int
	// Exchange receives non-settlement events such as drop fallbacks.
	Exchange    string
	Environment Environment

	Charges  ChargeCreator
	Invoices InvoiceCreator

	Locker  KeyLocker
	Alerter Alerter
	Logger  *zap.Logger
	Metrics metrics.Recorder
	Now     func() time.Time
}

// Service provides the core business logic for settlement.
type Service struct {
	repo          store.Repository
	oracle        PriceOracle
	verifier      PaymentVerifier
	custody       CustodialExecutor
	eventProducer rabbitmq.Publisher
	locker        KeyLocker
	alerter       Alerter
	logger        *zap.Logger
	metrics       metrics.Recorder
	now           func() time.Time

	paymentRecipient      common.Address
	toleranceBps          int64
	domesticShipping      decimal.Decimal
	internationalShipping decimal.Decimal
	reconcileLimit        int
	exchange              string
	env                   Environment
	charges               ChargeCreator
	invoices              InvoiceCreator
}

// NewService creates a new settlement service instance. custody may be nil when no
// custodial key is configured; off-chain payments then stay pending.
func NewService(repo store.Repository, oracle PriceOracle, verifier PaymentVerifier, custodyExecutor CustodialExecutor, producer rabbitmq.Publisher, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if producer == nil {
		producer = &rabbitmq.EventProducerFallback{Logger: logger}
	}
	locker := opts.Locker
	if locker == nil {
		locker = NewLocalKeyLocker()
	}
	alerter := opts.Alerter
	if alerter == nil {
		alerter = NewLogAlerter(logger)
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	domestic := opts.DomesticShipping
	if domestic.IsZero() {
		domestic = decimal.RequireFromString("8.99")
	}
	international := opts.InternationalShipping
	if international.IsZero() {
		international = decimal.RequireFromString("24.99")
	}
	tolerance := opts.QuoteToleranceBps
	if tolerance < 0 {
		tolerance = 0
	}
	if tolerance > 10_000 {
		tolerance = 10_000
	}

	return &Service{
		repo:                  repo,
		oracle:                oracle,
		verifier:              verifier,
		custody:               custodyExecutor,
		eventProducer:         producer,
		locker:                locker,
		alerter:               alerter,
		logger:                logger.With(zap.String("component", "service")),
		metrics:               metrics.OrNoop(opts.Metrics),
		now:                   now,
		paymentRecipient:      opts.PaymentRecipient,
		toleranceBps:          tolerance,
		domesticShipping:      domestic,
		internationalShipping: international,
		reconcileLimit:        opts.ReceiptReconcileLimit,
		exchange:              opts.Exchange,
		env:                   opts.Environment,
		charges:               opts.Charges,
		invoices:              opts.Invoices,
	}
}

// Quote returns the authoritative price for quantity slots of dropID.
func (s *Service) Quote(ctx context.Context, dropID uint64, quantity int64) (domain.Quote, error) {
	started := time.Now()
	quote, err := s.oracle.Quote(ctx, dropID, quantity)
	s.metrics.ObserveLatency(metrics.OracleLatency, time.Since(started), nil)
	return quote, err
}

// CustodyEnabled reports whether off-chain rails can complete purchases.
func (s *Service) CustodyEnabled() bool {
	return s.custody != nil
}

// publish never fails the caller; the ledger is the source of truth and events are
// best effort.
func (s *Service) publish(ctx context.Context, routingKey string, order *domain.Order) {
	if order == nil {
		return
	}
	event := rabbitmq.SettlementEvent{
		OrderID:        order.ID,
		IdempotencyKey: order.IdempotencyKey,
		DropID:         order.DropID,
		Rail:           order.PaymentMethod.KeyPrefix(),
		Status:         order.Status,
		Quantity:       order.Quantity,
		Timestamp:      s.now(),
	}
	if order.TokenID != nil {
		event.TokenID = *order.TokenID
	}
	if order.FailureReason != nil {
		event.FailureReason = *order.FailureReason
	}
	if err := s.eventProducer.PublishSettlementEvent(ctx, routingKey, event); err != nil {
		s.logger.Warn("failed to publish settlement event",
			zap.String("routing_key", routingKey),
			zap.String("order_id", order.ID.String()),
			zap.Error(err),
		)
	}
}

func railLabels(method domain.PaymentMethod, outcome string) map[string]string {
	return map[string]string{"rail": method.KeyPrefix(), "outcome": outcome}
}
