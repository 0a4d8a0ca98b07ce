/**
 * @description
 * The Repository interface: every ledger read and write the settlement service performs.
 * Business logic depends on this contract, not on PostgreSQL, so tests substitute an
 * in-memory ledger.
 *
 * @dependencies
 * - github.com/google/uuid: order identifiers.
 * - internal/domain: ledger models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/outlier/settlement-service/internal/domain"
)

// ErrOrderAlreadySettled is returned by FinalizeSettlement when another settlement moved
// the order out of pending first. Nothing was written.
var ErrOrderAlreadySettled = errors.New("order already settled")

// Repository defines the set of methods for interacting with the ledger.
type Repository interface {
	// Drop methods
	FindDropByID(ctx context.Context, dropID uint64) (*domain.Drop, error)
	ListOpenDrops(ctx context.Context) ([]domain.Drop, error)
	// UpsertDrop mirrors on-chain state. Status only moves forward; slots_sold never decreases.
	UpsertDrop(ctx context.Context, drop domain.Drop) (*domain.Drop, error)
	// CreateDropFallback inserts a flagged drop row unless one already exists. created is
	// false when another writer got there first.
	CreateDropFallback(ctx context.Context, drop domain.Drop) (result *domain.Drop, created bool, err error)

	// Order methods
	FindOrderByID(ctx context.Context, orderID uuid.UUID) (*domain.Order, error)
	FindOrderByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error)
	// UpsertPendingOrder inserts or refreshes the pending row for order.IdempotencyKey. When
	// the key already belongs to a settled order that order is returned untouched.
	UpsertPendingOrder(ctx context.Context, order *domain.Order) (*domain.Order, error)
	UpdateOrderMetadata(ctx context.Context, orderID uuid.UUID, params UpdateOrderMetadataParams) error
	CancelOrder(ctx context.Context, orderID uuid.UUID, reason string) error
	// FinalizeSettlement marks a pending order paid, increments the drop's slots_sold and
	// upserts the user aggregate in one transaction.
	FinalizeSettlement(ctx context.Context, params FinalizeSettlementParams) (*domain.Order, error)
	LinkOrderReceipt(ctx context.Context, orderID uuid.UUID, tokenID string, txHash string) error
	ListReceiptReconcileCandidates(ctx context.Context, olderThan time.Time, limit int) ([]domain.Order, error)

	// User methods
	FindUserByWallet(ctx context.Context, wallet string) (*domain.User, error)

	Ping(ctx context.Context) error
}

// UpdateOrderMetadataParams carries optional column updates for a pending order. Nil
// fields are left alone; an empty value clears the column.
type UpdateOrderMetadataParams struct {
	CustodialTxHash *string
	FailureReason   *string
}

// FinalizeSettlementParams describes the paid transition.
type FinalizeSettlementParams struct {
	OrderID  uuid.UUID
	DropID   uint64
	Quantity int64
	// EnforceSlotLimit rejects with domain.ErrSlotsExhausted instead of clamping the
	// mirror at total_slots. Off-chain rails enforce; the on-chain rail has already been
	// accepted by the contract.
	EnforceSlotLimit bool

	TokenID         *string
	ReceiptTxHash   *string
	CustodialTxHash *string
	PaidAt          time.Time

	Wallet      string
	Email       *string
	TelegramID  *string
	SpentMicros int64
	// NewReferralCode is called for first-time users; a collision retries with a new code.
	NewReferralCode func() string
}
