package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/outlier/settlement-service/internal/domain"
	"go.uber.org/zap"
)

const (
	defaultWatchPollInterval = 3 * time.Second
	defaultWatchLookback     = 100
)

// Verifier re-confirms claimed on-chain payments against finalized receipts.
type Verifier struct {
	backend      Backend
	usdc         common.Address
	flashCargo   common.Address
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewVerifier creates a Verifier for the given settlement token and drop contract.
func NewVerifier(backend Backend, usdc, flashCargo common.Address, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{
		backend:      backend,
		usdc:         usdc,
		flashCargo:   flashCargo,
		pollInterval: defaultWatchPollInterval,
		logger:       logger.With(zap.String("component", "verifier")),
	}
}

// SetPollInterval overrides the watch polling cadence.
func (v *Verifier) SetPollInterval(d time.Duration) {
	if d > 0 {
		v.pollInterval = d
	}
}

// Verify confirms that txRef transferred at least expectedAmount of the settlement token to
// expectedRecipient. Either expectation may be nil to skip that check. Transport failures are
// returned as plain errors; rejections are *domain.VerificationError.
func (v *Verifier) Verify(ctx context.Context, txRef string, expectedAmount *big.Int, expectedRecipient *common.Address) (domain.Verification, error) {
	txHash, err := ParseTxHash(txRef)
	if err != nil {
		return domain.Verification{}, domain.NewVerificationError(domain.ReasonTxNotFound, "%v", err)
	}

	receipt, err := v.backend.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return domain.Verification{}, domain.NewVerificationError(domain.ReasonTxNotFound, "no receipt for %s", txHash.Hex())
		}
		return domain.Verification{}, fmt.Errorf("failed to fetch receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return domain.Verification{}, domain.NewVerificationError(domain.ReasonTxReverted, "transaction %s reverted", txHash.Hex())
	}

	sawForeignRecipient := false
	for _, lg := range receipt.Logs {
		if lg == nil {
			continue
		}
		transfer, ok := DecodeERC20Transfer(*lg, v.usdc)
		if !ok {
			continue
		}
		// Multi-transfer transactions: keep looking for the leg paid to us.
		if expectedRecipient != nil && transfer.To != *expectedRecipient {
			sawForeignRecipient = true
			continue
		}
		if expectedAmount != nil && transfer.Value.Cmp(expectedAmount) < 0 {
			shortfall := new(big.Int).Sub(expectedAmount, transfer.Value)
			return domain.Verification{}, domain.NewVerificationError(
				domain.ReasonAmountMismatch,
				"expected %s got %s short by %s", expectedAmount, transfer.Value, shortfall,
			)
		}

		result := domain.Verification{
			Verified:     true,
			TxHash:       txHash.Hex(),
			Sender:       transfer.From.Hex(),
			Recipient:    transfer.To.Hex(),
			ActualAmount: transfer.Value,
		}
		if receipt.BlockNumber != nil {
			result.BlockNumber = receipt.BlockNumber.Uint64()
			if header, headerErr := v.backend.HeaderByNumber(ctx, receipt.BlockNumber); headerErr == nil && header != nil {
				result.Timestamp = time.Unix(int64(header.Time), 0).UTC()
			} else if headerErr != nil {
				v.logger.Warn("block header lookup failed", zap.String("tx_hash", txHash.Hex()), zap.Error(headerErr))
			}
		}
		return result, nil
	}

	if sawForeignRecipient {
		return domain.Verification{}, domain.NewVerificationError(domain.ReasonRecipientMismatch, "no transfer to %s in %s", expectedRecipient.Hex(), txHash.Hex())
	}
	return domain.Verification{}, domain.NewVerificationError(domain.ReasonNoTransferFound, "no settlement token transfer in %s", txHash.Hex())
}

// WatchForPurchase polls for a SlotPurchased event for dropID bought by buyer. A timeout
// returns Observed=false with a nil error.
func (v *Verifier) WatchForPurchase(ctx context.Context, dropID uint64, buyer common.Address, timeout time.Duration) (domain.PurchaseObservation, error) {
	if v.flashCargo == (common.Address{}) {
		return domain.PurchaseObservation{}, errors.New("flash cargo contract address not configured")
	}
	head, err := v.backend.BlockNumber(ctx)
	if err != nil {
		return domain.PurchaseObservation{}, fmt.Errorf("failed to read block number: %w", err)
	}
	from := uint64(0)
	if head > defaultWatchLookback {
		from = head - defaultWatchLookback
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(v.pollInterval)
	defer ticker.Stop()

	dropTopic := common.BigToHash(new(big.Int).SetUint64(dropID))
	for {
		logs, err := v.backend.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			Addresses: []common.Address{v.flashCargo},
			Topics:    [][]common.Hash{{SlotPurchasedEventID}, {dropTopic}},
		})
		if err != nil {
			v.logger.Warn("slot purchase poll failed", zap.Uint64("drop_id", dropID), zap.Error(err))
		}
		for _, lg := range logs {
			purchase, ok := DecodeSlotPurchased(lg, v.flashCargo)
			if !ok || purchase.Buyer != buyer {
				continue
			}
			return domain.PurchaseObservation{
				Observed:    true,
				TxHash:      purchase.TxHash.Hex(),
				TokenID:     purchase.TokenID,
				Amount:      purchase.Amount,
				BlockNumber: purchase.BlockNumber,
			}, nil
		}

		select {
		case <-ctx.Done():
			return domain.PurchaseObservation{}, ctx.Err()
		case <-deadline.C:
			return domain.PurchaseObservation{Observed: false}, nil
		case <-ticker.C:
		}
	}
}

// ExtractPurchasedTokenID reads the receipt token minted in txRef for buyer. A zero buyer
// accepts the first SlotPurchased event in the transaction.
func (v *Verifier) ExtractPurchasedTokenID(ctx context.Context, txRef string, buyer common.Address) (*big.Int, error) {
	txHash, err := ParseTxHash(txRef)
	if err != nil {
		return nil, err
	}
	receipt, err := v.backend.TransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch receipt: %w", err)
	}
	if buyer == (common.Address{}) {
		for _, lg := range receipt.Logs {
			if lg == nil {
				continue
			}
			if purchase, ok := DecodeSlotPurchased(*lg, v.flashCargo); ok {
				return purchase.TokenID, nil
			}
		}
		return nil, domain.ErrTokenIDNotFound
	}
	if tokenID, ok := TokenIDFromReceipt(receipt, v.flashCargo, buyer); ok {
		return tokenID, nil
	}
	return nil, domain.ErrTokenIDNotFound
}

// ReceiptStatus reports the terminal state of txRef for reconciliation. A missing receipt is
// Found=false with a nil error.
func (v *Verifier) ReceiptStatus(ctx context.Context, txRef string, buyer common.Address) (domain.ReceiptStatus, error) {
	txHash, err := ParseTxHash(txRef)
	if err != nil {
		return domain.ReceiptStatus{}, err
	}
	receipt, err := v.backend.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return domain.ReceiptStatus{Found: false}, nil
		}
		return domain.ReceiptStatus{}, fmt.Errorf("failed to fetch receipt: %w", err)
	}
	status := domain.ReceiptStatus{Found: true, Success: receipt.Status == types.ReceiptStatusSuccessful}
	if status.Success {
		if tokenID, ok := TokenIDFromReceipt(receipt, v.flashCargo, buyer); ok {
			status.TokenID = tokenID
		}
	}
	return status, nil
}

// USDCBalance reads the settlement token balance of addr.
func (v *Verifier) USDCBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	return BalanceOf(ctx, v.backend, v.usdc, addr)
}
