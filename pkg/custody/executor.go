package custody

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/outlier/settlement-service/internal/domain"
	"github.com/outlier/settlement-service/pkg/chain"
	"go.uber.org/zap"
)

const (
	defaultApprovalMultiplier  = 10
	defaultReceiptTimeout      = 120 * time.Second
	defaultReceiptPollInterval = 2 * time.Second
	gasHeadroomPercent         = 20
	basisPoints                = 10_000
)

// Backend is the read and write surface the executor needs. *ethclient.Client satisfies it.
type Backend interface {
	chain.Backend
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Quoter re-prices a purchase at execution time.
type Quoter interface {
	Quote(ctx context.Context, dropID uint64, quantity int64) (domain.Quote, error)
}

// Config holds the contract addresses and tuning for custodial execution.
type Config struct {
	FlashCargo          common.Address
	USDC                common.Address
	ApprovalMultiplier  int64
	ReceiptTimeout      time.Duration
	ReceiptPollInterval time.Duration
	// ToleranceBps is how far below the fresh quote the collected amount may fall before
	// execution is refused.
	ToleranceBps int64
}

// SubmittedFunc is invoked with the purchase transaction hash as soon as it is broadcast,
// before the receipt wait.
type SubmittedFunc func(ctx context.Context, txHash string)

// Executor buys slots on behalf of off-chain payers using the custodial account.
type Executor struct {
	backend   Backend
	signer    Signer
	quoter    Quoter
	cfg       Config
	sequencer *NonceSequencer
	logger    *zap.Logger

	chainIDOnce sync.Once
	chainID     *big.Int
	chainIDErr  error

	// fundsMu covers the balance and allowance checks through buySlot submission. inFlight
	// is the cost of submitted purchases whose receipts are still awaited; the chain balance
	// does not reflect them yet.
	fundsMu  sync.Mutex
	inFlight *big.Int
}

// NewExecutor wires an executor. Zero config values take defaults.
func NewExecutor(backend Backend, signer Signer, quoter Quoter, cfg Config, logger *zap.Logger) *Executor {
	if cfg.ApprovalMultiplier <= 0 {
		cfg.ApprovalMultiplier = defaultApprovalMultiplier
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = defaultReceiptTimeout
	}
	if cfg.ReceiptPollInterval <= 0 {
		cfg.ReceiptPollInterval = defaultReceiptPollInterval
	}
	if cfg.ToleranceBps < 0 {
		cfg.ToleranceBps = 0
	}
	if cfg.ToleranceBps > basisPoints {
		cfg.ToleranceBps = basisPoints
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		backend:   backend,
		signer:    signer,
		quoter:    quoter,
		cfg:       cfg,
		sequencer: NewNonceSequencer(backend, signer.Address()),
		inFlight:  new(big.Int),
		logger:    logger.With(zap.String("component", "custody"), zap.String("account", signer.Name())),
	}
}

// Address is the custodial account.
func (e *Executor) Address() common.Address {
	return e.signer.Address()
}

// Balance reads the custodial account's settlement token balance.
func (e *Executor) Balance(ctx context.Context) (*big.Int, error) {
	return chain.BalanceOf(ctx, e.backend, e.cfg.USDC, e.signer.Address())
}

// ExecutePurchase re-quotes dropID, checks custodial funds and allowance, submits
// buySlot(dropID, quantity) and waits for its receipt. collected is what the customer paid
// off-chain, in micro-units; nil skips the shortfall check.
//
// Outcomes:
//   - ErrInsufficientCustodialBalance or ErrQuoteShortfall: nothing was submitted.
//   - ErrExecutionUnknown: the purchase was broadcast but no receipt arrived in time.
//   - ErrPurchaseTxReverted: the purchase was mined and reverted.
//   - ErrTokenIDNotFound: the purchase succeeded; Success is true and TxHash is set.
func (e *Executor) ExecutePurchase(ctx context.Context, dropID uint64, quantity int64, onBehalfOf string, collected *big.Int, submitted SubmittedFunc) (domain.PurchaseResult, error) {
	log := e.logger.With(zap.Uint64("drop_id", dropID), zap.Int64("quantity", quantity), zap.String("on_behalf_of", onBehalfOf))

	quote, err := e.quoter.Quote(ctx, dropID, quantity)
	if err != nil {
		return domain.PurchaseResult{}, err
	}
	required := quote.TotalAmount
	result := domain.PurchaseResult{QuotedAmount: new(big.Int).Set(required)}

	if collected != nil && collected.Cmp(e.minimumCollected(required)) < 0 {
		log.Warn("collected amount below fresh quote", zap.String("collected", collected.String()), zap.String("quoted", required.String()))
		return result, fmt.Errorf("%w: collected %s quoted %s", domain.ErrQuoteShortfall, collected, required)
	}

	tx, err := e.reserveAndSubmit(ctx, dropID, quantity, required, &result, log)
	if err != nil {
		return result, err
	}
	defer e.release(required)
	result.TxHash = tx.Hash().Hex()
	log = log.With(zap.String("tx_hash", result.TxHash))
	log.Info("buySlot submitted")
	if submitted != nil {
		submitted(ctx, result.TxHash)
	}

	receipt, err := e.waitForReceipt(ctx, tx.Hash())
	if err != nil {
		log.Warn("buySlot receipt not observed", zap.Error(err))
		return result, fmt.Errorf("%w: %s: %v", domain.ErrExecutionUnknown, result.TxHash, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		log.Error("buySlot reverted")
		return result, fmt.Errorf("%w: %s", domain.ErrPurchaseTxReverted, result.TxHash)
	}

	result.Success = true
	tokenID, ok := chain.TokenIDFromReceipt(receipt, e.cfg.FlashCargo, e.signer.Address())
	if !ok {
		log.Warn("buySlot succeeded without a decodable receipt token")
		return result, fmt.Errorf("%w: %s", domain.ErrTokenIDNotFound, result.TxHash)
	}
	result.TokenID = tokenID
	log.Info("buySlot confirmed", zap.String("token_id", tokenID.String()))
	return result, nil
}

// reserveAndSubmit checks funds net of in-flight purchases, tops up the allowance and
// submits buySlot as one step, then counts required as in flight.
func (e *Executor) reserveAndSubmit(ctx context.Context, dropID uint64, quantity int64, required *big.Int, result *domain.PurchaseResult, log *zap.Logger) (*types.Transaction, error) {
	e.fundsMu.Lock()
	defer e.fundsMu.Unlock()

	balance, err := e.Balance(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read custodial balance: %w", err)
	}
	available := new(big.Int).Sub(balance, e.inFlight)
	if available.Cmp(required) < 0 {
		log.Error("custodial balance below purchase cost",
			zap.String("balance", balance.String()),
			zap.String("in_flight", e.inFlight.String()),
			zap.String("required", required.String()),
		)
		return nil, fmt.Errorf("%w: have %s (%s in flight) need %s", domain.ErrInsufficientCustodialBalance, balance, e.inFlight, required)
	}

	approvalHash, err := e.ensureAllowance(ctx, new(big.Int).Add(e.inFlight, required))
	if err != nil {
		return nil, err
	}
	result.ApprovalTxHash = approvalHash

	input, err := chain.FlashCargoABI.Pack("buySlot", new(big.Int).SetUint64(dropID), big.NewInt(quantity))
	if err != nil {
		return nil, fmt.Errorf("failed to pack buySlot: %w", err)
	}
	tx, err := e.submit(ctx, e.cfg.FlashCargo, input)
	if err != nil {
		return nil, fmt.Errorf("failed to submit buySlot: %w", err)
	}
	e.inFlight.Add(e.inFlight, required)
	return tx, nil
}

func (e *Executor) release(amount *big.Int) {
	e.fundsMu.Lock()
	defer e.fundsMu.Unlock()
	e.inFlight.Sub(e.inFlight, amount)
}

func (e *Executor) minimumCollected(required *big.Int) *big.Int {
	if e.cfg.ToleranceBps == 0 {
		return required
	}
	min := new(big.Int).Mul(required, big.NewInt(basisPoints-e.cfg.ToleranceBps))
	return min.Quo(min, big.NewInt(basisPoints))
}

// ensureAllowance approves a multiple of required when the current allowance is short, so
// most purchases skip the approval transaction.
func (e *Executor) ensureAllowance(ctx context.Context, required *big.Int) (string, error) {
	owner := e.signer.Address()
	allowance, err := chain.Allowance(ctx, e.backend, e.cfg.USDC, owner, e.cfg.FlashCargo)
	if err != nil {
		return "", fmt.Errorf("failed to read allowance: %w", err)
	}
	if allowance.Cmp(required) >= 0 {
		return "", nil
	}

	amount := new(big.Int).Mul(required, big.NewInt(e.cfg.ApprovalMultiplier))
	input, err := chain.ERC20ABI.Pack("approve", e.cfg.FlashCargo, amount)
	if err != nil {
		return "", fmt.Errorf("failed to pack approve: %w", err)
	}
	tx, err := e.submit(ctx, e.cfg.USDC, input)
	if err != nil {
		return "", fmt.Errorf("failed to submit approve: %w", err)
	}
	e.logger.Info("usdc approval submitted", zap.String("tx_hash", tx.Hash().Hex()), zap.String("amount", amount.String()))

	receipt, err := e.waitForReceipt(ctx, tx.Hash())
	if err != nil {
		return tx.Hash().Hex(), fmt.Errorf("approval receipt not observed: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return tx.Hash().Hex(), fmt.Errorf("approval reverted: %s", tx.Hash().Hex())
	}
	return tx.Hash().Hex(), nil
}

func (e *Executor) submit(ctx context.Context, to common.Address, input []byte) (*types.Transaction, error) {
	chainID, err := e.resolveChainID(ctx)
	if err != nil {
		return nil, err
	}
	from := e.signer.Address()

	return e.sequencer.Submit(ctx, func(nonce uint64) (*types.Transaction, error) {
		gasPrice, err := e.backend.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to suggest gas price: %w", err)
		}
		gas, err := e.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: input})
		if err != nil {
			return nil, fmt.Errorf("failed to estimate gas: %w", err)
		}
		gas += gas * gasHeadroomPercent / 100

		unsigned := types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      gas,
			To:       &to,
			Value:    big.NewInt(0),
			Data:     input,
		})
		return e.signer.SignTx(unsigned, chainID)
	})
}

func (e *Executor) resolveChainID(ctx context.Context) (*big.Int, error) {
	e.chainIDOnce.Do(func() {
		e.chainID, e.chainIDErr = e.backend.ChainID(ctx)
	})
	if e.chainIDErr != nil {
		return nil, fmt.Errorf("failed to read chain id: %w", e.chainIDErr)
	}
	return e.chainID, nil
}

// waitForReceipt polls until a receipt exists or the receipt timeout elapses. A timeout
// means the outcome is unknown, not that the transaction failed.
func (e *Executor) waitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(e.cfg.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := e.backend.TransactionReceipt(waitCtx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			e.logger.Debug("receipt poll failed", zap.String("tx_hash", txHash.Hex()), zap.Error(err))
		}
		select {
		case <-waitCtx.Done():
			return nil, waitCtx.Err()
		case <-ticker.C:
		}
	}
}
