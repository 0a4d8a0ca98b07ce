package custody

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/outlier/settlement-service/internal/domain"
	"github.com/outlier/settlement-service/pkg/chain"
	"github.com/outlier/settlement-service/pkg/chain/chaintest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testFlashCargo = common.HexToAddress("0x00000000000000000000000000000000000FCA60")
	testUSDC       = chain.BaseSepolia.USDC
)

type fixedQuoter struct {
	price *big.Int
	err   error
}

func (q fixedQuoter) Quote(_ context.Context, dropID uint64, quantity int64) (domain.Quote, error) {
	if q.err != nil {
		return domain.Quote{}, q.err
	}
	return domain.NewQuote(dropID, quantity, q.price)
}

func newTestSigner(t *testing.T) *KeySigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer, err := NewKeySigner("", "0x"+hex.EncodeToString(crypto.FromECDSA(key)))
	require.NoError(t, err)
	return signer
}

type fixture struct {
	backend  *chaintest.Backend
	signer   *KeySigner
	executor *Executor
}

// newFixture funds the custodian with balance and allowance. Every buySlot mines a
// SlotPurchased for tokenID unless mine is replaced.
func newFixture(t *testing.T, balance, allowance int64, tokenID int64) *fixture {
	t.Helper()
	backend := chaintest.New()
	signer := newTestSigner(t)
	backend.ReturnValues(chain.ERC20ABI, "balanceOf", big.NewInt(balance))
	backend.ReturnValues(chain.ERC20ABI, "allowance", big.NewInt(allowance))

	var block atomic.Uint64
	block.Store(2_000)
	backend.OnSend = func(tx *types.Transaction) *types.Receipt {
		n := block.Add(1)
		if *tx.To() == testUSDC {
			return chaintest.Receipt(common.Hash{}, true, n)
		}
		return chaintest.Receipt(common.Hash{}, true, n,
			chaintest.SlotPurchasedLog(testFlashCargo, big.NewInt(1), big.NewInt(tokenID), signer.Address(), big.NewInt(35_000_000)))
	}

	executor := NewExecutor(backend, signer, fixedQuoter{price: big.NewInt(35_000_000)}, Config{
		FlashCargo:          testFlashCargo,
		USDC:                testUSDC,
		ReceiptTimeout:      200 * time.Millisecond,
		ReceiptPollInterval: 5 * time.Millisecond,
	}, nil)
	return &fixture{backend: backend, signer: signer, executor: executor}
}

func TestExecutePurchase_BuysWithExistingAllowance(t *testing.T) {
	f := newFixture(t, 1_000_000_000, 1_000_000_000, 42)

	var submitted string
	result, err := f.executor.ExecutePurchase(context.Background(), 1, 2, "0xcustomer", big.NewInt(70_000_000), func(_ context.Context, txHash string) {
		submitted = txHash
	})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "42", result.TokenID.String())
	assert.Equal(t, "70000000", result.QuotedAmount.String())
	assert.Empty(t, result.ApprovalTxHash)
	assert.Equal(t, result.TxHash, submitted)

	sent := f.backend.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, testFlashCargo, *sent[0].To())

	args, err := chain.FlashCargoABI.Methods["buySlot"].Inputs.Unpack(sent[0].Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, "1", args[0].(*big.Int).String())
	assert.Equal(t, "2", args[1].(*big.Int).String())
}

func TestExecutePurchase_ApprovesTenTimesWhenAllowanceShort(t *testing.T) {
	f := newFixture(t, 1_000_000_000, 0, 7)

	result, err := f.executor.ExecutePurchase(context.Background(), 1, 2, "0xcustomer", nil, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, result.ApprovalTxHash)

	sent := f.backend.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, testUSDC, *sent[0].To())
	assert.Equal(t, uint64(0), sent[0].Nonce())
	assert.Equal(t, uint64(1), sent[1].Nonce())

	args, err := chain.ERC20ABI.Methods["approve"].Inputs.Unpack(sent[0].Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, testFlashCargo, args[0].(common.Address))
	assert.Equal(t, "700000000", args[1].(*big.Int).String())
}

func TestExecutePurchase_InsufficientBalanceSubmitsNothing(t *testing.T) {
	f := newFixture(t, 69_999_999, 1_000_000_000, 1)

	_, err := f.executor.ExecutePurchase(context.Background(), 1, 2, "0xcustomer", nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInsufficientCustodialBalance))
	assert.Empty(t, f.backend.Sent())
}

func TestExecutePurchase_QuoteShortfall(t *testing.T) {
	f := newFixture(t, 1_000_000_000, 1_000_000_000, 1)

	_, err := f.executor.ExecutePurchase(context.Background(), 1, 2, "0xcustomer", big.NewInt(35_000_000), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrQuoteShortfall))
	assert.Empty(t, f.backend.Sent())
}

func TestExecutePurchase_ToleranceAllowsSmallDrift(t *testing.T) {
	f := newFixture(t, 1_000_000_000, 1_000_000_000, 3)
	f.executor.cfg.ToleranceBps = 100

	_, err := f.executor.ExecutePurchase(context.Background(), 1, 2, "0xcustomer", big.NewInt(69_300_000), nil)
	require.NoError(t, err)
}

func TestExecutePurchase_OracleFailurePropagates(t *testing.T) {
	f := newFixture(t, 1_000_000_000, 1_000_000_000, 1)
	f.executor.quoter = fixedQuoter{err: domain.ErrOracleUnavailable}

	_, err := f.executor.ExecutePurchase(context.Background(), 1, 1, "0xcustomer", nil, nil)
	assert.True(t, errors.Is(err, domain.ErrOracleUnavailable))
}

func TestExecutePurchase_RevertedPurchase(t *testing.T) {
	f := newFixture(t, 1_000_000_000, 1_000_000_000, 1)
	f.backend.OnSend = func(*types.Transaction) *types.Receipt {
		return chaintest.Receipt(common.Hash{}, false, 3_000)
	}

	result, err := f.executor.ExecutePurchase(context.Background(), 1, 1, "0xcustomer", nil, nil)
	assert.True(t, errors.Is(err, domain.ErrPurchaseTxReverted))
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.TxHash)
}

func TestExecutePurchase_ReceiptTimeoutIsUnknown(t *testing.T) {
	f := newFixture(t, 1_000_000_000, 1_000_000_000, 1)
	f.backend.OnSend = nil

	result, err := f.executor.ExecutePurchase(context.Background(), 1, 1, "0xcustomer", nil, nil)
	assert.True(t, errors.Is(err, domain.ErrExecutionUnknown))
	assert.NotEmpty(t, result.TxHash)
}

func TestExecutePurchase_SuccessWithoutTokenID(t *testing.T) {
	f := newFixture(t, 1_000_000_000, 1_000_000_000, 1)
	f.backend.OnSend = func(*types.Transaction) *types.Receipt {
		return chaintest.Receipt(common.Hash{}, true, 3_000)
	}

	result, err := f.executor.ExecutePurchase(context.Background(), 1, 1, "0xcustomer", nil, nil)
	assert.True(t, errors.Is(err, domain.ErrTokenIDNotFound))
	assert.True(t, result.Success)
	assert.NotEmpty(t, result.TxHash)
}

func TestExecutePurchase_ConcurrentPurchasesUseDistinctNonces(t *testing.T) {
	f := newFixture(t, 1_000_000_000, 1_000_000_000, 5)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.executor.ExecutePurchase(context.Background(), 1, 1, "0xcustomer", nil, nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	seen := make(map[uint64]bool)
	for _, tx := range f.backend.Sent() {
		assert.False(t, seen[tx.Nonce()], "nonce %d reused", tx.Nonce())
		seen[tx.Nonce()] = true
	}
	assert.Len(t, seen, 8)
}

func TestExecutePurchase_InFlightPurchaseCountsAgainstBalance(t *testing.T) {
	f := newFixture(t, 100_000_000, 0, 1)
	f.backend.OnSend = func(tx *types.Transaction) *types.Receipt {
		if *tx.To() == testUSDC {
			return chaintest.Receipt(common.Hash{}, true, 3_000)
		}
		// buySlot stays unmined so the first purchase is still in flight.
		return nil
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.executor.ExecutePurchase(context.Background(), 1, 2, "0xcustomer", nil, nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var unknown, insufficient int
	for err := range errs {
		switch {
		case errors.Is(err, domain.ErrExecutionUnknown):
			unknown++
		case errors.Is(err, domain.ErrInsufficientCustodialBalance):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, unknown)
	assert.Equal(t, 1, insufficient)

	sent := f.backend.Sent()
	require.Len(t, sent, 2, "one approval and one buySlot")
	assert.Equal(t, testUSDC, *sent[0].To())
	assert.Equal(t, testFlashCargo, *sent[1].To())
	assert.Zero(t, f.executor.inFlight.Sign())
}

func TestNonceSequencer_ResyncsAfterSendError(t *testing.T) {
	backend := chaintest.New()
	signer := newTestSigner(t)
	seq := NewNonceSequencer(backend, signer.Address())
	chainID := backend.ChainIDValue

	build := func(nonce uint64) (*types.Transaction, error) {
		to := testFlashCargo
		return signer.SignTx(types.NewTx(&types.LegacyTx{Nonce: nonce, Gas: 21_000, GasPrice: big.NewInt(1), To: &to, Value: big.NewInt(0)}), chainID)
	}

	_, err := seq.Submit(context.Background(), build)
	require.NoError(t, err)

	backend.SendErr = errors.New("rpc down")
	_, err = seq.Submit(context.Background(), build)
	require.Error(t, err)

	backend.SendErr = nil
	tx, err := seq.Submit(context.Background(), build)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), tx.Nonce())
}

func TestNewKeySigner(t *testing.T) {
	_, err := NewKeySigner("ops", "")
	assert.Error(t, err)

	_, err = NewKeySigner("ops", "zz")
	assert.Error(t, err)

	signer := newTestSigner(t)
	assert.Equal(t, defaultAccountName, signer.Name())
	assert.NotEqual(t, common.Address{}, signer.Address())
}
