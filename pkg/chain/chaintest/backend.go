// Package chaintest provides an in-memory Ethereum backend for exercising contract reads,
// receipt scanning and transaction submission without a node.
package chaintest

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// CallHandler answers an eth_call for one method selector.
type CallHandler func(msg ethereum.CallMsg) ([]byte, error)

// Backend is a scriptable chain. The zero value is not usable; call New.
type Backend struct {
	mu sync.Mutex

	ChainIDValue *big.Int
	Head         uint64
	GasPrice     *big.Int
	CallDelay    time.Duration
	CallErr      error

	calls     map[string]CallHandler
	receipts  map[common.Hash]*types.Receipt
	headers   map[uint64]*types.Header
	logs      []types.Log
	nonces    map[common.Address]uint64
	sent      []*types.Transaction
	OnSend    func(tx *types.Transaction) *types.Receipt
	SendErr   error
	callCount map[string]int
}

// New returns an empty backend on chain id 84532.
func New() *Backend {
	return &Backend{
		ChainIDValue: big.NewInt(84532),
		Head:         1_000,
		GasPrice:     big.NewInt(1_000_000),
		calls:        make(map[string]CallHandler),
		receipts:     make(map[common.Hash]*types.Receipt),
		headers:      make(map[uint64]*types.Header),
		nonces:       make(map[common.Address]uint64),
		callCount:    make(map[string]int),
	}
}

// HandleCall registers a handler for method of contract.
func (b *Backend) HandleCall(contract abi.ABI, method string, handler CallHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[hex.EncodeToString(contract.Methods[method].ID)] = handler
}

// ReturnValues registers a fixed return for method of contract.
func (b *Backend) ReturnValues(contract abi.ABI, method string, values ...interface{}) {
	packed, err := contract.Methods[method].Outputs.Pack(values...)
	if err != nil {
		panic(fmt.Sprintf("chaintest: pack %s outputs: %v", method, err))
	}
	b.HandleCall(contract, method, func(ethereum.CallMsg) ([]byte, error) {
		return packed, nil
	})
}

// CallCount returns how many times method of contract was called.
func (b *Backend) CallCount(contract abi.ABI, method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.callCount[hex.EncodeToString(contract.Methods[method].ID)]
}

// AddReceipt stores a receipt by its TxHash.
func (b *Backend) AddReceipt(receipt *types.Receipt) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receipts[receipt.TxHash] = receipt
	if receipt.BlockNumber != nil {
		n := receipt.BlockNumber.Uint64()
		if _, ok := b.headers[n]; !ok {
			b.headers[n] = &types.Header{Number: new(big.Int).SetUint64(n), Time: 1_700_000_000 + n}
		}
	}
}

// AddLogs appends logs returned by FilterLogs.
func (b *Backend) AddLogs(logs ...types.Log) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logs = append(b.logs, logs...)
}

// Sent returns the transactions submitted so far.
func (b *Backend) Sent() []*types.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*types.Transaction, len(b.sent))
	copy(out, b.sent)
	return out
}

func (b *Backend) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if b.CallDelay > 0 {
		select {
		case <-time.After(b.CallDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if b.CallErr != nil {
		return nil, b.CallErr
	}
	if len(msg.Data) < 4 {
		return nil, fmt.Errorf("chaintest: short call data")
	}
	selector := hex.EncodeToString(msg.Data[:4])
	b.mu.Lock()
	handler, ok := b.calls[selector]
	b.callCount[selector]++
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("chaintest: no handler for selector %s", selector)
	}
	return handler(msg)
}

func (b *Backend) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	receipt, ok := b.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (b *Backend) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if number == nil {
		return &types.Header{Number: new(big.Int).SetUint64(b.Head)}, nil
	}
	header, ok := b.headers[number.Uint64()]
	if !ok {
		return nil, ethereum.NotFound
	}
	return header, nil
}

func (b *Backend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []types.Log
	for _, lg := range b.logs {
		if len(q.Addresses) > 0 && !containsAddress(q.Addresses, lg.Address) {
			continue
		}
		if !matchTopics(q.Topics, lg.Topics) {
			continue
		}
		out = append(out, lg)
	}
	return out, nil
}

func (b *Backend) BlockNumber(context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Head, nil
}

func (b *Backend) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(b.ChainIDValue), nil
}

func (b *Backend) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonces[account], nil
}

func (b *Backend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(b.GasPrice), nil
}

func (b *Backend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 150_000, nil
}

// SendTransaction records tx, bumps the sender nonce, and stores the receipt produced by
// OnSend when one is set.
func (b *Backend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if b.SendErr != nil {
		return b.SendErr
	}
	sender, err := types.Sender(types.LatestSignerForChainID(b.ChainIDValue), tx)
	if err != nil {
		return fmt.Errorf("chaintest: recover sender: %w", err)
	}

	b.mu.Lock()
	if tx.Nonce() != b.nonces[sender] {
		b.mu.Unlock()
		return fmt.Errorf("nonce too low: have %d want %d", tx.Nonce(), b.nonces[sender])
	}
	b.nonces[sender]++
	b.sent = append(b.sent, tx)
	onSend := b.OnSend
	b.mu.Unlock()

	if onSend != nil {
		if receipt := onSend(tx); receipt != nil {
			receipt.TxHash = tx.Hash()
			for _, lg := range receipt.Logs {
				lg.TxHash = tx.Hash()
			}
			b.AddReceipt(receipt)
		}
	}
	return nil
}

func containsAddress(list []common.Address, addr common.Address) bool {
	for _, a := range list {
		if a == addr {
			return true
		}
	}
	return false
}

func matchTopics(filter [][]common.Hash, topics []common.Hash) bool {
	for i, alternatives := range filter {
		if len(alternatives) == 0 {
			continue
		}
		if i >= len(topics) {
			return false
		}
		matched := false
		for _, want := range alternatives {
			if topics[i] == want {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}
