/**
 * @description
 * Contract surface of the FlashCargo drop contract and the USDC settlement token on Base.
 * ABIs are parsed once at package init with go-ethereum's accounts/abi.
 *
 * @dependencies
 * - github.com/ethereum/go-ethereum: ABI encoding, event topics, client interfaces.
 */
package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const flashCargoABIJSON = `[
  {"type":"function","name":"getDrop","stateMutability":"view",
   "inputs":[{"name":"dropId","type":"uint256"}],
   "outputs":[{"name":"targetAmount","type":"uint256"},{"name":"raisedAmount","type":"uint256"},
              {"name":"deadline","type":"uint256"},{"name":"slotPrice","type":"uint256"},
              {"name":"totalSlots","type":"uint256"},{"name":"slotsSold","type":"uint256"},
              {"name":"status","type":"uint8"},{"name":"manifestUri","type":"string"}]},
  {"type":"function","name":"getCurrentSlotPrice","stateMutability":"view",
   "inputs":[{"name":"dropId","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"buySlot","stateMutability":"nonpayable",
   "inputs":[{"name":"dropId","type":"uint256"},{"name":"quantity","type":"uint256"}],"outputs":[]},
  {"type":"event","name":"SlotPurchased","anonymous":false,
   "inputs":[{"name":"dropId","type":"uint256","indexed":true},{"name":"tokenId","type":"uint256","indexed":true},
             {"name":"buyer","type":"address","indexed":false},{"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"DropFunded","anonymous":false,
   "inputs":[{"name":"dropId","type":"uint256","indexed":true},{"name":"totalRaised","type":"uint256","indexed":false}]},
  {"type":"event","name":"Refunded","anonymous":false,
   "inputs":[{"name":"tokenId","type":"uint256","indexed":true},{"name":"buyer","type":"address","indexed":false},
             {"name":"amount","type":"uint256","indexed":false}]}
]`

const erc20ABIJSON = `[
  {"type":"function","name":"approve","stateMutability":"nonpayable",
   "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"allowance","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"type":"event","name":"Transfer","anonymous":false,
   "inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},
             {"name":"value","type":"uint256","indexed":false}]}
]`

var (
	FlashCargoABI = mustParseABI(flashCargoABIJSON)
	ERC20ABI      = mustParseABI(erc20ABIJSON)

	// TransferEventID is shared by ERC-20 (3 topics) and ERC-721 (4 topics) Transfer events.
	TransferEventID      = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	SlotPurchasedEventID = FlashCargoABI.Events["SlotPurchased"].ID
	DropFundedEventID    = FlashCargoABI.Events["DropFunded"].ID
	RefundedEventID      = FlashCargoABI.Events["Refunded"].ID
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("chain: invalid ABI: %v", err))
	}
	return parsed
}

// Backend is the read surface of an Ethereum JSON-RPC client. *ethclient.Client satisfies it.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Dial connects to the configured RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rpc: %w", err)
	}
	return client, nil
}

// SlotPurchase is a decoded SlotPurchased event.
type SlotPurchase struct {
	DropID      *big.Int
	TokenID     *big.Int
	Buyer       common.Address
	Amount      *big.Int
	TxHash      common.Hash
	BlockNumber uint64
}

// DecodeSlotPurchased decodes lg if it is a SlotPurchased event emitted by flashCargo.
func DecodeSlotPurchased(lg types.Log, flashCargo common.Address) (SlotPurchase, bool) {
	if lg.Address != flashCargo || len(lg.Topics) != 3 || lg.Topics[0] != SlotPurchasedEventID {
		return SlotPurchase{}, false
	}
	values, err := FlashCargoABI.Unpack("SlotPurchased", lg.Data)
	if err != nil || len(values) != 2 {
		return SlotPurchase{}, false
	}
	buyer, ok := values[0].(common.Address)
	if !ok {
		return SlotPurchase{}, false
	}
	amount, ok := values[1].(*big.Int)
	if !ok {
		return SlotPurchase{}, false
	}
	return SlotPurchase{
		DropID:      new(big.Int).SetBytes(lg.Topics[1].Bytes()),
		TokenID:     new(big.Int).SetBytes(lg.Topics[2].Bytes()),
		Buyer:       buyer,
		Amount:      amount,
		TxHash:      lg.TxHash,
		BlockNumber: lg.BlockNumber,
	}, true
}

// TokenTransfer is a decoded ERC-20 Transfer event.
type TokenTransfer struct {
	From  common.Address
	To    common.Address
	Value *big.Int
}

// DecodeERC20Transfer decodes lg if it is an ERC-20 Transfer emitted by token.
func DecodeERC20Transfer(lg types.Log, token common.Address) (TokenTransfer, bool) {
	if lg.Address != token || len(lg.Topics) != 3 || lg.Topics[0] != TransferEventID {
		return TokenTransfer{}, false
	}
	if len(lg.Data) != 32 {
		return TokenTransfer{}, false
	}
	return TokenTransfer{
		From:  common.BytesToAddress(lg.Topics[1].Bytes()),
		To:    common.BytesToAddress(lg.Topics[2].Bytes()),
		Value: new(big.Int).SetBytes(lg.Data),
	}, true
}

// DecodeMint returns the token id of an ERC-721 mint (Transfer from the zero address)
// emitted by nft to recipient.
func DecodeMint(lg types.Log, nft common.Address, recipient common.Address) (*big.Int, bool) {
	if lg.Address != nft || len(lg.Topics) != 4 || lg.Topics[0] != TransferEventID {
		return nil, false
	}
	if common.BytesToAddress(lg.Topics[1].Bytes()) != (common.Address{}) {
		return nil, false
	}
	if common.BytesToAddress(lg.Topics[2].Bytes()) != recipient {
		return nil, false
	}
	return new(big.Int).SetBytes(lg.Topics[3].Bytes()), true
}

// TokenIDFromReceipt finds the receipt token minted for buyer in a buySlot receipt. The
// SlotPurchased event is preferred; an ERC-721 mint to buyer is the fallback. A zero buyer
// accepts the first SlotPurchased event.
func TokenIDFromReceipt(receipt *types.Receipt, flashCargo common.Address, buyer common.Address) (*big.Int, bool) {
	if receipt == nil {
		return nil, false
	}
	for _, lg := range receipt.Logs {
		if lg == nil {
			continue
		}
		if purchase, ok := DecodeSlotPurchased(*lg, flashCargo); ok && (buyer == (common.Address{}) || purchase.Buyer == buyer) {
			return purchase.TokenID, true
		}
	}
	for _, lg := range receipt.Logs {
		if lg == nil {
			continue
		}
		if tokenID, ok := DecodeMint(*lg, flashCargo, buyer); ok {
			return tokenID, true
		}
	}
	return nil, false
}

func callContract(ctx context.Context, backend Backend, contract abi.ABI, to common.Address, from common.Address, method string, args ...interface{}) ([]interface{}, error) {
	input, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{From: from, To: &to, Data: input}
	output, err := backend.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := contract.Unpack(method, output)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}

// BalanceOf reads token.balanceOf(owner).
func BalanceOf(ctx context.Context, backend Backend, token, owner common.Address) (*big.Int, error) {
	values, err := callContract(ctx, backend, ERC20ABI, token, common.Address{}, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	return firstBigInt(values, "balanceOf")
}

// Allowance reads token.allowance(owner, spender).
func Allowance(ctx context.Context, backend Backend, token, owner, spender common.Address) (*big.Int, error) {
	values, err := callContract(ctx, backend, ERC20ABI, token, common.Address{}, "allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	return firstBigInt(values, "allowance")
}

func firstBigInt(values []interface{}, method string) (*big.Int, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("%s returned no values", method)
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s returned %T", method, values[0])
	}
	return v, nil
}
