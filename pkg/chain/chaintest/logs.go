package chaintest

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	transferTopic      = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	slotPurchasedTopic = crypto.Keccak256Hash([]byte("SlotPurchased(uint256,uint256,address,uint256)"))
)

// ERC20TransferLog builds an ERC-20 Transfer log emitted by token.
func ERC20TransferLog(token, from, to common.Address, value *big.Int) *types.Log {
	return &types.Log{
		Address: token,
		Topics: []common.Hash{
			transferTopic,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: common.LeftPadBytes(value.Bytes(), 32),
	}
}

// MintLog builds an ERC-721 Transfer from the zero address.
func MintLog(nft, to common.Address, tokenID *big.Int) *types.Log {
	return &types.Log{
		Address: nft,
		Topics: []common.Hash{
			transferTopic,
			{},
			common.BytesToHash(to.Bytes()),
			common.BigToHash(tokenID),
		},
	}
}

// SlotPurchasedLog builds a FlashCargo SlotPurchased log.
func SlotPurchasedLog(flashCargo common.Address, dropID, tokenID *big.Int, buyer common.Address, amount *big.Int) *types.Log {
	data := append(common.LeftPadBytes(buyer.Bytes(), 32), common.LeftPadBytes(amount.Bytes(), 32)...)
	return &types.Log{
		Address: flashCargo,
		Topics: []common.Hash{
			slotPurchasedTopic,
			common.BigToHash(dropID),
			common.BigToHash(tokenID),
		},
		Data: data,
	}
}

// Receipt builds a receipt with the given status and logs at block.
func Receipt(txHash common.Hash, success bool, block uint64, logs ...*types.Log) *types.Receipt {
	status := types.ReceiptStatusFailed
	if success {
		status = types.ReceiptStatusSuccessful
	}
	for _, lg := range logs {
		lg.TxHash = txHash
		lg.BlockNumber = block
	}
	return &types.Receipt{
		Status:      status,
		TxHash:      txHash,
		BlockNumber: new(big.Int).SetUint64(block),
		Logs:        logs,
	}
}
