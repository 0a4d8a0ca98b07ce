package chain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Network is a supported settlement chain.
type Network struct {
	Name       string
	ChainID    int64
	USDC       common.Address
	DefaultRPC string
}

var (
	Base = Network{
		Name:       "base",
		ChainID:    8453,
		USDC:       common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"),
		DefaultRPC: "https://mainnet.base.org",
	}
	BaseSepolia = Network{
		Name:       "base-sepolia",
		ChainID:    84532,
		USDC:       common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e"),
		DefaultRPC: "https://sepolia.base.org",
	}
)

// NetworkFor picks the network from the testnet switch.
func NetworkFor(testnet bool) Network {
	if testnet {
		return BaseSepolia
	}
	return Base
}

// ParseNetwork resolves the network name used in x402 callbacks.
func ParseNetwork(name string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case Base.Name:
		return Base, nil
	case BaseSepolia.Name:
		return BaseSepolia, nil
	}
	return Network{}, fmt.Errorf("unsupported network %q", name)
}

// ParseAddress validates a hex address. The zero address is rejected.
func ParseAddress(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	addr := common.HexToAddress(trimmed)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("zero address")
	}
	return addr, nil
}

// ParseTxHash validates a 32-byte transaction hash.
func ParseTxHash(raw string) (common.Hash, error) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "0x") && !strings.HasPrefix(trimmed, "0X") {
		return common.Hash{}, fmt.Errorf("invalid transaction hash %q", raw)
	}
	if len(trimmed) != 66 {
		return common.Hash{}, fmt.Errorf("invalid transaction hash %q", raw)
	}
	trimmed = "0x" + trimmed[2:]
	if _, err := hexutil.Decode(trimmed); err != nil {
		return common.Hash{}, fmt.Errorf("invalid transaction hash %q", raw)
	}
	return common.HexToHash(trimmed), nil
}
