/**
 * @description
 * Custodial account handling: the server-controlled key that executes on-chain purchases
 * for customers who paid off-chain, and the nonce sequencer that serializes its submissions.
 *
 * @dependencies
 * - github.com/ethereum/go-ethereum: key parsing, transaction signing and submission.
 */
package custody

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const defaultAccountName = "outlier-server"

// Signer resolves the custodial account and signs its transactions.
type Signer interface {
	Name() string
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// KeySigner signs with a locally held secp256k1 key.
type KeySigner struct {
	name    string
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewKeySigner parses a hex private key (with or without 0x) for the named account.
func NewKeySigner(name, hexKey string) (*KeySigner, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if trimmed == "" {
		return nil, errors.New("custodian private key is empty")
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("failed to parse custodian private key: %w", err)
	}
	if strings.TrimSpace(name) == "" {
		name = defaultAccountName
	}
	return &KeySigner{
		name:    name,
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

func (s *KeySigner) Name() string            { return s.name }
func (s *KeySigner) Address() common.Address { return s.address }

func (s *KeySigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

// NonceSequencer serializes every submission from one custodial account so concurrent
// settlements never sign with the same nonce.
type NonceSequencer struct {
	mu      sync.Mutex
	backend Backend
	address common.Address
	next    uint64
	synced  bool
}

// NewNonceSequencer creates a sequencer for address. The first submission syncs from the
// pending nonce.
func NewNonceSequencer(backend Backend, address common.Address) *NonceSequencer {
	return &NonceSequencer{backend: backend, address: address}
}

// Submit builds a transaction for the next nonce and sends it while holding the account
// lock. A send error forces a resync from the node before the next submission.
func (s *NonceSequencer) Submit(ctx context.Context, build func(nonce uint64) (*types.Transaction, error)) (*types.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.synced {
		nonce, err := s.backend.PendingNonceAt(ctx, s.address)
		if err != nil {
			return nil, fmt.Errorf("failed to read pending nonce: %w", err)
		}
		s.next = nonce
		s.synced = true
	}

	tx, err := build(s.next)
	if err != nil {
		return nil, err
	}
	if err := s.backend.SendTransaction(ctx, tx); err != nil {
		s.synced = false
		return nil, fmt.Errorf("failed to send transaction: %w", err)
	}
	s.next++
	return tx, nil
}
