package app

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/outlier/settlement-service/internal/domain"
)

// Status is the operator view of the deployment.
type Status struct {
	Network            string    `json:"network"`
	Testnet            bool      `json:"testnet"`
	FlashCargo         string    `json:"flash_cargo"`
	USDC               string    `json:"usdc"`
	PaymentRecipient   string    `json:"payment_recipient,omitempty"`
	DatabaseOK         bool      `json:"database_ok"`
	DatabaseError      string    `json:"database_error,omitempty"`
	CustodyEnabled     bool      `json:"custody_enabled"`
	CustodianAddress   string    `json:"custodian_address,omitempty"`
	CustodianBalance   string    `json:"custodian_balance,omitempty"`
	CustodianBalanceUS string    `json:"custodian_balance_usd,omitempty"`
	CustodianError     string    `json:"custodian_error,omitempty"`
	CoinbaseConfigured bool      `json:"coinbase_configured"`
	TelegramConfigured bool      `json:"telegram_configured"`
	DropCacheSize      int       `json:"drop_cache_size"`
	DropCacheRefreshed time.Time `json:"drop_cache_refreshed_at,omitempty"`
	CheckedAt          time.Time `json:"checked_at"`
}

// Status reports configuration completeness and the health of the ledger and custody.
// Individual check failures are reported in the result, not returned.
func (s *Service) Status(ctx context.Context, cache *DropCache) Status {
	status := Status{
		Network:            s.env.Network,
		Testnet:            s.env.Testnet,
		FlashCargo:         s.env.FlashCargo.Hex(),
		USDC:               s.env.USDC.Hex(),
		CustodyEnabled:     s.custody != nil,
		CoinbaseConfigured: s.env.CoinbaseConfigured,
		TelegramConfigured: s.env.TelegramConfigured,
		CheckedAt:          s.now(),
	}
	if s.paymentRecipient != (common.Address{}) {
		status.PaymentRecipient = s.paymentRecipient.Hex()
	}

	if err := s.repo.Ping(ctx); err != nil {
		status.DatabaseError = err.Error()
	} else {
		status.DatabaseOK = true
	}

	if s.custody != nil {
		status.CustodianAddress = s.custody.Address().Hex()
		balance, err := s.custody.Balance(ctx)
		if err != nil {
			status.CustodianError = err.Error()
		} else {
			status.CustodianBalance = balance.String()
			status.CustodianBalanceUS = domain.MicrosToUSD(balance).StringFixed(2)
		}
	}

	if cache != nil {
		status.DropCacheSize = cache.Len()
		status.DropCacheRefreshed = cache.RefreshedAt()
	}
	return status
}
