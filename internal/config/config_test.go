package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	for _, key := range []string{"PORT", "SERVER_PORT", "QUOTE_TOLERANCE_BPS", "PRECHECKOUT_TIMEOUT_MS", "REDIS_LOCK_PREFIX", "CUSTODIAN_PRIVATE_KEY", "SERVER_WALLET_PRIVATE_KEY"} {
		unsetEnvWithCleanup(t, key)
	}

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.ServerPort)
	}
	if cfg.PreCheckoutTimeout() != 8*time.Second {
		t.Fatalf("expected 8s pre-checkout deadline, got %s", cfg.PreCheckoutTimeout())
	}
	if cfg.RedisLockPrefix != "outlier:settlement_lock" {
		t.Fatalf("unexpected lock prefix %q", cfg.RedisLockPrefix)
	}
	if cfg.CustodianApprovalMultiplier != 10 {
		t.Fatalf("expected approval multiplier 10, got %d", cfg.CustodianApprovalMultiplier)
	}
	if cfg.DomesticShipping != 8.99 || cfg.InternationalShipping != 24.99 {
		t.Fatalf("unexpected shipping defaults %v / %v", cfg.DomesticShipping, cfg.InternationalShipping)
	}
	if cfg.CustodyEnabled() {
		t.Fatal("expected custody disabled without a key")
	}
}

func TestLoadConfig_PortAliasOverridesServerPort(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "9000")
	setEnvWithCleanup(t, "PORT", "9100")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "9100" {
		t.Fatalf("expected PORT to win, got %q", cfg.ServerPort)
	}
}

func TestLoadConfig_CustodianKeyAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "CUSTODIAN_PRIVATE_KEY")
	setEnvWithCleanup(t, "SERVER_WALLET_PRIVATE_KEY", " 0xabc ")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.CustodianPrivateKey != "0xabc" {
		t.Fatalf("expected trimmed key from alias, got %q", cfg.CustodianPrivateKey)
	}
	if !cfg.CustodyEnabled() {
		t.Fatal("expected custody enabled")
	}
}

func TestLoadConfig_TestnetContractAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "TESTNET", "true")
	setEnvWithCleanup(t, "FLASH_CARGO_ADDRESS", "0x1111111111111111111111111111111111111111")
	setEnvWithCleanup(t, "FLASH_CARGO_ADDRESS_TESTNET", "0x2222222222222222222222222222222222222222")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.FlashCargoAddress != "0x2222222222222222222222222222222222222222" {
		t.Fatalf("expected testnet contract, got %q", cfg.FlashCargoAddress)
	}
}

func TestLoadConfig_ClampsOutOfRangeValues(t *testing.T) {
	tests := []struct {
		name  string
		env   map[string]string
		check func(t *testing.T, cfg Config)
	}{
		{
			name: "negative tolerance",
			env:  map[string]string{"QUOTE_TOLERANCE_BPS": "-5"},
			check: func(t *testing.T, cfg Config) {
				if cfg.QuoteToleranceBps != 0 {
					t.Fatalf("expected 0, got %d", cfg.QuoteToleranceBps)
				}
			},
		},
		{
			name: "tolerance above one hundred percent",
			env:  map[string]string{"QUOTE_TOLERANCE_BPS": "20000"},
			check: func(t *testing.T, cfg Config) {
				if cfg.QuoteToleranceBps != 10_000 {
					t.Fatalf("expected 10000, got %d", cfg.QuoteToleranceBps)
				}
			},
		},
		{
			name: "reconcile limit above max",
			env:  map[string]string{"RECEIPT_RECONCILE_LIMIT": "9000"},
			check: func(t *testing.T, cfg Config) {
				if cfg.ReceiptReconcileLimit != 500 {
					t.Fatalf("expected 500, got %d", cfg.ReceiptReconcileLimit)
				}
			},
		},
		{
			name: "zero pre-checkout deadline",
			env:  map[string]string{"PRECHECKOUT_TIMEOUT_MS": "0"},
			check: func(t *testing.T, cfg Config) {
				if cfg.PreCheckoutTimeoutMS != 8000 {
					t.Fatalf("expected 8000, got %d", cfg.PreCheckoutTimeoutMS)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			viper.Reset()
			t.Cleanup(viper.Reset)
			for k, v := range tt.env {
				setEnvWithCleanup(t, k, v)
			}
			cfg, err := LoadConfig(t.TempDir())
			if err != nil {
				t.Fatalf("LoadConfig returned error: %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}
