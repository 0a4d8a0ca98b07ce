package app

import (
	"strings"
	"testing"

	"github.com/outlier/settlement-service/internal/domain"
	"github.com/shopspring/decimal"
)

func TestNewReferralCode(t *testing.T) {
	tests := []struct {
		name       string
		wallet     string
		wantPrefix string
	}{
		{name: "hex wallet uses first four characters", wallet: "0xabcdef0123", wantPrefix: "ABCD"},
		{name: "pseudo wallet skips separators", wallet: "telegram:12", wantPrefix: "LEGR"},
		{name: "short wallet is padded", wallet: "0x", wantPrefix: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := newReferralCode(tt.wallet)
			if len(code) != 8 {
				t.Fatalf("expected 8 characters, got %q", code)
			}
			if !strings.HasPrefix(code, tt.wantPrefix) {
				t.Fatalf("expected prefix %q, got %q", tt.wantPrefix, code)
			}
			for _, r := range code {
				if !strings.ContainsRune(referralAlphabet, r) {
					t.Fatalf("unexpected character %q in %q", r, code)
				}
			}
		})
	}
}

func TestShippingCost(t *testing.T) {
	s := NewService(nil, nil, nil, nil, nil, Options{})
	tests := []struct {
		name    string
		country string
		want    string
	}{
		{name: "empty country is domestic", country: "", want: "8.99"},
		{name: "us", country: "us", want: "8.99"},
		{name: "international", country: "DE", want: "24.99"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.shippingCost(domain.ShippingAddress{Country: tt.country})
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestCustomerWalletFallbacks(t *testing.T) {
	tests := []struct {
		name string
		req  domain.SettlementRequest
		want string
	}{
		{name: "explicit wallet wins", req: domain.SettlementRequest{Method: domain.PaymentMethodChatPoints, CustomerWallet: " 0xabc ", TelegramID: "1"}, want: "0xabc"},
		{name: "telegram id", req: domain.SettlementRequest{Method: domain.PaymentMethodChatPoints, TelegramID: "42"}, want: "telegram:42"},
		{name: "coinbase charge", req: domain.SettlementRequest{Method: domain.PaymentMethodHostedCheckout, Reference: "CHG1"}, want: "coinbase:CHG1"},
		{name: "on-chain has no fallback", req: domain.SettlementRequest{Method: domain.PaymentMethodOnchain, Reference: "0x1"}, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := customerWallet(tt.req); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}
