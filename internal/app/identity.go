package app

import (
	"crypto/rand"
	"math/big"
	"strings"
	"unicode"

	"github.com/outlier/settlement-service/internal/domain"
	"github.com/shopspring/decimal"
)

const referralAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// newReferralCode returns four characters of the wallet followed by four random ones.
func newReferralCode(wallet string) string {
	var prefix strings.Builder
	trimmed := strings.TrimSpace(wallet)
	if len(trimmed) > 2 {
		for _, r := range trimmed[2:] {
			if prefix.Len() == 4 {
				break
			}
			if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
				prefix.WriteRune(unicode.ToUpper(r))
			}
		}
	}
	for prefix.Len() < 4 {
		prefix.WriteByte(randomReferralChar())
	}
	for i := 0; i < 4; i++ {
		prefix.WriteByte(randomReferralChar())
	}
	return prefix.String()
}

func randomReferralChar() byte {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(referralAlphabet))))
	if err != nil {
		return referralAlphabet[0]
	}
	return referralAlphabet[n.Int64()]
}

// shippingCost estimates shipping from the destination country.
func (s *Service) shippingCost(addr domain.ShippingAddress) decimal.Decimal {
	if addr.IsDomestic() {
		return s.domesticShipping
	}
	return s.internationalShipping
}

func customerName(addr domain.ShippingAddress) *string {
	return optionalString(addr.Name)
}

// customerWallet falls back to a rail-scoped pseudo wallet for payers without one.
func customerWallet(req domain.SettlementRequest) string {
	if wallet := strings.TrimSpace(req.CustomerWallet); wallet != "" {
		return wallet
	}
	switch req.Method {
	case domain.PaymentMethodChatPoints:
		if id := strings.TrimSpace(req.TelegramID); id != "" {
			return "telegram:" + id
		}
	case domain.PaymentMethodHostedCheckout:
		return "coinbase:" + strings.TrimSpace(req.Reference)
	}
	return ""
}

func optionalString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func stringValue(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
