package rails

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/outlier/settlement-service/internal/domain"
)

// OnchainCallback is posted by a paying wallet after its USDC transfer is mined. Nothing
// in it is trusted beyond locating the transaction; the verifier re-reads the chain.
type OnchainCallback struct {
	TxHash    string          `json:"txHash" validate:"required,startswith=0x,max=66"`
	Network   string          `json:"network" validate:"omitempty,oneof=base base-sepolia"`
	Amount    string          `json:"amount" validate:"omitempty,numeric"`
	Currency  string          `json:"currency"`
	Recipient string          `json:"recipient" validate:"omitempty,eth_addr"`
	Metadata  OnchainMetadata `json:"metadata"`
}

// OnchainMetadata is passed through from the 402 payment requirements.
type OnchainMetadata struct {
	DropID          json.Number     `json:"dropId" validate:"required"`
	Quantity        json.Number     `json:"quantity"`
	CustomerWallet  string          `json:"customerWallet" validate:"required,eth_addr"`
	CustomerEmail   string          `json:"customerEmail" validate:"omitempty,email"`
	ShippingAddress json.RawMessage `json:"shippingAddress,omitempty"`
	BoxType         string          `json:"boxType,omitempty"`
	OrderID         string          `json:"orderId,omitempty"`
}

var (
	callbackValidateOnce sync.Once
	callbackValidate     *validator.Validate
)

func callbackValidator() *validator.Validate {
	callbackValidateOnce.Do(func() {
		callbackValidate = validator.New(validator.WithRequiredStructEnabled())
	})
	return callbackValidate
}

// ParseOnchainCallback validates a callback body and builds the settlement request. The
// claimed amount is only recorded; settlement replaces it with the verified transfer.
func ParseOnchainCallback(body []byte) (domain.SettlementRequest, error) {
	var req domain.SettlementRequest
	var callback OnchainCallback
	if err := json.Unmarshal(body, &callback); err != nil {
		return req, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := callbackValidator().Struct(callback); err != nil {
		return req, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	dropID, ok := parseUint(callback.Metadata.DropID.String())
	if !ok {
		return req, fmt.Errorf("%w: dropId %q", ErrMalformedPayload, callback.Metadata.DropID)
	}
	quantity, ok := parseQuantity(callback.Metadata.Quantity.String())
	if !ok {
		return req, fmt.Errorf("%w: quantity %q", ErrMalformedPayload, callback.Metadata.Quantity)
	}
	var claimed int64
	if amount, ok := new(big.Int).SetString(strings.TrimSpace(callback.Amount), 10); ok && amount.IsInt64() {
		claimed = amount.Int64()
	}

	shipping := callback.Metadata.ShippingAddress
	if len(shipping) > 0 && shipping[0] == '"' {
		var text string
		if err := json.Unmarshal(shipping, &text); err == nil {
			shipping = domain.NormalizeShippingAddress(text)
		}
	}

	return domain.SettlementRequest{
		Method:           domain.PaymentMethodOnchain,
		Reference:        strings.TrimSpace(callback.TxHash),
		DropID:           dropID,
		Quantity:         quantity,
		CustomerWallet:   strings.TrimSpace(callback.Metadata.CustomerWallet),
		CustomerEmail:    strings.TrimSpace(callback.Metadata.CustomerEmail),
		ShippingAddress:  shipping,
		BoxType:          callback.Metadata.BoxType,
		PaymentAmount:    claimed,
		PaymentCurrency:  domain.CurrencyUSDC,
		ClaimedRecipient: callback.Recipient,
		Network:          callback.Network,
	}, nil
}
