package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/outlier/settlement-service/internal/domain"
	"github.com/outlier/settlement-service/pkg/commerceclient"
	"github.com/outlier/settlement-service/pkg/telegramclient"
	"go.uber.org/zap"
)

// ErrRailNotConfigured is returned when a payment is requested on a rail without credentials.
var ErrRailNotConfigured = errors.New("payment rail not configured")

const onchainPaymentTimeoutSeconds = 300

// ChargeCreator creates hosted card-payment charges.
type ChargeCreator interface {
	CreateCharge(ctx context.Context, payload commerceclient.CreateChargeRequest) (*commerceclient.Charge, error)
}

// InvoiceCreator creates chat-platform invoice links.
type InvoiceCreator interface {
	CreateInvoiceLink(ctx context.Context, payload telegramclient.InvoiceLinkRequest) (string, error)
}

// Environment describes the deployment for payment instructions and status.
type Environment struct {
	Network            string
	Testnet            bool
	FlashCargo         common.Address
	USDC               common.Address
	AppURL             string
	CoinbaseConfigured bool
	TelegramConfigured bool
}

// CreateHostedCharge prices the intent with the oracle and opens a Commerce charge whose
// metadata the webhook later turns back into a settlement request.
func (s *Service) CreateHostedCharge(ctx context.Context, intent domain.PaymentIntent) (*domain.HostedCharge, error) {
	if s.charges == nil {
		return nil, fmt.Errorf("%w: coinbase", ErrRailNotConfigured)
	}
	quote, err := s.Quote(ctx, intent.DropID, intent.Quantity)
	if err != nil {
		return nil, err
	}

	metadata := map[string]string{
		"drop_id":  strconv.FormatUint(intent.DropID, 10),
		"quantity": strconv.FormatInt(intent.Quantity, 10),
	}
	if intent.CustomerWallet != "" {
		metadata["customer_wallet"] = intent.CustomerWallet
	}
	if intent.CustomerEmail != "" {
		metadata["customer_email"] = intent.CustomerEmail
	}
	if len(intent.ShippingAddress) > 0 {
		metadata["shipping_address"] = string(intent.ShippingAddress)
	}
	if intent.BoxType != "" {
		metadata["box_type"] = intent.BoxType
	}

	payload := commerceclient.CreateChargeRequest{
		Name:        dropTitle(intent.DropID, intent.Quantity),
		Description: fmt.Sprintf("OUTLIER CLOTHIERS - %s", dropTitle(intent.DropID, intent.Quantity)),
		PricingType: "fixed_price",
		LocalPrice:  commerceclient.Money{Amount: quote.TotalUSD.StringFixed(2), Currency: "USD"},
		Metadata:    metadata,
	}
	if s.env.AppURL != "" {
		payload.RedirectURL = fmt.Sprintf("%s/drops/%d?payment=success", s.env.AppURL, intent.DropID)
		payload.CancelURL = fmt.Sprintf("%s/drops/%d?payment=cancelled", s.env.AppURL, intent.DropID)
	}

	charge, err := s.charges.CreateCharge(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to create hosted charge: %w", err)
	}
	s.logger.Info("hosted charge created",
		zap.String("flow", "create_payment"),
		zap.String("rail", domain.PaymentMethodHostedCheckout.KeyPrefix()),
		zap.String("charge_id", charge.ID),
		zap.Uint64("drop_id", intent.DropID),
	)
	return &domain.HostedCharge{ChargeID: charge.ID, HostedURL: charge.HostedURL, ExpiresAt: charge.ExpiresAt, Quote: quote}, nil
}

// CreateChatInvoice creates a Stars invoice link priced from the oracle.
func (s *Service) CreateChatInvoice(ctx context.Context, intent domain.PaymentIntent) (*domain.ChatInvoice, error) {
	if s.invoices == nil {
		return nil, fmt.Errorf("%w: telegram", ErrRailNotConfigured)
	}
	quote, err := s.Quote(ctx, intent.DropID, intent.Quantity)
	if err != nil {
		return nil, err
	}

	payload := domain.InvoicePayload{
		DropID:          intent.DropID,
		Quantity:        intent.Quantity,
		CustomerWallet:  intent.CustomerWallet,
		CustomerEmail:   intent.CustomerEmail,
		ShippingAddress: intent.ShippingAddress,
		BoxType:         intent.BoxType,
	}
	if id := strings.TrimSpace(intent.TelegramID); id != "" {
		payload.CustomerTelegramID = json.Number(id)
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode invoice payload: %w", err)
	}

	title := dropTitle(intent.DropID, intent.Quantity)
	link, err := s.invoices.CreateInvoiceLink(ctx, telegramclient.InvoiceLinkRequest{
		Title:       title,
		Description: fmt.Sprintf("%s for $%s", title, quote.TotalUSD.StringFixed(2)),
		Payload:     string(encoded),
		Currency:    telegramclient.CurrencyStars,
		Prices:      []telegramclient.LabeledPrice{{Label: title, Amount: quote.TotalPoints}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create invoice link: %w", err)
	}
	return &domain.ChatInvoice{InvoiceURL: link, Stars: quote.TotalPoints, Quote: quote}, nil
}

// OnchainPaymentInstructions builds the 402 payment requirements for a direct USDC transfer.
func (s *Service) OnchainPaymentInstructions(ctx context.Context, intent domain.PaymentIntent, resource string) (*domain.PaymentRequirements, error) {
	if s.paymentRecipient == (common.Address{}) {
		return nil, fmt.Errorf("%w: onchain recipient", ErrRailNotConfigured)
	}
	quote, err := s.Quote(ctx, intent.DropID, intent.Quantity)
	if err != nil {
		return nil, err
	}
	return &domain.PaymentRequirements{
		Scheme:            "exact",
		Network:           s.env.Network,
		MaxAmountRequired: quote.TotalAmount.String(),
		PayTo:             s.paymentRecipient.Hex(),
		Asset:             s.env.USDC.Hex(),
		Resource:          resource,
		Description:       dropTitle(intent.DropID, intent.Quantity),
		MimeType:          "application/json",
		MaxTimeoutSeconds: onchainPaymentTimeoutSeconds,
		Extra: map[string]interface{}{
			"dropId":    intent.DropID,
			"quantity":  intent.Quantity,
			"slotPrice": quote.SlotPrice.String(),
		},
	}, nil
}

func dropTitle(dropID uint64, quantity int64) string {
	if quantity == 1 {
		return fmt.Sprintf("Drop #%d - 1 slot", dropID)
	}
	return fmt.Sprintf("Drop #%d - %d slots", dropID, quantity)
}
