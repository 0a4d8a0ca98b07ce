package app

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/outlier/settlement-service/internal/domain"
	"github.com/outlier/settlement-service/pkg/commerceclient"
	"github.com/outlier/settlement-service/pkg/telegramclient"
	"go.uber.org/zap"
)

type fakeCharges struct {
	got commerceclient.CreateChargeRequest
	err error
}

func (c *fakeCharges) CreateCharge(ctx context.Context, payload commerceclient.CreateChargeRequest) (*commerceclient.Charge, error) {
	c.got = payload
	if c.err != nil {
		return nil, c.err
	}
	return &commerceclient.Charge{ID: "chg-1", Code: "ABC", HostedURL: "https://commerce.example/pay/ABC", ExpiresAt: testNow.Add(time.Hour)}, nil
}

type fakeInvoices struct {
	got telegramclient.InvoiceLinkRequest
}

func (i *fakeInvoices) CreateInvoiceLink(ctx context.Context, payload telegramclient.InvoiceLinkRequest) (string, error) {
	i.got = payload
	return "https://t.me/$invoice", nil
}

func newPaymentService(charges ChargeCreator, invoices InvoiceCreator, recipient common.Address) *Service {
	oracle := &stubOracle{slotPrice: big.NewInt(testSlotPrice)}
	return NewService(newMemoryLedger(), oracle, &stubVerifier{}, nil, nil, Options{
		PaymentRecipient: recipient,
		Charges:          charges,
		Invoices:         invoices,
		Environment: Environment{
			Network: "base-sepolia",
			USDC:    common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e"),
			AppURL:  "https://shop.example",
		},
		Logger: zap.NewNop(),
		Now:    func() time.Time { return testNow },
	})
}

func TestCreateHostedCharge(t *testing.T) {
	charges := &fakeCharges{}
	s := newPaymentService(charges, nil, testRecipient)

	charge, err := s.CreateHostedCharge(context.Background(), domain.PaymentIntent{
		DropID:          testDropID,
		Quantity:        2,
		CustomerEmail:   "buyer@example.com",
		ShippingAddress: json.RawMessage(`{"country":"US"}`),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if charge.ChargeID != "chg-1" || charge.HostedURL == "" {
		t.Fatalf("unexpected charge %+v", charge)
	}
	if charges.got.LocalPrice.Amount != "70.00" || charges.got.LocalPrice.Currency != "USD" {
		t.Fatalf("expected $70.00 from the oracle quote, got %+v", charges.got.LocalPrice)
	}
	meta := charges.got.Metadata
	if meta["drop_id"] != "7" || meta["quantity"] != "2" || meta["customer_email"] != "buyer@example.com" || meta["shipping_address"] != `{"country":"US"}` {
		t.Fatalf("unexpected metadata %+v", meta)
	}
	if _, ok := meta["customer_wallet"]; ok {
		t.Fatal("empty wallet must not be sent")
	}
	if charges.got.RedirectURL != "https://shop.example/drops/7?payment=success" {
		t.Fatalf("unexpected redirect %q", charges.got.RedirectURL)
	}
}

func TestCreateHostedCharge_Errors(t *testing.T) {
	if _, err := newPaymentService(nil, nil, testRecipient).CreateHostedCharge(context.Background(), domain.PaymentIntent{DropID: 1, Quantity: 1}); !errors.Is(err, ErrRailNotConfigured) {
		t.Fatalf("expected ErrRailNotConfigured, got %v", err)
	}

	charges := &fakeCharges{err: errors.New("boom")}
	if _, err := newPaymentService(charges, nil, testRecipient).CreateHostedCharge(context.Background(), domain.PaymentIntent{DropID: 1, Quantity: 1}); err == nil {
		t.Fatal("expected provider error")
	}

	if _, err := newPaymentService(&fakeCharges{}, nil, testRecipient).CreateHostedCharge(context.Background(), domain.PaymentIntent{DropID: 1, Quantity: 0}); !errors.Is(err, domain.ErrInvalidQuantity) {
		t.Fatalf("expected ErrInvalidQuantity, got %v", err)
	}
}

func TestCreateChatInvoice(t *testing.T) {
	invoices := &fakeInvoices{}
	s := newPaymentService(nil, invoices, testRecipient)

	invoice, err := s.CreateChatInvoice(context.Background(), domain.PaymentIntent{DropID: testDropID, Quantity: 2, TelegramID: "777"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if invoice.Stars != 7000 || invoices.got.Prices[0].Amount != 7000 {
		t.Fatalf("expected 7000 stars, got %d/%d", invoice.Stars, invoices.got.Prices[0].Amount)
	}
	if invoices.got.Currency != telegramclient.CurrencyStars {
		t.Fatalf("unexpected currency %q", invoices.got.Currency)
	}

	var payload domain.InvoicePayload
	if err := json.Unmarshal([]byte(invoices.got.Payload), &payload); err != nil {
		t.Fatalf("invoice payload is not JSON: %v", err)
	}
	if payload.DropID != testDropID || payload.Quantity != 2 || payload.CustomerTelegramID.String() != "777" {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestOnchainPaymentInstructions(t *testing.T) {
	s := newPaymentService(nil, nil, testRecipient)

	req, err := s.OnchainPaymentInstructions(context.Background(), domain.PaymentIntent{DropID: testDropID, Quantity: 3}, "https://api.example/payments/onchain")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.MaxAmountRequired != "105000000" || req.PayTo != testRecipient.Hex() || req.Scheme != "exact" {
		t.Fatalf("unexpected requirements %+v", req)
	}
	if req.Extra["slotPrice"] != "35000000" || req.MaxTimeoutSeconds != 300 {
		t.Fatalf("unexpected extra %+v", req.Extra)
	}

	if _, err := newPaymentService(nil, nil, common.Address{}).OnchainPaymentInstructions(context.Background(), domain.PaymentIntent{DropID: testDropID, Quantity: 1}, ""); !errors.Is(err, ErrRailNotConfigured) {
		t.Fatalf("expected ErrRailNotConfigured without a recipient, got %v", err)
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(true)
	f.custody.balance = big.NewInt(1_234_560_000)
	f.ledger.pingErr = errors.New("db down")
	cache := NewDropCache()
	cache.Replace([]domain.Drop{{ID: 1}}, testNow)

	status := f.service.Status(context.Background(), cache)
	if status.DatabaseOK || status.DatabaseError != "db down" {
		t.Fatalf("expected database failure to be reported, got %+v", status)
	}
	if !status.CustodyEnabled || status.CustodianAddress != testCustodian.Hex() || status.CustodianBalanceUS != "1234.56" {
		t.Fatalf("unexpected custody status %+v", status)
	}
	if status.DropCacheSize != 1 || status.PaymentRecipient != testRecipient.Hex() {
		t.Fatalf("unexpected status %+v", status)
	}
}
