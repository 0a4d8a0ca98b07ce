package app

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/outlier/settlement-service/internal/domain"
	"github.com/outlier/settlement-service/pkg/rabbitmq"
)

type fakeSender struct {
	chatID string
	text   string
	err    error
}

func (s *fakeSender) SendMessage(ctx context.Context, chatID string, text string) error {
	s.chatID = chatID
	s.text = text
	return s.err
}

func TestMultiAlerter_FansOutAndJoinsErrors(t *testing.T) {
	first := &recordingAlerter{err: errors.New("sink down")}
	second := &recordingAlerter{}
	multi := NewMultiAlerter(nil, first, nil, second)

	err := multi.Alert(context.Background(), Alert{Kind: AlertInsufficientBalance, Message: "top up"})
	if err == nil || !strings.Contains(err.Error(), "sink down") {
		t.Fatalf("expected joined sink error, got %v", err)
	}
	if len(first.alerts) != 1 || len(second.alerts) != 1 {
		t.Fatalf("expected every sink to receive the alert, got %d/%d", len(first.alerts), len(second.alerts))
	}
	if second.alerts[0].RaisedAt.IsZero() {
		t.Fatal("expected raised_at to be stamped")
	}
}

func TestTelegramAlerter(t *testing.T) {
	sender := &fakeSender{}
	alert := Alert{Kind: AlertPurchaseReverted, Message: "retry required", DropID: 7, IdempotencyKey: "coinbase:abc", Detail: "tx_hash=0x1"}

	if err := NewTelegramAlerter(sender, " ").Alert(context.Background(), alert); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sender.text != "" {
		t.Fatal("alerter without chat id must not send")
	}

	if err := NewTelegramAlerter(sender, "-100").Alert(context.Background(), alert); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sender.chatID != "-100" {
		t.Fatalf("unexpected chat id %q", sender.chatID)
	}
	for _, want := range []string{"purchase_reverted", "drop: 7", "key: coinbase:abc", "detail: tx_hash=0x1"} {
		if !strings.Contains(sender.text, want) {
			t.Fatalf("expected %q in %q", want, sender.text)
		}
	}
}

func TestRabbitAlerterRoutesByKind(t *testing.T) {
	publisher := &recordingPublisher{}
	if err := NewRabbitAlerter(publisher, "settlement").Alert(context.Background(), Alert{Kind: AlertQuoteShortfall}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if publisher.count(rabbitmq.RoutingKeyAlertPrefix+AlertQuoteShortfall) != 1 {
		t.Fatalf("expected alert on %s, got %+v", rabbitmq.RoutingKeyAlertPrefix+AlertQuoteShortfall, publisher.events)
	}
}

func TestRaiseAlertNeverFailsSettlement(t *testing.T) {
	f := newFixture(false)
	f.alerter.err = errors.New("telegram down")

	result, err := f.service.Settle(context.Background(), hostedRequest("alert-fails", 1))
	if !errors.Is(err, domain.ErrCustodyDisabled) {
		t.Fatalf("expected the custody outcome, not the alert failure, got %v", err)
	}
	if result == nil || result.Order == nil {
		t.Fatal("expected the pending order in the result")
	}
}
