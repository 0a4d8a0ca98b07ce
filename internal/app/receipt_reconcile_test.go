package app

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/outlier/settlement-service/internal/domain"
	"github.com/outlier/settlement-service/pkg/rabbitmq"
)

func advanceClock(f *fixture, d time.Duration) {
	later := testNow.Add(d)
	f.service.now = func() time.Time { return later }
}

func TestReconcilePendingReceipts_LinksMissingToken(t *testing.T) {
	f := newFixture(false)
	if _, err := f.service.Settle(context.Background(), onchainRequest("0xFEED", 1)); err != nil {
		t.Fatalf("settle: %v", err)
	}
	f.verifier.receipts["0xfeed"] = domain.ReceiptStatus{Found: true, Success: true, TokenID: big.NewInt(99)}
	advanceClock(f, 5*time.Minute)

	result, err := f.service.ReconcilePendingReceipts(context.Background(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Processed != 1 || result.Linked != 1 {
		t.Fatalf("expected one linked candidate, got %+v", result)
	}
	if token := stringValue(f.ledger.orderByKey("onchain:0xfeed").TokenID); token != "99" {
		t.Fatalf("expected token 99, got %q", token)
	}
	if f.publisher.count(rabbitmq.RoutingKeyReceiptLinked) != 1 {
		t.Fatal("expected a receipt linked event")
	}
}

func TestReconcilePendingReceipts_SkipsRecentOrders(t *testing.T) {
	f := newFixture(false)
	if _, err := f.service.Settle(context.Background(), onchainRequest("0xfresh", 1)); err != nil {
		t.Fatalf("settle: %v", err)
	}

	result, err := f.service.ReconcilePendingReceipts(context.Background(), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Processed != 0 {
		t.Fatalf("expected no candidates inside the eligibility window, got %+v", result)
	}
}

func TestReconcilePendingReceipts_FinalizesConfirmedPurchase(t *testing.T) {
	f := newFixture(true)
	f.custody.err = fmt.Errorf("%w: receipt timeout", domain.ErrExecutionUnknown)
	f.custody.broadcast = true
	if _, err := f.service.Settle(context.Background(), hostedRequest("slow", 2)); err == nil {
		t.Fatal("expected unknown outcome")
	}
	advanceClock(f, 5*time.Minute)

	result, err := f.service.ReconcilePendingReceipts(context.Background(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.StillPending != 1 {
		t.Fatalf("expected unconfirmed purchase to stay pending, got %+v", result)
	}

	f.verifier.receipts["0xcustody1"] = domain.ReceiptStatus{Found: true, Success: true, TokenID: big.NewInt(3)}
	result, err = f.service.ReconcilePendingReceipts(context.Background(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Finalized != 1 {
		t.Fatalf("expected one finalized order, got %+v", result)
	}
	order := f.ledger.orderByKey("coinbase:slow")
	if order.Status != domain.OrderStatusPaid || stringValue(order.TokenID) != "3" {
		t.Fatalf("expected paid with token 3, got %s/%q", order.Status, stringValue(order.TokenID))
	}
	if got := f.ledger.drop(testDropID).SlotsSold; got != 2 {
		t.Fatalf("expected slots_sold=2, got %d", got)
	}
	if f.custody.callCount() != 1 {
		t.Fatalf("reconciliation must not purchase again, got %d", f.custody.callCount())
	}
}

func TestReconcilePendingReceipts_RevertedPurchaseAlertsOnce(t *testing.T) {
	f := newFixture(true)
	f.custody.err = domain.ErrExecutionUnknown
	f.custody.broadcast = true
	if _, err := f.service.Settle(context.Background(), hostedRequest("reverted", 1)); err == nil {
		t.Fatal("expected unknown outcome")
	}
	f.verifier.receipts["0xcustody1"] = domain.ReceiptStatus{Found: true, Success: false}
	advanceClock(f, 5*time.Minute)

	for pass := 0; pass < 2; pass++ {
		result, err := f.service.ReconcilePendingReceipts(context.Background(), 0)
		if err != nil {
			t.Fatalf("pass %d: unexpected error: %v", pass, err)
		}
		if result.Reverted != 1 {
			t.Fatalf("pass %d: expected reverted candidate, got %+v", pass, result)
		}
	}

	order := f.ledger.orderByKey("coinbase:reverted")
	if order.Status != domain.OrderStatusPending || stringValue(order.FailureReason) != failurePurchaseReverted {
		t.Fatalf("expected pending reverted order, got %s/%q", order.Status, stringValue(order.FailureReason))
	}
	reverted := 0
	for _, kind := range f.alerter.kinds() {
		if kind == AlertPurchaseReverted {
			reverted++
		}
	}
	if reverted != 1 {
		t.Fatalf("expected one reverted alert across passes, got %d", reverted)
	}
}

func TestReconcilePendingReceipts_SkipsLockedCandidate(t *testing.T) {
	f := newFixture(true)
	f.custody.err = domain.ErrExecutionUnknown
	f.custody.broadcast = true
	if _, err := f.service.Settle(context.Background(), hostedRequest("busy", 1)); err == nil {
		t.Fatal("expected unknown outcome")
	}
	advanceClock(f, 5*time.Minute)

	release, err := f.service.locker.Lock(context.Background(), "coinbase:busy")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	result, err := f.service.ReconcilePendingReceipts(ctx, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.StillPending != 1 {
		t.Fatalf("expected locked candidate to be skipped, got %+v", result)
	}
}

func TestReconcilePendingReceipts_UnresolvedRowsRotate(t *testing.T) {
	f := newFixture(true)
	f.custody.err = fmt.Errorf("%w: status 0", domain.ErrPurchaseTxReverted)
	f.custody.broadcast = true

	hashes := []string{"0xrev1", "0xrev2", "0xok3"}
	for i, hash := range hashes {
		advanceClock(f, time.Duration(i)*time.Second)
		f.custody.txHash = hash
		if _, err := f.service.Settle(context.Background(), hostedRequest("charge-"+hash, 1)); err == nil {
			t.Fatalf("expected reverted purchase for %s", hash)
		}
	}
	f.verifier.receipts["0xrev1"] = domain.ReceiptStatus{Found: true, Success: false}
	f.verifier.receipts["0xrev2"] = domain.ReceiptStatus{Found: true, Success: false}
	f.verifier.receipts["0xok3"] = domain.ReceiptStatus{Found: true, Success: true, TokenID: big.NewInt(8)}
	advanceClock(f, 10*time.Minute)

	first, err := f.service.ReconcilePendingReceipts(context.Background(), 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Processed != 2 || first.Reverted != 2 {
		t.Fatalf("expected the two oldest reverted rows first, got %+v", first)
	}

	second, err := f.service.ReconcilePendingReceipts(context.Background(), 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Finalized != 1 {
		t.Fatalf("expected the unexamined row to be reached, got %+v", second)
	}
	if order := f.ledger.orderByKey("coinbase:charge-0xok3"); order == nil || order.Status != domain.OrderStatusPaid {
		t.Fatalf("expected charge-0xok3 to be paid, got %+v", order)
	}
}
