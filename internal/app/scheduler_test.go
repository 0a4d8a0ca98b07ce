package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/outlier/settlement-service/internal/domain"
)

type fakeJobRunner struct {
	reconcileCalls int
	lastLimit      int
	reconcileErr   error
	refreshCalls   int
	refreshErr     error
	drops          []domain.Drop
}

func (r *fakeJobRunner) ReconcilePendingReceipts(ctx context.Context, limit int) (*domain.ReceiptReconcileResult, error) {
	r.reconcileCalls++
	r.lastLimit = limit
	if _, ok := ctx.Deadline(); !ok {
		return nil, errors.New("job context must carry a deadline")
	}
	if r.reconcileErr != nil {
		return nil, r.reconcileErr
	}
	return &domain.ReceiptReconcileResult{Processed: 2, Linked: 1, Finalized: 1}, nil
}

func (r *fakeJobRunner) RefreshDropCache(ctx context.Context, cache *DropCache) error {
	r.refreshCalls++
	if r.refreshErr != nil {
		return r.refreshErr
	}
	cache.Replace(r.drops, time.Now())
	return nil
}

func TestJobs_ReconcileReceiptsPassesLimit(t *testing.T) {
	runner := &fakeJobRunner{}
	jobs := NewJobs(runner, NewDropCache(), 250, nil)

	jobs.ReconcileReceipts()
	runner.reconcileErr = errors.New("db down")
	jobs.ReconcileReceipts()

	if runner.reconcileCalls != 2 || runner.lastLimit != 250 {
		t.Fatalf("expected two calls with limit 250, got %d/%d", runner.reconcileCalls, runner.lastLimit)
	}
}

func TestJobs_RefreshDropCacheKeepsContentsOnFailure(t *testing.T) {
	cache := NewDropCache()
	runner := &fakeJobRunner{drops: []domain.Drop{{ID: 1}, {ID: 2}}}
	jobs := NewJobs(runner, cache, 0, nil)

	jobs.RefreshDropCache()
	if cache.Len() != 2 {
		t.Fatalf("expected 2 cached drops, got %d", cache.Len())
	}

	runner.refreshErr = errors.New("db down")
	jobs.RefreshDropCache()
	if cache.Len() != 2 {
		t.Fatalf("failed refresh must keep contents, got %d", cache.Len())
	}

	NewJobs(runner, nil, 0, nil).RefreshDropCache()
	if runner.refreshCalls != 2 {
		t.Fatalf("nil cache must not call the runner, got %d calls", runner.refreshCalls)
	}
}

func TestScheduler_StartFillsCacheBeforeFirstTick(t *testing.T) {
	cache := NewDropCache()
	runner := &fakeJobRunner{drops: []domain.Drop{{ID: 3}}}
	scheduler := NewScheduler(NewJobs(runner, cache, 0, nil), nil, "@every 1h", "not a schedule")

	scheduler.Start()
	<-scheduler.Stop().Done()

	if runner.refreshCalls != 1 || cache.Len() != 1 {
		t.Fatalf("expected one initial refresh, got %d calls and %d drops", runner.refreshCalls, cache.Len())
	}
	if len(scheduler.cron.Entries()) != 1 {
		t.Fatalf("expected only the valid schedule to register, got %d entries", len(scheduler.cron.Entries()))
	}
}

func TestService_RefreshDropCacheListsOpenDrops(t *testing.T) {
	f := newFixture(false)
	f.ledger.addDrop(domain.Drop{ID: 8, TotalSlots: 5, Status: domain.DropStatusFunded})

	cache := NewDropCache()
	if err := f.service.RefreshDropCache(context.Background(), cache); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := cache.Lookup(testDropID); !ok {
		t.Fatal("expected funding drop to be cached")
	}
	if _, ok := cache.Lookup(8); ok {
		t.Fatal("funded drop must not be cached")
	}
	if !cache.RefreshedAt().Equal(testNow) {
		t.Fatalf("expected refresh time %s, got %s", testNow, cache.RefreshedAt())
	}
}

func TestService_SyncDropMirrorsChain(t *testing.T) {
	f := newFixture(false)
	f.oracle.state = domain.DropState{TotalSlots: 10, SlotsSold: 4, Status: domain.DropStatusFunded, SlotPrice: testSlotPrice}

	drop, err := f.service.SyncDrop(context.Background(), testDropID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if drop.SlotsSold != 4 || drop.Status != domain.DropStatusFunded {
		t.Fatalf("unexpected drop %+v", drop)
	}

	f.oracle.state = domain.DropState{}
	if _, err := f.service.SyncDrop(context.Background(), 55); !errors.Is(err, domain.ErrInvalidDrop) {
		t.Fatalf("expected ErrInvalidDrop, got %v", err)
	}
}
