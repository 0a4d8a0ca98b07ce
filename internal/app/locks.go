package app

import (
	"context"
	"sync"
	"time"
)

const settlementLockMargin = 2 * time.Minute

// SettlementLockTTL bounds how long a distributed settlement lock may be held. A custodial
// settlement can wait out two receipts, the approval and the purchase, before it finishes.
func SettlementLockTTL(receiptTimeout time.Duration) time.Duration {
	return 2*receiptTimeout + settlementLockMargin
}

// KeyLocker serializes work per idempotency key. The returned release func must be called
// exactly once.
type KeyLocker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

type keyedMutex struct {
	ch   chan struct{}
	refs int
}

// LocalKeyLocker is an in-process keyed mutex. It only protects a single replica; the
// unique index on orders.idempotency_key still holds across replicas.
type LocalKeyLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedMutex
}

func NewLocalKeyLocker() *LocalKeyLocker {
	return &LocalKeyLocker{locks: make(map[string]*keyedMutex)}
}

func (l *LocalKeyLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &keyedMutex{ch: make(chan struct{}, 1)}
		l.locks[key] = m
	}
	m.refs++
	l.mu.Unlock()

	select {
	case m.ch <- struct{}{}:
	case <-ctx.Done():
		l.releaseRef(key, m)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-m.ch
			l.releaseRef(key, m)
		})
	}, nil
}

func (l *LocalKeyLocker) releaseRef(key string, m *keyedMutex) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m.refs--
	if m.refs == 0 {
		delete(l.locks, key)
	}
}
