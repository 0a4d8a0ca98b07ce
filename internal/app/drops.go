package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/outlier/settlement-service/internal/domain"
	"github.com/outlier/settlement-service/pkg/metrics"
	"github.com/outlier/settlement-service/pkg/rabbitmq"
	"go.uber.org/zap"
)

// resolveDrop loads the ledger drop, creating a flagged fallback row from chain state when
// the admin flow never registered it.
func (s *Service) resolveDrop(ctx context.Context, dropID uint64, rail domain.PaymentMethod) (*domain.Drop, error) {
	drop, err := s.repo.FindDropByID(ctx, dropID)
	if err == nil {
		return drop, nil
	}
	if !errors.Is(err, domain.ErrDropNotFound) {
		return nil, fmt.Errorf("failed to load drop: %w", err)
	}

	state, err := s.oracle.ReadDrop(ctx, dropID)
	if err != nil {
		return nil, err
	}
	if !state.Exists() {
		return nil, fmt.Errorf("%w: drop %d does not exist on-chain", domain.ErrInvalidDrop, dropID)
	}

	fallback := state.ToDrop()
	fallback.CreatedByFallback = true
	created, wasCreated, err := s.repo.CreateDropFallback(ctx, fallback)
	if err != nil {
		return nil, fmt.Errorf("failed to create fallback drop: %w", err)
	}
	if !wasCreated {
		return created, nil
	}

	s.logger.Warn("drop missing from ledger; created fallback row from chain state",
		zap.String("flow", "resolve_drop"),
		zap.Uint64("drop_id", dropID),
		zap.String("rail", rail.KeyPrefix()),
	)
	s.metrics.IncCounter(metrics.DropFallbackCreated, railLabels(rail, "created"))
	s.raiseAlert(ctx, Alert{
		Kind:    AlertDropFallback,
		Message: "drop was not registered by the admin flow; created from chain state",
		DropID:  dropID,
		Rail:    rail.KeyPrefix(),
	})
	if pubErr := s.eventProducer.Publish(ctx, s.exchange, rabbitmq.RoutingKeyDropFallback, created); pubErr != nil {
		s.logger.Warn("failed to publish drop fallback event", zap.Uint64("drop_id", dropID), zap.Error(pubErr))
	}
	return created, nil
}

// SyncDrop mirrors on-chain drop state into the ledger. Status never moves backwards and
// slots_sold never decreases.
func (s *Service) SyncDrop(ctx context.Context, dropID uint64) (*domain.Drop, error) {
	state, err := s.oracle.ReadDrop(ctx, dropID)
	if err != nil {
		return nil, err
	}
	if !state.Exists() {
		return nil, fmt.Errorf("%w: drop %d does not exist on-chain", domain.ErrInvalidDrop, dropID)
	}
	drop, err := s.repo.UpsertDrop(ctx, state.ToDrop())
	if err != nil {
		return nil, fmt.Errorf("failed to upsert drop: %w", err)
	}
	s.logger.Info("drop synced",
		zap.String("flow", "sync_drop"),
		zap.Uint64("drop_id", dropID),
		zap.String("status", drop.Status.String()),
		zap.Int64("slots_sold", drop.SlotsSold),
	)
	return drop, nil
}

// DropCache is the in-memory drop view behind the pre-checkout gate. Lookups never touch
// the database or the chain.
type DropCache struct {
	mu          sync.RWMutex
	drops       map[uint64]domain.Drop
	refreshedAt time.Time
}

func NewDropCache() *DropCache {
	return &DropCache{drops: make(map[uint64]domain.Drop)}
}

// Lookup returns the cached drop, if any.
func (c *DropCache) Lookup(dropID uint64) (domain.Drop, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	drop, ok := c.drops[dropID]
	return drop, ok
}

// Replace swaps the cached set.
func (c *DropCache) Replace(drops []domain.Drop, at time.Time) {
	next := make(map[uint64]domain.Drop, len(drops))
	for _, drop := range drops {
		next[drop.ID] = drop
	}
	c.mu.Lock()
	c.drops = next
	c.refreshedAt = at
	c.mu.Unlock()
}

// RefreshedAt is the time of the last successful refresh.
func (c *DropCache) RefreshedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshedAt
}

// Len is the number of cached drops.
func (c *DropCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.drops)
}

// RefreshDropCache reloads open drops from the ledger. A failed refresh keeps the previous
// contents.
func (s *Service) RefreshDropCache(ctx context.Context, cache *DropCache) error {
	drops, err := s.repo.ListOpenDrops(ctx)
	if err != nil {
		return fmt.Errorf("failed to list open drops: %w", err)
	}
	cache.Replace(drops, s.now())
	return nil
}
