/**
 * @description
 * Cron scheduler for the background passes: receipt reconciliation and the drop cache
 * behind the pre-checkout gate.
 */
package app

import (
	"context"
	"time"

	"github.com/outlier/settlement-service/internal/domain"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	reconcileJobTimeout     = 4 * time.Minute
	dropCacheRefreshTimeout = 10 * time.Second
)

// JobRunner is the subset of Service the scheduled jobs call.
type JobRunner interface {
	ReconcilePendingReceipts(ctx context.Context, limit int) (*domain.ReceiptReconcileResult, error)
	RefreshDropCache(ctx context.Context, cache *DropCache) error
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	runner         JobRunner
	cache          *DropCache
	reconcileLimit int
	logger         *zap.Logger
}

// NewJobs creates a new Jobs runner.
func NewJobs(runner JobRunner, cache *DropCache, reconcileLimit int, logger *zap.Logger) *Jobs {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Jobs{
		runner:         runner,
		cache:          cache,
		reconcileLimit: reconcileLimit,
		logger:         logger.With(zap.String("component", "jobs")),
	}
}

// ReconcileReceipts runs one receipt reconciliation pass.
func (j *Jobs) ReconcileReceipts() {
	ctx, cancel := context.WithTimeout(context.Background(), reconcileJobTimeout)
	defer cancel()

	result, err := j.runner.ReconcilePendingReceipts(ctx, j.reconcileLimit)
	if err != nil {
		j.logger.Error("receipt reconciliation job failed", zap.Error(err))
		return
	}
	if result.Processed == 0 {
		j.logger.Debug("receipt reconciliation job found no candidates")
		return
	}
	j.logger.Info("receipt reconciliation job finished",
		zap.Int("processed", result.Processed),
		zap.Int("linked", result.Linked),
		zap.Int("finalized", result.Finalized),
	)
}

// RefreshDropCache reloads the pre-checkout drop cache.
func (j *Jobs) RefreshDropCache() {
	if j.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), dropCacheRefreshTimeout)
	defer cancel()

	if err := j.runner.RefreshDropCache(ctx, j.cache); err != nil {
		j.logger.Warn("drop cache refresh failed; keeping previous contents", zap.Error(err))
		return
	}
	j.logger.Debug("drop cache refreshed", zap.Int("drops", j.cache.Len()))
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron                *cron.Cron
	jobs                *Jobs
	logger              *zap.Logger
	reconcileSchedule   string
	dropRefreshSchedule string
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *zap.Logger, reconcileSchedule, dropRefreshSchedule string) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:                c,
		jobs:                jobs,
		logger:              logger.With(zap.String("component", "scheduler")),
		reconcileSchedule:   reconcileSchedule,
		dropRefreshSchedule: dropRefreshSchedule,
	}
}

// Start registers the jobs and starts the cron scheduler. The drop cache is filled once
// before the first tick.
func (s *Scheduler) Start() {
	s.jobs.RefreshDropCache()

	if _, err := s.cron.AddFunc(s.reconcileSchedule, s.jobs.ReconcileReceipts); err != nil {
		s.logger.Error("failed to schedule receipt reconciliation job", zap.Error(err))
	} else {
		s.logger.Info("scheduled receipt reconciliation job", zap.String("schedule", s.reconcileSchedule))
	}

	if _, err := s.cron.AddFunc(s.dropRefreshSchedule, s.jobs.RefreshDropCache); err != nil {
		s.logger.Error("failed to schedule drop cache refresh job", zap.Error(err))
	} else {
		s.logger.Info("scheduled drop cache refresh job", zap.String("schedule", s.dropRefreshSchedule))
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
