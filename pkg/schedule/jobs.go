package schedule

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper expires aged cache entries.
type Sweeper interface {
	Sweep(ctx context.Context) int
}

// CacheSweepJob enforces the similarity cache age bound and flushes hit
// counts to persistent storage.
type CacheSweepJob struct {
	Cache  Sweeper
	Logger *zap.Logger
}

func (j *CacheSweepJob) Name() string { return "cache_sweep" }

func (j *CacheSweepJob) Run(ctx context.Context) error {
	if n := j.Cache.Sweep(ctx); n > 0 && j.Logger != nil {
		j.Logger.Info("expired cache entries", zap.Int("count", n))
	}
	return nil
}

// Pruner deletes ledger rows older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// LedgerRetentionJob deletes outcomes older than Retention.
type LedgerRetentionJob struct {
	Ledger    Pruner
	Retention time.Duration
	Logger    *zap.Logger
	Now       func() time.Time
}

func (j *LedgerRetentionJob) Name() string { return "ledger_retention" }

func (j *LedgerRetentionJob) Run(ctx context.Context) error {
	if j.Retention <= 0 {
		return nil
	}
	now := time.Now
	if j.Now != nil {
		now = j.Now
	}
	n, err := j.Ledger.Prune(ctx, now().Add(-j.Retention))
	if err != nil {
		return err
	}
	if n > 0 && j.Logger != nil {
		j.Logger.Info("pruned ledger outcomes", zap.Int64("count", n), zap.Duration("retention", j.Retention))
	}
	return nil
}
