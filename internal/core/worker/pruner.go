package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/Byk3y/PREPAI-sub003/internal/infra/storage"
	"github.com/Byk3y/PREPAI-sub003/internal/metrics"
)

// PrunerConfig configures job retention.
type PrunerConfig struct {
	// Retention is how long finished jobs are kept. Zero disables pruning.
	Retention time.Duration
	Owner     string
}

// Pruner deletes finished jobs based on retention policy.
type Pruner struct {
	cfg    PrunerConfig
	jobs   storage.JobRepository
	locker Locker
	now    func() time.Time
	logger *slog.Logger
}

// NewPruner creates a new Pruner worker. locker may be nil.
func NewPruner(cfg PrunerConfig, jobs storage.JobRepository, locker Locker) *Pruner {
	return &Pruner{
		cfg:    cfg,
		jobs:   jobs,
		locker: locker,
		now:    time.Now,
		logger: slog.Default().With("component", "pruner"),
	}
}

// Start runs the pruner loop.
func (p *Pruner) Start(ctx context.Context) {
	if p.cfg.Retention <= 0 {
		return
	}

	// 10% of the retention period, between 1 minute and 1 hour.
	interval := min(p.cfg.Retention/10, time.Hour)
	interval = max(interval, time.Minute)

	runEvery(ctx, interval, func(ctx context.Context) {
		if _, err := withLock(ctx, p.locker, "pruner", p.cfg.Owner, interval, func(ctx context.Context) {
			p.Prune(ctx)
		}); err != nil {
			p.logger.Warn("Failed to acquire pruner lock", "error", err)
		}
	})
}

// Prune removes jobs finished before the retention cutoff.
func (p *Pruner) Prune(ctx context.Context) int64 {
	cutoff := p.now().Add(-p.cfg.Retention)
	n, err := p.jobs.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		p.logger.Error("Failed to prune jobs", "cutoff", cutoff, "error", err)
		return 0
	}
	if n > 0 {
		metrics.JobsPruned.Add(float64(n))
		p.logger.Info("Pruned finished jobs", "count", n, "cutoff", cutoff)
	}
	return n
}
