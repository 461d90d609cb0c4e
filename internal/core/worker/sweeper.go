package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Byk3y/PREPAI-sub003/internal/core/domain"
	"github.com/Byk3y/PREPAI-sub003/internal/infra/storage"
)

// Retriggerer re-runs the trigger phase of a pending job.
type Retriggerer interface {
	Retrigger(ctx context.Context, jobID string) error
}

// SweeperConfig configures the stale pending sweep.
type SweeperConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
	BatchSize  int
	Owner      string
}

func (c *SweeperConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
}

// Sweeper re-triggers jobs left pending after a trigger whose outcome was
// never learned, e.g. after a timeout and a process restart.
type Sweeper struct {
	cfg     SweeperConfig
	jobs    storage.JobRepository
	trigger Retriggerer
	locker  Locker
	now     func() time.Time
	logger  *slog.Logger
}

// NewSweeper creates a new Sweeper worker. locker may be nil.
func NewSweeper(cfg SweeperConfig, jobs storage.JobRepository, trigger Retriggerer, locker Locker) *Sweeper {
	cfg.applyDefaults()
	return &Sweeper{
		cfg:     cfg,
		jobs:    jobs,
		trigger: trigger,
		locker:  locker,
		now:     time.Now,
		logger:  slog.Default().With("component", "sweeper"),
	}
}

// Start runs the sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	runEvery(ctx, s.cfg.Interval, func(ctx context.Context) {
		if _, err := withLock(ctx, s.locker, "sweeper", s.cfg.Owner, s.cfg.Interval, func(ctx context.Context) {
			s.Sweep(ctx)
		}); err != nil {
			s.logger.Warn("Failed to acquire sweeper lock", "error", err)
		}
	})
}

// Sweep re-triggers one batch of stale pending jobs and returns how many
// were re-triggered.
func (s *Sweeper) Sweep(ctx context.Context) int {
	stale, err := s.jobs.ListStale(ctx, domain.JobStatusPending, s.now().Add(-s.cfg.StaleAfter), s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("Failed to list stale jobs", "error", err)
		return 0
	}

	n := 0
	for _, j := range stale {
		if ctx.Err() != nil {
			break
		}
		// A newer job on the same material means processing was handed
		// to a background job; this row is only a placeholder.
		latest, err := s.jobs.Latest(ctx, domain.BySubject(j.SubjectID))
		if err == nil && latest.ID != j.ID {
			s.logger.Debug("Skipping superseded job", "job", j.ID, "background_job", latest.ID)
			continue
		}

		if err := s.trigger.Retrigger(ctx, j.ID); err != nil {
			// Retrigger has already handled and logged a classified failure.
			if !errors.Is(err, storage.ErrJobNotFound) {
				s.logger.Debug("Retrigger did not complete", "job", j.ID, "error", err)
			}
		}
		n++
	}

	if n > 0 {
		s.logger.Info("Swept stale pending jobs", "count", n)
	}
	return n
}
