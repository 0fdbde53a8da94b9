package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"taskforge/features/job"
)

const sweepBatch = 100

// Sweeper recovers RUNNING jobs whose worker went away and republishes
// due jobs whose dispatch message was lost. A due job is republished at most
// once per stale window.
type Sweeper struct {
	store      JobStore
	executor   *Executor
	pub        TaskPublisher
	interval   time.Duration
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

func NewSweeper(store JobStore, executor *Executor, pub TaskPublisher, interval, staleAfter time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:      store,
		executor:   executor,
		pub:        pub,
		interval:   interval,
		staleAfter: staleAfter,
		logger:     logger,
		now:        time.Now,
	}
}

func (s *Sweeper) Run(ctx context.Context) error {
	if s.interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			recovered, republished, err := s.Sweep(ctx)
			if err != nil {
				s.logger.ErrorContext(ctx, "sweep failed", "error", err)
				continue
			}
			if recovered > 0 || republished > 0 {
				s.logger.InfoContext(ctx, "sweep completed", "recovered", recovered, "republished", republished)
			}
		}
	}
}

// Sweep performs one recovery pass.
func (s *Sweeper) Sweep(ctx context.Context) (recovered, republished int, err error) {
	now := s.now()

	stale, err := s.store.ListStale(ctx, now.Add(-s.staleAfter), sweepBatch)
	if err != nil {
		return 0, 0, err
	}
	for i := range stale {
		j := &stale[i]
		result, err := s.executor.Fail(ctx, j, ErrLeaseExpired)
		if err != nil {
			if errors.Is(err, job.ErrStatusChanged) || errors.Is(err, job.ErrNotFound) {
				continue
			}
			return recovered, republished, err
		}
		recovered++
		s.logger.WarnContext(ctx, "recovered stale job", "job_id", j.ID, "status", result.Status)
	}

	// jobs touched within the stale window are likely still queued in NSQ
	due, err := s.store.MarkDue(ctx, now, s.staleAfter, sweepBatch)
	if err != nil {
		return recovered, republished, err
	}
	for _, id := range due {
		if err := publish(ctx, s.pub, id, 0); err != nil {
			return recovered, republished, err
		}
		republished++
	}
	return recovered, republished, nil
}
