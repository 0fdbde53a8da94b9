package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"taskforge/features/job"
	"taskforge/internal/backoff"
)

var (
	// ErrNotClaimed means another worker owns the job, it already finished, or it is not due yet.
	ErrNotClaimed   = errors.New("job not claimed")
	ErrLeaseExpired = errors.New("lease expired")
)

type JobStore interface {
	Claim(ctx context.Context, id string, asOf time.Time) (*job.Job, error)
	Transition(ctx context.Context, t job.Transition) (*job.Job, error)
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]job.Job, error)
	MarkDue(ctx context.Context, dueBy time.Time, quiet time.Duration, limit int) ([]string, error)
}

// Executor runs one claimed attempt of a job and records the outcome.
type Executor struct {
	store    JobStore
	registry *Registry
	backoff  backoff.Strategy
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewExecutor(store JobStore, registry *Registry, bo backoff.Strategy, timeout time.Duration, logger *slog.Logger) *Executor {
	return &Executor{
		store:    store,
		registry: registry,
		backoff:  bo,
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
	}
}

// Execute claims the job, runs its handler and returns the job in its resulting status.
func (e *Executor) Execute(ctx context.Context, id string) (*job.Job, error) {
	// run_at is written from e.now, so the due check uses the same clock
	j, err := e.store.Claim(ctx, id, e.now())
	if err != nil {
		if errors.Is(err, job.ErrStatusChanged) || errors.Is(err, job.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s: %w", ErrNotClaimed, id, err)
		}
		return nil, err
	}

	e.logger.InfoContext(ctx, "job claimed", "job_id", j.ID, "type", j.Type, "retry_count", j.RetryCount)

	start := e.now()
	runErr := e.run(ctx, j)
	elapsed := e.now().Sub(start)

	// the attempt's outcome is recorded even if the caller is shutting down
	ctx = context.WithoutCancel(ctx)

	if runErr == nil {
		done, err := e.store.Transition(ctx, job.Transition{
			ID:         j.ID,
			From:       job.StatusRunning,
			To:         job.StatusSucceeded,
			RetryCount: j.RetryCount,
			RunAt:      j.RunAt,
		})
		if err != nil {
			return nil, err
		}
		e.logger.InfoContext(ctx, "job succeeded", "job_id", j.ID, "type", j.Type, "duration", elapsed)
		return done, nil
	}

	e.logger.WarnContext(ctx, "job attempt failed", "job_id", j.ID, "type", j.Type, "error", runErr, "duration", elapsed)
	return e.Fail(ctx, j, runErr)
}

func (e *Executor) run(ctx context.Context, j *job.Job) (err error) {
	handler, ok := e.registry.Get(j.Type)
	if !ok {
		return Permanent(fmt.Errorf("no handler registered for job type %q", j.Type))
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, j.Payload)
}

// Fail records a failed attempt of a RUNNING job: RUNNING -> FAILED, then
// RETRYING while the retry budget lasts, EXHAUSTED otherwise.
func (e *Executor) Fail(ctx context.Context, j *job.Job, cause error) (*job.Job, error) {
	failed, err := e.store.Transition(ctx, job.Transition{
		ID:         j.ID,
		From:       job.StatusRunning,
		To:         job.StatusFailed,
		RetryCount: j.RetryCount,
		LastError:  cause.Error(),
		RunAt:      j.RunAt,
	})
	if err != nil {
		return nil, err
	}

	if IsPermanent(cause) || !failed.CanRetry() {
		exhausted, err := e.store.Transition(ctx, job.Transition{
			ID:         failed.ID,
			From:       job.StatusFailed,
			To:         job.StatusExhausted,
			RetryCount: failed.RetryCount,
			LastError:  failed.LastError,
			RunAt:      failed.RunAt,
		})
		if err != nil {
			return nil, err
		}
		e.logger.ErrorContext(ctx, "job exhausted", "job_id", failed.ID, "type", failed.Type,
			"retry_count", failed.RetryCount, "max_retries", failed.MaxRetries, "permanent", IsPermanent(cause), "error", cause)
		return exhausted, nil
	}

	attempt := failed.RetryCount + 1
	delay := e.backoff.Delay(attempt)
	retrying, err := e.store.Transition(ctx, job.Transition{
		ID:         failed.ID,
		From:       job.StatusFailed,
		To:         job.StatusRetrying,
		RetryCount: attempt,
		LastError:  failed.LastError,
		RunAt:      e.now().Add(delay),
	})
	if err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "job scheduled for retry", "job_id", retrying.ID, "type", retrying.Type,
		"attempt", attempt, "max_retries", retrying.MaxRetries, "delay", delay)
	return retrying, nil
}
