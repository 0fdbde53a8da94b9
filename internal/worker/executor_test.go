package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"taskforge/features/job"
	"taskforge/internal/backoff"
	"taskforge/internal/worker"
)

const jobID = "4a7f6c1e-2b1d-4c55-9a3e-6f0f1b9d2c10"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func runningJob(jobType string, retryCount, maxRetries int) *job.Job {
	now := time.Now().UTC()
	return &job.Job{
		ID:              jobID,
		Type:            jobType,
		Payload:         json.RawMessage(`{"to":"a@b.com"}`),
		Status:          job.StatusRunning,
		StatusUpdatedAt: now,
		RetryCount:      retryCount,
		MaxRetries:      maxRetries,
		RunAt:           now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func withStatus(j *job.Job, status job.Status, retryCount int, lastError string) *job.Job {
	c := *j
	c.Status = status
	c.RetryCount = retryCount
	c.LastError = lastError
	return &c
}

func newExecutor(store worker.JobStore, reg *worker.Registry, timeout time.Duration) *worker.Executor {
	return worker.NewExecutor(store, reg, backoff.Constant{Interval: time.Minute}, timeout, testLogger())
}

func TestExecutor_Success(t *testing.T) {
	store := new(MockStore)
	reg := worker.NewRegistry()
	var gotPayload json.RawMessage
	reg.Register("send-email", func(ctx context.Context, payload json.RawMessage) error {
		gotPayload = payload
		return nil
	})

	j := runningJob("send-email", 0, 3)
	store.On("Claim", mock.Anything, jobID, mock.Anything).Return(j, nil)
	store.On("Transition", mock.Anything, mock.MatchedBy(func(tr job.Transition) bool {
		return tr.ID == jobID && tr.From == job.StatusRunning && tr.To == job.StatusSucceeded
	})).Return(withStatus(j, job.StatusSucceeded, 0, ""), nil)

	result, err := newExecutor(store, reg, time.Second).Execute(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusSucceeded, result.Status)
	assert.JSONEq(t, `{"to":"a@b.com"}`, string(gotPayload))
	store.AssertExpectations(t)
}

func TestExecutor_FailureSchedulesRetry(t *testing.T) {
	store := new(MockStore)
	reg := worker.NewRegistry()
	reg.Register("send-email", func(ctx context.Context, payload json.RawMessage) error {
		return errors.New("smtp down")
	})

	j := runningJob("send-email", 0, 2)
	failed := withStatus(j, job.StatusFailed, 0, "smtp down")
	store.On("Claim", mock.Anything, jobID, mock.Anything).Return(j, nil)
	store.On("Transition", mock.Anything, mock.MatchedBy(func(tr job.Transition) bool {
		return tr.From == job.StatusRunning && tr.To == job.StatusFailed && tr.LastError == "smtp down"
	})).Return(failed, nil)

	before := time.Now()
	store.On("Transition", mock.Anything, mock.MatchedBy(func(tr job.Transition) bool {
		return tr.From == job.StatusFailed && tr.To == job.StatusRetrying &&
			tr.RetryCount == 1 && tr.RunAt.After(before.Add(59*time.Second))
	})).Return(withStatus(j, job.StatusRetrying, 1, "smtp down"), nil)

	result, err := newExecutor(store, reg, time.Second).Execute(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusRetrying, result.Status)
	assert.Equal(t, 1, result.RetryCount)
	store.AssertExpectations(t)
}

func TestExecutor_FailureExhaustsBudget(t *testing.T) {
	store := new(MockStore)
	reg := worker.NewRegistry()
	reg.Register("send-email", func(ctx context.Context, payload json.RawMessage) error {
		return errors.New("smtp down")
	})

	j := runningJob("send-email", 2, 2)
	store.On("Claim", mock.Anything, jobID, mock.Anything).Return(j, nil)
	store.On("Transition", mock.Anything, to(job.StatusFailed)).Return(withStatus(j, job.StatusFailed, 2, "smtp down"), nil)
	store.On("Transition", mock.Anything, mock.MatchedBy(func(tr job.Transition) bool {
		return tr.From == job.StatusFailed && tr.To == job.StatusExhausted && tr.RetryCount == 2
	})).Return(withStatus(j, job.StatusExhausted, 2, "smtp down"), nil)

	result, err := newExecutor(store, reg, time.Second).Execute(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusExhausted, result.Status)
	assert.LessOrEqual(t, result.RetryCount, result.MaxRetries)
	store.AssertNotCalled(t, "Transition", mock.Anything, to(job.StatusRetrying))
}

func TestExecutor_ZeroRetriesExhaustsImmediately(t *testing.T) {
	store := new(MockStore)
	reg := worker.NewRegistry()
	reg.Register("once", func(ctx context.Context, payload json.RawMessage) error {
		return errors.New("boom")
	})

	j := runningJob("once", 0, 0)
	store.On("Claim", mock.Anything, jobID, mock.Anything).Return(j, nil)
	store.On("Transition", mock.Anything, to(job.StatusFailed)).Return(withStatus(j, job.StatusFailed, 0, "boom"), nil)
	store.On("Transition", mock.Anything, to(job.StatusExhausted)).Return(withStatus(j, job.StatusExhausted, 0, "boom"), nil)

	result, err := newExecutor(store, reg, time.Second).Execute(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusExhausted, result.Status)
}

func TestExecutor_UnknownTypeIsPermanent(t *testing.T) {
	store := new(MockStore)
	reg := worker.NewRegistry()

	j := runningJob("unregistered", 0, 10)
	store.On("Claim", mock.Anything, jobID, mock.Anything).Return(j, nil)
	store.On("Transition", mock.Anything, mock.MatchedBy(func(tr job.Transition) bool {
		return tr.To == job.StatusFailed && tr.LastError == `no handler registered for job type "unregistered"`
	})).Return(withStatus(j, job.StatusFailed, 0, "no handler"), nil)
	store.On("Transition", mock.Anything, to(job.StatusExhausted)).Return(withStatus(j, job.StatusExhausted, 0, "no handler"), nil)

	result, err := newExecutor(store, reg, time.Second).Execute(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusExhausted, result.Status)
	store.AssertExpectations(t)
}

func TestExecutor_LostClaim(t *testing.T) {
	store := new(MockStore)
	reg := worker.NewRegistry()
	called := false
	reg.Register("send-email", func(ctx context.Context, payload json.RawMessage) error {
		called = true
		return nil
	})

	store.On("Claim", mock.Anything, jobID, mock.Anything).Return(nil, job.ErrStatusChanged)

	result, err := newExecutor(store, reg, time.Second).Execute(context.Background(), jobID)
	assert.Nil(t, result)
	assert.True(t, errors.Is(err, worker.ErrNotClaimed))
	assert.False(t, called)
	store.AssertNotCalled(t, "Transition", mock.Anything, mock.Anything)
}

func TestExecutor_ClaimUsesLocalClock(t *testing.T) {
	store := new(MockStore)
	before := time.Now()
	store.On("Claim", mock.Anything, jobID, mock.MatchedBy(func(asOf time.Time) bool {
		return !asOf.Before(before) && !asOf.After(time.Now())
	})).Return(nil, job.ErrStatusChanged)

	_, err := newExecutor(store, worker.NewRegistry(), time.Second).Execute(context.Background(), jobID)
	assert.True(t, errors.Is(err, worker.ErrNotClaimed))
	store.AssertExpectations(t)
}

func TestExecutor_ClaimStoreError(t *testing.T) {
	store := new(MockStore)
	store.On("Claim", mock.Anything, jobID, mock.Anything).Return(nil, job.ErrStoreUnavailable)

	_, err := newExecutor(store, worker.NewRegistry(), time.Second).Execute(context.Background(), jobID)
	assert.True(t, errors.Is(err, job.ErrStoreUnavailable))
	assert.False(t, errors.Is(err, worker.ErrNotClaimed))
}

func TestExecutor_HandlerPanicIsRetried(t *testing.T) {
	store := new(MockStore)
	reg := worker.NewRegistry()
	reg.Register("explode", func(ctx context.Context, payload json.RawMessage) error {
		panic("kaboom")
	})

	j := runningJob("explode", 0, 1)
	store.On("Claim", mock.Anything, jobID, mock.Anything).Return(j, nil)
	store.On("Transition", mock.Anything, mock.MatchedBy(func(tr job.Transition) bool {
		return tr.To == job.StatusFailed && tr.LastError == "handler panic: kaboom"
	})).Return(withStatus(j, job.StatusFailed, 0, "handler panic: kaboom"), nil)
	store.On("Transition", mock.Anything, to(job.StatusRetrying)).Return(withStatus(j, job.StatusRetrying, 1, "handler panic: kaboom"), nil)

	result, err := newExecutor(store, reg, time.Second).Execute(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusRetrying, result.Status)
}

func TestExecutor_Timeout(t *testing.T) {
	store := new(MockStore)
	reg := worker.NewRegistry()
	reg.Register("slow", func(ctx context.Context, payload json.RawMessage) error {
		<-ctx.Done()
		return ctx.Err()
	})

	j := runningJob("slow", 0, 1)
	store.On("Claim", mock.Anything, jobID, mock.Anything).Return(j, nil)
	store.On("Transition", mock.Anything, mock.MatchedBy(func(tr job.Transition) bool {
		return tr.To == job.StatusFailed && tr.LastError == context.DeadlineExceeded.Error()
	})).Return(withStatus(j, job.StatusFailed, 0, "deadline"), nil)
	store.On("Transition", mock.Anything, to(job.StatusRetrying)).Return(withStatus(j, job.StatusRetrying, 1, "deadline"), nil)

	result, err := newExecutor(store, reg, 10*time.Millisecond).Execute(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusRetrying, result.Status)
}

func TestExecutor_PermanentHandlerError(t *testing.T) {
	store := new(MockStore)
	reg := worker.NewRegistry()
	reg.Register("strict", func(ctx context.Context, payload json.RawMessage) error {
		return worker.Permanent(errors.New("bad input"))
	})

	j := runningJob("strict", 0, 5)
	store.On("Claim", mock.Anything, jobID, mock.Anything).Return(j, nil)
	store.On("Transition", mock.Anything, to(job.StatusFailed)).Return(withStatus(j, job.StatusFailed, 0, "bad input"), nil)
	store.On("Transition", mock.Anything, to(job.StatusExhausted)).Return(withStatus(j, job.StatusExhausted, 0, "bad input"), nil)

	result, err := newExecutor(store, reg, time.Second).Execute(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusExhausted, result.Status)
	store.AssertNotCalled(t, "Transition", mock.Anything, to(job.StatusRetrying))
}
