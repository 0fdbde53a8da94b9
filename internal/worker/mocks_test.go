package worker_test

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"taskforge/features/job"
)

type MockStore struct{ mock.Mock }

func (m *MockStore) Claim(ctx context.Context, id string, asOf time.Time) (*job.Job, error) {
	args := m.Called(ctx, id, asOf)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*job.Job), args.Error(1)
}

func (m *MockStore) Transition(ctx context.Context, t job.Transition) (*job.Job, error) {
	args := m.Called(ctx, t)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*job.Job), args.Error(1)
}

func (m *MockStore) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]job.Job, error) {
	args := m.Called(ctx, olderThan, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]job.Job), args.Error(1)
}

func (m *MockStore) MarkDue(ctx context.Context, dueBy time.Time, quiet time.Duration, limit int) ([]string, error) {
	args := m.Called(ctx, dueBy, quiet, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

type MockPublisher struct{ mock.Mock }

func (m *MockPublisher) Publish(topic string, body []byte) error {
	args := m.Called(topic, body)
	return args.Error(0)
}

func (m *MockPublisher) DeferredPublish(topic string, delay time.Duration, body []byte) error {
	args := m.Called(topic, delay, body)
	return args.Error(0)
}

// to matches a transition by its target status.
func to(status job.Status) interface{} {
	return mock.MatchedBy(func(t job.Transition) bool { return t.To == status })
}
