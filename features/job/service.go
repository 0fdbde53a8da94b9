package job

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"taskforge/internal/config"
	"taskforge/internal/middleware"
)

const publishTimeout = 5 * time.Second

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

// DispatchMessage is the body published on config.TopicJobDispatch.
type DispatchMessage struct {
	ID            string `json:"id"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

type Service struct {
	repo         Repository
	pub          EventPublisher
	logger       *slog.Logger
	defaultLimit int
	maxLimit     int
	now          func() time.Time
}

type ServiceOption func(*Service)

// WithListLimits sets the page size used when a listing names none, and the upper bound.
func WithListLimits(defaultLimit, maxLimit int) ServiceOption {
	return func(s *Service) {
		if defaultLimit > 0 {
			s.defaultLimit = defaultLimit
		}
		if maxLimit > 0 {
			s.maxLimit = maxLimit
		}
	}
}

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func NewService(repo Repository, pub EventPublisher, logger *slog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		repo:         repo,
		pub:          pub,
		logger:       logger,
		defaultLimit: 50,
		maxLimit:     500,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.defaultLimit > s.maxLimit {
		s.defaultLimit = s.maxLimit
	}
	return s
}

func (s *Service) Create(ctx context.Context, req *CreateRequest) (*Job, error) {
	now := s.now().UTC()
	j := &Job{
		Type:            req.Type,
		Payload:         req.Payload,
		Status:          StatusCreated,
		StatusUpdatedAt: now,
		RetryCount:      0,
		MaxRetries:      req.MaxRetries,
		RunAt:           now,
	}
	if err := s.repo.Create(ctx, j); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "job created", "job_id", j.ID, "type", j.Type, "max_retries", j.MaxRetries)

	if err := s.Dispatch(ctx, j.ID); err != nil {
		// the sweeper republishes CREATED jobs that were never delivered
		s.logger.WarnContext(ctx, "failed to publish job", "job_id", j.ID, "error", err)
	}
	return j, nil
}

// Dispatch publishes a job id for the worker. It is a no-op without a publisher.
func (s *Service) Dispatch(ctx context.Context, id string) error {
	if s.pub == nil {
		return nil
	}
	msg := DispatchMessage{ID: id}
	if cid := middleware.GetCorrelationID(ctx); cid != "unknown" {
		msg.CorrelationID = cid
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.pub.Publish(config.TopicJobDispatch, body)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errors.New("timeout waiting for NSQ publish")
		}
		return ctx.Err()
	}
}

func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	return s.repo.Get(ctx, id)
}

// List returns job summaries, newest first. Without a limit or cursor every
// job is returned; otherwise one page and the cursor of the next.
func (s *Service) List(ctx context.Context, opts ListOpts) (*Page, error) {
	paged := opts.Limit > 0 || opts.Cursor != nil

	limit := 0
	if paged {
		limit = opts.Limit
		if limit <= 0 {
			limit = s.defaultLimit
		}
		if limit > s.maxLimit {
			limit = s.maxLimit
		}
		opts.Limit = limit + 1
	}

	jobs, err := s.repo.List(ctx, opts)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []Summary{}
	}

	page := &Page{Jobs: jobs}
	if paged && len(jobs) > limit {
		page.Jobs = jobs[:limit]
		last := page.Jobs[limit-1]
		page.NextCursor = &Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return page, nil
}

func (s *Service) Stats(ctx context.Context) (map[Status]int, error) {
	return s.repo.CountByStatus(ctx)
}
