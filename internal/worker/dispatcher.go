package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"
	"golang.org/x/time/rate"

	"taskforge/features/job"
	"taskforge/internal/config"
	"taskforge/internal/middleware"
)

// maxDeferral is nsqd's default --max-req-timeout; longer retries are picked up by the sweeper.
const maxDeferral = time.Hour

type TaskPublisher interface {
	Publish(topic string, body []byte) error
	DeferredPublish(topic string, delay time.Duration, body []byte) error
}

// Dispatcher consumes job ids from NSQ and executes them.
type Dispatcher struct {
	executor *Executor
	pub      TaskPublisher
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher. ratePerSecond <= 0 disables rate limiting.
func NewDispatcher(executor *Executor, pub TaskPublisher, ratePerSecond float64, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{executor: executor, pub: pub, logger: logger}
	if ratePerSecond > 0 {
		burst := int(ratePerSecond)
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
	}
	return d
}

func (d *Dispatcher) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var msg job.DispatchMessage
	if err := json.Unmarshal(m.Body, &msg); err != nil {
		// Poison Pill: Invalid JSON, don't retry
		d.logger.Error("poison pill: invalid dispatch message", "error", err)
		return nil
	}
	if _, err := uuid.Parse(msg.ID); err != nil {
		d.logger.Error("poison pill: invalid job id", "job_id", msg.ID)
		return nil
	}

	ctx := context.Background()
	if msg.CorrelationID != "" {
		ctx = middleware.WithCorrelationID(ctx, msg.CorrelationID)
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	j, err := d.executor.Execute(ctx, msg.ID)
	if err != nil {
		if errors.Is(err, ErrNotClaimed) {
			d.logger.DebugContext(ctx, "dispatch skipped", "job_id", msg.ID, "reason", err)
			return nil
		}
		d.logger.ErrorContext(ctx, "job execution failed", "job_id", msg.ID, "error", err, "attempts", m.Attempts)
		return err // Retry
	}

	if j.Status == job.StatusRetrying {
		if err := d.Requeue(ctx, j); err != nil {
			// the sweeper republishes due RETRYING jobs
			d.logger.WarnContext(ctx, "failed to requeue job", "job_id", j.ID, "error", err)
		}
	}
	return nil
}

// Requeue publishes j so it is delivered once its RunAt has passed.
func (d *Dispatcher) Requeue(ctx context.Context, j *job.Job) error {
	delay := time.Until(j.RunAt)
	if delay > maxDeferral {
		delay = maxDeferral
	}
	return publish(ctx, d.pub, j.ID, delay)
}

func publish(ctx context.Context, pub TaskPublisher, id string, delay time.Duration) error {
	msg := job.DispatchMessage{ID: id}
	if cid := middleware.GetCorrelationID(ctx); cid != "unknown" {
		msg.CorrelationID = cid
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if delay > 0 {
		return pub.DeferredPublish(config.TopicJobDispatch, delay, body)
	}
	return pub.Publish(config.TopicJobDispatch, body)
}

type ConsumerConfig struct {
	NSQDHost    string
	NSQLookupd  string
	Concurrency int
}

// Consume runs an NSQ consumer for the dispatch topic until ctx is done.
func Consume(ctx context.Context, cfg ConsumerConfig, handler nsq.Handler, logger *slog.Logger) error {
	nsqCfg := nsq.NewConfig()
	nsqCfg.MaxInFlight = cfg.Concurrency

	consumer, err := nsq.NewConsumer(config.TopicJobDispatch, config.ChannelWorker, nsqCfg)
	if err != nil {
		return fmt.Errorf("nsq consumer error: %w", err)
	}
	consumer.AddConcurrentHandlers(handler, cfg.Concurrency)

	if cfg.NSQLookupd != "" {
		err = consumer.ConnectToNSQLookupd(cfg.NSQLookupd)
	} else {
		err = consumer.ConnectToNSQD(cfg.NSQDHost)
	}
	if err != nil {
		consumer.Stop()
		return fmt.Errorf("nsq connect error: %w", err)
	}
	logger.Info("job dispatcher connected", "topic", config.TopicJobDispatch, "concurrency", cfg.Concurrency)

	<-ctx.Done()
	consumer.Stop()
	<-consumer.StopChan
	logger.Info("job dispatcher stopped")
	return nil
}
