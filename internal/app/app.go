package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"taskforge/features/job"
	"taskforge/features/stats"
	"taskforge/internal/backoff"
	"taskforge/internal/config"
	"taskforge/internal/middleware"
	"taskforge/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// Options overrides collaborators, mostly for tests.
type Options struct {
	Registry   *worker.Registry
	HTTPClient *http.Client
}

type App struct {
	Handler    http.Handler
	JobService *job.Service
	Dispatcher *worker.Dispatcher
	Sweeper    *worker.Sweeper

	cfg    *config.Config
	logger *slog.Logger
}

func New(
	cfg *config.Config,
	db *sql.DB,
	taskPub worker.TaskPublisher,
	logger *slog.Logger,
	opts *Options,
) (*App, error) {
	if opts == nil {
		opts = &Options{}
	}

	// Feature: Job
	jobRepo := job.NewPostgresRepo(db)
	jobService := job.NewService(jobRepo, taskPub, logger, job.WithListLimits(cfg.ListDefaultLimit, cfg.ListMaxLimit))
	jobHandler := job.NewHandler(jobService)

	// Feature: Stats
	statsHandler := stats.NewHandler(jobRepo)

	// Worker
	registry := opts.Registry
	if registry == nil {
		client := opts.HTTPClient
		if client == nil {
			client = &http.Client{Timeout: cfg.JobTimeout()}
		}
		registry = worker.NewRegistry()
		worker.RegisterBuiltins(registry, client)
	}
	base, maxDelay := cfg.RetryDelays()
	executor := worker.NewExecutor(jobRepo, registry, backoff.Default(base, maxDelay), cfg.JobTimeout(), logger)
	dispatcher := worker.NewDispatcher(executor, taskPub, cfg.WorkerRateLimit, logger)
	sweeper := worker.NewSweeper(jobRepo, executor, taskPub, cfg.SweepInterval(), cfg.StaleRunningAfter(), logger)

	route := func(h http.HandlerFunc) http.Handler {
		return middleware.CorrelationID(middleware.CORS(h))
	}

	// Routes
	mux := http.NewServeMux()

	mux.Handle("POST /jobs", route(jobHandler.Create))
	mux.Handle("GET /jobs", route(jobHandler.List))
	mux.Handle("GET /jobs/{id}", route(jobHandler.Get))

	mux.Handle("GET /stats", route(statsHandler.GetStats))

	mux.Handle("OPTIONS /", route(http.NotFound))

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	logger.Info("job handlers registered", "types", registry.Types())

	return &App{
		Handler:    mux,
		JobService: jobService,
		Dispatcher: dispatcher,
		Sweeper:    sweeper,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// Run serves the API and runs the worker until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.cfg.EnableAPI {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Port),
			Handler:           a.Handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			a.logger.Info("server starting", "port", a.cfg.Port)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})

		g.Go(func() error {
			<-ctx.Done()
			a.logger.Info("shutting down server...")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("server shutdown failed", "error", err)
				return err
			}
			return nil
		})
	}

	if a.cfg.EnableWorker {
		g.Go(func() error {
			return worker.Consume(ctx, worker.ConsumerConfig{
				NSQDHost:    a.cfg.NSQDHost,
				NSQLookupd:  a.cfg.NSQLookupd,
				Concurrency: a.cfg.WorkerConcurrency,
			}, a.Dispatcher, a.logger)
		})

		g.Go(func() error {
			return a.Sweeper.Run(ctx)
		})
	}

	return g.Wait()
}
