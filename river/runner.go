package river

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivertype"
)

// ErrRunnerAlreadyStarted indicates Start was called twice.
var ErrRunnerAlreadyStarted = errors.New("runner already started")

// Runner hosts the workers that drain re-monitoring jobs from the
// queue and hand each one to the configured Watcher.
type Runner struct {
	pool    *pgxpool.Pool
	watcher Watcher
	logger  Logger
	config  Config

	client  *river.Client[pgx.Tx]
	started bool
	mu      sync.Mutex
}

// NewRunner creates a new Runner with the given configuration.
// Returns an error if required configuration is missing.
func NewRunner(config Config) (*Runner, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	cfg := config.withDefaults()

	return &Runner{
		pool:    cfg.Pool,
		watcher: cfg.Watcher,
		logger:  cfg.Logger,
		config:  cfg,
	}, nil
}

// Start initializes the River client and starts workers.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrRunnerAlreadyStarted
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &monitorWorker{watcher: r.watcher, logger: r.logger})

	client, err := river.NewClient(riverpgxv5.New(r.pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			r.config.Queue: {MaxWorkers: r.config.Workers},
		},
		Workers:      workers,
		JobTimeout:   r.config.JobTimeout,
		ErrorHandler: &errorHandler{logger: r.logger},
	})
	if err != nil {
		return fmt.Errorf("create river client: %w", err)
	}

	r.client = client

	if err := r.client.Start(ctx); err != nil {
		return fmt.Errorf("start river client: %w", err)
	}

	r.started = true
	r.logger.Info("runner started", "queue", r.config.Queue, "workers", r.config.Workers)

	return nil
}

// Stop gracefully shuts down the runner.
// Waits for in-flight jobs up to ShutdownTimeout.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, r.config.ShutdownTimeout)
	defer cancel()

	if err := r.client.Stop(shutdownCtx); err != nil {
		r.logger.Warn("river client stop error", "error", err)
	}

	r.started = false
	r.logger.Info("runner stopped")

	return nil
}

// errorHandler logs River job errors.
type errorHandler struct {
	logger Logger
}

func (h *errorHandler) HandleError(ctx context.Context, job *rivertype.JobRow, err error) *river.ErrorHandlerResult {
	h.logger.Error("job error", "job_kind", job.Kind, "attempt", job.Attempt, "error", err)
	return nil
}

func (h *errorHandler) HandlePanic(ctx context.Context, job *rivertype.JobRow, panicVal any, trace string) *river.ErrorHandlerResult {
	h.logger.Error("job panic", "job_kind", job.Kind, "panic", panicVal, "trace", trace)
	return nil
}
