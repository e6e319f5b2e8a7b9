package river

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"

	"github.com/danielpeach/keel/monitor"
)

// PublisherConfig configures the Publisher.
type PublisherConfig struct {
	// Pool is the PostgreSQL connection pool.
	// Required.
	Pool *pgxpool.Pool

	// Queue is the River queue jobs are inserted into.
	// If empty, the job's default queue is used.
	Queue string

	// MaxAttempts caps how many times each inserted job may run.
	// If not positive, the job's default is used.
	MaxAttempts int

	// Logger is the logging interface. If nil, a no-op logger is used.
	Logger Logger
}

// Validate checks that the configuration is valid.
func (c *PublisherConfig) Validate() error {
	if c.Pool == nil {
		return errors.New("river: Pool is required")
	}
	return nil
}

// withDefaults returns a copy of the config with default values applied.
func (c *PublisherConfig) withDefaults() PublisherConfig {
	cfg := *c

	defaults := MonitorJobArgs{}.InsertOpts()
	if cfg.Queue == "" {
		cfg.Queue = defaults.Queue
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}

	return cfg
}

// Publisher inserts re-monitoring jobs into the queue. It holds an
// insert-only River client, so it needs no running workers and is safe
// to construct in processes that never drain the queue themselves.
type Publisher struct {
	client      *river.Client[pgx.Tx]
	queue       string
	maxAttempts int
	logger      Logger
}

// NewPublisher creates a Publisher with the given configuration.
func NewPublisher(config PublisherConfig) (*Publisher, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	cfg := config.withDefaults()

	// A client with no workers or queues configured can only insert jobs.
	client, err := river.NewClient(riverpgxv5.New(cfg.Pool), &river.Config{})
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}

	return &Publisher{
		client:      client,
		queue:       cfg.Queue,
		maxAttempts: cfg.MaxAttempts,
		logger:      cfg.Logger,
	}, nil
}

// Publish inserts a re-monitoring job for the signal. A signal for a
// stage that already has an outstanding job is skipped as a duplicate,
// which is not an error.
func (p *Publisher) Publish(ctx context.Context, sig monitor.Signal) error {
	res, err := p.client.Insert(ctx, MonitorJobArgs{
		SignalID:        sig.ID,
		ArtifactRef:     sig.ArtifactRef,
		ArtifactVersion: sig.ArtifactVersion,
		StageID:         sig.StageID,
	}, &river.InsertOpts{
		MaxAttempts: p.maxAttempts,
		Queue:       p.queue,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	})
	if err != nil {
		return fmt.Errorf("insert monitor job: %w", err)
	}

	if res.UniqueSkippedAsDuplicate {
		p.logger.Debug("re-monitoring job already queued for stage",
			"signalID", sig.ID,
			"stage", sig.StageID,
		)
		return nil
	}

	p.logger.Debug("queued re-monitoring job",
		"signalID", sig.ID,
		"artifact", sig.ArtifactRef,
		"version", sig.ArtifactVersion,
		"stage", sig.StageID,
		"jobID", res.Job.ID,
	)

	return nil
}

var _ monitor.Publisher = (*Publisher)(nil)
