// Package river runs re-monitoring signals through the River job queue.
//
// The package has two halves. Publisher turns monitor signals into
// durable queue jobs and is safe to use from request handlers. Runner
// hosts the workers that drain those jobs and hand each signal to a
// Watcher, which does the actual work of waking the upstream monitoring
// agent back up.
package river

import (
	"errors"
	"runtime"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Default configuration values.
const (
	// DefaultQueue is the queue re-monitoring jobs are inserted into.
	// It matches River's default queue name.
	DefaultQueue = "default"

	// DefaultMaxAttempts is the default number of attempts for a
	// re-monitoring job before River gives up on it.
	DefaultMaxAttempts = 3

	// DefaultJobTimeout is the default timeout for job execution.
	DefaultJobTimeout = 30 * time.Second

	// DefaultShutdownTimeout is the default timeout for graceful shutdown.
	DefaultShutdownTimeout = 30 * time.Second
)

// Logger defines the logging interface for this package.
// Implementations should be safe for concurrent use.
type Logger interface {
	// Debug logs a debug message with optional key-value pairs.
	Debug(msg string, keysAndValues ...any)

	// Info logs an informational message with optional key-value pairs.
	Info(msg string, keysAndValues ...any)

	// Warn logs a warning message with optional key-value pairs.
	Warn(msg string, keysAndValues ...any)

	// Error logs an error message with optional key-value pairs.
	Error(msg string, keysAndValues ...any)
}

// Config configures the Runner.
type Config struct {
	// Pool is the PostgreSQL connection pool.
	// Required.
	Pool *pgxpool.Pool

	// Watcher receives each re-monitoring signal pulled off the queue.
	// Required.
	Watcher Watcher

	// Logger is the logging interface. If nil, a no-op logger is used.
	Logger Logger

	// Queue is the River queue the workers drain.
	// If empty, defaults to DefaultQueue.
	Queue string

	// Workers is the number of worker goroutines for processing jobs.
	// If not positive, defaults to runtime.NumCPU().
	Workers int

	// JobTimeout is the maximum duration for a single job execution.
	// If zero, defaults to DefaultJobTimeout (30s).
	JobTimeout time.Duration

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	// If zero, defaults to DefaultShutdownTimeout (30s).
	ShutdownTimeout time.Duration
}

// Validate checks that the configuration is valid.
// Returns an error if any required fields are missing or invalid.
func (c *Config) Validate() error {
	if c.Pool == nil {
		return errors.New("river: Pool is required")
	}
	if c.Watcher == nil {
		return errors.New("river: Watcher is required")
	}
	return nil
}

// withDefaults returns a copy of the config with default values applied.
func (c *Config) withDefaults() Config {
	cfg := *c

	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}

	return cfg
}

// noopLogger is a Logger that discards all log messages.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
