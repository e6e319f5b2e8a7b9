// Package monitor detects watched stages that have gone quiet and asks,
// through a Publisher, for their monitoring to be re-engaged.
//
// External watchers poll running stages and report progress as lifecycle
// events. Watchers crash, restart and lose subscriptions; the monitor's job
// is to notice the resulting silence whenever somebody reads the projected
// steps, and to emit a re-monitoring signal for every stage that looks
// abandoned. Delivery is fire-and-forget: a failed publish is logged and
// dropped, never retried here and never surfaced to the reader.
package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/danielpeach/keel/lifecycle"
	"github.com/danielpeach/keel/project"
)

// DefaultThreshold is how long a watched, unfinished stage may go without
// reporting before it is considered stale.
const DefaultThreshold = 10 * time.Minute

// Logger defines the logging interface for the monitor.
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

// Signal asks whoever runs stage watchers to pick one stage back up.
type Signal struct {
	// ID uniquely identifies this signal (UUID).
	ID string `json:"id"`

	ArtifactRef     string `json:"artifact_ref"`
	ArtifactVersion string `json:"artifact_version"`
	StageID         string `json:"stage_id"`
}

// Publisher delivers re-monitoring signals to whatever transport carries
// them. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, sig Signal) error
}

// Config configures the Monitor.
type Config struct {
	// Publisher receives re-monitoring signals.
	// Required.
	Publisher Publisher

	// Threshold is the silence duration after which a watched, unfinished
	// stage counts as stale. If zero, defaults to DefaultThreshold (10m).
	Threshold time.Duration

	// Clock supplies the current time. If nil, the system clock is used.
	Clock lifecycle.Clock

	// Logger is the logging interface. If nil, a no-op logger is used.
	Logger Logger
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Publisher == nil {
		return errors.New("monitor: Publisher is required")
	}
	return nil
}

// withDefaults returns a copy of the config with default values applied.
func (c *Config) withDefaults() Config {
	cfg := *c

	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Clock == nil {
		cfg.Clock = lifecycle.SystemClock{}
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

// Monitor flags stale stages whenever an artifact version's records are
// read.
type Monitor struct {
	publisher Publisher
	threshold time.Duration
	clock     lifecycle.Clock
	logger    Logger
}

// New creates a Monitor from the given configuration.
func New(cfg Config) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	return &Monitor{
		publisher: cfg.Publisher,
		threshold: cfg.Threshold,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
	}, nil
}

// stageState accumulates what Check needs to know about one stage.
type stageState struct {
	watched bool
	latest  time.Time
	records []lifecycle.Event
}

// Check inspects one artifact version's records and publishes one Signal
// for every stage that asked to be watched, has not reached a terminal
// status, and has been silent for at least the threshold. A stage whose
// last report is exactly threshold old counts as stale.
//
// Publish failures are logged and swallowed; reading steps must keep
// working when the signal transport is down. Check never retries: stages
// that stay stale are signalled again on the next call.
//
// Returns the number of signals published.
func (m *Monitor) Check(ctx context.Context, artifactRef, artifactVersion string, events []lifecycle.Event) int {
	now := m.clock.Now()

	stages := make(map[string]*stageState)
	for _, e := range events {
		if e.StageID == "" {
			continue
		}
		st := stages[e.StageID]
		if st == nil {
			st = &stageState{}
			stages[e.StageID] = st
		}
		st.records = append(st.records, e)
		if e.StartMonitoring {
			st.watched = true
		}
		if e.Timestamp.After(st.latest) {
			st.latest = e.Timestamp
		}
	}

	published := 0
	for stageID, st := range stages {
		if !st.watched {
			continue
		}
		// Terminal stages are done even when their last report is old.
		if project.ResolveStatus(st.records).IsTerminal() {
			continue
		}
		idle := now.Sub(st.latest)
		if idle < m.threshold {
			continue
		}

		sig := Signal{
			ID:              uuid.NewString(),
			ArtifactRef:     artifactRef,
			ArtifactVersion: artifactVersion,
			StageID:         stageID,
		}
		if err := m.publisher.Publish(ctx, sig); err != nil {
			m.logger.Error("failed to publish re-monitoring signal",
				"signal_id", sig.ID,
				"artifact_ref", artifactRef,
				"artifact_version", artifactVersion,
				"stage_id", stageID,
				"error", err)
			continue
		}
		m.logger.Info("requested re-monitoring for stale stage",
			"signal_id", sig.ID,
			"artifact_ref", artifactRef,
			"artifact_version", artifactVersion,
			"stage_id", stageID,
			"idle", idle)
		published++
	}

	return published
}
