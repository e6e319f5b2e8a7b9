// Package tracker is the service surface for lifecycle tracking: it stamps
// and persists incoming event reports, and serves projected steps with the
// staleness sweep folded into every read.
package tracker

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/danielpeach/keel/lifecycle"
	"github.com/danielpeach/keel/monitor"
	"github.com/danielpeach/keel/project"
)

// DefaultSaveConcurrency bounds the parallel writes performed by SaveEvents.
const DefaultSaveConcurrency = 4

// Config configures the Tracker.
type Config struct {
	// Store is the event persistence layer.
	// Required.
	Store lifecycle.EventStore

	// Monitor sweeps for stale stages on every Steps call.
	// If nil, staleness checking is disabled.
	Monitor *monitor.Monitor

	// Clock stamps events that arrive without a timestamp.
	// If nil, the system clock is used.
	Clock lifecycle.Clock

	// SaveConcurrency bounds the parallel writes in SaveEvents.
	// If zero, defaults to DefaultSaveConcurrency.
	SaveConcurrency int
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Store == nil {
		return errors.New("tracker: Store is required")
	}
	return nil
}

// withDefaults returns a copy of the config with default values applied.
func (c *Config) withDefaults() Config {
	cfg := *c

	if cfg.Clock == nil {
		cfg.Clock = lifecycle.SystemClock{}
	}
	if cfg.SaveConcurrency <= 0 {
		cfg.SaveConcurrency = DefaultSaveConcurrency
	}

	return cfg
}

// Tracker records lifecycle events and serves their projections.
type Tracker struct {
	store           lifecycle.EventStore
	monitor         *monitor.Monitor
	clock           lifecycle.Clock
	saveConcurrency int
}

// New creates a Tracker from the given configuration.
func New(cfg Config) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	return &Tracker{
		store:           cfg.Store,
		monitor:         cfg.Monitor,
		clock:           cfg.Clock,
		saveConcurrency: cfg.SaveConcurrency,
	}, nil
}

// SaveEvent validates, stamps and persists a single event. An event that
// arrives without a timestamp is stamped with the current time, so emitters
// only set Timestamp when they observed the state change earlier than they
// reported it.
func (t *Tracker) SaveEvent(ctx context.Context, e lifecycle.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = t.clock.Now()
	}
	if err := t.store.Save(ctx, e); err != nil {
		return fmt.Errorf("failed to save lifecycle event: %w", err)
	}
	return nil
}

// SaveEvents persists a batch of events, fanning writes out across a
// bounded number of goroutines. The batch is not atomic: each event saves
// independently, and the first error is returned once in-flight saves have
// finished.
func (t *Tracker) SaveEvents(ctx context.Context, events []lifecycle.Event) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(t.saveConcurrency)

	for _, e := range events {
		g.Go(func() error {
			return t.SaveEvent(ctx, e)
		})
	}

	return g.Wait()
}

// Events returns the raw stored records for one artifact version, at most
// one per (stage ID, status) pair, in no particular order.
func (t *Tracker) Events(ctx context.Context, artifactRef, artifactVersion string) ([]lifecycle.Event, error) {
	events, err := t.store.Scan(ctx, artifactRef, artifactVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to scan lifecycle events: %w", err)
	}
	return events, nil
}

// Steps returns the projected steps for one artifact version. Reading
// doubles as the staleness sweep: watched stages that stopped reporting get
// a re-monitoring signal published as a side effect of this call. Signal
// delivery problems never surface here.
func (t *Tracker) Steps(ctx context.Context, artifactRef, artifactVersion string) ([]project.Step, error) {
	events, err := t.store.Scan(ctx, artifactRef, artifactVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to scan lifecycle events: %w", err)
	}

	if t.monitor != nil {
		t.monitor.Check(ctx, artifactRef, artifactVersion, events)
	}

	return project.Steps(events), nil
}
