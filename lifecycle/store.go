package lifecycle

import (
	"context"
	"errors"
	"fmt"
)

// ErrInvalidEvent indicates an event was rejected before storage because
// a required field was missing or malformed.
var ErrInvalidEvent = errors.New("invalid lifecycle event")

// ValidationError describes why an event failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid lifecycle event: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidEvent
}

// EventStore defines the interface for lifecycle event persistence.
// Implementations must be safe for concurrent use.
//
// Storage is keyed by (artifact ref, artifact version, stage ID, status):
// saving an event that matches an existing record on all four fields
// replaces that record, so repeated reports of the same transition
// converge on the most recent copy instead of accumulating.
type EventStore interface {
	// Save upserts a single event. The event must pass Validate; stores
	// return the *ValidationError (unwrapping to ErrInvalidEvent)
	// otherwise.
	Save(ctx context.Context, e Event) error

	// Scan retrieves every stored record for one artifact version, at
	// most one per (stage ID, status) pair. Order is unspecified;
	// consumers derive ordering from timestamps. Returns an empty slice
	// when nothing has been recorded.
	Scan(ctx context.Context, artifactRef, artifactVersion string) ([]Event, error)
}
