// Package memory provides an in-memory implementation of
// lifecycle.EventStore. This implementation is suitable for testing and
// development.
package memory

import (
	"context"
	"sync"

	"github.com/danielpeach/keel/lifecycle"
)

// cell identifies the single storage slot for one (stage, status) report
// of one artifact version.
type cell struct {
	key    lifecycle.StageKey
	status lifecycle.Status
}

// Store is a thread-safe in-memory implementation of lifecycle.EventStore.
// The zero value is ready for use.
type Store struct {
	mu      sync.RWMutex
	records map[cell]lifecycle.Event
}

// New creates a new in-memory event store.
func New() *Store {
	return &Store{
		records: make(map[cell]lifecycle.Event),
	}
}

// Save upserts a single event. An event matching an existing record on
// (artifact ref, artifact version, stage ID, status) replaces it.
func (s *Store) Save(ctx context.Context, e lifecycle.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.saveLocked(e)
	return nil
}

// saveLocked stores an event without acquiring the lock.
// Caller must hold s.mu.
func (s *Store) saveLocked(e lifecycle.Event) {
	// Initialize the map if nil (supports zero value)
	if s.records == nil {
		s.records = make(map[cell]lifecycle.Event)
	}

	// Keep our own copy of the payload so later caller mutations
	// don't reach into the store.
	e.Data = cloneData(e.Data)
	s.records[cell{key: e.Key(), status: e.Status}] = e
}

// Scan retrieves every stored record for one artifact version.
// Returns an empty slice if nothing has been recorded.
func (s *Store) Scan(ctx context.Context, artifactRef, artifactVersion string) ([]lifecycle.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Return copies to prevent external modification
	result := []lifecycle.Event{}
	for c, e := range s.records {
		if c.key.ArtifactRef != artifactRef || c.key.ArtifactVersion != artifactVersion {
			continue
		}
		e.Data = cloneData(e.Data)
		result = append(result, e)
	}
	return result, nil
}

func cloneData(data map[string]string) map[string]string {
	if data == nil {
		return nil
	}
	out := make(map[string]string, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
