// Package query defines optional interfaces for extending EventStore
// implementations with UI-facing query capabilities.
//
// Each interface has a single method, so stores implement only what their
// backend can answer efficiently. The interfaces are OPTIONAL: consumers
// type-assert to discover what a store supports and degrade gracefully
// otherwise:
//
//	if lister, ok := store.(query.VersionLister); ok {
//	    versions, err := lister.ListVersions(ctx, artifactRef)
//	    // render the version picker
//	}
//
// The core lifecycle.EventStore stays small; anything here is sugar for
// dashboards and the HTTP API.
package query

import "context"

// VersionLister enables listing the artifact versions a store has records
// for, without scanning any of them.
type VersionLister interface {
	// ListVersions returns the distinct versions recorded for an
	// artifact, most recently reported first. Returns an empty slice if
	// the artifact is unknown.
	ListVersions(ctx context.Context, artifactRef string) ([]string, error)
}

// StageCounter enables counting the stages recorded for one artifact
// version without loading its events.
type StageCounter interface {
	// CountStages returns the number of distinct stage IDs recorded for
	// the artifact version.
	CountStages(ctx context.Context, artifactRef, artifactVersion string) (int64, error)
}

// Pinger enables a store to participate in readiness checks.
type Pinger interface {
	// Ping verifies the backing storage is reachable.
	Ping(ctx context.Context) error
}
