// Package litestore provides a SQLite-backed lifecycle event store for
// single-node deployments that want durability without running PostgreSQL.
package litestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/danielpeach/keel/lifecycle"
)

// Store implements lifecycle.EventStore with SQLite.
type Store struct {
	db *sql.DB
}

// Open opens the database at path, creating it and the events table if
// needed. Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite serializes writers anyway; a single pooled connection also
	// keeps ":memory:" databases coherent across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS lifecycle_events (
  artifact_ref     TEXT NOT NULL,
  artifact_version TEXT NOT NULL,
  stage_id         TEXT NOT NULL,
  status           TEXT NOT NULL,
  scope            TEXT NOT NULL DEFAULT '',
  stage_type       TEXT NOT NULL DEFAULT '',
  text             TEXT NOT NULL DEFAULT '',
  link             TEXT NOT NULL DEFAULT '',
  data             TEXT,
  timestamp        INTEGER NOT NULL,
  start_monitoring INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (artifact_ref, artifact_version, stage_id, status)
);
`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Save upserts a single event, replacing any row with the same storage
// identity.
func (s *Store) Save(ctx context.Context, e lifecycle.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}

	var data any
	if e.Data != nil {
		b, err := json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("encode data: %w", err)
		}
		data = string(b)
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO lifecycle_events (
  artifact_ref, artifact_version, stage_id, status,
  scope, stage_type, text, link, data, timestamp, start_monitoring
)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (artifact_ref, artifact_version, stage_id, status) DO UPDATE SET
  scope            = excluded.scope,
  stage_type       = excluded.stage_type,
  text             = excluded.text,
  link             = excluded.link,
  data             = excluded.data,
  timestamp        = excluded.timestamp,
  start_monitoring = excluded.start_monitoring`,
		e.ArtifactRef, e.ArtifactVersion, e.StageID, string(e.Status),
		string(e.Scope), string(e.Type), e.Text, e.Link, data,
		e.Timestamp.UnixNano(), boolToInt(e.StartMonitoring),
	)
	if err != nil {
		return fmt.Errorf("upsert event: %w", err)
	}
	return nil
}

// Scan retrieves every stored record for one artifact version.
func (s *Store) Scan(ctx context.Context, artifactRef, artifactVersion string) ([]lifecycle.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT artifact_ref, artifact_version, stage_id, status,
       scope, stage_type, text, link, data, timestamp, start_monitoring
FROM lifecycle_events
WHERE artifact_ref = ? AND artifact_version = ?`,
		artifactRef, artifactVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []lifecycle.Event{}
	for rows.Next() {
		var (
			e                        lifecycle.Event
			status, scope, stageType string
			data                     sql.NullString
			ts                       int64
			watched                  int
		)
		if err := rows.Scan(&e.ArtifactRef, &e.ArtifactVersion, &e.StageID, &status,
			&scope, &stageType, &e.Text, &e.Link, &data, &ts, &watched); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Status = lifecycle.Status(status)
		e.Scope = lifecycle.Scope(scope)
		e.Type = lifecycle.StageType(stageType)
		e.Timestamp = time.Unix(0, ts).UTC()
		e.StartMonitoring = watched != 0
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
				return nil, fmt.Errorf("decode data: %w", err)
			}
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// ListVersions returns the distinct versions recorded for one artifact,
// most recently reported first.
func (s *Store) ListVersions(ctx context.Context, artifactRef string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT artifact_version
FROM lifecycle_events
WHERE artifact_ref = ?
GROUP BY artifact_version
ORDER BY MAX(timestamp) DESC`,
		artifactRef,
	)
	if err != nil {
		return nil, fmt.Errorf("query versions: %w", err)
	}
	defer rows.Close()

	versions := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, v)
	}

	return versions, rows.Err()
}

// CountStages returns the number of distinct stages recorded for one
// artifact version.
func (s *Store) CountStages(ctx context.Context, artifactRef, artifactVersion string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(DISTINCT stage_id)
FROM lifecycle_events
WHERE artifact_ref = ? AND artifact_version = ?`,
		artifactRef, artifactVersion,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count stages: %w", err)
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
