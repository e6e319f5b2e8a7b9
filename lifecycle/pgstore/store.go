// Package pgstore provides a PostgreSQL-based lifecycle event store.
package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/danielpeach/keel/lifecycle"
)

// Schema is the DDL for the lifecycle events table. The primary key is the
// storage identity: one row per (artifact, version, stage, status), and its
// leading columns serve version scans.
//
// Deployments that do not run their own migrations can apply it with
// EnsureSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS lifecycle_events (
	artifact_ref     TEXT        NOT NULL,
	artifact_version TEXT        NOT NULL,
	stage_id         TEXT        NOT NULL,
	status           TEXT        NOT NULL,
	scope            TEXT        NOT NULL DEFAULT '',
	stage_type       TEXT        NOT NULL DEFAULT '',
	text             TEXT        NOT NULL DEFAULT '',
	link             TEXT        NOT NULL DEFAULT '',
	data             JSONB,
	timestamp        TIMESTAMPTZ NOT NULL,
	start_monitoring BOOLEAN     NOT NULL DEFAULT FALSE,
	PRIMARY KEY (artifact_ref, artifact_version, stage_id, status)
)
`

// Store implements lifecycle.EventStore with PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a new PostgreSQL event store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema creates the lifecycle events table if it does not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Save upserts a single event. A row matching on the full storage identity
// is replaced, so re-reports of the same transition converge on the most
// recent copy.
func (s *Store) Save(ctx context.Context, e lifecycle.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO lifecycle_events (
			artifact_ref, artifact_version, stage_id, status,
			scope, stage_type, text, link, data, timestamp, start_monitoring
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (artifact_ref, artifact_version, stage_id, status) DO UPDATE SET
			scope            = EXCLUDED.scope,
			stage_type       = EXCLUDED.stage_type,
			text             = EXCLUDED.text,
			link             = EXCLUDED.link,
			data             = EXCLUDED.data,
			timestamp        = EXCLUDED.timestamp,
			start_monitoring = EXCLUDED.start_monitoring
	`, e.ArtifactRef, e.ArtifactVersion, e.StageID, string(e.Status),
		string(e.Scope), string(e.Type), e.Text, e.Link, e.Data, e.Timestamp, e.StartMonitoring)
	if err != nil {
		return fmt.Errorf("upsert event: %w", err)
	}
	return nil
}

// Scan retrieves every stored record for one artifact version.
func (s *Store) Scan(ctx context.Context, artifactRef, artifactVersion string) ([]lifecycle.Event, error) {
	return s.scanEvents(ctx, s.pool, artifactRef, artifactVersion)
}

// querier is an interface satisfied by both pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) scanEvents(ctx context.Context, q querier, artifactRef, artifactVersion string) ([]lifecycle.Event, error) {
	rows, err := q.Query(ctx, `
		SELECT artifact_ref, artifact_version, stage_id, status,
		       scope, stage_type, text, link, data, timestamp, start_monitoring
		FROM lifecycle_events
		WHERE artifact_ref = $1 AND artifact_version = $2
	`, artifactRef, artifactVersion)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []lifecycle.Event{}
	for rows.Next() {
		var e lifecycle.Event
		var status, scope, stageType string
		if err := rows.Scan(&e.ArtifactRef, &e.ArtifactVersion, &e.StageID, &status,
			&scope, &stageType, &e.Text, &e.Link, &e.Data, &e.Timestamp, &e.StartMonitoring); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Status = lifecycle.Status(status)
		e.Scope = lifecycle.Scope(scope)
		e.Type = lifecycle.StageType(stageType)
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return events, nil
}

// ListVersions returns the distinct versions recorded for one artifact,
// most recently reported first.
func (s *Store) ListVersions(ctx context.Context, artifactRef string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT artifact_version
		FROM lifecycle_events
		WHERE artifact_ref = $1
		GROUP BY artifact_version
		ORDER BY MAX(timestamp) DESC
	`, artifactRef)
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

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}

	return versions, nil
}

// CountStages returns the number of distinct stages recorded for one
// artifact version.
func (s *Store) CountStages(ctx context.Context, artifactRef, artifactVersion string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(DISTINCT stage_id)
		FROM lifecycle_events
		WHERE artifact_ref = $1 AND artifact_version = $2
	`, artifactRef, artifactVersion).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count stages: %w", err)
	}
	return n, nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
