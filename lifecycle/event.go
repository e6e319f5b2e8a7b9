// Package lifecycle provides the event types and storage interfaces for
// tracking what happens to an artifact version as it moves through
// pre-deployment machinery.
package lifecycle

import (
	"time"
)

// Scope identifies the phase of the delivery pipeline an event belongs to.
type Scope string

const (
	// ScopePreDeployment covers work that happens before an artifact
	// version reaches an environment (baking, publishing, scanning).
	ScopePreDeployment Scope = "pre_deployment"

	// ScopePostDeployment covers work that happens after delivery
	// (verification, attestation).
	ScopePostDeployment Scope = "post_deployment"
)

// StageType classifies the kind of work a monitored stage performs.
type StageType string

const (
	StageTypeBake   StageType = "bake"
	StageTypeDeploy StageType = "deploy"
)

// Status is the reported state of a monitored stage.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusRunning    Status = "running"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether the status marks the end of a stage.
// Once a stage reports a terminal status, later non-terminal reports
// never change the outcome.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// known reports whether s is one of the defined status values.
func (s Status) known() bool {
	switch s {
	case StatusNotStarted, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

// Event is a single progress report from a monitored stage. Emitters send
// one event per observed state change; the same (stage, status) pair may
// be reported many times and the store keeps only the latest.
type Event struct {
	// Scope is the pipeline phase the stage runs in.
	Scope Scope `json:"scope"`

	// Type classifies the stage's work (e.g. "bake").
	Type StageType `json:"type"`

	// StageID correlates every event from one logical stage execution.
	// Emitters must reuse the same ID across retries of the same stage.
	StageID string `json:"stage_id"`

	// ArtifactRef names the artifact the stage operates on.
	ArtifactRef string `json:"artifact_ref"`

	// ArtifactVersion is the specific version being delivered.
	ArtifactVersion string `json:"artifact_version"`

	// Status is the reported state of the stage at Timestamp.
	Status Status `json:"status"`

	// Text is an optional human-readable progress message.
	Text string `json:"text,omitempty"`

	// Link optionally points at a page with more detail (build log,
	// console). Only well-formed absolute URLs survive projection.
	Link string `json:"link,omitempty"`

	// Data holds additional opaque context supplied by the emitter.
	Data map[string]string `json:"data,omitempty"`

	// Timestamp records when the reported state was observed. Events
	// saved with a zero Timestamp are stamped at save time.
	Timestamp time.Time `json:"timestamp"`

	// StartMonitoring marks the stage as one whose staleness should be
	// watched. At least one event in a stage must set it for the stage
	// to be considered for re-monitoring signals.
	StartMonitoring bool `json:"start_monitoring,omitempty"`
}

// StageKey identifies one logical stage execution for one artifact version.
type StageKey struct {
	ArtifactRef     string
	ArtifactVersion string
	StageID         string
}

// Key returns the stage identity of the event.
func (e Event) Key() StageKey {
	return StageKey{
		ArtifactRef:     e.ArtifactRef,
		ArtifactVersion: e.ArtifactVersion,
		StageID:         e.StageID,
	}
}

// Validate checks that the event carries the fields every consumer
// depends on. It returns a *ValidationError describing the first
// problem found, or nil.
func (e Event) Validate() error {
	if e.StageID == "" {
		return &ValidationError{Field: "stage_id", Reason: "must not be empty"}
	}
	if e.Status == "" {
		return &ValidationError{Field: "status", Reason: "must not be empty"}
	}
	if !e.Status.known() {
		return &ValidationError{Field: "status", Reason: "unknown value " + string(e.Status)}
	}
	return nil
}
