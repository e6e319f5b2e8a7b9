// Package project provides pure projection functions that collapse lifecycle
// event histories into per-stage step summaries.
//
// All functions in this package are pure: they take []lifecycle.Event as
// input and return derived structures. They do not perform I/O or have side
// effects. Persistence stays behind lifecycle.EventStore; everything a UI
// needs is derived here on read.
package project

import (
	"net/url"
	"sort"
	"time"

	"github.com/danielpeach/keel/lifecycle"
)

// Step is the projected state of one monitored stage for one artifact
// version: a single row that summarizes every event the stage reported.
type Step struct {
	// ID is the stage ID shared by the group of events behind this step.
	ID string `json:"id"`

	Scope lifecycle.Scope     `json:"scope,omitempty"`
	Type  lifecycle.StageType `json:"type,omitempty"`

	ArtifactRef     string `json:"artifact_ref"`
	ArtifactVersion string `json:"artifact_version"`

	// Status is the resolved status of the stage. Terminal reports beat
	// non-terminal ones regardless of arrival order.
	Status lifecycle.Status `json:"status"`

	// Text and Link carry the most recent non-empty values reported by
	// any event in the group.
	Text string `json:"text,omitempty"`
	Link string `json:"link,omitempty"`

	// StartedAt is the earliest timestamp reported for the stage.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is the timestamp of the winning terminal report, or
	// nil while the stage is still in flight.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Steps projects step summaries for one artifact version from its recorded
// events. Events are grouped by stage ID; each group collapses into at most
// one Step.
//
// Within a group the status is resolved by ResolveStatus, Text and Link
// keep the latest non-empty value, StartedAt is the earliest timestamp and
// CompletedAt the timestamp of the winning terminal report. A group whose
// coalesced link is present but does not parse as an absolute URL produces
// no Step at all.
//
// Steps are returned ordered by StartedAt, then by stage ID for equal
// start times.
func Steps(events []lifecycle.Event) []Step {
	groups := make(map[string][]lifecycle.Event)
	for _, e := range events {
		// A record without a stage identity cannot be projected.
		if e.StageID == "" {
			continue
		}
		groups[e.StageID] = append(groups[e.StageID], e)
	}

	result := make([]Step, 0, len(groups))
	for id, group := range groups {
		sortChronological(group)

		winner := resolve(group)
		step := Step{
			ID:        id,
			Status:    winner.Status,
			StartedAt: group[0].Timestamp,
		}
		if winner.Status.IsTerminal() {
			ts := winner.Timestamp
			step.CompletedAt = &ts
		}

		for _, e := range group {
			if e.Scope != "" {
				step.Scope = e.Scope
			}
			if e.Type != "" {
				step.Type = e.Type
			}
			if e.ArtifactRef != "" {
				step.ArtifactRef = e.ArtifactRef
			}
			if e.ArtifactVersion != "" {
				step.ArtifactVersion = e.ArtifactVersion
			}
			if e.Text != "" {
				step.Text = e.Text
			}
			if e.Link != "" {
				step.Link = e.Link
			}
		}

		if step.Link != "" && !validLink(step.Link) {
			continue
		}

		result = append(result, step)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].StartedAt.Before(result[j].StartedAt)
		}
		return result[i].ID < result[j].ID
	})

	return result
}

// ResolveStatus returns the effective status of one stage's records.
// Terminal statuses outrank non-terminal ones no matter when they were
// reported; within the same tier the latest timestamp wins. Returns the
// empty status for an empty record set.
func ResolveStatus(events []lifecycle.Event) lifecycle.Status {
	if len(events) == 0 {
		return ""
	}
	return resolve(events).Status
}

// resolve picks the record whose status report supersedes the rest.
func resolve(events []lifecycle.Event) lifecycle.Event {
	winner := events[0]
	for _, e := range events[1:] {
		if outranks(e, winner) {
			winner = e
		}
	}
	return winner
}

// outranks reports whether a's status report supersedes b's. Timestamps
// only break ties between statuses of the same tier, so a late re-report
// of "running" never reopens a finished stage.
func outranks(a, b lifecycle.Event) bool {
	at, bt := tier(a.Status), tier(b.Status)
	if at != bt {
		return at > bt
	}
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return statusRank(a.Status) > statusRank(b.Status)
}

func tier(s lifecycle.Status) int {
	if s.IsTerminal() {
		return 1
	}
	return 0
}

// statusRank defines a total order over statuses for deterministic
// tie-breaking when timestamps are equal.
func statusRank(s lifecycle.Status) int {
	switch s {
	case lifecycle.StatusNotStarted:
		return 0
	case lifecycle.StatusRunning:
		return 1
	case lifecycle.StatusSucceeded:
		return 2
	case lifecycle.StatusFailed:
		return 3
	}
	return -1
}

// sortChronological orders a group oldest first. Equal timestamps fall
// back to the status order so coalescing is deterministic.
func sortChronological(group []lifecycle.Event) {
	sort.SliceStable(group, func(i, j int) bool {
		if !group[i].Timestamp.Equal(group[j].Timestamp) {
			return group[i].Timestamp.Before(group[j].Timestamp)
		}
		return statusRank(group[i].Status) < statusRank(group[j].Status)
	})
}

// validLink reports whether raw parses as an absolute URL with both a
// scheme and a host.
func validLink(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme != "" && u.Host != ""
}
