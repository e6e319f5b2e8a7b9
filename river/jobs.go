package river

// JobKindMonitor is the kind re-monitoring jobs are registered under.
const JobKindMonitor = "keel.lifecycle.monitor"

// MonitorJobArgs contains arguments for a re-monitoring job. Each job
// asks the watcher to resume monitoring of a single stalled stage.
//
// Uniqueness is keyed on the stage coordinates, so sweeps that notice
// the same stale stage while a job for it is still outstanding collapse
// into that one job. The signal ID is carried for tracing but excluded
// from the uniqueness key.
type MonitorJobArgs struct {
	// SignalID identifies the re-monitoring request that produced this job.
	SignalID string `json:"signal_id"`

	// ArtifactRef is the artifact the stalled stage belongs to.
	ArtifactRef string `json:"artifact_ref" river:"unique"`

	// ArtifactVersion is the artifact version the stalled stage belongs to.
	ArtifactVersion string `json:"artifact_version" river:"unique"`

	// StageID is the stalled stage to resume monitoring for.
	StageID string `json:"stage_id" river:"unique"`
}

// Kind implements river.JobArgs.
func (MonitorJobArgs) Kind() string {
	return JobKindMonitor
}

// InsertOpts mirrors River's InsertOpts for job configuration.
// This allows defaults to be stated here without importing River
// directly in this file.
type InsertOpts struct {
	// MaxAttempts is the maximum number of attempts for this job.
	// If not set, River's default (24) is used.
	MaxAttempts int

	// Queue is the queue to insert the job into.
	// If not set, River's default queue is used.
	Queue string
}

// InsertOpts returns the default insert options for re-monitoring jobs.
// The Publisher merges its own configuration over these.
func (MonitorJobArgs) InsertOpts() InsertOpts {
	return InsertOpts{
		MaxAttempts: DefaultMaxAttempts,
		Queue:       DefaultQueue,
	}
}
