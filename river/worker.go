package river

import (
	"context"
	"fmt"

	"github.com/riverqueue/river"

	"github.com/danielpeach/keel/monitor"
)

// Watcher resumes monitoring of a stalled stage. Implementations
// typically poke the upstream agent that stopped reporting, for example
// by re-subscribing to a CI build or re-registering a deployment watch.
//
// Resume is retried by the queue on error, so it should be idempotent.
type Watcher interface {
	Resume(ctx context.Context, sig monitor.Signal) error
}

// monitorWorker processes re-monitoring jobs.
type monitorWorker struct {
	river.WorkerDefaults[MonitorJobArgs]
	watcher Watcher
	logger  Logger
}

// Work hands the signal to the watcher.
func (w *monitorWorker) Work(ctx context.Context, job *river.Job[MonitorJobArgs]) error {
	args := job.Args

	w.logger.Debug("processing re-monitoring job",
		"signalID", args.SignalID,
		"artifact", args.ArtifactRef,
		"version", args.ArtifactVersion,
		"stage", args.StageID,
	)

	sig := monitor.Signal{
		ID:              args.SignalID,
		ArtifactRef:     args.ArtifactRef,
		ArtifactVersion: args.ArtifactVersion,
		StageID:         args.StageID,
	}

	if err := w.watcher.Resume(ctx, sig); err != nil {
		return fmt.Errorf("resume monitoring: %w", err)
	}

	w.logger.Info("resumed monitoring for stage",
		"signalID", args.SignalID,
		"artifact", args.ArtifactRef,
		"version", args.ArtifactVersion,
		"stage", args.StageID,
	)

	return nil
}
