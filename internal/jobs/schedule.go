package jobs

import (
	"time"

	"github.com/riverqueue/river"

	"loanmvp.io/pipeline/internal/pipeline"
)

// ScheduledRunArgs builds the arguments of a periodic run: today's UTC
// processing date with the configured defaults.
func ScheduledRunArgs(now func() time.Time) PipelineRunArgs {
	return PipelineRunArgs{PDate: now().UTC().Format(pipeline.PDateLayout)}
}

// PeriodicJobs returns the periodic pipeline run for the given interval, or
// nil when scheduling is disabled.
func PeriodicJobs(interval time.Duration, now func() time.Time) []*river.PeriodicJob {
	if interval <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	return []*river.PeriodicJob{
		river.NewPeriodicJob(
			river.PeriodicInterval(interval),
			func() (river.JobArgs, *river.InsertOpts) {
				return ScheduledRunArgs(now), nil
			},
			&river.PeriodicJobOpts{RunOnStart: false},
		),
	}
}
