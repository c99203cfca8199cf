// Package jobs defines River Queue job types for asynchronous pipeline runs.
//
// A job carries only the run parameters; the run record itself is created
// by the coordinator when the job executes.
//
// Import Path: loanmvp.io/pipeline/internal/jobs
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"loanmvp.io/pipeline/internal/domain"
	"loanmvp.io/pipeline/internal/pipeline"
	apperrors "loanmvp.io/pipeline/internal/pkg/errors"
	"loanmvp.io/pipeline/internal/pkg/logger"
)

// DefaultRunTimeout bounds a single asynchronous run.
const DefaultRunTimeout = 30 * time.Minute

// ---------------------------------------------------------------------------
// Job Args
// ---------------------------------------------------------------------------

// PipelineRunArgs are the parameters of one asynchronous run.
type PipelineRunArgs struct {
	PDate     string   `json:"pdate,omitempty"`
	IRRTarget *float64 `json:"irr_target,omitempty"`
	Folder    string   `json:"folder,omitempty"`
}

// Kind returns the job kind identifier for pipeline runs.
func (PipelineRunArgs) Kind() string { return "pipeline_run" }

// InsertOpts disables automatic retries. A failed run is final and a new
// run must be triggered explicitly.
func (PipelineRunArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       river.QueueDefault,
		MaxAttempts: 1,
	}
}

// RunConfig converts the job arguments to coordinator parameters.
func (a PipelineRunArgs) RunConfig() pipeline.RunConfig {
	return pipeline.RunConfig{PDate: a.PDate, IRRTarget: a.IRRTarget, Folder: a.Folder}
}

// ---------------------------------------------------------------------------
// Worker
// ---------------------------------------------------------------------------

// RunExecutor executes a pipeline run end to end.
type RunExecutor interface {
	ExecuteRun(ctx context.Context, cfg pipeline.RunConfig) (*domain.PipelineRun, error)
}

// PipelineRunWorker executes queued pipeline runs.
type PipelineRunWorker struct {
	river.WorkerDefaults[PipelineRunArgs]
	runner  RunExecutor
	timeout time.Duration
}

// NewPipelineRunWorker creates a worker. Non-positive timeout falls back to
// DefaultRunTimeout.
func NewPipelineRunWorker(runner RunExecutor, timeout time.Duration) *PipelineRunWorker {
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}
	return &PipelineRunWorker{runner: runner, timeout: timeout}
}

// Timeout overrides River's one minute default.
func (w *PipelineRunWorker) Timeout(*river.Job[PipelineRunArgs]) time.Duration {
	return w.timeout
}

// Work executes the run. Invalid parameters cancel the job.
func (w *PipelineRunWorker) Work(ctx context.Context, job *river.Job[PipelineRunArgs]) error {
	if w == nil || w.runner == nil {
		return fmt.Errorf("pipeline run worker is not initialized")
	}

	logger.Info("Processing pipeline run job",
		zap.Int64("job_id", job.ID),
		zap.String("pdate", job.Args.PDate),
		zap.String("folder", job.Args.Folder),
	)

	run, err := w.runner.ExecuteRun(ctx, job.Args.RunConfig())
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeInvalidRunRequest {
			return river.JobCancel(err)
		}
		// The run record already carries the failure; the job is not retried.
		return fmt.Errorf("execute pipeline run: %w", err)
	}

	logger.Info("Pipeline run job completed",
		zap.Int64("job_id", job.ID),
		zap.String("run_id", run.RunID),
	)
	return nil
}
