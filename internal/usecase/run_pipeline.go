// Package usecase provides application use cases shared by the HTTP API,
// the CLI and River workers.
//
// Import Path: loanmvp.io/pipeline/internal/usecase
package usecase

import (
	"context"
	"net/http"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"go.uber.org/zap"

	"loanmvp.io/pipeline/internal/domain"
	"loanmvp.io/pipeline/internal/jobs"
	"loanmvp.io/pipeline/internal/pipeline"
	apperrors "loanmvp.io/pipeline/internal/pkg/errors"
	"loanmvp.io/pipeline/internal/pkg/logger"
	"loanmvp.io/pipeline/internal/repository"
)

// JobInserter enqueues River jobs. *river.Client[pgx.Tx] satisfies it.
type JobInserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// EnqueuedRun describes an accepted asynchronous run request. Every
// request becomes its own job and, once worked, its own run.
type EnqueuedRun struct {
	JobID int64  `json:"job_id"`
	Kind  string `json:"kind"`
}

// RunPipelineUseCase triggers pipeline runs and reads their records.
type RunPipelineUseCase struct {
	runner jobs.RunExecutor
	store  repository.RunStore
	queue  JobInserter
}

// NewRunPipelineUseCase creates the use case. queue may be nil, in which case
// only synchronous runs are available.
func NewRunPipelineUseCase(runner jobs.RunExecutor, store repository.RunStore, queue JobInserter) *RunPipelineUseCase {
	return &RunPipelineUseCase{runner: runner, store: store, queue: queue}
}

// AsyncEnabled reports whether Enqueue can accept runs.
func (uc *RunPipelineUseCase) AsyncEnabled() bool {
	return uc.queue != nil
}

// Execute runs the pipeline synchronously. A run that failed inside a phase
// is returned together with its *pipeline.PhaseError.
func (uc *RunPipelineUseCase) Execute(ctx context.Context, cfg pipeline.RunConfig) (*domain.PipelineRun, error) {
	return uc.runner.ExecuteRun(ctx, cfg)
}

// Enqueue validates the request and hands it to a River worker.
func (uc *RunPipelineUseCase) Enqueue(ctx context.Context, cfg pipeline.RunConfig) (*EnqueuedRun, error) {
	if uc.queue == nil {
		return nil, apperrors.Wrap(apperrors.ErrUnavailable, apperrors.CodeAsyncUnavailable,
			"asynchronous runs require the postgres store with river enabled", http.StatusServiceUnavailable)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	args := jobs.PipelineRunArgs{PDate: cfg.PDate, IRRTarget: cfg.IRRTarget, Folder: cfg.Folder}
	res, err := uc.queue.Insert(ctx, args, nil)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodePersistenceFailed, "enqueue pipeline run", http.StatusInternalServerError)
	}

	logger.Info("Pipeline run enqueued",
		zap.Int64("job_id", res.Job.ID),
		zap.String("pdate", cfg.PDate),
		zap.String("folder", cfg.Folder),
	)
	return &EnqueuedRun{JobID: res.Job.ID, Kind: args.Kind()}, nil
}

// GetRun returns a run by ID.
func (uc *RunPipelineUseCase) GetRun(ctx context.Context, runID string) (*domain.PipelineRun, error) {
	return uc.store.GetRun(ctx, runID)
}

// ListRuns returns recent runs, newest first.
func (uc *RunPipelineUseCase) ListRuns(ctx context.Context, limit int) ([]*domain.PipelineRun, error) {
	return uc.store.ListRuns(ctx, limit)
}

// ListExceptions returns a run's exceptions. Unknown runs are reported as
// not found rather than as an empty ledger.
func (uc *RunPipelineUseCase) ListExceptions(ctx context.Context, runID string, filter domain.ExceptionFilter) ([]domain.RunException, error) {
	if _, err := uc.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return uc.store.ListExceptions(ctx, runID, filter)
}

// ListFacts returns a run's loan facts.
func (uc *RunPipelineUseCase) ListFacts(ctx context.Context, runID string, filter domain.FactFilter) ([]domain.LoanFact, error) {
	if _, err := uc.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return uc.store.ListFacts(ctx, runID, filter)
}
