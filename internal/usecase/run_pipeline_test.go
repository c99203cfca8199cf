package usecase

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loanmvp.io/pipeline/internal/domain"
	"loanmvp.io/pipeline/internal/jobs"
	"loanmvp.io/pipeline/internal/pipeline"
	apperrors "loanmvp.io/pipeline/internal/pkg/errors"
	"loanmvp.io/pipeline/internal/pkg/logger"
	"loanmvp.io/pipeline/internal/repository"
	"loanmvp.io/pipeline/internal/storage"
	"loanmvp.io/pipeline/internal/testutil"
)

func init() {
	_ = logger.Init("error", "json")
}

type fakeQueue struct {
	inserted []river.JobArgs
	err      error
}

func (q *fakeQueue) Insert(_ context.Context, args river.JobArgs, _ *river.InsertOpts) (*rivertype.JobInsertResult, error) {
	if q.err != nil {
		return nil, q.err
	}
	q.inserted = append(q.inserted, args)
	return &rivertype.JobInsertResult{Job: &rivertype.JobRow{ID: int64(len(q.inserted))}}, nil
}

func newUseCase(t *testing.T, queue JobInserter) (*RunPipelineUseCase, *repository.MemoryStore) {
	t.Helper()
	store := repository.NewMemoryStore()
	blobs := storage.NewMemoryStore()

	low := testutil.EligibleLoan("L-2")
	low.CreditScore = domain.Int(600)
	blobs.Put(storage.AreaInputs, "tapes/batch.csv", testutil.TapeCSV(testutil.EligibleLoan("L-1"), low))

	coord := pipeline.NewCoordinator(store, blobs, pipeline.DefaultSettings())
	return NewRunPipelineUseCase(coord, store, queue), store
}

func TestRunPipeline_ExecuteAndRead(t *testing.T) {
	uc, _ := newUseCase(t, nil)
	ctx := context.Background()

	run, err := uc.Execute(ctx, pipeline.RunConfig{PDate: "2025-01-15"})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)

	got, err := uc.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, run.RunID, got.RunID)

	runs, err := uc.ListRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	excs, err := uc.ListExceptions(ctx, run.RunID, domain.ExceptionFilter{SellerLoanNumber: "L-2"})
	require.NoError(t, err)
	require.Len(t, excs, 1)
	assert.Equal(t, "credit_score_min", excs[0].ExceptionType)

	facts, err := uc.ListFacts(ctx, run.RunID, domain.FactFilter{Disposition: domain.DispositionToPurchase})
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "L-1", facts[0].SellerLoanNumber)
}

func TestRunPipeline_UnknownRunIsNotFound(t *testing.T) {
	uc, _ := newUseCase(t, nil)
	ctx := context.Background()

	_, err := uc.ListExceptions(ctx, "missing", domain.ExceptionFilter{})
	assert.Equal(t, apperrors.CodeRunNotFound, apperrors.CodeOf(err))

	_, err = uc.ListFacts(ctx, "missing", domain.FactFilter{})
	assert.Equal(t, apperrors.CodeRunNotFound, apperrors.CodeOf(err))
}

func TestRunPipeline_ExecuteFailedRun(t *testing.T) {
	uc, store := newUseCase(t, nil)

	run, err := uc.Execute(context.Background(), pipeline.RunConfig{Folder: "empty"})
	var perr *pipeline.PhaseError
	require.True(t, errors.As(err, &perr))
	require.NotNil(t, run)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Equal(t, apperrors.CodeTapeNotFound, apperrors.CodeOf(err))

	stored, err := store.GetRun(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, stored.Status)
}

func TestRunPipeline_Enqueue(t *testing.T) {
	irr := 7.5
	queue := &fakeQueue{}
	uc, store := newUseCase(t, queue)
	assert.True(t, uc.AsyncEnabled())

	res, err := uc.Enqueue(context.Background(), pipeline.RunConfig{PDate: "2025-01-15", IRRTarget: &irr, Folder: "tapes"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.JobID)
	assert.Equal(t, "pipeline_run", res.Kind)

	require.Len(t, queue.inserted, 1)
	args, ok := queue.inserted[0].(jobs.PipelineRunArgs)
	require.True(t, ok)
	assert.Equal(t, "2025-01-15", args.PDate)
	assert.Equal(t, 7.5, *args.IRRTarget)
	assert.Equal(t, "tapes", args.Folder)

	// Enqueueing does not create a run record; the worker does.
	runs, err := store.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, runs)

	again, err := uc.Enqueue(context.Background(), pipeline.RunConfig{PDate: "2025-01-15", IRRTarget: &irr, Folder: "tapes"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), again.JobID, "identical requests are separate jobs")
	assert.Len(t, queue.inserted, 2)
}

func TestRunPipeline_EnqueueErrors(t *testing.T) {
	tests := []struct {
		name   string
		queue  JobInserter
		cfg    pipeline.RunConfig
		code   string
		status int
	}{
		{"async unavailable", nil, pipeline.RunConfig{}, apperrors.CodeAsyncUnavailable, http.StatusServiceUnavailable},
		{"invalid pdate", &fakeQueue{}, pipeline.RunConfig{PDate: "2025-13-40"}, apperrors.CodeInvalidRunRequest, http.StatusBadRequest},
		{"escaping folder", &fakeQueue{}, pipeline.RunConfig{Folder: "../etc"}, apperrors.CodeStoragePathForbidden, http.StatusBadRequest},
		{"insert failure", &fakeQueue{err: errors.New("connection reset")}, pipeline.RunConfig{}, apperrors.CodePersistenceFailed, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uc, _ := newUseCase(t, tt.queue)
			_, err := uc.Enqueue(context.Background(), tt.cfg)
			appErr, ok := apperrors.IsAppError(err)
			require.True(t, ok, "error = %v", err)
			assert.Equal(t, tt.code, appErr.Code)
			assert.Equal(t, tt.status, appErr.HTTPStatus)
			if tt.status == http.StatusServiceUnavailable {
				assert.ErrorIs(t, err, apperrors.ErrUnavailable)
			}
		})
	}
}
