package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"loanmvp.io/pipeline/internal/domain"
	apperrors "loanmvp.io/pipeline/internal/pkg/errors"
	"loanmvp.io/pipeline/internal/pkg/worker"
	"loanmvp.io/pipeline/internal/report"
	"loanmvp.io/pipeline/internal/repository"
	"loanmvp.io/pipeline/internal/storage"
	"loanmvp.io/pipeline/internal/testutil"
)

type harness struct {
	store *repository.MemoryStore
	blobs *storage.MemoryStore
	coord *Coordinator
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	store := repository.NewMemoryStore()
	blobs := storage.NewMemoryStore()
	return &harness{
		store: store,
		blobs: blobs,
		coord: newTestCoordinator(store, blobs, opts...),
	}
}

func newTestCoordinator(store repository.RunStore, blobs storage.Store, opts ...Option) *Coordinator {
	var seq atomic.Int64
	base := []Option{
		WithClock(func() time.Time { return phaseTime }),
		WithIDGenerator(func() string { return fmt.Sprintf("run-%d", seq.Add(1)) }),
	}
	return NewCoordinator(store, blobs, DefaultSettings(), append(base, opts...)...)
}

func scenarioTape() []byte {
	a := testutil.EligibleLoan("A")
	a.DTIRatio = domain.Dec("30")
	a.CreditScore = domain.Int(700)

	b := testutil.EligibleLoan("B")
	b.LoanAmount = domain.Dec("10000")

	c := testutil.EligibleLoan("C")
	c.CreditScore = nil

	return testutil.TapeCSV(a, b, c)
}

func irr(v float64) *float64 { return &v }

func TestExecuteRun_ThreeRecordScenario(t *testing.T) {
	h := newHarness(t)
	h.blobs.Put(storage.AreaInputs, "tapes/tape.csv", scenarioTape())
	ctx := context.Background()

	run, err := h.coord.ExecuteRun(ctx, RunConfig{PDate: "2025-01-15", IRRTarget: irr(8.05)})
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.Equal(t, domain.PhaseArchive, run.LastPhase)
	assert.Equal(t, 3, run.TotalRecords)
	assert.Equal(t, "410000", run.TotalBalance.String())
	assert.Equal(t, 1, run.PurchaseCount)
	assert.Zero(t, run.ProjectedCount)
	assert.Equal(t, 2, run.RejectedCount)
	assert.Equal(t, 2, run.ExceptionCount)
	assert.Equal(t, "outputs/run-1", run.OutputLocation)
	assert.Equal(t, []string{"tapes/tape.csv"}, run.InputFiles)
	require.NotNil(t, run.CompletedAt)

	stored, err := h.store.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	if diff := cmp.Diff(run, stored); diff != "" {
		t.Errorf("stored run differs (-returned +stored):\n%s", diff)
	}

	facts, err := h.store.ListFacts(ctx, run.RunID, domain.FactFilter{})
	require.NoError(t, err)
	require.Len(t, facts, 3)
	assert.Equal(t, domain.DispositionToPurchase, facts[0].Disposition)
	assert.Equal(t, "96.125", facts[0].Record.FinalPrice.String())
	assert.Equal(t, "-1.55", facts[0].Record.PricingSpread.String())
	assert.Equal(t, domain.DispositionRejected, facts[1].Disposition)
	assert.Equal(t, domain.DispositionRejected, facts[2].Disposition)

	excB, err := h.store.ListExceptions(ctx, run.RunID, domain.ExceptionFilter{SellerLoanNumber: "B"})
	require.NoError(t, err)
	require.Len(t, excB, 1)
	assert.Equal(t, "notebook.loan_amount_out_of_range", excB[0].RejectionCriteria)
	assert.Equal(t, domain.SeverityHard, excB[0].Severity)

	excC, err := h.store.ListExceptions(ctx, run.RunID, domain.ExceptionFilter{SellerLoanNumber: "C"})
	require.NoError(t, err)
	require.Len(t, excC, 1)
	assert.Equal(t, MissingRequiredFields, excC[0].ExceptionType)
	assert.Equal(t, domain.PhaseValidate, excC[0].Phase)

	purchase, err := h.blobs.Read(ctx, "run-1/"+report.PurchaseTape, storage.AreaOutputs)
	require.NoError(t, err)
	assert.Contains(t, string(purchase), "A,200000,6.5,80,30,700,SFR,Primary,Purchase,250000,255000,to_purchase,-1.55,96.125")

	rejection, err := h.blobs.Read(ctx, "run-1/"+report.RejectionReport, storage.AreaOutputs)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(rejection)), "\n"), 3)
}

func TestExecuteRun_ArchivesInputsOutputsAndManifest(t *testing.T) {
	h := newHarness(t)
	tape := scenarioTape()
	h.blobs.Put(storage.AreaInputs, "tapes/tape.csv", tape)
	ctx := context.Background()

	run, err := h.coord.ExecuteRun(ctx, RunConfig{PDate: "2025-01-15"})
	require.NoError(t, err)

	archived, err := h.blobs.ListFiles(ctx, run.RunID, storage.AreaArchive)
	require.NoError(t, err)
	var paths []string
	for _, f := range archived {
		paths = append(paths, f.Path)
	}
	assert.Equal(t, []string{
		"run-1/inputs/tapes/tape.csv",
		"run-1/manifest.yaml",
		"run-1/outputs/exception_summary.csv",
		"run-1/outputs/projected_tape.csv",
		"run-1/outputs/purchase_tape.csv",
		"run-1/outputs/rejection_report.csv",
	}, paths)

	copied, err := h.blobs.Read(ctx, "run-1/inputs/tapes/tape.csv", storage.AreaArchive)
	require.NoError(t, err)
	assert.Equal(t, tape, copied)

	raw, err := h.blobs.Read(ctx, "run-1/manifest.yaml", storage.AreaArchive)
	require.NoError(t, err)
	var m Manifest
	require.NoError(t, yaml.Unmarshal(raw, &m))
	assert.Equal(t, "run-1", m.RunID)
	assert.Equal(t, "2025-01-15", m.PDate)
	assert.Equal(t, "8.05", m.IRRTarget)
	require.Len(t, m.Files, 5)
	assert.Equal(t, storage.AreaInputs, m.Files[0].Area)
	assert.EqualValues(t, len(tape), m.Files[0].Size)
	assert.Len(t, m.Files[0].SHA256, 64)
}

func TestArchive_PoolMatchesSequential(t *testing.T) {
	pools, err := worker.NewPools(worker.PoolConfig{GeneralPoolSize: 3, RulesPoolSize: 1})
	require.NoError(t, err)
	defer pools.Shutdown()

	manifests := make([]*Manifest, 2)
	for i, pool := range []*worker.Pool{nil, pools.General} {
		h := newHarness(t, WithIOPool(pool))
		h.blobs.Put(storage.AreaInputs, "tapes/a.csv", testutil.TapeCSV(mixedBatch(5)...))
		h.blobs.Put(storage.AreaInputs, "tapes/b.csv", testutil.TapeCSV(testutil.EligibleLoan("Z-1")))

		run, err := h.coord.ExecuteRun(context.Background(), RunConfig{PDate: "2025-01-15"})
		require.NoError(t, err)

		raw, err := h.blobs.Read(context.Background(), run.RunID+"/"+ManifestName, storage.AreaArchive)
		require.NoError(t, err)
		manifests[i] = &Manifest{}
		require.NoError(t, yaml.Unmarshal(raw, manifests[i]))
	}

	require.Len(t, manifests[0].Files, 6)
	assert.Equal(t, "run-1/inputs/tapes/a.csv", manifests[1].Files[0].Path)
	assert.Equal(t, "run-1/inputs/tapes/b.csv", manifests[1].Files[1].Path)
	if diff := cmp.Diff(manifests[0], manifests[1]); diff != "" {
		t.Errorf("manifest mismatch (-sequential +pooled):\n%s", diff)
	}
}

func TestExecuteRun_EmptyBatch(t *testing.T) {
	h := newHarness(t)
	h.blobs.Put(storage.AreaInputs, "tapes/empty.csv", testutil.TapeCSV())
	ctx := context.Background()

	run, err := h.coord.ExecuteRun(ctx, RunConfig{})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.Zero(t, run.TotalRecords)
	assert.Zero(t, run.DispositionTotal())
	assert.Equal(t, phaseTime.Format(PDateLayout), run.PDate)

	summary, err := h.blobs.Read(ctx, "run-1/"+report.ExceptionSummary, storage.AreaOutputs)
	require.NoError(t, err)
	assert.Equal(t, strings.Join(report.SummaryColumns, ",")+"\n", string(summary))
}

func TestExecuteRun_IdempotentRerun(t *testing.T) {
	h := newHarness(t)
	h.blobs.Put(storage.AreaInputs, "tapes/batch.csv", testutil.TapeCSV(mixedBatch(40)...))
	ctx := context.Background()

	first, err := h.coord.ExecuteRun(ctx, RunConfig{PDate: "2025-01-15"})
	require.NoError(t, err)
	second, err := h.coord.ExecuteRun(ctx, RunConfig{PDate: "2025-01-15"})
	require.NoError(t, err)

	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, first.PurchaseCount, second.PurchaseCount)
	assert.Equal(t, first.ProjectedCount, second.ProjectedCount)
	assert.Equal(t, first.RejectedCount, second.RejectedCount)
	assert.Equal(t, first.ExceptionCount, second.ExceptionCount)

	for _, name := range report.Artifacts() {
		a, err := h.blobs.Read(ctx, report.OutputPath(first.RunID, name), storage.AreaOutputs)
		require.NoError(t, err)
		b, err := h.blobs.Read(ctx, report.OutputPath(second.RunID, name), storage.AreaOutputs)
		require.NoError(t, err)
		assert.Equal(t, string(a), string(b), name)
	}
}

func TestExecuteRun_Invariants(t *testing.T) {
	pools, err := worker.NewPools(worker.PoolConfig{GeneralPoolSize: 1, RulesPoolSize: 4})
	require.NoError(t, err)
	defer pools.Shutdown()

	records := mixedBatch(120)
	records[7].SellerLoanNumber = ""
	records[11].PropertyType = "houseboat"
	records[13].NoteRate = domain.Dec("16")

	for _, parallel := range []bool{false, true} {
		t.Run(fmt.Sprintf("parallel=%v", parallel), func(t *testing.T) {
			var opts []Option
			if parallel {
				opts = append(opts, WithPool(pools.Rules))
			}
			h := newHarness(t, opts...)
			h.coord.settings.ParallelThreshold = 50
			h.blobs.Put(storage.AreaInputs, "tapes/batch.csv", testutil.TapeCSV(records...))
			ctx := context.Background()

			run, err := h.coord.ExecuteRun(ctx, RunConfig{})
			require.NoError(t, err)

			facts, err := h.store.ListFacts(ctx, run.RunID, domain.FactFilter{})
			require.NoError(t, err)
			excs, err := h.store.ListExceptions(ctx, run.RunID, domain.ExceptionFilter{})
			require.NoError(t, err)

			// Completeness: one disposition per record.
			assert.Len(t, facts, run.TotalRecords)
			assert.Equal(t, run.TotalRecords, run.DispositionTotal())

			// exception_count matches the ledger.
			assert.Equal(t, len(excs), run.ExceptionCount)

			hard := make(map[int]bool)
			flagged := make(map[int]bool)
			for _, e := range excs {
				flagged[e.RecordIndex] = true
				if e.Severity == domain.SeverityHard {
					hard[e.RecordIndex] = true
				}
			}
			for _, f := range facts {
				if hard[f.RecordIndex] {
					assert.Equal(t, domain.DispositionRejected, f.Disposition, "record %d has a hard exception", f.RecordIndex)
				}
				if f.Disposition == domain.DispositionRejected {
					assert.True(t, hard[f.RecordIndex], "record %d rejected without a hard exception", f.RecordIndex)
				}
				if f.Disposition == domain.DispositionToPurchase {
					assert.NotNil(t, f.Record.FinalPrice)
				}
			}

			// Soft-only records are purchased.
			assert.True(t, flagged[13])
			assert.Equal(t, domain.DispositionToPurchase, facts[13].Disposition)
			assert.Equal(t, domain.DispositionRejected, facts[7].Disposition)
			assert.Equal(t, domain.DispositionRejected, facts[11].Disposition)
		})
	}
}

// failingStore fails the commit that would advance the run to failAt.
type failingStore struct {
	*repository.MemoryStore
	failAt domain.Phase
}

func (s *failingStore) CommitPhase(ctx context.Context, c repository.PhaseCommit) error {
	if c.Run.LastPhase == s.failAt {
		return errors.New("connection reset")
	}
	return s.MemoryStore.CommitPhase(ctx, c)
}

func TestExecuteRun_PersistenceFailureKeepsLastPhase(t *testing.T) {
	tests := []struct {
		failAt   domain.Phase
		wantLast domain.Phase
	}{
		{domain.PhaseIngest, ""},
		{domain.PhaseValidate, domain.PhaseIngest},
		{domain.PhaseEligibility, domain.PhaseValidate},
		{domain.PhaseDisposition, domain.PhasePricing},
		{domain.PhaseArchive, domain.PhaseOutput},
	}
	for _, tt := range tests {
		t.Run(string(tt.failAt), func(t *testing.T) {
			store := &failingStore{MemoryStore: repository.NewMemoryStore(), failAt: tt.failAt}
			blobs := storage.NewMemoryStore()
			blobs.Put(storage.AreaInputs, "tapes/tape.csv", scenarioTape())
			coord := newTestCoordinator(store, blobs)
			ctx := context.Background()

			run, err := coord.ExecuteRun(ctx, RunConfig{})
			require.Error(t, err)
			require.NotNil(t, run)

			var perr *PhaseError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.failAt, perr.Phase)
			assert.Equal(t, tt.wantLast, perr.LastPhase)
			assert.Equal(t, apperrors.CodePersistenceFailed, apperrors.CodeOf(err))

			stored, err := store.GetRun(ctx, run.RunID)
			require.NoError(t, err)
			assert.Equal(t, domain.RunStatusFailed, stored.Status)
			assert.Equal(t, tt.wantLast, stored.LastPhase)
			assert.NotNil(t, stored.CompletedAt)
			assert.Contains(t, stored.ErrorMessage, string(tt.failAt)+": ")
		})
	}
}

// failingBlobs rejects every write to one area.
type failingBlobs struct {
	*storage.MemoryStore
	area storage.Area
}

func (b *failingBlobs) Write(ctx context.Context, p string, area storage.Area, data []byte) (storage.WriteResult, error) {
	if area == b.area {
		return storage.WriteResult{}, errors.New("bucket unavailable")
	}
	return b.MemoryStore.Write(ctx, p, area, data)
}

func TestExecuteRun_OutputFailureKeepsFacts(t *testing.T) {
	store := repository.NewMemoryStore()
	blobs := &failingBlobs{MemoryStore: storage.NewMemoryStore(), area: storage.AreaOutputs}
	blobs.Put(storage.AreaInputs, "tapes/tape.csv", scenarioTape())
	coord := newTestCoordinator(store, blobs)
	ctx := context.Background()

	run, err := coord.ExecuteRun(ctx, RunConfig{})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeOutputFailed, apperrors.CodeOf(err))
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Equal(t, domain.PhaseDisposition, run.LastPhase)
	assert.Empty(t, run.OutputLocation)

	facts, err := store.ListFacts(ctx, run.RunID, domain.FactFilter{})
	require.NoError(t, err)
	assert.Len(t, facts, 3)
}

func TestExecuteRun_ArchiveFailure(t *testing.T) {
	store := repository.NewMemoryStore()
	blobs := &failingBlobs{MemoryStore: storage.NewMemoryStore(), area: storage.AreaArchive}
	blobs.Put(storage.AreaInputs, "tapes/tape.csv", scenarioTape())
	coord := newTestCoordinator(store, blobs)

	run, err := coord.ExecuteRun(context.Background(), RunConfig{})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeArchiveFailed, apperrors.CodeOf(err))
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Equal(t, domain.PhaseOutput, run.LastPhase)
	assert.Equal(t, "outputs/run-1", run.OutputLocation)
}

func TestExecuteRun_InputFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	run, err := h.coord.ExecuteRun(ctx, RunConfig{Folder: "missing"})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeTapeNotFound, apperrors.CodeOf(err))

	var perr *PhaseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, domain.PhaseIngest, perr.Phase)
	assert.Equal(t, domain.Phase(""), run.LastPhase)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Equal(t, "missing", run.InputFolder)

	n, err := h.store.CountExceptions(ctx, run.RunID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExecuteRun_Cancelled(t *testing.T) {
	h := newHarness(t)
	h.blobs.Put(storage.AreaInputs, "tapes/tape.csv", scenarioTape())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := h.coord.ExecuteRun(ctx, RunConfig{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, apperrors.CodeRunCancelled, apperrors.CodeOf(err))

	stored, err := h.store.GetRun(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, stored.Status)
	assert.Equal(t, domain.Phase(""), stored.LastPhase)
}

func TestExecuteRun_InvalidRequest(t *testing.T) {
	tests := []struct {
		name string
		cfg  RunConfig
		code string
	}{
		{"bad pdate", RunConfig{PDate: "15/01/2025"}, apperrors.CodeInvalidRunRequest},
		{"escaping folder", RunConfig{Folder: "../secrets"}, apperrors.CodeStoragePathForbidden},
		{"nan irr target", RunConfig{IRRTarget: irr(math.NaN())}, apperrors.CodeInvalidRunRequest},
		{"infinite irr target", RunConfig{IRRTarget: irr(math.Inf(1))}, apperrors.CodeInvalidRunRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			run, err := h.coord.ExecuteRun(context.Background(), tt.cfg)
			require.Error(t, err)
			assert.Nil(t, run)
			assert.Equal(t, tt.code, apperrors.CodeOf(err))

			runs, err := h.store.ListRuns(context.Background(), 0)
			require.NoError(t, err)
			assert.Empty(t, runs)
		})
	}
}

func TestPhaseError(t *testing.T) {
	cause := errors.New("boom")
	err := &PhaseError{RunID: "r1", Phase: domain.PhaseOutput, LastPhase: domain.PhaseDisposition, Err: cause}
	assert.Equal(t, "run r1 failed in phase output (last completed: disposition): boom", err.Error())
	assert.True(t, errors.Is(err, cause))

	first := &PhaseError{RunID: "r1", Phase: domain.PhaseIngest, Err: cause}
	assert.Contains(t, first.Error(), "last completed: none")
}
