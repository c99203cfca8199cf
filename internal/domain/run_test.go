package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineRun_Lifecycle(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	run := NewPipelineRun("run-1", "2026-03-02", decimal.RequireFromString("8.05"), "tapes", now)
	require.Equal(t, RunStatusPending, run.Status)
	require.Equal(t, PhaseIngest, run.NextPhase())

	require.NoError(t, run.Start(now))
	for _, p := range Phases() {
		require.NoError(t, run.CommitPhase(p), "commit %s", p)
	}
	assert.Equal(t, Phase(""), run.NextPhase())
	require.NoError(t, run.Complete(now.Add(time.Minute)))

	assert.Equal(t, RunStatusCompleted, run.Status)
	assert.True(t, run.Status.IsTerminal())
	require.NotNil(t, run.CompletedAt)
	assert.Equal(t, now.Add(time.Minute), *run.CompletedAt)
}

func TestPipelineRun_CommitOutOfOrder(t *testing.T) {
	now := time.Now()
	run := NewPipelineRun("run-1", "2026-03-02", decimal.Zero, "", now)

	err := run.CommitPhase(PhaseIngest)
	assert.True(t, errors.Is(err, ErrInvalidTransition), "commit before start")

	require.NoError(t, run.Start(now))
	err = run.CommitPhase(PhaseValidate)
	assert.True(t, errors.Is(err, ErrInvalidTransition), "skip ingest")

	require.NoError(t, run.CommitPhase(PhaseIngest))
	err = run.CommitPhase(PhaseIngest)
	assert.True(t, errors.Is(err, ErrInvalidTransition), "repeat ingest")

	err = run.Complete(now)
	assert.True(t, errors.Is(err, ErrInvalidTransition), "complete before archive")
}

func TestPipelineRun_FailKeepsLastPhase(t *testing.T) {
	now := time.Now()
	run := NewPipelineRun("run-1", "2026-03-02", decimal.Zero, "", now)
	require.NoError(t, run.Start(now))
	require.NoError(t, run.CommitPhase(PhaseIngest))
	require.NoError(t, run.CommitPhase(PhaseValidate))

	run.Fail(errors.New("store down"), now)

	assert.Equal(t, RunStatusFailed, run.Status)
	assert.Equal(t, PhaseValidate, run.LastPhase)
	assert.Equal(t, "store down", run.ErrorMessage)
	assert.NotNil(t, run.CompletedAt)
}

func TestPipelineRun_FailIgnoresTerminalRun(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	run := NewPipelineRun("run-1", "2026-03-02", decimal.Zero, "", now)
	require.NoError(t, run.Start(now))
	for _, p := range Phases() {
		require.NoError(t, run.CommitPhase(p))
	}
	require.NoError(t, run.Complete(now))
	assert.False(t, RunStatusRunning.IsTerminal())

	run.Fail(errors.New("late error"), now.Add(time.Hour))

	assert.Equal(t, RunStatusCompleted, run.Status)
	assert.Empty(t, run.ErrorMessage)
	assert.Equal(t, now, *run.CompletedAt)
}

func TestPipelineRun_CloneIsDeep(t *testing.T) {
	now := time.Now()
	run := NewPipelineRun("run-1", "2026-03-02", decimal.Zero, "", now)
	run.InputFiles = []string{"tapes/a.csv"}
	require.NoError(t, run.Start(now))

	clone := run.Clone()
	clone.InputFiles[0] = "changed"
	*clone.StartedAt = now.Add(time.Hour)

	assert.Equal(t, "tapes/a.csv", run.InputFiles[0])
	assert.Equal(t, now, *run.StartedAt)
}

func TestLoanRecord_MissingFieldsAndClone(t *testing.T) {
	rec := LoanRecord{
		SellerLoanNumber: "L-1",
		LoanAmount:       Dec("200000"),
		CreditScore:      Int(700),
		Extra:            map[string]string{"servicer": "acme"},
	}

	assert.Equal(t,
		[]string{FieldNoteRate, FieldPropertyType},
		rec.MissingFields(FieldSellerLoanNumber, FieldLoanAmount, FieldNoteRate, FieldCreditScore, FieldPropertyType),
	)
	assert.True(t, rec.Has("servicer"))

	clone := rec.Clone()
	*clone.LoanAmount = decimal.NewFromInt(1)
	*clone.CreditScore = 500
	clone.Extra["servicer"] = "other"

	assert.True(t, rec.LoanAmount.Equal(decimal.NewFromInt(200000)))
	assert.Equal(t, 700, *rec.CreditScore)
	assert.Equal(t, "acme", rec.Extra["servicer"])
}

func TestExceptionFilter_Match(t *testing.T) {
	e := RunException{SellerLoanNumber: "L-1", Severity: SeverityHard, ExceptionType: "ltv_max", Phase: PhaseEligibility}

	assert.True(t, ExceptionFilter{}.Match(e))
	assert.True(t, ExceptionFilter{SellerLoanNumber: "L-1", Severity: SeverityHard}.Match(e))
	assert.False(t, ExceptionFilter{Severity: SeveritySoft}.Match(e))
	assert.False(t, ExceptionFilter{ExceptionType: "dti_max"}.Match(e))
	assert.False(t, ExceptionFilter{Phase: PhaseValidate}.Match(e))
}
