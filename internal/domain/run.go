package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RunStatus is the lifecycle status of a pipeline run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Phase names one pipeline stage.
type Phase string

const (
	PhaseIngest      Phase = "ingest"
	PhaseValidate    Phase = "validate"
	PhaseEligibility Phase = "eligibility"
	PhasePricing     Phase = "pricing"
	PhaseDisposition Phase = "disposition"
	PhaseOutput      Phase = "output"
	PhaseArchive     Phase = "archive"
)

// Phases returns the fixed, total phase order.
func Phases() []Phase {
	return []Phase{
		PhaseIngest,
		PhaseValidate,
		PhaseEligibility,
		PhasePricing,
		PhaseDisposition,
		PhaseOutput,
		PhaseArchive,
	}
}

// Index returns the phase's position in the order, or -1.
func (p Phase) Index() int {
	for i, q := range Phases() {
		if q == p {
			return i
		}
	}
	return -1
}

// ErrInvalidTransition is returned when a run is moved out of order.
var ErrInvalidTransition = errors.New("invalid run transition")

// PipelineRun is the lifecycle aggregate for one run.
type PipelineRun struct {
	RunID          string          `json:"run_id"`
	Status         RunStatus       `json:"status"`
	PDate          string          `json:"pdate"`
	IRRTarget      decimal.Decimal `json:"irr_target"`
	InputFolder    string          `json:"input_folder"`
	InputFiles     []string        `json:"input_files"`
	TotalRecords   int             `json:"total_records"`
	TotalBalance   decimal.Decimal `json:"total_balance"`
	ExceptionCount int             `json:"exception_count"`
	PurchaseCount  int             `json:"purchase_count"`
	ProjectedCount int             `json:"projected_count"`
	RejectedCount  int             `json:"rejected_count"`
	// LastPhase is the last phase whose writes were durably committed; empty
	// until ingest commits.
	LastPhase      Phase      `json:"last_phase"`
	OutputLocation string     `json:"output_location"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// NewPipelineRun creates a pending run.
func NewPipelineRun(runID, pdate string, irrTarget decimal.Decimal, folder string, now time.Time) *PipelineRun {
	return &PipelineRun{
		RunID:        runID,
		Status:       RunStatusPending,
		PDate:        pdate,
		IRRTarget:    irrTarget,
		InputFolder:  folder,
		TotalBalance: decimal.Zero,
		CreatedAt:    now,
	}
}

// Start moves a pending run to running.
func (r *PipelineRun) Start(now time.Time) error {
	if r.Status != RunStatusPending {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, r.Status)
	}
	r.Status = RunStatusRunning
	r.StartedAt = &now
	return nil
}

// CommitPhase records that phase p finished and its writes are durable.
// Phases must commit in order.
func (r *PipelineRun) CommitPhase(p Phase) error {
	if r.Status != RunStatusRunning {
		return fmt.Errorf("%w: commit %s while %s", ErrInvalidTransition, p, r.Status)
	}
	if p.Index() != r.LastPhase.Index()+1 {
		return fmt.Errorf("%w: commit %s after %q", ErrInvalidTransition, p, r.LastPhase)
	}
	r.LastPhase = p
	return nil
}

// NextPhase returns the phase that runs after LastPhase, or "" when done.
func (r *PipelineRun) NextPhase() Phase {
	phases := Phases()
	next := r.LastPhase.Index() + 1
	if next >= len(phases) {
		return ""
	}
	return phases[next]
}

// Complete marks a run whose archive phase committed.
func (r *PipelineRun) Complete(now time.Time) error {
	if r.Status != RunStatusRunning || r.LastPhase != PhaseArchive {
		return fmt.Errorf("%w: complete from %s at %q", ErrInvalidTransition, r.Status, r.LastPhase)
	}
	r.Status = RunStatusCompleted
	r.CompletedAt = &now
	return nil
}

// Fail marks the run failed. LastPhase is left untouched and a run that
// already reached a terminal status is not changed.
func (r *PipelineRun) Fail(cause error, now time.Time) {
	if r.Status.IsTerminal() {
		return
	}
	r.Status = RunStatusFailed
	r.CompletedAt = &now
	if cause != nil {
		r.ErrorMessage = cause.Error()
	}
}

// Clone returns a deep copy.
func (r *PipelineRun) Clone() *PipelineRun {
	if r == nil {
		return nil
	}
	out := *r
	out.InputFiles = append([]string(nil), r.InputFiles...)
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// DispositionTotal is the number of records that received a disposition.
func (r *PipelineRun) DispositionTotal() int {
	return r.PurchaseCount + r.ProjectedCount + r.RejectedCount
}
