// Package pipeline runs a loan tape through the seven ordered phases:
// ingest, validate, eligibility, pricing, disposition, output and archive.
//
// Each phase commits its exceptions, facts and the run's progress marker
// before the next phase starts. A phase failure halts the run and leaves
// last_phase pointing at the last phase whose writes are durable.
//
// Import Path: loanmvp.io/pipeline/internal/pipeline
package pipeline

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"loanmvp.io/pipeline/internal/domain"
	apperrors "loanmvp.io/pipeline/internal/pkg/errors"
	"loanmvp.io/pipeline/internal/storage"
)

// PDateLayout is the wire format of a run's processing date.
const PDateLayout = "2006-01-02"

// RunConfig holds per-run parameters. Zero values fall back to Settings.
type RunConfig struct {
	// PDate defaults to today in UTC.
	PDate string `json:"pdate,omitempty"`
	// IRRTarget is a percentage, e.g. 8.05. nil uses the configured default.
	IRRTarget *float64 `json:"irr_target,omitempty"`
	// Folder inside the inputs area. Empty uses the configured default.
	Folder string `json:"folder,omitempty"`
}

// Validate checks the explicitly set parameters.
func (c RunConfig) Validate() error {
	if c.PDate != "" {
		if _, err := time.Parse(PDateLayout, c.PDate); err != nil {
			return apperrors.BadRequest(apperrors.CodeInvalidRunRequest,
				fmt.Sprintf("pdate %q is not a %s date", c.PDate, PDateLayout))
		}
	}
	if c.IRRTarget != nil && (math.IsNaN(*c.IRRTarget) || math.IsInf(*c.IRRTarget, 0)) {
		return apperrors.BadRequest(apperrors.CodeInvalidRunRequest, "irr_target must be a finite number")
	}
	if _, err := storage.CleanPath(c.Folder, storage.AreaInputs); err != nil {
		return err
	}
	return nil
}

// Settings are the engine-wide defaults.
type Settings struct {
	IRRTarget         decimal.Decimal
	DefaultFolder     string
	ParallelThreshold int
}

// DefaultSettings matches the shipped configuration defaults.
func DefaultSettings() Settings {
	return Settings{
		IRRTarget:         decimal.RequireFromString("8.05"),
		DefaultFolder:     "tapes",
		ParallelThreshold: 256,
	}
}

// RecordProcessingState carries per-record flags between phases. It is
// indexed like the record slice and is never persisted.
type RecordProcessingState struct {
	ValidationFailed bool
	Eligible         bool
}

// DispositionCounts tallies facts by disposition.
type DispositionCounts struct {
	ToPurchase int
	Projected  int
	Rejected   int
}

// PhaseError reports the phase a run failed in.
type PhaseError struct {
	RunID     string
	Phase     domain.Phase
	LastPhase domain.Phase
	Err       error
}

func (e *PhaseError) Error() string {
	last := string(e.LastPhase)
	if last == "" {
		last = "none"
	}
	return fmt.Sprintf("run %s failed in phase %s (last completed: %s): %v", e.RunID, e.Phase, last, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}
