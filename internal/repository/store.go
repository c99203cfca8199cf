// Package repository persists pipeline runs, their exception ledger and
// loan facts. Exceptions and facts are append-only.
//
// Import Path: loanmvp.io/pipeline/internal/repository
package repository

import (
	"context"

	"loanmvp.io/pipeline/internal/domain"
)

// RunStore is the run record store contract.
type RunStore interface {
	CreateRun(ctx context.Context, run *domain.PipelineRun) error
	UpdateRun(ctx context.Context, run *domain.PipelineRun) error
	GetRun(ctx context.Context, runID string) (*domain.PipelineRun, error)
	// ListRuns returns the most recent runs first.
	ListRuns(ctx context.Context, limit int) ([]*domain.PipelineRun, error)

	AppendExceptions(ctx context.Context, runID string, exceptions []domain.RunException) error
	AppendFacts(ctx context.Context, runID string, facts []domain.LoanFact) error
	// ListExceptions and ListFacts return rows in insertion order.
	ListExceptions(ctx context.Context, runID string, filter domain.ExceptionFilter) ([]domain.RunException, error)
	ListFacts(ctx context.Context, runID string, filter domain.FactFilter) ([]domain.LoanFact, error)
	CountExceptions(ctx context.Context, runID string) (int, error)

	// CommitPhase appends a phase's exceptions and facts and updates the run
	// in a single transaction.
	CommitPhase(ctx context.Context, commit PhaseCommit) error
}

// PhaseCommit is everything one phase persists.
type PhaseCommit struct {
	Run        *domain.PipelineRun
	Exceptions []domain.RunException
	Facts      []domain.LoanFact
}

// DefaultListLimit caps ListRuns when limit is non-positive.
const DefaultListLimit = 50
