package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"loanmvp.io/pipeline/internal/domain"
	apperrors "loanmvp.io/pipeline/internal/pkg/errors"
)

// MemoryStore is an in-process RunStore for tests, the CLI and ephemeral
// deployments.
type MemoryStore struct {
	mu         sync.RWMutex
	runs       map[string]*domain.PipelineRun
	order      []string
	exceptions map[string][]domain.RunException
	facts      map[string][]domain.LoanFact
	factIndex  map[string]map[int]struct{}
	nextID     int64
}

// Compile-time contract assertion.
var _ RunStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:       make(map[string]*domain.PipelineRun),
		exceptions: make(map[string][]domain.RunException),
		facts:      make(map[string][]domain.LoanFact),
		factIndex:  make(map[string]map[int]struct{}),
	}
}

func (s *MemoryStore) CreateRun(_ context.Context, run *domain.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.RunID]; ok {
		return apperrors.Conflict(apperrors.CodePersistenceFailed, "run already exists").
			WithParams(map[string]interface{}{"run_id": run.RunID})
	}
	s.runs[run.RunID] = run.Clone()
	s.order = append(s.order, run.RunID)
	return nil
}

func (s *MemoryStore) UpdateRun(_ context.Context, run *domain.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateRunLocked(run)
}

func (s *MemoryStore) updateRunLocked(run *domain.PipelineRun) error {
	if _, ok := s.runs[run.RunID]; !ok {
		return apperrors.ErrRunNotFoundf(run.RunID)
	}
	s.runs[run.RunID] = run.Clone()
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, runID string) (*domain.PipelineRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, apperrors.ErrRunNotFoundf(runID)
	}
	return run.Clone(), nil
}

func (s *MemoryStore) ListRuns(_ context.Context, limit int) ([]*domain.PipelineRun, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.PipelineRun, 0, min(limit, len(s.order)))
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.runs[s.order[i]].Clone())
	}
	return out, nil
}

func (s *MemoryStore) AppendExceptions(_ context.Context, runID string, exceptions []domain.RunException) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendExceptionsLocked(runID, exceptions)
}

func (s *MemoryStore) appendExceptionsLocked(runID string, exceptions []domain.RunException) error {
	if _, ok := s.runs[runID]; !ok {
		return apperrors.ErrRunNotFoundf(runID)
	}
	for _, e := range exceptions {
		if e.RunID != runID {
			return fmt.Errorf("exception for run %q appended to run %q", e.RunID, runID)
		}
	}
	for _, e := range exceptions {
		s.nextID++
		e.ID = s.nextID
		s.exceptions[runID] = append(s.exceptions[runID], e)
	}
	return nil
}

func (s *MemoryStore) AppendFacts(_ context.Context, runID string, facts []domain.LoanFact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendFactsLocked(runID, facts)
}

func (s *MemoryStore) appendFactsLocked(runID string, facts []domain.LoanFact) error {
	if _, ok := s.runs[runID]; !ok {
		return apperrors.ErrRunNotFoundf(runID)
	}
	seen := s.factIndex[runID]
	if seen == nil {
		seen = make(map[int]struct{})
	}
	batch := make(map[int]struct{}, len(facts))
	for _, f := range facts {
		if f.RunID != runID {
			return fmt.Errorf("fact for run %q appended to run %q", f.RunID, runID)
		}
		_, dupStored := seen[f.RecordIndex]
		_, dupBatch := batch[f.RecordIndex]
		if dupStored || dupBatch {
			return fmt.Errorf("fact for record %d of run %q: %w", f.RecordIndex, runID, apperrors.ErrAlreadyExists)
		}
		batch[f.RecordIndex] = struct{}{}
	}
	for _, f := range facts {
		s.nextID++
		f.ID = s.nextID
		f.Record = f.Record.Clone()
		s.facts[runID] = append(s.facts[runID], f)
		seen[f.RecordIndex] = struct{}{}
	}
	s.factIndex[runID] = seen
	return nil
}

func (s *MemoryStore) ListExceptions(_ context.Context, runID string, filter domain.ExceptionFilter) ([]domain.RunException, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.RunException
	for _, e := range s.exceptions[runID] {
		if filter.Match(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListFacts(_ context.Context, runID string, filter domain.FactFilter) ([]domain.LoanFact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.LoanFact
	for _, f := range s.facts[runID] {
		if filter.Match(f) {
			f.Record = f.Record.Clone()
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CountExceptions(_ context.Context, runID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.exceptions[runID]), nil
}

// CommitPhase validates every part before mutating anything so a failed
// commit leaves the store untouched.
func (s *MemoryStore) CommitPhase(_ context.Context, commit PhaseCommit) error {
	if commit.Run == nil {
		return fmt.Errorf("commit phase: run is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	runID := commit.Run.RunID
	if _, ok := s.runs[runID]; !ok {
		return apperrors.ErrRunNotFoundf(runID)
	}

	excBackup := s.exceptions[runID]
	factBackup := s.facts[runID]
	idBackup := s.nextID
	indexBackup := make(map[int]struct{}, len(s.factIndex[runID]))
	for k := range s.factIndex[runID] {
		indexBackup[k] = struct{}{}
	}
	rollback := func() {
		s.exceptions[runID] = excBackup
		s.facts[runID] = factBackup
		s.nextID = idBackup
		s.factIndex[runID] = indexBackup
	}

	if err := s.appendExceptionsLocked(runID, commit.Exceptions); err != nil {
		rollback()
		return err
	}
	if err := s.appendFactsLocked(runID, commit.Facts); err != nil {
		rollback()
		return err
	}
	return s.updateRunLocked(commit.Run)
}
