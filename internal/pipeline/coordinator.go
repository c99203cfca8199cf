package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"loanmvp.io/pipeline/internal/domain"
	apperrors "loanmvp.io/pipeline/internal/pkg/errors"
	"loanmvp.io/pipeline/internal/pkg/logger"
	"loanmvp.io/pipeline/internal/pkg/worker"
	"loanmvp.io/pipeline/internal/report"
	"loanmvp.io/pipeline/internal/repository"
	"loanmvp.io/pipeline/internal/rules"
	"loanmvp.io/pipeline/internal/storage"
)

// Coordinator drives runs through the phases and owns their lifecycle.
type Coordinator struct {
	store    repository.RunStore
	blobs    storage.Store
	settings Settings
	rules    rules.Set
	pool     *worker.Pool
	ioPool   *worker.Pool
	now      func() time.Time
	newID    func() string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRules replaces the default eligibility rule set.
func WithRules(set rules.Set) Option {
	return func(c *Coordinator) { c.rules = set }
}

// WithPool evaluates large batches on pool.
func WithPool(pool *worker.Pool) Option {
	return func(c *Coordinator) { c.pool = pool }
}

// WithIOPool runs archive copies on pool.
func WithIOPool(pool *worker.Pool) Option {
	return func(c *Coordinator) { c.ioPool = pool }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithIDGenerator overrides run ID generation.
func WithIDGenerator(newID func() string) Option {
	return func(c *Coordinator) { c.newID = newID }
}

// NewCoordinator creates a coordinator over the given stores.
func NewCoordinator(store repository.RunStore, blobs storage.Store, settings Settings, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    store,
		blobs:    blobs,
		settings: settings,
		rules:    rules.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    newRunID,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// execution is the in-memory state threaded through one run's phases.
type execution struct {
	run     *domain.PipelineRun
	log     *zap.Logger
	records []domain.LoanRecord
	states  []RecordProcessingState
}

// phaseResult is what a phase hands to the store.
type phaseResult struct {
	exceptions []domain.RunException
	facts      []domain.LoanFact
}

type phaseFunc func(ctx context.Context, ex *execution) (phaseResult, error)

// ExecuteRun creates a run and drives it through every phase. The returned
// run is nil only when the request is invalid or the run record could not
// be created. A failed run is returned together with a *PhaseError.
func (c *Coordinator) ExecuteRun(ctx context.Context, cfg RunConfig) (*domain.PipelineRun, error) {
	pdate, irr, folder, err := c.resolve(cfg)
	if err != nil {
		return nil, err
	}

	run := domain.NewPipelineRun(c.newID(), pdate, irr, folder, c.now())
	if err := c.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	log := logger.ForRun(run.RunID)

	if err := run.Start(c.now()); err != nil {
		return run, err
	}
	if err := c.store.UpdateRun(ctx, run); err != nil {
		return c.fail(ctx, log, run, domain.PhaseIngest, err)
	}
	log.Info("Pipeline run started",
		zap.String("pdate", run.PDate),
		zap.String("irr_target", run.IRRTarget.String()),
		zap.String("folder", run.InputFolder),
	)

	ex := &execution{run: run, log: log}
	steps := map[domain.Phase]phaseFunc{
		domain.PhaseIngest:      c.ingest,
		domain.PhaseValidate:    c.validate,
		domain.PhaseEligibility: c.eligibility,
		domain.PhasePricing:     c.pricing,
		domain.PhaseDisposition: c.disposition,
		domain.PhaseOutput:      c.output,
		domain.PhaseArchive:     c.archive,
	}
	for phase := run.NextPhase(); phase != ""; phase = run.NextPhase() {
		if err := ctx.Err(); err != nil {
			return c.fail(ctx, log, run, phase,
				apperrors.Wrap(err, apperrors.CodeRunCancelled, "pipeline run cancelled", http.StatusConflict))
		}
		fn, ok := steps[phase]
		if !ok {
			return c.fail(ctx, log, run, phase, fmt.Errorf("no step registered for phase %s", phase))
		}
		if err := c.runPhase(ctx, ex, phase, fn); err != nil {
			return c.fail(ctx, log, run, phase, err)
		}
	}

	log.Info("Pipeline run completed",
		zap.Int("total_records", run.TotalRecords),
		zap.Int("exceptions", run.ExceptionCount),
		zap.Int("to_purchase", run.PurchaseCount),
		zap.Int("projected", run.ProjectedCount),
		zap.Int("rejected", run.RejectedCount),
		zap.Duration("duration", run.CompletedAt.Sub(*run.StartedAt)),
	)
	return run, nil
}

// runPhase executes one phase and commits its result together with the
// advanced run. On any error the in-memory run is restored so it keeps
// matching what the store holds.
func (c *Coordinator) runPhase(ctx context.Context, ex *execution, phase domain.Phase, fn phaseFunc) (err error) {
	before := ex.run.Clone()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("phase %s panicked: %v", phase, r)
		}
		if err != nil {
			*ex.run = *before
		}
	}()

	started := time.Now()
	res, err := fn(ctx, ex)
	if err != nil {
		return err
	}

	ex.run.ExceptionCount += len(res.exceptions)
	if err := ex.run.CommitPhase(phase); err != nil {
		return err
	}
	if phase == domain.PhaseArchive {
		if err := ex.run.Complete(c.now()); err != nil {
			return err
		}
	}
	if err := c.store.CommitPhase(ctx, repository.PhaseCommit{
		Run:        ex.run,
		Exceptions: res.exceptions,
		Facts:      res.facts,
	}); err != nil {
		if _, ok := apperrors.IsAppError(err); ok {
			return err
		}
		return apperrors.ErrPersistencef("commit "+string(phase), err)
	}

	ex.log.Info("Pipeline phase completed",
		logger.Phase(string(phase)),
		zap.Int("exceptions", len(res.exceptions)),
		zap.Int("facts", len(res.facts)),
		zap.Duration("duration", time.Since(started)),
	)
	return nil
}

// fail marks the run failed. The status write ignores cancellation.
func (c *Coordinator) fail(ctx context.Context, log *zap.Logger, run *domain.PipelineRun, phase domain.Phase, cause error) (*domain.PipelineRun, error) {
	if _, ok := apperrors.IsAppError(cause); !ok {
		cause = apperrors.Wrap(cause, apperrors.CodePhaseFailed, fmt.Sprintf("phase %s failed", phase), http.StatusInternalServerError)
	}
	perr := &PhaseError{RunID: run.RunID, Phase: phase, LastPhase: run.LastPhase, Err: cause}

	run.Fail(fmt.Errorf("%s: %w", phase, cause), c.now())
	if err := c.store.UpdateRun(context.WithoutCancel(ctx), run); err != nil {
		log.Error("Failed to persist run failure",
			logger.Phase(string(phase)),
			zap.String("last_phase", string(run.LastPhase)),
			zap.Error(err),
		)
	}
	log.Error("Pipeline run failed",
		logger.Phase(string(phase)),
		zap.String("last_phase", string(run.LastPhase)),
		zap.String("code", apperrors.CodeOf(cause)),
		zap.Error(cause),
	)
	return run, perr
}

func (c *Coordinator) resolve(cfg RunConfig) (pdate string, irr decimal.Decimal, folder string, err error) {
	if err = cfg.Validate(); err != nil {
		return "", decimal.Zero, "", err
	}
	pdate = cfg.PDate
	if pdate == "" {
		pdate = c.now().UTC().Format(PDateLayout)
	}

	irr = c.settings.IRRTarget
	if cfg.IRRTarget != nil {
		irr = decimal.NewFromFloat(*cfg.IRRTarget)
	}

	folder = cfg.Folder
	if folder == "" {
		folder = c.settings.DefaultFolder
	}
	if folder, err = storage.CleanPath(folder, storage.AreaInputs); err != nil {
		return "", decimal.Zero, "", err
	}
	return pdate, irr, folder, nil
}

func (c *Coordinator) ingest(ctx context.Context, ex *execution) (phaseResult, error) {
	res, err := Ingest(ctx, c.blobs, ex.run.InputFolder, ex.log)
	if err != nil {
		return phaseResult{}, err
	}
	ex.records = res.Records
	ex.run.InputFiles = res.Files
	ex.run.TotalRecords = len(res.Records)
	ex.run.TotalBalance = res.TotalBalance
	return phaseResult{}, nil
}

func (c *Coordinator) validate(_ context.Context, ex *execution) (phaseResult, error) {
	states, excs := Validate(ex.run.RunID, ex.records, c.now())
	ex.states = states
	return phaseResult{exceptions: excs}, nil
}

func (c *Coordinator) eligibility(_ context.Context, ex *execution) (phaseResult, error) {
	excs, err := Eligibility(ex.run.RunID, ex.records, ex.states, EligibilityOptions{
		Rules:             c.rules,
		Pool:              c.pool,
		ParallelThreshold: c.settings.ParallelThreshold,
	}, c.now())
	if err != nil {
		return phaseResult{}, err
	}
	return phaseResult{exceptions: excs}, nil
}

func (c *Coordinator) pricing(_ context.Context, ex *execution) (phaseResult, error) {
	priced := Pricing(ex.records, ex.states, ex.run.IRRTarget)
	ex.log.Debug("Records priced", zap.Int("priced", priced))
	return phaseResult{}, nil
}

func (c *Coordinator) disposition(_ context.Context, ex *execution) (phaseResult, error) {
	facts, counts := Disposition(ex.run.RunID, ex.records, ex.states, c.now())
	ex.run.PurchaseCount = counts.ToPurchase
	ex.run.ProjectedCount = counts.Projected
	ex.run.RejectedCount = counts.Rejected
	return phaseResult{facts: facts}, nil
}

// output renders from the committed facts and exceptions.
func (c *Coordinator) output(ctx context.Context, ex *execution) (phaseResult, error) {
	runID := ex.run.RunID
	facts, err := c.store.ListFacts(ctx, runID, domain.FactFilter{})
	if err != nil {
		return phaseResult{}, err
	}
	excs, err := c.store.ListExceptions(ctx, runID, domain.ExceptionFilter{})
	if err != nil {
		return phaseResult{}, err
	}
	if _, err := report.GenerateOutputs(ctx, c.blobs, runID, facts, excs); err != nil {
		return phaseResult{}, apperrors.Wrap(err, apperrors.CodeOutputFailed, "write run outputs", http.StatusInternalServerError)
	}
	ex.run.OutputLocation = storage.Join(string(storage.AreaOutputs), report.OutputDir(runID))
	return phaseResult{}, nil
}

func (c *Coordinator) archive(ctx context.Context, ex *execution) (phaseResult, error) {
	m, err := Archive(ctx, c.blobs, ex.run, c.now(), c.ioPool)
	if err != nil {
		return phaseResult{}, apperrors.Wrap(err, apperrors.CodeArchiveFailed, "archive run artifacts", http.StatusInternalServerError)
	}
	ex.log.Debug("Run archived", zap.Int("files", len(m.Files)))
	return phaseResult{}, nil
}
