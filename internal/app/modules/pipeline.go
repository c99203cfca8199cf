package modules

import (
	"context"

	"github.com/riverqueue/river"
	"github.com/shopspring/decimal"

	"loanmvp.io/pipeline/internal/api/handlers"
	"loanmvp.io/pipeline/internal/config"
	"loanmvp.io/pipeline/internal/jobs"
	"loanmvp.io/pipeline/internal/pipeline"
	"loanmvp.io/pipeline/internal/storage"
	"loanmvp.io/pipeline/internal/usecase"
)

// PipelineModule wires the run coordinator, its River worker and the
// RunPipeline use case.
type PipelineModule struct {
	infra       *Infrastructure
	coordinator *pipeline.Coordinator
}

// Settings converts the pipeline config section to engine settings.
func Settings(cfg config.PipelineConfig) pipeline.Settings {
	return pipeline.Settings{
		IRRTarget:         decimal.NewFromFloat(cfg.IRRTarget),
		DefaultFolder:     cfg.DefaultInputFolder,
		ParallelThreshold: cfg.ParallelThreshold,
	}
}

// NewPipelineModule creates the module with explicit constructor wiring.
func NewPipelineModule(infra *Infrastructure) *PipelineModule {
	opts := []pipeline.Option{}
	if infra.Pools != nil {
		opts = append(opts,
			pipeline.WithPool(infra.Pools.Rules),
			pipeline.WithIOPool(infra.Pools.General),
		)
	}
	coord := pipeline.NewCoordinator(infra.Store, infra.Blobs, Settings(infra.Config.Pipeline), opts...)
	return &PipelineModule{infra: infra, coordinator: coord}
}

// Coordinator exposes the run coordinator for the CLI.
func (m *PipelineModule) Coordinator() *pipeline.Coordinator { return m.coordinator }

// UseCase builds the RunPipeline use case. Enqueueing is available only
// once the River client exists.
func (m *PipelineModule) UseCase() *usecase.RunPipelineUseCase {
	var queue usecase.JobInserter
	if m.infra.RiverClient != nil {
		queue = m.infra.RiverClient
	}
	return usecase.NewRunPipelineUseCase(m.coordinator, m.infra.Store, queue)
}

func (m *PipelineModule) Name() string { return "pipeline" }

func (m *PipelineModule) ContributeServerDeps(deps *handlers.ServerDeps) {
	if deps == nil {
		return
	}
	deps.Runs = m.UseCase()
	if deps.HealthChecks == nil {
		deps.HealthChecks = map[string]handlers.HealthCheck{}
	}
	blobs := m.infra.Blobs
	deps.HealthChecks["storage"] = func(ctx context.Context) error {
		_, err := blobs.ListFiles(ctx, m.infra.Config.Pipeline.DefaultInputFolder, storage.AreaInputs)
		return err
	}
	if m.infra.Pools != nil {
		deps.PoolMetrics = m.infra.Pools.Metrics
	}
	if m.infra.DB != nil {
		pool := m.infra.DB.Pool
		deps.HealthChecks["database"] = func(ctx context.Context) error { return pool.Ping(ctx) }
	}
}

func (m *PipelineModule) RegisterWorkers(workers *river.Workers) {
	if workers == nil || m == nil {
		return
	}
	river.AddWorker(workers, jobs.NewPipelineRunWorker(m.coordinator, 0))
}

func (m *PipelineModule) Shutdown(context.Context) error { return nil }
