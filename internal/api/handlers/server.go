// Package handlers implements the pipeline HTTP API. Handlers are thin
// adapters over the RunPipeline use case.
//
// Import Path: loanmvp.io/pipeline/internal/api/handlers
package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"loanmvp.io/pipeline/internal/domain"
	"loanmvp.io/pipeline/internal/pipeline"
	"loanmvp.io/pipeline/internal/pkg/worker"
	"loanmvp.io/pipeline/internal/usecase"
)

// RunService is the use case surface the handlers depend on.
// *usecase.RunPipelineUseCase satisfies it.
type RunService interface {
	Execute(ctx context.Context, cfg pipeline.RunConfig) (*domain.PipelineRun, error)
	Enqueue(ctx context.Context, cfg pipeline.RunConfig) (*usecase.EnqueuedRun, error)
	GetRun(ctx context.Context, runID string) (*domain.PipelineRun, error)
	ListRuns(ctx context.Context, limit int) ([]*domain.PipelineRun, error)
	ListExceptions(ctx context.Context, runID string, filter domain.ExceptionFilter) ([]domain.RunException, error)
	ListFacts(ctx context.Context, runID string, filter domain.FactFilter) ([]domain.LoanFact, error)
}

// HealthCheck probes one dependency for the readiness endpoint.
type HealthCheck func(ctx context.Context) error

// Server holds the handler dependencies.
type Server struct {
	runs        RunService
	checks      map[string]HealthCheck
	poolMetrics func() map[string]worker.PoolStats
}

// ServerDeps holds all dependencies for creating a Server.
type ServerDeps struct {
	Runs RunService
	// HealthChecks are keyed by the name reported under "checks".
	HealthChecks map[string]HealthCheck
	// PoolMetrics reports worker pool capacity on the readiness endpoint.
	PoolMetrics func() map[string]worker.PoolStats
}

// NewServer creates a new Server with all dependencies.
func NewServer(deps ServerDeps) *Server {
	checks := deps.HealthChecks
	if checks == nil {
		checks = map[string]HealthCheck{}
	}
	return &Server{runs: deps.Runs, checks: checks, poolMetrics: deps.PoolMetrics}
}

// RegisterRoutes mounts every endpoint under rg (normally /api/v1).
func (s *Server) RegisterRoutes(rg *gin.RouterGroup) {
	health := rg.Group("/health")
	health.GET("/live", s.GetLiveness)
	health.GET("/ready", s.GetReadiness)

	runs := rg.Group("/runs")
	runs.POST("", s.CreateRun)
	runs.POST("/async", s.EnqueueRun)
	runs.GET("", s.ListRuns)
	runs.GET("/:run_id", s.GetRun)
	runs.GET("/:run_id/exceptions", s.ListRunExceptions)
	runs.GET("/:run_id/facts", s.ListRunFacts)
}
