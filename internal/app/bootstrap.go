// Package app is the composition root. Bootstrap only orchestrates; wiring
// lives in modules.
package app

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/riverqueue/river"

	"loanmvp.io/pipeline/internal/api/handlers"
	"loanmvp.io/pipeline/internal/app/modules"
	"loanmvp.io/pipeline/internal/config"
)

// Application holds composed application dependencies.
type Application struct {
	Config   *config.Config
	Router   *gin.Engine
	Infra    *modules.Infrastructure
	Pipeline *modules.PipelineModule
	Modules  []modules.Module
}

// Bootstrap initializes all dependencies using module-oriented manual DI.
func Bootstrap(ctx context.Context, cfg *config.Config) (*Application, error) {
	infra, err := modules.NewInfrastructure(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init infrastructure: %w", err)
	}

	pipelineModule := modules.NewPipelineModule(infra)
	allModules := []modules.Module{pipelineModule}

	workers := river.NewWorkers()
	for _, mod := range allModules {
		mod.RegisterWorkers(workers)
	}
	if err := infra.InitRiver(workers); err != nil {
		infra.Close()
		return nil, fmt.Errorf("init river workers: %w", err)
	}

	server := handlers.NewServer(modules.NewServerDeps(allModules))

	return &Application{
		Config:   cfg,
		Router:   newRouter(cfg, server),
		Infra:    infra,
		Pipeline: pipelineModule,
		Modules:  allModules,
	}, nil
}
