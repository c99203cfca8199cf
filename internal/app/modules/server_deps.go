package modules

import (
	"loanmvp.io/pipeline/internal/api/handlers"
)

// NewServerDeps builds base server deps then lets each module contribute explicit wiring.
func NewServerDeps(mods []Module) handlers.ServerDeps {
	deps := handlers.ServerDeps{
		HealthChecks: map[string]handlers.HealthCheck{},
	}
	for _, mod := range mods {
		if mod == nil {
			continue
		}
		mod.ContributeServerDeps(&deps)
	}
	return deps
}
