package handlers

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"loanmvp.io/pipeline/internal/pkg/worker"
)

// Health status values.
const (
	HealthStatusOk       = "ok"
	HealthStatusDegraded = "degraded"
)

// Health is the body of both health endpoints.
type Health struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	// Pools is only reported by readiness.
	Pools map[string]worker.PoolStats `json:"pools,omitempty"`
}

// GetLiveness handles GET /health/live.
func (s *Server) GetLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, Health{Status: HealthStatusOk})
}

// GetReadiness handles GET /health/ready.
func (s *Server) GetReadiness(c *gin.Context) {
	checks := make(map[string]string, len(s.checks))
	allHealthy := true

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := s.checks[name](c.Request.Context()); err != nil {
			checks[name] = "error"
			allHealthy = false
		} else {
			checks[name] = "ok"
		}
	}

	status := HealthStatusOk
	httpStatus := http.StatusOK
	if !allHealthy {
		status = HealthStatusDegraded
		httpStatus = http.StatusServiceUnavailable
	}

	health := Health{
		Status: status,
		Checks: checks,
	}
	if s.poolMetrics != nil {
		health.Pools = s.poolMetrics()
	}
	c.JSON(httpStatus, health)
}
