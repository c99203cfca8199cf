package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"loanmvp.io/pipeline/internal/pkg/logger"
)

const defaultShutdownTimeout = 15 * time.Second

// Start begins consuming queued and scheduled pipeline runs. It is a no-op
// when async runs are disabled.
func (a *Application) Start(ctx context.Context) error {
	if a.Infra == nil || a.Infra.RiverClient == nil {
		logger.Info("Async runs disabled, no job consumer started")
		return nil
	}
	if err := a.Infra.RiverClient.Start(ctx); err != nil {
		return fmt.Errorf("start river client: %w", err)
	}
	logger.Info("River client started, pipeline run jobs will now be consumed")
	return nil
}

// Shutdown stops the job consumer, then the modules, then closes
// infrastructure. A run still executing when the timeout expires has its
// context cancelled and stops at the next phase boundary.
func (a *Application) Shutdown() {
	timeout := defaultShutdownTimeout
	if a.Config != nil && a.Config.Server.ShutdownTimeout > 0 {
		timeout = a.Config.Server.ShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.Infra != nil && a.Infra.RiverClient != nil {
		err := a.Infra.RiverClient.Stop(ctx)
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("River stop timed out, cancelling running jobs", zap.Duration("timeout", timeout))
			hardCtx, hardCancel := context.WithTimeout(context.Background(), timeout)
			err = a.Infra.RiverClient.StopAndCancel(hardCtx)
			hardCancel()
		}
		if err != nil {
			logger.Error("Failed to stop river client", zap.Error(err))
		} else {
			logger.Info("River client stopped")
		}
	}

	for _, mod := range a.Modules {
		if mod == nil {
			continue
		}
		if err := mod.Shutdown(ctx); err != nil {
			logger.Warn("Module shutdown returned error",
				zap.String("module", mod.Name()),
				zap.Error(err),
			)
		}
	}

	if a.Infra != nil {
		a.Infra.Close()
	}
}
