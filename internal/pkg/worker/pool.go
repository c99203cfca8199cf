// Package worker provides goroutine pool management.
//
// Naked goroutines are avoided: concurrent work goes through a Pool so that
// panics are recovered and capacity is bounded.
//
// Import Path: loanmvp.io/pipeline/internal/pkg/worker
package worker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"loanmvp.io/pipeline/internal/pkg/logger"
)

// ErrPoolClosed is returned when submitting to a closed pool.
var ErrPoolClosed = errors.New("worker pool is closed")

// Pool wraps ants.Pool with a fan-out helper.
type Pool struct {
	pool *ants.Pool
	name string
}

// Pools is the Worker pool collection.
type Pools struct {
	// General runs archive copies.
	General *Pool
	// Rules evaluates record-scoped rule sets in parallel.
	Rules *Pool
}

// PoolConfig contains Worker Pool configuration.
type PoolConfig struct {
	GeneralPoolSize int
	RulesPoolSize   int
}

// DefaultPoolConfig returns default configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		GeneralPoolSize: 16,
		RulesPoolSize:   8,
	}
}

// NewPools creates Worker pool collection.
func NewPools(cfg PoolConfig) (*Pools, error) {
	panicHandler := func(p interface{}) {
		logger.Error("Worker panic recovered",
			zap.Any("panic", p),
			zap.Stack("stack"),
		)
	}

	generalAnts, err := ants.NewPool(cfg.GeneralPoolSize,
		ants.WithPanicHandler(panicHandler),
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create general pool: %w", err)
	}

	rulesAnts, err := ants.NewPool(cfg.RulesPoolSize,
		ants.WithPanicHandler(panicHandler),
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(5*time.Second),
	)
	if err != nil {
		generalAnts.Release()
		return nil, fmt.Errorf("create rules pool: %w", err)
	}

	return &Pools{
		General: &Pool{pool: generalAnts, name: "general"},
		Rules:   &Pool{pool: rulesAnts, name: "rules"},
	}, nil
}

// ForEach runs fn(i) for every i in [0, n) on the pool and waits for all of
// them. Every index runs exactly once and is not cancellable.
// A panicking fn is reported as an error for that index.
func (p *Pool) ForEach(n int, fn func(i int)) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	setErr := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	for i := 0; i < n; i++ {
		idx := i
		wg.Add(1)
		err := p.pool.Submit(func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					setErr(fmt.Errorf("%s pool: task %d panicked: %v", p.name, idx, r))
				}
			}()
			fn(idx)
		})
		if err != nil {
			wg.Done()
			if errors.Is(err, ants.ErrPoolClosed) {
				err = ErrPoolClosed
			}
			setErr(fmt.Errorf("%s pool: submit task %d: %w", p.name, idx, err))
			break
		}
	}

	wg.Wait()
	return firstErr
}

// Shutdown releases both pools, waiting up to 30s for running tasks.
func (p *Pools) Shutdown() {
	const shutdownTimeout = 30 * time.Second
	if err := p.General.pool.ReleaseTimeout(shutdownTimeout); err != nil {
		logger.Warn("General pool shutdown timeout", zap.Error(err))
	}
	if err := p.Rules.pool.ReleaseTimeout(shutdownTimeout); err != nil {
		logger.Warn("Rules pool shutdown timeout", zap.Error(err))
	}
}

// PoolStats is a point-in-time view of one pool's capacity.
type PoolStats struct {
	Running int `json:"running"`
	Free    int `json:"free"`
	Cap     int `json:"cap"`
}

// Stats reports the pool's current capacity.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Running: p.pool.Running(),
		Free:    p.pool.Free(),
		Cap:     p.pool.Cap(),
	}
}

// Metrics returns stats for every pool keyed by pool name.
func (p *Pools) Metrics() map[string]PoolStats {
	return map[string]PoolStats{
		p.General.name: p.General.Stats(),
		p.Rules.name:   p.Rules.Stats(),
	}
}
