package modules

import (
	"context"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"loanmvp.io/pipeline/internal/config"
	"loanmvp.io/pipeline/internal/infrastructure"
	"loanmvp.io/pipeline/internal/jobs"
	"loanmvp.io/pipeline/internal/pkg/logger"
	"loanmvp.io/pipeline/internal/pkg/worker"
	"loanmvp.io/pipeline/internal/repository"
	"loanmvp.io/pipeline/internal/storage"
)

// Infrastructure holds shared cross-cutting dependencies for all modules.
// It is a provider, not a Module.
type Infrastructure struct {
	Config *config.Config
	// DB is nil unless store.driver is postgres.
	DB    *infrastructure.DatabaseClients
	Pools *worker.Pools
	Blobs storage.Store
	Store repository.RunStore
	// RiverClient is nil unless asynchronous runs are enabled.
	RiverClient *river.Client[pgx.Tx]
}

// NewInfrastructure initializes pools, the blob store and the run store.
func NewInfrastructure(ctx context.Context, cfg *config.Config) (*Infrastructure, error) {
	infra := &Infrastructure{Config: cfg}

	pools, err := worker.NewPools(worker.PoolConfig{
		GeneralPoolSize: cfg.Worker.GeneralPoolSize,
		RulesPoolSize:   cfg.Worker.RulesPoolSize,
	})
	if err != nil {
		return nil, fmt.Errorf("init worker pools: %w", err)
	}
	infra.Pools = pools

	blobs, err := NewBlobStore(ctx, cfg.Storage)
	if err != nil {
		infra.Close()
		return nil, fmt.Errorf("init blob store: %w", err)
	}
	infra.Blobs = blobs

	switch cfg.Store.Driver {
	case config.StorePostgres:
		db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
		if err != nil {
			infra.Close()
			return nil, fmt.Errorf("init database: %w", err)
		}
		infra.DB = db
		if cfg.Database.AutoMigrate {
			if err := db.AutoMigrate(ctx); err != nil {
				infra.Close()
				return nil, fmt.Errorf("auto-migrate: %w", err)
			}
		}
		infra.Store = repository.NewPostgresStore(db.Pool)
	default:
		infra.Store = repository.NewMemoryStore()
	}

	logger.Info("Infrastructure initialized",
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("store_driver", cfg.Store.Driver),
		zap.Bool("async_enabled", cfg.AsyncEnabled()),
	)
	return infra, nil
}

// NewBlobStore builds the configured blob store backend.
func NewBlobStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Backend {
	case config.StorageGCS:
		return storage.NewGCSStore(ctx, storage.GCSConfig{
			Bucket:          cfg.GCSBucket,
			Prefix:          cfg.GCSPrefix,
			CredentialsJSON: cfg.GCSCredentialsJSON,
		})
	case config.StorageMemory:
		return storage.NewMemoryStore(), nil
	case config.StorageLocal, "":
		return storage.NewLocalStore(cfg.LocalRoot), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// InitRiver initializes the River client on top of a prepared worker
// registry. It is a no-op when asynchronous runs are disabled.
func (i *Infrastructure) InitRiver(workers *river.Workers) error {
	if i == nil || i.Config == nil {
		return fmt.Errorf("infrastructure is not initialized")
	}
	if !i.Config.AsyncEnabled() || i.DB == nil {
		return nil
	}
	periodic := jobs.PeriodicJobs(i.Config.Pipeline.ScheduleInterval, nil)
	if err := i.DB.InitRiverClient(workers, i.Config.River, periodic); err != nil {
		return fmt.Errorf("init river: %w", err)
	}
	i.RiverClient = i.DB.RiverClient
	return nil
}

// Close releases infra resources in reverse dependency order.
func (i *Infrastructure) Close() {
	if i == nil {
		return
	}
	if i.DB != nil {
		i.DB.Close()
	}
	if closer, ok := i.Blobs.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("blob store close returned error", zap.Error(err))
		}
	}
	if i.Pools != nil {
		i.Pools.Shutdown()
	}
}
