package config

import (
	"context"
	"fmt"

	"github.com/marmos91/dittodav/internal/logger"
	davproto "github.com/marmos91/dittodav/internal/protocol/dav"
	"github.com/marmos91/dittodav/pkg/admission"
	"github.com/marmos91/dittodav/pkg/cache"
	"github.com/marmos91/dittodav/pkg/manager"
	promMetrics "github.com/marmos91/dittodav/pkg/metrics/prometheus"
	"github.com/marmos91/dittodav/pkg/pool"
	"github.com/marmos91/dittodav/pkg/router"
)

// Core is the assembled concurrency core: the manager that owns the
// admission pool, cache and connection pool, plus the storage backend
// behind the pool.
type Core struct {
	Manager  *manager.Manager
	Router   *router.Router
	Handlers *davproto.Handlers
	Storage  *Storage
}

// Close releases the storage backend. The manager must have been shut down
// first, since that is what closes the connection pool.
func (c *Core) Close() error {
	return c.Storage.Close()
}

// InitializeCore builds every core component from configuration and wires
// them together:
//
//  1. Storage backend (CreateBackend)
//  2. Cache (L1/L2 tiers)
//  3. Connection pool over the backend, reporting to poolMetrics
//  4. Router with the admin and DAV route tables
//  5. Resource handlers and the dispatcher that routes to them
//  6. Admission pool running the dispatcher
//  7. Manager, with the lock sweep registered as an extra maintenance task
//
// poolMetrics may be nil. On error everything built so far is released.
func InitializeCore(ctx context.Context, cfg *Config, poolMetrics pool.Metrics) (*Core, error) {
	storage, err := CreateBackend(ctx, &cfg.Backend)
	if err != nil {
		return nil, err
	}
	logger.Info("Backend initialized: type=%s", storage.Type)

	core, err := assemble(ctx, cfg, storage, poolMetrics)
	if err != nil {
		if cerr := storage.Close(); cerr != nil {
			logger.Warn("Closing backend after failed initialization: %v", cerr)
		}
		return nil, err
	}
	return core, nil
}

func assemble(ctx context.Context, cfg *Config, storage *Storage, poolMetrics pool.Metrics) (*Core, error) {
	c, err := cache.New(cache.Config{
		L1Size:               cfg.Cache.L1Size,
		L2Size:               cfg.Cache.L2Size,
		L1MaxEntrySize:       cfg.Cache.L1MaxEntrySize,
		CompressionThreshold: cfg.Cache.CompressionThreshold,
		DefaultTTL:           cfg.Cache.DefaultTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	p, err := pool.New(ctx, pool.Config{
		MinSize:            cfg.Pool.MinSize,
		MaxSize:            cfg.Pool.MaxSize,
		MaxLifetime:        cfg.Pool.MaxLifetime,
		MaxIdleTime:        cfg.Pool.MaxIdleTime,
		AcquireTimeout:     cfg.Pool.AcquireTimeout,
		HealthCheckTimeout: cfg.Pool.HealthCheckTimeout,
	}, storage.Factory)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	p.SetMetrics(poolMetrics)

	// Everything below only fails on configuration errors; the pool and
	// cache are released together on any of them.
	fail := func(err error) (*Core, error) {
		p.Close()
		_ = c.Close()
		return nil, err
	}

	r, err := router.New(davproto.Routes(cfg.Router.AdminPrefix, cfg.Router.DavPrefix), c, router.Config{
		AdminPrefix: cfg.Router.AdminPrefix,
		RouteTTL:    cfg.Router.RouteTTL,
	})
	if err != nil {
		return fail(fmt.Errorf("failed to create router: %w", err))
	}

	h := davproto.NewHandlers(davproto.Config{
		AdminPrefix:    cfg.Router.AdminPrefix,
		DavPrefix:      cfg.Router.DavPrefix,
		ResponseTTL:    cfg.Cache.ResponseTTL,
		AcquireTimeout: cfg.Pool.AcquireTimeout,
		LockTimeout:    cfg.Locks.DefaultTimeout,
		MaxLockTimeout: cfg.Locks.MaxTimeout,
	}, p, c)
	d := davproto.NewDispatcher(r, h)

	a, err := admission.New(admission.Config{
		MaxConcurrentRequests: cfg.Admission.MaxConcurrentRequests,
		MaxRequestsPerClient:  cfg.Admission.MaxRequestsPerClient,
		MaxQueueSize:          cfg.Admission.MaxQueueSize,
		CriticalQueueReserve:  cfg.Admission.CriticalQueueReserve,
		WorkerCount:           cfg.Admission.WorkerCount,
		WorkerMultiplier:      cfg.Admission.WorkerMultiplier,
		RequestTimeout:        cfg.Admission.RequestTimeout,
		ClientRate:            cfg.Admission.ClientRate,
		ClientBurst:           cfg.Admission.ClientBurst,
	}, d, d)
	if err != nil {
		return fail(fmt.Errorf("failed to create admission pool: %w", err))
	}

	m, err := manager.New(manager.Config{
		CacheSweepInterval:  cfg.Cache.SweepInterval,
		PoolSweepInterval:   cfg.Pool.SweepInterval,
		ClientSweepInterval: cfg.Admission.ClientSweepInterval,
		DrainTimeout:        cfg.Server.ShutdownTimeout,
	}, a, c, p, r)
	if err != nil {
		return fail(fmt.Errorf("failed to create manager: %w", err))
	}

	if err := m.AddTask(manager.Task{
		Name:     "lock-sweep",
		Interval: cfg.Locks.SweepInterval,
		Run: func(context.Context) {
			if n := h.Sweep(); n > 0 {
				logger.Debug("Dropped %d expired locks", n)
			}
		},
	}); err != nil {
		return fail(err)
	}

	h.SetStatsSource(func() any { return m.Snapshot() })

	if err := promMetrics.RegisterSnapshotCollector(m.Snapshot); err != nil {
		logger.Warn("Failed to register snapshot collector: %v", err)
	}

	logger.Info("Concurrency core assembled: max_concurrent=%d, queue=%d, pool=%d-%d, cache=%d/%d",
		cfg.Admission.MaxConcurrentRequests, cfg.Admission.MaxQueueSize,
		cfg.Pool.MinSize, cfg.Pool.MaxSize, cfg.Cache.L1Size, cfg.Cache.L2Size)

	return &Core{Manager: m, Router: r, Handlers: h, Storage: storage}, nil
}
