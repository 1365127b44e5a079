// Package manager ties the admission pool, cache and connection pool
// together: it starts the workers and maintenance loops, drains on
// shutdown, and merges the component statistics into one snapshot.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marmos91/dittodav/internal/logger"
	"github.com/marmos91/dittodav/pkg/admission"
	"github.com/marmos91/dittodav/pkg/cache"
	"github.com/marmos91/dittodav/pkg/dav"
	"github.com/marmos91/dittodav/pkg/pool"
	"github.com/marmos91/dittodav/pkg/router"
)

// Config configures the manager.
type Config struct {
	// CacheSweepInterval is how often expired cache entries are purged.
	// Default 30s.
	CacheSweepInterval time.Duration

	// PoolSweepInterval is how often idle, expired and unhealthy backend
	// connections are retired. Default 30s.
	PoolSweepInterval time.Duration

	// ClientSweepInterval is how often idle per-client limiter state is
	// dropped. Default 1m.
	ClientSweepInterval time.Duration

	// DrainTimeout bounds how long Shutdown waits for queued and running
	// requests before cancelling them. Default 30s.
	DrainTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.CacheSweepInterval <= 0 {
		c.CacheSweepInterval = 30 * time.Second
	}
	if c.PoolSweepInterval <= 0 {
		c.PoolSweepInterval = 30 * time.Second
	}
	if c.ClientSweepInterval <= 0 {
		c.ClientSweepInterval = time.Minute
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
}

// State is the manager lifecycle phase.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Task is a periodic maintenance job.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context)
}

// Manager owns the admission pool, the cache and the connection pool once
// constructed: Shutdown closes all three.
type Manager struct {
	cfg       Config
	admission *admission.Pool
	cache     *cache.Cache
	pool      *pool.Pool
	router    *router.Router

	mu        sync.Mutex
	state     State
	tasks     []Task
	cancel    context.CancelFunc
	group     *errgroup.Group
	startedAt time.Time
	stopped   chan struct{}
	stopErr   error
}

// New builds a manager. The router is optional and only contributes to
// Snapshot.
func New(cfg Config, a *admission.Pool, c *cache.Cache, p *pool.Pool, r *router.Router) (*Manager, error) {
	if a == nil || c == nil || p == nil {
		return nil, errors.New("manager: admission pool, cache and connection pool are required")
	}
	cfg.applyDefaults()

	m := &Manager{
		cfg:       cfg,
		admission: a,
		cache:     c,
		pool:      p,
		router:    r,
		stopped:   make(chan struct{}),
	}
	m.tasks = []Task{
		{Name: "cache-sweep", Interval: cfg.CacheSweepInterval, Run: func(context.Context) { c.Sweep() }},
		{Name: "pool-sweep", Interval: cfg.PoolSweepInterval, Run: func(ctx context.Context) { p.Sweep(ctx) }},
		{Name: "client-sweep", Interval: cfg.ClientSweepInterval, Run: func(context.Context) { a.Sweep() }},
	}
	return m, nil
}

// AddTask registers an extra maintenance job. It must be called before
// Start.
func (m *Manager) AddTask(t Task) error {
	if t.Run == nil || t.Interval <= 0 {
		return fmt.Errorf("manager: task %q needs a function and a positive interval", t.Name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateCreated {
		return fmt.Errorf("manager: cannot add task %q after start", t.Name)
	}
	m.tasks = append(m.tasks, t)
	return nil
}

// Start spawns the admission workers and the maintenance loops. The loops
// stop when ctx is cancelled or at Shutdown.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateCreated {
		return fmt.Errorf("manager: cannot start in state %s", m.state)
	}
	if err := m.admission.Start(); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(loopCtx)
	for _, t := range m.tasks {
		g.Go(func() error {
			runLoop(gctx, t)
			return nil
		})
	}

	m.cancel = cancel
	m.group = g
	m.state = StateRunning
	m.startedAt = time.Now()

	logger.Info("Concurrency manager started: %d workers, %d maintenance tasks",
		m.admission.Workers(), len(m.tasks))
	return nil
}

func runLoop(ctx context.Context, t Task) {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Run(ctx)
		}
	}
}

// Submit admits a request through the admission pool.
func (m *Manager) Submit(ctx context.Context, req *dav.Request) (*admission.Ticket, error) {
	return m.admission.Submit(ctx, req)
}

// Do submits req and waits for its outcome.
func (m *Manager) Do(ctx context.Context, req *dav.Request) (*dav.Response, error) {
	return m.admission.Do(ctx, req)
}

// State returns the lifecycle phase.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Shutdown stops admitting, drains queued and running requests for up to
// DrainTimeout (or until ctx is done, whichever comes first), cancels the
// rest with Cancelled, then stops the maintenance loops and closes the
// connection pool and the cache. It returns a non-nil error when the drain
// did not complete in time. Concurrent and repeated calls wait for the
// first one and return its result.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateDraining, StateStopped:
		m.mu.Unlock()
		<-m.stopped
		return m.stopErr
	}
	wasRunning := m.state == StateRunning
	m.state = StateDraining
	m.mu.Unlock()

	drainCtx, cancel := context.WithTimeout(ctx, m.cfg.DrainTimeout)
	defer cancel()

	start := time.Now()
	err := m.admission.Shutdown(drainCtx)
	if err != nil {
		derr := dav.WrapError(dav.KindTimeout, err, "drain incomplete")
		derr.Elapsed = time.Since(start)
		err = derr
		logger.Warn("Drain deadline reached after %v; remaining requests cancelled", time.Since(start))
	} else {
		logger.Info("Drained admission pool in %v", time.Since(start))
	}

	if wasRunning {
		m.cancel()
		_ = m.group.Wait()
	}
	m.closePool()
	if cerr := m.cache.Close(); cerr != nil {
		logger.Warn("Closing cache: %v", cerr)
	}

	m.mu.Lock()
	m.state = StateStopped
	m.stopErr = err
	m.mu.Unlock()
	close(m.stopped)

	logger.Info("Concurrency manager stopped")
	return err
}

// closePool closes the connection pool. Closing waits for every checked-out
// connection, so when handlers outlived the drain it continues in the
// background instead of blocking Shutdown on them.
func (m *Manager) closePool() {
	closed := make(chan struct{})
	go func() {
		m.pool.Close()
		close(closed)
	}()

	if n := m.admission.Busy(); n > 0 {
		logger.Warn("%d handlers ignored cancellation; connection pool closes once they release their connections", n)
		return
	}
	<-closed
}
