package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/dittodav/internal/logger"
	"github.com/marmos91/dittodav/pkg/adapter"
	"github.com/marmos91/dittodav/pkg/manager"
)

// DavServer manages the lifecycle of the protocol adapters and of the
// concurrency core they share.
//
// Architecture:
// Adapters (the WebDAV HTTP front end, possibly others) only build request
// descriptors. Admission, routing, caching and backend access live in the
// manager, which every adapter submits to. DavServer starts the manager
// first and stops it last so no adapter ever submits to a stopped core.
//
// Lifecycle:
//  1. Creation: New() with the manager
//  2. Registration: AddAdapter() for each protocol
//  3. Startup: Serve() starts the manager, then all adapters concurrently
//  4. Shutdown: adapters stop accepting, in-flight requests finish, then the
//     manager drains its queue and closes the pool and cache
//
// Example usage:
//
//	srv := server.New(mgr, server.Options{})
//	srv.AddAdapter(dav.New(davConfig, davMetrics))
//
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer cancel()
//
//	if err := srv.Serve(ctx); err != nil && err != context.Canceled {
//	    log.Fatal(err)
//	}
type DavServer struct {
	// manager is the concurrency core shared by all adapters
	manager *manager.Manager

	opts Options

	// adapters contains all registered protocol adapters
	adapters []adapter.Adapter

	// mu protects the adapters slice and serving flag
	mu     sync.RWMutex
	served bool
}

// Options configures a DavServer.
type Options struct {
	// StopTimeout bounds how long adapters get to finish in-flight requests.
	// Default 30s.
	StopTimeout time.Duration
}

// New creates a DavServer around m.
//
// Panics if m is nil (indicates programmer error).
func New(m *manager.Manager, opts Options) *DavServer {
	if m == nil {
		panic("manager cannot be nil")
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 30 * time.Second
	}
	return &DavServer{
		manager:  m,
		opts:     opts,
		adapters: make([]adapter.Adapter, 0, 2),
	}
}

// AddAdapter registers a protocol adapter and attaches it to the manager.
// Duplicate protocols or port conflicts return an error.
//
// Panics if the adapter is nil or Serve() has already been called.
func (s *DavServer) AddAdapter(a adapter.Adapter) error {
	if a == nil {
		panic("adapter cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.served {
		panic("cannot add adapter after Serve() has been called")
	}

	protocol := a.Protocol()
	port := a.Port()
	for _, existing := range s.adapters {
		if existing.Protocol() == protocol {
			return fmt.Errorf("adapter for protocol %s already registered", protocol)
		}
		if existing.Port() == port {
			return fmt.Errorf("port %d already in use by %s adapter", port, existing.Protocol())
		}
	}

	a.SetSubmitter(s.manager)
	s.adapters = append(s.adapters, a)

	logger.Info("Registered %s adapter on port %d", protocol, port)
	return nil
}

// Serve starts the manager and all registered adapters, and blocks until
// the context is cancelled or an adapter fails.
//
// Shutdown sequence:
//  1. Adapters are stopped in reverse registration order, sharing one
//     StopTimeout budget, so no new requests reach the core
//  2. Serve waits for every adapter goroutine to return
//  3. The manager drains queued and running requests for up to its
//     DrainTimeout and cancels whatever is left
//
// Parameters:
//   - ctx: Controls server lifecycle. Cancellation triggers graceful shutdown.
//
// Returns:
//   - context.Canceled (or the context error) after a clean shutdown
//   - the adapter error if an adapter failed
//   - the drain error if the manager could not drain in time
//
// Thread safety:
// Serve may only be called once; later calls return an error. AddAdapter
// must not be called after Serve.
func (s *DavServer) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.served {
		s.mu.Unlock()
		return errors.New("Serve() has already been called on this server instance")
	}
	s.served = true
	if len(s.adapters) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("no adapters registered; call AddAdapter() before Serve()")
	}
	adapters := make([]adapter.Adapter, len(s.adapters))
	copy(adapters, s.adapters)
	s.mu.Unlock()

	if err := s.manager.Start(ctx); err != nil {
		return fmt.Errorf("start concurrency manager: %w", err)
	}

	logger.Info("Starting DavServer with %d adapter(s)", len(adapters))

	// Buffered so failing adapters never block.
	errChan := make(chan adapterError, len(adapters))
	adapterCtx, cancelAdapters := context.WithCancel(ctx)
	defer cancelAdapters()

	var wg sync.WaitGroup
	for _, adp := range adapters {
		wg.Add(1)
		go func(a adapter.Adapter) {
			defer wg.Done()

			protocol := a.Protocol()
			logger.Info("Starting %s adapter on port %d", protocol, a.Port())

			if err := a.Serve(adapterCtx); err != nil {
				if !errors.Is(err, context.Canceled) && adapterCtx.Err() == nil {
					logger.Error("%s adapter failed: %v", protocol, err)
					errChan <- adapterError{protocol: protocol, err: err}
				} else {
					logger.Debug("%s adapter stopped gracefully", protocol)
				}
			} else {
				logger.Info("%s adapter stopped", protocol)
			}
		}(adp)
	}

	var shutdownErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received (reason: %v)", ctx.Err())
		shutdownErr = ctx.Err()

	case adapterErr := <-errChan:
		logger.Error("Adapter %s failed: %v - initiating shutdown of all adapters",
			adapterErr.protocol, adapterErr.err)
		shutdownErr = fmt.Errorf("%s adapter error: %w", adapterErr.protocol, adapterErr.err)
	}

	s.stopAllAdapters(adapters)
	cancelAdapters()
	wg.Wait()

	// The drain context is independent of ctx, which is usually already done.
	if err := s.manager.Shutdown(context.Background()); err != nil {
		logger.Error("Concurrency manager did not drain cleanly: %v", err)
		if errors.Is(shutdownErr, context.Canceled) {
			shutdownErr = err
		}
	}

	logger.Info("DavServer stopped")
	return shutdownErr
}

// adapterError pairs an adapter protocol name with its error for better error reporting.
type adapterError struct {
	protocol string
	err      error
}

// stopAllAdapters stops adapters in reverse registration order, sharing one
// StopTimeout budget.
func (s *DavServer) stopAllAdapters(adapters []adapter.Adapter) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.StopTimeout)
	defer cancel()

	logger.Info("Initiating graceful shutdown of %d adapter(s)", len(adapters))

	for i := len(adapters) - 1; i >= 0; i-- {
		adp := adapters[i]
		protocol := adp.Protocol()

		logger.Debug("Stopping %s adapter (port %d)", protocol, adp.Port())
		if err := adp.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Error stopping %s adapter: %v", protocol, err)
		}
	}
}

// Manager returns the shared concurrency core.
func (s *DavServer) Manager() *manager.Manager {
	return s.manager
}

// Adapters returns a snapshot of currently registered adapters.
func (s *DavServer) Adapters() []adapter.Adapter {
	s.mu.RLock()
	defer s.mu.RUnlock()

	adapters := make([]adapter.Adapter, len(s.adapters))
	copy(adapters, s.adapters)
	return adapters
}
