package dav

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/marmos91/dittodav/internal/logger"
	"github.com/marmos91/dittodav/pkg/adapter"
	"github.com/marmos91/dittodav/pkg/dav"
	"github.com/marmos91/dittodav/pkg/metrics"
)

// DAVAdapter implements the adapter.Adapter interface for HTTP/WebDAV.
//
// The adapter owns the HTTP listener and the gin engine. Every request is
// turned into an immutable dav.Request descriptor (client id, method, path,
// headers, body) and handed to the concurrency core through the Submitter;
// the adapter then waits for the outcome and writes it back, mapping core
// error kinds to HTTP statuses.
//
// Shutdown flow:
//  1. Context cancelled or Stop() called
//  2. Listener closed (no new connections)
//  3. In-flight requests finish (up to ShutdownTimeout)
//  4. Remaining connections are force-closed
//
// Thread safety:
// All methods are safe for concurrent use. Stop() is idempotent.
type DAVAdapter struct {
	// config holds the server configuration (port, timeouts, limits)
	config DAVConfig

	// engine routes every WebDAV method to the descriptor builder
	engine *gin.Engine

	// server is the HTTP server wrapping engine
	server *http.Server

	// submitter is the shared concurrency core, injected by DavServer
	submitter adapter.Submitter

	// metrics provides optional Prometheus metrics collection
	metrics metrics.DAVMetrics

	// port is the bound TCP port once Serve has opened its listener
	port atomic.Int32

	// shutdownOnce ensures Stop only runs the HTTP shutdown once
	shutdownOnce sync.Once

	// stopped is closed when the HTTP shutdown has completed
	stopped chan struct{}

	// shutdownErr is the outcome of the first Stop
	shutdownErr error
}

// DAVConfig holds configuration parameters for the WebDAV HTTP server.
//
// Default values (applied by New if zero):
//   - Port: 8080
//   - ReadTimeout: 30s
//   - WriteTimeout: 30s
//   - IdleTimeout: 2m
//   - ShutdownTimeout: 30s
//   - MaxBodyBytes: 32MiB
//   - RetryAfter: 1s
type DAVConfig struct {
	// Enabled controls whether the DAV adapter is active.
	Enabled bool `mapstructure:"enabled"`

	// BindAddress is the interface to listen on. Empty means all interfaces.
	BindAddress string `mapstructure:"bind_address"`

	// Port is the TCP port to listen on.
	Port int `mapstructure:"port" validate:"min=0,max=65535"`

	// ReadTimeout bounds reading a complete request, body included.
	ReadTimeout time.Duration `mapstructure:"read_timeout" validate:"min=0"`

	// WriteTimeout bounds writing the response. It must cover queue wait
	// plus handling, so keep it above the admission request timeout.
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"min=0"`

	// IdleTimeout closes keep-alive connections idle for longer than this.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" validate:"min=0"`

	// ShutdownTimeout is how long Stop waits for in-flight requests before
	// force-closing connections.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=0"`

	// MaxBodyBytes caps request bodies; larger bodies get 413.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes" validate:"min=0"`

	// TrustForwardedFor keys clients by the first X-Forwarded-For hop
	// instead of the remote address. Only enable behind a trusted proxy.
	TrustForwardedFor bool `mapstructure:"trust_forwarded_for"`

	// RetryAfter is advertised on QueueFull and RateLimited responses.
	RetryAfter time.Duration `mapstructure:"retry_after" validate:"min=0"`
}

// applyDefaults fills in zero values with sensible defaults.
func (c *DAVConfig) applyDefaults() {
	// Note: Enabled field defaults are handled in pkg/config/defaults.go
	// to allow explicit false values from configuration files.

	if c.Port <= 0 {
		c.Port = 8080
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = 32 << 20
	}
	if c.RetryAfter == 0 {
		c.RetryAfter = time.Second
	}
}

func (c *DAVConfig) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be 0-65535", c.Port)
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.IdleTimeout < 0 {
		return fmt.Errorf("invalid timeouts: read=%v write=%v idle=%v must be >= 0",
			c.ReadTimeout, c.WriteTimeout, c.IdleTimeout)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid ShutdownTimeout %v: must be > 0", c.ShutdownTimeout)
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("invalid MaxBodyBytes %d: must be > 0", c.MaxBodyBytes)
	}
	return nil
}

// New creates a new DAVAdapter with the specified configuration.
//
// The adapter is created in a stopped state. Call SetSubmitter() to inject
// the concurrency core, then Serve() to start accepting connections.
//
// Panics if config validation fails.
func New(config DAVConfig, davMetrics metrics.DAVMetrics) *DAVAdapter {
	config.applyDefaults()
	if err := config.validate(); err != nil {
		panic(fmt.Sprintf("invalid DAV config: %v", err))
	}

	if davMetrics == nil {
		davMetrics = metrics.NewNoopDAVMetrics()
	}

	s := &DAVAdapter{
		config:  config,
		metrics: davMetrics,
		stopped: make(chan struct{}),
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(logger.With()))
	for _, m := range dav.Methods {
		engine.Handle(m.String(), "/*path", s.handle)
	}
	engine.NoRoute(s.notImplemented)
	s.engine = engine

	s.server = &http.Server{
		Handler:      engine,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

// SetSubmitter injects the concurrency core.
func (s *DAVAdapter) SetSubmitter(sub adapter.Submitter) {
	s.submitter = sub
	logger.Debug("DAV adapter attached to concurrency core")
}

// Handler returns the HTTP handler serving DAV requests. Useful for tests
// and for mounting the adapter behind another server.
func (s *DAVAdapter) Handler() http.Handler {
	return s.engine
}

// Serve starts the HTTP server and blocks until the context is cancelled
// or an unrecoverable error occurs.
func (s *DAVAdapter) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.BindAddress, fmt.Sprintf("%d", s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to create DAV listener on %s: %w", addr, err)
	}
	return s.serve(ctx, ln)
}

func (s *DAVAdapter) serve(ctx context.Context, ln net.Listener) error {
	if s.submitter == nil {
		_ = ln.Close()
		return errors.New("DAV adapter: SetSubmitter must be called before Serve")
	}

	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		s.port.Store(int32(tcp.Port))
	}
	logger.Info("DAV server listening on %s", ln.Addr())
	logger.Debug("DAV config: read_timeout=%v write_timeout=%v idle_timeout=%v max_body_bytes=%d trust_forwarded_for=%t",
		s.config.ReadTimeout, s.config.WriteTimeout, s.config.IdleTimeout,
		s.config.MaxBodyBytes, s.config.TrustForwardedFor)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			logger.Info("DAV shutdown signal received: %v", ctx.Err())
			stopCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
			defer cancel()
			_ = s.Stop(stopCtx)
		case <-done:
		}
	}()

	err := s.server.Serve(ln)
	if !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("DAV server failed: %w", err)
	}

	// Serve returns as soon as shutdown begins; wait for in-flight requests.
	<-s.stopped
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// Stop initiates graceful shutdown of the HTTP server. Requests still running
// when ctx expires have their connections closed.
func (s *DAVAdapter) Stop(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		logger.Debug("DAV shutdown initiated")
		start := time.Now()

		if err := s.server.Shutdown(ctx); err != nil {
			logger.Warn("DAV graceful shutdown incomplete after %v, closing connections: %v",
				time.Since(start), err)
			_ = s.server.Close()
			s.shutdownErr = fmt.Errorf("DAV shutdown: %w", err)
		} else {
			logger.Info("DAV server stopped gracefully in %v", time.Since(start))
		}
		close(s.stopped)
	})
	return s.shutdownErr
}

// Protocol returns "WebDAV".
func (s *DAVAdapter) Protocol() string {
	return "WebDAV"
}

// Port returns the bound port once serving, the configured port before.
func (s *DAVAdapter) Port() int {
	if p := s.port.Load(); p != 0 {
		return int(p)
	}
	return s.config.Port
}
