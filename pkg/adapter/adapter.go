package adapter

import (
	"context"

	"github.com/marmos91/dittodav/pkg/dav"
)

// Submitter admits a request descriptor into the concurrency core and waits
// for its outcome. *manager.Manager satisfies it.
type Submitter interface {
	Do(ctx context.Context, req *dav.Request) (*dav.Response, error)
}

// Adapter represents a wire-protocol front end that can be managed by DavServer.
//
// Each adapter speaks one outer protocol (e.g. HTTP/WebDAV), turns inbound
// requests into dav.Request descriptors and hands them to the shared
// concurrency core. Adapters never dispatch work themselves: admission,
// prioritization and backend access all happen behind the Submitter.
//
// Lifecycle:
//  1. Creation: Adapter is created with protocol-specific configuration
//  2. Core injection: SetSubmitter() provides the shared concurrency core
//  3. Startup: Serve() starts the protocol server and blocks until shutdown
//  4. Shutdown: Stop() initiates graceful shutdown with timeout
//
// Thread safety:
// Implementations must be safe for concurrent use. SetSubmitter() is called
// once before Serve(), but Stop() may be called concurrently with Serve().
type Adapter interface {
	// Serve starts the protocol server and blocks until the context is cancelled
	// or an unrecoverable error occurs.
	//
	// When the context is cancelled, Serve must initiate graceful shutdown:
	//   - Stop accepting new connections
	//   - Wait for in-flight requests to complete (with timeout)
	//   - Return context.Canceled or nil
	//
	// If Serve returns before context cancellation, DavServer treats it as
	// a fatal error and stops all other adapters.
	Serve(ctx context.Context) error

	// SetSubmitter injects the concurrency core shared by all adapters.
	//
	// Called exactly once by DavServer before Serve().
	SetSubmitter(s Submitter)

	// Stop initiates graceful shutdown of the protocol server.
	//
	// Implementations must:
	//   - Be safe to call multiple times (idempotent)
	//   - Be safe to call concurrently with Serve()
	//   - Respect the context timeout for shutdown operations
	Stop(ctx context.Context) error

	// Protocol returns the human-readable protocol name for logging and metrics.
	Protocol() string

	// Port returns the TCP port the adapter is listening on.
	//
	// Returns 0 if the adapter has not yet started or uses dynamic port allocation.
	Port() int
}
