package dav

import (
	"context"

	"github.com/marmos91/dittodav/internal/logger"
	"github.com/marmos91/dittodav/pkg/dav"
	"github.com/marmos91/dittodav/pkg/router"
)

// ============================================================================
// Handler Dispatch Table
// ============================================================================

// handlerFunc is the signature every resource handler implements.
type handlerFunc func(h *Handlers, rc *RequestContext) (*dav.Response, error)

// handlerInfo contains metadata about a handler for dispatch.
type handlerInfo struct {
	// Name is the handler name for logging (e.g., "GET", "PROPFIND")
	Name string

	// Handler processes the request
	Handler handlerFunc
}

// dispatchTable maps route handler identities to their implementation.
var dispatchTable map[router.HandlerID]*handlerInfo

func init() {
	dispatchTable = map[router.HandlerID]*handlerInfo{
		HandlerAdminStats:      {Name: "ADMIN_STATS", Handler: handleAdminStats},
		HandlerAdminHealth:     {Name: "ADMIN_HEALTH", Handler: handleAdminHealth},
		HandlerAdminInvalidate: {Name: "ADMIN_INVALIDATE", Handler: handleAdminInvalidate},
		HandlerOptions:         {Name: "OPTIONS", Handler: handleOptions},
		HandlerGet:             {Name: "GET", Handler: handleGet},
		HandlerPut:             {Name: "PUT", Handler: handlePut},
		HandlerDelete:          {Name: "DELETE", Handler: handleDelete},
		HandlerMkcol:           {Name: "MKCOL", Handler: handleMkcol},
		HandlerPropfind:        {Name: "PROPFIND", Handler: handlePropfind},
		HandlerCopy:            {Name: "COPY", Handler: handleCopy},
		HandlerMove:            {Name: "MOVE", Handler: handleMove},
		HandlerLock:            {Name: "LOCK", Handler: handleLock},
		HandlerUnlock:          {Name: "UNLOCK", Handler: handleUnlock},
	}
}

// ============================================================================
// Dispatcher
// ============================================================================

// Dispatcher resolves each request through the router and runs the matching
// handler. It satisfies the admission pool's Handler and Prioritizer
// interfaces.
type Dispatcher struct {
	router   *router.Router
	handlers *Handlers
}

// NewDispatcher builds a dispatcher. Every handler identity the router can
// return must be known to the dispatch table.
func NewDispatcher(r *router.Router, h *Handlers) *Dispatcher {
	return &Dispatcher{router: r, handlers: h}
}

// Handlers returns the handler set this dispatcher runs.
func (d *Dispatcher) Handlers() *Handlers { return d.handlers }

// Prioritize computes the request's effective tier.
func (d *Dispatcher) Prioritize(req *dav.Request) dav.Priority {
	return d.router.Prioritize(req)
}

// Handle resolves req and runs its handler.
func (d *Dispatcher) Handle(ctx context.Context, req *dav.Request) (*dav.Response, error) {
	decision, err := d.router.Resolve(req)
	if err != nil {
		logger.Debug("dispatch: %s %s: %v", req.Method(), req.Path(), err)
		return nil, err
	}

	info, ok := dispatchTable[decision.Handler]
	if !ok {
		return nil, dav.NewError(dav.KindInternal, "no handler registered for %s", decision.Handler)
	}

	rc := &RequestContext{
		Context: ctx,
		Request: req,
		Route:   decision,
		Path:    cleanPath(decision.Param("path")),
	}

	logger.Debug("%s: path=%s client=%s priority=%s cached_route=%v",
		info.Name, rc.Path, req.ClientID(), req.Priority(), decision.Cached)

	resp, err := info.Handler(d.handlers, rc)
	if err != nil {
		logger.Debug("%s: path=%s failed: %v", info.Name, rc.Path, err)
		return nil, err
	}
	return resp, nil
}
