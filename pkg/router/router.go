// Package router resolves requests to handler identities and priority tiers.
//
// Routes form a fixed, ordered table: the first route whose pattern and
// method set match wins, so more specific patterns go first. Resolutions
// are cached in the route namespace of the shared Cache, keyed by method and
// a normalized form of the path, so requests differing only in parameter
// values share one entry. Priority is never cached; it is recomputed from
// each request.
package router

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittodav/internal/logger"
	"github.com/marmos91/dittodav/pkg/cache"
	"github.com/marmos91/dittodav/pkg/dav"
)

// HandlerID names a request handler, e.g. "dav.propfind".
type HandlerID string

// Route binds a path pattern and a method set to a handler.
type Route struct {
	Handler HandlerID
	Pattern string

	// Methods the route accepts. Empty means every method.
	Methods []dav.Method
}

// Decision is the outcome of resolving a request.
type Decision struct {
	Handler  HandlerID
	Pattern  string
	Params   map[string]string
	Priority dav.Priority

	// Cached is true when the handler came from the route cache.
	Cached bool
}

// Param returns a path parameter, or "" if absent.
func (d Decision) Param(name string) string {
	return d.Params[name]
}

// Config configures a Router.
type Config struct {
	// AdminPrefix marks administrative paths, which run at Critical
	// priority. Default "/admin".
	AdminPrefix string

	// RouteTTL is how long resolutions stay cached. Default 24h.
	RouteTTL time.Duration
}

type compiledRoute struct {
	Route
	pattern *pattern
	methods map[dav.Method]bool
}

func (r *compiledRoute) allows(m dav.Method) bool {
	return len(r.methods) == 0 || r.methods[m]
}

// Router resolves requests against an ordered route table.
type Router struct {
	cfg    Config
	routes []*compiledRoute
	cache  *cache.Cache

	// literals[i] holds every literal any pattern has at segment i.
	literals []map[string]struct{}

	lookups   atomic.Uint64
	cacheHits atomic.Uint64
	notFound  atomic.Uint64
}

// New compiles routes. c may be nil, in which case every resolution runs the
// matcher.
func New(routes []Route, c *cache.Cache, cfg Config) (*Router, error) {
	if len(routes) == 0 {
		return nil, errors.New("router: route table is empty")
	}
	if cfg.AdminPrefix == "" {
		cfg.AdminPrefix = "/admin"
	}
	cfg.AdminPrefix = strings.TrimSuffix(cfg.AdminPrefix, "/")
	if cfg.RouteTTL <= 0 {
		cfg.RouteTTL = 24 * time.Hour
	}

	r := &Router{cfg: cfg, cache: c}
	for _, route := range routes {
		if route.Handler == "" {
			return nil, fmt.Errorf("router: route %q has no handler", route.Pattern)
		}
		p, err := compilePattern(route.Pattern)
		if err != nil {
			return nil, fmt.Errorf("router: %w", err)
		}

		cr := &compiledRoute{Route: route, pattern: p}
		if len(route.Methods) > 0 {
			cr.methods = make(map[dav.Method]bool, len(route.Methods))
			for _, m := range route.Methods {
				if !m.IsValid() {
					return nil, fmt.Errorf("router: route %s has invalid method %d", route.Handler, m)
				}
				cr.methods[m] = true
			}
		}
		r.routes = append(r.routes, cr)

		for i, seg := range p.segments {
			for len(r.literals) <= i {
				r.literals = append(r.literals, make(map[string]struct{}))
			}
			if seg.kind == segLiteral {
				r.literals[i][seg.value] = struct{}{}
			}
		}
	}

	logger.Debug("Router compiled %d routes (admin prefix %s)", len(r.routes), cfg.AdminPrefix)
	return r, nil
}

// Routes returns the route table in match order.
func (r *Router) Routes() []Route {
	out := make([]Route, len(r.routes))
	for i, cr := range r.routes {
		out[i] = cr.Route
	}
	return out
}

// Resolve maps req to a handler and its final priority. It fails with
// NotFound when no route matches.
func (r *Router) Resolve(req *dav.Request) (Decision, error) {
	if req == nil {
		return Decision{}, dav.NewError(dav.KindBadRequest, "nil request")
	}
	r.lookups.Add(1)

	parts := splitPath(req.Path())
	key := cache.RouteKey(req.Method().String(), r.normalize(parts))

	if cr, ok := r.cached(key); ok {
		// Same normalized key implies the same pattern matches.
		if params, ok := cr.pattern.match(parts); ok {
			r.cacheHits.Add(1)
			return r.decision(cr, params, req, true), nil
		}
		logger.Warn("router: cached route %s does not match %s, re-resolving", cr.Handler, req.Path())
	}

	for i, cr := range r.routes {
		if !cr.allows(req.Method()) {
			continue
		}
		params, ok := cr.pattern.match(parts)
		if !ok {
			continue
		}
		if r.cache != nil {
			r.cache.Put(key, encodeRoute(i, cr.Handler), r.cfg.RouteTTL)
		}
		return r.decision(cr, params, req, false), nil
	}

	r.notFound.Add(1)
	return Decision{}, dav.NewError(dav.KindNotFound, "no route for %s %s", req.Method(), req.Path())
}

func (r *Router) decision(cr *compiledRoute, params map[string]string, req *dav.Request, cached bool) Decision {
	return Decision{
		Handler:  cr.Handler,
		Pattern:  cr.Pattern,
		Params:   params,
		Priority: r.Prioritize(req),
		Cached:   cached,
	}
}

func (r *Router) cached(key string) (*compiledRoute, bool) {
	if r.cache == nil {
		return nil, false
	}
	v, ok := r.cache.Get(key)
	if !ok {
		return nil, false
	}
	idx, handler, ok := decodeRoute(v)
	if !ok || idx < 0 || idx >= len(r.routes) || r.routes[idx].Handler != handler {
		r.cache.Invalidate(key)
		return nil, false
	}
	return r.routes[idx], true
}

// normalize keeps a segment only if some pattern has that literal at that
// position; every other non-empty segment becomes "*". Two paths with the
// same normalized form match exactly the same patterns.
func (r *Router) normalize(parts []string) string {
	var b strings.Builder
	for i, part := range parts {
		if i > 0 {
			b.WriteByte('/')
		}
		if part == "" {
			continue
		}
		if i < len(r.literals) {
			if _, ok := r.literals[i][part]; ok {
				b.WriteString(part)
				continue
			}
		}
		b.WriteByte('*')
	}
	return b.String()
}

// Priority computes the tier implied by the request's own attributes:
// administrative paths are Critical, mutating methods High, infinite-depth
// PROPFIND Low and everything else Normal.
func (r *Router) Priority(req *dav.Request) dav.Priority {
	path := req.Path()
	if path == r.cfg.AdminPrefix || strings.HasPrefix(path, r.cfg.AdminPrefix+"/") {
		return dav.PriorityCritical
	}
	if req.Method().Mutates() {
		return dav.PriorityHigh
	}
	if req.Method() == dav.MethodPropfind {
		if depth, ok := req.Header("Depth"); ok && isInfiniteDepth(depth) {
			return dav.PriorityLow
		}
	}
	return dav.PriorityNormal
}

// Prioritize returns the higher of the request's assigned priority and the
// computed one, so an assigned tier is never lowered.
func (r *Router) Prioritize(req *dav.Request) dav.Priority {
	return req.Priority().Max(r.Priority(req))
}

func isInfiniteDepth(v string) bool {
	return strings.EqualFold(strings.TrimSpace(v), "infinity")
}

func encodeRoute(idx int, h HandlerID) []byte {
	return []byte(strconv.Itoa(idx) + " " + string(h))
}

func decodeRoute(v []byte) (int, HandlerID, bool) {
	idxStr, handler, ok := strings.Cut(string(v), " ")
	if !ok {
		return 0, "", false
	}
	idx, err := strconv.Atoi(idxStr)
	if err != nil {
		return 0, "", false
	}
	return idx, HandlerID(handler), true
}

// Stats holds router counters.
type Stats struct {
	Lookups   uint64 `json:"lookups"`
	CacheHits uint64 `json:"cache_hits"`
	NotFound  uint64 `json:"not_found"`
}

// Stats returns the router counters.
func (r *Router) Stats() Stats {
	return Stats{
		Lookups:   r.lookups.Load(),
		CacheHits: r.cacheHits.Load(),
		NotFound:  r.notFound.Load(),
	}
}
