package dav

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittodav/pkg/cache"
	"github.com/marmos91/dittodav/pkg/dav"
	"github.com/marmos91/dittodav/pkg/pool"
	"github.com/marmos91/dittodav/pkg/router"
)

// Config configures the resource handlers.
type Config struct {
	// AdminPrefix and DavPrefix must match the prefixes Routes was built with.
	AdminPrefix string
	DavPrefix   string

	// ResponseTTL bounds how long GET and PROPFIND responses stay cached.
	ResponseTTL time.Duration

	// AcquireTimeout is how long a handler waits for a backend connection.
	// Zero uses the pool's own default.
	AcquireTimeout time.Duration

	// LockTimeout is the lock duration when the client sends no Timeout
	// header; MaxLockTimeout caps what a client may ask for.
	LockTimeout    time.Duration
	MaxLockTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.AdminPrefix == "" {
		c.AdminPrefix = "/admin"
	}
	if c.DavPrefix == "" {
		c.DavPrefix = "/dav"
	}
	c.AdminPrefix = strings.TrimSuffix(c.AdminPrefix, "/")
	c.DavPrefix = strings.TrimSuffix(c.DavPrefix, "/")
	if c.ResponseTTL <= 0 {
		c.ResponseTTL = 30 * time.Second
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 10 * time.Minute
	}
	if c.MaxLockTimeout <= 0 {
		c.MaxLockTimeout = time.Hour
	}
	if c.LockTimeout > c.MaxLockTimeout {
		c.LockTimeout = c.MaxLockTimeout
	}
}

// StatsFunc produces the document served by the admin stats endpoint.
type StatsFunc func() any

// Handlers holds the collaborators shared by every resource handler.
type Handlers struct {
	cfg   Config
	pool  *pool.Pool
	cache *cache.Cache
	locks *lockTable
	stats StatsFunc

	// writes counts completed writes. Response fills sample it before
	// reading the backend and are dropped if it moved.
	writes atomic.Uint64
}

// NewHandlers wires the handlers to a connection pool and the shared cache.
func NewHandlers(cfg Config, p *pool.Pool, c *cache.Cache) *Handlers {
	if p == nil || c == nil {
		panic("dav: NewHandlers requires a pool and a cache")
	}
	cfg.applyDefaults()
	return &Handlers{
		cfg:   cfg,
		pool:  p,
		cache: c,
		locks: newLockTable(),
	}
}

// SetStatsSource installs the admin stats producer. It must be called
// before requests are served.
func (h *Handlers) SetStatsSource(fn StatsFunc) {
	h.stats = fn
}

// Config returns the effective configuration.
func (h *Handlers) Config() Config { return h.cfg }

// Sweep drops expired locks.
func (h *Handlers) Sweep() int {
	return h.locks.sweep()
}

// ActiveLocks returns the number of unexpired locks.
func (h *Handlers) ActiveLocks() int {
	return h.locks.len()
}

// RequestContext is what a handler receives for one request.
type RequestContext struct {
	Context context.Context
	Request *dav.Request
	Route   router.Decision

	// Path is the cleaned resource path for resource routes, "/" otherwise.
	Path string
}

func (rc *RequestContext) header(name string) string {
	v, _ := rc.Request.Header(name)
	return strings.TrimSpace(v)
}

// invalidate drops every cached response of p and below, plus the
// enumerations of p's ancestors.
func (h *Handlers) invalidate(p string) {
	h.writes.Add(1)
	h.cache.InvalidatePrefix(cache.ResponsePrefix(p))
	for a := p; a != "/"; {
		a = parentOf(a)
		for _, depth := range []string{depthOne, depthInfinity} {
			h.cache.Invalidate(propfindKey(a, depth))
		}
	}
}

// fill caches a response read after writes reached gen. The value is not
// cached, or is dropped again, if a write completed in between, since the
// backend read may predate it.
func (h *Handlers) fill(key string, gen uint64, value []byte) {
	if h.writes.Load() != gen {
		return
	}
	h.cache.Put(key, value, h.cfg.ResponseTTL)
	if h.writes.Load() != gen {
		h.cache.Invalidate(key)
	}
}

func getKey(p string) string {
	return cache.ResponseKey(p, dav.MethodGet.String())
}

func propfindKey(p, depth string) string {
	return cache.ResponseKey(p, dav.MethodPropfind.String(), depth)
}

func status(code int, headers ...dav.Header) *dav.Response {
	return &dav.Response{Status: code, Headers: headers}
}

func textResponse(code int, msg string) *dav.Response {
	return &dav.Response{
		Status: code,
		Headers: dav.Headers{
			{Name: "Content-Type", Value: "text/plain; charset=utf-8"},
		},
		Body: []byte(msg + "\n"),
	}
}

func resourceHeaders(r *resource) dav.Headers {
	ct := r.contentType
	if ct == "" {
		ct = defaultContentType
	}
	return dav.Headers{
		{Name: "Content-Type", Value: ct},
		{Name: "Content-Length", Value: strconv.Itoa(len(r.body))},
		{Name: "ETag", Value: r.etag()},
		{Name: "Last-Modified", Value: r.modified.UTC().Format(http.TimeFormat)},
	}
}
