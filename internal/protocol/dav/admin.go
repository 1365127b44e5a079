package dav

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/marmos91/dittodav/pkg/cache"
	"github.com/marmos91/dittodav/pkg/dav"
)

const healthAcquireTimeout = time.Second

func jsonResponse(rc *RequestContext, code int, v any) (*dav.Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, dav.WrapError(dav.KindInternal, err, "encode %T", v)
	}
	resp := &dav.Response{
		Status:  code,
		Headers: dav.Headers{{Name: "Content-Type", Value: "application/json"}},
	}
	if rc.Request.Method() != dav.MethodHead {
		resp.Body = body
	}
	return resp, nil
}

func handleAdminStats(h *Handlers, rc *RequestContext) (*dav.Response, error) {
	if h.stats == nil {
		return textResponse(http.StatusServiceUnavailable, "stats unavailable"), nil
	}
	return jsonResponse(rc, http.StatusOK, h.stats())
}

// handleAdminHealth reports healthy when a backend connection can be
// checked out of the pool.
func handleAdminHealth(h *Handlers, rc *RequestContext) (*dav.Response, error) {
	handle, err := h.pool.Acquire(rc.Context, healthAcquireTimeout)
	if err != nil {
		return jsonResponse(rc, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
	}
	handle.Release()

	return jsonResponse(rc, http.StatusOK, map[string]any{
		"status":       "ok",
		"active_locks": h.ActiveLocks(),
	})
}

// handleAdminInvalidate drops cached responses for a path prefix. An empty
// prefix drops every cached response.
func handleAdminInvalidate(h *Handlers, rc *RequestContext) (*dav.Response, error) {
	prefix := rc.Route.Param("prefix")
	target := "/"
	if prefix != "" {
		target = cleanPath(prefix)
	}
	n := h.cache.InvalidatePrefix(cache.ResponsePrefix(target))
	return jsonResponse(rc, http.StatusOK, map[string]any{
		"prefix":      target,
		"invalidated": n,
	})
}
