package dav

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/marmos91/dittodav/pkg/backend"
	"github.com/marmos91/dittodav/pkg/dav"
)

// parseTimeout reads a Timeout header ("Second-600", "Infinite", or a
// comma-separated list of both). The first usable value wins and is capped
// at the configured maximum.
func parseTimeout(v string, cfg Config) time.Duration {
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if strings.EqualFold(part, "Infinite") {
			return cfg.MaxLockTimeout
		}
		if len(part) > 7 && strings.EqualFold(part[:7], "Second-") {
			n, err := strconv.ParseInt(part[7:], 10, 64)
			if err != nil || n <= 0 {
				continue
			}
			d := time.Duration(n) * time.Second
			if d <= 0 || d > cfg.MaxLockTimeout {
				return cfg.MaxLockTimeout
			}
			return d
		}
	}
	return cfg.LockTimeout
}

// handleLock creates or refreshes an exclusive write lock. Locking an
// unmapped path creates an empty file there.
func handleLock(h *Handlers, rc *RequestContext) (*dav.Response, error) {
	p := rc.Path
	timeout := parseTimeout(rc.header("Timeout"), h.cfg)
	body := rc.Request.Body()

	if len(body) == 0 {
		ifHeader := rc.header("If")
		if ifHeader == "" {
			return textResponse(http.StatusBadRequest, "lock refresh requires an If header"), nil
		}
		l, ok := h.locks.refresh(p, ifHeader, timeout)
		if !ok {
			return textResponse(http.StatusPreconditionFailed, "no matching lock to refresh"), nil
		}
		return h.lockResponse(http.StatusOK, l, false)
	}

	info, err := parseLockInfo(body)
	if err != nil {
		return textResponse(http.StatusBadRequest, "malformed lockinfo body"), nil
	}
	if info.LockScope.Shared != nil {
		return textResponse(http.StatusNotImplemented, "shared locks are not supported"), nil
	}
	depth, ok := parseDepth(rc.header("Depth"), depthInfinity)
	if !ok || depth == depthOne {
		return textResponse(http.StatusBadRequest, "invalid Depth header"), nil
	}
	owner := ""
	if info.Owner != nil {
		owner = strings.TrimSpace(info.Owner.Inner)
	}

	l, conflict := h.locks.acquire(p, depth == depthInfinity, owner, timeout)
	if conflict != nil {
		return textResponse(http.StatusLocked, "locked: "+conflict.root), nil
	}

	resp, err := h.withConn(rc.Context, func(c *conn) (*dav.Response, error) {
		_, err := c.stat(p)
		if err == nil {
			return h.lockResponse(http.StatusOK, l, true)
		}
		if !errors.Is(err, backend.ErrNotFound) {
			return nil, err
		}

		missing, err := parentMissing(c, p)
		if err != nil {
			return nil, err
		}
		if missing {
			return textResponse(http.StatusConflict, "parent collection does not exist"), nil
		}
		if err := c.store(&resource{path: p, modified: time.Now().UTC()}); err != nil {
			return nil, err
		}
		h.invalidate(p)
		return h.lockResponse(http.StatusCreated, l, true)
	})
	if err != nil || (resp.Status != http.StatusOK && resp.Status != http.StatusCreated) {
		h.locks.release(p, l.token)
	}
	return resp, err
}

func (h *Handlers) lockResponse(code int, l *lockInfo, withToken bool) (*dav.Response, error) {
	body, err := marshalXML(propDocument{
		Namespace:     davNamespace,
		LockDiscovery: lockDiscovery{ActiveLocks: []activeLock{activeLockOf(h.cfg.DavPrefix, l)}},
	})
	if err != nil {
		return nil, dav.WrapError(dav.KindInternal, err, "encode lockdiscovery")
	}

	headers := dav.Headers{{Name: "Content-Type", Value: "application/xml; charset=utf-8"}}
	if withToken {
		headers = append(headers, dav.Header{Name: "Lock-Token", Value: "<" + l.token + ">"})
	}
	return &dav.Response{Status: code, Headers: headers, Body: body}, nil
}

func handleUnlock(h *Handlers, rc *RequestContext) (*dav.Response, error) {
	token := strings.Trim(rc.header("Lock-Token"), "<>")
	if token == "" {
		return textResponse(http.StatusBadRequest, "missing Lock-Token header"), nil
	}
	if !h.locks.release(rc.Path, token) {
		return textResponse(http.StatusConflict, "lock token does not match a lock on this resource"), nil
	}
	return status(http.StatusNoContent), nil
}
