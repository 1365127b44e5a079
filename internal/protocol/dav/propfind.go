package dav

import (
	"encoding/xml"
	"errors"
	"net/http"
	"strings"

	"github.com/marmos91/dittodav/pkg/backend"
	"github.com/marmos91/dittodav/pkg/dav"
)

const (
	depthZero     = "0"
	depthOne      = "1"
	depthInfinity = "infinity"
)

// parseDepth normalizes a Depth header. An absent header yields def.
func parseDepth(v, def string) (string, bool) {
	switch {
	case v == "":
		return def, true
	case v == depthZero, v == depthOne:
		return v, true
	case strings.EqualFold(v, depthInfinity):
		return depthInfinity, true
	}
	return "", false
}

// handlePropfind answers with the properties of the resource and, for
// collections, of its members down to the requested depth. A missing Depth
// header is treated as 1.
func handlePropfind(h *Handlers, rc *RequestContext) (*dav.Response, error) {
	depth, ok := parseDepth(rc.header("Depth"), depthOne)
	if !ok {
		return textResponse(http.StatusBadRequest, "invalid Depth header"), nil
	}
	if body := rc.Request.Body(); len(body) > 0 {
		if err := xml.Unmarshal(body, &propfindRequest{}); err != nil {
			return textResponse(http.StatusBadRequest, "malformed propfind body"), nil
		}
	}

	key := propfindKey(rc.Path, depth)
	if data, ok := h.cache.Get(key); ok {
		return multistatusResponse(data), nil
	}

	gen := h.writes.Load()
	return h.withConn(rc.Context, func(c *conn) (*dav.Response, error) {
		r, err := c.stat(rc.Path)
		if errors.Is(err, backend.ErrNotFound) {
			return textResponse(http.StatusNotFound, "not found"), nil
		}
		if err != nil {
			return nil, err
		}

		resources := []*resource{r}
		if r.collection && depth != depthZero {
			members, err := c.members(r, depth == depthInfinity)
			if err != nil {
				return nil, err
			}
			resources = append(resources, members...)
		}

		ms := multistatus{Namespace: davNamespace}
		for _, res := range resources {
			ms.Responses = append(ms.Responses, propsOf(h.cfg.DavPrefix, res))
		}
		body, err := marshalXML(ms)
		if err != nil {
			return nil, dav.WrapError(dav.KindInternal, err, "encode multistatus")
		}

		h.fill(key, gen, body)
		return multistatusResponse(body), nil
	})
}

func multistatusResponse(body []byte) *dav.Response {
	return &dav.Response{
		Status: http.StatusMultiStatus,
		Headers: dav.Headers{
			{Name: "Content-Type", Value: "application/xml; charset=utf-8"},
		},
		Body: body,
	}
}
