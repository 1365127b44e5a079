package dav

import (
	"strings"

	"github.com/marmos91/dittodav/pkg/dav"
	"github.com/marmos91/dittodav/pkg/router"
)

// Handler identities.
const (
	HandlerAdminStats      router.HandlerID = "admin.stats"
	HandlerAdminHealth     router.HandlerID = "admin.health"
	HandlerAdminInvalidate router.HandlerID = "admin.invalidate"
	HandlerOptions         router.HandlerID = "dav.options"
	HandlerGet             router.HandlerID = "dav.get"
	HandlerPut             router.HandlerID = "dav.put"
	HandlerDelete          router.HandlerID = "dav.delete"
	HandlerMkcol           router.HandlerID = "dav.mkcol"
	HandlerPropfind        router.HandlerID = "dav.propfind"
	HandlerCopy            router.HandlerID = "dav.copy"
	HandlerMove            router.HandlerID = "dav.move"
	HandlerLock            router.HandlerID = "dav.lock"
	HandlerUnlock          router.HandlerID = "dav.unlock"
)

// Routes returns the route table, most specific first. Resource routes
// expose the resource path as the "path" parameter.
func Routes(adminPrefix, davPrefix string) []router.Route {
	admin := strings.TrimSuffix(adminPrefix, "/")
	res := strings.TrimSuffix(davPrefix, "/") + "/{path...}"

	return []router.Route{
		{Handler: HandlerAdminStats, Pattern: admin + "/stats", Methods: []dav.Method{dav.MethodGet, dav.MethodHead}},
		{Handler: HandlerAdminHealth, Pattern: admin + "/health", Methods: []dav.Method{dav.MethodGet, dav.MethodHead}},
		{Handler: HandlerAdminInvalidate, Pattern: admin + "/cache/{prefix...}", Methods: []dav.Method{dav.MethodDelete}},
		{Handler: HandlerOptions, Pattern: "/{path...}", Methods: []dav.Method{dav.MethodOptions}},
		{Handler: HandlerGet, Pattern: res, Methods: []dav.Method{dav.MethodGet, dav.MethodHead}},
		{Handler: HandlerPut, Pattern: res, Methods: []dav.Method{dav.MethodPut}},
		{Handler: HandlerDelete, Pattern: res, Methods: []dav.Method{dav.MethodDelete}},
		{Handler: HandlerMkcol, Pattern: res, Methods: []dav.Method{dav.MethodMkcol}},
		{Handler: HandlerPropfind, Pattern: res, Methods: []dav.Method{dav.MethodPropfind}},
		{Handler: HandlerCopy, Pattern: res, Methods: []dav.Method{dav.MethodCopy}},
		{Handler: HandlerMove, Pattern: res, Methods: []dav.Method{dav.MethodMove}},
		{Handler: HandlerLock, Pattern: res, Methods: []dav.Method{dav.MethodLock}},
		{Handler: HandlerUnlock, Pattern: res, Methods: []dav.Method{dav.MethodUnlock}},
	}
}
