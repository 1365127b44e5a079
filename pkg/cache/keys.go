package cache

import "strings"

// Key namespaces. Route resolutions and responses share the cache but never
// collide.
const (
	NamespaceRoute    = "route:"
	NamespaceResponse = "resp:"
)

// RouteKey builds the route-tier key for a method and normalized pattern.
func RouteKey(method, normalized string) string {
	return NamespaceRoute + method + ":" + normalized
}

// ResponseKey builds a response-tier key. The resource path goes first so
// that invalidating ResponsePrefix(path) drops every cached view of the
// resource and of its descendants.
func ResponseKey(path string, variant ...string) string {
	var b strings.Builder
	b.WriteString(NamespaceResponse)
	b.WriteString(path)
	for _, v := range variant {
		b.WriteByte('\x00')
		b.WriteString(v)
	}
	return b.String()
}

// ResponsePrefix returns the prefix matching every response key of path.
func ResponsePrefix(path string) string {
	return NamespaceResponse + path
}
