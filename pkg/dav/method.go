package dav

import "strings"

// Method is the closed set of request methods the server understands.
//
// The zero value is MethodUnknown, which never validates. Keeping the set
// closed lets the router and the priority policy switch exhaustively instead
// of comparing strings on the hot path.
type Method uint8

const (
	MethodUnknown Method = iota
	MethodOptions
	MethodGet
	MethodHead
	MethodPut
	MethodDelete
	MethodPropfind
	MethodMkcol
	MethodCopy
	MethodMove
	MethodLock
	MethodUnlock
)

var methodNames = [...]string{
	MethodUnknown:  "UNKNOWN",
	MethodOptions:  "OPTIONS",
	MethodGet:      "GET",
	MethodHead:     "HEAD",
	MethodPut:      "PUT",
	MethodDelete:   "DELETE",
	MethodPropfind: "PROPFIND",
	MethodMkcol:    "MKCOL",
	MethodCopy:     "COPY",
	MethodMove:     "MOVE",
	MethodLock:     "LOCK",
	MethodUnlock:   "UNLOCK",
}

// Methods lists every valid method in declaration order.
var Methods = []Method{
	MethodOptions,
	MethodGet,
	MethodHead,
	MethodPut,
	MethodDelete,
	MethodPropfind,
	MethodMkcol,
	MethodCopy,
	MethodMove,
	MethodLock,
	MethodUnlock,
}

// ParseMethod maps a wire method name to a Method. Matching is
// case-insensitive; unrecognized names return MethodUnknown.
func ParseMethod(name string) Method {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for _, m := range Methods {
		if methodNames[m] == upper {
			return m
		}
	}
	return MethodUnknown
}

func (m Method) String() string {
	if int(m) < len(methodNames) {
		return methodNames[m]
	}
	return "UNKNOWN"
}

// IsValid reports whether m is one of the known methods.
func (m Method) IsValid() bool {
	return m > MethodUnknown && int(m) < len(methodNames)
}

// Mutates reports whether the method changes server-side state.
func (m Method) Mutates() bool {
	switch m {
	case MethodPut, MethodDelete, MethodMkcol, MethodCopy, MethodMove, MethodLock, MethodUnlock:
		return true
	default:
		return false
	}
}

// Priority is the dispatch tier of a request. Higher values are dispatched
// first: Critical > High > Normal > Low.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Max returns the higher of two priorities.
func (p Priority) Max(other Priority) Priority {
	if other > p {
		return other
	}
	return p
}
