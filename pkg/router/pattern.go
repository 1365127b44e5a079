package router

import (
	"fmt"
	"strings"
)

type segmentKind uint8

const (
	segLiteral segmentKind = iota
	segParam
	segCatchAll
)

type segment struct {
	kind  segmentKind
	value string // literal text or parameter name
}

// pattern is a compiled route pattern such as /dav/{path...}.
//
// Segments are separated by '/'. A segment is a literal, a {name} parameter
// matching exactly one non-empty segment, or a trailing {name...} matching
// the remaining segments (possibly none).
type pattern struct {
	raw      string
	segments []segment
}

func compilePattern(raw string) (*pattern, error) {
	if !strings.HasPrefix(raw, "/") {
		return nil, fmt.Errorf("pattern %q must start with '/'", raw)
	}

	parts := splitPath(raw)
	p := &pattern{raw: raw, segments: make([]segment, 0, len(parts))}
	seen := make(map[string]bool)

	for i, part := range parts {
		if !strings.HasPrefix(part, "{") || !strings.HasSuffix(part, "}") {
			if strings.ContainsAny(part, "{}") {
				return nil, fmt.Errorf("pattern %q: malformed segment %q", raw, part)
			}
			p.segments = append(p.segments, segment{kind: segLiteral, value: part})
			continue
		}

		name := part[1 : len(part)-1]
		kind := segParam
		if strings.HasSuffix(name, "...") {
			if i != len(parts)-1 {
				return nil, fmt.Errorf("pattern %q: catch-all %q must be the last segment", raw, part)
			}
			name = strings.TrimSuffix(name, "...")
			kind = segCatchAll
		}
		if name == "" {
			return nil, fmt.Errorf("pattern %q: empty parameter name", raw)
		}
		if seen[name] {
			return nil, fmt.Errorf("pattern %q: duplicate parameter %q", raw, name)
		}
		seen[name] = true
		p.segments = append(p.segments, segment{kind: kind, value: name})
	}

	return p, nil
}

// match reports whether the split path matches and returns the extracted
// parameters.
func (p *pattern) match(parts []string) (map[string]string, bool) {
	var params map[string]string
	setParam := func(name, value string) {
		if params == nil {
			params = make(map[string]string, len(p.segments))
		}
		params[name] = value
	}

	for i, seg := range p.segments {
		if seg.kind == segCatchAll {
			if i > len(parts) {
				return nil, false
			}
			setParam(seg.value, strings.Join(parts[i:], "/"))
			return params, true
		}
		if i >= len(parts) {
			return nil, false
		}
		switch seg.kind {
		case segLiteral:
			if parts[i] != seg.value {
				return nil, false
			}
		case segParam:
			if parts[i] == "" {
				return nil, false
			}
			setParam(seg.value, parts[i])
		}
	}

	if len(parts) != len(p.segments) {
		return nil, false
	}
	return params, true
}

// splitPath splits "/a/b/" into ["a", "b", ""]. The root path yields [""].
func splitPath(path string) []string {
	return strings.Split(strings.TrimPrefix(path, "/"), "/")
}
