package router

import (
	"fmt"
	"strings"

	"github.com/watt-toolkit/riptide/pkg/riptide/http11"
)

// segment is one '/'-separated piece of a route pattern.
type segment struct {
	literal string
	param   string // set for :name and *name
	wild    bool   // *name, consumes the rest of the path
}

// pattern is a compiled route pattern.
//
// Syntax:
//   - Static:    "/users"        (exact match)
//   - Parameter: "/users/:id"    (one non-empty segment)
//   - Wildcard:  "/files/*path"  (rest of the path, must be last)
type pattern struct {
	raw      string
	segments []segment
	dynamic  bool

	// prefix is the literal text before the first dynamic segment.
	prefix string
}

func parsePattern(raw string) (*pattern, error) {
	if raw == "" || raw[0] != '/' {
		return nil, fmt.Errorf("router: pattern %q must begin with '/'", raw)
	}

	p := &pattern{raw: raw, prefix: raw}
	parts := strings.Split(raw[1:], "/")
	seen := make(map[string]bool, len(parts))

	offset := 1
	for i, part := range parts {
		seg := segment{literal: part}
		if part != "" && (part[0] == ':' || part[0] == '*') {
			name := part[1:]
			if name == "" {
				return nil, fmt.Errorf("router: unnamed parameter in pattern %q", raw)
			}
			if strings.ContainsAny(name, ":*") {
				return nil, fmt.Errorf("router: invalid parameter %q in pattern %q", part, raw)
			}
			if seen[name] {
				return nil, fmt.Errorf("router: duplicate parameter %q in pattern %q", name, raw)
			}
			seen[name] = true

			seg = segment{param: name, wild: part[0] == '*'}
			if seg.wild && i != len(parts)-1 {
				return nil, fmt.Errorf("router: wildcard %q must be the last segment of %q", part, raw)
			}
			if !p.dynamic {
				p.dynamic = true
				p.prefix = raw[:offset]
			}
		} else if strings.ContainsAny(part, ":*") {
			return nil, fmt.Errorf("router: %q mixes literal text and a parameter in pattern %q", part, raw)
		}
		p.segments = append(p.segments, seg)
		offset += len(part) + 1
	}
	return p, nil
}

// match reports whether path matches p and appends the captured
// parameters to params.
func (p *pattern) match(path string, params http11.Params) (http11.Params, bool) {
	if len(path) == 0 || path[0] != '/' {
		return params, false
	}
	if !p.dynamic {
		return params, path == p.raw
	}
	if !strings.HasPrefix(path, p.prefix) {
		return params, false
	}

	rest := path[1:]
	for i, seg := range p.segments {
		if seg.wild {
			return append(params, http11.Param{Key: seg.param, Value: rest}), true
		}

		part, tail, more := strings.Cut(rest, "/")
		last := i == len(p.segments)-1
		if last == more {
			// Segment counts differ
			return params, false
		}

		if seg.param != "" {
			if part == "" {
				return params, false
			}
			params = append(params, http11.Param{Key: seg.param, Value: part})
		} else if part != seg.literal {
			return params, false
		}
		rest = tail
	}
	return params, true
}
