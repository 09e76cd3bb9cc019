// Package router maps a request's method and path to an http11.Handler.
package router

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/watt-toolkit/riptide/pkg/riptide/http11"
)

// Router dispatches requests by method and path.
//
// Matching:
//   - An exact static route beats every pattern
//   - Among patterns, the longest literal prefix wins; equal prefixes keep
//     registration order
//   - A path that matches but has no handler for the method gets 405 with
//     an Allow header
//   - Everything else goes to NotFound
//
// Routes are registered at startup. The first lookup freezes the table;
// from then on it is read without locks and Handle panics.
type Router struct {
	// NotFound answers requests no route matches. Nil answers 404.
	// Set it before the router starts serving.
	NotFound http11.Handler

	mu       sync.Mutex
	frozen   atomic.Bool
	static   map[string]*route
	patterns []*route
}

// route is one path with its handlers by method.
type route struct {
	pattern  *pattern
	handlers map[string]http11.Handler
	seq      int
}

// New creates an empty router.
func New() *Router {
	return &Router{
		static: make(map[string]*route),
	}
}

// Handle registers h for method and path. Registering the same method and
// path twice replaces the earlier handler.
//
// Handle panics on an invalid pattern or once the router has served a
// request.
func (r *Router) Handle(method, path string, h http11.Handler) {
	if method == "" {
		panic("router: empty method")
	}
	if h == nil {
		panic("router: nil handler for " + method + " " + path)
	}
	p, err := parsePattern(path)
	if err != nil {
		panic(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen.Load() {
		panic("router: cannot add " + method + " " + path + " after the router started serving")
	}

	rt := r.find(p)
	if rt == nil {
		rt = &route{
			pattern:  p,
			handlers: make(map[string]http11.Handler),
			seq:      len(r.static) + len(r.patterns),
		}
		if p.dynamic {
			r.patterns = append(r.patterns, rt)
		} else {
			r.static[path] = rt
		}
	}
	rt.handlers[method] = h
}

func (r *Router) find(p *pattern) *route {
	if !p.dynamic {
		return r.static[p.raw]
	}
	for _, rt := range r.patterns {
		if rt.pattern.raw == p.raw {
			return rt
		}
	}
	return nil
}

// HandleFunc registers f for method and path.
func (r *Router) HandleFunc(method, path string, f func(context.Context, *http11.Request) (*http11.Response, error)) {
	r.Handle(method, path, http11.HandlerFunc(f))
}

// Get registers h for GET (and therefore HEAD) requests.
func (r *Router) Get(path string, h http11.Handler) { r.Handle("GET", path, h) }

// Post registers h for POST requests.
func (r *Router) Post(path string, h http11.Handler) { r.Handle("POST", path, h) }

// Put registers h for PUT requests.
func (r *Router) Put(path string, h http11.Handler) { r.Handle("PUT", path, h) }

// Delete registers h for DELETE requests.
func (r *Router) Delete(path string, h http11.Handler) { r.Handle("DELETE", path, h) }

// freeze sorts the patterns once; the table is immutable afterwards.
func (r *Router) freeze() {
	if r.frozen.Load() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen.Load() {
		return
	}
	slices.SortStableFunc(r.patterns, func(a, b *route) int {
		if d := len(b.pattern.prefix) - len(a.pattern.prefix); d != 0 {
			return d
		}
		return a.seq - b.seq
	})
	r.frozen.Store(true)
}

// Match is the outcome of a lookup.
type Match struct {
	// Handler is nil when nothing matched the method.
	Handler http11.Handler

	// Params holds the captured path parameters.
	Params http11.Params

	// Pattern is the matched route pattern.
	Pattern string

	// Allow lists the methods the path supports when it matched but the
	// method did not. Empty for a plain miss.
	Allow []string
}

// Lookup finds the handler for method and path. A HEAD request falls back
// to the GET handler.
func (r *Router) Lookup(method, path string) Match {
	r.freeze()

	var m Match
	var allow []string
	try := func(rt *route, params http11.Params) bool {
		h := rt.handlers[method]
		if h == nil && method == "HEAD" {
			h = rt.handlers["GET"]
		}
		if h == nil {
			allow = appendMethods(allow, rt)
			return false
		}
		m = Match{Handler: h, Params: params, Pattern: rt.pattern.raw}
		return true
	}

	if rt, ok := r.static[path]; ok && try(rt, nil) {
		return m
	}
	for _, rt := range r.patterns {
		params, ok := rt.pattern.match(path, nil)
		if ok && try(rt, params) {
			return m
		}
	}

	if len(allow) > 0 {
		slices.Sort(allow)
		m.Allow = slices.Compact(allow)
	}
	return m
}

func appendMethods(dst []string, rt *route) []string {
	for method := range rt.handlers {
		dst = append(dst, method)
		if method == "GET" {
			dst = append(dst, "HEAD")
		}
	}
	return dst
}

// ServeRequest implements http11.Handler.
func (r *Router) ServeRequest(ctx context.Context, req *http11.Request) (*http11.Response, error) {
	m := r.Lookup(req.RawMethod, req.Path)
	if m.Handler != nil {
		req.Params = m.Params
		return m.Handler.ServeRequest(ctx, req)
	}

	if len(m.Allow) > 0 {
		resp := http11.ErrorResponse(405)
		resp.Header.Set(http11.HeaderAllow, strings.Join(m.Allow, ", "))
		return resp, nil
	}

	if r.NotFound != nil {
		return r.NotFound.ServeRequest(ctx, req)
	}
	return http11.ErrorResponse(404), nil
}
