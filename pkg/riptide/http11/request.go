package http11

import (
	"context"
	"strings"
)

// Request represents a fully framed HTTP/1.x request.
//
// A Request is only handed out by the Parser once the header section is
// terminated and the body is complete (Content-Length bytes received or
// the chunked encoding fully decoded). All fields are owned copies and stay
// valid after the connection buffer is reused.
type Request struct {
	// Method as numeric ID for O(1) switching.
	// MethodUnknown for tokens outside the built-in set; see RawMethod.
	Method Method

	// RawMethod is the method token exactly as received.
	RawMethod string

	// RawTarget is the request-target as received (path and query).
	RawTarget string

	// RawPath is RawTarget before '?', still percent-encoded.
	RawPath string

	// Path is RawPath with percent-escapes decoded.
	Path string

	// RawQuery is the text after '?', without the '?'.
	RawQuery string

	// Proto is "HTTP/1.0" or "HTTP/1.1".
	Proto      string
	ProtoMajor int
	ProtoMinor int

	// Header holds the fields in wire order; duplicates are kept.
	Header Header

	// Body is the complete, de-chunked body. Empty when absent.
	Body []byte

	// ContentLength is the declared length, or -1 when the body was chunked.
	ContentLength int64

	// Chunked is true when the body arrived with Transfer-Encoding: chunked.
	Chunked bool

	// RemoteAddr is the network address of the client.
	RemoteAddr string

	// Params holds path parameters filled in by the router.
	Params Params

	ctx context.Context
}

// Param is a single named path parameter.
type Param struct {
	Key   string
	Value string
}

// Params is the ordered set of path parameters of a matched route.
type Params []Param

// Get returns the value of the named parameter, or "".
func (ps Params) Get(name string) string {
	for _, p := range ps {
		if p.Key == name {
			return p.Value
		}
	}
	return ""
}

// Context returns the request's context. It is cancelled when the
// processing deadline passes or the connection closes.
func (r *Request) Context() context.Context {
	if r.ctx != nil {
		return r.ctx
	}
	return context.Background()
}

// WithContext returns a shallow copy of r carrying ctx.
func (r *Request) WithContext(ctx context.Context) *Request {
	r2 := *r
	r2.ctx = ctx
	return &r2
}

// KeepAlive reports whether the client declared or implied a persistent
// connection: HTTP/1.1 defaults to keep-alive unless "Connection: close";
// HTTP/1.0 defaults to close unless "Connection: keep-alive".
func (r *Request) KeepAlive() bool {
	if r.Header.HasToken(HeaderConnection, tokenClose) {
		return false
	}
	if r.ProtoMajor == 1 && r.ProtoMinor == 0 {
		return r.Header.HasToken(HeaderConnection, tokenKeepAlive)
	}
	return true
}

// ExpectsContinue reports whether the client sent Expect: 100-continue.
func (r *Request) ExpectsContinue() bool {
	return r.ProtoMinor >= 1 && strings.EqualFold(r.Header.Get(HeaderExpect), token100Continue)
}

// IsHEAD returns true if the request method is HEAD.
func (r *Request) IsHEAD() bool {
	return r.Method == MethodHEAD
}
