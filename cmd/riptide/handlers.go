package main

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"

	"github.com/watt-toolkit/riptide/pkg/riptide/bytesource"
	"github.com/watt-toolkit/riptide/pkg/riptide/http11"
	"github.com/watt-toolkit/riptide/pkg/riptide/router"
	"github.com/watt-toolkit/riptide/pkg/riptide/server"
)

// maxStreamChunks bounds /stream/:count.
const maxStreamChunks = 1000

// files is what the /files routes need from storage.
type files interface {
	bytesource.Source
	bytesource.Sink
}

// routes builds the application router. store may be nil, in which case
// the /files routes are not registered; metrics may be nil too.
func routes(store files, metrics *server.Metrics) *router.Router {
	r := router.New()
	r.HandleFunc("GET", "/", handleRoot)
	r.HandleFunc("GET", "/echo/*msg", handleEcho)
	r.HandleFunc("GET", "/user-agent", handleUserAgent)
	r.HandleFunc("GET", "/stream/:count", handleStream)

	if store != nil {
		h := fileHandler{store: store}
		r.HandleFunc("GET", "/files/:name", h.get)
		r.HandleFunc("POST", "/files/:name", h.post)
	}
	if metrics != nil {
		r.Handle("GET", "/metrics", metrics.Handler())
	}
	return r
}

func handleRoot(ctx context.Context, req *http11.Request) (*http11.Response, error) {
	return http11.NewResponse(200), nil
}

func handleEcho(ctx context.Context, req *http11.Request) (*http11.Response, error) {
	return http11.TextResponse(200, req.Params.Get("msg")), nil
}

func handleUserAgent(ctx context.Context, req *http11.Request) (*http11.Response, error) {
	return http11.TextResponse(200, req.Header.Get("User-Agent")), nil
}

// handleStream answers with count chunks using chunked transfer coding.
func handleStream(ctx context.Context, req *http11.Request) (*http11.Response, error) {
	count, err := strconv.Atoi(req.Params.Get("count"))
	if err != nil || count < 0 || count > maxStreamChunks {
		return http11.ErrorResponse(400), nil
	}

	var seq iter.Seq[[]byte] = func(yield func([]byte) bool) {
		for i := range count {
			if !yield(fmt.Appendf(nil, "chunk %d\n", i)) {
				return
			}
		}
	}
	return http11.StreamResponse(200, http11.ContentTypePlain, http11.StreamSeq(seq)), nil
}

type fileHandler struct {
	store files
}

func (h fileHandler) get(ctx context.Context, req *http11.Request) (*http11.Response, error) {
	name := req.Params.Get("name")
	data, err := h.store.ReadFile(ctx, name)
	switch {
	case err == nil:
		return http11.BytesResponse(200, http11.ContentTypeOctetStream, data), nil
	case errors.Is(err, bytesource.ErrNotFound), errors.Is(err, bytesource.ErrInvalidName):
		return http11.ErrorResponse(404), nil
	default:
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
}

func (h fileHandler) post(ctx context.Context, req *http11.Request) (*http11.Response, error) {
	name := req.Params.Get("name")
	err := h.store.WriteFile(ctx, name, req.Body)
	switch {
	case err == nil:
		return http11.NewResponse(201), nil
	case errors.Is(err, bytesource.ErrInvalidName):
		return http11.ErrorResponse(404), nil
	default:
		return nil, fmt.Errorf("write %s: %w", name, err)
	}
}
