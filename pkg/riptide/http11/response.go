package http11

import (
	"context"
	"io"
	"iter"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/valyala/bytebufferpool"
)

// BodyStream produces a response body whose length is not known up front.
// It is a finite, non-restartable sequence of chunks and is consumed
// exactly once. Streams that also implement io.Closer are closed when the
// response is done, whether or not the sequence was drained.
type BodyStream interface {
	// Next returns the next chunk. It returns io.EOF after the last one.
	// Empty chunks are skipped.
	Next() ([]byte, error)
}

// Chunks returns a BodyStream over fixed chunks.
func Chunks(chunks ...[]byte) BodyStream {
	return &sliceStream{chunks: chunks}
}

type sliceStream struct {
	chunks [][]byte
}

func (s *sliceStream) Next() ([]byte, error) {
	if len(s.chunks) == 0 {
		return nil, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

// StreamSeq adapts an iterator into a BodyStream. The iterator is stopped
// when the stream is closed.
func StreamSeq(seq iter.Seq[[]byte]) BodyStream {
	next, stop := iter.Pull(seq)
	return &seqStream{next: next, stop: stop}
}

type seqStream struct {
	next func() ([]byte, bool)
	stop func()
}

func (s *seqStream) Next() ([]byte, error) {
	c, ok := s.next()
	if !ok {
		return nil, io.EOF
	}
	return c, nil
}

func (s *seqStream) Close() error {
	s.stop()
	return nil
}

// Response is what a handler returns.
//
// Exactly one of Body and Stream may be set. The serializer owns body
// framing: Content-Length and Transfer-Encoding set by the handler are
// replaced by the values matching Body or Stream.
type Response struct {
	// Status is the status code. 0 means 200.
	Status int

	// Header fields, written in insertion order.
	Header Header

	// Body is a fixed-length body.
	Body []byte

	// Stream is a body of unknown length, sent chunked.
	Stream BodyStream

	// Close asks the connection to close after this response.
	Close bool
}

// NewResponse returns an empty response with the given status.
func NewResponse(status int) *Response {
	return &Response{Status: status}
}

// TextResponse returns a text/plain response.
func TextResponse(status int, body string) *Response {
	return BytesResponse(status, ContentTypePlain, []byte(body))
}

// BytesResponse returns a response with a fixed body and content type.
func BytesResponse(status int, contentType string, body []byte) *Response {
	r := &Response{Status: status, Body: body}
	if contentType != "" {
		r.Header.add(HeaderContentType, contentType)
	}
	return r
}

// StreamResponse returns a chunked response.
func StreamResponse(status int, contentType string, s BodyStream) *Response {
	r := &Response{Status: status, Stream: s}
	if contentType != "" {
		r.Header.add(HeaderContentType, contentType)
	}
	return r
}

// ErrorResponse returns a text/plain response whose body is the reason
// phrase of status.
func ErrorResponse(status int) *Response {
	return TextResponse(status, StatusText(status))
}

func (r *Response) validate() error {
	if r.Status == 0 {
		r.Status = 200
	}
	if r.Status < 100 || r.Status > 999 {
		return ErrInvalidStatusCode
	}
	if r.Stream != nil && len(r.Body) > 0 {
		return ErrBodyAndStream
	}
	return nil
}

// bodyAllowed reports whether a response with the given status may carry
// a body (RFC 7230 §3.3).
func bodyAllowed(status int) bool {
	return status >= 200 && status != 204 && status != 304
}

// WriteResult describes one serialized response.
type WriteResult struct {
	Status int

	// BodyBytes counts the bytes written after the header section,
	// including chunk framing.
	BodyBytes int64

	// Encoding is the applied content-coding, "" for identity.
	Encoding string

	// HeaderWritten is true once any byte of the response reached the writer.
	HeaderWritten bool

	// Close is true when the response told the client the connection ends.
	Close bool
}

// WriterOptions configures a ResponseWriter.
type WriterOptions struct {
	// Encodings selects the content-coding per request. Nil disables
	// compression.
	Encodings *Negotiator

	// MinCompressSize is the smallest fixed body that is compressed. 0
	// compresses every non-empty body.
	MinCompressSize int
}

// ResponseWriter serializes Responses onto a writer.
//
// Design:
// - Framing (Content-Length vs chunked) is derived from the Response, never
//   trusted from handler headers
// - Fixed bodies are compressed completely before Content-Length is set
// - Streams are compressed per chunk with a flushing encoder
// - The header section is staged in a pooled buffer and written at once
//
// A ResponseWriter is used by one goroutine at a time.
type ResponseWriter struct {
	w    io.Writer
	opts WriterOptions
}

// NewResponseWriter creates a ResponseWriter for w. If w has a
// Flush() error method it is called after each streamed chunk.
func NewResponseWriter(w io.Writer, opts WriterOptions) *ResponseWriter {
	return &ResponseWriter{w: w, opts: opts}
}

// WriteResponse writes resp as the answer to req. req may be nil for
// responses to requests that never parsed. keepAlive selects the
// Connection header; it is forced off when the body must be delimited by
// closing the connection.
//
// Validation failures are returned as KindHandler errors before anything
// is written.
func (rw *ResponseWriter) WriteResponse(ctx context.Context, req *Request, resp *Response, keepAlive bool) (WriteResult, error) {
	if err := resp.validate(); err != nil {
		closeStream(resp.Stream)
		return WriteResult{}, HandlerError(err)
	}

	res := WriteResult{Status: resp.Status}
	// Framing edits go to a copy so a Response may be shared
	fields := resp.Header.Clone()
	hdr := &fields
	bodiless := !bodyAllowed(resp.Status)
	head := req != nil && req.IsHEAD()
	http10 := req != nil && req.ProtoMinor == 0

	hdr.Del(HeaderContentLength)
	hdr.Del(HeaderTransferEncoding)

	var comp *Compressor
	if !bodiless && req != nil && rw.opts.Encodings != nil && !hdr.Has(HeaderContentEncoding) {
		if resp.Stream != nil || (len(resp.Body) > 0 && len(resp.Body) >= rw.opts.MinCompressSize) {
			comp = rw.opts.Encodings.Negotiate(req.Header.Get(HeaderAcceptEncoding))
		}
	}

	body := resp.Body
	if comp != nil {
		if resp.Stream == nil {
			buf := bytebufferpool.Get()
			defer bytebufferpool.Put(buf)
			if err := comp.Compress(buf, body); err != nil {
				return res, HandlerError(err)
			}
			body = buf.B
		}
		hdr.add(HeaderContentEncoding, comp.Name())
		if !hdr.HasToken(HeaderVary, HeaderAcceptEncoding) {
			hdr.add(HeaderVary, HeaderAcceptEncoding)
		}
		res.Encoding = comp.Name()
	}

	stream := resp.Stream != nil && !bodiless
	switch {
	case bodiless:
	case stream && http10:
		// HTTP/1.0 has no chunked coding; the body ends with the connection
		keepAlive = false
	case stream:
		hdr.add(HeaderTransferEncoding, tokenChunked)
	default:
		hdr.add(HeaderContentLength, strconv.Itoa(len(body)))
	}

	hdr.Del(HeaderConnection)
	if !keepAlive {
		hdr.add(HeaderConnection, tokenClose)
	} else if http10 {
		hdr.add(HeaderConnection, tokenKeepAlive)
	}
	if !hdr.Has(HeaderDate) {
		hdr.add(HeaderDate, httpDate(time.Now()))
	}
	if !hdr.Has(HeaderServer) {
		hdr.add(HeaderServer, headerValueServer)
	}
	res.Close = !keepAlive

	if err := rw.writeHeader(resp.Status, hdr); err != nil {
		closeStream(resp.Stream)
		return res, err
	}
	res.HeaderWritten = true

	if head || bodiless {
		closeStream(resp.Stream)
		return res, rw.flush()
	}

	if stream {
		n, err := rw.writeStream(ctx, resp.Stream, comp, http10)
		res.BodyBytes = n
		return res, err
	}

	n, err := rw.w.Write(body)
	res.BodyBytes = int64(n)
	if err != nil {
		return res, err
	}
	return res, rw.flush()
}

// WriteContinue writes the interim 100 Continue response.
func (rw *ResponseWriter) WriteContinue() error {
	if _, err := rw.w.Write(continueMessage); err != nil {
		return err
	}
	return rw.flush()
}

// writeHeader stages the status line and header fields and writes them in
// one call.
func (rw *ResponseWriter) writeHeader(status int, hdr *Header) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	buf.B = append(buf.B, getStatusLine(status)...)
	for _, f := range hdr.fields {
		buf.B = append(buf.B, f.Name...)
		buf.B = append(buf.B, colonSpace...)
		buf.B = append(buf.B, f.Value...)
		buf.B = append(buf.B, crlfBytes...)
	}
	buf.B = append(buf.B, crlfBytes...)
	_, err := rw.w.Write(buf.B)
	return err
}

// writeStream drains s as chunked body. raw writes the bytes unframed for
// HTTP/1.0 clients.
func (rw *ResponseWriter) writeStream(ctx context.Context, s BodyStream, comp *Compressor, raw bool) (int64, error) {
	defer closeStream(s)

	counter := &countingWriter{w: rw.w}
	var dst io.Writer = counter
	var cw *ChunkedWriter
	if !raw {
		cw = NewChunkedWriter(counter)
		dst = cw
	}
	var enc compressWriter
	if comp != nil {
		enc = comp.get(dst)
		defer comp.put(enc)
		dst = enc
	}

	for {
		if err := ctx.Err(); err != nil {
			return counter.n, err
		}
		chunk, err := s.Next()
		if len(chunk) > 0 {
			if _, werr := dst.Write(chunk); werr != nil {
				return counter.n, werr
			}
			if enc != nil {
				if ferr := enc.Flush(); ferr != nil {
					return counter.n, ferr
				}
			}
			if ferr := rw.flush(); ferr != nil {
				return counter.n, ferr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return counter.n, HandlerError(err)
		}
	}

	if enc != nil {
		if err := enc.Close(); err != nil {
			return counter.n, err
		}
	}
	if cw != nil {
		if err := cw.Close(); err != nil {
			return counter.n, err
		}
	}
	return counter.n, rw.flush()
}

// flush flushes the underlying writer if it is buffered.
func (rw *ResponseWriter) flush() error {
	if flusher, ok := rw.w.(interface{ Flush() error }); ok {
		return flusher.Flush()
	}
	return nil
}

func closeStream(s BodyStream) {
	if c, ok := s.(io.Closer); ok {
		c.Close()
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// IMF-fixdate, RFC 7231 §7.1.1.1
const timeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

type dateEntry struct {
	unix  int64
	value string
}

var cachedDate atomic.Pointer[dateEntry]

// httpDate formats now for the Date header, reusing the value within the
// same second.
func httpDate(now time.Time) string {
	sec := now.Unix()
	if e := cachedDate.Load(); e != nil && e.unix == sec {
		return e.value
	}
	e := &dateEntry{unix: sec, value: now.UTC().Format(timeFormat)}
	cachedDate.Store(e)
	return e.value
}

// getStatusLine returns the pre-compiled status line for common status codes.
// For uncommon codes, it builds the status line (1 allocation).
//
// Allocation behavior: 0 allocs/op for common codes, 1 alloc/op for uncommon codes
func getStatusLine(code int) []byte {
	switch code {
	case 100:
		return status100Bytes
	case 200:
		return status200Bytes
	case 201:
		return status201Bytes
	case 204:
		return status204Bytes
	case 304:
		return status304Bytes
	case 400:
		return status400Bytes
	case 404:
		return status404Bytes
	case 405:
		return status405Bytes
	case 413:
		return status413Bytes
	case 414:
		return status414Bytes
	case 431:
		return status431Bytes
	case 500:
		return status500Bytes
	case 503:
		return status503Bytes
	default:
		return buildStatusLine(code)
	}
}

// buildStatusLine builds a status line for uncommon status codes.
func buildStatusLine(code int) []byte {
	// Format: "HTTP/1.1 CODE TEXT\r\n"
	return []byte("HTTP/1.1 " + strconv.Itoa(code) + " " + StatusText(code) + "\r\n")
}

// StatusText returns the canonical reason phrase for an HTTP status code.
// Based on RFC 7231 Section 6.
func StatusText(code int) string {
	switch code {
	// 1xx Informational
	case 100:
		return "Continue"
	case 101:
		return "Switching Protocols"

	// 2xx Success
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 202:
		return "Accepted"
	case 203:
		return "Non-Authoritative Information"
	case 204:
		return "No Content"
	case 205:
		return "Reset Content"
	case 206:
		return "Partial Content"

	// 3xx Redirection
	case 300:
		return "Multiple Choices"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Found"
	case 303:
		return "See Other"
	case 304:
		return "Not Modified"
	case 307:
		return "Temporary Redirect"
	case 308:
		return "Permanent Redirect"

	// 4xx Client Error
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 406:
		return "Not Acceptable"
	case 408:
		return "Request Timeout"
	case 409:
		return "Conflict"
	case 410:
		return "Gone"
	case 411:
		return "Length Required"
	case 412:
		return "Precondition Failed"
	case 413:
		return "Payload Too Large"
	case 414:
		return "URI Too Long"
	case 415:
		return "Unsupported Media Type"
	case 417:
		return "Expectation Failed"
	case 422:
		return "Unprocessable Entity"
	case 429:
		return "Too Many Requests"
	case 431:
		return "Request Header Fields Too Large"

	// 5xx Server Error
	case 500:
		return "Internal Server Error"
	case 501:
		return "Not Implemented"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	case 504:
		return "Gateway Timeout"
	case 505:
		return "HTTP Version Not Supported"

	default:
		return "Unknown"
	}
}
