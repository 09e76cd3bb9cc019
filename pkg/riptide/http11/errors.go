package http11

import (
	"errors"
	"fmt"
	"net"
	"os"
)

// ErrorKind classifies a failure by how the connection must react to it.
type ErrorKind uint8

const (
	// KindParse is a malformed request line, header or body framing.
	// Answered with 400 and the connection is closed.
	KindParse ErrorKind = iota + 1

	// KindProtocolViolation is a well-formed but contradictory message,
	// e.g. Content-Length together with Transfer-Encoding.
	// Answered with 400 and the connection is closed.
	KindProtocolViolation

	// KindResourceLimit is a request exceeding a configured size limit.
	// Answered with 413/414/431 and the connection is closed.
	KindResourceLimit

	// KindHandler is an application failure. Answered with 500; the
	// connection stays open when keep-alive still holds.
	KindHandler

	// KindIO is a socket-level failure. Fatal to the connection only.
	KindIO

	// KindTimeout is an idle or processing timeout. The connection is
	// closed without a response.
	KindTimeout
)

// String returns the name used in logs and metric labels.
func (k ErrorKind) String() string {
	switch k {
	case KindParse:
		return "parse"
	case KindProtocolViolation:
		return "protocol_violation"
	case KindResourceLimit:
		return "resource_limit"
	case KindHandler:
		return "handler"
	case KindIO:
		return "io"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Parser errors - Pre-allocated for zero runtime allocation
var (
	// ErrNeedMore is returned by Parser.Parse when the buffer does not yet
	// hold a complete request. It is not a failure.
	ErrNeedMore = errors.New("http11: need more bytes")

	// ErrInvalidRequestLine indicates the request line is malformed
	// Request line format: METHOD SP target SP HTTP/version CRLF
	ErrInvalidRequestLine = errors.New("http11: invalid request line")

	// ErrInvalidMethod indicates an empty or non-token method
	ErrInvalidMethod = errors.New("http11: invalid HTTP method")

	// ErrInvalidPath indicates the request target is empty or malformed
	ErrInvalidPath = errors.New("http11: invalid request target")

	// ErrInvalidProtocol indicates a version other than HTTP/1.0 or HTTP/1.1
	ErrInvalidProtocol = errors.New("http11: invalid or unsupported protocol version")

	// ErrInvalidHeader indicates a malformed header line
	// Headers must be in format: Name: Value\r\n
	ErrInvalidHeader = errors.New("http11: invalid HTTP header")

	// ErrHeaderFolding indicates an obsolete folded continuation line
	ErrHeaderFolding = errors.New("http11: obsolete header line folding")

	// ErrBareLF indicates a line terminated by LF without CR
	ErrBareLF = errors.New("http11: line not terminated by CRLF")

	// ErrChunkedEncoding indicates an error parsing chunked transfer encoding
	ErrChunkedEncoding = errors.New("http11: chunked encoding error")

	// ErrInvalidContentLength indicates Content-Length is negative or not a number
	ErrInvalidContentLength = errors.New("http11: invalid Content-Length")

	// ErrContentLengthWithTransferEncoding indicates a request has both headers
	// RFC 7230 §3.3.3: This MUST be rejected to prevent smuggling attacks
	ErrContentLengthWithTransferEncoding = errors.New("http11: request has both Content-Length and Transfer-Encoding")

	// ErrDuplicateContentLength indicates multiple Content-Length headers with different values
	ErrDuplicateContentLength = errors.New("http11: duplicate Content-Length headers with different values")

	// ErrUnsupportedTransferEncoding indicates a Transfer-Encoding whose final coding is not chunked
	ErrUnsupportedTransferEncoding = errors.New("http11: unsupported Transfer-Encoding")

	// ErrDuplicateHost indicates more than one Host header
	ErrDuplicateHost = errors.New("http11: multiple Host headers")

	// ErrRequestLineTooLarge indicates the request line exceeds the limit
	ErrRequestLineTooLarge = errors.New("http11: request line too large")

	// ErrHeadersTooLarge indicates the header section exceeds the limit
	ErrHeadersTooLarge = errors.New("http11: headers too large")

	// ErrTooManyHeaders indicates more header fields than allowed
	ErrTooManyHeaders = errors.New("http11: too many headers")

	// ErrBodyTooLarge indicates a declared or decoded body above the limit
	ErrBodyTooLarge = errors.New("http11: request body too large")

	// ErrBufferFull indicates the per-connection read buffer filled up
	// before a request was framed
	ErrBufferFull = errors.New("http11: read buffer full")
)

// Connection errors
var (
	// ErrConnectionClosed indicates the connection has been closed
	ErrConnectionClosed = errors.New("http11: connection closed")

	// ErrIdleTimeout indicates no bytes arrived within the idle window
	ErrIdleTimeout = errors.New("http11: idle timeout")

	// ErrHandlerTimeout indicates a handler exceeded its processing deadline
	ErrHandlerTimeout = errors.New("http11: handler timeout")

	// ErrHandlerPanic indicates a handler panicked
	ErrHandlerPanic = errors.New("http11: handler panic")

	// ErrNilResponse indicates a handler returned neither a response nor an error
	ErrNilResponse = errors.New("http11: handler returned nil response")
)

// Response errors
var (
	// ErrInvalidStatusCode indicates a status outside 100-999
	ErrInvalidStatusCode = errors.New("http11: invalid status code")

	// ErrBodyAndStream indicates a response carrying both a fixed body and a stream
	ErrBodyAndStream = errors.New("http11: response has both Body and Stream")

	// ErrUnknownEncoding indicates a content-coding this server cannot produce
	ErrUnknownEncoding = errors.New("http11: unknown content encoding")
)

// Error is a classified failure. The parser, the connection and the
// serializer only surface errors of this type; the wrapped sentinel stays
// reachable through errors.Is.
type Error struct {
	// Kind decides how the connection reacts.
	Kind ErrorKind

	// Status is the response status to send, 0 when no response is sent.
	Status int

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, status int, err error) *Error {
	return &Error{Kind: kind, Status: status, Err: err}
}

func parseError(err error) *Error {
	return newError(KindParse, 400, err)
}

func protocolError(err error) *Error {
	return newError(KindProtocolViolation, 400, err)
}

func limitError(status int, err error) *Error {
	return newError(KindResourceLimit, status, err)
}

// HandlerError wraps an application failure so it is answered with 500.
func HandlerError(err error) *Error {
	return newError(KindHandler, 500, err)
}

// KindOf returns the classification of err. Unclassified errors are
// treated as I/O failures unless they are timeouts.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if isTimeout(err) {
		return KindTimeout
	}
	return KindIO
}

// StatusFor returns the status line the connection writes for err, or 0
// when the connection must close without a response.
func StatusFor(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
