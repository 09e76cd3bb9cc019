// Package http11 implements an incremental HTTP/1.1 request parser, the
// response serializer and the per-connection keep-alive state machine.
package http11

// HTTP Method IDs for O(1) switching
// These numeric IDs enable fast method identification without string comparisons
type Method uint8

const (
	MethodUnknown Method = iota
	MethodGET
	MethodPOST
	MethodPUT
	MethodDELETE
	MethodPATCH
	MethodHEAD
	MethodOPTIONS
	MethodCONNECT
	MethodTRACE
)

// Protocol versions accepted on the request line.
const (
	ProtoHTTP10 = "HTTP/1.0"
	ProtoHTTP11 = "HTTP/1.1"
)

// Parser limits. Each can be overridden through Limits.
const (
	// DefaultMaxRequestLineSize bounds METHOD SP target SP version.
	DefaultMaxRequestLineSize = 8 * 1024

	// DefaultMaxHeaderBytes bounds the header section (request line excluded).
	DefaultMaxHeaderBytes = 16 * 1024

	// DefaultMaxHeaders bounds the number of header fields.
	DefaultMaxHeaders = 100

	// DefaultMaxBodySize bounds Content-Length and decoded chunked bodies.
	DefaultMaxBodySize = 10 << 20
)

// HTTP Status Lines - Pre-compiled with CRLF for zero-allocation writes
// Covers the statuses this engine produces on its own plus the common
// handler results.
var (
	status100Bytes = []byte("HTTP/1.1 100 Continue\r\n")
	status200Bytes = []byte("HTTP/1.1 200 OK\r\n")
	status201Bytes = []byte("HTTP/1.1 201 Created\r\n")
	status204Bytes = []byte("HTTP/1.1 204 No Content\r\n")
	status304Bytes = []byte("HTTP/1.1 304 Not Modified\r\n")
	status400Bytes = []byte("HTTP/1.1 400 Bad Request\r\n")
	status404Bytes = []byte("HTTP/1.1 404 Not Found\r\n")
	status405Bytes = []byte("HTTP/1.1 405 Method Not Allowed\r\n")
	status413Bytes = []byte("HTTP/1.1 413 Payload Too Large\r\n")
	status414Bytes = []byte("HTTP/1.1 414 URI Too Long\r\n")
	status431Bytes = []byte("HTTP/1.1 431 Request Header Fields Too Large\r\n")
	status500Bytes = []byte("HTTP/1.1 500 Internal Server Error\r\n")
	status503Bytes = []byte("HTTP/1.1 503 Service Unavailable\r\n")
)

// Common HTTP header names and tokens.
const (
	HeaderAcceptEncoding   = "Accept-Encoding"
	HeaderAllow            = "Allow"
	HeaderConnection       = "Connection"
	HeaderContentEncoding  = "Content-Encoding"
	HeaderContentLength    = "Content-Length"
	HeaderContentType      = "Content-Type"
	HeaderDate             = "Date"
	HeaderExpect           = "Expect"
	HeaderHost             = "Host"
	HeaderServer           = "Server"
	HeaderTransferEncoding = "Transfer-Encoding"
	HeaderUserAgent        = "User-Agent"
	HeaderVary             = "Vary"

	tokenChunked      = "chunked"
	tokenClose        = "close"
	tokenKeepAlive    = "keep-alive"
	token100Continue  = "100-continue"
	tokenIdentity     = "identity"
	headerValueServer = "riptide"
)

// Content types used by the convenience constructors.
const (
	ContentTypePlain       = "text/plain"
	ContentTypeHTML        = "text/html; charset=utf-8"
	ContentTypeJSON        = "application/json"
	ContentTypeOctetStream = "application/octet-stream"
)

var (
	crlfBytes       = []byte("\r\n")
	colonSpace      = []byte(": ")
	lastChunkBytes  = []byte("0\r\n\r\n")
	continueMessage = []byte("HTTP/1.1 100 Continue\r\n\r\n")
)
