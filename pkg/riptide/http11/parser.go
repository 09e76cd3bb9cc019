package http11

import (
	"bytes"
	"iter"
	"math"
	"net/url"
	"strconv"
	"strings"
)

// maxChunkLineSize bounds a chunk-size line including extensions.
const maxChunkLineSize = 4096

// Pre-classified line-length failures, shared to keep the hot path
// allocation free.
var (
	errRequestLineTooLarge = limitError(414, ErrRequestLineTooLarge)
	errHeadersTooLarge     = limitError(431, ErrHeadersTooLarge)
	errChunkLineTooLarge   = parseError(ErrChunkedEncoding)
)

// Limits bounds what a Parser accepts before failing with a
// KindResourceLimit error.
type Limits struct {
	// MaxRequestLineSize bounds the request line. Exceeding it yields 414.
	MaxRequestLineSize int

	// MaxHeaderBytes bounds the header section. Exceeding it yields 431.
	MaxHeaderBytes int

	// MaxHeaders bounds the number of header fields. Exceeding it yields 431.
	MaxHeaders int

	// MaxBodySize bounds Content-Length and decoded chunked bodies.
	// Exceeding it yields 413.
	MaxBodySize int64
}

// DefaultLimits returns the default parser limits.
func DefaultLimits() Limits {
	return Limits{
		MaxRequestLineSize: DefaultMaxRequestLineSize,
		MaxHeaderBytes:     DefaultMaxHeaderBytes,
		MaxHeaders:         DefaultMaxHeaders,
		MaxBodySize:        DefaultMaxBodySize,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxRequestLineSize <= 0 {
		l.MaxRequestLineSize = d.MaxRequestLineSize
	}
	if l.MaxHeaderBytes <= 0 {
		l.MaxHeaderBytes = d.MaxHeaderBytes
	}
	if l.MaxHeaders <= 0 {
		l.MaxHeaders = d.MaxHeaders
	}
	if l.MaxBodySize <= 0 {
		l.MaxBodySize = d.MaxBodySize
	}
	return l
}

// ParserState is the coarse progress of a parse cycle.
type ParserState uint8

const (
	AwaitingRequestLine ParserState = iota
	AwaitingHeaders
	AwaitingBody
	Complete
	Failed
)

// String returns the state name.
func (s ParserState) String() string {
	switch s {
	case AwaitingRequestLine:
		return "awaiting-request-line"
	case AwaitingHeaders:
		return "awaiting-headers"
	case AwaitingBody:
		return "awaiting-body"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// parserState is the fine-grained position inside the message.
type parserState uint8

const (
	stateRequestLine parserState = iota
	stateHeaders
	stateBodyFixed
	stateChunkSize
	stateChunkData
	stateChunkDataEnd
	stateTrailers
	stateComplete
	stateFailed
)

// Parser is a resumable HTTP/1.1 request parser.
//
// Design:
// - Byte-stream state machine; never blocks and never reads from a socket
// - Parse is called with the unconsumed connection buffer; when it returns
//   ErrNeedMore the caller appends newly read bytes and calls Parse again
//   with the same buffer prefix. Progress (cursor, partial request, chunk
//   state) is kept between calls so nothing is scanned twice
// - A Request is only returned once fully framed
// - Bytes after the returned request are left untouched for the next
//   cycle, which is what makes pipelining work
//
// A Parser is owned by exactly one connection and is not safe for
// concurrent use.
type Parser struct {
	limits Limits

	state parserState
	err   error

	// pos is the number of bytes of the current message consumed so far.
	pos int
	// scan is the offset up to which no LF has been seen on the current line.
	scan int
	// headerStart is the offset at which the header section began.
	headerStart int

	req *Request

	// remaining counts body bytes left in a fixed body or the current chunk.
	remaining int64

	hasContentLength bool
	hasHost          bool
	transferCodings  []string
}

// NewParser creates a new HTTP/1.1 parser with the given limits. Zero
// fields in limits take their defaults.
func NewParser(limits Limits) *Parser {
	return &Parser{limits: limits.withDefaults()}
}

// Parse advances the state machine as far as buf allows.
//
// It returns exactly one of:
//   - (req, n, nil): a complete request occupying buf[:n]
//   - (nil, 0, ErrNeedMore): read more bytes, append them, call again
//   - (nil, 0, *Error): the request is malformed; the parser stays failed
//     until Reset
//
// buf must start at the first byte of the current message and must keep
// the bytes passed to previous calls of this cycle unchanged.
func (p *Parser) Parse(buf []byte) (*Request, int, error) {
	if p.state == stateFailed {
		return nil, 0, p.err
	}

	for {
		var err error
		switch p.state {
		case stateRequestLine:
			err = p.parseRequestLine(buf)
		case stateHeaders:
			err = p.parseHeaderLine(buf)
		case stateBodyFixed:
			err = p.parseFixedBody(buf)
		case stateChunkSize:
			err = p.parseChunkSize(buf)
		case stateChunkData:
			err = p.parseChunkData(buf)
		case stateChunkDataEnd:
			err = p.parseChunkDataEnd(buf)
		case stateTrailers:
			err = p.parseTrailer(buf)
		case stateComplete:
			req, n := p.req, p.pos
			p.Reset()
			return req, n, nil
		}

		if err == ErrNeedMore {
			return nil, 0, ErrNeedMore
		}
		if err != nil {
			p.state = stateFailed
			p.err = err
			return nil, 0, err
		}
	}
}

// State reports the coarse progress of the current cycle.
func (p *Parser) State() ParserState {
	switch p.state {
	case stateRequestLine:
		return AwaitingRequestLine
	case stateHeaders:
		return AwaitingHeaders
	case stateComplete:
		return Complete
	case stateFailed:
		return Failed
	default:
		return AwaitingBody
	}
}

// Pending returns the request whose headers are framed but whose body is
// still arriving, or nil. The connection uses it to answer
// Expect: 100-continue.
func (p *Parser) Pending() *Request {
	if p.State() == AwaitingBody {
		return p.req
	}
	return nil
}

// Reset returns the parser to AwaitingRequestLine for the next cycle.
func (p *Parser) Reset() {
	p.state = stateRequestLine
	p.err = nil
	p.pos = 0
	p.scan = 0
	p.headerStart = 0
	p.req = nil
	p.remaining = 0
	p.hasContentLength = false
	p.hasHost = false
	p.transferCodings = p.transferCodings[:0]
}

// nextLine returns the next CRLF-terminated line starting at p.pos, without
// the CRLF, and advances the cursor past it. Lines longer than max fail
// with tooLarge even before their terminator arrives.
func (p *Parser) nextLine(buf []byte, max int, tooLarge error) ([]byte, error) {
	if p.scan < p.pos {
		p.scan = p.pos
	}
	idx := bytes.IndexByte(buf[p.scan:], '\n')
	if idx == -1 {
		p.scan = len(buf)
		if len(buf)-p.pos > max+1 {
			return nil, tooLarge
		}
		return nil, ErrNeedMore
	}

	end := p.scan + idx
	if end == p.pos || buf[end-1] != '\r' {
		return nil, parseError(ErrBareLF)
	}
	line := buf[p.pos : end-1]
	if len(line) > max {
		return nil, tooLarge
	}
	p.pos = end + 1
	p.scan = p.pos
	return line, nil
}

// parseRequestLine parses "METHOD SP request-target SP HTTP-version CRLF".
// Empty lines before the request line are skipped (RFC 7230 §3.5).
func (p *Parser) parseRequestLine(buf []byte) error {
	line, err := p.nextLine(buf, p.limits.MaxRequestLineSize, errRequestLineTooLarge)
	if err != nil {
		return err
	}
	if len(line) == 0 {
		return nil
	}

	sp := bytes.IndexByte(line, ' ')
	switch {
	case sp == -1:
		return parseError(ErrInvalidRequestLine)
	case sp == 0:
		return parseError(ErrInvalidMethod)
	}
	method := line[:sp]
	for _, c := range method {
		if !isTokenChar(c) {
			return parseError(ErrInvalidMethod)
		}
	}

	rest := line[sp+1:]
	sp = bytes.IndexByte(rest, ' ')
	switch {
	case sp == -1:
		return parseError(ErrInvalidRequestLine)
	case sp == 0:
		return parseError(ErrInvalidPath)
	}
	target := rest[:sp]
	version := rest[sp+1:]

	req := &Request{
		Method:    ParseMethod(method),
		RawMethod: string(method),
		RawTarget: string(target),
	}

	switch string(version) {
	case ProtoHTTP11:
		req.Proto, req.ProtoMajor, req.ProtoMinor = ProtoHTTP11, 1, 1
	case ProtoHTTP10:
		req.Proto, req.ProtoMajor, req.ProtoMinor = ProtoHTTP10, 1, 0
	default:
		return parseError(ErrInvalidProtocol)
	}

	if err := splitTarget(req); err != nil {
		return err
	}

	p.req = req
	p.headerStart = p.pos
	p.state = stateHeaders
	return nil
}

// splitTarget validates the request-target and fills RawPath, RawQuery
// and the unescaped Path.
func splitTarget(req *Request) error {
	target := req.RawTarget
	for i := 0; i < len(target); i++ {
		if c := target[i]; c <= ' ' || c == 0x7f {
			return parseError(ErrInvalidPath)
		}
	}
	if target != "*" && target[0] != '/' {
		return parseError(ErrInvalidPath)
	}

	rawPath, rawQuery := target, ""
	if i := indexByteString(target, '?'); i >= 0 {
		rawPath, rawQuery = target[:i], target[i+1:]
	}
	path, err := url.PathUnescape(rawPath)
	if err != nil {
		return parseError(ErrInvalidPath)
	}
	req.RawPath = rawPath
	req.RawQuery = rawQuery
	req.Path = path
	return nil
}

// parseHeaderLine consumes one header line, or the blank line that ends
// the header section.
func (p *Parser) parseHeaderLine(buf []byte) error {
	budget := p.limits.MaxHeaderBytes - (p.pos - p.headerStart)
	if budget < 0 {
		budget = 0
	}
	line, err := p.nextLine(buf, budget, errHeadersTooLarge)
	if err != nil {
		return err
	}
	if len(line) == 0 {
		return p.finishHeaders()
	}

	// Obsolete line folding is not supported
	if line[0] == ' ' || line[0] == '\t' {
		return parseError(ErrHeaderFolding)
	}

	name, value, err := splitHeaderLine(line)
	if err != nil {
		return err
	}

	if p.req.Header.Len() >= p.limits.MaxHeaders {
		return limitError(431, ErrTooManyHeaders)
	}

	n, v := string(name), string(value)
	p.req.Header.add(n, v)
	return p.processSpecialHeader(name, v)
}

// splitHeaderLine splits on the first colon and trims the value.
// RFC 7230 §3.2.4: no whitespace is allowed between field name and colon.
func splitHeaderLine(line []byte) (name, value []byte, err error) {
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return nil, nil, parseError(ErrInvalidHeader)
	}
	name = line[:colon]
	for _, c := range name {
		if !isTokenChar(c) {
			return nil, nil, parseError(ErrInvalidHeader)
		}
	}
	value = trimOWS(line[colon+1:])
	for _, c := range value {
		if (c < ' ' && c != '\t') || c == 0x7f {
			return nil, nil, parseError(ErrInvalidHeader)
		}
	}
	return name, value, nil
}

// processSpecialHeader tracks the fields that decide body framing.
func (p *Parser) processSpecialHeader(name []byte, value string) error {
	switch {
	case bytesEqualCaseInsensitive(name, HeaderContentLength):
		n, ok := parseContentLength(value)
		if !ok {
			return protocolError(ErrInvalidContentLength)
		}
		// RFC 7230 §3.3.3: repeated Content-Length must agree
		if p.hasContentLength && n != p.req.ContentLength {
			return protocolError(ErrDuplicateContentLength)
		}
		p.hasContentLength = true
		p.req.ContentLength = n

	case bytesEqualCaseInsensitive(name, HeaderTransferEncoding):
		n := len(p.transferCodings)
		for elem := range splitCommaSeq(value) {
			p.transferCodings = append(p.transferCodings, elem)
		}
		if len(p.transferCodings) == n {
			return protocolError(ErrUnsupportedTransferEncoding)
		}

	case bytesEqualCaseInsensitive(name, HeaderHost):
		if p.hasHost {
			return protocolError(ErrDuplicateHost)
		}
		p.hasHost = true
	}
	return nil
}

// finishHeaders decides body framing once the header section is complete.
func (p *Parser) finishHeaders() error {
	req := p.req
	hasTE := len(p.transferCodings) > 0

	// RFC 7230 §3.3.3: Content-Length together with Transfer-Encoding is
	// a smuggling vector and is rejected outright
	if hasTE && p.hasContentLength {
		return protocolError(ErrContentLengthWithTransferEncoding)
	}

	switch {
	case hasTE:
		if len(p.transferCodings) != 1 || !strings.EqualFold(p.transferCodings[0], tokenChunked) {
			return protocolError(ErrUnsupportedTransferEncoding)
		}
		req.Chunked = true
		req.ContentLength = -1
		p.state = stateChunkSize

	case p.hasContentLength:
		if req.ContentLength > p.limits.MaxBodySize {
			return limitError(413, ErrBodyTooLarge)
		}
		if req.ContentLength == 0 {
			p.state = stateComplete
			return nil
		}
		p.remaining = req.ContentLength
		p.state = stateBodyFixed

	default:
		// No framing: the request has no body
		req.ContentLength = 0
		p.state = stateComplete
	}
	return nil
}

// parseFixedBody waits until the whole Content-Length body is buffered.
// A short body stays in ErrNeedMore; it is never truncated.
func (p *Parser) parseFixedBody(buf []byte) error {
	if int64(len(buf)-p.pos) < p.remaining {
		return ErrNeedMore
	}
	end := p.pos + int(p.remaining)
	p.req.Body = bytes.Clone(buf[p.pos:end])
	p.pos = end
	p.remaining = 0
	p.state = stateComplete
	return nil
}

// parseChunkSize parses "chunk-size [ chunk-ext ] CRLF". Extensions are
// ignored.
func (p *Parser) parseChunkSize(buf []byte) error {
	line, err := p.nextLine(buf, maxChunkLineSize, errChunkLineTooLarge)
	if err != nil {
		return err
	}
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = trimOWS(line)
	if len(line) == 0 {
		return parseError(ErrChunkedEncoding)
	}

	var size int64
	for _, c := range line {
		d, ok := unhex(c)
		if !ok {
			return parseError(ErrChunkedEncoding)
		}
		if size > math.MaxInt64>>4 {
			return limitError(413, ErrBodyTooLarge)
		}
		size = size<<4 | int64(d)
		if size > p.limits.MaxBodySize {
			return limitError(413, ErrBodyTooLarge)
		}
	}
	if int64(len(p.req.Body))+size > p.limits.MaxBodySize {
		return limitError(413, ErrBodyTooLarge)
	}

	if size == 0 {
		p.state = stateTrailers
		return nil
	}
	p.remaining = size
	p.state = stateChunkData
	return nil
}

// parseChunkData copies as much of the current chunk as is buffered.
func (p *Parser) parseChunkData(buf []byte) error {
	avail := int64(len(buf) - p.pos)
	if avail == 0 {
		return ErrNeedMore
	}
	n := min(avail, p.remaining)
	end := p.pos + int(n)
	p.req.Body = append(p.req.Body, buf[p.pos:end]...)
	p.pos = end
	p.remaining -= n
	if p.remaining > 0 {
		return ErrNeedMore
	}
	p.state = stateChunkDataEnd
	return nil
}

// parseChunkDataEnd consumes the CRLF that follows chunk data.
func (p *Parser) parseChunkDataEnd(buf []byte) error {
	avail := buf[p.pos:]
	if len(avail) >= 1 && avail[0] != '\r' {
		return parseError(ErrChunkedEncoding)
	}
	if len(avail) < 2 {
		return ErrNeedMore
	}
	if avail[1] != '\n' {
		return parseError(ErrChunkedEncoding)
	}
	p.pos += 2
	p.state = stateChunkSize
	return nil
}

// parseTrailer consumes one trailer field or the final blank line.
// Trailer fields are validated and discarded.
func (p *Parser) parseTrailer(buf []byte) error {
	line, err := p.nextLine(buf, p.limits.MaxHeaderBytes, errHeadersTooLarge)
	if err != nil {
		return err
	}
	if len(line) == 0 {
		p.state = stateComplete
		return nil
	}
	if line[0] == ' ' || line[0] == '\t' {
		return parseError(ErrHeaderFolding)
	}
	_, _, err = splitHeaderLine(line)
	return err
}

// Helper functions

// parseContentLength parses a non-negative decimal Content-Length. Values
// that do not fit in an int64 are rejected.
func parseContentLength(s string) (int64, bool) {
	if len(s) == 0 {
		return 0, false
	}
	// ParseInt alone would accept a leading sign
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// trimOWS trims leading and trailing spaces and tabs (per RFC 7230).
func trimOWS(b []byte) []byte {
	for len(b) > 0 && (b[0] == ' ' || b[0] == '\t') {
		b = b[1:]
	}
	for len(b) > 0 && (b[len(b)-1] == ' ' || b[len(b)-1] == '\t') {
		b = b[:len(b)-1]
	}
	return b
}

func indexByteString(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}

// splitCommaSeq yields the trimmed, non-empty elements of a
// comma-separated field value.
func splitCommaSeq(s string) iter.Seq[string] {
	return func(yield func(string) bool) {
		for elem := range strings.SplitSeq(s, ",") {
			elem = strings.TrimSpace(elem)
			if elem == "" {
				continue
			}
			if !yield(elem) {
				return
			}
		}
	}
}
