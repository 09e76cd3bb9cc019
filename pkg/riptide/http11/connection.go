package http11

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/watt-toolkit/riptide/pkg/riptide"
)

// Handler produces the response for one request. Returning an error makes
// the connection answer 500 (or the Status of a returned *Error); the
// connection stays open if keep-alive still holds.
//
// ctx is cancelled when the handler deadline passes or the connection
// closes. Handlers run concurrently with the handlers of other pipelined
// requests on the same connection.
type Handler interface {
	ServeRequest(ctx context.Context, req *Request) (*Response, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req *Request) (*Response, error)

// ServeRequest calls f(ctx, req).
func (f HandlerFunc) ServeRequest(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// ConnectionState represents the state of an HTTP connection
type ConnectionState int32

const (
	// StateIdle is waiting for the first byte of the next request
	StateIdle ConnectionState = iota

	// StateReading is waiting for more bytes of a started request
	StateReading

	// StateParsing is running the parser over buffered bytes
	StateParsing

	// StateDispatching is handing a framed request to its handler
	StateDispatching

	// StateWriting is serializing a response
	StateWriting

	// StateClosing is flushing and releasing the connection
	StateClosing

	// StateClosed indicates the connection has been closed
	StateClosed
)

// String returns the string representation of the connection state
func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReading:
		return "reading"
	case StateParsing:
		return "parsing"
	case StateDispatching:
		return "dispatching"
	case StateWriting:
		return "writing"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ExchangeInfo describes one finished request/response exchange. Method and
// Path are empty when the request never parsed.
type ExchangeInfo struct {
	ConnID     string
	RemoteAddr string
	Method     string
	Path       string
	Proto      string
	Status     int // 0 when no response was sent
	BodyBytes  int64
	Encoding   string
	Start      time.Time
	Duration   time.Duration
	Err        error
}

// ConnectionConfig holds configuration for an HTTP connection
type ConnectionConfig struct {
	// Handler answers every request. Nil answers 404.
	Handler Handler

	// Limits bounds the parser.
	Limits Limits

	// ReadBufferSize is the initial read buffer size.
	// Default: 4096 bytes
	ReadBufferSize int

	// MaxRequestSize caps the read buffer. A request that does not fit is
	// rejected with 431 (413 once in the body).
	// Default: request line + header + body limits + 4KB
	MaxRequestSize int

	// WriteBufferSize is the size of the write buffer
	// Default: 4096 bytes
	WriteBufferSize int

	// IdleTimeout bounds each wait for bytes from the client. 0 disables.
	IdleTimeout time.Duration

	// WriteTimeout bounds writing one response. 0 disables.
	WriteTimeout time.Duration

	// HandlerTimeout bounds one handler invocation. A handler that
	// overruns it gets its context cancelled and the connection is closed
	// without a response. 0 disables.
	HandlerTimeout time.Duration

	// MaxKeepAliveRequests is the maximum number of requests per
	// connection. 0 means unlimited.
	MaxKeepAliveRequests int

	// MaxPipelineDepth bounds how many parsed requests may wait for their
	// response at once.
	// Default: 16
	MaxPipelineDepth int

	// DisableKeepalive closes the connection after every response.
	DisableKeepalive bool

	// Encodings negotiates response compression. Nil disables it.
	Encodings *Negotiator

	// MinCompressSize is the smallest fixed body that is compressed. 0
	// compresses every non-empty body.
	MinCompressSize int

	// BufferPool provides read buffers.
	// Default: riptide.DefaultBufferPool()
	BufferPool *riptide.BufferPool

	// ErrorLog receives recovered handler panics.
	// Default: log.Default()
	ErrorLog *log.Logger

	// OnExchange, if set, is called from the writing goroutine after
	// every exchange, including failed ones.
	OnExchange func(ExchangeInfo)
}

func (cfg ConnectionConfig) withDefaults() ConnectionConfig {
	cfg.Limits = cfg.Limits.withDefaults()
	if cfg.Handler == nil {
		cfg.Handler = HandlerFunc(func(context.Context, *Request) (*Response, error) {
			return ErrorResponse(404), nil
		})
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 4096
	}
	if cfg.MaxRequestSize <= 0 {
		l := cfg.Limits
		cfg.MaxRequestSize = l.MaxRequestLineSize + l.MaxHeaderBytes + int(l.MaxBodySize) + 4096
	}
	if cfg.ReadBufferSize > cfg.MaxRequestSize {
		cfg.ReadBufferSize = cfg.MaxRequestSize
	}
	if cfg.WriteBufferSize <= 0 {
		cfg.WriteBufferSize = DefaultWriteBufferSize
	}
	if cfg.MaxPipelineDepth <= 0 {
		cfg.MaxPipelineDepth = 16
	}
	if cfg.BufferPool == nil {
		cfg.BufferPool = riptide.DefaultBufferPool()
	}
	if cfg.ErrorLog == nil {
		cfg.ErrorLog = log.Default()
	}
	return cfg
}

// Connection owns one accepted connection: it reads and parses requests,
// dispatches them, and writes responses in arrival order.
//
// Design:
// - Two goroutines per connection joined by an errgroup: the reader parses
//   and dispatches, the writer serializes
// - Each handler runs in its own goroutine with its own deadline, so a
//   later pipelined request may finish first
// - A FIFO of exchanges between reader and writer keeps responses in
//   request order
// - Bytes after a parsed request stay in the read buffer and feed the next
//   parse directly
// - State is atomic so the server can observe it without locks
type Connection struct {
	state    atomic.Int32
	requests atomic.Int64
	pending  atomic.Int32 // exchanges queued but not yet written
	shutdown atomic.Bool
	closing  atomic.Bool

	conn       net.Conn
	id         string
	remoteAddr string
	cfg        ConnectionConfig

	parser *Parser
	bw     *bufio.Writer
	rw     *ResponseWriter

	closeOnce sync.Once
}

type exchangeKind uint8

const (
	exchangeRequest exchangeKind = iota
	exchangeContinue
	exchangeFailure
)

// exchange is one slot in the response order.
type exchange struct {
	kind      exchangeKind
	req       *Request
	keepAlive bool
	start     time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// done is closed once resp and err are set.
	done chan struct{}
	resp *Response
	err  error
}

// NewConnection wraps conn. id identifies the connection in ExchangeInfo.
func NewConnection(conn net.Conn, id string, cfg ConnectionConfig) *Connection {
	cfg = cfg.withDefaults()
	c := &Connection{
		conn: conn,
		id:   id,
		cfg:  cfg,
	}
	if addr := conn.RemoteAddr(); addr != nil {
		c.remoteAddr = addr.String()
	}
	c.state.Store(int32(StateIdle))
	return c
}

// ID returns the connection identifier.
func (c *Connection) ID() string {
	return c.id
}

// State returns the current connection state (lock-free)
func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

func (c *Connection) setState(s ConnectionState) {
	c.state.Store(int32(s))
}

// RemoteAddr returns the remote network address
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Serve runs the connection until it closes. It returns nil for an orderly
// close and the classified *Error otherwise. The connection is closed when
// Serve returns.
func (c *Connection) Serve(ctx context.Context) error {
	c.parser = GetParser(c.cfg.Limits)
	c.bw = GetBufioWriter(c.conn, c.cfg.WriteBufferSize)
	c.rw = NewResponseWriter(c.bw, WriterOptions{
		Encodings:       c.cfg.Encodings,
		MinCompressSize: c.cfg.MinCompressSize,
	})
	defer c.cleanup()

	queue := make(chan *exchange, c.cfg.MaxPipelineDepth)
	writerDone := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)

	// Unblock a reader parked in Read once either side gives up
	stop := context.AfterFunc(gctx, func() {
		c.closing.Store(true)
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	g.Go(func() error {
		return c.readLoop(gctx, queue, writerDone)
	})
	g.Go(func() error {
		defer close(writerDone)
		return c.writeLoop(gctx, queue)
	})
	return g.Wait()
}

// Shutdown asks the connection to stop reading new requests, finish the
// exchanges already dispatched, and close. It does not wait.
func (c *Connection) Shutdown() {
	c.shutdown.Store(true)
	c.conn.SetReadDeadline(time.Now())
}

// Close closes the underlying connection immediately.
func (c *Connection) Close() error {
	c.closing.Store(true)
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

func (c *Connection) cleanup() {
	c.setState(StateClosing)
	c.bw.Flush()
	if cw, ok := c.conn.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
	c.Close()
	PutBufioWriter(c.bw)
	PutParser(c.parser)
	c.setState(StateClosed)
}

// readLoop is the reading side: Reading → Parsing → Dispatching, and back.
// It owns the read buffer and the parser.
func (c *Connection) readLoop(ctx context.Context, queue chan<- *exchange, writerDone <-chan struct{}) error {
	defer close(queue)

	pool := c.cfg.BufferPool
	buf := pool.Get(c.cfg.ReadBufferSize)
	defer func() { pool.Put(buf) }()
	filled := 0
	continueSent := false

	enqueue := func(ex *exchange) bool {
		c.pending.Add(1)
		select {
		case queue <- ex:
			return true
		case <-writerDone:
		case <-ctx.Done():
		}
		c.pending.Add(-1)
		if ex.cancel != nil {
			ex.cancel()
		}
		abandon(ex)
		return false
	}

	for {
		c.setState(StateParsing)
		req, n, err := c.parser.Parse(buf[:filled])
		switch {
		case err == nil:
			if c.closing.Load() {
				return nil
			}
			filled = copy(buf, buf[n:filled])
			continueSent = false

			count := c.requests.Add(1)
			keep := c.keepAlive(req, count)
			req.RemoteAddr = c.remoteAddr

			c.setState(StateDispatching)
			if !enqueue(c.dispatch(ctx, req, keep)) || !keep {
				return nil
			}
			continue

		case err != ErrNeedMore:
			enqueue(&exchange{kind: exchangeFailure, err: err, start: time.Now()})
			return nil
		}

		if p := c.parser.Pending(); p != nil && !continueSent && p.ExpectsContinue() {
			continueSent = true
			if !enqueue(&exchange{kind: exchangeContinue}) {
				return nil
			}
		}

		limit := min(len(buf), c.cfg.MaxRequestSize)
		if filled >= limit {
			if limit >= c.cfg.MaxRequestSize {
				enqueue(&exchange{kind: exchangeFailure, err: c.bufferFull(), start: time.Now()})
				return nil
			}
			buf = pool.Grow(buf, filled, min(2*len(buf), c.cfg.MaxRequestSize))
			limit = min(len(buf), c.cfg.MaxRequestSize)
		}

		idle := filled == 0 && c.parser.State() == AwaitingRequestLine
		nr, rerr := c.read(buf[filled:limit], idle)
		filled += nr
		if rerr == nil || nr > 0 {
			// A sticky error resurfaces on the next read
			continue
		}

		switch {
		case c.closing.Load(), c.shutdown.Load():
			return nil
		case isTimeout(rerr) && c.pending.Load() > 0:
			// Not idle: earlier responses are still being produced
			continue
		case errors.Is(rerr, io.EOF) && idle:
			return nil
		case errors.Is(rerr, io.EOF):
			return newError(KindIO, 0, io.ErrUnexpectedEOF)
		case isTimeout(rerr):
			return newError(KindTimeout, 0, ErrIdleTimeout)
		default:
			return newError(KindIO, 0, rerr)
		}
	}
}

// read fills p with the next bytes from the client under the idle deadline.
func (c *Connection) read(p []byte, idle bool) (int, error) {
	if idle {
		c.setState(StateIdle)
	} else {
		c.setState(StateReading)
	}
	var deadline time.Time
	if c.cfg.IdleTimeout > 0 {
		deadline = time.Now().Add(c.cfg.IdleTimeout)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return 0, err
	}
	// Shutdown stores the flag before moving the deadline, so checking
	// after our own SetReadDeadline cannot miss it
	if c.shutdown.Load() {
		return 0, ErrConnectionClosed
	}
	return c.conn.Read(p)
}

// bufferFull classifies a full read buffer by how far the request got.
func (c *Connection) bufferFull() *Error {
	if c.parser.State() == AwaitingBody {
		return limitError(413, ErrBufferFull)
	}
	return limitError(431, ErrBufferFull)
}

// keepAlive decides, at parse time, whether the client side permits
// another request after req.
func (c *Connection) keepAlive(req *Request, count int64) bool {
	if c.cfg.DisableKeepalive || c.shutdown.Load() {
		return false
	}
	if n := c.cfg.MaxKeepAliveRequests; n > 0 && count >= int64(n) {
		return false
	}
	return req.KeepAlive()
}

// dispatch starts the handler for req in its own goroutine.
func (c *Connection) dispatch(ctx context.Context, req *Request, keep bool) *exchange {
	ex := &exchange{
		kind:      exchangeRequest,
		req:       req,
		keepAlive: keep,
		start:     time.Now(),
		done:      make(chan struct{}),
	}
	if c.cfg.HandlerTimeout > 0 {
		ex.ctx, ex.cancel = context.WithTimeoutCause(ctx, c.cfg.HandlerTimeout, ErrHandlerTimeout)
	} else {
		ex.ctx, ex.cancel = context.WithCancel(ctx)
	}
	req.ctx = ex.ctx
	go c.runHandler(ex)
	return ex
}

func (c *Connection) runHandler(ex *exchange) {
	defer close(ex.done)
	defer func() {
		if r := recover(); r != nil {
			c.cfg.ErrorLog.Printf("http11: panic serving %s %s %s: %v\n%s",
				c.remoteAddr, ex.req.RawMethod, ex.req.RawTarget, r, debug.Stack())
			ex.resp = nil
			ex.err = HandlerError(fmt.Errorf("%w: %v", ErrHandlerPanic, r))
		}
	}()
	ex.resp, ex.err = c.cfg.Handler.ServeRequest(ex.ctx, ex.req)
}

// writeLoop is the writing side. It takes exchanges in arrival order and
// waits for each one's handler before writing its response.
func (c *Connection) writeLoop(ctx context.Context, queue <-chan *exchange) error {
	for ex := range queue {
		closeAfter, err := c.writeExchange(ctx, ex)
		c.pending.Add(-1)
		if ex.cancel != nil {
			ex.cancel()
		}
		if err != nil || closeAfter {
			c.closing.Store(true)
			c.conn.SetReadDeadline(time.Now())
			c.discard(queue)
			return err
		}
	}
	return nil
}

// discard drops the exchanges still queued once the writer has stopped.
// It returns when the reader closes the queue.
func (c *Connection) discard(queue <-chan *exchange) {
	for ex := range queue {
		c.pending.Add(-1)
		if ex.cancel != nil {
			ex.cancel()
		}
		abandon(ex)
	}
}

// abandon releases the stream of a response that will never be written,
// once its handler has returned.
func abandon(ex *exchange) {
	if ex.done == nil {
		return
	}
	go func() {
		<-ex.done
		if ex.resp != nil {
			closeStream(ex.resp.Stream)
		}
	}()
}

// writeExchange writes the response for ex. It reports whether the
// connection must close afterwards.
func (c *Connection) writeExchange(ctx context.Context, ex *exchange) (bool, error) {
	if c.cfg.WriteTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}

	switch ex.kind {
	case exchangeContinue:
		c.setState(StateWriting)
		if err := c.rw.WriteContinue(); err != nil {
			return true, ioError(err)
		}
		return false, nil

	case exchangeFailure:
		var res WriteResult
		if status := StatusFor(ex.err); status != 0 {
			c.setState(StateWriting)
			// Best effort; the connection closes either way
			res, _ = c.rw.WriteResponse(ctx, nil, ErrorResponse(status), false)
		}
		c.observe(ex, res, ex.err)
		return true, ex.err
	}

	select {
	case <-ex.done:
	case <-ex.ctx.Done():
		select {
		case <-ex.done:
		default:
			abandon(ex)
			if ctx.Err() != nil {
				// Connection torn down underneath us
				return true, nil
			}
			err := newError(KindTimeout, 0, ErrHandlerTimeout)
			c.observe(ex, WriteResult{}, err)
			return true, err
		}
	}

	resp, herr := ex.resp, ex.err
	if herr == nil && resp == nil {
		herr = HandlerError(ErrNilResponse)
	}
	if herr != nil {
		if resp != nil {
			closeStream(resp.Stream)
		}
		if errors.Is(context.Cause(ex.ctx), ErrHandlerTimeout) {
			// The handler gave up on its own deadline
			err := newError(KindTimeout, 0, ErrHandlerTimeout)
			c.observe(ex, WriteResult{}, err)
			return true, err
		}
		resp = handlerErrorResponse(herr)
	}

	keep := ex.keepAlive && !resp.Close &&
		!resp.Header.HasToken(HeaderConnection, tokenClose) && !c.shutdown.Load()

	c.setState(StateWriting)
	res, err := c.rw.WriteResponse(ctx, ex.req, resp, keep)
	if err != nil && !res.HeaderWritten && KindOf(err) == KindHandler {
		// The handler's response could not be serialized
		herr = err
		res, err = c.rw.WriteResponse(ctx, ex.req, ErrorResponse(500), keep)
	}

	if err != nil {
		if KindOf(err) != KindHandler {
			err = ioError(err)
		}
		c.observe(ex, res, err)
		return true, err
	}
	c.observe(ex, res, herr)
	return res.Close, nil
}

// handlerErrorResponse converts a handler failure into the response sent
// in its place.
func handlerErrorResponse(err error) *Response {
	status := StatusFor(err)
	if status == 0 {
		status = 500
	}
	return ErrorResponse(status)
}

func ioError(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if isTimeout(err) {
		return newError(KindTimeout, 0, err)
	}
	return newError(KindIO, 0, err)
}

func (c *Connection) observe(ex *exchange, res WriteResult, err error) {
	if c.cfg.OnExchange == nil {
		return
	}
	info := ExchangeInfo{
		ConnID:     c.id,
		RemoteAddr: c.remoteAddr,
		Status:     res.Status,
		BodyBytes:  res.BodyBytes,
		Encoding:   res.Encoding,
		Start:      ex.start,
		Duration:   time.Since(ex.start),
		Err:        err,
	}
	if ex.req != nil {
		info.Method = ex.req.RawMethod
		info.Path = ex.req.RawTarget
		info.Proto = ex.req.Proto
	}
	c.cfg.OnExchange(info)
}
