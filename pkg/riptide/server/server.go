// Package server accepts TCP connections and serves each one on its own
// goroutine with an http11.Connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/watt-toolkit/riptide/pkg/riptide/http11"
	"github.com/watt-toolkit/riptide/pkg/riptide/socket"
)

// ErrServerClosed is returned by Serve and ListenAndServe after Shutdown
// or Close.
var ErrServerClosed = errors.New("server: closed")

// Accept backoff bounds for failures like EMFILE.
const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Server is the connection acceptor.
//
// Design:
//   - One goroutine per accepted connection; the accept loop does no
//     request processing
//   - A weighted semaphore bounds concurrent connections
//   - A failing connection is logged and counted, never fatal to the
//     accept loop or other connections
//   - Shutdown stops accepting, lets dispatched exchanges finish and
//     force-closes whatever remains when its context expires
type Server struct {
	config   Config
	connCfg  http11.ConnectionConfig
	stats    Stats
	access   *accessLogger
	sem      *semaphore.Weighted
	shutdown atomic.Bool

	// acceptCtx is cancelled once shutdown starts; connCtx only when
	// connections are forced closed.
	acceptCtx    context.Context
	stopAccept   context.CancelFunc
	connCtx      context.Context
	forceClose   context.CancelFunc
	listenerOnce sync.Once
	listenerSet  chan struct{}

	mu       sync.Mutex
	listener net.Listener
	conns    map[*http11.Connection]struct{}
	wg       sync.WaitGroup
}

// New creates a server. Zero fields of cfg take their defaults.
func New(cfg Config) (*Server, error) {
	cfg = cfg.withDefaults()

	connCfg, err := cfg.connectionConfig()
	if err != nil {
		return nil, err
	}
	access, err := newAccessLogger(cfg.AccessLog, cfg.ErrorLog)
	if err != nil {
		return nil, err
	}
	if cfg.Metrics != nil {
		if err := cfg.Metrics.registerBufferPool(cfg.BufferPool); err != nil {
			return nil, fmt.Errorf("server: metrics: %w", err)
		}
	}

	s := &Server{
		config:      cfg,
		connCfg:     connCfg,
		access:      access,
		conns:       make(map[*http11.Connection]struct{}),
		listenerSet: make(chan struct{}),
	}
	s.connCfg.OnExchange = s.observe
	s.acceptCtx, s.stopAccept = context.WithCancel(context.Background())
	s.connCtx, s.forceClose = context.WithCancel(context.Background())
	if cfg.MaxConcurrentConnections > 0 {
		s.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrentConnections))
	}
	s.stats.StartTime = time.Now()
	return s, nil
}

// Stats returns server statistics
func (s *Server) Stats() *Stats {
	return &s.stats
}

// Addr returns the listener address, or nil before Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Ready is closed once the server has a listener.
func (s *Server) Ready() <-chan struct{} {
	return s.listenerSet
}

// ListenAndServe listens on the configured address and serves requests.
// A bind failure is returned as is; it is the only fatal error.
func (s *Server) ListenAndServe() error {
	ln, err := socket.Listen(s.acceptCtx, s.config.Addr, *s.config.Socket)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.config.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown or Close. It always
// returns a non-nil error; ErrServerClosed after a shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()
	s.listenerOnce.Do(func() { close(s.listenerSet) })
	defer ln.Close()

	var delay time.Duration
	for {
		// Acquire connection slot if limit is set
		if s.sem != nil {
			if err := s.sem.Acquire(s.acceptCtx, 1); err != nil {
				return ErrServerClosed
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			if s.sem != nil {
				s.sem.Release(1)
			}
			if s.shutdown.Load() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}

			s.stats.AcceptErrors.Add(1)
			delay = min(max(2*delay, minAcceptDelay), maxAcceptDelay)
			s.config.ErrorLog.Printf("server: accept error: %v; retrying in %v", err, delay)
			select {
			case <-time.After(delay):
			case <-s.acceptCtx.Done():
				return ErrServerClosed
			}
			continue
		}
		delay = 0

		s.stats.TotalConnections.Add(1)
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

// serveConn runs one connection to completion.
func (s *Server) serveConn(netConn net.Conn) {
	defer s.wg.Done()
	if s.sem != nil {
		defer s.sem.Release(1)
	}

	if err := socket.Apply(netConn, *s.config.Socket); err != nil {
		s.config.ErrorLog.Printf("server: socket tuning for %s: %v", netConn.RemoteAddr(), err)
	}

	c := http11.NewConnection(netConn, uuid.NewString(), s.connCfg)
	if !s.trackConnection(c) {
		c.Close()
		return
	}
	defer s.untrackConnection(c)

	var err error
	defer func() {
		if r := recover(); r != nil {
			s.config.ErrorLog.Printf("server: panic in connection %s: %v\n%s", c.ID(), r, debug.Stack())
			c.Close()
			err = fmt.Errorf("server: connection panic: %v", r)
		}
		if err != nil {
			s.stats.ConnectionErrors.Add(1)
		}
		if s.config.Metrics != nil {
			s.config.Metrics.connClosed(err)
		}
	}()

	err = c.Serve(s.connCtx)
	if err != nil && http11.KindOf(err) == http11.KindIO {
		s.config.ErrorLog.Printf("server: connection %s (%s): %v", c.ID(), c.RemoteAddr(), err)
	}
}

// trackConnection adds a connection to tracking. It reports false once
// shutdown has started.
func (s *Server) trackConnection(c *http11.Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.conns[c] = struct{}{}
	s.stats.ActiveConnections.Add(1)
	if s.config.Metrics != nil {
		s.config.Metrics.connOpened()
	}
	return true
}

// untrackConnection removes a connection from tracking
func (s *Server) untrackConnection(c *http11.Connection) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.stats.ActiveConnections.Add(-1)
}

// observe is the OnExchange hook shared by every connection.
func (s *Server) observe(info http11.ExchangeInfo) {
	s.stats.TotalRequests.Add(1)
	s.stats.BytesWritten.Add(uint64(info.BodyBytes))
	if info.Err != nil {
		s.stats.RequestErrors.Add(1)
	}
	if s.config.Metrics != nil {
		s.config.Metrics.observe(info)
	}
	if s.access != nil {
		s.access.log(info)
	}
}

// beginShutdown stops the accept loop and snapshots the open connections.
func (s *Server) beginShutdown() ([]*http11.Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.shutdown.CompareAndSwap(false, true) {
		return nil, false
	}
	s.stopAccept()
	if s.listener != nil {
		s.listener.Close()
	}
	conns := make([]*http11.Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	return conns, true
}

// Shutdown gracefully shuts down the server: it stops accepting, lets the
// exchanges already dispatched finish and closes idle connections. When
// ctx expires first, the remaining connections are closed and ctx's error
// is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	conns, first := s.beginShutdown()
	if first {
		for _, c := range conns {
			c.Shutdown()
		}
	}

	shutdownComplete := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(shutdownComplete)
	}()

	select {
	case <-shutdownComplete:
		return nil
	case <-ctx.Done():
		s.closeAll()
		<-shutdownComplete
		return ctx.Err()
	}
}

// Close immediately closes the listener and all active connections.
func (s *Server) Close() error {
	s.beginShutdown()
	s.closeAll()
	s.wg.Wait()
	return nil
}

func (s *Server) closeAll() {
	s.forceClose()

	s.mu.Lock()
	conns := make([]*http11.Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
