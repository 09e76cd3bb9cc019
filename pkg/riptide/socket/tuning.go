// Package socket applies TCP tuning to the listener and to accepted
// connections.
//
// Portable options go through net.TCPConn. Linux-only options
// (TCP_QUICKACK, TCP_DEFER_ACCEPT, TCP_FASTOPEN, SO_REUSEPORT) are in
// tuning_linux.go and are no-ops elsewhere.
package socket

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"
)

// Config represents socket tuning configuration.
// Zero values mean "use system defaults".
type Config struct {
	// TCP_NODELAY - Disable Nagle's algorithm for low latency
	NoDelay bool

	// SO_RCVBUF - Receive buffer size in bytes
	RecvBuffer int

	// SO_SNDBUF - Send buffer size in bytes
	SendBuffer int

	// SO_KEEPALIVE with 60s idle, 10s interval, 3 probes
	KeepAlive bool

	// TCP_QUICKACK - Send immediate ACKs (Linux only)
	QuickAck bool

	// TCP_DEFER_ACCEPT - Don't wake the acceptor until data arrives (Linux only)
	DeferAccept bool

	// TCP_FASTOPEN - Accept data in the SYN (Linux only)
	FastOpen bool

	// SO_REUSEPORT - Let several listeners share the port (Linux only)
	ReusePort bool
}

// DefaultConfig returns the recommended configuration for HTTP workloads.
func DefaultConfig() Config {
	return Config{
		NoDelay:     true,
		RecvBuffer:  256 * 1024,
		SendBuffer:  256 * 1024,
		KeepAlive:   true,
		QuickAck:    true,
		DeferAccept: true,
	}
}

// LowLatencyConfig returns configuration optimized for minimum latency.
func LowLatencyConfig() Config {
	return Config{
		NoDelay:    true,
		RecvBuffer: 128 * 1024, // Smaller buffers for lower latency
		SendBuffer: 128 * 1024,
		KeepAlive:  true,
		QuickAck:   true,
		FastOpen:   true,
	}
}

var keepAliveConfig = net.KeepAliveConfig{
	Enable:   true,
	Idle:     60 * time.Second,
	Interval: 10 * time.Second,
	Count:    3,
}

// Apply applies socket tuning options to an accepted connection. Only a
// failing TCP_NODELAY is reported; the other options are best effort.
// Non-TCP connections are left alone.
func Apply(conn net.Conn, cfg Config) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}

	if cfg.NoDelay {
		if err := tcpConn.SetNoDelay(true); err != nil {
			return err
		}
	}
	if cfg.RecvBuffer > 0 {
		_ = tcpConn.SetReadBuffer(cfg.RecvBuffer)
	}
	if cfg.SendBuffer > 0 {
		_ = tcpConn.SetWriteBuffer(cfg.SendBuffer)
	}
	if cfg.KeepAlive {
		_ = tcpConn.SetKeepAliveConfig(keepAliveConfig)
	}

	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		return err
	}
	return rawConn.Control(func(fd uintptr) {
		applyPlatformOptions(fd, cfg)
	})
}

// Listen opens a TCP listener with the listener-level options of cfg set
// before bind.
func Listen(ctx context.Context, addr string, cfg Config) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var optErr error
			err := c.Control(func(fd uintptr) {
				optErr = applyListenerOptions(fd, cfg)
			})
			return errors.Join(err, optErr)
		},
	}
	if cfg.KeepAlive {
		lc.KeepAliveConfig = keepAliveConfig
	} else {
		lc.KeepAlive = -1
	}
	return lc.Listen(ctx, "tcp", addr)
}
