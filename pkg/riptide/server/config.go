package server

import (
	"fmt"
	"io"
	"log"
	"time"

	"github.com/watt-toolkit/riptide/pkg/riptide"
	"github.com/watt-toolkit/riptide/pkg/riptide/http11"
	"github.com/watt-toolkit/riptide/pkg/riptide/socket"
)

// Config holds server configuration
type Config struct {
	// Addr is the TCP address to listen on (e.g., "127.0.0.1:4221")
	// Default: ":8080"
	Addr string

	// Handler answers every request, usually a *router.Router.
	// Default: 404 for everything
	Handler http11.Handler

	// IdleTimeout is the maximum amount of time to wait for the next
	// bytes from a client, between and within requests
	// Default: 120 seconds
	IdleTimeout time.Duration

	// WriteTimeout bounds writing one response
	// Default: 60 seconds
	WriteTimeout time.Duration

	// HandlerTimeout bounds one handler invocation; an overrunning
	// handler closes its connection
	// Default: 30 seconds
	HandlerTimeout time.Duration

	// MaxRequestSize caps the per-connection read buffer
	// Default: request line + header + body limits + 4KB
	MaxRequestSize int

	// MaxRequestLineSize is the maximum length of the request line
	// Default: 8 KB
	MaxRequestLineSize int

	// MaxHeaderBytes controls the maximum size of the header section
	// Default: 16 KB
	MaxHeaderBytes int

	// MaxHeaders is the maximum number of header fields
	// Default: 100
	MaxHeaders int

	// MaxBodySize is the maximum size of a request body
	// Default: 10 MB
	MaxBodySize int64

	// ReadBufferSize is the initial read buffer size per connection
	// Default: 4096 bytes
	ReadBufferSize int

	// WriteBufferSize is the size of the write buffer per connection
	// Default: 4096 bytes
	WriteBufferSize int

	// MaxKeepAliveRequests is the maximum number of requests per connection
	// 0 means unlimited
	MaxKeepAliveRequests int

	// MaxPipelineDepth bounds the requests one connection may have in
	// flight at once
	// Default: 16
	MaxPipelineDepth int

	// MaxConcurrentConnections is the maximum number of concurrent connections
	// 0 means unlimited
	MaxConcurrentConnections int

	// DisableKeepalive disables keep-alive connections
	DisableKeepalive bool

	// Encodings lists the supported content codings in preference order.
	// Nil means http11.DefaultEncodings; empty disables compression.
	Encodings []string

	// CompressionLevel is passed to every encoder; 0 selects each
	// codec's default
	CompressionLevel int

	// MinCompressSize is the smallest fixed body that is compressed
	// Default: 0, every non-empty body
	MinCompressSize int

	// Socket tunes the listener and accepted connections
	// Default: socket.DefaultConfig()
	Socket *socket.Config

	// AccessLog receives one line per exchange. Nil disables access logging.
	AccessLog *AccessLogConfig

	// ErrorLog receives accept errors and recovered panics
	// Default: log.Default()
	ErrorLog *log.Logger

	// Metrics, if set, is updated for every connection and exchange
	Metrics *Metrics

	// BufferPool provides connection read buffers
	// Default: riptide.DefaultBufferPool()
	BufferPool *riptide.BufferPool
}

// DefaultConfig returns the default server configuration
func DefaultConfig() Config {
	limits := http11.DefaultLimits()
	sock := socket.DefaultConfig()
	return Config{
		Addr:               ":8080",
		IdleTimeout:        120 * time.Second,
		WriteTimeout:       60 * time.Second,
		HandlerTimeout:     30 * time.Second,
		MaxRequestLineSize: limits.MaxRequestLineSize,
		MaxHeaderBytes:     limits.MaxHeaderBytes,
		MaxHeaders:         limits.MaxHeaders,
		MaxBodySize:        limits.MaxBodySize,
		ReadBufferSize:     4096,
		WriteBufferSize:    http11.DefaultWriteBufferSize,
		MaxPipelineDepth:   16,
		Encodings:          http11.DefaultEncodings,
		Socket:             &sock,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.HandlerTimeout == 0 {
		c.HandlerTimeout = d.HandlerTimeout
	}
	if c.MaxRequestLineSize == 0 {
		c.MaxRequestLineSize = d.MaxRequestLineSize
	}
	if c.MaxHeaderBytes == 0 {
		c.MaxHeaderBytes = d.MaxHeaderBytes
	}
	if c.MaxHeaders == 0 {
		c.MaxHeaders = d.MaxHeaders
	}
	if c.MaxBodySize == 0 {
		c.MaxBodySize = d.MaxBodySize
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.WriteBufferSize == 0 {
		c.WriteBufferSize = d.WriteBufferSize
	}
	if c.MaxPipelineDepth == 0 {
		c.MaxPipelineDepth = d.MaxPipelineDepth
	}
	if c.Encodings == nil {
		c.Encodings = d.Encodings
	}
	if c.Socket == nil {
		c.Socket = d.Socket
	}
	if c.ErrorLog == nil {
		c.ErrorLog = log.Default()
	}
	if c.BufferPool == nil {
		c.BufferPool = riptide.DefaultBufferPool()
	}
	return c
}

// AccessLogConfig configures the per-exchange access log.
type AccessLogConfig struct {
	// Output is where lines are written
	Output io.Writer

	// Format is "json" (default) or "text"
	Format string

	// SkipPaths are paths that are not logged (e.g. /metrics)
	SkipPaths []string
}

// connectionConfig derives the per-connection configuration.
func (c Config) connectionConfig() (http11.ConnectionConfig, error) {
	cc := http11.ConnectionConfig{
		Handler: c.Handler,
		Limits: http11.Limits{
			MaxRequestLineSize: c.MaxRequestLineSize,
			MaxHeaderBytes:     c.MaxHeaderBytes,
			MaxHeaders:         c.MaxHeaders,
			MaxBodySize:        c.MaxBodySize,
		},
		ReadBufferSize:       c.ReadBufferSize,
		MaxRequestSize:       c.MaxRequestSize,
		WriteBufferSize:      c.WriteBufferSize,
		IdleTimeout:          c.IdleTimeout,
		WriteTimeout:         c.WriteTimeout,
		HandlerTimeout:       c.HandlerTimeout,
		MaxKeepAliveRequests: c.MaxKeepAliveRequests,
		MaxPipelineDepth:     c.MaxPipelineDepth,
		DisableKeepalive:     c.DisableKeepalive,
		MinCompressSize:      c.MinCompressSize,
		BufferPool:           c.BufferPool,
		ErrorLog:             c.ErrorLog,
	}
	if len(c.Encodings) > 0 {
		n, err := http11.NewNegotiator(c.Encodings, c.CompressionLevel)
		if err != nil {
			return cc, fmt.Errorf("server: encodings: %w", err)
		}
		cc.Encodings = n
	}
	return cc, nil
}
