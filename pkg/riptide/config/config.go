// Package config loads the server configuration surface from a JSON or
// YAML file.
//
// Durations are written as strings ("30s", "2m"). Fields left out of the
// file keep the server defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/goccy/go-yaml"

	"github.com/watt-toolkit/riptide/pkg/riptide/server"
	"github.com/watt-toolkit/riptide/pkg/riptide/socket"
)

// Supported file formats.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Defaults for the fields only the command uses.
const (
	DefaultAddr       = "127.0.0.1:4221"
	DefaultCacheBytes = 32 << 20
)

// ErrUnknownFormat is returned for a file whose extension is not .json,
// .yaml or .yml.
var ErrUnknownFormat = errors.New("config: unknown file format")

// Duration is a time.Duration written as a string in config files.
type Duration time.Duration

// UnmarshalText parses strings like "30s".
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("config: duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalYAML lets YAML scalars go through UnmarshalText.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// File is the on-disk configuration.
type File struct {
	// Listener
	Addr      string `json:"addr" yaml:"addr"`
	Directory string `json:"directory" yaml:"directory"`

	// Timeouts
	IdleTimeout    Duration `json:"idle_timeout" yaml:"idle_timeout"`
	WriteTimeout   Duration `json:"write_timeout" yaml:"write_timeout"`
	HandlerTimeout Duration `json:"handler_timeout" yaml:"handler_timeout"`

	// Limits
	MaxRequestSize           int   `json:"max_request_size" yaml:"max_request_size"`
	MaxRequestLineSize       int   `json:"max_request_line_size" yaml:"max_request_line_size"`
	MaxHeaderBytes           int   `json:"max_header_bytes" yaml:"max_header_bytes"`
	MaxHeaders               int   `json:"max_headers" yaml:"max_headers"`
	MaxBodySize              int64 `json:"max_body_size" yaml:"max_body_size"`
	ReadBufferSize           int   `json:"read_buffer_size" yaml:"read_buffer_size"`
	WriteBufferSize          int   `json:"write_buffer_size" yaml:"write_buffer_size"`
	MaxKeepAliveRequests     int   `json:"max_keepalive_requests" yaml:"max_keepalive_requests"`
	MaxPipelineDepth         int   `json:"max_pipeline_depth" yaml:"max_pipeline_depth"`
	MaxConcurrentConnections int   `json:"max_concurrent_connections" yaml:"max_concurrent_connections"`
	DisableKeepalive         bool  `json:"disable_keepalive" yaml:"disable_keepalive"`

	// Compression. A missing list means the defaults, an empty one
	// disables compression.
	Encodings        []string `json:"encodings" yaml:"encodings"`
	CompressionLevel int      `json:"compression_level" yaml:"compression_level"`
	MinCompressSize  int      `json:"min_compress_size" yaml:"min_compress_size"`

	// Socket replaces socket.DefaultConfig when present.
	Socket *Socket `json:"socket" yaml:"socket"`

	AccessLog *AccessLog `json:"access_log" yaml:"access_log"`

	// Metrics enables the /metrics route.
	Metrics bool `json:"metrics" yaml:"metrics"`

	// CacheBytes bounds the file cache; negative disables caching.
	CacheBytes int64 `json:"cache_bytes" yaml:"cache_bytes"`

	// Watch evicts cached files when they change on disk.
	Watch bool `json:"watch" yaml:"watch"`
}

// Socket mirrors socket.Config.
type Socket struct {
	NoDelay     bool `json:"no_delay" yaml:"no_delay"`
	RecvBuffer  int  `json:"recv_buffer" yaml:"recv_buffer"`
	SendBuffer  int  `json:"send_buffer" yaml:"send_buffer"`
	KeepAlive   bool `json:"keepalive" yaml:"keepalive"`
	QuickAck    bool `json:"quick_ack" yaml:"quick_ack"`
	DeferAccept bool `json:"defer_accept" yaml:"defer_accept"`
	FastOpen    bool `json:"fast_open" yaml:"fast_open"`
	ReusePort   bool `json:"reuse_port" yaml:"reuse_port"`
}

// AccessLog configures the access log.
type AccessLog struct {
	// Output is "stdout", "stderr" or a file path. Default: stdout
	Output    string   `json:"output" yaml:"output"`
	Format    string   `json:"format" yaml:"format"`
	SkipPaths []string `json:"skip_paths" yaml:"skip_paths"`
}

// Default returns the configuration used when no file is given.
func Default() *File {
	return &File{
		Addr:       DefaultAddr,
		CacheBytes: DefaultCacheBytes,
	}
}

// Load reads path, choosing the format from its extension.
func Load(path string) (*File, error) {
	var format string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		format = FormatJSON
	case ".yaml", ".yml":
		format = FormatYAML
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	f, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return f, nil
}

// Parse decodes data over Default. Unknown fields are errors.
func Parse(data []byte, format string) (*File, error) {
	f := Default()
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(f); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
	case FormatYAML:
		if err := yaml.UnmarshalWithOptions(data, f, yaml.DisallowUnknownField()); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Validate reports the first invalid field.
func (f *File) Validate() error {
	if f.Addr == "" {
		return errors.New("config: addr is empty")
	}
	for name, d := range map[string]Duration{
		"idle_timeout":    f.IdleTimeout,
		"write_timeout":   f.WriteTimeout,
		"handler_timeout": f.HandlerTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("config: %s is negative", name)
		}
	}
	for name, v := range map[string]int64{
		"max_request_size":           int64(f.MaxRequestSize),
		"max_request_line_size":      int64(f.MaxRequestLineSize),
		"max_header_bytes":           int64(f.MaxHeaderBytes),
		"max_headers":                int64(f.MaxHeaders),
		"max_body_size":              f.MaxBodySize,
		"read_buffer_size":           int64(f.ReadBufferSize),
		"write_buffer_size":          int64(f.WriteBufferSize),
		"max_keepalive_requests":     int64(f.MaxKeepAliveRequests),
		"max_pipeline_depth":         int64(f.MaxPipelineDepth),
		"max_concurrent_connections": int64(f.MaxConcurrentConnections),
		"min_compress_size":          int64(f.MinCompressSize),
	} {
		if v < 0 {
			return fmt.Errorf("config: %s is negative", name)
		}
	}
	if f.AccessLog != nil {
		switch f.AccessLog.Format {
		case "", "json", "text":
		default:
			return fmt.Errorf("config: access_log.format %q", f.AccessLog.Format)
		}
	}
	return nil
}

// ServerConfig converts f into a server.Config. accessLog receives the
// access log when f enables one.
func (f *File) ServerConfig(accessLog io.Writer) server.Config {
	cfg := server.Config{
		Addr:                     f.Addr,
		IdleTimeout:              time.Duration(f.IdleTimeout),
		WriteTimeout:             time.Duration(f.WriteTimeout),
		HandlerTimeout:           time.Duration(f.HandlerTimeout),
		MaxRequestSize:           f.MaxRequestSize,
		MaxRequestLineSize:       f.MaxRequestLineSize,
		MaxHeaderBytes:           f.MaxHeaderBytes,
		MaxHeaders:               f.MaxHeaders,
		MaxBodySize:              f.MaxBodySize,
		ReadBufferSize:           f.ReadBufferSize,
		WriteBufferSize:          f.WriteBufferSize,
		MaxKeepAliveRequests:     f.MaxKeepAliveRequests,
		MaxPipelineDepth:         f.MaxPipelineDepth,
		MaxConcurrentConnections: f.MaxConcurrentConnections,
		DisableKeepalive:         f.DisableKeepalive,
		Encodings:                f.Encodings,
		CompressionLevel:         f.CompressionLevel,
		MinCompressSize:          f.MinCompressSize,
	}
	if s := f.Socket; s != nil {
		cfg.Socket = &socket.Config{
			NoDelay:     s.NoDelay,
			RecvBuffer:  s.RecvBuffer,
			SendBuffer:  s.SendBuffer,
			KeepAlive:   s.KeepAlive,
			QuickAck:    s.QuickAck,
			DeferAccept: s.DeferAccept,
			FastOpen:    s.FastOpen,
			ReusePort:   s.ReusePort,
		}
	}
	if f.AccessLog != nil {
		cfg.AccessLog = &server.AccessLogConfig{
			Output:    accessLog,
			Format:    f.AccessLog.Format,
			SkipPaths: f.AccessLog.SkipPaths,
		}
	}
	return cfg
}

// OpenAccessLog opens the configured access log destination. The returned
// closer is a no-op for stdout and stderr.
func (f *File) OpenAccessLog() (io.Writer, func() error, error) {
	nop := func() error { return nil }
	if f.AccessLog == nil {
		return nil, nop, nil
	}
	switch f.AccessLog.Output {
	case "", "stdout", "-":
		return os.Stdout, nop, nil
	case "stderr":
		return os.Stderr, nop, nil
	}
	file, err := os.OpenFile(f.AccessLog.Output, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nop, fmt.Errorf("config: access log: %w", err)
	}
	return file, file.Close, nil
}
