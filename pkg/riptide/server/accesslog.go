package server

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/watt-toolkit/riptide/pkg/riptide/http11"
)

// LogEntry is one access log line.
//
// Output:
//
//	{"time":"2025-11-13T10:30:00Z","conn_id":"5f0c…","remote":"127.0.0.1:51234","method":"GET","path":"/echo/abc","status":200,"duration_ms":0.12,"bytes":3}
type LogEntry struct {
	Time       string  `json:"time"`
	ConnID     string  `json:"conn_id"`
	Remote     string  `json:"remote"`
	Method     string  `json:"method,omitempty"`
	Path       string  `json:"path,omitempty"`
	Status     int     `json:"status"`
	DurationMS float64 `json:"duration_ms"`
	Bytes      int64   `json:"bytes"`
	Encoding   string  `json:"encoding,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// accessLogger writes access log lines. Exchanges from different
// connections are logged concurrently, so writes are serialized.
type accessLogger struct {
	mu     sync.Mutex
	out    io.Writer
	json   bool
	skip   map[string]bool
	errLog *log.Logger
}

func newAccessLogger(cfg *AccessLogConfig, errLog *log.Logger) (*accessLogger, error) {
	if cfg == nil {
		return nil, nil
	}
	l := &accessLogger{
		out:    cfg.Output,
		skip:   make(map[string]bool, len(cfg.SkipPaths)),
		errLog: errLog,
	}
	if l.out == nil {
		l.out = os.Stdout
	}
	switch cfg.Format {
	case "", "json":
		l.json = true
	case "text":
	default:
		return nil, fmt.Errorf("server: unknown access log format %q", cfg.Format)
	}
	for _, path := range cfg.SkipPaths {
		l.skip[path] = true
	}
	return l, nil
}

func (l *accessLogger) log(info http11.ExchangeInfo) {
	if l.skip[info.Path] {
		return
	}

	entry := LogEntry{
		Time:       info.Start.UTC().Format(time.RFC3339),
		ConnID:     info.ConnID,
		Remote:     info.RemoteAddr,
		Method:     info.Method,
		Path:       info.Path,
		Status:     info.Status,
		DurationMS: float64(info.Duration.Microseconds()) / 1000.0,
		Bytes:      info.BodyBytes,
		Encoding:   info.Encoding,
	}
	if info.Err != nil {
		entry.Error = info.Err.Error()
	}

	var line []byte
	if l.json {
		b, err := json.Marshal(entry)
		if err != nil {
			l.errLog.Printf("server: access log: %v", err)
			return
		}
		line = append(b, '\n')
	} else {
		line = formatText(entry)
	}

	l.mu.Lock()
	_, err := l.out.Write(line)
	l.mu.Unlock()
	if err != nil {
		l.errLog.Printf("server: access log: %v", err)
	}
}

func formatText(e LogEntry) []byte {
	method, path := e.Method, e.Path
	if method == "" {
		method, path = "-", "-"
	}
	msg := fmt.Sprintf("%s %s %s %s - %d - %.3fms - %dB", e.Time, e.Remote, method, path, e.Status, e.DurationMS, e.Bytes)
	if e.Encoding != "" {
		msg += " - " + e.Encoding
	}
	if e.Error != "" {
		msg += " - ERROR: " + e.Error
	}
	return []byte(msg + "\n")
}
