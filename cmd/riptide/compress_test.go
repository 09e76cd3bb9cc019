package main

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/watt-toolkit/riptide/pkg/riptide/config"
	"github.com/watt-toolkit/riptide/pkg/riptide/server"
)

// serveDefaults runs the example routes with the configuration the binary
// uses when no file is given, adjusted by tweak.
func serveDefaults(t *testing.T, tweak func(*config.File)) string {
	t.Helper()
	f := config.Default()
	if tweak != nil {
		tweak(f)
	}
	cfg := f.ServerConfig(nil)
	cfg.Handler = routes(nil, nil)
	cfg.ErrorLog = log.New(io.Discard, "", 0)

	srv, err := server.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		<-done
	})
	return ln.Addr().String()
}

func get(t *testing.T, addr, raw string) (*http.Response, []byte) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.WriteString(conn, raw); err != nil {
		t.Fatal(err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatal(err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, body
}

func TestDefaults_EchoGzip(t *testing.T) {
	addr := serveDefaults(t, nil)

	resp, body := get(t, addr, "GET /echo/abc HTTP/1.1\r\nHost: x\r\nAccept-Encoding: gzip, deflate\r\nConnection: close\r\n\r\n")
	if resp.StatusCode != 200 || resp.Header.Get("Content-Encoding") != "gzip" {
		t.Fatalf("status %d, Content-Encoding %q", resp.StatusCode, resp.Header.Get("Content-Encoding"))
	}
	if resp.ContentLength != int64(len(body)) {
		t.Errorf("Content-Length %d, compressed body %d bytes", resp.ContentLength, len(body))
	}
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if plain, _ := io.ReadAll(zr); string(plain) != "abc" {
		t.Errorf("decompressed %q", plain)
	}
}

func TestDefaults_GzipOnlyServer(t *testing.T) {
	addr := serveDefaults(t, func(f *config.File) { f.Encodings = []string{"gzip"} })

	resp, body := get(t, addr, "GET /echo/abc HTTP/1.1\r\nHost: x\r\nAccept-Encoding: br\r\nConnection: close\r\n\r\n")
	if resp.Header.Get("Content-Encoding") != "" || string(body) != "abc" || resp.ContentLength != 3 {
		t.Errorf("br only: Content-Encoding %q, body %q", resp.Header.Get("Content-Encoding"), body)
	}

	resp, _ = get(t, addr, "GET /echo/abc HTTP/1.1\r\nHost: x\r\nAccept-Encoding: gzip, deflate\r\nConnection: close\r\n\r\n")
	if resp.Header.Get("Content-Encoding") != "gzip" {
		t.Errorf("gzip, deflate: Content-Encoding %q", resp.Header.Get("Content-Encoding"))
	}
}
