package socket

import (
	"context"
	"net"
	"testing"
)

// dialPair returns both ends of a loopback TCP connection on ln.
func dialPair(t *testing.T, ln net.Listener) (client, server net.Conn) {
	t.Helper()
	acceptDone := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			t.Logf("Accept failed: %v", err)
			close(acceptDone)
			return
		}
		acceptDone <- conn
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	server = <-acceptDone
	if server == nil {
		t.Fatal("accept failed")
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

// TestDefaultConfig tests that default configuration is sensible
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if !cfg.NoDelay {
		t.Error("NoDelay should be true by default")
	}
	if cfg.RecvBuffer != 256*1024 || cfg.SendBuffer != 256*1024 {
		t.Errorf("buffers = %d/%d, want 256KB", cfg.RecvBuffer, cfg.SendBuffer)
	}
	if cfg.ReusePort {
		t.Error("ReusePort must be opt-in")
	}

	if low := LowLatencyConfig(); low.DeferAccept || !low.QuickAck {
		t.Errorf("LowLatencyConfig = %+v", low)
	}
}

// TestApply tests applying socket options to a connection
func TestApply(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create listener: %v", err)
	}
	defer ln.Close()

	client, server := dialPair(t, ln)
	if err := Apply(server, DefaultConfig()); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	// Verify connection still works
	msg := "Hello, World!"
	go client.Write([]byte(msg))

	buf := make([]byte, len(msg))
	n, err := server.Read(buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(buf[:n]) != msg {
		t.Errorf("Got %q, want %q", string(buf[:n]), msg)
	}
}

func TestApply_NonTCP(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	if err := Apply(a, DefaultConfig()); err != nil {
		t.Errorf("Apply on a pipe: %v", err)
	}
}

// TestListen tests the tuned listener accepts connections
func TestListen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReusePort = Supported
	// The dialer sends nothing, which a deferred accept would hold back
	cfg.DeferAccept = false

	ln, err := Listen(context.Background(), "127.0.0.1:0", cfg)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	_, server := dialPair(t, ln)
	if err := Apply(server, cfg); err != nil {
		t.Errorf("Apply: %v", err)
	}

	if Supported {
		// A second listener may share the port
		ln2, err := Listen(context.Background(), ln.Addr().String(), cfg)
		if err != nil {
			t.Fatalf("SO_REUSEPORT listener: %v", err)
		}
		ln2.Close()
	}
}
