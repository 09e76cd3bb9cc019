//go:build linux

package socket

import (
	"golang.org/x/sys/unix"
)

// deferAcceptSeconds is how long the kernel holds a connection that has
// sent no data before waking the acceptor anyway.
const deferAcceptSeconds = 5

// fastOpenQueue is the pending TFO queue length.
const fastOpenQueue = 256

// applyPlatformOptions applies Linux-specific connection options.
func applyPlatformOptions(fd uintptr, cfg Config) {
	// TCP_QUICKACK is cleared by the kernel after the next ACK, so this
	// only speeds up the first exchange
	if cfg.QuickAck {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_QUICKACK, 1)
	}
}

// applyListenerOptions applies Linux-specific listener options. Only
// SO_REUSEPORT is fatal: the caller asked to share the port.
func applyListenerOptions(fd uintptr, cfg Config) error {
	if cfg.ReusePort {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			return err
		}
	}
	if cfg.DeferAccept {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_DEFER_ACCEPT, deferAcceptSeconds)
	}
	if cfg.FastOpen {
		// TFO might not be enabled in the kernel
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_FASTOPEN, fastOpenQueue)
	}
	return nil
}

// QuickAck re-arms TCP_QUICKACK on fd.
func QuickAck(fd uintptr) error {
	return unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_QUICKACK, 1)
}

// Supported reports whether the Linux-only options take effect.
const Supported = true
