//go:build !linux

package socket

// applyPlatformOptions is a no-op on platforms without specific optimizations.
func applyPlatformOptions(fd uintptr, cfg Config) {}

// applyListenerOptions is a no-op on platforms without specific optimizations.
func applyListenerOptions(fd uintptr, cfg Config) error {
	return nil
}

// QuickAck is a no-op on platforms without TCP_QUICKACK.
func QuickAck(fd uintptr) error {
	return nil
}

// Supported reports whether the Linux-only options take effect.
const Supported = false
