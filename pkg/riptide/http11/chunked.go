package http11

import (
	"io"
	"strconv"
)

// ChunkedWriter implements chunked transfer encoding (RFC 7230 §4.1).
//
// Every non-empty Write becomes exactly one chunk:
//
//	<hex-size>\r\n<bytes>\r\n
//
// Close writes the zero-size last chunk and the empty trailer section.
// The underlying writer is not closed.
type ChunkedWriter struct {
	w       io.Writer
	closed  bool
	scratch [20]byte
}

// NewChunkedWriter creates a chunked encoder writing to w.
func NewChunkedWriter(w io.Writer) *ChunkedWriter {
	return &ChunkedWriter{w: w}
}

// Write emits p as a single chunk. Empty writes emit nothing, since a
// zero-size chunk would terminate the body.
func (cw *ChunkedWriter) Write(p []byte) (int, error) {
	if cw.closed {
		return 0, ErrChunkedEncoding
	}
	if len(p) == 0 {
		return 0, nil
	}

	size := strconv.AppendInt(cw.scratch[:0], int64(len(p)), 16)
	size = append(size, '\r', '\n')
	if _, err := cw.w.Write(size); err != nil {
		return 0, err
	}
	n, err := cw.w.Write(p)
	if err != nil {
		return n, err
	}
	if _, err := cw.w.Write(crlfBytes); err != nil {
		return n, err
	}
	return n, nil
}

// Close writes the last chunk (0\r\n\r\n).
func (cw *ChunkedWriter) Close() error {
	if cw.closed {
		return nil
	}
	cw.closed = true
	_, err := cw.w.Write(lastChunkBytes)
	return err
}
