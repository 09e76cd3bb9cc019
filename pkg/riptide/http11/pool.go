package http11

import (
	"bufio"
	"io"
	"sync"
)

// DefaultWriteBufferSize is the size of pooled connection write buffers.
const DefaultWriteBufferSize = 4096

var (
	parserPool = sync.Pool{
		New: func() any { return &Parser{} },
	}

	bufioWriterPool = sync.Pool{
		New: func() any { return bufio.NewWriterSize(nil, DefaultWriteBufferSize) },
	}
)

// GetParser retrieves a Parser from the pool configured with limits.
//
// IMPORTANT: You MUST call PutParser when done to return it to the pool.
func GetParser(limits Limits) *Parser {
	p := parserPool.Get().(*Parser)
	p.Reset()
	p.limits = limits.withDefaults()
	return p
}

// PutParser returns a Parser to the pool. It is safe to call PutParser on
// a nil Parser (no-op).
//
// After calling PutParser, you MUST NOT use the Parser anymore.
func PutParser(p *Parser) {
	if p != nil {
		p.Reset()
		parserPool.Put(p)
	}
}

// GetBufioWriter retrieves a bufio.Writer from the pool and resets it to
// write to w.
//
// IMPORTANT: You MUST call PutBufioWriter when done to return it to the pool.
func GetBufioWriter(w io.Writer, size int) *bufio.Writer {
	if size != DefaultWriteBufferSize {
		return bufio.NewWriterSize(w, size)
	}
	bw := bufioWriterPool.Get().(*bufio.Writer)
	bw.Reset(w)
	return bw
}

// PutBufioWriter returns a bufio.Writer to the pool. Pending bytes are
// discarded; flush before returning it. Writers of a non-default size are
// dropped.
//
// After calling PutBufioWriter, you MUST NOT use the writer anymore.
func PutBufioWriter(bw *bufio.Writer) {
	if bw == nil || bw.Size() != DefaultWriteBufferSize {
		return
	}
	bw.Reset(nil)
	bufioWriterPool.Put(bw)
}
