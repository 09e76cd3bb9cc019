package http11

import (
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Content-codings this server can produce.
const (
	EncodingGzip    = "gzip"
	EncodingDeflate = "deflate"
	EncodingBrotli  = "br"
	EncodingZstd    = "zstd"
)

// DefaultEncodings is the default server preference order.
var DefaultEncodings = []string{EncodingGzip, EncodingBrotli, EncodingZstd, EncodingDeflate}

// compressWriter is the surface shared by every encoder we pool.
type compressWriter interface {
	io.WriteCloser
	Flush() error
	Reset(w io.Writer)
}

// Compressor produces one content-coding. Encoders are pooled; a
// Compressor is safe for concurrent use.
type Compressor struct {
	name string
	pool sync.Pool
}

// NewCompressor creates a compressor for the named coding. level 0 selects
// the coding's default level.
func NewCompressor(name string, level int) (*Compressor, error) {
	var newWriter func() (compressWriter, error)
	switch name {
	case EncodingGzip:
		if level == 0 {
			level = gzip.DefaultCompression
		}
		newWriter = func() (compressWriter, error) { return gzip.NewWriterLevel(io.Discard, level) }
	case EncodingDeflate:
		// "deflate" in HTTP is the zlib format (RFC 1950)
		if level == 0 {
			level = zlib.DefaultCompression
		}
		newWriter = func() (compressWriter, error) { return zlib.NewWriterLevel(io.Discard, level) }
	case EncodingBrotli:
		if level == 0 {
			level = brotli.DefaultCompression
		}
		newWriter = func() (compressWriter, error) { return brotli.NewWriterLevel(io.Discard, level), nil }
	case EncodingZstd:
		zlevel := zstd.SpeedDefault
		if level != 0 {
			zlevel = zstd.EncoderLevelFromZstd(level)
		}
		newWriter = func() (compressWriter, error) {
			return zstd.NewWriter(io.Discard,
				zstd.WithEncoderLevel(zlevel),
				zstd.WithEncoderConcurrency(1),
				zstd.WithWindowSize(1<<23))
		}
	default:
		return nil, ErrUnknownEncoding
	}

	// Build one up front so a bad level fails here and not per response
	first, err := newWriter()
	if err != nil {
		return nil, err
	}

	c := &Compressor{name: name}
	c.pool.New = func() any {
		// The level was validated above
		w, _ := newWriter()
		return w
	}
	c.pool.Put(first)
	return c, nil
}

// Name returns the content-coding token.
func (c *Compressor) Name() string {
	return c.name
}

// Compress writes the complete encoded form of src to dst.
func (c *Compressor) Compress(dst io.Writer, src []byte) error {
	w := c.get(dst)
	defer c.put(w)
	if _, err := w.Write(src); err != nil {
		return err
	}
	return w.Close()
}

func (c *Compressor) get(dst io.Writer) compressWriter {
	w := c.pool.Get().(compressWriter)
	w.Reset(dst)
	return w
}

func (c *Compressor) put(w compressWriter) {
	w.Reset(io.Discard)
	c.pool.Put(w)
}

// Negotiator picks a content-coding for a request from a fixed server
// preference list.
type Negotiator struct {
	names  []string
	byName map[string]*Compressor
}

// NewNegotiator builds compressors for names, in server preference order.
func NewNegotiator(names []string, level int) (*Negotiator, error) {
	n := &Negotiator{byName: make(map[string]*Compressor, len(names))}
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if _, dup := n.byName[name]; dup {
			continue
		}
		c, err := NewCompressor(name, level)
		if err != nil {
			return nil, err
		}
		n.names = append(n.names, name)
		n.byName[name] = c
	}
	return n, nil
}

// Names returns the supported codings in preference order.
func (n *Negotiator) Names() []string {
	return n.names
}

// Negotiate returns the compressor to use for the given Accept-Encoding
// value, or nil for identity.
func (n *Negotiator) Negotiate(acceptEncoding string) *Compressor {
	name := Negotiate(acceptEncoding, n.names)
	if name == "" {
		return nil
	}
	return n.byName[name]
}

// Negotiate selects a content-coding from supported (server preference
// order) for the client's Accept-Encoding value. It returns "" when the
// body should be sent unencoded.
//
// Rules (RFC 7231 §5.3.4):
//   - a coding is acceptable when listed with q > 0, or when "*" is
//     listed with q > 0 and the coding is not listed explicitly
//   - the highest q wins; ties go to the earlier supported coding
//   - an absent or empty header means identity
func Negotiate(acceptEncoding string, supported []string) string {
	if strings.TrimSpace(acceptEncoding) == "" || len(supported) == 0 {
		return ""
	}

	type pref struct {
		coding string
		q      float64
	}
	var prefs []pref
	wildcard := -1.0
	for elem := range splitCommaSeq(acceptEncoding) {
		coding, q, ok := parseCoding(elem)
		if !ok {
			continue
		}
		if coding == "*" {
			wildcard = q
			continue
		}
		prefs = append(prefs, pref{coding, q})
	}

	best, bestQ := "", 0.0
	for _, s := range supported {
		q, listed := -1.0, false
		for _, p := range prefs {
			if strings.EqualFold(p.coding, s) {
				q, listed = p.q, true
				break
			}
		}
		if !listed {
			q = wildcard
		}
		if q > bestQ {
			best, bestQ = s, q
		}
	}
	return best
}

// parseCoding splits "coding;q=0.5" into its parts. Elements with a
// malformed q value are ignored.
func parseCoding(elem string) (string, float64, bool) {
	coding, params, _ := strings.Cut(elem, ";")
	coding = strings.TrimSpace(coding)
	if coding == "" {
		return "", 0, false
	}
	q := 1.0
	for param := range strings.SplitSeq(params, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), "q") {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || f < 0 || f > 1 {
			return "", 0, false
		}
		q = f
	}
	return coding, q, true
}
