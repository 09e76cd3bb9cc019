package http11

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

// parseAll runs one parse cycle over raw in a single call.
func parseAll(t *testing.T, raw string) (*Request, int) {
	t.Helper()
	p := NewParser(Limits{})
	req, n, err := p.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse(%q): %v", raw, err)
	}
	return req, n
}

// parseIncremental feeds raw one byte at a time, the way a connection
// appends each read to the same buffer.
func parseIncremental(t *testing.T, raw string) (*Request, int) {
	t.Helper()
	p := NewParser(Limits{})
	buf := []byte(raw)
	for i := 1; i <= len(buf); i++ {
		req, n, err := p.Parse(buf[:i])
		if err == ErrNeedMore {
			continue
		}
		if err != nil {
			t.Fatalf("Parse at byte %d of %q: %v", i, raw, err)
		}
		return req, n
	}
	t.Fatalf("Parse(%q): never completed", raw)
	return nil, 0
}

func expectKind(t *testing.T, err error, kind ErrorKind, status int) {
	t.Helper()
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if e.Kind != kind {
		t.Errorf("Kind = %v, want %v (%v)", e.Kind, kind, err)
	}
	if e.Status != status {
		t.Errorf("Status = %d, want %d", e.Status, status)
	}
}

func TestParser_SimpleGET(t *testing.T) {
	raw := "GET /index.html?q=1 HTTP/1.1\r\nHost: example.com\r\nUser-Agent: test\r\n\r\n"
	req, n := parseAll(t, raw)

	if n != len(raw) {
		t.Errorf("consumed %d, want %d", n, len(raw))
	}
	if req.Method != MethodGET || req.RawMethod != "GET" {
		t.Errorf("method = %v/%q", req.Method, req.RawMethod)
	}
	if req.Path != "/index.html" || req.RawQuery != "q=1" || req.RawTarget != "/index.html?q=1" {
		t.Errorf("target = %q %q %q", req.Path, req.RawQuery, req.RawTarget)
	}
	if req.Proto != "HTTP/1.1" || req.ProtoMajor != 1 || req.ProtoMinor != 1 {
		t.Errorf("proto = %q %d.%d", req.Proto, req.ProtoMajor, req.ProtoMinor)
	}
	if got := req.Header.Get("user-agent"); got != "test" {
		t.Errorf("User-Agent = %q", got)
	}
	if len(req.Body) != 0 || req.ContentLength != 0 {
		t.Errorf("unexpected body %q (len %d)", req.Body, req.ContentLength)
	}
}

func TestParser_IncrementalMatchesSingleRead(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"get", "GET /a HTTP/1.1\r\nHost: x\r\nAccept: */*\r\n\r\n"},
		{"content-length", "POST /files/a HTTP/1.1\r\nHost: x\r\nContent-Length: 11\r\n\r\nhello world"},
		{"chunked", "POST /up HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n4\r\nWiki\r\n5;ext=1\r\npedia\r\n0\r\n\r\n"},
		{"chunked-trailers", "POST /up HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nabc\r\n0\r\nX-Sum: 1\r\n\r\n"},
		{"duplicate-headers", "GET / HTTP/1.0\r\nX-A: 1\r\nX-A: 2\r\nConnection: keep-alive\r\n\r\n"},
		{"escaped", "GET /files/a%20b HTTP/1.1\r\n\r\n"},
		{"leading-crlf", "\r\n\r\nGET / HTTP/1.1\r\n\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			whole, n1 := parseAll(t, tt.raw)
			split, n2 := parseIncremental(t, tt.raw)
			if n1 != n2 {
				t.Errorf("consumed %d vs %d", n1, n2)
			}
			if !reflect.DeepEqual(whole, split) {
				t.Errorf("incremental parse differs:\nwhole: %+v\nsplit: %+v", whole, split)
			}
		})
	}
}

func TestParser_ChunkedBody(t *testing.T) {
	req, _ := parseAll(t, "POST /up HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n4\r\nWiki\r\n5\r\npedia\r\n0\r\n\r\n")
	if string(req.Body) != "Wikipedia" {
		t.Errorf("Body = %q", req.Body)
	}
	if !req.Chunked || req.ContentLength != -1 {
		t.Errorf("Chunked=%v ContentLength=%d", req.Chunked, req.ContentLength)
	}
}

func TestParser_ContentLengthZero(t *testing.T) {
	req, n := parseAll(t, "POST /x HTTP/1.1\r\nContent-Length: 0\r\n\r\n")
	if len(req.Body) != 0 {
		t.Errorf("Body = %q, want empty", req.Body)
	}
	if n != len("POST /x HTTP/1.1\r\nContent-Length: 0\r\n\r\n") {
		t.Errorf("consumed %d", n)
	}
}

func TestParser_ShortBodyNeedsMore(t *testing.T) {
	p := NewParser(Limits{})
	raw := []byte("POST /x HTTP/1.1\r\nContent-Length: 10\r\n\r\nhello")
	for range 3 {
		req, n, err := p.Parse(raw)
		if err != ErrNeedMore {
			t.Fatalf("err = %v, want ErrNeedMore", err)
		}
		if req != nil || n != 0 {
			t.Fatalf("got request %v / %d before body complete", req, n)
		}
	}
	if p.State() != AwaitingBody {
		t.Errorf("State = %v, want %v", p.State(), AwaitingBody)
	}

	raw = append(raw, "world"...)
	req, _, err := p.Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if string(req.Body) != "helloworld" {
		t.Errorf("Body = %q", req.Body)
	}
}

func TestParser_Pipelined(t *testing.T) {
	first := "GET /1 HTTP/1.1\r\nHost: x\r\n\r\n"
	second := "GET /2 HTTP/1.1\r\nHost: x\r\n\r\n"
	buf := []byte(first + second)

	p := NewParser(Limits{})
	req, n, err := p.Parse(buf)
	if err != nil {
		t.Fatal(err)
	}
	if req.Path != "/1" || n != len(first) {
		t.Fatalf("first = %q consumed %d", req.Path, n)
	}
	if p.State() != AwaitingRequestLine {
		t.Fatalf("parser not reset: %v", p.State())
	}

	req, n, err = p.Parse(buf[n:])
	if err != nil {
		t.Fatal(err)
	}
	if req.Path != "/2" || n != len(second) {
		t.Fatalf("second = %q consumed %d", req.Path, n)
	}
}

func TestParser_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		kind   ErrorKind
		status int
		err    error
	}{
		{"negative content-length", "POST / HTTP/1.1\r\nContent-Length: -1\r\n\r\n", KindProtocolViolation, 400, ErrInvalidContentLength},
		{"content-length above int64", "POST / HTTP/1.1\r\nContent-Length: 18446744073709551620\r\n\r\nabcd", KindProtocolViolation, 400, ErrInvalidContentLength},
		{"content-length of 2^64", "POST / HTTP/1.1\r\nContent-Length: 18446744073709551616\r\n\r\n", KindProtocolViolation, 400, ErrInvalidContentLength},
		{"signed content-length", "POST / HTTP/1.1\r\nContent-Length: +4\r\n\r\nabcd", KindProtocolViolation, 400, ErrInvalidContentLength},
		{"non-numeric content-length", "POST / HTTP/1.1\r\nContent-Length: ten\r\n\r\n", KindProtocolViolation, 400, ErrInvalidContentLength},
		{"conflicting content-length", "POST / HTTP/1.1\r\nContent-Length: 1\r\nContent-Length: 2\r\n\r\nab", KindProtocolViolation, 400, ErrDuplicateContentLength},
		{"cl and te", "POST / HTTP/1.1\r\nContent-Length: 3\r\nTransfer-Encoding: chunked\r\n\r\n", KindProtocolViolation, 400, ErrContentLengthWithTransferEncoding},
		{"te not chunked", "POST / HTTP/1.1\r\nTransfer-Encoding: gzip\r\n\r\n", KindProtocolViolation, 400, ErrUnsupportedTransferEncoding},
		{"te chunked not last", "POST / HTTP/1.1\r\nTransfer-Encoding: chunked, gzip\r\n\r\n", KindProtocolViolation, 400, ErrUnsupportedTransferEncoding},
		{"duplicate host", "GET / HTTP/1.1\r\nHost: a\r\nHost: b\r\n\r\n", KindProtocolViolation, 400, ErrDuplicateHost},
		{"empty method", " / HTTP/1.1\r\n\r\n", KindParse, 400, ErrInvalidMethod},
		{"bad method token", "G(T / HTTP/1.1\r\n\r\n", KindParse, 400, ErrInvalidMethod},
		{"empty target", "GET  HTTP/1.1\r\n\r\n", KindParse, 400, ErrInvalidPath},
		{"relative target", "GET index.html HTTP/1.1\r\n\r\n", KindParse, 400, ErrInvalidPath},
		{"bad escape", "GET /%zz HTTP/1.1\r\n\r\n", KindParse, 400, ErrInvalidPath},
		{"http2", "GET / HTTP/2.0\r\n\r\n", KindParse, 400, ErrInvalidProtocol},
		{"missing version", "GET /\r\n\r\n", KindParse, 400, ErrInvalidRequestLine},
		{"no colon", "GET / HTTP/1.1\r\nHost\r\n\r\n", KindParse, 400, ErrInvalidHeader},
		{"space before colon", "GET / HTTP/1.1\r\nHost : x\r\n\r\n", KindParse, 400, ErrInvalidHeader},
		{"folding", "GET / HTTP/1.1\r\nX-A: 1\r\n  continued\r\n\r\n", KindParse, 400, ErrHeaderFolding},
		{"bare lf", "GET / HTTP/1.1\nHost: x\n\n", KindParse, 400, ErrBareLF},
		{"bad chunk size", "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n", KindParse, 400, ErrChunkedEncoding},
		{"chunk missing crlf", "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nabcX", KindParse, 400, ErrChunkedEncoding},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser(Limits{})
			req, n, err := p.Parse([]byte(tt.raw))
			if req != nil || n != 0 {
				t.Fatalf("got request for malformed input")
			}
			expectKind(t, err, tt.kind, tt.status)
			if !errors.Is(err, tt.err) {
				t.Errorf("err = %v, want %v", err, tt.err)
			}
			if p.State() != Failed {
				t.Errorf("State = %v, want failed", p.State())
			}
			// Stays failed until Reset
			if _, _, again := p.Parse([]byte(tt.raw)); again != err {
				t.Errorf("second Parse = %v, want sticky %v", again, err)
			}
		})
	}
}

func TestParseContentLength(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"0", 0, true},
		{"42", 42, true},
		{"007", 7, true},
		{"9223372036854775807", 9223372036854775807, true},
		{"9223372036854775808", 0, false},
		{"18446744073709551616", 0, false},
		{"18446744073709551620", 0, false},
		{"", 0, false},
		{"-1", 0, false},
		{"+1", 0, false},
		{"1 2", 0, false},
	}
	for _, tt := range tests {
		n, ok := parseContentLength(tt.in)
		if n != tt.want || ok != tt.ok {
			t.Errorf("parseContentLength(%q) = %d, %v, want %d, %v", tt.in, n, ok, tt.want, tt.ok)
		}
	}
}

func TestParser_Limits(t *testing.T) {
	limits := Limits{MaxRequestLineSize: 32, MaxHeaderBytes: 64, MaxHeaders: 3, MaxBodySize: 8}

	tests := []struct {
		name   string
		raw    string
		status int
	}{
		{"request line", "GET /" + strings.Repeat("a", 64) + " HTTP/1.1\r\n\r\n", 414},
		{"request line unterminated", "GET /" + strings.Repeat("a", 64), 414},
		{"header bytes", "GET / HTTP/1.1\r\nX-Long: " + strings.Repeat("v", 80) + "\r\n\r\n", 431},
		{"header count", "GET / HTTP/1.1\r\nA: 1\r\nB: 2\r\nC: 3\r\nD: 4\r\n\r\n", 431},
		{"content-length", "POST / HTTP/1.1\r\nContent-Length: 9\r\n\r\n", 413},
		{"chunked total", "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nabcde\r\n5\r\nfghij\r\n0\r\n\r\n", 413},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser(limits)
			_, _, err := p.Parse([]byte(tt.raw))
			expectKind(t, err, KindResourceLimit, tt.status)
		})
	}
}

func TestParser_ExpectContinuePending(t *testing.T) {
	p := NewParser(Limits{})
	raw := []byte("PUT /f HTTP/1.1\r\nExpect: 100-continue\r\nContent-Length: 3\r\n\r\n")
	if _, _, err := p.Parse(raw); err != ErrNeedMore {
		t.Fatalf("err = %v", err)
	}
	pending := p.Pending()
	if pending == nil || !pending.ExpectsContinue() {
		t.Fatalf("Pending() = %v, want request expecting continue", pending)
	}

	req, _, err := p.Parse(append(raw, "abc"...))
	if err != nil {
		t.Fatal(err)
	}
	if string(req.Body) != "abc" {
		t.Errorf("Body = %q", req.Body)
	}
	if p.Pending() != nil {
		t.Errorf("Pending() after completion should be nil")
	}
}

func TestParser_UnknownMethodKept(t *testing.T) {
	req, _ := parseAll(t, "PURGE /cache HTTP/1.1\r\n\r\n")
	if req.Method != MethodUnknown || req.RawMethod != "PURGE" {
		t.Errorf("method = %v %q", req.Method, req.RawMethod)
	}
}

func TestParser_HeaderOrderAndDuplicates(t *testing.T) {
	req, _ := parseAll(t, "GET / HTTP/1.1\r\nB: 1\r\nA: 2\r\nb: 3\r\n\r\n")
	want := []HeaderField{{"B", "1"}, {"A", "2"}, {"b", "3"}}
	if !reflect.DeepEqual(req.Header.Fields(), want) {
		t.Errorf("fields = %v, want %v", req.Header.Fields(), want)
	}
	if got := req.Header.Values("B"); !reflect.DeepEqual(got, []string{"1", "3"}) {
		t.Errorf("Values(B) = %v", got)
	}
}

func TestRequest_KeepAlive(t *testing.T) {
	tests := []struct {
		raw  string
		want bool
	}{
		{"GET / HTTP/1.1\r\n\r\n", true},
		{"GET / HTTP/1.1\r\nConnection: close\r\n\r\n", false},
		{"GET / HTTP/1.1\r\nConnection: Upgrade, Close\r\n\r\n", false},
		{"GET / HTTP/1.0\r\n\r\n", false},
		{"GET / HTTP/1.0\r\nConnection: keep-alive\r\n\r\n", true},
	}
	for _, tt := range tests {
		req, _ := parseAll(t, tt.raw)
		if got := req.KeepAlive(); got != tt.want {
			t.Errorf("KeepAlive(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func BenchmarkParser_SimpleGET(b *testing.B) {
	raw := []byte("GET /echo/abc HTTP/1.1\r\nHost: localhost\r\nUser-Agent: bench\r\nAccept: */*\r\n\r\n")
	p := NewParser(Limits{})
	b.ReportAllocs()
	b.SetBytes(int64(len(raw)))
	for b.Loop() {
		if _, _, err := p.Parse(raw); err != nil {
			b.Fatal(err)
		}
	}
}
