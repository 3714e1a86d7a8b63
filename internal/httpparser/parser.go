// Package httpparser implements the line-oriented HTTP/1.1 request-line and
// header state machine. It is deliberately the per-connection state that
// drives the async read loop: Feed is called with whatever partial byte
// batch recv_async just returned, and must be associative over however
// that batch happened to be fragmented.
package httpparser

import (
	"strings"

	"github.com/loomhttp/loom/internal/errs"
	"github.com/pkg/errors"
)

// DefaultLineCap is the recommended bound on a single CRLF-terminated line.
const DefaultLineCap = 8 * 1024

// DefaultMaxHeaders is the recommended bound on header count.
const DefaultMaxHeaders = 100

// State names where a Request sits in the NEW → HEADERS → DONE/ERROR
// machine.
type State uint8

const (
	StateRequestLine State = iota
	StateHeaders
	StateDone
	StateError
)

// Result is the per-Feed-call outcome, expressed as named values instead
// of magic integers.
type Result uint8

const (
	ResultNeedMore Result = iota
	ResultDone
	ResultError
)

// Header is a single header field as encountered on the wire, preserving
// original casing of the key for response echoing while supporting
// case-insensitive lookup via Request.Header.
type Header struct {
	Key   string
	Value string
}

// Request is the per-connection parser state. It is owned entirely by the
// connection's coroutine stack frame; nothing here is shared across
// coroutines.
type Request struct {
	State   State
	Method  string
	URI     string
	Version string
	Headers []Header

	maxHeaders int
	lineCap    int
	line       []byte
}

// NewRequest constructs a Request with the recommended bounds.
func NewRequest() *Request {
	return NewRequestWithLimits(DefaultLineCap, DefaultMaxHeaders)
}

// NewRequestWithLimits constructs a Request with explicit bounds, useful
// for tests exercising the cap edge cases.
func NewRequestWithLimits(lineCap, maxHeaders int) *Request {
	return &Request{
		maxHeaders: maxHeaders,
		lineCap:    lineCap,
		line:       make([]byte, 0, lineCap),
	}
}

// Reset clears all per-request state for keep-alive reuse, without
// reallocating the line buffer or header slice.
func (r *Request) Reset() {
	r.State = StateRequestLine
	r.Method = ""
	r.URI = ""
	r.Version = ""
	r.Headers = r.Headers[:0]
	r.line = r.line[:0]
}

// Feed appends data to the accumulating line buffer and advances the state
// machine by as many complete CRLF-terminated lines as data contains,
// stopping at the first line that completes the header section (empty
// line) or hits an error. It is safe to call Feed repeatedly with
// arbitrarily small or large fragments, including fragments that split a
// CRLF pair across calls; only the last two accumulated bytes are ever
// inspected for the terminator, so concatenation order is all that
// matters, independent of how the caller happened to chunk it.
func (r *Request) Feed(data []byte) (Result, error) {
	if r.State == StateDone || r.State == StateError {
		return ResultError, errors.New("httpparser: Feed called in terminal state")
	}

	for _, b := range data {
		if len(r.line) >= r.lineCap {
			r.State = StateError
			return ResultError, errors.Wrap(errs.ProtocolError, "httpparser: line exceeds capacity")
		}
		r.line = append(r.line, b)

		n := len(r.line)
		if n < 2 || r.line[n-2] != '\r' || r.line[n-1] != '\n' {
			continue
		}

		line := append([]byte(nil), r.line[:n-2]...)
		r.line = r.line[:0]

		res, err := r.consumeLine(line)
		if err != nil {
			return ResultError, err
		}
		if res == ResultDone {
			return ResultDone, nil
		}
	}
	return ResultNeedMore, nil
}

func (r *Request) consumeLine(line []byte) (Result, error) {
	switch r.State {
	case StateRequestLine:
		fields := strings.Split(string(line), " ")
		ok := len(fields) == 3
		for _, f := range fields {
			if f == "" {
				ok = false
			}
		}
		if !ok {
			r.State = StateError
			return ResultError, errors.Wrap(errs.ProtocolError, "httpparser: malformed request line")
		}
		if !strings.HasPrefix(fields[2], "HTTP/") {
			r.State = StateError
			return ResultError, errors.Wrap(errs.ProtocolError, "httpparser: unsupported version token")
		}
		r.Method, r.URI, r.Version = fields[0], fields[1], fields[2]
		r.State = StateHeaders
		return ResultNeedMore, nil

	case StateHeaders:
		if len(line) == 0 {
			r.State = StateDone
			return ResultDone, nil
		}
		idx := indexByte(line, ':')
		if idx < 0 {
			r.State = StateError
			return ResultError, errors.Wrap(errs.ProtocolError, "httpparser: header missing colon")
		}
		key := string(line[:idx])
		value := strings.TrimSpace(string(line[idx+1:]))
		if len(r.Headers) >= r.maxHeaders {
			r.State = StateError
			return ResultError, errors.Wrap(errs.ProtocolError, "httpparser: too many headers")
		}
		r.Headers = append(r.Headers, Header{Key: key, Value: value})
		return ResultNeedMore, nil

	default:
		return ResultError, errors.New("httpparser: consumeLine in terminal state")
	}
}

// Header looks up a header value by case-insensitive key.
func (r *Request) Header(name string) (string, bool) {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Key, name) {
			return h.Value, true
		}
	}
	return "", false
}

// KeepAlive reports whether the connection should be reused per the
// Connection header: absent or anything but a case-insensitive "close"
// means keep-alive.
func (r *Request) KeepAlive() bool {
	v, ok := r.Header("Connection")
	if !ok {
		return true
	}
	return !strings.EqualFold(strings.TrimSpace(v), "close")
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

// DecodeURI applies the post-parse, pre-routing decode pass: %HH is
// replaced with the decoded byte and + with space, in place semantically
// (a new string is returned, since Go strings are immutable, but no
// intermediate structure beyond a byte buffer is used).
func DecodeURI(uri string) string {
	var b strings.Builder
	b.Grow(len(uri))
	for i := 0; i < len(uri); i++ {
		switch uri[i] {
		case '+':
			b.WriteByte(' ')
		case '%':
			if i+2 < len(uri) {
				if hi, ok := hexVal(uri[i+1]); ok {
					if lo, ok := hexVal(uri[i+2]); ok {
						b.WriteByte(hi<<4 | lo)
						i += 2
						continue
					}
				}
			}
			b.WriteByte('%')
		default:
			b.WriteByte(uri[i])
		}
	}
	return b.String()
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}
