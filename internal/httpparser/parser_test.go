package httpparser

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func feedAll(t *testing.T, r *Request, chunks ...[]byte) (Result, error) {
	t.Helper()
	var res Result
	var err error
	for _, c := range chunks {
		res, err = r.Feed(c)
		if res != ResultNeedMore {
			return res, err
		}
	}
	return res, err
}

func TestMinimalGet(t *testing.T) {
	r := NewRequest()
	res, err := feedAll(t, r, []byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)
	require.Equal(t, ResultDone, res)
	require.Equal(t, "GET", r.Method)
	require.Equal(t, "/", r.URI)
	require.Equal(t, "HTTP/1.1", r.Version)
	v, ok := r.Header("host")
	require.True(t, ok)
	require.Equal(t, "x", v)
}

func TestFragmentedHeadersAcrossCRLFSplit(t *testing.T) {
	whole := "GET /a/b HTTP/1.1\r\nHost: example.com\r\nX-Foo: bar\r\n\r\n"
	// Split at arbitrary, including mid-CRLF, boundaries.
	splits := [][2]int{{7, 20}, {0, len(whole)}, {10, 11}, {len(whole) - 1, len(whole)}}
	for _, sp := range splits {
		r := NewRequest()
		a, b := sp[0], sp[1]
		if b > len(whole) {
			b = len(whole)
		}
		chunks := [][]byte{[]byte(whole[:a]), []byte(whole[a:b])}
		if b < len(whole) {
			chunks = append(chunks, []byte(whole[b:]))
		}
		res, err := feedAll(t, r, chunks...)
		require.NoError(t, err)
		require.Equal(t, ResultDone, res)
		require.Equal(t, "GET", r.Method)
		require.Equal(t, "/a/b", r.URI)
		host, _ := r.Header("Host")
		require.Equal(t, "example.com", host)
		foo, _ := r.Header("x-foo")
		require.Equal(t, "bar", foo)
	}
}

func TestByteAtATimeFeedIsAssociative(t *testing.T) {
	whole := []byte("POST /submit HTTP/1.1\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")
	r := NewRequest()
	var res Result
	var err error
	for i := range whole {
		res, err = r.Feed(whole[i : i+1])
		if res != ResultNeedMore {
			break
		}
	}
	require.NoError(t, err)
	require.Equal(t, ResultDone, res)
	require.False(t, r.KeepAlive())
}

func TestProtocolErrorOnMalformedRequestLine(t *testing.T) {
	r := NewRequest()
	res, err := r.Feed([]byte("FOO\r\n\r\n"))
	require.Error(t, err)
	require.Equal(t, ResultError, res)
	require.Equal(t, StateError, r.State)
}

func TestProtocolErrorOnMissingHTTPVersionToken(t *testing.T) {
	r := NewRequest()
	res, err := r.Feed([]byte("GET / 1.1\r\n\r\n"))
	require.Error(t, err)
	require.Equal(t, ResultError, res)
}

func TestProtocolErrorOnHeaderMissingColon(t *testing.T) {
	r := NewRequest()
	_, err := r.Feed([]byte("GET / HTTP/1.1\r\n"))
	require.NoError(t, err)
	res, err := r.Feed([]byte("garbage-header\r\n\r\n"))
	require.Error(t, err)
	require.Equal(t, ResultError, res)
}

func TestLineCapEnforced(t *testing.T) {
	r := NewRequestWithLimits(16, DefaultMaxHeaders)
	res, err := r.Feed([]byte("GET /this-uri-is-too-long-to-fit HTTP/1.1\r\n"))
	require.Error(t, err)
	require.Equal(t, ResultError, res)
}

func TestHeaderCapEnforced(t *testing.T) {
	r := NewRequestWithLimits(DefaultLineCap, 1)
	_, err := r.Feed([]byte("GET / HTTP/1.1\r\n"))
	require.NoError(t, err)
	_, err = r.Feed([]byte("A: 1\r\n"))
	require.NoError(t, err)
	res, err := r.Feed([]byte("B: 2\r\n"))
	require.Error(t, err)
	require.Equal(t, ResultError, res)
}

func TestResetAllowsKeepAliveReuse(t *testing.T) {
	r := NewRequest()
	_, err := feedAll(t, r, []byte("GET /one HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)
	r.Reset()
	res, err := feedAll(t, r, []byte("GET /two HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)
	require.Equal(t, ResultDone, res)
	require.Equal(t, "/two", r.URI)
}

func TestDecodeURI(t *testing.T) {
	require.Equal(t, "/a b/c", DecodeURI("/a+b/%63"))
	require.Equal(t, "50% off", DecodeURI("50%25 off"))
	require.Equal(t, "/trailing%", DecodeURI("/trailing%"))
	require.Equal(t, "/trailing%2", DecodeURI("/trailing%2"))
}
