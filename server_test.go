package chunkable

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConf() Conf {
	conf := DefaultConf()
	conf.Port = 0
	conf.ChunkReadTimeout = 1
	return conf
}

func startServer(t *testing.T, conf Conf, handler Handler) *Server {
	t.Helper()
	options = Options{}
	config, err := NewConfigFromConf(conf)
	require.NoError(t, err)
	s := NewServer(config, handler)
	require.NoError(t, s.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return s
}

func dial(t *testing.T, s *Server, raw string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", s.Addr().String(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	_, err = conn.Write([]byte(raw))
	require.NoError(t, err)
	return conn
}

// roundTrip sends raw and returns the parsed response with its decoded body.
func roundTrip(t *testing.T, s *Server, raw string) (*http.Response, string) {
	t.Helper()
	conn := dial(t, s, raw)
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

// rawRoundTrip sends raw and returns everything written back until the server closes the connection.
func rawRoundTrip(t *testing.T, s *Server, raw string) string {
	t.Helper()
	conn := dial(t, s, raw)
	b, err := io.ReadAll(conn)
	require.NoError(t, err)
	return string(b)
}

const chunkedPost = "POST /echo HTTP/1.1\r\nHost: localhost\r\nTransfer-Encoding: chunked\r\n\r\n"

func TestServerChunkedEcho(t *testing.T) {
	s := startServer(t, testConf(), nil)
	resp, body := roundTrip(t, s, chunkedPost+"5\r\nhello\r\n5;ext=1\r\nworld\r\n0\r\nX-Sum: 10\r\n\r\n")
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "helloworld", body)
	assert.Equal(t, int64(10), resp.ContentLength)
	assert.Empty(t, resp.TransferEncoding)
	assert.True(t, resp.Close)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
	assert.Equal(t, CT_PLAIN_UTF8, resp.Header.Get("Content-Type"))

	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.requests.WithLabelValues("chunked")))
	assert.Equal(t, 10.0, testutil.ToFloat64(s.metrics.decodedBytes))
}

func TestServerForceChunked(t *testing.T) {
	conf := testConf()
	conf.ForceChunked = true
	conf.ChunkMaxSize = 3
	s := startServer(t, conf, nil)
	raw := rawRoundTrip(t, s, chunkedPost+"5\r\nhello\r\n5\r\nworld\r\n0\r\n\r\n")
	assert.Contains(t, raw, "\r\nTransfer-Encoding: chunked\r\n")
	assert.NotContains(t, raw, "Content-Length")
	assert.True(t, strings.HasSuffix(raw, "\r\n\r\n3\r\nhel\r\n2\r\nlo\r\n3\r\nwor\r\n2\r\nld\r\n0\r\n\r\n"), raw)
	assert.Equal(t, 4.0, testutil.ToFloat64(s.metrics.encodedChunks))
}

func TestServerLargeResponseChunked(t *testing.T) {
	conf := testConf()
	conf.ChunkMaxSize = 4
	s := startServer(t, conf, nil)
	resp, body := roundTrip(t, s, "POST / HTTP/1.1\r\nContent-Length: 11\r\n\r\nhello world")
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, []string{"chunked"}, resp.TransferEncoding)
	assert.Equal(t, "hello world", body)

	resp, body = roundTrip(t, s, "POST / HTTP/1.1\r\nContent-Length: 4\r\n\r\nabcd")
	assert.Empty(t, resp.TransferEncoding)
	assert.Equal(t, "abcd", body)
}

func TestServerHttp10NeverChunked(t *testing.T) {
	conf := testConf()
	conf.ForceChunked = true
	s := startServer(t, conf, nil)
	raw := rawRoundTrip(t, s, "POST / HTTP/1.0\r\nContent-Length: 5\r\n\r\nhello")
	assert.Contains(t, raw, "\r\nContent-Length: 5\r\n")
	assert.NotContains(t, raw, "Transfer-Encoding")
	assert.True(t, strings.HasSuffix(raw, "\r\n\r\nhello"), raw)
}

func TestServerHead(t *testing.T) {
	s := startServer(t, testConf(), nil)
	raw := rawRoundTrip(t, s, "HEAD / HTTP/1.1\r\n\r\n")
	assert.True(t, strings.HasPrefix(raw, "HTTP/1.1 200 OK\r\n"), raw)
	assert.True(t, strings.HasSuffix(raw, "\r\n\r\n"), raw)
}

func TestServerErrors(t *testing.T) {
	conf := testConf()
	conf.MaxContentSize = 8
	s := startServer(t, conf, nil)
	tcs := []struct {
		name   string
		raw    string
		status int
		kind   string
	}{
		{"too large", chunkedPost + "5\r\nhello\r\n5\r\nworld\r\n0\r\n\r\n", 413, "body_too_large"},
		{"too large content-length", "POST / HTTP/1.1\r\nContent-Length: 9\r\n\r\n123456789", 413, "body_too_large"},
		{"malformed", chunkedPost + "zz\r\nhello\r\n0\r\n\r\n", 400, "malformed_chunk_size"},
		{"line too long", chunkedPost + strings.Repeat("0", 200) + "5\r\nhello\r\n0\r\n\r\n", 400, "header_line_too_long"},
		{"bad request line", "HELLO\r\n\r\n", 400, "bad_request"},
		{"unsupported", "POST / HTTP/1.1\r\nTransfer-Encoding: gzip\r\n\r\n", 501, "unsupported_transfer_encoding"},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			before := testutil.ToFloat64(s.metrics.failures.WithLabelValues(tc.kind))
			resp, _ := roundTrip(t, s, tc.raw)
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.True(t, resp.Close)
			assert.Equal(t, before+1, testutil.ToFloat64(s.metrics.failures.WithLabelValues(tc.kind)))
		})
	}
}

func TestServerDecodeTimeout(t *testing.T) {
	s := startServer(t, testConf(), nil)
	start := time.Now()
	// a stalled peer, connection left open
	resp, _ := roundTrip(t, s, chunkedPost+"5\r\nhel")
	assert.Equal(t, 408, resp.StatusCode)
	assert.Less(t, time.Since(start), 4*time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.failures.WithLabelValues("decode_timeout")))
}

func TestServerConnectionReset(t *testing.T) {
	s := startServer(t, testConf(), nil)
	conn := dial(t, s, chunkedPost+"5\r\nhel")
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())
	b, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Empty(t, b)
}

func TestServerClosedBeforeRequest(t *testing.T) {
	s := startServer(t, testConf(), nil)
	conn := dial(t, s, "")
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())
	b, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Empty(t, b)
}

func TestServerHandler(t *testing.T) {
	s := startServer(t, testConf(), func(req *Request) *Response {
		if req.Url == "/nil" {
			return nil
		}
		sum, _ := req.Header("X-Sum")
		resp := NewResponse(201, []byte(req.Id+" "+sum))
		resp.Headers = []string{"X-Handled: yes", "Content-Length: 1000"}
		return resp
	})
	resp, body := roundTrip(t, s, "PUT /items HTTP/1.1\r\nX-Request-Id: id-42\r\nX-Sum: 7\r\n\r\n")
	assert.Equal(t, 201, resp.StatusCode)
	assert.Equal(t, "id-42 7", body)
	assert.Equal(t, "id-42", resp.Header.Get("X-Request-Id"))
	assert.Equal(t, "yes", resp.Header.Get("X-Handled"))
	assert.Equal(t, int64(len("id-42 7")), resp.ContentLength)

	resp, _ = roundTrip(t, s, "GET /nil HTTP/1.1\r\n\r\n")
	assert.Equal(t, 500, resp.StatusCode)
}

func TestServerSetBodyReader(t *testing.T) {
	s := startServer(t, testConf(), nil)
	// read a body up to the connection end, for clients sending no framing at all
	s.SetBodyReader(FramingUnspecified, BodyReaderFunc(func(_ context.Context, br *bufio.Reader, _ io.Reader, _ *RequestHeader, limits Limits) ([][]byte, error) {
		b, err := io.ReadAll(io.LimitReader(br, limits.MaxContentSize))
		return [][]byte{b}, err
	}))
	conn := dial(t, s, "POST / HTTP/1.1\r\n\r\nuntil the end")
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "until the end", string(body))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.requests.WithLabelValues("unspecified")))
}

func TestServerMaxConnections(t *testing.T) {
	conf := testConf()
	conf.MaxConnections = 1
	s := startServer(t, conf, nil)
	// the first connection holds the only slot until it times out
	first := dial(t, s, chunkedPost+"5\r\nhel")
	second := dial(t, s, "GET / HTTP/1.1\r\n\r\n")

	resp, err := http.ReadResponse(bufio.NewReader(first), nil)
	require.NoError(t, err)
	assert.Equal(t, 408, resp.StatusCode)
	resp, err = http.ReadResponse(bufio.NewReader(second), nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestServerMetricsEndpoint(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	listen := l.Addr().String()
	require.NoError(t, l.Close())

	conf := testConf()
	conf.MetricsListen = listen
	s := startServer(t, conf, nil)
	roundTrip(t, s, chunkedPost+"0\r\n\r\n")

	var text string
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + listen + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		text = string(b)
		return err == nil && resp.StatusCode == 200
	}, 2*time.Second, 50*time.Millisecond)
	assert.Contains(t, text, `chunkable_server_requests_total{framing="chunked"} 1`)
}

func TestServerReloadConfig(t *testing.T) {
	options = Options{}
	file := filepath.Join(t.TempDir(), "chunkable.yaml")
	require.NoError(t, os.WriteFile(file, []byte("port: 0\nchunkMaxSize: 512\n"), 0o600))
	config, err := NewConfig(file)
	require.NoError(t, err)
	s := NewServer(config, nil)
	require.NoError(t, s.WatchConfig(file))
	require.NoError(t, s.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()

	// give the watcher some time to start
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(file, []byte("port: 0\nchunkMaxSize: 4\n"), 0o600))
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(file, future, future))

	assert.Eventually(t, func() bool {
		return s.getConfig().conf.ChunkMaxSize == 4
	}, 3*time.Second, 50*time.Millisecond)

	// an invalid file keeps the current configuration
	require.NoError(t, os.WriteFile(file, []byte("chunkMaxSize: 0\n"), 0o600))
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 4, s.getConfig().conf.ChunkMaxSize)
}

func TestServerLineTooLongStalledPeer(t *testing.T) {
	s := startServer(t, testConf(), nil)
	start := time.Now()
	// longer than chunkHeaderLength, no line terminator, connection left open
	resp, _ := roundTrip(t, s, chunkedPost+strings.Repeat("0", 200))
	assert.Equal(t, 400, resp.StatusCode)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.failures.WithLabelValues("header_line_too_long")))
	assert.Equal(t, 0.0, testutil.ToFloat64(s.metrics.failures.WithLabelValues("decode_timeout")))
}

func TestServerIdleTimeout(t *testing.T) {
	conf := testConf()
	conf.IdleTimeout = -1
	s := startServer(t, conf, nil)

	// sliding: a slow client sending data regularly is served
	conn := dial(t, s, "")
	for _, piece := range []string{"GET / ", "HTTP", "/1.1", "\r\n", "Host: x", "\r\n\r\n"} {
		time.Sleep(500 * time.Millisecond)
		_, err := conn.Write([]byte(piece))
		require.NoError(t, err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	// a silent client is disconnected without response
	start := time.Now()
	b, err := io.ReadAll(dial(t, s, ""))
	require.NoError(t, err)
	assert.Empty(t, b)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestServerAbsoluteIdleTimeout(t *testing.T) {
	conf := testConf()
	conf.IdleTimeout = 1
	s := startServer(t, conf, nil)
	start := time.Now()
	b, err := io.ReadAll(dial(t, s, "GET / HTTP/1.1\r\n"))
	require.NoError(t, err)
	assert.Empty(t, b)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestServerRunWaitsForConnections(t *testing.T) {
	options = Options{}
	config, err := NewConfigFromConf(testConf())
	require.NoError(t, err)
	s := NewServer(config, nil)
	require.NoError(t, s.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()

	conn := dial(t, s, chunkedPost+"5\r\nhel")
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(s.metrics.connections) == 1
	}, time.Second, 10*time.Millisecond)
	cancel()

	// the pending body read is cancelled, then the connection is answered
	require.NoError(t, <-done)
	assert.Equal(t, 0.0, testutil.ToFloat64(s.metrics.connections))
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	assert.Equal(t, 503, resp.StatusCode)
}

func TestServerVerbosityFromConfig(t *testing.T) {
	defer func() {
		verbose.Store(false)
		debug.Store(false)
		trace.Store(false)
	}()
	conf := testConf()
	conf.Verbose = true
	conf.Debug = true
	s := startServer(t, conf, nil)
	assert.True(t, verbose.Load())
	assert.True(t, debug.Load())
	assert.False(t, trace.Load())

	// logging of requests and headers does not change responses
	_, body := roundTrip(t, s, chunkedPost+"5\r\nhello\r\n0\r\n\r\n")
	assert.Equal(t, "hello", body)
}
