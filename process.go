package chunkable

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/palantir/stacktrace"
)

// buffer size of the client connection reader, must hold the longest header line
const READ_BUFFER_SIZE = 8 * 1024

// Process handles a single connection: one request, one response, then close.
type Process struct {
	config    *Config //copy config here because it may be reloaded meanwhile
	server    *Server
	conn      *TimedConn
	reqId     string
	logPrefix string
	ti        *traceInfo
	start     time.Time
}

func NewProcess(server *Server, conn net.Conn) *Process {
	reqId := strings.SplitN(uuid.NewString(), "-", 2)[0]
	ti := newTraceInfo(reqId, "process")
	if trace.Load() {
		logTrace(ti, "create process")
	}
	return &Process{
		config: server.getConfig(),
		server: server,
		conn:   NewTimedConn(conn, newTraceInfo(reqId, "client")),
		reqId:  reqId,
		ti:     ti,
		start:  time.Now(),
	}
}

func (p *Process) process(ctx context.Context) {
	// automatically close connection on exit
	defer func() { _ = p.conn.Close() }()
	p.conn.setTimeout(p.config.conf.IdleTimeout)
	br := bufio.NewReaderSize(p.conn, READ_BUFFER_SIZE)
	channel := &ResponseWriter{w: bufio.NewWriter(p.conn)}
	if debug.Load() {
		p.logPrefix = fmt.Sprintf("(%s)", p.reqId)
	}

	req, err := p.readRequest(ctx, br)
	if err == io.EOF {
		if trace.Load() {
			logTrace(p.ti, "connection closed before request")
		}
		return
	}
	if err != nil {
		p.fail(channel, req, err)
		return
	}
	if trace.Load() {
		logTrace(p.ti, "call handler")
	}
	resp := p.server.handler(req)
	if resp == nil {
		resp = NewResponse(500)
	}
	if err = p.writeResponse(channel, req, resp); err != nil {
		if verbose.Load() {
			logError("(%s) %s %s: unable to write response: %v", p.reqId, req.Method, req.Url, err)
		}
		return
	}
	if verbose.Load() {
		logInfo("(%s) %s %s %s in=%s out=%s %d %v", p.reqId, req.Method, req.Url, req.Framing,
			humanize.IBytes(uint64(req.ContentSize())), humanize.IBytes(uint64(contentSize(resp.Body))),
			resp.Status, time.Since(p.start).Round(time.Millisecond))
	}
}

// readRequest reads headers and body. On error, the partial request is returned for logging.
func (p *Process) readRequest(ctx context.Context, br *bufio.Reader) (*Request, error) {
	rh, err := readRequestHeader(br, p.inPrefix())
	if err != nil {
		return nil, err // no wrap
	}
	if rh.requestId == "" {
		rh.requestId = p.reqId
	} else {
		p.reqId = rh.requestId
		p.ti.reqId = rh.requestId
		p.conn.ti.reqId = rh.requestId
	}
	req := &Request{
		Id:      rh.requestId,
		Method:  rh.method,
		Url:     rh.url,
		Version: rh.version,
		Headers: rh.headers,
	}
	framing, err := rh.framing()
	if err != nil {
		return req, err // no wrap
	}
	req.Framing = framing
	p.server.metrics.requests.WithLabelValues(framing.String()).Inc()
	reader := p.server.bodyReader(framing)
	if trace.Load() {
		logTrace(p.ti, "read body, framing=%s", framing)
	}
	req.Body, err = reader.ReadBody(ctx, br, p.conn, rh, p.config.Limits())
	if err != nil {
		return req, stacktrace.Propagate(err, "unable to read %s body", framing)
	}
	p.server.metrics.decodedBytes.Add(float64(req.ContentSize()))
	return req, nil
}

// writeResponse writes status line, headers and body.
// The body is chunked when forced by configuration or larger than a single chunk,
// unless the client only speaks HTTP/1.0.
func (p *Process) writeResponse(channel *ResponseWriter, req *Request, resp *Response) error {
	var err error
	channel.prefix = p.outPrefix()
	reason := resp.Reason
	if reason == "" {
		reason = NewResponse(resp.Status).Reason
	}
	contentType := resp.ContentType
	if contentType == "" {
		contentType = CT_PLAIN_UTF8
	}
	size := contentSize(resp.Body)
	chunked := p.config.conf.ForceChunked || size > p.config.conf.ChunkMaxSize
	if req != nil && req.Version == Http10 {
		chunked = false
	}
	if err = channel.writeStatusLine(Http11, resp.Status, reason); err != nil {
		return err // no wrap
	}
	if err = channel.writeDateHeader(); err != nil {
		return err // no wrap
	}
	if err = channel.writeHeader("Server", AppName+"/"+AppVersion); err != nil {
		return err // no wrap
	}
	if err = channel.writeHeader("Content-Type", contentType); err != nil {
		return err // no wrap
	}
	if err = channel.writeHeader("X-Request-Id", p.reqId); err != nil {
		return err // no wrap
	}
	for _, header := range resp.Headers {
		lower := strings.ToLower(header)
		switch {
		case strings.HasPrefix(lower, "connection:"),
			strings.HasPrefix(lower, "content-length:"),
			strings.HasPrefix(lower, "transfer-encoding:"):
			continue
		}
		if err = channel.writeHeaderLine(header); err != nil {
			return err // no wrap
		}
	}
	if err = channel.writeHeader("Connection", "close"); err != nil {
		return err // no wrap
	}
	if chunked {
		err = channel.writeHeader("Transfer-Encoding", "chunked")
	} else {
		err = channel.writeHeader("Content-Length", strconv.Itoa(size))
	}
	if err != nil {
		return err // no wrap
	}
	if err = channel.closeHeader(); err != nil {
		return err // no wrap
	}
	// special response if HEAD
	if req != nil && strings.ToUpper(req.Method) == "HEAD" {
		return stacktrace.Propagate(channel.w.Flush(), "unable to flush headers")
	}
	if !chunked {
		for _, b := range resp.Body {
			if _, err = channel.w.Write(b); err != nil {
				return stacktrace.Propagate(err, "unable to write content")
			}
		}
		return stacktrace.Propagate(channel.w.Flush(), "unable to flush content")
	}
	// headers are flushed with the first chunk
	cw, err := NewChunkWriter(channel.w, p.config.conf.ChunkMaxSize)
	if err != nil {
		return err // no wrap
	}
	cw.ti = newTraceInfo(p.reqId, "chunks")
	err = cw.WriteChunks(resp.Body)
	p.server.metrics.encodedChunks.Add(float64(cw.Fragments()))
	return err // no wrap
}

// fail reports err and answers with the matching status, when the connection is still usable.
func (p *Process) fail(channel *ResponseWriter, req *Request, err error) {
	code := stacktrace.GetCode(err)
	p.server.metrics.failures.WithLabelValues(codeName(code)).Inc()
	line := ""
	if req != nil {
		line = req.Method + " " + req.Url + " "
	}
	var status int
	switch code {
	case EcodeConnectionReset:
		if verbose.Load() {
			logInfo("(%s) %sconnection reset by peer", p.reqId, line)
		}
		if trace.Load() {
			logTrace(p.ti, "%v", err)
		}
		return
	case EcodeBodyTooLarge:
		status = 413
	case EcodeMalformedChunkSize, EcodeHeaderLineTooLong, EcodeBadRequest:
		status = 400
	case EcodeUnsupportedTransferEncoding:
		status = 501
	case EcodeDecodeTimeout:
		// warning already logged, the client may not even read the response
		status = 408
	default:
		status = 500
		if stacktrace.RootCause(err) == context.Canceled {
			// server stopping
			status = 503
		}
	}
	if code == EcodeUnsupportedTransferEncoding {
		logError("(%s) %s%v", p.reqId, line, err)
	} else if verbose.Load() {
		logError("(%s) %s%s: %v", p.reqId, line, codeName(code), err)
	}
	if werr := p.writeResponse(channel, req, NewResponse(status)); werr != nil {
		if trace.Load() {
			logTrace(p.ti, "unable to write error response: %v", werr)
		}
		return
	}
	// the request may not have been read entirely
	p.conn.lingerClose(LINGER_TIMEOUT * time.Millisecond)
}

func (p *Process) inPrefix() string {
	if p.logPrefix == "" {
		return ""
	}
	return p.logPrefix + " C>"
}

func (p *Process) outPrefix() string {
	if p.logPrefix == "" {
		return ""
	}
	return p.logPrefix + " <C"
}
