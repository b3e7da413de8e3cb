package chunkable

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/palantir/stacktrace"
)

const CT_PLAIN_UTF8 = "text/plain; charset=UTF-8"

type HttpVersion string

const (
	Http10 HttpVersion = "1.0"
	Http11 HttpVersion = "1.1"
)

var HttpVersions = [...]HttpVersion{Http10, Http11}

func GetHttpVersion(version string) HttpVersion {
	a := strings.Split(version, "/")
	if len(a) == 0 {
		return Http10
	}
	v := a[len(a)-1]
	for _, hv := range HttpVersions {
		if v == hv.Version() {
			return hv
		}
	}
	return Http10
}

func (hv HttpVersion) Version() string {
	return string(hv)
}

type RequestHeader struct {
	headers []string
	// request line
	method  string
	url     string
	version HttpVersion
	// headers
	contentLength    int64 // -1 if no Content-Length header
	transferEncoding string
	requestId        string
}

// Request is a fully read request, passed to the Handler.
type Request struct {
	Id      string
	Method  string
	Url     string
	Version HttpVersion
	Headers []string
	Framing BodyFraming
	Body    [][]byte
}

// Header returns the value of the first header named name, case-insensitive.
func (r *Request) Header(name string) (string, bool) {
	return findHeader(r.Headers, name)
}

// ContentSize returns the total size of the request body.
func (r *Request) ContentSize() int {
	return contentSize(r.Body)
}

// Response is returned by the Handler. Body buffers are written in order.
type Response struct {
	Status      int
	Reason      string
	ContentType string
	Headers     []string
	Body        [][]byte
}

// NewResponse returns a text/plain response. Without body, the status text is used.
func NewResponse(status int, body ...[]byte) *Response {
	reason := http.StatusText(status)
	if body == nil {
		body = [][]byte{[]byte(reason + "\n")}
	}
	return &Response{
		Status:      status,
		Reason:      reason,
		ContentType: CT_PLAIN_UTF8,
		Body:        body,
	}
}

// Handler computes the response of a request whose body has been read.
type Handler func(req *Request) *Response

// EchoHandler greets GET requests and sends back the body of POST and PUT requests.
func EchoHandler(req *Request) *Response {
	switch strings.ToUpper(req.Method) {
	case "GET", "HEAD":
		return NewResponse(200, []byte(fmt.Sprintf("Hello from %s %s\n", AppName, AppVersion)))
	case "POST", "PUT":
		return NewResponse(200, req.Body...)
	}
	return NewResponse(405)
}

func contentSize(body [][]byte) int {
	size := 0
	for _, b := range body {
		size += len(b)
	}
	return size
}

// readRequestHeader reads request line and headers, up to the empty line.
// io.EOF is returned as is when the connection is closed before any byte.
func readRequestHeader(br *bufio.Reader, prefix string) (*RequestHeader, error) {
	headers := make([]string, 0, 32)
	size := 0
	for {
		line, err := br.ReadSlice('\n')
		size += len(line)
		if err == bufio.ErrBufferFull || size > HEADER_MAX_SIZE {
			return nil, stacktrace.NewErrorWithCode(EcodeBadRequest, "Invalid request, headers too long")
		}
		if err != nil {
			if err == io.EOF && size == 0 {
				return nil, io.EOF
			}
			return nil, stacktrace.PropagateWithCode(err, EcodeConnectionReset, "Could not read headers")
		}
		header := string(trimTrailingWhitespace(line))
		if header == "" {
			if len(headers) == 0 {
				// empty lines before the request line are ignored
				continue
			}
			break
		}
		if prefix != "" {
			logHeader("%s %s", prefix, header)
		}
		headers = append(headers, header)
	}
	rh := RequestHeader{headers: headers, contentLength: -1}
	if err := rh.analyseRequestLine(); err != nil {
		return nil, err // no wrap
	}
	if err := rh.analyseHeaders(); err != nil {
		return nil, err // no wrap
	}
	return &rh, nil
}

func (rh *RequestHeader) analyseRequestLine() error {
	headerLine := rh.headers[0]
	line := strings.Split(headerLine, " ")
	if len(line) != 3 || !strings.HasPrefix(line[2], "HTTP/") {
		return stacktrace.NewErrorWithCode(EcodeBadRequest, "Invalid request line, expecting 'METHOD URL VERSION': %v", headerLine)
	}
	rh.method = line[0]
	rh.url = line[1]
	rh.version = GetHttpVersion(line[2])
	return nil
}

func (rh *RequestHeader) analyseHeaders() error {
	var err error
	for _, header := range rh.headers[1:] {
		lower := strings.ToLower(header)
		switch {
		case strings.HasPrefix(lower, "content-length:") && rh.contentLength == -1:
			rh.contentLength, err = strconv.ParseInt(strings.TrimSpace(lower[15:]), 10, 64)
			if err != nil {
				return stacktrace.PropagateWithCode(err, EcodeBadRequest, "Invalid content-length header: %s", header)
			}
			if rh.contentLength < 0 {
				return stacktrace.NewErrorWithCode(EcodeBadRequest, "Invalid content-length header: value is < 0")
			}
		case strings.HasPrefix(lower, "transfer-encoding:"):
			rh.transferEncoding = strings.TrimSpace(header[18:])
		case strings.HasPrefix(lower, "x-request-id:"):
			if id := strings.TrimSpace(header[13:]); validRequestId(id) {
				rh.requestId = id
			}
		}
	}
	return nil
}

// framing selects how the body is read. Transfer-Encoding has precedence over Content-Length.
func (rh *RequestHeader) framing() (BodyFraming, error) {
	switch {
	case rh.transferEncoding != "":
		if strings.EqualFold(rh.transferEncoding, "chunked") {
			return FramingChunked, nil
		}
		return FramingUnspecified, stacktrace.NewErrorWithCode(EcodeUnsupportedTransferEncoding, "not supported such transfer encoding %s", rh.transferEncoding)
	case rh.contentLength >= 0:
		return FramingContentLength, nil
	}
	return FramingUnspecified, nil
}

// validRequestId accepts ids that are safe to echo in a header and in logs.
func validRequestId(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] <= ' ' || id[i] >= 0x7f {
			return false
		}
	}
	return true
}

func findHeader(headers []string, name string) (string, bool) {
	for _, header := range headers {
		kv := strings.SplitN(header, ":", 2)
		if len(kv) == 2 && strings.EqualFold(kv[0], name) {
			return strings.TrimSpace(kv[1]), true
		}
	}
	return "", false
}

// ResponseWriter writes a response head on a buffered connection.
type ResponseWriter struct {
	w      *bufio.Writer
	prefix string
}

func (r *ResponseWriter) writeStatusLine(version HttpVersion, status int, reason string) error {
	return r.writeHeaderLine(fmt.Sprintf("HTTP/%s %d %s", version.Version(), status, reason))
}

func (r *ResponseWriter) writeDateHeader() error {
	return r.writeHeader("Date", time.Now().UTC().Format(http.TimeFormat))
}

func (r *ResponseWriter) writeHeader(key, val string) error {
	return r.writeHeaderLine(fmt.Sprintf("%s: %s", key, val))
}

func (r *ResponseWriter) closeHeader() error {
	return r.writeHeaderLine("")
}

func (r *ResponseWriter) writeHeaderLine(line string) error {
	if r.prefix != "" && line != "" {
		logHeader("%s %s", r.prefix, line)
	}
	_, err := r.w.WriteString(line + crlf)
	return err // no wrap
}
