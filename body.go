package chunkable

import (
	"bufio"
	"context"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/palantir/stacktrace"
)

// BodyFraming tells how the length of a request body is known.
type BodyFraming int

const (
	// no Transfer-Encoding nor Content-Length
	FramingUnspecified BodyFraming = iota
	// Transfer-Encoding: chunked
	FramingChunked
	// Content-Length: n
	FramingContentLength
)

func (f BodyFraming) String() string {
	switch f {
	case FramingChunked:
		return "chunked"
	case FramingContentLength:
		return "content-length"
	}
	return "unspecified"
}

// BodyReader reads a request body framed in a single way.
// br buffers stream, and may already hold the first bytes of the body.
type BodyReader interface {
	ReadBody(ctx context.Context, br *bufio.Reader, stream io.Reader, header *RequestHeader, limits Limits) ([][]byte, error)
}

// BodyReaderFunc adapts a function to a BodyReader.
type BodyReaderFunc func(ctx context.Context, br *bufio.Reader, stream io.Reader, header *RequestHeader, limits Limits) ([][]byte, error)

func (f BodyReaderFunc) ReadBody(ctx context.Context, br *bufio.Reader, stream io.Reader, header *RequestHeader, limits Limits) ([][]byte, error) {
	return f(ctx, br, stream, header, limits)
}

// defaultBodyReaders returns the body readers used by a new Server.
func defaultBodyReaders() map[BodyFraming]BodyReader {
	return map[BodyFraming]BodyReader{
		FramingChunked:       BodyReaderFunc(readChunkedBody),
		FramingContentLength: BodyReaderFunc(readContentLengthBody),
		FramingUnspecified:   BodyReaderFunc(readUnspecifiedBody),
	}
}

func readChunkedBody(ctx context.Context, br *bufio.Reader, stream io.Reader, header *RequestHeader, limits Limits) ([][]byte, error) {
	cr, err := NewBufferedChunkReader(br, stream, limits)
	if err != nil {
		return nil, err // no wrap
	}
	cr.ti = newTraceInfo(header.requestId, "chunks")
	return cr.ReadChunksContext(ctx)
}

func readContentLengthBody(_ context.Context, br *bufio.Reader, _ io.Reader, header *RequestHeader, limits Limits) ([][]byte, error) {
	if header.contentLength > limits.MaxContentSize {
		return nil, stacktrace.NewErrorWithCode(EcodeBodyTooLarge, "too large content %s > %s",
			humanize.IBytes(uint64(header.contentLength)), humanize.IBytes(uint64(limits.MaxContentSize)))
	}
	if header.contentLength == 0 {
		return [][]byte{}, nil
	}
	content := make([]byte, header.contentLength)
	if _, err := io.ReadFull(br, content); err != nil {
		return nil, stacktrace.PropagateWithCode(err, EcodeConnectionReset, "connection reset by peer while reading %d bytes", header.contentLength)
	}
	return [][]byte{content}, nil
}

// readUnspecifiedBody does not read anything: without framing, the body would only end with the connection.
func readUnspecifiedBody(context.Context, *bufio.Reader, io.Reader, *RequestHeader, Limits) ([][]byte, error) {
	return [][]byte{}, nil
}
