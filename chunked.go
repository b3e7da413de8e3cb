// Chunked transfer coding, as described in "4.1. Chunked Transfer Coding" of RFC 7230:
//
//	chunked-body   = *chunk last-chunk trailer-part CRLF
//	chunk          = chunk-size [ chunk-ext ] CRLF chunk-data CRLF
//	chunk-size     = 1*HEXDIG
//	last-chunk     = 1*("0") [ chunk-ext ] CRLF
//	chunk-data     = 1*OCTET ; a sequence of chunk-size octets
//
// Chunk extensions and trailer fields are accepted and discarded on read, never written.
package chunkable

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/palantir/stacktrace"
)

const crlf = "\r\n"

// initial buffer size of a chunk, grown while data arrives
const chunkGrowSize = 32 * 1024

// a deadline in the past, used to unblock a pending read
var aLongTimeAgo = time.Unix(1, 0)

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type flusher interface {
	Flush() error
}

// ChunkReader decodes one chunked body from a stream.
// It is not reusable: a new ChunkReader is needed for each body.
type ChunkReader struct {
	r      *bufio.Reader
	stream io.Reader // interrupted when ReadChunksContext times out
	limits Limits
	ti     *traceInfo
	tail   [2]byte
	total  int64
	chunks int
}

// NewChunkReader returns a ChunkReader reading from stream.
// Limits are validated immediately.
func NewChunkReader(stream io.Reader, limits Limits) (*ChunkReader, error) {
	if err := limits.Validate(); err != nil {
		return nil, err // no wrap
	}
	return NewBufferedChunkReader(bufio.NewReaderSize(stream, limits.MaxLineLength), stream, limits)
}

// NewBufferedChunkReader returns a ChunkReader reading from br, which must be a buffer on top of stream.
// It is used when bytes of the body may already be buffered, e.g. after reading request headers.
func NewBufferedChunkReader(br *bufio.Reader, stream io.Reader, limits Limits) (*ChunkReader, error) {
	if err := limits.Validate(); err != nil {
		return nil, err // no wrap
	}
	return &ChunkReader{
		r:      br,
		stream: stream,
		limits: limits,
		ti:     newTraceInfo("", "chunks"),
	}, nil
}

// Size returns the number of body bytes decoded so far.
func (cr *ChunkReader) Size() int64 {
	return cr.total
}

// ReadChunks reads all chunks and the trailer, returning chunk data in arrival order.
// It blocks until the body is complete or the stream fails, see ReadChunksContext for a bounded read.
func (cr *ChunkReader) ReadChunks() ([][]byte, error) {
	contents := make([][]byte, 0)
	for {
		// chunk-size [ chunk-ext ] CRLF
		line, err := cr.readLine()
		if err != nil {
			return nil, err // no wrap
		}
		if trace.Load() {
			logTrace(cr.ti, "chunk header=%q", line)
		}
		if isBlankLine(line) {
			if !cr.limits.LenientLastChunk || cr.chunks > 0 {
				return nil, stacktrace.NewErrorWithCode(EcodeMalformedChunkSize, "empty chunk size line")
			}
			if trace.Load() {
				logTrace(cr.ti, "last-chunk does not exist, stop reading chunks anyway")
			}
			break
		}
		size, err := parseChunkSize(line)
		if err != nil {
			return nil, err // no wrap
		}
		if size == 0 {
			if trace.Load() {
				logTrace(cr.ti, "last-chunk has been found")
			}
			break
		}
		if size > uint64(cr.limits.MaxContentSize-cr.total) {
			return nil, stacktrace.NewErrorWithCode(EcodeBodyTooLarge, "too large content > %s",
				humanize.IBytes(uint64(cr.limits.MaxContentSize)))
		}
		// chunk-data may contain CR or LF, never read it by line
		chunk, err := cr.readData(int64(size))
		if err != nil {
			return nil, err // no wrap
		}
		// CRLF after chunk-data, its value is not checked
		if _, err = io.ReadFull(cr.r, cr.tail[:]); err != nil {
			return nil, stacktrace.PropagateWithCode(err, EcodeConnectionReset, "connection reset by peer after chunk %d", cr.chunks)
		}
		if trace.Load() {
			logTrace(cr.ti, "chunk size=%d tail=%q", size, cr.tail[:])
		}
		contents = append(contents, chunk)
		cr.total += int64(size)
		cr.chunks++
	}
	if err := cr.readTrailer(); err != nil {
		return nil, err // no wrap
	}
	if debug.Load() {
		logTrace(cr.ti, "read %d chunks, %s", cr.chunks, humanize.IBytes(uint64(cr.total)))
	}
	return contents, nil
}

// ReadChunksContext is ReadChunks bounded by the read timeout of the limits.
// The read runs in its own goroutine; on timeout the stream is interrupted, either with an
// expired read deadline or by closing it, and an EcodeDecodeTimeout error is returned.
// Chunks read before the timeout are never returned.
func (cr *ChunkReader) ReadChunksContext(ctx context.Context) ([][]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, cr.limits.ReadTimeout)
	defer cancel()

	type result struct {
		contents [][]byte
		err      error
	}
	done := make(chan result, 1)
	go func() {
		contents, err := cr.ReadChunks()
		done <- result{contents, err}
	}()

	select {
	case res := <-done:
		return res.contents, res.err
	case <-ctx.Done():
	}

	interrupted := cr.interrupt()
	if interrupted {
		// the pending read fails right away, wait for it so nothing reads the stream afterwards
		<-done
	}
	if ctx.Err() != context.DeadlineExceeded {
		return nil, stacktrace.Propagate(ctx.Err(), "chunks read cancelled")
	}
	logWarn("%stimed out reading chunks after %v (interrupted=%v)", cr.ti.prefix(), cr.limits.ReadTimeout, interrupted)
	return nil, stacktrace.NewErrorWithCode(EcodeDecodeTimeout, "timed out reading chunks after %v", cr.limits.ReadTimeout)
}

func (cr *ChunkReader) interrupt() bool {
	if d, ok := cr.stream.(readDeadliner); ok {
		if err := d.SetReadDeadline(aLongTimeAgo); err == nil {
			return true
		}
	}
	if c, ok := cr.stream.(io.Closer); ok {
		return c.Close() == nil
	}
	return false
}

// readData reads exactly size bytes, growing the buffer as data arrives
// instead of trusting the announced size for the allocation.
func (cr *ChunkReader) readData(size int64) ([]byte, error) {
	var buf bytes.Buffer
	if size < chunkGrowSize {
		buf.Grow(int(size))
	} else {
		buf.Grow(chunkGrowSize)
	}
	if _, err := io.CopyN(&buf, cr.r, size); err != nil {
		return nil, stacktrace.PropagateWithCode(err, EcodeConnectionReset, "connection reset by peer while reading chunk of %d bytes", size)
	}
	return buf.Bytes(), nil
}

// readTrailer skips trailer fields up to the final blank line.
func (cr *ChunkReader) readTrailer() error {
	for {
		line, err := cr.readLine()
		if err != nil {
			return err // no wrap
		}
		if isBlankLine(line) {
			if trace.Load() {
				logTrace(cr.ti, "end of chunks has been found")
			}
			return nil
		}
		if trace.Load() {
			logTrace(cr.ti, "skip trailer=%q", line)
		}
	}
}

// readLine reads a line up to \n, never consuming more than MaxLineLength bytes,
// whatever the size of the underlying buffer.
// The returned bytes may be owned by the bufio.Reader, so they are only valid until the next read.
func (cr *ChunkReader) readLine() ([]byte, error) {
	var line []byte
	for {
		remaining := cr.limits.MaxLineLength - len(line)
		if remaining <= 0 {
			return nil, stacktrace.NewErrorWithCode(EcodeHeaderLineTooLong, "chunk line too long, > %d bytes", cr.limits.MaxLineLength)
		}
		if cr.r.Buffered() == 0 {
			if _, err := cr.r.Peek(1); err != nil {
				return nil, stacktrace.PropagateWithCode(err, EcodeConnectionReset, "connection reset by peer")
			}
		}
		n := cr.r.Buffered()
		if n > remaining {
			n = remaining
		}
		p, _ := cr.r.Peek(n)
		if i := bytes.IndexByte(p, '\n'); i >= 0 {
			p = p[:i+1]
			_, _ = cr.r.Discard(len(p))
			if line == nil {
				return p, nil
			}
			return append(line, p...), nil
		}
		line = append(line, p...)
		_, _ = cr.r.Discard(len(p))
	}
}

// ChunkWriter translates writes into chunked format before writing them to Wire.
// Each write is split into chunks of at most the max chunk size. Closing the ChunkWriter
// sends the last-chunk and the empty trailer.
type ChunkWriter struct {
	Wire         io.Writer
	maxChunkSize int
	fragments    int
	ti           *traceInfo
}

// NewChunkWriter returns a ChunkWriter writing to w, maxChunkSize is validated immediately.
func NewChunkWriter(w io.Writer, maxChunkSize int) (*ChunkWriter, error) {
	if maxChunkSize <= 0 {
		return nil, stacktrace.NewErrorWithCode(EcodeInvalidConfig, "invalid chunk max size %d, must be > 0", maxChunkSize)
	}
	return &ChunkWriter{
		Wire:         w,
		maxChunkSize: maxChunkSize,
		ti:           newTraceInfo("", "chunks"),
	}, nil
}

// Fragments returns the number of chunks written so far, last-chunk excluded.
func (cw *ChunkWriter) Fragments() int {
	return cw.fragments
}

// Write the contents of data as ceil(len(data)/max) chunks to Wire.
// If Wire can be flushed, it is flushed once all chunks are written.
func (cw *ChunkWriter) Write(data []byte) (n int, err error) {
	// Don't send 0-length data. It looks like EOF for chunked encoding.
	if len(data) == 0 {
		return 0, nil
	}
	for len(data) > 0 {
		frag := data
		if len(frag) > cw.maxChunkSize {
			frag = frag[:cw.maxChunkSize]
		}
		if err = cw.writeChunk(frag); err != nil {
			return n, err // no wrap
		}
		n += len(frag)
		data = data[len(frag):]
	}
	if f, ok := cw.Wire.(flusher); ok {
		err = f.Flush()
	}
	return
}

func (cw *ChunkWriter) writeChunk(data []byte) error {
	if _, err := fmt.Fprintf(cw.Wire, "%x\r\n", len(data)); err != nil {
		return err // no wrap
	}
	n, err := cw.Wire.Write(data)
	if err != nil {
		return err // no wrap
	}
	if n != len(data) {
		return io.ErrShortWrite
	}
	if _, err = io.WriteString(cw.Wire, crlf); err != nil {
		return err // no wrap
	}
	cw.fragments++
	if trace.Load() {
		logTrace(cw.ti, "chunk size=%x", len(data))
	}
	return nil
}

// Close writes the last-chunk followed by an empty trailer.
func (cw *ChunkWriter) Close() error {
	if _, err := io.WriteString(cw.Wire, "0"+crlf+crlf); err != nil {
		return err // no wrap
	}
	if f, ok := cw.Wire.(flusher); ok {
		return f.Flush()
	}
	return nil
}

// WriteChunks writes every buffer of payload in order, then closes the body.
func (cw *ChunkWriter) WriteChunks(payload [][]byte) error {
	for _, c := range payload {
		if _, err := cw.Write(c); err != nil {
			return stacktrace.Propagate(err, "unable to write chunk")
		}
	}
	return stacktrace.Propagate(cw.Close(), "unable to write last-chunk")
}

// parseChunkSize extracts chunk-size from a chunk line.
func parseChunkSize(line []byte) (uint64, error) {
	p := trimTrailingWhitespace(line)
	p = removeChunkExtension(p)
	p = bytes.TrimSpace(p)
	if len(p) == 0 {
		return 0, stacktrace.NewErrorWithCode(EcodeMalformedChunkSize, "missing chunk size in %q", line)
	}
	return parseHexUint(p)
}

func isBlankLine(line []byte) bool {
	return len(trimTrailingWhitespace(line)) == 0
}

func trimTrailingWhitespace(b []byte) []byte {
	for len(b) > 0 && isASCIISpace(b[len(b)-1]) {
		b = b[:len(b)-1]
	}
	return b
}

func isASCIISpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// removeChunkExtension removes any chunk-extension from p.
// For example,
//
//	"0" => "0"
//	"0;token" => "0"
//	"0;token=val" => "0"
//	`0;token="quoted string"` => "0"
func removeChunkExtension(p []byte) []byte {
	semi := bytes.IndexByte(p, ';')
	if semi == -1 {
		return p
	}
	return p[:semi]
}

func parseHexUint(v []byte) (n uint64, err error) {
	for _, b := range v {
		switch {
		case '0' <= b && b <= '9':
			b = b - '0'
		case 'a' <= b && b <= 'f':
			b = b - 'a' + 10
		case 'A' <= b && b <= 'F':
			b = b - 'A' + 10
		default:
			return 0, stacktrace.NewErrorWithCode(EcodeMalformedChunkSize, "invalid byte %q in chunk length %q", b, v)
		}
		if n>>60 != 0 {
			return 0, stacktrace.NewErrorWithCode(EcodeMalformedChunkSize, "chunk length %q too large", v)
		}
		n <<= 4
		n |= uint64(b)
	}
	return
}
