package chunkable

import (
	"time"

	"github.com/palantir/stacktrace"
)

// Limits bounds a single chunked body decode.
type Limits struct {
	// hard cap on the reassembled body size, in bytes
	MaxContentSize int64
	// cap on a chunk-size or trailer line, CRLF included
	MaxLineLength int
	// wall-clock bound of ReadChunksContext
	ReadTimeout time.Duration
	// stop reading chunks on a bare CRLF size line instead of failing
	LenientLastChunk bool
}

// DefaultLimits returns the limits used when no configuration overrides them.
func DefaultLimits() Limits {
	return Limits{
		MaxContentSize: DEFAULT_MAX_CONTENT_SIZE,
		MaxLineLength:  DEFAULT_CHUNK_HEADER_LENGTH,
		ReadTimeout:    DEFAULT_CHUNK_READ_TIMEOUT * time.Second,
	}
}

func (l Limits) Validate() error {
	if l.MaxContentSize <= 0 {
		return stacktrace.NewErrorWithCode(EcodeInvalidConfig, "invalid max content size %d, must be > 0", l.MaxContentSize)
	}
	if l.MaxLineLength <= 0 {
		return stacktrace.NewErrorWithCode(EcodeInvalidConfig, "invalid chunk header length %d, must be > 0", l.MaxLineLength)
	}
	if l.ReadTimeout <= 0 {
		return stacktrace.NewErrorWithCode(EcodeInvalidConfig, "invalid chunk read timeout %v, must be > 0", l.ReadTimeout)
	}
	return nil
}
