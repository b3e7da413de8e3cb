package chunkable

import "github.com/palantir/stacktrace"

// Error codes attached to the errors returned by the chunk codec and the server.
// Use stacktrace.GetCode to classify an error.
const (
	// peer closed the stream where more data was expected
	EcodeConnectionReset = stacktrace.ErrorCode(iota + 1)
	// chunk-size field is not a hexadecimal number
	EcodeMalformedChunkSize
	// decoded body exceeds the configured maximum content size
	EcodeBodyTooLarge
	// chunk-size or trailer line exceeds the configured line length
	EcodeHeaderLineTooLong
	// body was not decoded within the configured read timeout
	EcodeDecodeTimeout
	// Transfer-Encoding other than chunked
	EcodeUnsupportedTransferEncoding
	// configuration value rejected at construction
	EcodeInvalidConfig
	// request line or headers could not be parsed
	EcodeBadRequest
)

// codeName is used for logging and as metrics label.
func codeName(code stacktrace.ErrorCode) string {
	switch code {
	case EcodeConnectionReset:
		return "connection_reset"
	case EcodeMalformedChunkSize:
		return "malformed_chunk_size"
	case EcodeBodyTooLarge:
		return "body_too_large"
	case EcodeHeaderLineTooLong:
		return "header_line_too_long"
	case EcodeDecodeTimeout:
		return "decode_timeout"
	case EcodeUnsupportedTransferEncoding:
		return "unsupported_transfer_encoding"
	case EcodeInvalidConfig:
		return "invalid_config"
	case EcodeBadRequest:
		return "bad_request"
	}
	return "other"
}
