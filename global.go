package chunkable

import (
	"github.com/ccding/go-logging/logging"
	"go.uber.org/atomic"
)

// program global settings
var AppVersion = "dev"
var AppUrl = "https://github.com/momiji/chunkable"
var AppName = "chunkable"

// program global options
var options Options
var verbose = atomic.NewBool(false)
var debug = atomic.NewBool(false)
var trace = atomic.NewBool(false)
var logger *logging.Logger

// max size of a decoded request body, in bytes
const DEFAULT_MAX_CONTENT_SIZE = 512 * 1024

// max size of a single encoded response chunk, in bytes
const DEFAULT_CHUNK_MAX_SIZE = 512

// max length of a chunk-size or trailer line, CRLF included
const DEFAULT_CHUNK_HEADER_LENGTH = 128

// timeout in seconds for reading a whole chunked request body
const DEFAULT_CHUNK_READ_TIMEOUT = 5

// timeout in seconds for read/write operations, before automatically closing connections: absolute if > 0, sliding if < 0
const DEFAULT_IDLE_TIMEOUT = 0

const DEFAULT_BIND = "127.0.0.1"
const DEFAULT_PORT = 8080

// max header size, to buffer request headers
const HEADER_MAX_SIZE = 32 * 1024

// unread request bytes discarded after an early response, and for how long in milliseconds
const LINGER_DRAIN_SIZE = 256 * 1024
const LINGER_TIMEOUT = 500

// grace period in seconds for connections being processed when the server stops, before closing them
const DRAIN_TIMEOUT = 5

// config automatic reloading, delay in milliseconds after the last file event
const RELOAD_DEBOUNCE = 100

type Options struct {
	ShowHelp         bool
	ShowVersion      bool
	Config           string
	Listen           string
	ForceChunked     bool
	MaxContentSize   int64
	ChunkMaxSize     int
	ChunkReadTimeout int
	Debug            bool
	Trace            bool
	Verbose          bool

	bindHost string
	bindPort int
}
