package chunkable

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/palantir/stacktrace"
	yaml2 "gopkg.in/yaml.v2"
)

type Config struct {
	conf   Conf
	limits Limits
	listen string
}

type Conf struct {
	Bind              string
	Port              int
	Verbose           bool
	Debug             bool
	Trace             bool
	MaxContentSize    int64  `yaml:"maxContentSize"`
	ChunkMaxSize      int    `yaml:"chunkMaxSize"`
	ChunkHeaderLength int    `yaml:"chunkHeaderLength"`
	ChunkReadTimeout  int    `yaml:"chunkReadTimeout"`
	ForceChunked      bool   `yaml:"forceChunked"`
	LenientLastChunk  bool   `yaml:"lenientLastChunk"`
	IdleTimeout       int    `yaml:"idleTimeout"`
	MaxConnections    int    `yaml:"maxConnections"`
	MetricsListen     string `yaml:"metricsListen"`
}

// DefaultConf returns the configuration used for any key missing from the config file.
func DefaultConf() Conf {
	return Conf{
		Bind:              DEFAULT_BIND,
		Port:              DEFAULT_PORT,
		MaxContentSize:    DEFAULT_MAX_CONTENT_SIZE,
		ChunkMaxSize:      DEFAULT_CHUNK_MAX_SIZE,
		ChunkHeaderLength: DEFAULT_CHUNK_HEADER_LENGTH,
		ChunkReadTimeout:  DEFAULT_CHUNK_READ_TIMEOUT,
		IdleTimeout:       DEFAULT_IDLE_TIMEOUT,
	}
}

// NewConfig reads the config file name, yaml or json, and applies command line options on top of it.
// An empty name means default values only.
func NewConfig(name string) (*Config, error) {
	var config = Config{
		conf: DefaultConf(),
	}
	if name != "" {
		if err := config.readFromFile(name); err != nil {
			return nil, stacktrace.Propagate(err, "unable to read config")
		}
	}
	config.readFromOptions()
	if err := config.check(); err != nil {
		return nil, stacktrace.Propagate(err, "invalid config")
	}
	config.build()
	return &config, nil
}

// NewConfigFromConf validates conf and returns the matching Config.
func NewConfigFromConf(conf Conf) (*Config, error) {
	config := Config{conf: conf}
	if err := config.check(); err != nil {
		return nil, stacktrace.Propagate(err, "invalid config")
	}
	config.build()
	return &config, nil
}

func (c *Config) readFromFile(filename string) error {
	var yaml []byte
	var err error
	yaml, err = os.ReadFile(filename)
	if err != nil {
		return stacktrace.Propagate(err, "unable to read file")
	}
	if strings.HasPrefix(strings.TrimSpace(string(yaml)), "{") {
		err = json.Unmarshal(yaml, &c.conf)
	} else {
		err = yaml2.Unmarshal(yaml, &c.conf)
	}
	if err != nil {
		return stacktrace.Propagate(err, "unable to read file as yaml/json")
	}
	return nil
}

func (c *Config) readFromOptions() {
	if options.Listen != "" {
		c.conf.Bind = options.bindHost
		c.conf.Port = options.bindPort
	}
	if options.ForceChunked {
		c.conf.ForceChunked = true
	}
	if options.MaxContentSize != 0 {
		c.conf.MaxContentSize = options.MaxContentSize
	}
	if options.ChunkMaxSize != 0 {
		c.conf.ChunkMaxSize = options.ChunkMaxSize
	}
	if options.ChunkReadTimeout != 0 {
		c.conf.ChunkReadTimeout = options.ChunkReadTimeout
	}
	c.conf.Trace = c.conf.Trace || options.Trace
	c.conf.Debug = c.conf.Debug || options.Debug || c.conf.Trace
	c.conf.Verbose = c.conf.Verbose || options.Verbose || c.conf.Debug
}

func (c *Config) check() error {
	if c.conf.Port < 0 || c.conf.Port > 65535 {
		return stacktrace.NewErrorWithCode(EcodeInvalidConfig, "invalid value of port %d", c.conf.Port)
	}
	if c.conf.MaxContentSize <= 0 {
		return stacktrace.NewErrorWithCode(EcodeInvalidConfig, "invalid value of maxContentSize %d, must be > 0", c.conf.MaxContentSize)
	}
	if c.conf.ChunkMaxSize <= 0 {
		return stacktrace.NewErrorWithCode(EcodeInvalidConfig, "invalid value of chunkMaxSize %d, must be > 0", c.conf.ChunkMaxSize)
	}
	if c.conf.ChunkHeaderLength <= 0 {
		return stacktrace.NewErrorWithCode(EcodeInvalidConfig, "invalid value of chunkHeaderLength %d, must be > 0", c.conf.ChunkHeaderLength)
	}
	if c.conf.ChunkReadTimeout <= 0 {
		return stacktrace.NewErrorWithCode(EcodeInvalidConfig, "invalid value of chunkReadTimeout %d, must be > 0", c.conf.ChunkReadTimeout)
	}
	if c.conf.MaxConnections < 0 {
		return stacktrace.NewErrorWithCode(EcodeInvalidConfig, "invalid value of maxConnections %d, must be >= 0", c.conf.MaxConnections)
	}
	if c.conf.MetricsListen != "" {
		if _, _, err := net.SplitHostPort(c.conf.MetricsListen); err != nil {
			return stacktrace.PropagateWithCode(err, EcodeInvalidConfig, "invalid value of metricsListen %q", c.conf.MetricsListen)
		}
	}
	return nil
}

func (c *Config) build() {
	if c.conf.Bind == "" {
		c.conf.Bind = DEFAULT_BIND
	}
	c.listen = net.JoinHostPort(c.conf.Bind, strconv.Itoa(c.conf.Port))
	c.limits = Limits{
		MaxContentSize:   c.conf.MaxContentSize,
		MaxLineLength:    c.conf.ChunkHeaderLength,
		ReadTimeout:      time.Duration(c.conf.ChunkReadTimeout) * time.Second,
		LenientLastChunk: c.conf.LenientLastChunk,
	}
}

// Limits returns the decoding limits derived from the configuration.
func (c *Config) Limits() Limits {
	return c.limits
}

func (c *Config) String() string {
	return fmt.Sprintf("listen=%s maxContentSize=%d chunkMaxSize=%d chunkHeaderLength=%d chunkReadTimeout=%ds forceChunked=%v",
		c.listen, c.conf.MaxContentSize, c.conf.ChunkMaxSize, c.conf.ChunkHeaderLength, c.conf.ChunkReadTimeout, c.conf.ForceChunked)
}

func splitHostPort(hostPort, defaultHost, defaultPort string, portFirst bool) (string, string) {
	hp := strings.SplitN(hostPort, ":", 2)
	var host, port string
	if len(hp) == 1 {
		if portFirst {
			host = ""
			port = hp[0]
		} else {
			host = hp[0]
			port = ""
		}
	} else if len(hp) == 2 {
		host = hp[0]
		port = hp[1]
	}
	host = strings.TrimSpace(host)
	port = strings.TrimSpace(port)
	if host == "" {
		host = defaultHost
	}
	if port == "" {
		port = defaultPort
	}
	return host, port
}
