package chunkable

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/template"

	"github.com/palantir/stacktrace"
	flag "github.com/spf13/pflag"
)

var VersionValue = ""
var VersionTemplate = "{{.AppName}} {{.AppVersion}} - {{.AppUrl}}"

var UsageValue = ""
var UsageTemplate = `
{{.AppName}} is an HTTP/1.1 server reading chunked request bodies and writing chunked responses.
Connections are never kept alive: every response is sent with 'Connection: close'.
The default handler echoes the body of POST and PUT requests.

Usage: {{.AppName}} [-dtv] [-c <config>] [-l <[ip:]port>] [-f] [-m <size>] [-s <size>] [--chunk-read-timeout <seconds>]

Example:
       {{.AppName}} -v -l 8888 -f -s 16

Options:
      -c, --config=<config>            config file, in yaml or json format (defaults to '{{.AppName}}.yaml' if it exists)
      -l, --listen=<[ip:]port>         listen to this ip port (ip defaults to 127.0.0.1, port defaults to 8080)
      -f, --force-chunked              always send responses with chunked encoding
      -m, --max-content-size=<size>    max size of a request body in bytes (defaults to 524288)
      -s, --chunk-max-size=<size>      max size of a response chunk in bytes (defaults to 512)
          --chunk-read-timeout=<sec>   max time to read a chunked request body (defaults to 5)
      -d, --debug                      run in debug mode, displaying all headers
      -t, --trace                      run in trace mode, displaying everything
      -v, --verbose                    run in verbose mode, displaying all requests
      -h, --help                       show full help with config file format
      -V, --version                    show version
`

var HelpValue = ""

var HelpTemplate = `
CONFIG FILE
===========
A config file can be provided as json or yaml format.
Content should be similar to this:

# listen to this ip, use 0.0.0.0 to listen on all ips
bind: 127.0.0.1
# listen to this port to serve HTTP requests
port: 8080
# set verbose to see all requests
verbose: true
# set debug to view all requests and responses headers
debug: false
# set trace to view everything, including chunks
trace: false
# max size of a decoded request body, in bytes
maxContentSize: 524288
# max size of a response chunk, in bytes
chunkMaxSize: 512
# max length of a chunk size line or trailer line, in bytes
chunkHeaderLength: 128
# max time to read a whole chunked request body, in seconds
chunkReadTimeout: 5
# always send responses with chunked encoding, otherwise only when larger than chunkMaxSize
forceChunked: false
# accept an empty line instead of the last-chunk, like old clients sometimes send
lenientLastChunk: false
# timeout for connections waiting for incoming data, in seconds, 0 to disable
# - if > 0, the whole connection must be processed within this time
# - if < 0, sliding timeout: the connection is closed after this time without any incoming data
idleTimeout: 0
# max number of connections processed at once, 0 for unlimited
maxConnections: 0
# expose prometheus metrics at http://HOST:PORT/metrics, empty to disable
metricsListen: 127.0.0.1:9080

The config file is automatically reloaded when modified, except for bind, port, maxConnections and metricsListen.
`

func Main() {
	var values = map[string]string{
		"AppName":    AppName,
		"AppUrl":     AppUrl,
		"AppVersion": AppVersion,
	}
	VersionValue = templates(VersionTemplate, values)
	UsageValue = templates(UsageTemplate, values)
	HelpValue = templates(HelpTemplate, values)
	logInit()
	defer logDestroy()
	cmd()
	start()
}

func templates(text string, values map[string]string) string {
	var tpl bytes.Buffer
	_ = template.Must(template.New("").Parse(text)).Execute(&tpl, values)
	return tpl.String()
}

func usage() {
	fmt.Printf("\n%s\n%s\n", VersionValue, UsageValue)
	os.Exit(1)
}

func help() {
	fmt.Printf("%s\n%s\n%s\n", VersionValue, UsageValue, HelpValue)
	os.Exit(0)
}

func version() {
	fmt.Printf("%s\n", VersionValue)
	os.Exit(0)
}

func cmd() {
	flag.Usage = usage
	flag.StringVarP(&options.Config, "config", "c", "", "")
	flag.StringVarP(&options.Listen, "listen", "l", "", "")
	flag.BoolVarP(&options.ForceChunked, "force-chunked", "f", false, "")
	flag.Int64VarP(&options.MaxContentSize, "max-content-size", "m", 0, "")
	flag.IntVarP(&options.ChunkMaxSize, "chunk-max-size", "s", 0, "")
	flag.IntVar(&options.ChunkReadTimeout, "chunk-read-timeout", 0, "")
	flag.BoolVarP(&options.Debug, "debug", "d", false, "")
	flag.BoolVarP(&options.Trace, "trace", "t", false, "")
	flag.BoolVarP(&options.Verbose, "verbose", "v", false, "")
	flag.BoolVarP(&options.ShowHelp, "help", "h", false, "")
	flag.BoolVarP(&options.ShowVersion, "version", "V", false, "")
	flag.Parse()

	switch {
	case options.ShowHelp:
		help()
	case options.ShowVersion:
		version()
	case flag.NArg() > 0:
		println("invalid arguments")
		usage()
	}

	logPrintf("[-] Server %s started\n", VersionValue)

	if options.Config == "" {
		if _, err := os.Stat(AppName + ".yaml"); err == nil {
			options.Config = AppName + ".yaml"
		} else if _, err := os.Stat(AppName + ".json"); err == nil {
			options.Config = AppName + ".json"
		}
	}
	if options.Listen != "" {
		h, p := splitHostPort(options.Listen, DEFAULT_BIND, strconv.Itoa(DEFAULT_PORT), true)
		options.Listen = h + ":" + p
		options.bindHost = h
		options.bindPort, _ = strconv.Atoi(p)
	}

	options.Verbose = options.Verbose || options.Debug || options.Trace
	options.Debug = options.Debug || options.Trace

	verbose.Store(options.Verbose)
	debug.Store(options.Debug)
	trace.Store(options.Trace)
	if !trace.Load() {
		// one line errors, stack frames only in trace mode
		stacktrace.DefaultFormat = stacktrace.FormatBrief
	}
}

func start() {
	config, err := NewConfig(options.Config)
	if err != nil {
		logFatal("[-] Error: %s", err)
	}
	logInfo("[-] Configuration: %s", config)
	server := NewServer(config, EchoHandler)
	if options.Config != "" {
		if err = server.WatchConfig(options.Config); err != nil {
			logFatal("[-] Error: %s", err)
		}
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err = server.Run(ctx); err != nil {
		logFatal("[-] Error: %s", err)
	}
	logInfo("[-] Server stopped")
}
