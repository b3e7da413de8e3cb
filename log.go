package chunkable

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ccding/go-logging/logging"
)

const (
	logFormat  = "%s %s\n time,message"
	timeFormat = "2006/01/02 15:04:05"
)

var loggerOnce sync.Once

func logInit() {
	loggerOnce.Do(func() {
		var err error
		logger, err = logging.CustomizedLogger("main", logging.NOTSET, logFormat, timeFormat, os.Stdout, false, logging.DefaultQueueSize, logging.DefaultRequestSize, logging.DefaultBufferSize, logging.DefaultTimeInterval)
		if err != nil {
			fmt.Printf("Error: unable to create logger: %v", err)
			os.Exit(1)
		}
	})
}

func logDestroy() {
	if logger != nil {
		logger.Destroy()
	}
}

func getLogger() *logging.Logger {
	logInit()
	return logger
}

func logPrintf(format string, a ...any) {
	format = fmt.Sprintf("%s %s", time.Now().Format(timeFormat), format)
	fmt.Printf(format, a...)
}

func logHeader(format string, prefix string, header string) {
	lower := strings.ToLower(header)
	if strings.HasPrefix(lower, "authorization:") || strings.HasPrefix(lower, "cookie:") {
		l := len(header)
		if l > 30 {
			header = header[:30] + "..."
		}
	}
	getLogger().Infof(format, prefix, header)
}

type traceInfo struct {
	reqId string
	name  string
}

func newTraceInfo(reqId string, name string) *traceInfo {
	return &traceInfo{reqId, name}
}

// prefix is prepended to non trace messages about a request
func (ti *traceInfo) prefix() string {
	if ti == nil || ti.reqId == "" {
		return ""
	}
	return fmt.Sprintf("(%s) ", ti.reqId)
}

// tag is prepended to trace messages, the request id being omitted when unknown
func (ti *traceInfo) tag() string {
	return fmt.Sprintf("%s%s: ", ti.prefix(), ti.name)
}

func logTrace(ti *traceInfo, format string, args ...interface{}) {
	getLogger().Debugf(ti.tag()+format, args...)
}

func logInfo(format string, args ...interface{}) {
	getLogger().Infof(format, args...)
}

func logWarn(format string, args ...interface{}) {
	getLogger().Warningf(format, args...)
}

func logError(format string, args ...interface{}) {
	getLogger().Errorf(format, args...)
}

func logFatal(format string, args ...interface{}) {
	getLogger().Fatalf(format, args...)
	logger.Destroy()
	os.Exit(1)
}
