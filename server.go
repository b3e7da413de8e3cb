package chunkable

import (
	"context"
	"math"
	"net"
	"os"
	"path"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/palantir/stacktrace"
	"go.uber.org/atomic"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
)

// Server accepts connections and processes each of them in its own goroutine.
type Server struct {
	config        *atomic.Pointer[Config]
	configFile    string
	lastLoad      time.Time
	handler       Handler
	bodyReaders   map[BodyFraming]BodyReader
	readersLock   sync.RWMutex
	forceStop     *atomic.Bool
	requestsCount *atomic.Int32
	loadCounter   *atomic.Int32
	metrics       *metrics
	listener      net.Listener
	conns         sync.WaitGroup
	active        sync.Map // *TimedConn being processed
}

// NewServer returns a server answering with handler, EchoHandler if nil.
func NewServer(config *Config, handler Handler) *Server {
	if handler == nil {
		handler = EchoHandler
	}
	s := &Server{
		config:        atomic.NewPointer[Config](nil),
		handler:       handler,
		bodyReaders:   defaultBodyReaders(),
		forceStop:     atomic.NewBool(false),
		requestsCount: atomic.NewInt32(0),
		loadCounter:   atomic.NewInt32(0),
		metrics:       newMetrics(),
	}
	s.setConfig(config)
	return s
}

func (s *Server) getConfig() *Config {
	return s.config.Load()
}

func (s *Server) setConfig(config *Config) {
	s.config.Store(config)
	s.loadCounter.Inc()
	verbose.Store(config.conf.Verbose)
	debug.Store(config.conf.Debug)
	trace.Store(config.conf.Trace)
}

// SetBodyReader replaces the body reader used for framing.
func (s *Server) SetBodyReader(framing BodyFraming, reader BodyReader) {
	s.readersLock.Lock()
	defer s.readersLock.Unlock()
	s.bodyReaders[framing] = reader
}

func (s *Server) bodyReader(framing BodyFraming) BodyReader {
	s.readersLock.RLock()
	defer s.readersLock.RUnlock()
	return s.bodyReaders[framing]
}

// WatchConfig enables hot-reload of the configuration from name, when Run is called.
// Limits and verbosity are reloaded, the listen address is not.
func (s *Server) WatchConfig(name string) error {
	stat, err := os.Stat(name)
	if err != nil {
		return stacktrace.Propagate(err, "unable to stat file")
	}
	s.configFile = name
	s.lastLoad = stat.ModTime()
	return nil
}

// Listen opens the listener, with at most maxConnections connections processed at once.
func (s *Server) Listen() error {
	config := s.getConfig()
	ln, err := net.Listen("tcp", config.listen)
	if err != nil {
		return stacktrace.Propagate(err, "unable to listen to %s", config.listen)
	}
	if config.conf.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, config.conf.MaxConnections)
	}
	s.listener = ln
	return nil
}

// Addr returns the listener address, nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run listens if not yet done, then serves connections, metrics and configuration changes until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err // no wrap
		}
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Serve(ctx)
	})
	if listen := s.getConfig().conf.MetricsListen; listen != "" {
		g.Go(func() error {
			return s.metrics.serve(ctx, listen)
		})
	}
	if s.configFile != "" {
		g.Go(func() error {
			return s.watch(ctx)
		})
	}
	return g.Wait()
}

// Serve accepts connections until ctx is done or Stop is called.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return stacktrace.NewError("server is not listening")
	}
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	logInfo("[-] Listening on http://%s", s.listener.Addr())
	for {
		conn, err := s.listener.Accept()
		if s.stopped() {
			if conn != nil {
				_ = conn.Close() // force closing client, ignore any error
			}
			s.drain()
			return nil
		}
		if err != nil {
			if trace.Load() {
				logInfo("accept error: %v", err)
			}
			continue
		}
		if trace.Load() {
			logInfo("new connection")
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			c := s.requestsCount.Inc()
			s.metrics.connections.Inc()
			if trace.Load() {
				logInfo("connections count=%d", c)
			}
			p := NewProcess(s, conn)
			s.active.Store(p.conn, struct{}{})
			p.process(ctx)
			s.active.Delete(p.conn)
			c = s.requestsCount.Dec()
			s.metrics.connections.Dec()
			if trace.Load() {
				logInfo("connections count=%d", c)
			}
		}()
	}
}

// drain waits for connections being processed, closing those still open after DRAIN_TIMEOUT.
func (s *Server) drain() {
	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return
	case <-time.After(DRAIN_TIMEOUT * time.Second):
	}
	s.active.Range(func(conn, _ any) bool {
		_ = conn.(*TimedConn).Close()
		return true
	})
	<-done
}

// Stop closes the listener. Serve then waits for the connections being processed.
func (s *Server) Stop() {
	if s.forceStop.Swap(true) {
		return
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

func (s *Server) stopped() bool {
	return s.forceStop.Load()
}

func (s *Server) watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return stacktrace.Propagate(err, "unable to create config watcher")
	}
	defer func() { _ = watcher.Close() }()
	if trace.Load() {
		logInfo("start configuration watcher task")
	}
	timer := time.AfterFunc(math.MaxInt64, s.reload)
	timer.Stop()
	defer timer.Stop()
	watchPath := path.Dir(s.configFile)
	if err = watcher.Add(watchPath); err != nil {
		return stacktrace.Propagate(err, "unable to watch %s", watchPath)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if trace.Load() {
				logInfo("watcher error: %v", e)
			}
		case e, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if trace.Load() {
				logInfo("watcher event: %v", e)
			}
			if path.Base(e.Name) == path.Base(s.configFile) && (e.Has(fsnotify.Create) || e.Has(fsnotify.Write)) {
				timer.Reset(RELOAD_DEBOUNCE * time.Millisecond)
			}
		}
	}
}

func (s *Server) reload() {
	stat, err := os.Stat(s.configFile)
	if err != nil {
		return
	}
	if stat.ModTime() == s.lastLoad {
		return
	}
	newConfig, err := NewConfig(s.configFile)
	s.lastLoad = stat.ModTime()
	if err != nil {
		logInfo("[-] Error while reloading configuration: %s", err)
		return
	}
	oldConfig := s.getConfig()
	if newConfig.listen != oldConfig.listen || newConfig.conf.MaxConnections != oldConfig.conf.MaxConnections || newConfig.conf.MetricsListen != oldConfig.conf.MetricsListen {
		logInfo("[-] Listen addresses and max connections changes require a restart")
	}
	logInfo("[-] Hot-reload of the configuration succeeded: %s", newConfig)
	s.setConfig(newConfig)
}
