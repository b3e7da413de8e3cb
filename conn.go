package chunkable

import (
	"io"
	"math"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"
)

/*
Wrapper around net.Conn which provides automatic read/write timeouts:
- if timeout > 0, set an absolute timeout on first read
- if timeout = 0, do not set timeout
- if timeout < 0, set a sliding timeout, which automatically increases each min( 30s , timeout/2 ).

A read deadline set from outside, e.g. by a timed out chunks reader, interrupts the connection:
automatic timeouts are disabled from then on, so the pending read fails.
*/
type TimedConn struct {
	conn        net.Conn
	lock        sync.Mutex
	timeout     int
	last        time.Time
	interrupted bool
	closed      *atomic.Bool
	ti          *traceInfo
}

func NewTimedConn(conn net.Conn, ti *traceInfo) *TimedConn {
	return &TimedConn{conn: conn, ti: ti, closed: atomic.NewBool(false)}
}

func (tc *TimedConn) deadlines(reset bool) {
	tc.lock.Lock()
	defer tc.lock.Unlock()
	if tc.interrupted {
		return
	}
	switch {
	case tc.timeout > 0:
		_ = tc.conn.SetReadDeadline(time.Now().Add(time.Duration(tc.timeout) * time.Second))
		tc.timeout = 0
	case tc.timeout < 0 && reset:
		_ = tc.conn.SetReadDeadline(time.Now().Add(time.Duration(-tc.timeout) * time.Second))
		tc.last = time.Now()
	case tc.timeout < 0 && time.Since(tc.last).Seconds() > math.Min(30, float64(-tc.timeout/2)):
		_ = tc.conn.SetReadDeadline(time.Now().Add(time.Duration(-tc.timeout) * time.Second))
		tc.last = time.Now()
	case tc.timeout == 0 && reset:
		_ = tc.conn.SetReadDeadline(time.Time{})
	}
}

func (tc *TimedConn) Read(b []byte) (n int, err error) {
	tc.deadlines(false)
	return tc.conn.Read(b)
}

func (tc *TimedConn) Write(b []byte) (n int, err error) {
	tc.deadlines(false)
	return tc.conn.Write(b)
}

func (tc *TimedConn) Close() error {
	if tc.closed.Swap(true) {
		return nil
	}
	if trace.Load() {
		logTrace(tc.ti, "close connection")
	}
	return tc.conn.Close()
}

// lingerClose sends a FIN, then discards what the peer still sends for at most linger,
// so an early response is read by the peer before the connection is reset.
func (tc *TimedConn) lingerClose(linger time.Duration) {
	cw, ok := tc.conn.(interface{ CloseWrite() error })
	if !ok || cw.CloseWrite() != nil {
		return
	}
	_ = tc.conn.SetReadDeadline(time.Now().Add(linger))
	n, _ := io.Copy(io.Discard, io.LimitReader(tc.conn, LINGER_DRAIN_SIZE))
	if trace.Load() {
		logTrace(tc.ti, "discarded %d bytes before close", n)
	}
}

func (tc *TimedConn) LocalAddr() net.Addr {
	return tc.conn.LocalAddr()
}

func (tc *TimedConn) RemoteAddr() net.Addr {
	return tc.conn.RemoteAddr()
}

func (tc *TimedConn) SetDeadline(t time.Time) error {
	if err := tc.SetReadDeadline(t); err != nil {
		return err // no wrap
	}
	return tc.SetWriteDeadline(t)
}

// SetReadDeadline sets the deadline of the underlying connection and stops automatic timeouts.
func (tc *TimedConn) SetReadDeadline(t time.Time) error {
	tc.lock.Lock()
	defer tc.lock.Unlock()
	tc.interrupted = true
	if trace.Load() {
		logTrace(tc.ti, "set read deadline %v", t)
	}
	return tc.conn.SetReadDeadline(t)
}

func (tc *TimedConn) SetWriteDeadline(t time.Time) error {
	return tc.conn.SetWriteDeadline(t)
}

// Interrupted returns whether a read deadline has been set from outside.
func (tc *TimedConn) Interrupted() bool {
	tc.lock.Lock()
	defer tc.lock.Unlock()
	return tc.interrupted
}

// set read/write timeout: absolute timeout if > 0, sliding timeout if < 0, no timeout if 0.
//
// sliding timeout reinitialize the timeout each 1/2 timeout or 30 seconds to keep the connection open.
func (tc *TimedConn) setTimeout(timeout int) {
	if trace.Load() {
		logTrace(tc.ti, "set conn timeout %d", timeout)
	}
	if timeout < 0 {
		// double sliding timeout because it is expanded only 1/2 timeout
		timeout = timeout * 2
	}
	tc.lock.Lock()
	tc.timeout = timeout
	tc.last = time.Time{}
	tc.lock.Unlock()
	tc.deadlines(true)
}
