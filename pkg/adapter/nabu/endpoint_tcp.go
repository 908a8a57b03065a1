package nabu

import (
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/nabunetwork/nabud/internal/logger"
)

// tcpEndpoint adapts a net.Conn (TCP connections from NABU emulators)
// to the Endpoint contract. The watchdog maps onto read deadlines.
type tcpEndpoint struct {
	name     string
	conn     net.Conn
	watchdog time.Duration // 0 while disarmed
	aborted  atomic.Bool
}

// NewTCPEndpoint wraps an accepted connection. Nagle is disabled so
// single-byte handshakes go out immediately; the NABU side interprets
// inter-byte gaps, not packet boundaries.
func NewTCPEndpoint(name string, conn net.Conn) Endpoint {
	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.SetNoDelay(true); err != nil {
			logger.Debug("Unable to disable Nagle", logger.KeyConn, name, logger.KeyError, err)
		}
	}
	return &tcpEndpoint{name: name, conn: conn}
}

func (e *tcpEndpoint) Name() string { return e.name }

func (e *tcpEndpoint) RecvByte() (byte, error) {
	var buf [1]byte
	if err := e.Recv(buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (e *tcpEndpoint) Recv(buf []byte) error {
	if e.aborted.Load() {
		return ErrAborted
	}

	var deadline time.Time
	if e.watchdog > 0 {
		deadline = time.Now().Add(e.watchdog)
	}
	if err := e.conn.SetReadDeadline(deadline); err != nil {
		e.Abort()
		return ErrAborted
	}

	if _, err := io.ReadFull(e.conn, buf); err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() && !e.aborted.Load() {
			return ErrTimeout
		}
		if err != io.EOF {
			logger.Debug("Receive error", logger.KeyConn, e.name, logger.KeyError, err)
		}
		e.aborted.Store(true)
		return ErrAborted
	}
	return nil
}

func (e *tcpEndpoint) SendByte(b byte) { e.Send([]byte{b}) }

func (e *tcpEndpoint) Send(p []byte) {
	if e.aborted.Load() {
		return
	}
	if _, err := e.conn.Write(p); err != nil {
		logger.Debug("Send error", logger.KeyConn, e.name, logger.KeyError, err)
		e.aborted.Store(true)
	}
}

func (e *tcpEndpoint) StartWatchdog(d time.Duration) { e.watchdog = d }

func (e *tcpEndpoint) StopWatchdog() { e.watchdog = 0 }

func (e *tcpEndpoint) Healthy() bool { return !e.aborted.Load() }

// Abort unblocks a pending read by yanking the deadline into the past.
func (e *tcpEndpoint) Abort() {
	e.aborted.Store(true)
	_ = e.conn.SetReadDeadline(time.Now())
}

func (e *tcpEndpoint) Close() error { return e.conn.Close() }
