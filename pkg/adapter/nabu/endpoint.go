package nabu

import (
	"errors"
	"time"
)

// Endpoint errors. ErrTimeout leaves the endpoint healthy (the request
// is abandoned but the session continues); every other receive failure
// marks the endpoint aborted, which ends the session loop.
var (
	ErrTimeout = errors.New("endpoint: watchdog timeout")
	ErrAborted = errors.New("endpoint: aborted")
)

// Endpoint is a duplex byte stream with an optional receive watchdog.
// The session loop arms the watchdog once a request's first byte has
// arrived and disarms it before idling for the next request; while
// disarmed, receives block indefinitely.
//
// Sends are best-effort and buffered by the kernel: a send error marks
// the endpoint aborted and is reported by the next receive failing.
// Only the connection's worker touches the endpoint.
type Endpoint interface {
	// Name returns the printable endpoint identity (device path or
	// peer host).
	Name() string

	// RecvByte receives exactly one byte.
	RecvByte() (byte, error)

	// Recv fills buf completely or fails.
	Recv(buf []byte) error

	// SendByte writes a single byte, best-effort.
	SendByte(b byte)

	// Send writes the whole buffer, best-effort.
	Send(p []byte)

	// StartWatchdog applies a deadline to subsequent receives.
	StartWatchdog(d time.Duration)

	// StopWatchdog removes the receive deadline.
	StopWatchdog()

	// Healthy reports whether the endpoint is still usable.
	Healthy() bool

	// Abort marks the endpoint unusable and unblocks a pending receive.
	Abort()

	// Close releases the underlying descriptor.
	Close() error
}
