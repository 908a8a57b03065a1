package nabu

import (
	"fmt"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"github.com/nabunetwork/nabud/internal/logger"
)

// The native bit rate of the NABU:
//
//	3.57954MHz / 2 / 16  (NTSC colorburst, on-board divider, TR1863)
//
// ==> 111860.625
const (
	nabuNativeBaud   = (3579540 / 2) / 16
	nabuFallbackBaud = 115200
)

// SerialParams describe how to bring up a serial port. Zero values
// select the NABU defaults: native baud with a 115200 fallback, and
// two stop bits (one stop bit is the hardware spec, but the NABU drops
// sync mid-packet without the extra one).
type SerialParams struct {
	Device      string
	Baud        int
	StopBits    int
	FlowControl bool
}

// serialEndpoint adapts a go.bug.st serial port to the Endpoint
// contract. The watchdog maps onto the port read timeout; a timed-out
// read surfaces as n==0 with no error, which Recv converts to
// ErrTimeout while armed.
type serialEndpoint struct {
	name    string
	port    serial.Port
	armed   atomic.Bool
	aborted atomic.Bool
}

// openSerialEndpoint opens and configures the device in raw 8-N-x
// mode. When no baud is configured, the NABU-native rate is attempted
// first with a fall back to 115200.
func openSerialEndpoint(params SerialParams) (*serialEndpoint, error) {
	if params.StopBits == 0 {
		params.StopBits = 2
	}
	if params.StopBits != 1 && params.StopBits != 2 {
		return nil, fmt.Errorf("invalid stop bits %d", params.StopBits)
	}

	var port serial.Port
	var err error
	baud := params.Baud
	if baud != 0 {
		port, err = openSerialPort(params.Device, baud, params.StopBits)
		if err != nil {
			return nil, fmt.Errorf("unable to set configured baud rate: %w", err)
		}
	} else {
		baud = nabuNativeBaud
		port, err = openSerialPort(params.Device, baud, params.StopBits)
		if err != nil {
			logger.Warn("Failed to set NABU-native baud rate; falling back",
				logger.KeyConn, params.Device, logger.KeyError, err)
			baud = nabuFallbackBaud
			port, err = openSerialPort(params.Device, baud, params.StopBits)
			if err != nil {
				return nil, fmt.Errorf("unable to set fallback baud rate: %w", err)
			}
		}
	}

	if params.FlowControl {
		// The serial library exposes no portable RTS/CTS handshake
		// toggle; raising RTS covers the adapters that latch on it.
		if err := port.SetRTS(true); err != nil {
			logger.Warn("Unable to raise RTS", logger.KeyConn, params.Device, logger.KeyError, err)
		}
	}

	if err := port.SetReadTimeout(serial.NoTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}

	logger.Info("Serial port configured",
		logger.KeyConn, params.Device,
		"baud", baud,
		"stop_bits", params.StopBits,
		"flow_control", params.FlowControl)

	return &serialEndpoint{name: params.Device, port: port}, nil
}

func openSerialPort(device string, baud, stopBits int) (serial.Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if stopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	return serial.Open(device, mode)
}

func (e *serialEndpoint) Name() string { return e.name }

func (e *serialEndpoint) RecvByte() (byte, error) {
	var buf [1]byte
	if err := e.Recv(buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (e *serialEndpoint) Recv(buf []byte) error {
	for off := 0; off < len(buf); {
		if e.aborted.Load() {
			return ErrAborted
		}
		n, err := e.port.Read(buf[off:])
		if err != nil {
			logger.Debug("Receive error", logger.KeyConn, e.name, logger.KeyError, err)
			e.aborted.Store(true)
			return ErrAborted
		}
		if n == 0 {
			// Read timeout expired.
			if e.armed.Load() {
				return ErrTimeout
			}
			continue
		}
		off += n
	}
	return nil
}

func (e *serialEndpoint) SendByte(b byte) { e.Send([]byte{b}) }

func (e *serialEndpoint) Send(p []byte) {
	if e.aborted.Load() {
		return
	}
	for off := 0; off < len(p); {
		n, err := e.port.Write(p[off:])
		if err != nil {
			logger.Debug("Send error", logger.KeyConn, e.name, logger.KeyError, err)
			e.aborted.Store(true)
			return
		}
		off += n
	}
}

func (e *serialEndpoint) StartWatchdog(d time.Duration) {
	e.armed.Store(true)
	if err := e.port.SetReadTimeout(d); err != nil {
		logger.Debug("Unable to arm watchdog", logger.KeyConn, e.name, logger.KeyError, err)
	}
}

func (e *serialEndpoint) StopWatchdog() {
	e.armed.Store(false)
	if err := e.port.SetReadTimeout(serial.NoTimeout); err != nil {
		logger.Debug("Unable to disarm watchdog", logger.KeyConn, e.name, logger.KeyError, err)
	}
}

func (e *serialEndpoint) Healthy() bool { return !e.aborted.Load() }

// Abort closes the port to unblock a pending read.
func (e *serialEndpoint) Abort() {
	if e.aborted.CompareAndSwap(false, true) {
		_ = e.port.Close()
	}
}

func (e *serialEndpoint) Close() error {
	if e.aborted.Swap(true) {
		return nil
	}
	return e.port.Close()
}
