// Package nabu implements the NABU Adaptor emulation: the protocol
// state machine that streams program segments, time packets, and
// extended file-service requests to NABU PCs over serial lines or to
// emulators over TCP.
package nabu

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nabunetwork/nabud/internal/logger"
	"github.com/nabunetwork/nabud/pkg/image"
	"github.com/nabunetwork/nabud/pkg/metrics"
)

// TCPListenerConfig describes one TCP listener and the session defaults
// it hands to accepted connections.
type TCPListenerConfig struct {
	Port         int
	Channel      int16
	FileRoot     string
	SelectedFile string
}

// SerialPortConfig describes one serial connection to a real NABU.
type SerialPortConfig struct {
	SerialParams
	Channel      int16
	FileRoot     string
	SelectedFile string
}

// Config holds the adaptor configuration.
type Config struct {
	TCP    []TCPListenerConfig
	Serial []SerialPortConfig

	// ShutdownTimeout bounds the wait for sessions to wind down.
	ShutdownTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}

// Adapter owns the pool of live connections: the serial ports brought
// up at start, the TCP listeners feeding new sessions in, and the
// registry administrative code enumerates.
type Adapter struct {
	config    Config
	loader    *image.Loader
	metrics   metrics.AdaptorMetrics
	subprotos []SubProtocol
	registry  *Registry

	activeConns  sync.WaitGroup
	shutdownOnce sync.Once
	shutdown     chan struct{}

	listenersMu sync.Mutex
	listeners   []net.Listener
}

// New creates the adaptor. The metrics collector may be nil (disabled)
// and the sub-protocol chain may be empty.
func New(config Config, loader *image.Loader, m metrics.AdaptorMetrics, subprotos []SubProtocol) *Adapter {
	config.applyDefaults()
	return &Adapter{
		config:    config,
		loader:    loader,
		metrics:   m,
		subprotos: subprotos,
		registry:  NewRegistry(),
		shutdown:  make(chan struct{}),
	}
}

// Registry exposes the live-connection set for administrative
// enumeration.
func (a *Adapter) Registry() *Registry { return a.registry }

// Protocol implements adapter.Adapter.
func (a *Adapter) Protocol() string { return "NABU" }

// Serve brings up every configured serial port and TCP listener, then
// blocks until the context is cancelled. Serial ports that fail to
// open are logged and skipped so one unplugged USB adapter doesn't
// take the whole daemon down.
func (a *Adapter) Serve(ctx context.Context) error {
	watcher, err := image.NewWatcher(a.loader.Table(), a.invalidateChannel)
	if err != nil {
		return fmt.Errorf("create content watcher: %w", err)
	}
	go watcher.Run(ctx)

	started := 0
	for _, sc := range a.config.Serial {
		if err := a.addSerial(ctx, sc); err != nil {
			logger.Error("Unable to bring up serial connection",
				logger.KeyConn, sc.Device, logger.KeyError, err)
			continue
		}
		started++
	}

	for _, lc := range a.config.TCP {
		if err := a.addTCP(ctx, lc); err != nil {
			logger.Error("Unable to bring up TCP listener",
				logger.KeyPort, lc.Port, logger.KeyError, err)
			continue
		}
		started++
	}
	if started == 0 {
		return fmt.Errorf("no connections could be brought up")
	}

	go func() {
		<-ctx.Done()
		a.initiateShutdown()
	}()

	<-a.shutdown
	return a.gracefulShutdown()
}

// Stop implements adapter.Adapter; safe to call multiple times and
// concurrently with Serve.
func (a *Adapter) Stop(ctx context.Context) error {
	a.initiateShutdown()

	done := make(chan struct{})
	go func() {
		a.activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// addSerial opens a serial port and starts its session worker.
func (a *Adapter) addSerial(ctx context.Context, sc SerialPortConfig) error {
	logger.Info("Creating serial connection", logger.KeyConn, sc.Device)

	ep, err := openSerialEndpoint(sc.SerialParams)
	if err != nil {
		return err
	}

	conn := NewConn(KindSerial, sc.Device, ep, sc.FileRoot)
	conn.serial = sc.SerialParams
	a.startConn(ctx, conn, sc.Channel, sc.SelectedFile)
	return nil
}

// addTCP binds a listener and starts its accept worker. The listener
// itself lives in the registry as a listener-kind connection.
func (a *Adapter) addTCP(ctx context.Context, lc TCPListenerConfig) error {
	if lc.Port < 1 || lc.Port > 65535 {
		return fmt.Errorf("invalid TCP port number: %d", lc.Port)
	}

	logger.Info("Creating TCP listener", logger.KeyPort, lc.Port)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", lc.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", lc.Port, err)
	}

	a.listenersMu.Lock()
	a.listeners = append(a.listeners, ln)
	select {
	case <-a.shutdown:
		// Shutdown began before this listener was recorded; close it
		// here so its accept loop exits at once.
		_ = ln.Close()
	default:
	}
	a.listenersMu.Unlock()

	parent := NewConn(KindListener, fmt.Sprintf("tcp-%d", lc.Port), nil, lc.FileRoot)
	if lc.Channel != 0 {
		if err := a.loader.ChannelSelect(parent, lc.Channel); err != nil {
			logger.Error("Listener default channel invalid",
				logger.KeyPort, lc.Port, logger.KeyError, err)
		}
	}
	if lc.SelectedFile != "" {
		parent.SetSelectedFile(lc.SelectedFile)
	}
	a.registry.Insert(parent)

	a.activeConns.Add(1)
	go a.acceptLoop(ctx, parent, ln)
	return nil
}

// acceptLoop services one listener: each accepted client becomes a new
// connection seeded with the listener's channel, file root, and
// selected file. A listener I/O error destroys the listener only;
// previously accepted connections are independent and continue.
func (a *Adapter) acceptLoop(ctx context.Context, parent *Conn, ln net.Listener) {
	defer a.activeConns.Done()

	for {
		sock, err := ln.Accept()
		if err != nil {
			select {
			case <-a.shutdown:
			default:
				logger.Error("Accept failed, destroying listener",
					logger.KeyConn, parent.name, logger.KeyError, err)
			}
			parent.destroy(a.registry)
			return
		}

		host, _, err := net.SplitHostPort(sock.RemoteAddr().String())
		if err != nil {
			logger.Error("Unable to resolve peer name",
				logger.KeyConn, parent.name, logger.KeyError, err)
			_ = sock.Close()
			continue
		}

		logger.Info("Creating TCP connection",
			logger.KeyConn, parent.name, logger.KeyAddress, host)

		conn := NewConn(KindTCP, host, NewTCPEndpoint(host, sock), parent.fileRoot)

		// Snapshot the listener's session defaults.
		var channel int16
		if chn := parent.Channel(); chn != nil {
			channel = chn.Number
		}
		a.startConn(ctx, conn, channel, parent.SelectedFile())
	}
}

// startConn seeds the connection's session defaults, registers it, and
// launches its worker.
func (a *Adapter) startConn(ctx context.Context, conn *Conn, channel int16, selectedFile string) {
	if channel != 0 {
		if err := a.loader.ChannelSelect(conn, channel); err != nil {
			logger.Error("Default channel invalid",
				logger.KeyConn, conn.name, logger.KeyError, err)
		}
	}
	if selectedFile != "" {
		conn.SetSelectedFile(selectedFile)
	}
	conn.subprotos = a.subprotos

	if conn.fileRoot != "" {
		logger.Info("Using local storage root",
			logger.KeyConn, conn.name, logger.KeyFile, conn.fileRoot)
	}

	a.registry.Insert(conn)

	// A shutdown that began before the insert has already swept the
	// registry; abort this endpoint so the session exits at once.
	select {
	case <-a.shutdown:
		if conn.endpoint != nil {
			conn.endpoint.Abort()
		}
	default:
	}

	if a.metrics != nil {
		a.metrics.RecordConnectionAccepted(string(conn.kind))
		a.metrics.SetActiveConnections(a.registry.Count())
	}

	a.activeConns.Add(1)
	go func() {
		defer a.activeConns.Done()

		newSession(ctx, conn, a.loader, a.metrics).Run()
		conn.destroy(a.registry)

		if a.metrics != nil {
			a.metrics.RecordConnectionClosed(string(conn.kind))
			a.metrics.SetActiveConnections(a.registry.Count())
		}
	}()
}

// invalidateChannel drops cached images for a channel whose backing
// files changed; the next segment request reloads from disk.
func (a *Adapter) invalidateChannel(chn *image.Channel) {
	a.registry.Enumerate(func(c *Conn) bool {
		c.DropLastImage(chn)
		return true
	})
}

// initiateShutdown stops accepting, then unblocks every session's
// pending receive so workers notice and wind down.
func (a *Adapter) initiateShutdown() {
	a.shutdownOnce.Do(func() {
		logger.Debug("NABU adaptor shutdown initiated")
		close(a.shutdown)

		a.listenersMu.Lock()
		for _, ln := range a.listeners {
			if err := ln.Close(); err != nil {
				logger.Debug("Error closing listener", logger.KeyError, err)
			}
		}
		a.listenersMu.Unlock()

		a.registry.Enumerate(func(c *Conn) bool {
			if c.endpoint != nil {
				c.endpoint.Abort()
			}
			return true
		})
	})
}

// gracefulShutdown waits for session workers to complete or the
// timeout to expire.
func (a *Adapter) gracefulShutdown() error {
	remaining := a.registry.Count()
	logger.Info("NABU adaptor shutting down",
		"active", remaining, "timeout", a.config.ShutdownTimeout)

	done := make(chan struct{})
	go func() {
		a.activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("NABU adaptor shutdown complete")
		return nil
	case <-time.After(a.config.ShutdownTimeout):
		return fmt.Errorf("shutdown timeout: %d connections still active", a.registry.Count())
	}
}
