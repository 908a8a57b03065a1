package nabu

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/nabunetwork/nabud/internal/logger"
	"github.com/nabunetwork/nabud/pkg/bufpool"
	"github.com/nabunetwork/nabud/pkg/image"
	proto "github.com/nabunetwork/nabud/pkg/protocol/nabu"
)

// Kind classifies a connection.
type Kind string

const (
	KindSerial   Kind = "serial"
	KindTCP      Kind = "tcp"
	KindListener Kind = "listener"
)

// SubProtocol is an extended request family multiplexed onto the same
// byte stream as the classic messages (RetroNet, NHACP).
//
// TryRequest either consumes the whole request and replies (returning
// true) or consumes nothing (returning false). Failures inside a
// handler must never propagate: the handler logs, resynchronizes, and
// returns true. Fini releases all per-connection state; it is called
// on client reboot and on connection destruction.
type SubProtocol interface {
	Name() string
	TryRequest(ctx context.Context, c *Conn, op byte) bool
	Fini(c *Conn)
}

// Conn is one session with a client: its endpoint, its registry
// linkage, and the mutable per-session state shared with registry
// enumerators.
//
// One mutex guards the mutable subset (channel, selected file, cached
// last image, retronet flag, sub-protocol state slots). The endpoint
// is only ever touched by the connection's own worker.
type Conn struct {
	// ID identifies the connection to the admin API.
	ID uuid.UUID

	kind     Kind
	name     string
	endpoint Endpoint
	fileRoot string

	// Serial bring-up parameters, retained for the admin API.
	serial SerialParams

	mu              sync.Mutex
	channel         *image.Channel
	selectedFile    string
	lastImage       *image.Image
	retronetEnabled bool
	protoState      map[string]any

	subprotos []SubProtocol

	// pktbuf is the escape-encoding scratch buffer, pooled for the
	// lifetime of the connection. Worst case is every byte escaped.
	pktbuf []byte

	// Registry linkage; all fields below are guarded by the registry
	// lock, not the connection mutex.
	next, prev *Conn
	onList     bool
	enumCount  int
}

// NewConn creates a connection around an endpoint. The adaptor calls
// this from its bring-up paths; it is exported for sub-protocol tests.
func NewConn(kind Kind, name string, ep Endpoint, fileRoot string) *Conn {
	return &Conn{
		ID:         uuid.New(),
		kind:       kind,
		name:       name,
		endpoint:   ep,
		fileRoot:   fileRoot,
		protoState: make(map[string]any),
		pktbuf:     bufpool.Get(2 * proto.MaxPacketSize)[:0],
	}
}

// Kind returns the connection classification.
func (c *Conn) Kind() Kind { return c.kind }

// Name returns the printable connection identity.
func (c *Conn) Name() string { return c.name }

// FileRoot returns the local storage root used by sub-protocols, or ""
// when none was configured.
func (c *Conn) FileRoot() string { return c.fileRoot }

// Endpoint returns the connection's byte I/O endpoint.
func (c *Conn) Endpoint() Endpoint { return c.endpoint }

// Channel returns the currently selected channel, or nil.
func (c *Conn) Channel() *image.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

// SetChannel installs chn as the selected channel. Changing the
// channel clears the selected file and adopts the channel's RetroNet
// policy.
func (c *Conn) SetChannel(chn *image.Channel) {
	c.mu.Lock()
	c.channel = chn
	c.selectedFile = ""
	c.retronetEnabled = chn != nil && chn.RetroNetEnabled
	c.mu.Unlock()
}

// RetroNetEnabled reports whether the selected channel allows the
// RetroNet sub-protocol.
func (c *Conn) RetroNetEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retronetEnabled
}

// SelectedFile returns the effective file selection: the explicitly
// selected file when set, otherwise the channel's default.
func (c *Conn) SelectedFile() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selectedFile != "" {
		return c.selectedFile
	}
	if c.channel != nil {
		return c.channel.DefaultFile
	}
	return ""
}

// SetSelectedFile replaces the explicit file selection.
func (c *Conn) SetSelectedFile(name string) {
	c.mu.Lock()
	c.selectedFile = name
	c.mu.Unlock()
}

// LastImage returns a retained reference to the most recently
// delivered image, or nil. The caller must release it.
func (c *Conn) LastImage() *image.Image {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastImage == nil {
		return nil
	}
	return c.lastImage.Retain()
}

// SetLastImage installs img as the cached last image and returns the
// previous occupant; the caller owns the returned reference.
func (c *Conn) SetLastImage(img *image.Image) *image.Image {
	c.mu.Lock()
	old := c.lastImage
	c.lastImage = img
	c.mu.Unlock()
	return old
}

// SetLastImageIf installs img only when the current occupant equals
// match, returning the displaced occupant. The result is nil when no
// swap happened, and also when match was nil and the empty slot was
// filled.
func (c *Conn) SetLastImageIf(match, img *image.Image) *image.Image {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastImage != match {
		return nil
	}
	old := c.lastImage
	c.lastImage = img
	return old
}

// DropLastImage releases the cached last image if it belongs to the
// given channel (nil matches any). Used by the content watcher to
// force a reload after files change.
func (c *Conn) DropLastImage(chn *image.Channel) {
	c.mu.Lock()
	img := c.lastImage
	if img == nil || (chn != nil && img.Channel != chn) {
		c.mu.Unlock()
		return
	}
	c.lastImage = nil
	c.mu.Unlock()
	img.Release()
}

// ProtoState returns the sub-protocol state slot for key.
func (c *Conn) ProtoState(key string) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protoState[key]
}

// SetProtoState sets (or, with nil, clears) a sub-protocol state slot.
func (c *Conn) SetProtoState(key string, v any) {
	c.mu.Lock()
	if v == nil {
		delete(c.protoState, key)
	} else {
		c.protoState[key] = v
	}
	c.mu.Unlock()
}

// Reboot handles a client reset: every sub-protocol drops its session
// state and the cached image is released. The connection itself stays
// up.
func (c *Conn) Reboot() {
	for _, sp := range c.subprotos {
		sp.Fini(c)
	}
	c.DropLastImage(nil)
}

// destroy tears the connection down: removal from the registry (which
// waits out in-flight enumerators), sub-protocol state, the cached
// image, the endpoint, and the scratch buffer.
func (c *Conn) destroy(reg *Registry) {
	reg.Remove(c)

	c.Reboot()

	if c.endpoint != nil {
		_ = c.endpoint.Close()
	}
	bufpool.Put(c.pktbuf[:cap(c.pktbuf)])
	c.pktbuf = nil

	logger.Info("Connection destroyed",
		logger.KeyConn, c.name, logger.KeyConnID, c.ID.String(), logger.KeyConnKind, string(c.kind))
}
