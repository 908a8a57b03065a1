// Package retronet implements the RetroNet blob-store sub-protocol:
// a connection-scoped set of 256 slots the client fills from HTTP URLs
// and then reads back in windows. It rides the same byte stream as the
// classic messages and is only offered on channels that enable it.
package retronet

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/nabunetwork/nabud/internal/logger"
	"github.com/nabunetwork/nabud/pkg/adapter/nabu"
)

// Request opcodes.
const (
	MsgStoreHTTPGet = 0xA3
	MsgStoreGetSize = 0xA4
	MsgStoreGetData = 0xA5
)

// Reply bytes for STORE-HTTP-GET.
const (
	replyOK     = 0x01
	replyFailed = 0x00
)

// noSuchBlob is the size reply for an empty slot.
const noSuchBlob = 0xFFFFFFFF

// stateKey is the connection state slot this handler owns.
const stateKey = "retronet"

// DefaultMaxBlobSize caps a single fetched blob when no limit is
// configured.
const DefaultMaxBlobSize = 1 << 20

// blob is one fetched object.
type blob struct {
	url  string
	data []byte
}

// store is the per-connection slot table.
type store struct {
	mu    sync.Mutex
	slots [256]*blob
}

// Handler implements nabu.SubProtocol for the RetroNet request family.
type Handler struct {
	client  *http.Client
	maxSize int64
}

// New creates the handler. maxBlobSize of 0 selects
// DefaultMaxBlobSize.
func New(maxBlobSize int64) *Handler {
	if maxBlobSize <= 0 {
		maxBlobSize = DefaultMaxBlobSize
	}
	return &Handler{
		client:  &http.Client{Timeout: 30 * time.Second},
		maxSize: maxBlobSize,
	}
}

// Name implements nabu.SubProtocol.
func (h *Handler) Name() string { return "retronet" }

// Fini drops the connection's blob store.
func (h *Handler) Fini(c *nabu.Conn) {
	if c.ProtoState(stateKey) != nil {
		logger.Info("Clearing previous RetroNet state", logger.KeyConn, c.Name())
		c.SetProtoState(stateKey, nil)
	}
}

// TryRequest claims the RetroNet opcodes when the selected channel
// allows them. Once claimed, the request is consumed fully; any
// internal failure is reported to the client in-protocol and never
// propagates.
func (h *Handler) TryRequest(ctx context.Context, c *nabu.Conn, op byte) bool {
	switch op {
	case MsgStoreHTTPGet, MsgStoreGetSize, MsgStoreGetData:
	default:
		return false
	}
	if !c.RetroNetEnabled() {
		return false
	}

	switch op {
	case MsgStoreHTTPGet:
		h.storeHTTPGet(ctx, c)
	case MsgStoreGetSize:
		h.storeGetSize(c)
	case MsgStoreGetData:
		h.storeGetData(c)
	}
	return true
}

// connStore returns (creating on demand) the connection's slot table.
func (h *Handler) connStore(c *nabu.Conn) *store {
	if st, ok := c.ProtoState(stateKey).(*store); ok {
		return st
	}
	st := &store{}
	c.SetProtoState(stateKey, st)
	return st
}

// storeHTTPGet handles STORE-HTTP-GET: url-length byte, URL, slot.
// The object is fetched into the slot and a one-byte success flag is
// returned.
func (h *Handler) storeHTTPGet(ctx context.Context, c *nabu.Conn) {
	ep := c.Endpoint()

	urlLen, err := ep.RecvByte()
	if err != nil {
		logger.Error("RetroNet URL length never arrived",
			logger.KeyConn, c.Name(), logger.KeyError, err)
		return
	}
	urlBuf := make([]byte, urlLen)
	if err := ep.Recv(urlBuf); err != nil {
		logger.Error("RetroNet URL never arrived",
			logger.KeyConn, c.Name(), logger.KeyError, err)
		return
	}
	slot, err := ep.RecvByte()
	if err != nil {
		logger.Error("RetroNet slot never arrived",
			logger.KeyConn, c.Name(), logger.KeyError, err)
		return
	}

	url := string(urlBuf)
	data, err := h.fetch(ctx, url)
	if err != nil {
		logger.Error("RetroNet fetch failed",
			logger.KeyConn, c.Name(), "url", url, logger.KeyError, err)
		ep.SendByte(replyFailed)
		return
	}

	st := h.connStore(c)
	st.mu.Lock()
	st.slots[slot] = &blob{url: url, data: data}
	st.mu.Unlock()

	logger.Debug("RetroNet blob stored",
		logger.KeyConn, c.Name(), logger.KeySlot, slot, "url", url, "bytes", len(data))
	ep.SendByte(replyOK)
}

// storeGetSize handles STORE-GET-SIZE: slot in, 32-bit little-endian
// size out (all-ones when the slot is empty).
func (h *Handler) storeGetSize(c *nabu.Conn) {
	ep := c.Endpoint()

	slot, err := ep.RecvByte()
	if err != nil {
		logger.Error("RetroNet slot never arrived",
			logger.KeyConn, c.Name(), logger.KeyError, err)
		return
	}

	size := uint32(noSuchBlob)
	st := h.connStore(c)
	st.mu.Lock()
	if b := st.slots[slot]; b != nil {
		size = uint32(len(b.data))
	}
	st.mu.Unlock()

	var reply [4]byte
	binary.LittleEndian.PutUint32(reply[:], size)
	ep.Send(reply[:])
}

// storeGetData handles STORE-GET-DATA: slot, 32-bit offset, 16-bit
// length in; 16-bit actual length plus the bytes out. Reads past the
// end are truncated; an empty slot or out-of-range offset yields a
// zero-length window.
func (h *Handler) storeGetData(c *nabu.Conn) {
	ep := c.Endpoint()

	var req [7]byte
	if err := ep.Recv(req[:]); err != nil {
		logger.Error("RetroNet data request never arrived",
			logger.KeyConn, c.Name(), logger.KeyError, err)
		return
	}
	slot := req[0]
	offset := binary.LittleEndian.Uint32(req[1:5])
	length := binary.LittleEndian.Uint16(req[5:7])

	var window []byte
	st := h.connStore(c)
	st.mu.Lock()
	if b := st.slots[slot]; b != nil && offset < uint32(len(b.data)) {
		end := offset + uint32(length)
		if end > uint32(len(b.data)) {
			end = uint32(len(b.data))
		}
		window = b.data[offset:end]
	}
	st.mu.Unlock()

	var hdr [2]byte
	binary.LittleEndian.PutUint16(hdr[:], uint16(len(window)))
	ep.Send(hdr[:])
	if len(window) > 0 {
		ep.Send(window)
	}
}

func (h *Handler) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, h.maxSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > h.maxSize {
		return nil, fmt.Errorf("blob exceeds %d byte limit", h.maxSize)
	}
	return data, nil
}
