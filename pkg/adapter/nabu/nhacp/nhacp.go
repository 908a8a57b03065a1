// Package nhacp implements the NHACP storage sub-protocol: framed
// requests that open, read, and write files under the connection's
// configured storage root, organized into sessions the connection
// owns. State is torn down when the client reboots or disconnects.
package nhacp

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nabunetwork/nabud/internal/logger"
	"github.com/nabunetwork/nabud/pkg/adapter/nabu"
)

// MsgRequest starts an NHACP request. It sits outside the classic
// opcode block so unknown classic opcodes still fall through to the
// event loop's error path.
const MsgRequest = 0xF0

// Request types.
const (
	reqStorageOpen = 0x01
	reqStorageGet  = 0x02
	reqStoragePut  = 0x03
	reqDateTime    = 0x04
	reqFileClose   = 0x05
	reqGoodbye     = 0x06
)

// Response types.
const (
	respOK            = 0x81
	respError         = 0x82
	respStorageLoaded = 0x83
	respDataBuffer    = 0x84
	respDateTime      = 0x85
)

// Limits.
const (
	maxFrameLen   = 8192
	maxWindowLen  = 8192
	allocSlot     = 0xFF
	maxOpenSlots  = 256
	stateKey      = "nhacp"
	maxNameLength = 255
)

// fileSlot is one open file in a session.
type fileSlot struct {
	name string
	f    *os.File
}

// clientSession is one NHACP session; a connection may run several.
type clientSession struct {
	id    byte
	slots map[byte]*fileSlot
}

// connState is the set of sessions owned by one connection.
type connState struct {
	mu       sync.Mutex
	sessions map[byte]*clientSession
}

// Handler implements nabu.SubProtocol for NHACP requests.
type Handler struct {
	// now is stubbed by tests; time.Now otherwise.
	now func() time.Time
}

// New creates the handler.
func New() *Handler {
	return &Handler{now: time.Now}
}

// Name implements nabu.SubProtocol.
func (h *Handler) Name() string { return "nhacp" }

// Fini closes every session the connection owns.
func (h *Handler) Fini(c *nabu.Conn) {
	st, ok := c.ProtoState(stateKey).(*connState)
	if !ok {
		return
	}
	logger.Info("Clearing previous NHACP state", logger.KeyConn, c.Name())

	st.mu.Lock()
	for _, sess := range st.sessions {
		for _, slot := range sess.slots {
			_ = slot.f.Close()
		}
	}
	st.sessions = nil
	st.mu.Unlock()

	c.SetProtoState(stateKey, nil)
}

// TryRequest claims the NHACP request opcode, consumes the framed
// request, and replies. Failures are reported in-protocol; they never
// desynchronize the main loop once the frame has been read.
func (h *Handler) TryRequest(ctx context.Context, c *nabu.Conn, op byte) bool {
	if op != MsgRequest {
		return false
	}
	ep := c.Endpoint()

	sessionID, err := ep.RecvByte()
	if err != nil {
		logger.Error("NHACP session id never arrived",
			logger.KeyConn, c.Name(), logger.KeyError, err)
		return true
	}

	var lenBuf [2]byte
	if err := ep.Recv(lenBuf[:]); err != nil {
		logger.Error("NHACP frame length never arrived",
			logger.KeyConn, c.Name(), logger.KeyError, err)
		return true
	}
	frameLen := binary.LittleEndian.Uint16(lenBuf[:])
	if frameLen == 0 || frameLen > maxFrameLen {
		logger.Error("NHACP frame length out of range",
			logger.KeyConn, c.Name(), "length", frameLen)
		return true
	}

	frame := make([]byte, frameLen)
	if err := ep.Recv(frame); err != nil {
		logger.Error("NHACP frame never arrived",
			logger.KeyConn, c.Name(), logger.KeyError, err)
		return true
	}

	h.dispatch(c, sessionID, frame)
	return true
}

// dispatch routes one framed request within a session.
func (h *Handler) dispatch(c *nabu.Conn, sessionID byte, frame []byte) {
	sess := h.session(c, sessionID)

	switch req := frame[0]; req {
	case reqStorageOpen:
		h.storageOpen(c, sess, frame[1:])
	case reqStorageGet:
		h.storageGet(c, sess, frame[1:])
	case reqStoragePut:
		h.storagePut(c, sess, frame[1:])
	case reqDateTime:
		h.dateTime(c)
	case reqFileClose:
		h.fileClose(c, sess, frame[1:])
	case reqGoodbye:
		h.goodbye(c, sessionID)
	default:
		h.sendError(c, fmt.Sprintf("unknown request 0x%02x", req))
	}
}

// session returns (creating on demand) the session with the given id.
func (h *Handler) session(c *nabu.Conn, id byte) *clientSession {
	st, ok := c.ProtoState(stateKey).(*connState)
	if !ok {
		st = &connState{sessions: make(map[byte]*clientSession)}
		c.SetProtoState(stateKey, st)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.sessions == nil {
		st.sessions = make(map[byte]*clientSession)
	}
	sess := st.sessions[id]
	if sess == nil {
		sess = &clientSession{id: id, slots: make(map[byte]*fileSlot)}
		st.sessions[id] = sess
		logger.Debug("NHACP session started", logger.KeyConn, c.Name(), logger.KeySession, id)
	}
	return sess
}

// sendFrame writes a length-framed response.
func (h *Handler) sendFrame(c *nabu.Conn, payload []byte) {
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(payload)))
	c.Endpoint().Send(lenBuf[:])
	c.Endpoint().Send(payload)
}

func (h *Handler) sendOK(c *nabu.Conn) {
	h.sendFrame(c, []byte{respOK})
}

func (h *Handler) sendError(c *nabu.Conn, msg string) {
	logger.Error("NHACP request failed", logger.KeyConn, c.Name(), logger.KeyError, msg)
	if len(msg) > maxNameLength {
		msg = msg[:maxNameLength]
	}
	payload := append([]byte{respError, byte(len(msg))}, msg...)
	h.sendFrame(c, payload)
}

// resolvePath maps a client-supplied name under the connection's
// storage root, refusing escapes.
func resolvePath(c *nabu.Conn, name string) (string, error) {
	root := c.FileRoot()
	if root == "" {
		return "", fmt.Errorf("no storage root configured")
	}
	if strings.Contains(name, "..") || filepath.IsAbs(name) {
		return "", fmt.Errorf("invalid path %q", name)
	}
	return filepath.Join(root, filepath.Clean("/"+name)), nil
}

// storageOpen handles STORAGE-OPEN: flags, requested slot (0xFF to
// allocate), name. Replies STORAGE-LOADED with the slot and file size.
func (h *Handler) storageOpen(c *nabu.Conn, sess *clientSession, req []byte) {
	if len(req) < 3 {
		h.sendError(c, "short STORAGE-OPEN")
		return
	}
	reqSlot := req[1]
	nameLen := int(req[2])
	if len(req) < 3+nameLen {
		h.sendError(c, "short STORAGE-OPEN name")
		return
	}
	name := string(req[3 : 3+nameLen])

	path, err := resolvePath(c, name)
	if err != nil {
		h.sendError(c, err.Error())
		return
	}

	slot := reqSlot
	if slot == allocSlot {
		found := false
		for i := 0; i < maxOpenSlots-1; i++ {
			if _, used := sess.slots[byte(i)]; !used {
				slot = byte(i)
				found = true
				break
			}
		}
		if !found {
			h.sendError(c, "no free slots")
			return
		}
	}
	if old := sess.slots[slot]; old != nil {
		_ = old.f.Close()
		delete(sess.slots, slot)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		h.sendError(c, fmt.Sprintf("open %s: %v", name, err))
		return
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		h.sendError(c, fmt.Sprintf("stat %s: %v", name, err))
		return
	}

	sess.slots[slot] = &fileSlot{name: name, f: f}
	logger.Debug("NHACP storage opened",
		logger.KeyConn, c.Name(),
		logger.KeySession, sess.id,
		logger.KeySlot, slot,
		logger.KeyFile, name,
		"bytes", fi.Size())

	reply := make([]byte, 6)
	reply[0] = respStorageLoaded
	reply[1] = slot
	binary.LittleEndian.PutUint32(reply[2:], uint32(fi.Size()))
	h.sendFrame(c, reply)
}

// storageGet handles STORAGE-GET: slot, 32-bit offset, 16-bit length.
// Replies DATA-BUFFER with the (possibly truncated) window.
func (h *Handler) storageGet(c *nabu.Conn, sess *clientSession, req []byte) {
	if len(req) < 7 {
		h.sendError(c, "short STORAGE-GET")
		return
	}
	slot := req[0]
	offset := binary.LittleEndian.Uint32(req[1:5])
	length := binary.LittleEndian.Uint16(req[5:7])
	if length > maxWindowLen {
		h.sendError(c, "window too large")
		return
	}

	fs := sess.slots[slot]
	if fs == nil {
		h.sendError(c, fmt.Sprintf("slot %d not open", slot))
		return
	}

	buf := make([]byte, length)
	n, err := fs.f.ReadAt(buf, int64(offset))
	if err != nil && err != io.EOF {
		h.sendError(c, fmt.Sprintf("read %s: %v", fs.name, err))
		return
	}
	// Reading at or past EOF yields a short (or empty) window.

	reply := make([]byte, 3+n)
	reply[0] = respDataBuffer
	binary.LittleEndian.PutUint16(reply[1:3], uint16(n))
	copy(reply[3:], buf[:n])
	h.sendFrame(c, reply)
}

// storagePut handles STORAGE-PUT: slot, 32-bit offset, 16-bit length,
// data. Replies OK.
func (h *Handler) storagePut(c *nabu.Conn, sess *clientSession, req []byte) {
	if len(req) < 7 {
		h.sendError(c, "short STORAGE-PUT")
		return
	}
	slot := req[0]
	offset := binary.LittleEndian.Uint32(req[1:5])
	length := int(binary.LittleEndian.Uint16(req[5:7]))
	if len(req) < 7+length {
		h.sendError(c, "short STORAGE-PUT data")
		return
	}

	fs := sess.slots[slot]
	if fs == nil {
		h.sendError(c, fmt.Sprintf("slot %d not open", slot))
		return
	}

	if _, err := fs.f.WriteAt(req[7:7+length], int64(offset)); err != nil {
		h.sendError(c, fmt.Sprintf("write %s: %v", fs.name, err))
		return
	}
	h.sendOK(c)
}

// dateTime handles GET-DATE-TIME: replies with ASCII YYYYMMDD and
// HHMMSS.
func (h *Handler) dateTime(c *nabu.Conn) {
	now := h.now()
	payload := make([]byte, 0, 1+8+6)
	payload = append(payload, respDateTime)
	payload = now.AppendFormat(payload, "20060102")
	payload = now.AppendFormat(payload, "150405")
	h.sendFrame(c, payload)
}

// fileClose handles FILE-CLOSE: slot. Closing an unopened slot is
// silently OK.
func (h *Handler) fileClose(c *nabu.Conn, sess *clientSession, req []byte) {
	if len(req) < 1 {
		h.sendError(c, "short FILE-CLOSE")
		return
	}
	slot := req[0]
	if fs := sess.slots[slot]; fs != nil {
		_ = fs.f.Close()
		delete(sess.slots, slot)
	}
	h.sendOK(c)
}

// goodbye ends a session; no response is sent.
func (h *Handler) goodbye(c *nabu.Conn, sessionID byte) {
	st, ok := c.ProtoState(stateKey).(*connState)
	if !ok {
		return
	}
	st.mu.Lock()
	if sess := st.sessions[sessionID]; sess != nil {
		for _, slot := range sess.slots {
			_ = slot.f.Close()
		}
		delete(st.sessions, sessionID)
	}
	st.mu.Unlock()
	logger.Debug("NHACP session ended", logger.KeyConn, c.Name(), logger.KeySession, sessionID)
}
