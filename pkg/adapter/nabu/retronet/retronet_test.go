package retronet

import (
	"context"
	"encoding/binary"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nabunetwork/nabud/pkg/adapter/nabu"
	"github.com/nabunetwork/nabud/pkg/image"
)

// harness runs TryRequest against one side of a pipe while the test
// drives the other.
type harness struct {
	t       *testing.T
	client  net.Conn
	conn    *nabu.Conn
	handler *Handler
}

func newHarness(t *testing.T, handler *Handler, enabled bool) *harness {
	t.Helper()

	server, client := net.Pipe()
	conn := nabu.NewConn(nabu.KindTCP, "test", nabu.NewTCPEndpoint("test", server), "")
	if enabled {
		conn.SetChannel(&image.Channel{Name: "rn", Number: 1, Type: image.TypeRaw, RetroNetEnabled: true})
	}
	t.Cleanup(func() { _ = client.Close() })
	return &harness{t: t, client: client, conn: conn, handler: handler}
}

// request runs TryRequest for op concurrently and returns its result
// once the exchange driven by drive() completes.
func (h *harness) request(op byte, drive func()) bool {
	h.t.Helper()

	result := make(chan bool, 1)
	go func() {
		result <- h.handler.TryRequest(context.Background(), h.conn, op)
	}()
	if drive != nil {
		drive()
	}

	select {
	case r := <-result:
		return r
	case <-time.After(5 * time.Second):
		h.t.Fatal("TryRequest did not complete")
		return false
	}
}

func (h *harness) send(data ...byte) {
	h.t.Helper()
	require.NoError(h.t, h.client.SetWriteDeadline(time.Now().Add(5*time.Second)))
	_, err := h.client.Write(data)
	require.NoError(h.t, err)
}

func (h *harness) read(n int) []byte {
	h.t.Helper()
	buf := make([]byte, n)
	require.NoError(h.t, h.client.SetReadDeadline(time.Now().Add(5*time.Second)))
	for off := 0; off < n; {
		m, err := h.client.Read(buf[off:])
		require.NoError(h.t, err)
		off += m
	}
	return buf
}

func TestDeclinesForeignOpcodes(t *testing.T) {
	h := newHarness(t, New(0), true)
	assert.False(t, h.request(0x84, nil))
	assert.False(t, h.request(0xF0, nil))
}

func TestDeclinesWhenChannelDisallows(t *testing.T) {
	h := newHarness(t, New(0), false)
	assert.False(t, h.request(MsgStoreHTTPGet, nil))
}

func TestStoreLifecycle(t *testing.T) {
	payload := []byte("blob contents for the store")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	handler := New(0)
	h := newHarness(t, handler, true)

	// STORE-HTTP-GET into slot 3.
	url := srv.URL
	claimed := h.request(MsgStoreHTTPGet, func() {
		h.send(byte(len(url)))
		h.send([]byte(url)...)
		h.send(3)
		assert.Equal(t, []byte{0x01}, h.read(1))
	})
	assert.True(t, claimed)

	// STORE-GET-SIZE reports the blob length.
	claimed = h.request(MsgStoreGetSize, func() {
		h.send(3)
		reply := h.read(4)
		assert.Equal(t, uint32(len(payload)), binary.LittleEndian.Uint32(reply))
	})
	assert.True(t, claimed)

	// STORE-GET-DATA returns a window, truncated at the end.
	claimed = h.request(MsgStoreGetData, func() {
		req := make([]byte, 7)
		req[0] = 3
		binary.LittleEndian.PutUint32(req[1:5], 5)
		binary.LittleEndian.PutUint16(req[5:7], 1000)
		h.send(req...)

		hdr := h.read(2)
		n := int(binary.LittleEndian.Uint16(hdr))
		assert.Equal(t, len(payload)-5, n)
		assert.Equal(t, payload[5:], h.read(n))
	})
	assert.True(t, claimed)

	// Fini drops the store: the slot reads back empty.
	handler.Fini(h.conn)
	claimed = h.request(MsgStoreGetSize, func() {
		h.send(3)
		assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, h.read(4))
	})
	assert.True(t, claimed)
}

func TestEmptySlotReads(t *testing.T) {
	h := newHarness(t, New(0), true)

	h.request(MsgStoreGetSize, func() {
		h.send(9)
		assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, h.read(4))
	})

	h.request(MsgStoreGetData, func() {
		req := make([]byte, 7)
		req[0] = 9
		binary.LittleEndian.PutUint16(req[5:7], 16)
		h.send(req...)
		assert.Equal(t, []byte{0x00, 0x00}, h.read(2))
	})
}

func TestFetchFailureReportsInProtocol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	h := newHarness(t, New(0), true)
	url := srv.URL

	claimed := h.request(MsgStoreHTTPGet, func() {
		h.send(byte(len(url)))
		h.send([]byte(url)...)
		h.send(0)
		assert.Equal(t, []byte{0x00}, h.read(1))
	})
	assert.True(t, claimed)
}

func TestBlobSizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 512))
	}))
	defer srv.Close()

	h := newHarness(t, New(128), true)
	url := srv.URL

	h.request(MsgStoreHTTPGet, func() {
		h.send(byte(len(url)))
		h.send([]byte(url)...)
		h.send(0)
		assert.Equal(t, []byte{0x00}, h.read(1))
	})
}
