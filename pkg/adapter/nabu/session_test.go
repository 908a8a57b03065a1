package nabu

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nabunetwork/nabud/pkg/image"
	proto "github.com/nabunetwork/nabud/pkg/protocol/nabu"
)

// 1984-06-05 14:30:45 was a Tuesday.
var testClock = time.Date(1984, time.June, 5, 14, 30, 45, 0, time.UTC)

// harness drives a session over an in-memory pipe: the test plays the
// NABU client, the session under test plays the adaptor.
type harness struct {
	t      *testing.T
	client net.Conn
	conn   *Conn
	done   chan struct{}
}

func newHarness(t *testing.T, loader *image.Loader, setup func(*Conn)) *harness {
	t.Helper()

	// A loopback socket rather than net.Pipe: the protocol interleaves
	// reads and writes within one request, so the transport must
	// buffer like a real serial line or TCP stream does.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	var server net.Conn
	select {
	case server = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("accept did not complete")
	}

	conn := NewConn(KindTCP, "test", NewTCPEndpoint("test", server), "")
	if setup != nil {
		setup(conn)
	}

	sess := newSession(context.Background(), conn, loader, nil)
	sess.now = func() time.Time { return testClock }

	done := make(chan struct{})
	go func() {
		defer close(done)
		sess.Run()
	}()

	h := &harness{t: t, client: client, conn: conn, done: done}
	t.Cleanup(func() {
		_ = client.Close()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("session did not exit after client close")
		}
	})
	return h
}

// send writes client→adaptor bytes.
func (h *harness) send(data ...byte) {
	h.t.Helper()
	require.NoError(h.t, h.client.SetWriteDeadline(time.Now().Add(5*time.Second)))
	_, err := h.client.Write(data)
	require.NoError(h.t, err)
}

// expect reads adaptor→client bytes and compares them exactly.
func (h *harness) expect(want ...byte) {
	h.t.Helper()
	got := h.read(len(want))
	require.Equal(h.t, want, got)
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

func emptyLoader(t *testing.T, channels ...*image.Channel) *image.Loader {
	t.Helper()
	table, err := image.NewTable(channels)
	require.NoError(t, err)
	return image.NewLoader(table, 0)
}

// framedPacket builds the expected non-PAK packet for a segment.
func framedPacket(imageID uint32, segment uint16, offset int, payload []byte, last bool) []byte {
	pkt := make([]byte, proto.HeaderSize+len(payload)+proto.FooterSize)
	i := proto.PutPacketHeader(pkt, imageID, segment, uint32(offset), last)
	copy(pkt[i:], payload)
	i += len(payload)
	proto.PutCRC(pkt[i:], proto.CRC16(pkt[:i]))
	return pkt
}

// wirePacket is the on-the-wire form of a framed packet: AUTHORIZED
// handshake already consumed, escaped bytes plus FINISHED.
func wirePacket(pkt []byte) []byte {
	out := proto.EscapePacket(nil, pkt)
	return append(out, proto.SeqFinished...)
}

func TestScenarioReset(t *testing.T) {
	h := newHarness(t, emptyLoader(t), nil)

	h.send(proto.MsgReset)
	h.expect(0x10, 0x06, 0xE4)
}

func TestScenarioChangeChannel(t *testing.T) {
	chn := &image.Channel{Name: "seven", Number: 7, Type: image.TypeRaw, DefaultFile: "menu.nabu"}
	h := newHarness(t, emptyLoader(t, chn), func(c *Conn) {
		c.SetSelectedFile("other.nabu")
	})

	h.send(0x85, 0x07, 0x00)
	h.expect(0x10, 0x06, 0xE4)

	assert.Eventually(t, func() bool {
		got := h.conn.Channel()
		return got != nil && got.Number == 7
	}, time.Second, 5*time.Millisecond)

	// Selecting a channel cleared the explicit file; readback falls
	// through to the channel default.
	assert.Equal(t, "menu.nabu", h.conn.SelectedFile())
}

func TestScenarioTimeRequest(t *testing.T) {
	h := newHarness(t, emptyLoader(t), nil)

	h.send(0x84, 0x00, 0xFF, 0xFF, 0x7F)
	h.expect(0x10, 0x06, 0xE4, 0x1F)
	h.send(0x10, 0x06) // ACK the authorization

	body := proto.NewTimeRecord(testClock).Bytes()
	assert.Equal(t, []byte{0x02, 0x02, 3, 84, 6, 5, 14, 30, 45}, body)

	pkt := framedPacket(proto.ImageTime, 0, 0, body, true)
	require.True(t, proto.HeaderLastSegment(pkt[:proto.HeaderSize]))
	require.Equal(t, uint32(proto.ImageTime), proto.GetUint24(pkt[0:3]))
	// CRC over header+payload verifies against the trailer.
	require.Equal(t, proto.CRC16(pkt[:len(pkt)-2]), proto.GetUint16(pkt[len(pkt)-2:]))

	h.expect(wirePacket(pkt)...)
}

func TestScenarioTimeNonZeroSegment(t *testing.T) {
	h := newHarness(t, emptyLoader(t), nil)

	h.send(0x84, 0x01, 0xFF, 0xFF, 0x7F)
	h.expect(0x10, 0x06, 0xE4, 0x10) // UNAUTHORIZED
	h.send(0x10, 0x06)               // ACK the refusal
}

func TestScenarioMissingImage(t *testing.T) {
	chn := &image.Channel{Name: "empty", Number: 1, Type: image.TypeRaw, Source: t.TempDir()}
	h := newHarness(t, emptyLoader(t, chn), func(c *Conn) {
		c.SetChannel(chn)
	})

	h.send(0x84, 0x00, 0x34, 0x12, 0x00)
	h.expect(0x10, 0x06, 0xE4, 0x10)
	h.send(0x10, 0x06)
}

func TestScenarioChannelStatusNoChannel(t *testing.T) {
	h := newHarness(t, emptyLoader(t), nil)

	h.send(0x83, 0x01)
	h.expect(0x10, 0x06, 0x10, 0x10, 0xE1)
}

func TestScenarioChannelStatusWithChannel(t *testing.T) {
	chn := &image.Channel{Name: "tuned", Number: 1, Type: image.TypeRaw}
	h := newHarness(t, emptyLoader(t, chn), func(c *Conn) {
		c.SetChannel(chn)
	})

	h.send(0x83, 0x01)
	h.expect(0x10, 0x06, 0x1F, 0x10, 0xE1)
}

func TestScenarioTransmitStatus(t *testing.T) {
	h := newHarness(t, emptyLoader(t), nil)

	h.send(0x83, 0x1E)
	h.expect(0x10, 0x06, 0x1F, 0x10, 0xE1)
}

func TestScenarioUnknownClassicDoesNotDesync(t *testing.T) {
	h := newHarness(t, emptyLoader(t), nil)

	// An unknown classic opcode is logged and ignored; the following
	// RESET is still serviced.
	h.send(0x8F, proto.MsgReset)
	h.expect(0x10, 0x06, 0xE4)
}

func TestScenarioStartUp(t *testing.T) {
	h := newHarness(t, emptyLoader(t), nil)

	h.send(0x82)
	h.expect(0x10, 0x06, 0xE4)
}

func TestScenarioMystery(t *testing.T) {
	h := newHarness(t, emptyLoader(t), nil)

	h.send(proto.MsgMystery)
	h.expect(0x10, 0x06)
	h.send(0xDE, 0xAD)
	h.expect(0xE4)
}

func TestScenarioRawImageDelivery(t *testing.T) {
	dir := t.TempDir()

	// Two segments: a full one and a short last one, with escape
	// bytes sprinkled in to exercise wire doubling.
	data := make([]byte, proto.MaxPayloadSize+509)
	for i := range data {
		data[i] = byte(i)
		if i%97 == 0 {
			data[i] = proto.MsgEscape
		}
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "000001.nabu"), data, 0o644))

	chn := &image.Channel{Name: "raw", Number: 1, Type: image.TypeRaw, Source: dir}
	h := newHarness(t, emptyLoader(t, chn), func(c *Conn) {
		c.SetChannel(chn)
	})

	// Segment 0: full payload, not last.
	h.send(0x84, 0x00, 0x01, 0x00, 0x00)
	h.expect(0x10, 0x06, 0xE4, 0x1F)
	h.send(0x10, 0x06)
	h.expect(wirePacket(framedPacket(1, 0, 0, data[:proto.MaxPayloadSize], false))...)

	// Segment 1: truncated, last.
	h.send(0x84, 0x01, 0x01, 0x00, 0x00)
	h.expect(0x10, 0x06, 0xE4, 0x1F)
	h.send(0x10, 0x06)
	h.expect(wirePacket(framedPacket(1, 1, proto.MaxPayloadSize, data[proto.MaxPayloadSize:], true))...)

	// Segment 2: out of range.
	h.send(0x84, 0x02, 0x01, 0x00, 0x00)
	h.expect(0x10, 0x06, 0xE4, 0x10)
	h.send(0x10, 0x06)
}

func TestScenarioPakDelivery(t *testing.T) {
	dir := t.TempDir()

	// A pak is a concatenation of length-tagged pre-framed segments;
	// the server only rewrites each frame's trailing CRC.
	frame0 := make([]byte, proto.TotalPayloadSize)
	for i := range frame0 {
		frame0[i] = byte(i * 3)
	}
	frame1 := make([]byte, 300)
	for i := range frame1 {
		frame1[i] = byte(i * 7)
	}
	var pak []byte
	pak = append(pak, byte(len(frame0)), byte(len(frame0)>>8))
	pak = append(pak, frame0...)
	pak = append(pak, byte(len(frame1)), byte(len(frame1)>>8))
	pak = append(pak, frame1...)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "000001.pak"), pak, 0o644))

	chn := &image.Channel{Name: "paks", Number: 1, Type: image.TypePak, Source: dir}
	h := newHarness(t, emptyLoader(t, chn), func(c *Conn) {
		c.SetChannel(chn)
	})

	rewriteCRC := func(frame []byte) []byte {
		out := append([]byte(nil), frame...)
		proto.PutCRC(out[len(out)-2:], proto.CRC16(out[:len(out)-2]))
		return out
	}

	// Segment 0 starts right after the first length tag.
	require.Equal(t, 2, proto.PakSegmentOffset(0))
	h.send(0x84, 0x00, 0x01, 0x00, 0x00)
	h.expect(0x10, 0x06, 0xE4, 0x1F)
	h.send(0x10, 0x06)
	h.expect(wirePacket(rewriteCRC(frame0))...)

	// Segment 1 is the short trailing frame; its span runs to the end
	// of the pak, so it is the last segment.
	h.send(0x84, 0x01, 0x01, 0x00, 0x00)
	h.expect(0x10, 0x06, 0xE4, 0x1F)
	h.send(0x10, 0x06)
	h.expect(wirePacket(rewriteCRC(frame1))...)

	// Segment 2 is past the end of the pak.
	h.send(0x84, 0x02, 0x01, 0x00, 0x00)
	h.expect(0x10, 0x06, 0xE4, 0x10)
	h.send(0x10, 0x06)
}

// claimingSubProto claims a single opcode and records the claim.
type claimingSubProto struct {
	opcode byte
	claims int
}

func (p *claimingSubProto) Name() string { return "claiming" }

func (p *claimingSubProto) TryRequest(_ context.Context, c *Conn, op byte) bool {
	if op != p.opcode {
		return false
	}
	p.claims++
	c.Endpoint().SendByte(0xAA)
	return true
}

func (p *claimingSubProto) Fini(*Conn) {}

func TestSubProtocolDispatch(t *testing.T) {
	sp := &claimingSubProto{opcode: 0xF0}
	h := newHarness(t, emptyLoader(t), func(c *Conn) {
		c.subprotos = []SubProtocol{sp}
	})

	h.send(0xF0)
	h.expect(0xAA)

	// Classic requests still work with the sub-protocol installed.
	h.send(proto.MsgReset)
	h.expect(0x10, 0x06, 0xE4)

	assert.Equal(t, 1, sp.claims)
}

func TestScenarioRequestsAfterUnknownStatusType(t *testing.T) {
	h := newHarness(t, emptyLoader(t), nil)

	// Unknown status type is logged; the session keeps running.
	h.send(0x83, 0x42)
	h.expect(0x10, 0x06)

	h.send(proto.MsgReset)
	h.expect(0x10, 0x06, 0xE4)
}
