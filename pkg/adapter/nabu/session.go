package nabu

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nabunetwork/nabud/internal/logger"
	"github.com/nabunetwork/nabud/pkg/bufpool"
	"github.com/nabunetwork/nabud/pkg/image"
	"github.com/nabunetwork/nabud/pkg/metrics"
	proto "github.com/nabunetwork/nabud/pkg/protocol/nabu"
)

// requestWatchdog bounds any single I/O once a request is in flight.
// While idle between requests the receive blocks indefinitely.
const requestWatchdog = 10 * time.Second

// session runs the Adaptor protocol for one connection. It is the
// per-connection state machine: strictly alternating reads and writes,
// driven entirely by the connection's own worker goroutine.
type session struct {
	conn    *Conn
	loader  *image.Loader
	metrics metrics.AdaptorMetrics
	ctx     context.Context

	// now is stubbed by tests; time.Now otherwise.
	now func() time.Time
}

func newSession(ctx context.Context, conn *Conn, loader *image.Loader, m metrics.AdaptorMetrics) *session {
	return &session{
		conn:    conn,
		loader:  loader,
		metrics: m,
		ctx:     ctx,
		now:     time.Now,
	}
}

// classicHandler binds a classic opcode to its handler; the table is
// indexed by opcode minus the first classic value.
type classicHandler struct {
	name string
	fn   func(*session)
}

var classicHandlers = []*classicHandler{
	proto.MsgReset - proto.ClassicFirst:         {"reset", (*session).msgReset},
	proto.MsgMystery - proto.ClassicFirst:       {"mystery", (*session).msgMystery},
	proto.MsgStartUp - proto.ClassicFirst:       {"start_up", (*session).msgStartUp},
	proto.MsgGetStatus - proto.ClassicFirst:     {"get_status", (*session).msgGetStatus},
	proto.MsgPacketRequest - proto.ClassicFirst: {"packet_request", (*session).msgPacketRequest},
	proto.MsgChangeChannel - proto.ClassicFirst: {"change_channel", (*session).msgChangeChannel},
}

// Run is the Adaptor event loop: wait for an opcode, arm the watchdog,
// dispatch, repeat. It returns when the endpoint becomes unusable.
func (s *session) Run() {
	ep := s.conn.endpoint

	logger.Info("Connection starting",
		logger.KeyConn, s.conn.name,
		logger.KeyConnID, s.conn.ID.String(),
		logger.KeyConnKind, string(s.conn.kind))

	for {
		// Block "forever" waiting for the next request.
		ep.StopWatchdog()

		msg, err := ep.RecvByte()
		if err != nil {
			if !ep.Healthy() {
				return
			}
			logger.Debug("Receive failed, continuing event loop",
				logger.KeyConn, s.conn.name, logger.KeyError, err)
			continue
		}

		// A request is in flight: no single I/O may take longer than
		// the watchdog allows.
		ep.StartWatchdog(requestWatchdog)

		if s.handleClassic(msg) {
			continue
		}

		handled := false
		for _, sp := range s.conn.subprotos {
			if sp.TryRequest(s.ctx, s.conn, msg) {
				handled = true
				break
			}
		}
		if handled {
			continue
		}

		logger.Error("Got unexpected message",
			logger.KeyConn, s.conn.name, logger.KeyOpcode, fmt.Sprintf("0x%02x", msg))
		if s.metrics != nil {
			s.metrics.RecordUnknownRequest()
		}
	}
}

// handleClassic dispatches a classic message. Opcodes inside the
// classic block with no handler are logged and declined so the
// sub-protocol chain gets a look.
func (s *session) handleClassic(msg byte) bool {
	if !proto.IsClassicMsg(msg) {
		return false
	}

	idx := int(msg) - proto.ClassicFirst
	if idx >= len(classicHandlers) || classicHandlers[idx] == nil {
		logger.Error("Unknown classic message type",
			logger.KeyConn, s.conn.name, logger.KeyOpcode, fmt.Sprintf("0x%02x", msg))
		return false
	}

	h := classicHandlers[idx]
	logger.Debug("Got classic message", logger.KeyConn, s.conn.name, "handler", h.name)
	if s.metrics != nil {
		s.metrics.RecordRequest(h.name)
	}
	h.fn(s)
	return true
}

// expectByte waits for one expected byte from the client.
func (s *session) expectByte(val byte) bool {
	c, err := s.conn.endpoint.RecvByte()
	if err != nil {
		if errors.Is(err, ErrTimeout) && s.metrics != nil {
			s.metrics.RecordWatchdogTimeout()
		}
		logger.Error("Receive error", logger.KeyConn, s.conn.name, logger.KeyError, err)
		return false
	}
	logger.Debug("Expected byte",
		logger.KeyConn, s.conn.name,
		"want", fmt.Sprintf("0x%02x", val),
		"got", fmt.Sprintf("0x%02x", c))
	return val == c
}

// expectSequence waits for a byte sequence from the client.
func (s *session) expectSequence(seq []byte) bool {
	for _, b := range seq {
		if !s.expectByte(b) {
			return false
		}
	}
	return true
}

func (s *session) expectACK() bool {
	return s.expectSequence(proto.SeqACK)
}

func (s *session) sendACK() {
	s.conn.endpoint.Send(proto.SeqACK)
}

func (s *session) sendConfirmed() {
	s.conn.endpoint.SendByte(proto.StateConfirmed)
}

// sendUnauthorized refuses the request and waits for the client to
// acknowledge the refusal.
func (s *session) sendUnauthorized() {
	ep := s.conn.endpoint
	logger.Debug("Sending UNAUTHORIZED", logger.KeyConn, s.conn.name)
	if s.metrics != nil {
		s.metrics.RecordUnauthorized()
	}
	ep.SendByte(proto.ServiceUnauthorized)
	if s.expectACK() {
		logger.Debug("Received ACK", logger.KeyConn, s.conn.name)
	} else {
		logger.Error("Client failed to ACK", logger.KeyConn, s.conn.name)
	}
}

// sendPacket escape-encodes buf into the connection's scratch buffer
// and performs the AUTHORIZED handshake around it. buf is returned to
// the pool once the packet has been dealt with, whether or not the
// client ACKed; the client has no recovery path, so the only trace of
// a failed ACK is the log line.
func (s *session) sendPacket(buf []byte) {
	ep := s.conn.endpoint

	s.conn.pktbuf = proto.EscapePacket(s.conn.pktbuf[:0], buf)

	logger.Debug("Sending AUTHORIZED", logger.KeyConn, s.conn.name)
	ep.SendByte(proto.ServiceAuthorized)
	if s.expectACK() {
		ep.Send(s.conn.pktbuf)
		ep.Send(proto.SeqFinished)
		if s.metrics != nil {
			s.metrics.RecordPacketSent(len(s.conn.pktbuf))
		}
	} else {
		logger.Error("Client failed to ACK packet", logger.KeyConn, s.conn.name)
	}
	bufpool.Put(buf)
}

// sendPak extracts a pre-framed segment from a pak image, recomputes
// its trailing CRC, and sends it. Returns true when this was the final
// segment.
func (s *session) sendPak(imageID uint32, segment uint16, img *image.Image) bool {
	length := proto.TotalPayloadSize
	off := proto.PakSegmentOffset(segment)
	last := false

	if off >= len(img.Data) {
		logger.Error("PAK offset exceeds pak size",
			logger.KeyConn, s.conn.name,
			logger.KeyFile, img.Name,
			"offset", off,
			"size", len(img.Data))
		s.sendUnauthorized()
		return false
	}

	if off+length >= len(img.Data) {
		length = len(img.Data) - off
		last = true
	}

	if length < proto.HeaderSize+proto.FooterSize {
		logger.Error("PAK slice is nonsensical",
			logger.KeyConn, s.conn.name,
			logger.KeyFile, img.Name,
			"offset", off,
			"length", length)
		s.sendUnauthorized()
		return last
	}

	pktbuf := bufpool.Get(length)
	copy(pktbuf, img.Data[off:off+length])

	crc := proto.CRC16(pktbuf[:length-2])
	proto.PutCRC(pktbuf[length-2:], crc)

	logger.Debug("Sending pak segment",
		logger.KeyConn, s.conn.name,
		logger.KeySegment, segment,
		logger.KeyImage, fmt.Sprintf("%06X", imageID),
		"last", last)
	s.sendPacket(pktbuf)
	return last
}

// sendImage wraps the requested segment of the image in a framed
// packet and sends it. Returns true when this was the final segment.
func (s *session) sendImage(imageID uint32, segment uint16, img *image.Image) bool {
	// PAK images are pre-wrapped, so they take a different path. Time
	// packets have no channel, so the check routes them here.
	if img.IsPak() {
		return s.sendPak(imageID, segment, img)
	}

	off := int(segment) * proto.MaxPayloadSize
	length := proto.MaxPayloadSize
	last := false

	if off >= len(img.Data) {
		logger.Error("Segment offset exceeds image size",
			logger.KeyConn, s.conn.name,
			logger.KeyImage, fmt.Sprintf("%06X", imageID),
			logger.KeySegment, segment,
			"offset", off,
			"size", len(img.Data))
		s.sendUnauthorized()
		return false
	}

	if off+length >= len(img.Data) {
		length = len(img.Data) - off
		last = true
	}

	pktlen := length + proto.HeaderSize + proto.FooterSize
	pktbuf := bufpool.Get(pktlen)
	i := 0

	i += proto.PutPacketHeader(pktbuf, imageID, segment, uint32(off), last)
	copy(pktbuf[i:], img.Data[off:off+length])
	i += length

	crc := proto.CRC16(pktbuf[:i])
	i += proto.PutCRC(pktbuf[i:], crc)
	if i != pktlen {
		// Header accounting went wrong: programmer error, not client
		// input.
		logger.Error("Internal packet length error",
			"have", i, "want", pktlen)
		panic("internal packet length error")
	}

	logger.Debug("Sending segment",
		logger.KeyConn, s.conn.name,
		logger.KeySegment, segment,
		logger.KeyImage, fmt.Sprintf("%06X", imageID),
		"last", last)
	s.sendPacket(pktbuf)
	return last
}

// sendTime synthesizes the wall-clock reply image and sends it as
// segment 0.
func (s *session) sendTime() {
	rec := proto.NewTimeRecord(s.now())
	img := &image.Image{
		Name:   "TimeImage",
		Data:   rec.Bytes(),
		Number: proto.ImageTime,
	}
	s.sendImage(proto.ImageTime, 0, img)
}

// msgReset handles the RESET message: the client rebooted, so session
// state resets with it.
func (s *session) msgReset() {
	s.conn.Reboot()
	logger.Debug("Sending ACK + CONFIRMED", logger.KeyConn, s.conn.name)
	s.sendACK()
	s.sendConfirmed()
}

// msgMystery handles the mystery message: two bytes nobody has ever
// decoded, logged for posterity.
func (s *session) msgMystery() {
	var msg [2]byte

	s.sendACK()

	if err := s.conn.endpoint.Recv(msg[:]); err != nil {
		logger.Error("Mystery bytes never arrived",
			logger.KeyConn, s.conn.name, logger.KeyError, err)
	} else {
		logger.Debug("Mystery bytes",
			logger.KeyConn, s.conn.name,
			"msg0", fmt.Sprintf("0x%02x", msg[0]),
			"msg1", fmt.Sprintf("0x%02x", msg[1]))
	}
	s.sendConfirmed()
}

// msgStartUp handles the START_UP message.
func (s *session) msgStartUp() {
	logger.Debug("Sending ACK + CONFIRMED", logger.KeyConn, s.conn.name)
	s.sendACK()
	s.sendConfirmed()
}

// msgChannelStatus answers a SIGNAL status query: YES when a channel
// is tuned, NO otherwise.
func (s *session) msgChannelStatus() {
	ep := s.conn.endpoint
	if s.conn.Channel() != nil {
		logger.Debug("Sending SIGNAL_STATUS_YES", logger.KeyConn, s.conn.name)
		ep.SendByte(proto.SignalStatusYes)
	} else {
		logger.Debug("Sending SIGNAL_STATUS_NO", logger.KeyConn, s.conn.name)
		ep.SendByte(proto.SignalStatusNo)
	}
	ep.Send(proto.SeqFinished)
}

// msgTransmitStatus answers a TRANSMIT status query; the answer is
// always YES, matching the original hardware's behavior.
func (s *session) msgTransmitStatus() {
	ep := s.conn.endpoint
	ep.SendByte(proto.SignalStatusYes)
	ep.Send(proto.SeqFinished)
}

// msgGetStatus handles the GET_STATUS message and its status-type
// sub-dispatch.
func (s *session) msgGetStatus() {
	s.sendACK()

	msg, err := s.conn.endpoint.RecvByte()
	if err != nil {
		logger.Error("Status type never arrived",
			logger.KeyConn, s.conn.name, logger.KeyError, err)
		return
	}

	switch msg {
	case proto.StatusSignal:
		logger.Debug("Channel status requested", logger.KeyConn, s.conn.name)
		s.msgChannelStatus()
	case proto.StatusTransmit:
		logger.Debug("Transmit status requested", logger.KeyConn, s.conn.name)
		s.msgTransmitStatus()
	default:
		logger.Error("Unknown status type requested",
			logger.KeyConn, s.conn.name, logger.KeyOpcode, fmt.Sprintf("0x%02x", msg))
	}
}

// msgPacketRequest handles the PACKET_REQUEST message: the heart of
// the protocol, delivering one image segment.
func (s *session) msgPacketRequest() {
	var msg [4]byte

	s.sendACK()

	if err := s.conn.endpoint.Recv(msg[:]); err != nil {
		logger.Error("Client failed to send segment/image message",
			logger.KeyConn, s.conn.name, logger.KeyError, err)
		s.conn.endpoint.Abort()
		return
	}

	segment := uint16(msg[0])
	imageID := proto.GetUint24LE(msg[1:4])
	logger.Debug("Segment requested",
		logger.KeyConn, s.conn.name,
		logger.KeySegment, segment,
		logger.KeyImage, fmt.Sprintf("%06X", imageID))

	s.sendConfirmed()

	if imageID == proto.ImageTime {
		if segment == 0 {
			logger.Debug("Sending time packet", logger.KeyConn, s.conn.name)
			s.sendTime()
			return
		}
		logger.Error("Unexpected request for non-zero segment of time image",
			logger.KeyConn, s.conn.name, logger.KeySegment, segment)
		s.sendUnauthorized()
		return
	}

	img, err := s.loader.Load(s.ctx, s.conn, imageID)
	if err != nil {
		logger.Error("Unable to load image",
			logger.KeyConn, s.conn.name,
			logger.KeyImage, fmt.Sprintf("%06X", imageID),
			logger.KeyError, err)
		if s.metrics != nil {
			s.metrics.RecordImageLoad("error")
		}
		s.sendUnauthorized()
		return
	}
	if s.metrics != nil {
		s.metrics.RecordImageLoad("ok")
	}

	s.loader.Unload(s.conn, img, s.sendImage(imageID, segment, img))
}

// msgChangeChannel handles the CHANGE_CHANNEL message.
func (s *session) msgChangeChannel() {
	var msg [2]byte

	s.sendACK()

	if err := s.conn.endpoint.Recv(msg[:]); err != nil {
		logger.Error("Client failed to send channel code",
			logger.KeyConn, s.conn.name, logger.KeyError, err)
		s.conn.endpoint.Abort()
		return
	}

	channel := int16(proto.GetUint16LE(msg[:]))
	logger.Info("Client selected channel",
		logger.KeyConn, s.conn.name, logger.KeyChannel, fmt.Sprintf("0x%04x", uint16(channel)))

	if err := s.loader.ChannelSelect(s.conn, channel); err != nil {
		logger.Error("Channel selection failed",
			logger.KeyConn, s.conn.name, logger.KeyError, err)
	}

	s.sendConfirmed()
}
