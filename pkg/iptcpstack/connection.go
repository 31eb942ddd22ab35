package iptcpstack

import (
	"log/slog"
	"math"
	"time"

	"TUN-TCP/pkg/iptcp"
	"TUN-TCP/pkg/seqspace"

	"github.com/google/netstack/tcpip/header"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"github.com/smallnest/ringbuffer"
	"golang.org/x/net/ipv4"
)

type State int

const (
	SynRcvd State = iota
	Estab
	FinWait1
	FinWait2
	Closing
	TimeWait
)

func (s State) String() string {
	switch s {
	case SynRcvd:
		return "SYN_RECEIVED"
	case Estab:
		return "ESTABLISHED"
	case FinWait1:
		return "FIN_WAIT_1"
	case FinWait2:
		return "FIN_WAIT_2"
	case Closing:
		return "CLOSING"
	case TimeWait:
		return "TIME_WAIT"
	}
	return "UNKNOWN"
}

// Available is the readiness of a connection as seen by application calls.
type Available uint8

const (
	AvailableRead Available = 1 << iota
	AvailableWrite
	// AvailableFlushed means nothing is buffered or in flight.
	AvailableFlushed
)

// State of the Send Sequence Space (RFC 793 S3.2 Figure 4)
//
//	     1         2          3          4
//	----------|----------|----------|----------
//	       SND.UNA    SND.NXT    SND.UNA
//	                            +SND.WND
//
// 1 - old sequence numbers which have been acknowledged
// 2 - sequence numbers of unacknowledged data
// 3 - sequence numbers allowed for new data transmission
// 4 - future sequence numbers which are not yet allowed
type SendSequenceSpace struct {
	Una seqnum.Value
	Nxt seqnum.Value
	// Wnd is the window the peer advertised.
	Wnd uint16
	Up  bool
	// segment sequence and acknowledgment numbers used for the last window update
	Wl1 seqnum.Value
	Wl2 seqnum.Value
	Iss seqnum.Value
}

// State of the Receive Sequence Space (RFC 793 S3.2 Figure 5)
//
//	    1          2          3
//	----------|----------|----------
//	       RCV.NXT    RCV.NXT
//	                 +RCV.WND
//
// 1 - old sequence numbers which have been acknowledged
// 2 - sequence numbers allowed for new reception
// 3 - future sequence numbers which are not yet allowed
type RecvSequenceSpace struct {
	Nxt seqnum.Value
	// Wnd is the window we advertise: free space in the incoming queue.
	Wnd uint16
	Up  bool
	Irs seqnum.Value
}

// frameWriter is the part of the device a connection sends through.
type frameWriter interface {
	WritePacket(pkt []byte) error
}

// Connection is one passive-open TCP endpoint. It is owned by the manager's
// table and only touched with the Interface lock held.
type Connection struct {
	quad  Quad
	state State
	send  SendSequenceSpace
	recv  RecvSequenceSpace

	ip  *ipv4.Header
	tcp header.TCPFields

	incoming *ringbuffer.RingBuffer
	unacked  *ringbuffer.RingBuffer

	sendQueueSize    int
	closeOnEstablish bool

	finSent bool
	finSeq  seqnum.Value

	closeRequested bool // write side shut down; FIN follows the buffered bytes
	readShut       bool
	released       bool // the Stream was closed
	aborted        bool // reset on the next worker pass
	dead           bool // must leave the table
	ackPending     bool

	stateSince time.Time
	releasedAt time.Time
	frame      []byte
	segment    []byte
	log        *slog.Logger
}

// accept answers a SYN sent to a listening port with a SYN-ACK and returns
// the new connection. Segments other than a bare SYN do not open a
// connection; a stray ACK is answered with a reset.
func accept(w frameWriter, pkt *iptcp.Packet, cfg *Config, mtu int, now time.Time) (*Connection, error) {
	if pkt.HasFlag(header.TCPFlagRst) {
		return nil, nil
	}
	if pkt.HasFlag(header.TCPFlagAck) {
		return nil, sendResetFor(w, pkt, mtu)
	}
	if !pkt.HasFlag(header.TCPFlagSyn) {
		return nil, nil
	}

	q := Quad{
		LocalAddr:  pkt.Dst,
		LocalPort:  pkt.TCP.DstPort,
		RemoteAddr: pkt.Src,
		RemotePort: pkt.TCP.SrcPort,
	}
	iss := seqnum.Value(cfg.ISS())
	irs := seqnum.Value(pkt.TCP.SeqNum)
	c := &Connection{
		quad:  q,
		state: SynRcvd,
		send: SendSequenceSpace{
			Iss: iss,
			Una: iss,
			Nxt: iss,
			Wnd: pkt.TCP.WindowSize,
			Wl1: irs,
		},
		recv: RecvSequenceSpace{
			Irs: irs,
			Nxt: irs.Add(1),
		},
		ip: iptcp.NewIPv4Header(q.LocalAddr, q.RemoteAddr),
		tcp: header.TCPFields{
			SrcPort: q.LocalPort,
			DstPort: q.RemotePort,
			Flags:   header.TCPFlagSyn | header.TCPFlagAck,
		},
		incoming:         ringbuffer.New(cfg.ReceiveWindow),
		unacked:          ringbuffer.New(cfg.SendQueueSize),
		sendQueueSize:    cfg.SendQueueSize,
		closeOnEstablish: cfg.CloseOnEstablish,
		stateSince:       now,
		frame:            make([]byte, mtu),
		segment:          make([]byte, mtu-iptcp.IPv4HeaderLen-iptcp.TcpHeaderLen),
		log:              cfg.Logger.With("quad", q.String()),
	}
	c.updateRecvWindow()

	c.log.Debug("SYN received, sending SYN-ACK", "irs", uint32(irs), "iss", uint32(iss))
	_, err := c.write(w, nil)
	return c, errors.Wrap(err, "send SYN-ACK")
}

func (c *Connection) State() State { return c.state }

func (c *Connection) setState(s State, now time.Time) {
	if c.state == s {
		return
	}
	c.log.Debug("state transition", "from", c.state, "to", s)
	c.state = s
	c.stateSince = now
}

func (c *Connection) mss() int {
	return len(c.segment)
}

// isRcvClosed reports whether the peer will send no more data.
func (c *Connection) isRcvClosed() bool {
	return c.readShut || c.state == Closing || c.state == TimeWait
}

// bytesInFlight counts payload bytes sent but not acknowledged; the SYN and
// FIN sequence numbers are not payload.
func (c *Connection) bytesInFlight() int {
	n := seqspace.Distance(c.send.Una, c.send.Nxt)
	if c.send.Una == c.send.Iss && n > 0 {
		n--
	}
	if c.finSent && seqspace.LessThanEq(c.send.Una, c.finSeq) {
		n--
	}
	return int(n)
}

// pendingLen is what counts against the send queue: bytes waiting to go out
// plus bytes on the wire.
func (c *Connection) pendingLen() int {
	return c.unacked.Length() + c.bytesInFlight()
}

func (c *Connection) finAcked() bool {
	return c.finSent && seqspace.LessThan(c.finSeq, c.send.Una)
}

func (c *Connection) availability() Available {
	var a Available
	if c.isRcvClosed() || !c.incoming.IsEmpty() {
		a |= AvailableRead
	}
	if !c.closeRequested && c.pendingLen() < c.sendQueueSize {
		a |= AvailableWrite
	}
	if c.unacked.IsEmpty() && c.bytesInFlight() == 0 {
		a |= AvailableFlushed
	}
	return a
}

func (c *Connection) updateRecvWindow() {
	free := c.incoming.Free()
	if free > math.MaxUint16 {
		free = math.MaxUint16
	}
	c.recv.Wnd = uint16(free)
}

// write sends one segment carrying the current send.nxt/recv.nxt and any
// control bits set on the template, then advances send.nxt by the payload
// written plus one per SYN or FIN. Control bits are cleared once sent.
func (c *Connection) write(w frameWriter, payload []byte) (int, error) {
	c.tcp.SeqNum = uint32(c.send.Nxt)
	c.tcp.AckNum = uint32(c.recv.Nxt)
	c.tcp.WindowSize = c.recv.Wnd

	frame, n, err := iptcp.Marshal(c.frame, c.ip, &c.tcp, payload)
	if err != nil {
		return 0, err
	}

	c.send.Nxt = c.send.Nxt.Add(seqnum.Size(n))
	if c.tcp.Flags&header.TCPFlagSyn != 0 {
		c.send.Nxt = c.send.Nxt.Add(1)
		c.tcp.Flags &^= header.TCPFlagSyn
	}
	if c.tcp.Flags&header.TCPFlagFin != 0 {
		c.finSent = true
		c.finSeq = c.send.Nxt
		c.send.Nxt = c.send.Nxt.Add(1)
		c.tcp.Flags &^= header.TCPFlagFin
	}
	c.tcp.Flags &^= header.TCPFlagPsh
	c.ackPending = false

	return n, errors.Wrap(w.WritePacket(frame), "write segment")
}

// sendReset sends <SEQ=seq><CTL=RST> without touching the sequence spaces.
func (c *Connection) sendReset(w frameWriter, seq seqnum.Value) error {
	rst := header.TCPFields{
		SrcPort: c.quad.LocalPort,
		DstPort: c.quad.RemotePort,
		SeqNum:  uint32(seq),
		Flags:   header.TCPFlagRst,
	}
	frame, _, err := iptcp.Marshal(c.frame, c.ip, &rst, nil)
	if err != nil {
		return err
	}
	return errors.Wrap(w.WritePacket(frame), "write reset")
}

// reset aborts the connection towards the peer and marks it for removal.
func (c *Connection) reset(w frameWriter) error {
	c.dead = true
	return c.sendReset(w, c.send.Nxt)
}

// sendResetFor answers a segment that belongs to no connection (RFC 793
// "If the state is CLOSED").
func sendResetFor(w frameWriter, pkt *iptcp.Packet, mtu int) error {
	if pkt.HasFlag(header.TCPFlagRst) {
		return nil
	}
	rst := header.TCPFields{
		SrcPort: pkt.TCP.DstPort,
		DstPort: pkt.TCP.SrcPort,
		Flags:   header.TCPFlagRst,
	}
	if pkt.HasFlag(header.TCPFlagAck) {
		rst.SeqNum = pkt.TCP.AckNum
	} else {
		slen := len(pkt.Payload)
		if pkt.HasFlag(header.TCPFlagSyn) {
			slen++
		}
		if pkt.HasFlag(header.TCPFlagFin) {
			slen++
		}
		rst.AckNum = uint32(seqnum.Value(pkt.TCP.SeqNum).Add(seqnum.Size(slen)))
		rst.Flags |= header.TCPFlagAck
	}
	frame, _, err := iptcp.Marshal(make([]byte, mtu), iptcp.NewIPv4Header(pkt.Dst, pkt.Src), &rst, nil)
	if err != nil {
		return err
	}
	return errors.Wrap(w.WritePacket(frame), "write reset")
}

// acceptable runs the RFC 793 §3.3 segment acceptance test.
func (c *Connection) acceptable(seq seqnum.Value, slen uint32) bool {
	wend := c.recv.Nxt.Add(seqnum.Size(c.recv.Wnd))
	start := c.recv.Nxt - 1
	if slen == 0 {
		if c.recv.Wnd == 0 {
			return seq == c.recv.Nxt
		}
		return seqspace.Between(start, seq, wend)
	}
	if c.recv.Wnd == 0 {
		return false
	}
	return seqspace.Between(start, seq, wend) ||
		seqspace.Between(start, seq.Add(seqnum.Size(slen-1)), wend)
}

// onSegment processes one inbound segment in RFC 793 order: sequence check,
// RST, SYN, ACK, text, FIN. A FIN the state machine cannot take yields
// ErrProtocolViolation; the caller resets the connection.
func (c *Connection) onSegment(w frameWriter, pkt *iptcp.Packet, now time.Time) error {
	seq := seqnum.Value(pkt.TCP.SeqNum)
	data := pkt.Payload
	syn := pkt.HasFlag(header.TCPFlagSyn)
	fin := pkt.HasFlag(header.TCPFlagFin)

	slen := uint32(len(data))
	if syn {
		slen++
	}
	if fin {
		slen++
	}

	if !c.acceptable(seq, slen) {
		if pkt.HasFlag(header.TCPFlagRst) {
			return nil
		}
		c.log.Debug("segment outside window", "seq", uint32(seq), "len", slen, "rcv.nxt", uint32(c.recv.Nxt), "rcv.wnd", c.recv.Wnd)
		c.ackPending = true
		return c.transmit(w, now)
	}

	if pkt.HasFlag(header.TCPFlagRst) {
		c.log.Info("connection reset by peer", "state", c.state)
		c.dead = true
		return nil
	}
	if syn {
		return errors.Wrapf(ErrProtocolViolation, "SYN in window in state %s", c.state)
	}
	if !pkt.HasFlag(header.TCPFlagAck) {
		// dropped without advancing recv.nxt
		return nil
	}

	ackn := seqnum.Value(pkt.TCP.AckNum)
	if c.state == SynRcvd {
		if !seqspace.Between(c.send.Una-1, ackn, c.send.Nxt.Add(1)) {
			c.log.Debug("unacceptable ACK in SYN_RECEIVED", "ack", uint32(ackn))
			return c.sendReset(w, ackn)
		}
		// the only byte outstanding is the SYN, so it must be acknowledged
		c.setState(Estab, now)
	}

	if seqspace.LessThan(c.send.Nxt, ackn) {
		// acknowledges something not yet sent
		c.ackPending = true
		return c.transmit(w, now)
	}
	if seqspace.Between(c.send.Una-1, ackn, c.send.Nxt.Add(1)) {
		c.send.Una = ackn
		if seqspace.LessThan(c.send.Wl1, seq) || (c.send.Wl1 == seq && seqspace.LessThanEq(c.send.Wl2, ackn)) {
			c.send.Wnd = pkt.TCP.WindowSize
			c.send.Wl1 = seq
			c.send.Wl2 = ackn
		}
	}
	if c.finAcked() {
		switch c.state {
		case FinWait1:
			c.setState(FinWait2, now)
		case Closing:
			c.setState(TimeWait, now)
		}
	}

	// text
	if seqspace.LessThan(seq, c.recv.Nxt) {
		skip := seqspace.Distance(seq, c.recv.Nxt)
		if skip > uint32(len(data)) {
			fin = false
			data = nil
		} else {
			data = data[skip:]
		}
		seq = c.recv.Nxt
	}
	if seq != c.recv.Nxt {
		// no out-of-order queue: ask for the missing bytes
		c.ackPending = true
		return c.transmit(w, now)
	}
	if len(data) > 0 {
		c.ackPending = true
		switch {
		case c.readShut:
			// nobody reads any more; consume and drop
			c.recv.Nxt = c.recv.Nxt.Add(seqnum.Size(len(data)))
		case c.isRcvClosed():
			fin = false
		default:
			n := len(data)
			if free := c.incoming.Free(); n > free {
				n = free
				fin = false
			}
			if n > 0 {
				c.incoming.Write(data[:n])
			}
			c.recv.Nxt = c.recv.Nxt.Add(seqnum.Size(n))
			c.updateRecvWindow()
		}
	}

	if fin {
		switch c.state {
		case FinWait2:
			c.recv.Nxt = c.recv.Nxt.Add(1)
			c.setState(TimeWait, now)
		case FinWait1:
			c.recv.Nxt = c.recv.Nxt.Add(1)
			c.setState(Closing, now)
		case Closing, TimeWait:
			// retransmitted FIN; re-acknowledge it
		default:
			return errors.Wrapf(ErrProtocolViolation, "FIN in state %s", c.state)
		}
		c.ackPending = true
	}

	if c.state == Estab && c.closeOnEstablish {
		c.closeRequested = true
	}
	return c.transmit(w, now)
}

// transmit drains the send queue onto the wire as far as the peer window
// allows, sends the FIN once a requested close has nothing left to send, and
// otherwise emits a bare ACK when one is owed.
func (c *Connection) transmit(w frameWriter, now time.Time) error {
	if c.state == Estab {
		for !c.unacked.IsEmpty() {
			room := int(c.send.Wnd) - c.bytesInFlight()
			if room <= 0 {
				break
			}
			n := c.unacked.Length()
			if n > room {
				n = room
			}
			if n > c.mss() {
				n = c.mss()
			}
			seg := c.segment[:n]
			if _, err := c.unacked.Read(seg); err != nil {
				return errors.Wrap(err, "read send queue")
			}
			c.tcp.Flags |= header.TCPFlagPsh
			if _, err := c.write(w, seg); err != nil {
				return err
			}
		}
		if c.closeRequested && c.unacked.IsEmpty() {
			c.tcp.Flags |= header.TCPFlagFin
			c.setState(FinWait1, now)
			_, err := c.write(w, nil)
			return err
		}
	}
	if c.ackPending {
		_, err := c.write(w, nil)
		return err
	}
	return nil
}

// onTick is the periodic timer hook. It reports whether the connection has
// finished and may leave the table: a released connection after TIME_WAIT,
// or one the peer left hanging for longer than the orphan timeout.
func (c *Connection) onTick(w frameWriter, now time.Time, cfg *Config) bool {
	if !c.released {
		return false
	}
	since := c.stateSince
	if c.releasedAt.After(since) {
		since = c.releasedAt
	}
	switch c.state {
	case TimeWait:
		return now.Sub(c.stateSince) >= cfg.TimeWait
	case FinWait2:
		return now.Sub(since) >= cfg.OrphanTimeout
	default:
		if now.Sub(since) < cfg.OrphanTimeout {
			return false
		}
		c.log.Info("orphaned connection timed out", "state", c.state)
		if err := c.reset(w); err != nil {
			c.log.Warn("reset failed", "err", err)
		}
		return true
	}
}

// release records that no Stream will use the connection again.
func (c *Connection) release(now time.Time) {
	if c.released {
		return
	}
	c.released = true
	c.releasedAt = now
	c.closeRequested = true
	c.readShut = true
	c.incoming.Reset()
	c.updateRecvWindow()
}

// read copies queued bytes into buf and reports whether the receive window
// opened far enough to be worth announcing.
func (c *Connection) read(buf []byte) (int, bool) {
	before := int(c.recv.Wnd)
	n, err := c.incoming.Read(buf)
	if err != nil && n == 0 {
		return 0, false
	}
	c.updateRecvWindow()
	grown := int(c.recv.Wnd) - before
	threshold := c.mss()
	if half := c.incoming.Capacity() / 2; half < threshold {
		threshold = half
	}
	update := before == 0 || grown >= threshold
	if update {
		c.ackPending = true
	}
	return n, update
}
