// Package iptcp parses and builds the IPv4+TCP frames carried over the tunnel.
//
// TCP headers go through the netstack header package; the IPv4 header is the
// x/net/ipv4 value type.
package iptcp

import (
	"encoding/binary"
	"net"
	"net/netip"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
)

const (
	IpProtoTcp         = 6
	TcpHeaderLen       = header.TCPMinimumSize
	TcpPseudoHeaderLen = 12
	IPv4HeaderLen      = ipv4.HeaderLen
	DefaultTTL         = 64
)

// ErrMalformed marks a frame that cannot be parsed as IPv4+TCP.
var ErrMalformed = errors.New("malformed frame")

// ErrNotTCP marks a well formed IPv4 frame carrying another protocol.
var ErrNotTCP = errors.New("not a tcp frame")

// Packet is a parsed inbound frame. Payload aliases the frame buffer.
type Packet struct {
	Src     netip.Addr
	Dst     netip.Addr
	TCP     header.TCPFields
	Payload []byte
}

func (p *Packet) HasFlag(flag uint8) bool {
	return p.TCP.Flags&flag != 0
}

// Parse validates and decodes one IPv4 datagram holding a TCP segment.
func Parse(frame []byte) (*Packet, error) {
	if len(frame) < IPv4HeaderLen {
		return nil, errors.Wrapf(ErrMalformed, "frame too short: %d bytes", len(frame))
	}
	if v := frame[0] >> 4; v != ipv4.Version {
		return nil, errors.Wrapf(ErrMalformed, "ip version %d", v)
	}
	hdr, err := ipv4.ParseHeader(frame)
	if err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	if hdr.Len < IPv4HeaderLen || hdr.TotalLen < hdr.Len || hdr.TotalLen > len(frame) {
		return nil, errors.Wrapf(ErrMalformed, "ip total length %d, frame %d", hdr.TotalLen, len(frame))
	}
	if ComputeChecksum(frame[:hdr.Len]) != 0 {
		return nil, errors.Wrap(ErrMalformed, "bad ip header checksum")
	}
	if hdr.Protocol != IpProtoTcp {
		return nil, errors.Wrapf(ErrNotTCP, "protocol %d", hdr.Protocol)
	}

	src, ok := netip.AddrFromSlice(hdr.Src.To4())
	if !ok {
		return nil, errors.Wrap(ErrMalformed, "bad source address")
	}
	dst, ok := netip.AddrFromSlice(hdr.Dst.To4())
	if !ok {
		return nil, errors.Wrap(ErrMalformed, "bad destination address")
	}

	segment := frame[hdr.Len:hdr.TotalLen]
	tcpHdr, err := ParseTCPHeader(segment)
	if err != nil {
		return nil, err
	}
	payload := segment[tcpHdr.DataOffset:]

	if sum := ComputeTCPChecksum(segment[:tcpHdr.DataOffset], src, dst, payload); sum != tcpHdr.Checksum {
		return nil, errors.Wrapf(ErrMalformed, "bad tcp checksum %#04x, want %#04x", tcpHdr.Checksum, sum)
	}

	return &Packet{
		Src:     src,
		Dst:     dst,
		TCP:     tcpHdr,
		Payload: payload,
	}, nil
}

// ParseTCPHeader decodes a TCP header view into its fields.
func ParseTCPHeader(b []byte) (header.TCPFields, error) {
	if len(b) < TcpHeaderLen {
		return header.TCPFields{}, errors.Wrapf(ErrMalformed, "tcp header too short: %d bytes", len(b))
	}
	td := header.TCP(b)
	off := td.DataOffset()
	if int(off) < TcpHeaderLen || int(off) > len(b) {
		return header.TCPFields{}, errors.Wrapf(ErrMalformed, "tcp data offset %d", off)
	}
	return header.TCPFields{
		SrcPort:    td.SourcePort(),
		DstPort:    td.DestinationPort(),
		SeqNum:     td.SequenceNumber(),
		AckNum:     td.AckNumber(),
		DataOffset: off,
		Flags:      td.Flags(),
		WindowSize: td.WindowSize(),
		Checksum:   td.Checksum(),
	}, nil
}

// NewIPv4Header returns the header template for frames from src to dst.
func NewIPv4Header(src, dst netip.Addr) *ipv4.Header {
	return &ipv4.Header{
		Version:  ipv4.Version,
		Len:      IPv4HeaderLen,
		TTL:      DefaultTTL,
		Protocol: IpProtoTcp,
		Src:      net.IP(src.AsSlice()),
		Dst:      net.IP(dst.AsSlice()),
	}
}

// Marshal writes an IPv4+TCP frame into buf and returns the frame and the
// number of payload bytes that fit. The frame never exceeds len(buf), so a
// buffer sized to the device MTU clamps the payload. Both checksums are
// computed; tcp.Checksum and ip.TotalLen are overwritten.
func Marshal(buf []byte, ip *ipv4.Header, tcp *header.TCPFields, payload []byte) ([]byte, int, error) {
	headers := IPv4HeaderLen + TcpHeaderLen
	if len(buf) < headers {
		return nil, 0, errors.Errorf("buffer of %d bytes cannot hold headers", len(buf))
	}
	n := len(payload)
	if n > len(buf)-headers {
		n = len(buf) - headers
	}
	payload = payload[:n]

	ip.Len = IPv4HeaderLen
	ip.TotalLen = headers + n
	ip.Checksum = 0
	ipBytes, err := ip.Marshal()
	if err != nil {
		return nil, 0, errors.Wrap(err, "marshal ipv4 header")
	}
	binary.BigEndian.PutUint16(ipBytes[10:12], ComputeChecksum(ipBytes))
	copy(buf, ipBytes)

	src, _ := netip.AddrFromSlice(ip.Src.To4())
	dst, _ := netip.AddrFromSlice(ip.Dst.To4())
	tcp.DataOffset = TcpHeaderLen
	tcp.Checksum = 0
	tcpBytes := header.TCP(buf[IPv4HeaderLen:headers])
	tcpBytes.Encode(tcp)
	tcp.Checksum = ComputeTCPChecksum(tcpBytes, src, dst, payload)
	tcpBytes.SetChecksum(tcp.Checksum)

	copy(buf[headers:], payload)
	return buf[:headers+n], n, nil
}

// ComputeChecksum returns the internet checksum of b; a header that already
// carries a correct checksum yields zero.
func ComputeChecksum(b []byte) uint16 {
	return header.Checksum(b, 0) ^ 0xffff
}

// ComputeTCPChecksum computes the TCP checksum over the IPv4 pseudo header,
// the encoded TCP header and the payload. The header's own checksum field is
// left out of the sum.
func ComputeTCPChecksum(tcpHdr []byte, src, dst netip.Addr, payload []byte) uint16 {
	pseudo := make([]byte, TcpPseudoHeaderLen)
	copy(pseudo[0:4], src.AsSlice())
	copy(pseudo[4:8], dst.AsSlice())
	pseudo[9] = IpProtoTcp
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(tcpHdr)+len(payload)))

	// header.Checksum carries the running sum through its initial argument.
	sum := header.Checksum(pseudo, 0)
	sum = header.Checksum(tcpHdr[:16], sum)
	sum = header.Checksum(tcpHdr[18:], sum)
	sum = header.Checksum(payload, sum)
	return sum ^ 0xffff
}
