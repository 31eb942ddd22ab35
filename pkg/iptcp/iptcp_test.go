package iptcp

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
)

var (
	clientAddr = netip.MustParseAddr("192.168.0.2")
	serverAddr = netip.MustParseAddr("192.168.0.1")
)

func buildFrame(t *testing.T, payload []byte) []byte {
	t.Helper()
	tcp := header.TCPFields{
		SrcPort:    40000,
		DstPort:    9000,
		SeqNum:     1000,
		AckNum:     7,
		Flags:      header.TCPFlagAck | header.TCPFlagPsh,
		WindowSize: 4096,
	}
	frame, n, err := Marshal(make([]byte, 1500), NewIPv4Header(clientAddr, serverAddr), &tcp, payload)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("Marshal wrote %d payload bytes, want %d", n, len(payload))
	}
	return frame
}

func TestMarshalParseRoundTrip(t *testing.T) {
	payload := []byte("hello, odd length")
	frame := buildFrame(t, payload)
	if len(frame) != IPv4HeaderLen+TcpHeaderLen+len(payload) {
		t.Fatalf("frame length = %d", len(frame))
	}

	pkt, err := Parse(frame)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if pkt.Src != clientAddr || pkt.Dst != serverAddr {
		t.Errorf("addresses = %v -> %v", pkt.Src, pkt.Dst)
	}
	if pkt.TCP.SrcPort != 40000 || pkt.TCP.DstPort != 9000 {
		t.Errorf("ports = %d -> %d", pkt.TCP.SrcPort, pkt.TCP.DstPort)
	}
	if pkt.TCP.SeqNum != 1000 || pkt.TCP.AckNum != 7 {
		t.Errorf("seq/ack = %d/%d", pkt.TCP.SeqNum, pkt.TCP.AckNum)
	}
	if !pkt.HasFlag(header.TCPFlagAck) || !pkt.HasFlag(header.TCPFlagPsh) || pkt.HasFlag(header.TCPFlagSyn) {
		t.Errorf("flags = %#x", pkt.TCP.Flags)
	}
	if pkt.TCP.WindowSize != 4096 {
		t.Errorf("window = %d", pkt.TCP.WindowSize)
	}
	if !bytes.Equal(pkt.Payload, payload) {
		t.Errorf("payload = %q", pkt.Payload)
	}
}

func TestMarshalClampsToBuffer(t *testing.T) {
	tcp := header.TCPFields{SrcPort: 1, DstPort: 2, Flags: header.TCPFlagAck}
	buf := make([]byte, IPv4HeaderLen+TcpHeaderLen+10)
	frame, n, err := Marshal(buf, NewIPv4Header(serverAddr, clientAddr), &tcp, make([]byte, 100))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if n != 10 || len(frame) != len(buf) {
		t.Fatalf("n = %d, frame = %d bytes", n, len(frame))
	}
	if _, err := Parse(frame); err != nil {
		t.Fatalf("clamped frame does not parse: %v", err)
	}
}

func TestParseRejects(t *testing.T) {
	good := buildFrame(t, []byte("data"))

	tests := []struct {
		name   string
		mutate func([]byte) []byte
		want   error
	}{
		{"short", func(b []byte) []byte { return b[:10] }, ErrMalformed},
		{"ipv6", func(b []byte) []byte { b[0] = 0x65; return b }, ErrMalformed},
		{"ip checksum", func(b []byte) []byte { b[8]--; return b }, ErrMalformed},
		{"tcp checksum", func(b []byte) []byte { b[len(b)-1] ^= 0xff; return b }, ErrMalformed},
		{"truncated", func(b []byte) []byte { return b[:len(b)-2] }, ErrMalformed},
		{"udp", func(b []byte) []byte {
			b[9] = 17
			b[10], b[11] = 0, 0
			sum := ComputeChecksum(b[:IPv4HeaderLen])
			b[10], b[11] = byte(sum>>8), byte(sum)
			return b
		}, ErrNotTCP},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			frame := tc.mutate(append([]byte(nil), good...))
			_, err := Parse(frame)
			if !errors.Is(err, tc.want) {
				t.Fatalf("Parse error = %v, want %v", err, tc.want)
			}
		})
	}
}
