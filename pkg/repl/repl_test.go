package repl

import (
	"bytes"
	"io"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"TUN-TCP/pkg/iptcp"
	"TUN-TCP/pkg/iptcpstack"
	"TUN-TCP/pkg/tun"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
)

var (
	clientAddr = netip.MustParseAddr("10.0.0.2")
	serverAddr = netip.MustParseAddr("10.0.0.1")
)

// syncBuffer is a bytes.Buffer safe for the accept goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestRepl(t *testing.T) (*Repl, *tun.Channel, *syncBuffer) {
	t.Helper()
	ch := tun.NewChannel(1500, 64)
	ih := iptcpstack.NewInterface(ch, iptcpstack.Config{
		ISS:    func() uint32 { return 0 },
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	out := &syncBuffer{}
	r := New(ih, out)
	t.Cleanup(func() {
		r.Close()
		ih.Close()
	})
	return r, ch, out
}

func inject(t *testing.T, ch *tun.Channel, seq, ack uint32, flags uint8, payload []byte) {
	t.Helper()
	tcp := header.TCPFields{SrcPort: 5555, DstPort: 9000, SeqNum: seq, AckNum: ack, Flags: flags, WindowSize: 65535}
	frame, _, err := iptcp.Marshal(make([]byte, 1500), iptcp.NewIPv4Header(clientAddr, serverAddr), &tcp, payload)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	ch.Inject(frame)
}

func outbound(t *testing.T, ch *tun.Channel) *iptcp.Packet {
	t.Helper()
	select {
	case frame := <-ch.Outbound():
		pkt, err := iptcp.Parse(frame)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		return pkt
	case <-time.After(2 * time.Second):
		t.Fatalf("no outbound segment")
		return nil
	}
}

func waitOutput(t *testing.T, out *syncBuffer, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(out.String(), want) {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("output never contained %q:\n%s", want, out.String())
}

func TestCommandErrors(t *testing.T) {
	r, _, _ := newTestRepl(t)

	tests := []struct {
		line string
		want string
	}{
		{"bogus", "unknown command"},
		{"a", "usage: a"},
		{"a notaport", "bad port"},
		{"s 1", "usage: s"},
		{"r 1 x", "bad byte count"},
		{"cl 42", "unknown socket id"},
		{"sd 1 sideways", "unknown socket id"},
	}
	for _, tc := range tests {
		err := r.Execute(tc.line)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%q: err = %v, want %q", tc.line, err, tc.want)
		}
	}
	if err := r.Execute(""); err != nil {
		t.Errorf("empty line: %v", err)
	}
}

func TestListenTwice(t *testing.T) {
	r, _, out := newTestRepl(t)
	if err := r.Execute("a 9000"); err != nil {
		t.Fatalf("a 9000: %v", err)
	}
	if err := r.Execute("a 9000"); !errors.Is(err, iptcpstack.ErrAddrInUse) {
		t.Fatalf("second listen: %v", err)
	}
	r.Execute("ls")
	if !strings.Contains(out.String(), "LISTEN (0 pending)") {
		t.Fatalf("ls output:\n%s", out.String())
	}
}

func TestSessionOverChannel(t *testing.T) {
	r, ch, out := newTestRepl(t)

	if err := r.Execute("a 9000"); err != nil {
		t.Fatalf("a 9000: %v", err)
	}
	inject(t, ch, 100, 0, header.TCPFlagSyn, nil)
	outbound(t, ch)
	inject(t, ch, 101, 1, header.TCPFlagAck, nil)
	waitOutput(t, out, "created new socket 1")

	if err := r.Execute("s 1 hi there"); err != nil {
		t.Fatalf("send: %v", err)
	}
	seg := outbound(t, ch)
	if string(seg.Payload) != "hi there" {
		t.Fatalf("payload %q", seg.Payload)
	}

	inject(t, ch, 101, 9, header.TCPFlagAck|header.TCPFlagPsh, []byte("pong"))
	if err := r.Execute("r 1 10"); err != nil {
		t.Fatalf("read: %v", err)
	}
	waitOutput(t, out, "Read 4 bytes: pong")

	r.Execute("ls")
	waitOutput(t, out, "ESTABLISHED")

	if err := r.Execute("sd 1 write"); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	for {
		if pkt := outbound(t, ch); pkt.HasFlag(header.TCPFlagFin) {
			break
		}
	}
	if err := r.Execute("cl 1"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := r.Execute("r 1 10"); !errors.Is(err, ErrUnknownSocket) {
		t.Fatalf("read after close: %v", err)
	}
}

func TestRunStopsOnExit(t *testing.T) {
	r, _, out := newTestRepl(t)
	if err := r.Run(strings.NewReader("help\nexit\nls\n")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out.String(), "Commands:") || strings.Contains(out.String(), "SID") {
		t.Fatalf("output:\n%s", out.String())
	}
}
