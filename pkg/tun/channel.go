package tun

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrQueueFull is returned by WritePacket when nobody drains the outbound side.
var ErrQueueFull = errors.New("tun: outbound queue full")

// Channel is an in-memory Device. Frames given to Inject are read by the
// stack; frames the stack writes appear on Outbound.
type Channel struct {
	mtu    int
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

// NewChannel returns a Channel buffering up to size frames in each direction.
func NewChannel(mtu, size int) *Channel {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return &Channel{
		mtu:    mtu,
		in:     make(chan []byte, size),
		out:    make(chan []byte, size),
		closed: make(chan struct{}),
	}
}

func (c *Channel) MTU() int { return c.mtu }

// Inject queues a frame for the stack to read. The frame is copied.
func (c *Channel) Inject(frame []byte) error {
	frame = append([]byte(nil), frame...)
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	select {
	case c.in <- frame:
		return nil
	case <-c.closed:
		return ErrClosed
	}
}

// Outbound yields the frames written by the stack.
func (c *Channel) Outbound() <-chan []byte {
	return c.out
}

func (c *Channel) ReadPacket(buf []byte, timeout time.Duration) (int, error) {
	var expired <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case frame := <-c.in:
		return copy(buf, frame), nil
	case <-expired:
		return 0, ErrTimeout
	case <-c.closed:
		return 0, ErrClosed
	}
}

func (c *Channel) WritePacket(pkt []byte) error {
	frame := append([]byte(nil), pkt...)
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	select {
	case c.out <- frame:
		return nil
	default:
		return ErrQueueFull
	}
}

func (c *Channel) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}
