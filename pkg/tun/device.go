// Package tun provides the raw IP frame devices the TCP stack runs on: a Linux
// TUN interface, an in-memory channel for tests and embedding, and a pcap tap.
package tun

import (
	"net/netip"
	"time"

	"github.com/pkg/errors"
)

const DefaultMTU = 1500

var (
	// ErrTimeout is returned by ReadPacket when no frame arrived in time.
	ErrTimeout = errors.New("tun: read timeout")
	ErrClosed  = errors.New("tun: device closed")
)

// Device moves whole IP datagrams with no link-layer framing.
type Device interface {
	// ReadPacket waits at most timeout for the next frame and copies it into
	// buf. A negative timeout waits forever.
	ReadPacket(buf []byte, timeout time.Duration) (int, error)
	WritePacket(pkt []byte) error
	MTU() int
	Close() error
}

// Config describes the TUN interface to create.
type Config struct {
	Name string
	MTU  int
	// Address, when valid, is assigned to the interface and the link is
	// brought up. Leave it zero when the interface is configured externally.
	Address netip.Prefix
}

func (c Config) mtu() int {
	if c.MTU <= 0 {
		return DefaultMTU
	}
	return c.MTU
}
