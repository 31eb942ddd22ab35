//go:build !linux

package tun

import (
	"runtime"
	"time"

	"github.com/pkg/errors"
)

// TUN is only available on Linux.
type TUN struct{}

func Open(cfg Config) (*TUN, error) {
	return nil, errors.Errorf("tun devices are not supported on %s", runtime.GOOS)
}

func (t *TUN) Name() string { return "" }

func (t *TUN) MTU() int { return 0 }

func (t *TUN) ReadPacket(buf []byte, timeout time.Duration) (int, error) {
	return 0, ErrClosed
}

func (t *TUN) WritePacket(pkt []byte) error { return ErrClosed }

func (t *TUN) Close() error { return nil }
