//go:build linux

package tun

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// TUN is a Linux TUN interface opened without packet information headers.
type TUN struct {
	fd   int
	name string
	mtu  int
}

// Open creates (or attaches to) the TUN interface named in cfg.
func Open(cfg Config) (*TUN, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "open /dev/net/tun")
	}
	ifr, err := unix.NewIfreq(cfg.Name)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "interface name %q", cfg.Name)
	}
	ifr.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "TUNSETIFF %s", cfg.Name)
	}

	t := &TUN{fd: fd, name: ifr.Name(), mtu: cfg.mtu()}
	if cfg.Address.IsValid() {
		if err := t.configure(cfg); err != nil {
			unix.Close(fd)
			return nil, err
		}
	}
	return t, nil
}

// configure assigns the address, netmask and MTU and brings the link up.
func (t *TUN) configure(cfg Config) error {
	if !cfg.Address.Addr().Is4() {
		return errors.Errorf("address %s is not IPv4", cfg.Address)
	}
	sock, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return errors.Wrap(err, "control socket")
	}
	defer unix.Close(sock)

	ioctl := func(req uint, set func(*unix.Ifreq) error, what string) error {
		ifr, err := unix.NewIfreq(t.name)
		if err != nil {
			return errors.Wrap(err, what)
		}
		if err := set(ifr); err != nil {
			return errors.Wrap(err, what)
		}
		return errors.Wrapf(unix.IoctlIfreq(sock, req, ifr), "%s on %s", what, t.name)
	}

	addr := cfg.Address.Addr().AsSlice()
	mask := net.CIDRMask(cfg.Address.Bits(), 32)
	if err := ioctl(unix.SIOCSIFADDR, func(ifr *unix.Ifreq) error { return ifr.SetInet4Addr(addr) }, "set address"); err != nil {
		return err
	}
	if err := ioctl(unix.SIOCSIFNETMASK, func(ifr *unix.Ifreq) error { return ifr.SetInet4Addr(mask) }, "set netmask"); err != nil {
		return err
	}
	if err := ioctl(unix.SIOCSIFMTU, func(ifr *unix.Ifreq) error { ifr.SetUint32(uint32(t.mtu)); return nil }, "set mtu"); err != nil {
		return err
	}

	flags, err := unix.NewIfreq(t.name)
	if err != nil {
		return errors.Wrap(err, "get flags")
	}
	if err := unix.IoctlIfreq(sock, unix.SIOCGIFFLAGS, flags); err != nil {
		return errors.Wrapf(err, "get flags on %s", t.name)
	}
	flags.SetUint16(flags.Uint16() | unix.IFF_UP | unix.IFF_RUNNING)
	return errors.Wrapf(unix.IoctlIfreq(sock, unix.SIOCSIFFLAGS, flags), "link up %s", t.name)
}

func (t *TUN) Name() string { return t.name }

func (t *TUN) MTU() int { return t.mtu }

func (t *TUN) ReadPacket(buf []byte, timeout time.Duration) (int, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
		if ms == 0 {
			ms = 1
		}
	}
	fds := []unix.PollFd{{Fd: int32(t.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, ms)
	if err == unix.EINTR || (err == nil && n == 0) {
		return 0, ErrTimeout
	}
	if err != nil {
		return 0, errors.Wrap(err, "poll tun")
	}
	nread, err := unix.Read(t.fd, buf)
	if err == unix.EAGAIN || err == unix.EINTR {
		return 0, ErrTimeout
	}
	if err != nil {
		return 0, errors.Wrap(err, "read tun")
	}
	return nread, nil
}

func (t *TUN) WritePacket(pkt []byte) error {
	_, err := unix.Write(t.fd, pkt)
	return errors.Wrap(err, "write tun")
}

func (t *TUN) Close() error {
	return errors.Wrap(unix.Close(t.fd), "close tun")
}
