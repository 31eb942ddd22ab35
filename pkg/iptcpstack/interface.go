package iptcpstack

import (
	"log/slog"
	"sync"
	"time"

	"TUN-TCP/pkg/iptcp"
	"TUN-TCP/pkg/tun"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Interface runs a TCP stack over one device. A single worker goroutine owns
// the device; applications talk to it through Listeners and Streams, which
// share the manager under one mutex and wait on two conditions: pendingReady
// for new connections and dataReady for readable, writable, or flushed
// streams.
type Interface struct {
	mu           sync.Mutex
	manager      *ConnectionManager
	pendingReady *sync.Cond
	dataReady    *sync.Cond

	dev tun.Device
	mtu int
	cfg Config
	log *slog.Logger

	group     errgroup.Group
	closeOnce sync.Once
	closeErr  error
}

// NewInterface starts the packet loop on dev. The Interface owns dev from
// here on and closes it in Close.
func NewInterface(dev tun.Device, cfg Config) *Interface {
	cfg = cfg.withDefaults()
	ih := &Interface{
		manager: newConnectionManager(),
		dev:     dev,
		mtu:     dev.MTU(),
		cfg:     cfg,
		log:     cfg.Logger,
	}
	if ih.mtu <= 0 {
		ih.mtu = tun.DefaultMTU
	}
	ih.pendingReady = sync.NewCond(&ih.mu)
	ih.dataReady = sync.NewCond(&ih.mu)

	ih.group.Go(ih.packetLoop)
	return ih
}

// Start opens a TUN device and runs an Interface on it. A non-empty
// capturePath records every frame into a pcap file there.
func Start(devCfg tun.Config, capturePath string, cfg Config) (*Interface, error) {
	cfg = cfg.withDefaults()
	t, err := tun.Open(devCfg)
	if err != nil {
		return nil, errors.Wrapf(err, "open tun %s", devCfg.Name)
	}
	cfg.Logger.Info("tun device up", "name", t.Name(), "mtu", t.MTU(), "address", devCfg.Address)

	ih, err := startOn(t, capturePath, cfg)
	if err != nil {
		t.Close()
		return nil, err
	}
	return ih, nil
}

func startOn(dev tun.Device, capturePath string, cfg Config) (*Interface, error) {
	if capturePath != "" {
		c, err := tun.NewFileCapture(dev, capturePath)
		if err != nil {
			return nil, err
		}
		dev = c
	}
	return NewInterface(dev, cfg), nil
}

// Close stops the worker, wakes every blocked caller with
// ErrInterfaceClosed and closes the device. It returns the error that
// stopped the worker, if any.
func (ih *Interface) Close() error {
	ih.closeOnce.Do(func() {
		ih.shutdown()
		err := ih.group.Wait()
		if cerr := ih.dev.Close(); err == nil && cerr != nil {
			err = errors.Wrap(cerr, "close device")
		}
		ih.closeErr = err
	})
	return ih.closeErr
}

func (ih *Interface) shutdown() {
	ih.mu.Lock()
	ih.manager.terminate = true
	ih.pendingReady.Broadcast()
	ih.dataReady.Broadcast()
	ih.mu.Unlock()
}

// Bind claims a port and returns its Listener.
func (ih *Interface) Bind(port uint16) (*Listener, error) {
	ih.mu.Lock()
	defer ih.mu.Unlock()

	if ih.manager.terminate {
		return nil, ErrInterfaceClosed
	}
	if !ih.manager.bind(port) {
		return nil, errors.Wrapf(ErrAddrInUse, "port %d", port)
	}
	ih.log.Info("listening", "port", port)
	return &Listener{port: port, ih: ih}, nil
}

func (ih *Interface) packetLoop() error {
	defer ih.shutdown()

	buf := make([]byte, ih.mtu)
	for {
		ih.mu.Lock()
		if ih.manager.terminate {
			ih.mu.Unlock()
			return nil
		}
		ih.flushDirty()
		ih.mu.Unlock()

		n, err := ih.dev.ReadPacket(buf, ih.cfg.PollTimeout)
		if errors.Is(err, tun.ErrTimeout) {
			ih.tick(time.Now())
			continue
		}
		if err != nil {
			ih.mu.Lock()
			stopping := ih.manager.terminate
			ih.mu.Unlock()
			if stopping {
				return nil
			}
			ih.log.Error("device read failed", "err", err)
			return errors.Wrap(err, "read frame")
		}
		ih.handleFrame(buf[:n])
	}
}

func (ih *Interface) handleFrame(frame []byte) {
	pkt, err := iptcp.Parse(frame)
	if err != nil {
		ih.log.Debug("dropping frame", "err", err)
		return
	}
	q := Quad{
		LocalAddr:  pkt.Dst,
		LocalPort:  pkt.TCP.DstPort,
		RemoteAddr: pkt.Src,
		RemotePort: pkt.TCP.SrcPort,
	}
	now := time.Now()

	ih.mu.Lock()
	defer ih.mu.Unlock()
	cm := ih.manager

	if c, ok := cm.connections[q]; ok {
		if c.aborted {
			ih.abort(q, c)
			return
		}
		before := c.availability()
		if err := c.onSegment(ih.dev, pkt, now); err != nil {
			ih.segmentFailed(c, err)
		}
		ih.settle(q, c, before)
		return
	}

	if _, ok := cm.pending[q.LocalPort]; !ok {
		ih.log.Debug("no listener, sending reset", "quad", q.String())
		if err := sendResetFor(ih.dev, pkt, ih.mtu); err != nil {
			ih.log.Warn("reset failed", "quad", q.String(), "err", err)
		}
		return
	}
	c, err := accept(ih.dev, pkt, &ih.cfg, ih.mtu, now)
	if err != nil {
		ih.log.Warn("handshake reply failed", "quad", q.String(), "err", err)
	}
	if c == nil {
		return
	}
	cm.enqueue(q, c)
	ih.pendingReady.Broadcast()
}

func (ih *Interface) segmentFailed(c *Connection, err error) {
	if errors.Is(err, ErrProtocolViolation) {
		c.log.Warn("resetting connection", "err", err)
		if rerr := c.reset(ih.dev); rerr != nil {
			c.log.Warn("reset failed", "err", rerr)
		}
		return
	}
	c.log.Warn("segment handling failed", "err", err)
}

// settle removes a finished connection or wakes data waiters when a
// readiness bit came up. Called with the lock held.
func (ih *Interface) settle(q Quad, c *Connection, before Available) {
	if c.dead {
		ih.manager.remove(q)
		ih.dataReady.Broadcast()
		return
	}
	if c.availability()&^before != 0 {
		ih.dataReady.Broadcast()
	}
}

func (ih *Interface) abort(q Quad, c *Connection) {
	c.log.Info("aborting connection")
	if err := c.reset(ih.dev); err != nil {
		c.log.Warn("reset failed", "err", err)
	}
	ih.settle(q, c, c.availability())
}

// flushDirty sends what applications queued since the last pass. Called
// with the lock held.
func (ih *Interface) flushDirty() {
	cm := ih.manager
	if len(cm.dirty) == 0 {
		return
	}
	now := time.Now()
	for q := range cm.dirty {
		delete(cm.dirty, q)
		c, ok := cm.connections[q]
		if !ok {
			continue
		}
		if c.aborted {
			ih.abort(q, c)
			continue
		}
		before := c.availability()
		if err := c.transmit(ih.dev, now); err != nil {
			ih.segmentFailed(c, err)
		}
		ih.settle(q, c, before)
	}
}

func (ih *Interface) tick(now time.Time) {
	ih.mu.Lock()
	defer ih.mu.Unlock()

	for q, c := range ih.manager.connections {
		if c.onTick(ih.dev, now, &ih.cfg) {
			c.log.Debug("connection finished", "state", c.state)
			ih.manager.remove(q)
			ih.dataReady.Broadcast()
		}
	}
}
