package iptcpstack

import (
	"net/netip"
	"sort"
)

// Quad identifies a connection by both endpoints.
type Quad struct {
	LocalAddr  netip.Addr
	LocalPort  uint16
	RemoteAddr netip.Addr
	RemotePort uint16
}

func (q Quad) String() string {
	return netip.AddrPortFrom(q.LocalAddr, q.LocalPort).String() + " <- " +
		netip.AddrPortFrom(q.RemoteAddr, q.RemotePort).String()
}

// ConnectionManager is the shared state behind an Interface. Every field is
// guarded by the Interface lock.
type ConnectionManager struct {
	terminate   bool
	connections map[Quad]*Connection
	// pending holds, per bound port, connections not yet handed to Accept,
	// oldest first.
	pending map[uint16][]Quad
	// dirty connections have application output for the worker to send.
	dirty map[Quad]struct{}
}

func newConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[Quad]*Connection),
		pending:     make(map[uint16][]Quad),
		dirty:       make(map[Quad]struct{}),
	}
}

func (cm *ConnectionManager) bind(port uint16) bool {
	if _, ok := cm.pending[port]; ok {
		return false
	}
	cm.pending[port] = nil
	return true
}

// unbind removes a port's backlog and returns what was still queued.
func (cm *ConnectionManager) unbind(port uint16) ([]Quad, bool) {
	queued, ok := cm.pending[port]
	if !ok {
		return nil, false
	}
	delete(cm.pending, port)
	return queued, true
}

func (cm *ConnectionManager) enqueue(q Quad, c *Connection) {
	cm.connections[q] = c
	cm.pending[q.LocalPort] = append(cm.pending[q.LocalPort], q)
}

// popPending takes the oldest queued connection for a port. bound is false
// once the port's backlog is gone.
func (cm *ConnectionManager) popPending(port uint16) (q Quad, ok bool, bound bool) {
	queued, bound := cm.pending[port]
	if !bound {
		return Quad{}, false, false
	}
	if len(queued) == 0 {
		return Quad{}, false, true
	}
	q = queued[0]
	cm.pending[port] = queued[1:]
	return q, true, true
}

// remove drops a connection and every reference to it.
func (cm *ConnectionManager) remove(q Quad) {
	delete(cm.connections, q)
	delete(cm.dirty, q)
	queued, ok := cm.pending[q.LocalPort]
	if !ok {
		return
	}
	for i, p := range queued {
		if p == q {
			cm.pending[q.LocalPort] = append(queued[:i:i], queued[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) markDirty(q Quad) {
	cm.dirty[q] = struct{}{}
}

func (cm *ConnectionManager) ports() []uint16 {
	ports := make([]uint16, 0, len(cm.pending))
	for p := range cm.pending {
		ports = append(ports, p)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return ports
}
