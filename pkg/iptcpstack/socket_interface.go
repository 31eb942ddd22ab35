package iptcpstack

import (
	"sort"
)

// ListenerInfo describes one bound port.
type ListenerInfo struct {
	Port    uint16
	Pending int
}

// SocketInfo is a point-in-time view of one connection.
type SocketInfo struct {
	Quad     Quad
	State    State
	Send     SendSequenceSpace
	Recv     RecvSequenceSpace
	Incoming int
	Queued   int
	InFlight int
	Released bool
}

// Snapshot is the socket table at one instant.
type Snapshot struct {
	Listeners []ListenerInfo
	Sockets   []SocketInfo
}

// Snapshot copies the socket table, listeners by port and connections by
// local then remote endpoint.
func (ih *Interface) Snapshot() Snapshot {
	ih.mu.Lock()
	defer ih.mu.Unlock()

	cm := ih.manager
	var snap Snapshot
	for _, port := range cm.ports() {
		snap.Listeners = append(snap.Listeners, ListenerInfo{Port: port, Pending: len(cm.pending[port])})
	}
	for q, c := range cm.connections {
		snap.Sockets = append(snap.Sockets, SocketInfo{
			Quad:     q,
			State:    c.state,
			Send:     c.send,
			Recv:     c.recv,
			Incoming: c.incoming.Length(),
			Queued:   c.unacked.Length(),
			InFlight: c.bytesInFlight(),
			Released: c.released,
		})
	}
	sort.Slice(snap.Sockets, func(i, j int) bool {
		a, b := snap.Sockets[i].Quad, snap.Sockets[j].Quad
		if a.LocalPort != b.LocalPort {
			return a.LocalPort < b.LocalPort
		}
		if c := a.RemoteAddr.Compare(b.RemoteAddr); c != 0 {
			return c < 0
		}
		return a.RemotePort < b.RemotePort
	})
	return snap
}
