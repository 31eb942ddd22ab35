// Package seqspace implements comparisons over the 32-bit wrapping TCP
// sequence space (RFC 793 §3.3, RFC 1323 §4).
package seqspace

import "github.com/google/netstack/tcpip/seqnum"

// half is the size of the window in which a value counts as "ahead".
const half = 1 << 31

// LessThan reports whether a comes before b. b is ahead of a when the forward
// distance from a to b is non-zero and smaller than 2^31; a distance of 2^31
// or more is not less, so at most one half of the ring is ever ahead.
func LessThan(a, b seqnum.Value) bool {
	d := uint32(b - a)
	return d != 0 && d < half
}

// LessThanEq reports whether a == b or a comes before b.
func LessThanEq(a, b seqnum.Value) bool {
	return a == b || LessThan(a, b)
}

// Between reports whether x lies strictly inside the open interval
// (start, end) in wrapped order.
func Between(start, x, end seqnum.Value) bool {
	return LessThan(start, x) && LessThan(x, end)
}

// Distance returns the forward distance from a to b.
func Distance(a, b seqnum.Value) uint32 {
	return uint32(b - a)
}
