// Package utp implements the µTP transport: a reliable, ordered,
// congestion-controlled byte stream delivered over a single UDP 4-tuple.
// It is oblivious to what bytes it carries — the upper layer, UDP
// collaborator, and clock are abstract collaborators injected by the
// caller (spec.md §1, §6).
package utp

import (
	"net"
	"time"
)

// PacketConn is the UDP collaborator contract (spec.md §6): non-blocking
// send, and a source of inbound datagrams. The production implementation
// is udpconn.New (golang.org/x/net/ipv4-backed); tests use simnet.Conn.
type PacketConn interface {
	// WriteTo sends b to addr without blocking the caller on the network;
	// a short write or EWOULDBLOCK-equivalent is reported via err so the
	// engine can requeue the packet (spec.md §5).
	WriteTo(b []byte, addr net.Addr) (int, error)
	// ReadFrom blocks the calling goroutine (the Socket's private reader
	// goroutine) until a datagram arrives.
	ReadFrom(b []byte) (n int, addr net.Addr, err error)
	LocalAddr() net.Addr
	Close() error
}

// Clock is the monotonic microsecond clock collaborator (spec.md §6),
// injected so tests can run without real wall-clock delays.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }

// microseconds converts a time.Time to the 32-bit wrapping microsecond
// timestamp carried on the wire (spec.md §3).
func microseconds(t time.Time) uint32 {
	return uint32(t.UnixMicro())
}
