// Package simnet is an in-memory UDP fabric for µTP testing: a shared
// Network of simnet.Conn endpoints that model bandwidth, latency, jitter,
// loss, reordering, and a send-size cap, so the transport's
// retransmission, SACK, LEDBAT backoff, and path-MTU discovery logic can be
// exercised end to end without a real socket. Loss/reorder/jitter decisions
// come from a seeded generator; delivery is scheduled with real timers.
// Grounded on the teacher's in-process "virtual network" test harness
// shape (source/server tests drive the RakNet session machinery through a
// fake transport rather than a live UDP socket).
package simnet

import (
	"math/rand"
	"net"
	"sync"
	"time"
)

// Addr is a simnet endpoint address, identified by name rather than IP:port.
type Addr string

// Network returns a string; required by net.Addr.
func (a Addr) Network() string { return "simnet" }
func (a Addr) String() string  { return string(a) }

// Link describes one direction's impairment profile between two endpoints.
type Link struct {
	// BandwidthBytesPerSec caps sustained throughput; 0 means unlimited.
	BandwidthBytesPerSec int
	// Latency is the fixed one-way propagation delay.
	Latency time.Duration
	// Jitter is added uniformly in [0, Jitter) on top of Latency.
	Jitter time.Duration
	// LossProbability drops a datagram outright before delivery, in [0,1].
	LossProbability float64
	// ReorderProbability delays a datagram by an extra random amount
	// instead of delivering it immediately, modeling reordering.
	ReorderProbability float64
	// ReorderExtra is the extra delay applied when a datagram is reordered.
	ReorderExtra time.Duration
}

// defaultLink is lossless, reorder-free, and delay-free.
func defaultLink() Link { return Link{} }

// Network is a shared, in-memory packet-switched fabric. Time is driven by
// whatever Clock the caller wires into each utp.Socket — simnet schedules
// delivery with real timers, so tests that want determinism should use a
// small, bounded wall-clock budget rather than relying on simnet itself to
// be virtual time.
type Network struct {
	mu    sync.Mutex
	conns map[Addr]*Conn
	links map[[2]Addr]Link
	rng   *rand.Rand
}

// NewNetwork creates an empty fabric. seed controls the deterministic
// pseudo-random loss/reorder/jitter decisions.
func NewNetwork(seed int64) *Network {
	return &Network{
		conns: make(map[Addr]*Conn),
		links: make(map[[2]Addr]Link),
		rng:   rand.New(rand.NewSource(seed)),
	}
}

// SetLink installs an impairment profile for datagrams sent from -> to.
// Unset pairs use defaultLink (no impairment).
func (n *Network) SetLink(from, to Addr, l Link) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.links[[2]Addr{from, to}] = l
}

func (n *Network) linkFor(from, to Addr) Link {
	n.mu.Lock()
	defer n.mu.Unlock()
	if l, ok := n.links[[2]Addr{from, to}]; ok {
		return l
	}
	return defaultLink()
}

// Conn implements utp.PacketConn against the shared Network.
func (n *Network) Conn(addr Addr, opts ...Option) *Conn {
	c := &Conn{
		net:       n,
		addr:      addr,
		inbox:     make(chan datagram, 1024),
		sendBufCap: 256 << 10,
		closed:    make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	n.mu.Lock()
	n.conns[addr] = c
	n.mu.Unlock()
	return c
}

// Option configures a Conn at construction.
type Option func(*Conn)

// WithSendBufferCap bounds the endpoint's simulated kernel send buffer in
// bytes; WriteTo reports a short write once in-flight bytes would exceed
// it. A datagram counts as in flight only until its own WriteTo call
// returns, not until it is delivered, so the cap rejects a datagram larger
// than the cap or one that overlaps concurrent WriteTo calls.
func WithSendBufferCap(n int) Option {
	return func(c *Conn) { c.sendBufCap = n }
}

type datagram struct {
	data []byte
	from net.Addr
}

// Conn is one endpoint on a Network.
type Conn struct {
	net  *Network
	addr Addr

	inbox chan datagram

	mu         sync.Mutex
	inFlight   int
	sendBufCap int

	closeOnce sync.Once
	closed    chan struct{}
}

// WriteTo queues b for delivery to addr's inbox, subject to the target
// link's loss/latency/jitter/reorder profile and this endpoint's bounded
// send buffer.
func (c *Conn) WriteTo(b []byte, addr net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}

	dst, ok := addr.(Addr)
	if !ok {
		dst = Addr(addr.String())
	}

	c.mu.Lock()
	if c.inFlight+len(b) > c.sendBufCap {
		c.mu.Unlock()
		return 0, errShortWrite
	}
	c.inFlight += len(b)
	c.mu.Unlock()

	link := c.net.linkFor(c.addr, dst)

	c.net.mu.Lock()
	roll := c.net.rng.Float64()
	reorderRoll := c.net.rng.Float64()
	jitter := time.Duration(0)
	if link.Jitter > 0 {
		jitter = time.Duration(c.net.rng.Int63n(int64(link.Jitter)))
	}
	dstConn := c.net.conns[dst]
	c.net.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inFlight -= len(b)
		c.mu.Unlock()
	}()

	if dstConn == nil {
		return len(b), nil // no such endpoint: datagram vanishes, as on a real network
	}
	if roll < link.LossProbability {
		return len(b), nil
	}

	delay := link.Latency + jitter
	if reorderRoll < link.ReorderProbability {
		delay += link.ReorderExtra
	}
	if link.BandwidthBytesPerSec > 0 {
		delay += time.Duration(float64(len(b)) / float64(link.BandwidthBytesPerSec) * float64(time.Second))
	}

	cp := make([]byte, len(b))
	copy(cp, b)
	dg := datagram{data: cp, from: c.addr}

	if delay <= 0 {
		select {
		case dstConn.inbox <- dg:
		case <-dstConn.closed:
		}
		return len(b), nil
	}

	time.AfterFunc(delay, func() {
		select {
		case dstConn.inbox <- dg:
		case <-dstConn.closed:
		}
	})
	return len(b), nil
}

// ReadFrom blocks until a datagram arrives or the endpoint is closed.
func (c *Conn) ReadFrom(b []byte) (int, net.Addr, error) {
	select {
	case dg := <-c.inbox:
		n := copy(b, dg.data)
		return n, dg.from, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

// LocalAddr returns this endpoint's simnet address.
func (c *Conn) LocalAddr() net.Addr { return c.addr }

// Close removes the endpoint from the network and unblocks ReadFrom.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.net.mu.Lock()
		delete(c.net.conns, c.addr)
		c.net.mu.Unlock()
	})
	return nil
}

type shortWriteError struct{}

func (shortWriteError) Error() string { return "simnet: send buffer full" }

var errShortWrite = shortWriteError{}
