// Package udpconn is the production utp.PacketConn implementation: a
// *net.UDPConn wrapped in golang.org/x/net/ipv4.NewPacketConn the way
// kcp-go's sess.go wraps its socket, so the engine can set IP_TOS (for
// congestion-experienced marking hints) and grow its kernel send buffer
// adaptively (SPEC_FULL.md supplement #1) instead of being stuck with a
// bare net.UDPConn.
package udpconn

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"

	"github.com/go-utp/utp/config"
)

// maxSendBuffer bounds how far DynamicSendBuffer will grow SO_SNDBUF.
const maxSendBuffer = 8 << 20

// resendWindow is the sliding window over which short-write/resend events
// are counted to decide whether to grow the send buffer.
const resendWindow = 5 * time.Second

// resendGrowThreshold is how many failed or short writes (NoteResend calls
// from WriteTo) within resendWindow trigger a doubling of SO_SNDBUF.
const resendGrowThreshold = 50

// Conn is a utp.PacketConn backed by a real UDP socket.
type Conn struct {
	udp *net.UDPConn
	pc  *ipv4.PacketConn

	dynamic bool

	mu          sync.Mutex
	sndBufSize  int
	resendCount int
	windowStart time.Time
}

// New binds a UDP socket at laddr (":0" for an ephemeral port) and wraps
// it for use as a utp.PacketConn. cfg.SendSocketBufferSize sets the
// initial SO_SNDBUF hint (0 leaves the OS default); cfg.DynamicSendBuffer
// enables adaptive growth, see NoteResend.
func New(laddr string, cfg config.Config) (*Conn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %q", laddr)
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "listening on %q", laddr)
	}

	c := &Conn{
		udp:         udp,
		pc:          ipv4.NewPacketConn(udp),
		dynamic:     cfg.DynamicSendBuffer,
		windowStart: time.Now(),
	}

	if cfg.SendSocketBufferSize > 0 {
		c.sndBufSize = cfg.SendSocketBufferSize
		_ = udp.SetWriteBuffer(cfg.SendSocketBufferSize)
	}
	if cfg.IPTOS != 0 {
		_ = c.pc.SetTOS(cfg.IPTOS)
	}
	return c, nil
}

// WriteTo sends b to addr and returns the socket's own byte count and
// error. A failed or short write also feeds NoteResend so dynamic
// send-buffer growth can react to it.
func (c *Conn) WriteTo(b []byte, addr net.Addr) (int, error) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		var err error
		udpAddr, err = net.ResolveUDPAddr("udp", addr.String())
		if err != nil {
			return 0, errors.Wrapf(err, "resolving remote %q", addr.String())
		}
	}
	n, err := c.udp.WriteToUDP(b, udpAddr)
	if err != nil || n < len(b) {
		c.NoteResend()
	}
	return n, err
}

// ReadFrom blocks until a datagram arrives.
func (c *Conn) ReadFrom(b []byte) (int, net.Addr, error) {
	return c.udp.ReadFromUDP(b)
}

// LocalAddr returns the bound local address.
func (c *Conn) LocalAddr() net.Addr { return c.udp.LocalAddr() }

// Close closes the underlying socket.
func (c *Conn) Close() error { return c.udp.Close() }

// SetTOS sets the IP_TOS field on outgoing packets via the wrapped
// ipv4.PacketConn, used to mark congestion-experienced traffic hints.
func (c *Conn) SetTOS(tos int) error { return c.pc.SetTOS(tos) }

// NoteResend records one short-write/requeue event; once
// resendGrowThreshold such events land within resendWindow, SO_SNDBUF is
// doubled (capped at maxSendBuffer) if DynamicSendBuffer is enabled
// (SPEC_FULL.md supplement #1). A no-op when DynamicSendBuffer is off.
func (c *Conn) NoteResend() {
	if !c.dynamic {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if now.Sub(c.windowStart) > resendWindow {
		c.windowStart = now
		c.resendCount = 0
	}
	c.resendCount++
	if c.resendCount < resendGrowThreshold {
		return
	}
	c.resendCount = 0

	next := c.sndBufSize * 2
	if next <= 0 {
		next = 1 << 16
	}
	if next > maxSendBuffer {
		next = maxSendBuffer
	}
	if next == c.sndBufSize {
		return
	}
	if err := c.udp.SetWriteBuffer(next); err == nil {
		c.sndBufSize = next
	}
}
