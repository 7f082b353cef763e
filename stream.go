package utp

import (
	"bytes"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/go-utp/utp/config"
	"github.com/go-utp/utp/internal/utperr"
	"github.com/go-utp/utp/ledbat"
	"github.com/go-utp/utp/packet"
	"github.com/go-utp/utp/pmtu"
	"github.com/go-utp/utp/sack"
	"github.com/go-utp/utp/stats"
)

// maxWriteBuf bounds the application write queue: Write blocks while the
// queue is at this bound, and EventWritable is published once a drain takes
// it back below (back-pressure, spec.md §6).
const maxWriteBuf = 1 << 20

// Stream is one µTP connection: a reliable, ordered byte stream bound to a
// single UDP 4-tuple plus a 16-bit connection id pair (spec.md §2, §4.9).
// Protocol state (out, in, cc, mtu, timers) is touched only by the owning
// Socket's event-loop goroutine. writeBuf/readBuf cross the goroutine
// boundary and are the only fields guarded by mu.
type Stream struct {
	sock   *Socket
	remote net.Addr
	connID uint16 // the id WE send with (peer's recv_id)
	recvID uint16 // the id we expect incoming packets to carry (our recv_id)

	cfg    config.Config
	clock  Clock
	stats  *stats.Stats
	logger *zap.Logger

	// --- loop-owned protocol state (never touched outside the event loop) ---
	state State
	out   *outgoingBuffer
	in    *incomingBuffer
	cc    *ledbat.Controller
	mtu   *pmtu.Prober

	peerWindow            uint32
	delivered             map[uint16]bool // sequence numbers already credited via SACK, for idempotence
	lastAckSent           uint16
	lastRecvAt            time.Time
	lastSendAt            time.Time
	connectSentAt         time.Time
	lastPeerTimestampDiff uint32

	ackPending  bool
	ackDeadline time.Time

	rto          time.Duration
	rtoDeadline  time.Time
	timeoutCount int
	smoothedRTT time.Duration
	rttVar      time.Duration
	minRTT      time.Duration
	maxRTT      time.Duration

	closeMode      CloseMode
	closeRequested bool
	finSeq         uint16
	finSent        bool
	finAcked       bool
	peerFinSeq     uint16
	peerFinSeen    bool
	finResends     int

	reason Reason
	err    error

	events chan Event

	// --- cross-goroutine data hand-off ---
	mu        sync.Mutex
	cond      *sync.Cond
	writeBuf  bytes.Buffer
	readBuf   bytes.Buffer
	wroteCh   chan struct{}
	closed    bool
}

func newStream(sock *Socket, remote net.Addr, connID, recvID uint16, cfg config.Config, now time.Time) *Stream {
	s := &Stream{
		sock:        sock,
		remote:      remote,
		connID:      connID,
		recvID:      recvID,
		cfg:         cfg,
		clock:       sock.clock,
		stats:       &stats.Stats{},
		logger:      sock.logger,
		state:       StateNone,
		delivered:   make(map[uint16]bool),
		rto:         cfg.MinTimeout(),
		events:      make(chan Event, 16),
		wroteCh:     make(chan struct{}, 1),
	}
	s.cond = sync.NewCond(&s.mu)
	s.mtu = pmtu.NewProber(cfg.MinMTU, cfg.MaxMTU, now)
	s.cc = ledbat.NewController(ledbat.Params{
		TargetDelay:           cfg.TargetDelay(),
		MaxCwndIncreasePerRTT: cfg.Gain,
		MSS:                   cfg.MaxMTU - 20,
		LossMultiplier:        cfg.LossMultiplier,
	}, now)
	return s
}

// mss returns the current confirmed maximum payload size a DATA packet may
// carry, derived from the path-MTU floor minus the fixed header.
func (s *Stream) mss() int {
	m := s.mtu.Floor() - packet.HeaderSize
	if m < 1 {
		m = 1
	}
	return m
}

// State returns the stream's current position in the connection state
// machine (spec.md §4.9). Safe to call from any goroutine: State is only
// ever written by the event loop, and readers tolerate a stale snapshot by
// construction (events carry authoritative transitions).
func (s *Stream) State() State {
	return s.loopState()
}

func (s *Stream) loopState() State {
	var st State
	done := make(chan struct{})
	s.sock.enqueue(func() {
		st = s.state
		close(done)
	})
	<-done
	return st
}

// RemoteAddr returns the peer address this stream is bound to.
func (s *Stream) RemoteAddr() net.Addr { return s.remote }

// Events returns the channel of lifecycle events (spec.md §6): exactly one
// EventConnected, any number of EventReadable/EventWritable, and exactly
// one terminal EventClosed or EventError.
func (s *Stream) Events() <-chan Event { return s.events }

// Stats returns a snapshot of this stream's counters (spec.md §6).
func (s *Stream) Stats() stats.Snapshot { return s.stats.Snapshot() }

// RTTStats returns the supplemental RTT diagnostics from SPEC_FULL.md's
// extended-stats supplement; they are read-only and never feed back into
// congestion control.
type RTTStats struct {
	Smoothed time.Duration
	Min      time.Duration
	Max      time.Duration
}

// RTT returns the current smoothed/min/max RTT estimate.
func (s *Stream) RTT() RTTStats {
	var r RTTStats
	done := make(chan struct{})
	s.sock.enqueue(func() {
		r = RTTStats{Smoothed: s.smoothedRTT, Min: s.minRTT, Max: s.maxRTT}
		close(done)
	})
	<-done
	return r
}

// Write appends p to the stream's send queue, blocking only if the queue
// is at its bound, and returns once every byte has been accepted for
// packetization (spec.md §5/§6: "queued" is the completion signal, not
// peer acknowledgement). It returns utperr.KindBufferFull if the stream's
// write side is already closed, and the stream's fatal error once one has
// been recorded.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	for {
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return 0, err
		}
		if s.closed {
			s.mu.Unlock()
			return 0, utperr.New(utperr.KindBufferFull)
		}
		if s.writeBuf.Len() < maxWriteBuf {
			break
		}
		s.cond.Wait()
	}
	room := maxWriteBuf - s.writeBuf.Len()
	n := len(p)
	if n > room {
		n = room
	}
	s.writeBuf.Write(p[:n])
	s.mu.Unlock()

	select {
	case s.wroteCh <- struct{}{}:
	default:
	}
	s.sock.wake()

	if n < len(p) {
		more, err := s.Write(p[n:])
		return n + more, err
	}
	return n, nil
}

// Read copies contiguous delivered bytes into p, blocking until at least
// one byte is available, the stream has closed without error (returns 0,
// io.EOF, e.g. once the peer's FIN has been fully consumed), or the stream
// errors.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.readBuf.Len() == 0 {
		if s.err != nil {
			return 0, s.err
		}
		if s.closed {
			return 0, io.EOF
		}
		s.cond.Wait()
	}
	return s.readBuf.Read(p)
}

// Close initiates a shutdown in the given mode (spec.md §6): CloseGraceful
// sends a FIN and waits for it to drain; CloseReset sends a RESET to the
// peer and tears the stream down immediately without retransmitting. Close
// returns once the event loop has run the request, or as soon as the owning
// Socket is closed; it never waits for the FIN exchange itself.
func (s *Stream) Close(mode CloseMode) error {
	done := make(chan struct{})
	s.sock.enqueue(func() {
		s.requestClose(mode)
		close(done)
	})
	select {
	case <-done:
	case <-s.sock.ctx.Done():
	}
	return nil
}

func (s *Stream) requestClose(mode CloseMode) {
	if s.state == StateClosed || s.state == StateReset || s.state == StateDeleted {
		return
	}
	s.closeMode = mode
	s.closeRequested = true
	if mode == CloseReset {
		s.sendRaw(&packet.Packet{Header: packet.Header{Type: packet.TypeReset}}, s.clock.Now())
		s.teardown(ReasonLocal, nil, StateReset)
		return
	}
	// Graceful: the packetizer emits the FIN once the write queue drains
	// (see maybeSendFin in send.go); nothing more to do here.
}

// teardown moves the stream to a terminal state, publishes the closed
// event exactly once, and wakes any blocked Read/Write callers.
func (s *Stream) teardown(reason Reason, err error, final State) {
	if s.state == StateDeleted {
		return
	}
	s.reason = reason
	s.err = err
	s.state = final

	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	kind := EventClosed
	if err != nil {
		kind = EventError
	}
	s.publish(Event{Kind: kind, Reason: reason, Err: err})
	close(s.events)

	s.state = StateDeleted
}

func (s *Stream) publish(ev Event) {
	select {
	case s.events <- ev:
	default:
		// Slow consumer: drop the oldest pending event rather than block
		// the event loop (spec.md §5 forbids blocking the loop on upper
		// layer behaviour).
		select {
		case <-s.events:
		default:
		}
		select {
		case s.events <- ev:
		default:
		}
	}
}

// fail records a fatal error of the given kind and tears the stream down
// exactly once (spec.md §7: "further operations fail with the same kind").
func (s *Stream) fail(kind utperr.Kind, cause error) {
	if s.err != nil {
		return
	}
	s.teardown(reasonForKind(kind), utperr.Wrap(kind, cause), StateReset)
}

func reasonForKind(k utperr.Kind) Reason {
	switch k {
	case utperr.KindTimedOut:
		return ReasonTimeout
	case utperr.KindConnectionReset, utperr.KindConnectionRefused:
		return ReasonReset
	default:
		return ReasonNone
	}
}

// deliverToRead appends freshly in-order bytes to the application-visible
// read buffer and wakes blocked readers.
func (s *Stream) deliverToRead(p []byte) {
	if len(p) == 0 {
		return
	}
	s.mu.Lock()
	s.readBuf.Write(p)
	s.cond.Broadcast()
	s.mu.Unlock()
	s.publish(Event{Kind: EventReadable})
}

// drainWriteQueue copies up to n bytes out of the application write
// buffer for packetization, waking blocked writers if it freed room and
// publishing EventWritable the moment a full buffer stops being full
// (spec.md §6: Write blocks only while the queue is at its bound).
func (s *Stream) drainWriteQueue(n int) []byte {
	s.mu.Lock()
	wasFull := s.writeBuf.Len() >= maxWriteBuf
	if n > s.writeBuf.Len() {
		n = s.writeBuf.Len()
	}
	if n == 0 {
		s.mu.Unlock()
		return nil
	}
	buf := make([]byte, n)
	s.writeBuf.Read(buf)
	becameWritable := wasFull && s.writeBuf.Len() < maxWriteBuf
	s.cond.Broadcast()
	s.mu.Unlock()

	if becameWritable {
		s.publish(Event{Kind: EventWritable})
	}
	return buf
}

func (s *Stream) pendingWriteLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeBuf.Len()
}

// sackCapacityBits bounds how far past ack_nr the selective-ack bitmap
// scans; generous enough for any realistic receive window.
const sackCapacityBits = 256

func (s *Stream) buildSack() []byte {
	if s.in == nil {
		return nil
	}
	return sack.Build(s.in.AckNr(), s.in.IsHeld, sackCapacityBits)
}
