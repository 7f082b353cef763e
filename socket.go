package utp

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/go-utp/utp/config"
	"github.com/go-utp/utp/internal/ulog"
	"github.com/go-utp/utp/packet"
	"github.com/go-utp/utp/stats"
)

// errSocketClosed is returned by Accept/Connect once the owning Socket has
// been closed.
var errSocketClosed = errors.New("utp: socket closed")

// connKey identifies a stream by the remote address plus the connection id
// WE expect inbound packets addressed to it to carry (spec.md §4.2).
type connKey struct {
	remote string
	id     uint16
}

type inboundDatagram struct {
	data []byte
	addr net.Addr
}

// Socket owns one UDP 4-tuple (or simnet equivalent) and multiplexes every
// µTP stream bound to it through a single event-loop goroutine (spec.md
// §5). All protocol-touching methods on the Streams it owns are only ever
// called from that goroutine.
type Socket struct {
	conn   PacketConn
	clock  Clock
	cfg    config.Config
	logger *zap.Logger
	stats  *stats.Stats

	// streams is keyed by the id we expect inbound non-SYN packets to
	// carry (our recv_id). synIndex is keyed by the id an inbound SYN
	// carries (our send_id, one less): kept for the connection's whole
	// lifetime so a retransmitted SYN answers idempotently instead of
	// spawning a duplicate stream (SPEC_FULL.md supplement #2).
	streams  map[connKey]*Stream
	synIndex map[connKey]*Stream

	acceptCh chan *Stream
	tasks    chan func()
	kick     chan struct{}
	inbound  chan inboundDatagram

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	rng       *rand.Rand
}

// NewSocket wraps conn (a production golang.org/x/net/ipv4 socket via
// udpconn.New, or a simnet.Conn in tests) into a Socket and starts its
// event loop, reader goroutine, and periodic ticker.
func NewSocket(conn PacketConn, clock Clock, cfg config.Config, logger *zap.Logger) *Socket {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = ulog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	s := &Socket{
		conn:     conn,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
		stats:    &stats.Stats{},
		streams:  make(map[connKey]*Stream),
		synIndex: make(map[connKey]*Stream),
		acceptCh: make(chan *Stream, cfg.MaxHalfOpen),
		tasks:    make(chan func(), 64),
		kick:     make(chan struct{}, 1),
		inbound:  make(chan inboundDatagram, 256),
		group:    group,
		ctx:      gctx,
		cancel:   cancel,
		rng:      rand.New(rand.NewSource(clock.Now().UnixNano())),
	}

	group.Go(func() error { return s.readLoop() })
	group.Go(func() error { return s.eventLoop() })
	return s
}

// LocalAddr returns the underlying collaborator's bound address.
func (s *Socket) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// Stats returns the socket-level counters, aggregated across its streams
// on query (spec.md §5: "Statistics counters are per-loop and merged on
// query").
func (s *Socket) Stats() stats.Snapshot {
	agg := make(chan stats.Snapshot, 1)
	s.enqueue(func() {
		snap := s.stats.Snapshot()
		for _, st := range s.streams {
			snap = snap.Merge(st.stats.Snapshot())
		}
		agg <- snap
	})
	return <-agg
}

// enqueue submits fn to run on the event-loop goroutine and returns
// immediately; fn must not block. This is the task-queue mechanism for
// control-plane operations named in SPEC_FULL.md.
func (s *Socket) enqueue(fn func()) {
	select {
	case s.tasks <- fn:
	case <-s.ctx.Done():
	}
}

// wake nudges the event loop to re-check all streams' pending writes
// without waiting for the next tick; used after Stream.Write appends data.
func (s *Socket) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Accept blocks until an inbound connection completes its handshake, ctx
// is cancelled, or the socket is closed.
func (s *Socket) Accept(ctx context.Context) (*Stream, error) {
	select {
	case st, ok := <-s.acceptCh:
		if !ok {
			return nil, errSocketClosed
		}
		return st, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ctx.Done():
		return nil, errSocketClosed
	}
}

// Connect initiates an outbound connection to addr and blocks until the
// handshake completes (CONNECTED), the connect timeout elapses, or ctx is
// cancelled (spec.md §4.9, §6).
func (s *Socket) Connect(ctx context.Context, addr net.Addr) (*Stream, error) {
	type result struct {
		st  *Stream
		err error
	}
	resCh := make(chan result, 1)

	s.enqueue(func() {
		now := s.clock.Now()
		// Per spec.md §4.2: the initiator's SYN carries recv_id (the id it
		// expects all subsequent inbound packets to carry); every other
		// packet it sends uses send_id = recv_id+1, which becomes the
		// responder's own recv_id.
		recvID := uint16(s.rng.Intn(1 << 16))
		sendID := recvID + 1

		st := newStream(s, addr, sendID, recvID, s.cfg, now)
		st.state = StateSynSent
		st.connectSentAt = now
		st.in = newIncomingBuffer(0)
		initialSeq := uint16(s.rng.Intn(1 << 16))
		st.out = newOutgoingBuffer(initialSeq)

		// Register under recvID: the responder always replies using
		// send_id == our recvID.
		s.streams[connKey{remote: addr.String(), id: recvID}] = st

		syn := &packet.Packet{Header: packet.Header{
			Type:          packet.TypeSyn,
			ConnID:        recvID,
			Timestamp:     microseconds(now),
			WindowSize:    st.advertisedWindow(),
			SeqNr:         initialSeq,
			AckNr:         0,
		}}
		wire := packet.Encode(syn)
		// The SYN consumes a sequence number like any other packet, so it
		// goes in the outgoing ring and can be retransmitted by the normal
		// timeout path; the first DATA packet starts at initialSeq+1.
		st.out.Insert(initialSeq, wire, 0, now, false)
		st.out.nextSeq++
		st.writeWire(wire, now)

		go func() {
			deadline := now.Add(s.cfg.ConnectTimeout())
			for {
				select {
				case ev, ok := <-st.Events():
					if !ok || ev.Kind == EventConnected {
						resCh <- result{st: st}
						return
					}
					if ev.Kind == EventClosed || ev.Kind == EventError {
						resCh <- result{st: st, err: ev.Err}
						return
					}
				case <-ctx.Done():
					resCh <- result{err: ctx.Err()}
					return
				case <-time.After(time.Until(deadline)):
					s.enqueue(func() { st.connectTimedOut() })
				}
			}
		}()
	})

	r := <-resCh
	return r.st, r.err
}

// Close tears down every stream and stops the event loop. It does not
// wait for graceful FIN exchange on any stream; use Stream.Close for that.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.conn.Close()
	})
	return nil
}

func (s *Socket) readLoop() error {
	buf := make([]byte, 65535)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.ctx.Done():
				return nil
			default:
			}
			return err
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		select {
		case s.inbound <- inboundDatagram{data: cp, addr: addr}:
		case <-s.ctx.Done():
			return nil
		}
	}
}

func (s *Socket) eventLoop() error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			s.teardownAll()
			return nil
		case fn := <-s.tasks:
			fn()
		case dg := <-s.inbound:
			s.handleDatagram(dg)
		case <-s.kick:
			now := s.clock.Now()
			for _, st := range s.streams {
				st.pump(now)
			}
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

func (s *Socket) tick(now time.Time) {
	for key, st := range s.streams {
		st.checkTimers(now)
		st.pump(now)
		if st.state == StateDeleted {
			delete(s.streams, key)
			s.forgetSynIndex(st)
		}
	}
}

// forgetSynIndex removes every synIndex entry pointing at st; synIndex is
// small (bounded by Config.MaxHalfOpen) so a linear sweep on teardown is
// cheap compared to threading a second key through Stream.
func (s *Socket) forgetSynIndex(st *Stream) {
	for k, v := range s.synIndex {
		if v == st {
			delete(s.synIndex, k)
		}
	}
}

func (s *Socket) teardownAll() {
	for _, st := range s.streams {
		if st.state != StateDeleted {
			st.teardown(ReasonLocal, nil, StateReset)
		}
	}
	close(s.acceptCh)
}

func (s *Socket) handleDatagram(dg inboundDatagram) {
	now := s.clock.Now()
	pkt, err := packet.Decode(dg.data)
	if err != nil {
		s.stats.InvalidPktsIn.Add(1)
		s.logger.Debug("discarding malformed datagram", zap.Error(err), zap.Stringer("remote", dg.addr))
		return
	}
	s.stats.PacketsIn.Add(1)

	if pkt.Header.Type == packet.TypeSyn {
		synKey := connKey{remote: dg.addr.String(), id: pkt.Header.ConnID}
		if st, ok := s.synIndex[synKey]; ok {
			// Retransmitted SYN for a connection we already answered:
			// resend our STATE ack idempotently (recv.go's TypeSyn case).
			st.handlePacket(pkt, now)
			return
		}
		if len(s.synIndex) >= s.cfg.MaxHalfOpen {
			s.sendReset(dg.addr, pkt.Header.ConnID, now)
			return
		}
		s.acceptSyn(pkt, dg.addr, now)
		return
	}

	key := connKey{remote: dg.addr.String(), id: pkt.Header.ConnID}
	if st, ok := s.streams[key]; ok {
		st.handlePacket(pkt, now)
		return
	}

	// Unsolicited non-SYN packet to an unrecognized connection: spec.md
	// §4.2 says reply with RESET so the peer can clean up promptly.
	s.sendReset(dg.addr, pkt.Header.ConnID, now)
}

// acceptSyn creates a new stream for an inbound SYN and immediately
// answers it with a STATE ack, handing the stream to Accept (spec.md
// §4.2, §4.9). SPEC_FULL.md supplement #2 bounds how many such
// connections may be indexed at once via Config.MaxHalfOpen.
func (s *Socket) acceptSyn(pkt *packet.Packet, addr net.Addr, now time.Time) {
	// The SYN's ConnID field is the initiator's recv_id: we reply using
	// that same value as our send_id, and we expect every subsequent
	// packet from the initiator to carry send_id+1 as our own recv_id.
	sendID := pkt.Header.ConnID
	recvID := sendID + 1

	st := newStream(s, addr, sendID, recvID, s.cfg, now)
	st.lastPeerTimestampDiff = microseconds(now) - pkt.Header.Timestamp
	st.peerWindow = pkt.Header.WindowSize
	st.in = newIncomingBuffer(pkt.Header.SeqNr)
	initialSeq := uint16(s.rng.Intn(1 << 16))
	st.out = newOutgoingBuffer(initialSeq)
	st.state = StateConnected

	synKey := connKey{remote: addr.String(), id: sendID}
	streamKey := connKey{remote: addr.String(), id: recvID}
	s.synIndex[synKey] = st
	s.streams[streamKey] = st

	ack := &packet.Packet{Header: packet.Header{
		Type:   packet.TypeState,
		ConnID: sendID,
		SeqNr:  initialSeq,
		AckNr:  pkt.Header.SeqNr,
	}}
	st.sendRaw(ack, now)

	st.publish(Event{Kind: EventConnected})
	select {
	case s.acceptCh <- st:
	default:
		// Accept queue full: drop the connection rather than block the
		// event loop.
		st.teardown(ReasonLocal, nil, StateReset)
		delete(s.streams, streamKey)
		delete(s.synIndex, synKey)
	}
}

func (s *Socket) sendReset(addr net.Addr, connID uint16, now time.Time) {
	pkt := &packet.Packet{Header: packet.Header{
		Type:   packet.TypeReset,
		ConnID: connID,
		SeqNr:  uint16(s.rng.Intn(1 << 16)),
	}}
	buf := packet.Encode(pkt)
	_, _ = s.conn.WriteTo(buf, addr)
	s.stats.PacketsOut.Add(1)
}
