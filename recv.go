package utp

import (
	"time"

	"go.uber.org/zap"

	"github.com/go-utp/utp/internal/utperr"
	"github.com/go-utp/utp/packet"
	"github.com/go-utp/utp/sack"
	"github.com/go-utp/utp/seq"
)

// handlePacket dispatches one decoded inbound packet to the stream's
// connection state machine (spec.md §4.9). Called only from the owning
// Socket's event-loop goroutine.
func (s *Stream) handlePacket(pkt *packet.Packet, now time.Time) {
	if s.state == StateDeleted || s.state == StateClosed || s.state == StateReset {
		return
	}
	s.lastRecvAt = now
	s.logPacketIn(pkt)
	// Every packet reports, in TimestampDiff, the one-way delay the sender
	// measured for packets arriving *from us*; we record the symmetric
	// measurement for packets arriving from the peer so our own next
	// outgoing packet reports it back to them (spec.md §4.6).
	s.lastPeerTimestampDiff = microseconds(now) - pkt.Header.Timestamp

	switch pkt.Header.Type {
	case packet.TypeSyn:
		// A retransmitted SYN after we already completed the handshake:
		// resend our STATE ack, idempotently.
		s.sendStateAck(now)
	case packet.TypeReset:
		s.fail(utperr.KindConnectionReset, nil)
	case packet.TypeState:
		s.processCommonFields(pkt, now)
		s.onHandshakeAckIfNeeded(now)
	case packet.TypeData:
		s.processCommonFields(pkt, now)
		s.handleData(pkt, now)
	case packet.TypeFin:
		s.processCommonFields(pkt, now)
		s.handleFin(pkt, now)
	}
}

// onHandshakeAckIfNeeded completes the initiator side of the handshake
// (spec.md §4.9: SYN_SENT -> CONNECTED) the first time any packet arrives
// from the responder.
func (s *Stream) onHandshakeAckIfNeeded(now time.Time) {
	if s.state == StateSynSent {
		s.state = StateConnected
		s.publish(Event{Kind: EventConnected})
	}
}

// processCommonFields folds in the ack_nr, selective-ack extension,
// timestamp_diff (LEDBAT sample), and advertised window carried by every
// non-SYN/RESET packet (spec.md §3, §4.6).
func (s *Stream) processCommonFields(pkt *packet.Packet, now time.Time) {
	s.onHandshakeAckIfNeeded(now)
	s.peerWindow = pkt.Header.WindowSize

	currentDelay := s.cc.OnOurSample(pkt.Header.TimestampDiff, now)
	s.cc.OnTheirSample(s.lastPeerTimestampDiff, now)

	ackedBytes, ackedAny := s.ackThrough(pkt.Header.AckNr, now)

	if bm := pkt.SelectiveAck(); bm != nil {
		newly := sack.ApplyToSet(pkt.Header.AckNr, sack.Bitmap(bm), s.delivered)
		for _, sq := range newly {
			r, wasTracked := s.out.Get(sq)
			if ok, n := s.out.MarkAcked(sq); ok {
				ackedBytes += n
				ackedAny = true
				if wasTracked && r.mtuProbe {
					s.mtu.OnProbeAcked(r.payloadLen+packet.HeaderSize, now)
				}
			}
		}
		if oldest, trigger := sack.ThirdDuplicateTrigger(pkt.Header.AckNr, sack.Bitmap(bm)); trigger {
			s.fastRetransmit(oldest, now)
		}
	}

	if ackedAny {
		s.cc.OnAck(ackedBytes, currentDelay, now)
		s.stats.SamplesAboveTarget.Store(s.cc.SamplesAboveTarget())
		s.stats.SamplesBelowTarget.Store(s.cc.SamplesBelowTarget())
		s.updateRTT(now)
		// Progress ends a run of timeouts: NumResends counts consecutive ones.
		s.timeoutCount = 0
	}
	s.out.ReleaseContiguousFromHead()

	if s.finSent && s.out.CurWindowPackets() == 0 {
		s.finAcked = true
	}
}

// ackThrough marks every outgoing record up to and including ackNr as
// acknowledged and returns the total payload bytes newly credited.
func (s *Stream) ackThrough(ackNr uint16, now time.Time) (bytesAcked int, any bool) {
	oldest, ok := s.out.OldestUnacked()
	if !ok {
		return 0, false
	}
	for sq := oldest; seq.LessEq(sq, ackNr) && sq != s.out.nextSeq; sq++ {
		r, wasTracked := s.out.Get(sq)
		if newlyAcked, n := s.out.MarkAcked(sq); newlyAcked {
			bytesAcked += n
			any = true
			s.delivered[sq] = true
			if wasTracked && r.mtuProbe {
				s.mtu.OnProbeAcked(r.payloadLen+packet.HeaderSize, now)
			}
		}
		if sq == ackNr {
			break
		}
	}
	return bytesAcked, any
}

// fastRetransmit resends the oldest unacked packet on the third-duplicate
// trigger (spec.md §4.5). This is never charged against the congestion
// window: spec.md §4.5/§4.7 require fast-retransmit (and MTU-probe) loss
// to leave cwnd untouched, so only retransmit.go's RTO path ever calls
// ledbat.Controller.OnCongestionLoss.
func (s *Stream) fastRetransmit(oldestUnacked uint16, now time.Time) {
	r, ok := s.out.Get(oldestUnacked)
	if !ok || r.acked {
		return
	}
	s.stats.FastRetransmit.Add(1)
	s.resendRecord(r, now)
}

// handleData processes an inbound DATA packet's payload and schedules the
// resulting ack, respecting the deferred-ack coalescing window
// (SPEC_FULL.md supplement #4).
func (s *Stream) handleData(pkt *packet.Packet, now time.Time) {
	s.stats.PayloadPktsIn.Add(1)
	redundant := s.in.Insert(pkt.Header.SeqNr, pkt.Payload)
	if redundant {
		s.stats.RedundantPktsIn.Add(1)
	}
	if avail := s.in.Available(); avail > 0 {
		buf := make([]byte, avail)
		n := s.in.Read(buf)
		s.deliverToRead(buf[:n])
	}
	s.scheduleAck(now)
}

// handleFin processes an inbound FIN: its sequence number is treated like
// a DATA packet's (so out-of-order delivery still works), and once every
// byte up to and including it has been delivered, the stream's read side
// reaches EOF.
func (s *Stream) handleFin(pkt *packet.Packet, now time.Time) {
	s.peerFinSeq = pkt.Header.SeqNr
	s.peerFinSeen = true
	redundant := s.in.Insert(pkt.Header.SeqNr, pkt.Payload)
	if redundant {
		s.stats.RedundantPktsIn.Add(1)
	}
	if avail := s.in.Available(); avail > 0 {
		buf := make([]byte, avail)
		n := s.in.Read(buf)
		s.deliverToRead(buf[:n])
	}
	s.scheduleAck(now)

	if seq.GreaterEq(s.in.AckNr(), s.peerFinSeq) {
		s.maybeCompleteClose(now)
	}
}

// maybeCompleteClose finishes tearing the stream down once both directions
// have fully drained: our FIN (if any) acknowledged, and the peer's FIN
// fully delivered.
func (s *Stream) maybeCompleteClose(now time.Time) {
	if !s.peerFinSeen || seq.Less(s.in.AckNr(), s.peerFinSeq) {
		return
	}
	if s.closeRequested && s.closeMode == CloseGraceful && !s.finAcked {
		return
	}
	if s.state == StateClosed || s.state == StateReset || s.state == StateDeleted {
		return
	}
	s.teardown(ReasonFIN, nil, StateClosed)
}

func (s *Stream) updateRTT(now time.Time) {
	sample := now.Sub(s.lastSendAt)
	if sample <= 0 {
		return
	}
	if s.smoothedRTT == 0 {
		s.smoothedRTT = sample
		s.rttVar = sample / 2
	} else {
		diff := sample - s.smoothedRTT
		if diff < 0 {
			diff = -diff
		}
		s.rttVar = (3*s.rttVar + diff) / 4
		s.smoothedRTT = (7*s.smoothedRTT + sample) / 8
	}
	if s.minRTT == 0 || sample < s.minRTT {
		s.minRTT = sample
	}
	if sample > s.maxRTT {
		s.maxRTT = sample
	}
	s.rto = s.smoothedRTT + 4*s.rttVar
	if s.rto < s.cfg.MinTimeout() {
		s.rto = s.cfg.MinTimeout()
	}
	if s.rto > s.cfg.MaxTimeout() {
		s.rto = s.cfg.MaxTimeout()
	}
}

func (s *Stream) logPacketIn(pkt *packet.Packet) {
	s.logger.Debug("packet in",
		zap.Stringer("type", pkt.Header.Type),
		zap.Uint16("seq", pkt.Header.SeqNr),
		zap.Uint16("ack", pkt.Header.AckNr),
	)
}
