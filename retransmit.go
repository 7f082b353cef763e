package utp

import (
	"time"

	"github.com/go-utp/utp/internal/utperr"
	"github.com/go-utp/utp/packet"
)

// checkTimers runs the retransmit/timeout/keepalive checks for one stream
// on every tick (spec.md §4.8). It never blocks and touches only
// loop-owned state.
func (s *Stream) checkTimers(now time.Time) {
	switch s.state {
	case StateDeleted, StateClosed, StateReset, StateNone:
		return
	case StateSynSent:
		if now.Sub(s.connectSentAt) >= s.rto {
			s.retrySyn(now)
		}
		return
	}

	if oldest, ok := s.out.OldestUnacked(); ok {
		if r, ok := s.out.Get(oldest); ok && now.Sub(r.sentAt) >= s.rto {
			s.onTimeout(r, now)
		}
	}

	s.maybeKeepalive(now)
}

// retrySyn resends the SYN while awaiting the handshake's first reply,
// backing off the RTO like any other retransmission, up to NumResends
// attempts before giving up with connection_refused.
func (s *Stream) retrySyn(now time.Time) {
	s.timeoutCount++
	if s.timeoutCount > s.cfg.NumResends {
		s.fail(utperr.KindConnectionRefused, nil)
		return
	}
	s.rto *= 2
	if s.rto > s.cfg.MaxTimeout() {
		s.rto = s.cfg.MaxTimeout()
	}
	s.connectSentAt = now

	oldest, ok := s.out.OldestUnacked()
	if !ok {
		return
	}
	r, ok := s.out.Get(oldest)
	if !ok {
		return
	}
	s.resendRecord(r, now)
}

// connectTimedOut is invoked by Socket.Connect's watchdog goroutine once
// the overall connect timeout elapses regardless of retry cadence.
func (s *Stream) connectTimedOut() {
	if s.state == StateSynSent {
		s.fail(utperr.KindConnectionRefused, nil)
	}
}

// onTimeout handles one RTO expiry for the oldest unacked outgoing record
// (spec.md §4.8): an MTU-probe record is reported to the prober as a lost
// probe (never charged as congestion loss, spec.md §4.7); any other record
// counts as a timeout, cuts cwnd by LossMultiplier and ends slow-start (at
// most once per RTT), and — after NumResends consecutive timeouts — fails
// the stream with timed_out.
func (s *Stream) onTimeout(r *outgoingRecord, now time.Time) {
	if r.mtuProbe {
		s.mtu.OnProbeLost(r.payloadLen+packet.HeaderSize, now)
		r.mtuProbe = false
		s.resendRecord(r, now)
		return
	}

	s.timeoutCount++
	s.stats.Timeout.Add(1)

	// Timeout loss is charged to congestion at most once per RTT window
	// (spec.md §4.8); ledbat.Controller.OnCongestionLoss enforces the
	// cooldown and reports whether it actually cut cwnd this time.
	rtt := s.smoothedRTT
	if rtt <= 0 {
		rtt = s.rto
	}
	if s.cc.OnCongestionLoss(rtt, now) {
		s.stats.PacketLoss.Add(1)
	}

	if s.timeoutCount >= s.cfg.NumResends {
		s.fail(utperr.KindTimedOut, nil)
		return
	}

	s.rto *= 2
	if s.rto > s.cfg.MaxTimeout() {
		s.rto = s.cfg.MaxTimeout()
	}
	s.resendRecord(r, now)
}

// maybeKeepalive sends a bare STATE probe after KeepaliveInterval of
// silence in either direction, so a long-idle but still-open connection's
// peer does not mistake silence for a vanished path (spec.md §4.9).
func (s *Stream) maybeKeepalive(now time.Time) {
	interval := s.cfg.KeepaliveInterval()
	if interval <= 0 {
		return
	}
	if now.Sub(s.lastSendAt) < interval {
		return
	}
	pkt := &packet.Packet{Header: packet.Header{Type: packet.TypeState}}
	s.sendRaw(pkt, now)
}
