package utp

import (
	"encoding/binary"
	"time"

	"go.uber.org/zap"

	"github.com/go-utp/utp/packet"
)

// recvWindowCap bounds how much unread application data a stream will
// buffer before it stops advertising room in its outgoing window field.
const recvWindowCap = 1 << 20

// sendRaw patches the dynamic header fields (timestamp, timestamp_diff,
// window_size, ack_nr) onto an already-built packet, encodes it, and hands
// it to the UDP collaborator. Used for STATE and RESET control packets
// built fresh at send time (not replayed from the outgoing ring).
func (s *Stream) sendRaw(pkt *packet.Packet, now time.Time) {
	// Every packet type except SYN is sent with our own send_id; the SYN
	// is built by the caller carrying recv_id instead (spec.md §4.2) and
	// must not be overwritten here.
	if pkt.Header.Type != packet.TypeSyn {
		pkt.Header.ConnID = s.connID
	}
	pkt.Header.Timestamp = microseconds(now)
	pkt.Header.TimestampDiff = s.peerTimestampDiff(now)
	pkt.Header.WindowSize = s.advertisedWindow()
	if s.in != nil {
		pkt.Header.AckNr = s.in.AckNr()
	}
	wire := packet.Encode(pkt)
	s.writeWire(wire, now)
}

func (s *Stream) writeWire(wire []byte, now time.Time) {
	if _, err := s.sock.conn.WriteTo(wire, s.remote); err != nil {
		s.logger.Warn("udp write failed", zap.Error(err))
		return
	}
	s.stats.PacketsOut.Add(1)
	s.lastSendAt = now
}

// peerTimestampDiff reports how far our clock trails the peer's, which the
// peer uses as its own LEDBAT delay sample (spec.md §4.6). It is the value
// handlePacket (or acceptSyn, for the SYN) derived from the most recent
// inbound Header.Timestamp, and 0 until a packet has been received.
func (s *Stream) peerTimestampDiff(now time.Time) uint32 {
	return s.lastPeerTimestampDiff
}

// advertisedWindow returns the receive-window bytes we advertise: the cap
// minus whatever the application hasn't yet drained from the read buffer.
func (s *Stream) advertisedWindow() uint32 {
	s.mu.Lock()
	used := s.readBuf.Len()
	s.mu.Unlock()
	free := recvWindowCap - used
	if free < 0 {
		free = 0
	}
	return uint32(free)
}

func (s *Stream) sendStateAck(now time.Time) {
	pkt := &packet.Packet{Header: packet.Header{Type: packet.TypeState}}
	if bm := s.buildSack(); bm != nil {
		pkt.Extensions = append(pkt.Extensions, packet.Extension{Type: packet.ExtSelectiveAck, Payload: bm})
	}
	s.sendRaw(pkt, now)
	s.ackPending = false
}

// scheduleAck arms the deferred-ack coalescing timer (SPEC_FULL.md
// supplement #4): with DelayedAckMS==0 (the default) the ack is sent
// immediately; otherwise it waits for a piggyback DATA packet or the
// deadline, whichever comes first.
func (s *Stream) scheduleAck(now time.Time) {
	if s.cfg.DelayedAck() <= 0 {
		s.sendStateAck(now)
		return
	}
	if !s.ackPending {
		s.ackPending = true
		s.ackDeadline = now.Add(s.cfg.DelayedAck())
	}
}

// pump is the packetizer: it cuts queued application bytes into
// cwnd/MTU-gated DATA packets, flushes any deferred ack, and emits the
// FIN once a graceful close has been requested and the write queue has
// drained (spec.md §4.3, §4.9). Called from the event loop on every
// wake() and every tick.
func (s *Stream) pump(now time.Time) {
	if s.state != StateConnected && s.state != StateFinSent && s.state != StateSynSent {
		return
	}
	if s.state == StateSynSent {
		return // nothing to packetize before the handshake completes
	}

	for s.state == StateConnected {
		// bytes_in_flight must never exceed min(cwnd, peer advertised
		// window) (spec.md §3, §4.3).
		windowCap := s.cc.Cwnd()
		if int(s.peerWindow) < windowCap {
			windowCap = int(s.peerWindow)
		}
		room := windowCap - s.out.BytesInFlight()
		if room <= 0 {
			break
		}
		pending := s.pendingWriteLen()
		if pending == 0 {
			break
		}

		// An MTU probe is simply a larger-than-usual DATA packet carrying
		// real application bytes; it is only attempted when enough queued
		// data exists to fill it, so no padding (undeliverable filler) is
		// ever needed on the wire (spec.md §4.7). probeSize is a path
		// capacity (header+payload, the same convention as mss()'s floor),
		// so the payload chunk it can carry is probeSize minus the header.
		size := s.mss()
		probeSize, probing := s.mtu.ShouldProbe(now)
		probePayload := probeSize - packet.HeaderSize
		useProbe := probing && probePayload > size && probePayload <= room && probePayload <= pending
		chunkCap := size
		if useProbe {
			chunkCap = probePayload
		}
		if chunkCap > room {
			chunkCap = room
		}
		payload := s.drainWriteQueue(chunkCap)
		if len(payload) == 0 {
			break
		}

		seqNr := s.out.nextSeq
		s.sendData(seqNr, payload, now, useProbe)
		s.out.nextSeq++
	}

	if s.ackPending && !now.Before(s.ackDeadline) {
		s.sendStateAck(now)
	}

	s.maybeSendFin(now)
}

func (s *Stream) sendData(seqNr uint16, payload []byte, now time.Time, mtuProbe bool) {
	pkt := &packet.Packet{
		Header: packet.Header{
			Type:   packet.TypeData,
			ConnID: s.connID,
			SeqNr:  seqNr,
			AckNr:  s.in.AckNr(),
		},
		Payload: payload,
	}
	if bm := s.buildSack(); bm != nil {
		pkt.Extensions = append(pkt.Extensions, packet.Extension{Type: packet.ExtSelectiveAck, Payload: bm})
	}
	pkt.Header.Timestamp = microseconds(now)
	pkt.Header.TimestampDiff = s.peerTimestampDiff(now)
	pkt.Header.WindowSize = s.advertisedWindow()
	wire := packet.Encode(pkt)

	s.out.Insert(seqNr, wire, len(payload), now, mtuProbe)
	s.writeWire(wire, now)
	s.ackPending = false
}

// maybeSendFin emits the stream's FIN once a graceful close has been
// requested and every queued application byte has been packetized
// (spec.md §4.9, §6).
func (s *Stream) maybeSendFin(now time.Time) {
	if s.state != StateConnected || !s.closeRequested || s.closeMode != CloseGraceful {
		return
	}
	if s.finSent {
		return
	}
	if s.pendingWriteLen() > 0 {
		return
	}

	finSeq := s.out.nextSeq
	pkt := &packet.Packet{Header: packet.Header{
		Type:   packet.TypeFin,
		ConnID: s.connID,
		SeqNr:  finSeq,
		AckNr:  s.in.AckNr(),
	}}
	pkt.Header.Timestamp = microseconds(now)
	pkt.Header.TimestampDiff = s.peerTimestampDiff(now)
	pkt.Header.WindowSize = s.advertisedWindow()
	wire := packet.Encode(pkt)

	s.out.Insert(finSeq, wire, 0, now, false)
	s.out.nextSeq++
	s.writeWire(wire, now)

	s.finSeq = finSeq
	s.finSent = true
	s.state = StateFinSent
}

// resendRecord retransmits a previously sent outgoing record, patching its
// header's dynamic fields (timestamp, timestamp_diff, window, ack_nr) in
// place before resending (spec.md §4.8).
func (s *Stream) resendRecord(r *outgoingRecord, now time.Time) {
	wire := make([]byte, len(r.wire))
	copy(wire, r.wire)
	patchHeader(wire, microseconds(now), s.peerTimestampDiff(now), s.advertisedWindow(), s.in.AckNr())

	r.sentAt = now
	r.retransmits++
	s.stats.PacketResend.Add(1)
	s.writeWire(wire, now)
}

// patchHeader rewrites the dynamic fields of an already-encoded µTP header
// in place; offsets match packet.Encode's fixed layout (spec.md §4.1).
func patchHeader(wire []byte, timestamp, timestampDiff, windowSize uint32, ackNr uint16) {
	if len(wire) < packet.HeaderSize {
		return
	}
	binary.BigEndian.PutUint32(wire[4:8], timestamp)
	binary.BigEndian.PutUint32(wire[8:12], timestampDiff)
	binary.BigEndian.PutUint32(wire[12:16], windowSize)
	binary.BigEndian.PutUint16(wire[18:20], ackNr)
}
