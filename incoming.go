package utp

import (
	"bytes"

	"github.com/go-utp/utp/seq"
)

// incomingBuffer reorders inbound DATA payloads by sequence number and
// releases contiguous prefixes to the application (spec.md §4.4). Packets
// held out of order also back the outgoing selective-ack bitmap via
// IsHeld.
type incomingBuffer struct {
	ackNr  uint16 // last sequence number delivered in order
	inited bool
	held   map[uint16][]byte
	ready  bytes.Buffer // contiguous bytes not yet drained by Read
}

func newIncomingBuffer(initialAckNr uint16) *incomingBuffer {
	return &incomingBuffer{ackNr: initialAckNr, inited: true, held: make(map[uint16][]byte)}
}

// AckNr returns the current cumulative ack number.
func (b *incomingBuffer) AckNr() uint16 { return b.ackNr }

// IsHeld reports whether sequence number s is currently buffered
// out-of-order (used by the selective-ack bitmap builder).
func (b *incomingBuffer) IsHeld(s uint16) bool {
	_, ok := b.held[s]
	return ok
}

// Insert processes one inbound DATA packet's payload. It reports whether
// the packet was redundant (a duplicate, or strictly before ackNr+1) so
// the caller can bump utp_redundant_pkts_in.
func (b *incomingBuffer) Insert(s uint16, payload []byte) (redundant bool) {
	next := b.ackNr + 1
	if s == next {
		b.ready.Write(payload)
		b.ackNr = s
		for {
			p, ok := b.held[b.ackNr+1]
			if !ok {
				break
			}
			b.ready.Write(p)
			delete(b.held, b.ackNr+1)
			b.ackNr++
		}
		return false
	}
	if seq.LessEq(s, b.ackNr) {
		return true // at or before the last delivered sequence: duplicate
	}
	if _, ok := b.held[s]; ok {
		return true // already buffered out of order: duplicate
	}
	b.held[s] = payload
	return false
}

// Read drains up to len(p) contiguous bytes into p.
func (b *incomingBuffer) Read(p []byte) int {
	n, _ := b.ready.Read(p)
	return n
}

// Available reports how many contiguous bytes are ready to read.
func (b *incomingBuffer) Available() int { return b.ready.Len() }
