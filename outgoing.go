package utp

import "time"

// ringBits sets the outgoing ring buffer to 2^ringBits entries, indexed by
// the low bits of the sequence number (spec.md §3: "Stored in an
// indexable circular buffer keyed by low-order bits of the sequence
// number; window width <= 2^15 so wrap-around comparisons are
// unambiguous").
const ringBits = 11 // 2048 entries, comfortably above any realistic cwnd/MSS ratio

const ringSize = 1 << ringBits
const ringMask = ringSize - 1

// outgoingRecord is one entry of spec.md §3's "outgoing packet record".
type outgoingRecord struct {
	valid       bool
	seq         uint16
	wire        []byte // full encoded wire buffer, timestamp patched at actual send time
	payloadLen  int
	sentAt      time.Time
	retransmits int
	needResend  bool
	mtuProbe    bool
	acked       bool
	dupAcks     int
}

// outgoingBuffer is the per-stream send-side ring buffer plus the
// accounting needed to maintain the invariants in spec.md §3:
// cur_window_packets == count of non-released entries; bytes_in_flight
// never double-counts a released or already-acked packet.
type outgoingBuffer struct {
	ring        [ringSize]outgoingRecord
	headSeq     uint16 // oldest entry still occupying the ring (may be acked, not yet released)
	nextSeq     uint16 // next sequence number to assign to a freshly packetized DATA packet
	count       int    // cur_window_packets
	bytesInFlight int
}

func newOutgoingBuffer(initialSeq uint16) *outgoingBuffer {
	return &outgoingBuffer{headSeq: initialSeq, nextSeq: initialSeq}
}

func (o *outgoingBuffer) slot(seq uint16) *outgoingRecord {
	return &o.ring[seq&ringMask]
}

// Insert records a freshly sent (or mtu-probe) packet at seq.
func (o *outgoingBuffer) Insert(seq uint16, wire []byte, payloadLen int, now time.Time, mtuProbe bool) {
	r := o.slot(seq)
	*r = outgoingRecord{
		valid:      true,
		seq:        seq,
		wire:       wire,
		payloadLen: payloadLen,
		sentAt:     now,
		mtuProbe:   mtuProbe,
	}
	o.count++
	o.bytesInFlight += payloadLen
}

// Get returns the record for seq if it is a valid, currently-held entry.
func (o *outgoingBuffer) Get(seq uint16) (*outgoingRecord, bool) {
	r := o.slot(seq)
	if !r.valid || r.seq != seq {
		return nil, false
	}
	return r, true
}

// MarkAcked marks seq delivered exactly once; a repeat call is a no-op so
// an acked packet is never handed to the congestion controller as loss
// twice (spec.md §3, §8 property #2). Returns whether this call newly
// acked the packet and, if so, how many payload bytes to credit.
func (o *outgoingBuffer) MarkAcked(seq uint16) (newlyAcked bool, payloadLen int) {
	r, ok := o.Get(seq)
	if !ok || r.acked {
		return false, 0
	}
	r.acked = true
	o.bytesInFlight -= r.payloadLen
	if o.bytesInFlight < 0 {
		o.bytesInFlight = 0
	}
	return true, r.payloadLen
}

// ReleaseContiguousFromHead frees ring slots from the head for every
// consecutive acked entry, advancing headSeq, and returns the freed
// sequence numbers in ascending order.
func (o *outgoingBuffer) ReleaseContiguousFromHead() []uint16 {
	var released []uint16
	for {
		r := o.slot(o.headSeq)
		if !r.valid || r.seq != o.headSeq || !r.acked {
			break
		}
		released = append(released, o.headSeq)
		*r = outgoingRecord{}
		o.count--
		o.headSeq++
	}
	return released
}

// CurWindowPackets returns the count of non-released outgoing entries
// (spec.md §3 invariant).
func (o *outgoingBuffer) CurWindowPackets() int { return o.count }

// BytesInFlight returns the sum of payload bytes for unacked entries.
func (o *outgoingBuffer) BytesInFlight() int { return o.bytesInFlight }

// OldestUnacked returns the sequence number of the oldest still-unacked
// entry (headSeq, since released entries are always acked-and-contiguous).
func (o *outgoingBuffer) OldestUnacked() (uint16, bool) {
	r := o.slot(o.headSeq)
	if !r.valid || r.seq != o.headSeq || r.acked {
		return 0, false
	}
	return o.headSeq, true
}

// Each calls fn for every valid entry in ascending sequence order starting
// at headSeq, stopping early if fn returns false.
func (o *outgoingBuffer) Each(fn func(r *outgoingRecord) bool) {
	seq := o.headSeq
	for i := 0; i < ringSize && seq != o.nextSeq; i++ {
		r := o.slot(seq)
		if r.valid && r.seq == seq {
			if !fn(r) {
				return
			}
		}
		seq++
	}
}
