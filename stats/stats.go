// Package stats holds the per-loop statistics counters named in spec.md §6,
// kept with the names preserved for interoperability with existing analysis
// tooling. Counters are per-loop (one Stats per Socket event loop, spec.md
// §5) and merged on query by callers that own more than one.
package stats

import "sync/atomic"

// Stats is a set of monotonically increasing counters. All fields are
// accessed with sync/atomic so the event loop can increment them without a
// lock while a concurrent Snapshot reads a consistent-enough view.
type Stats struct {
	PacketsIn          atomic.Uint64 // utp_packets_in
	PacketsOut         atomic.Uint64 // utp_packets_out
	PayloadPktsIn      atomic.Uint64 // utp_payload_pkts_in
	InvalidPktsIn      atomic.Uint64 // utp_invalid_pkts_in
	RedundantPktsIn    atomic.Uint64 // utp_redundant_pkts_in
	FastRetransmit     atomic.Uint64 // utp_fast_retransmit
	PacketResend       atomic.Uint64 // utp_packet_resend
	PacketLoss         atomic.Uint64 // utp_packet_loss
	Timeout            atomic.Uint64 // utp_timeout
	SamplesAboveTarget atomic.Uint64 // utp_samples_above_target
	SamplesBelowTarget atomic.Uint64 // utp_samples_below_target
}

// Snapshot is a point-in-time, non-atomic copy of Stats suitable for
// logging, assertions, or a single Prometheus Collect.
type Snapshot struct {
	PacketsIn          uint64
	PacketsOut         uint64
	PayloadPktsIn      uint64
	InvalidPktsIn      uint64
	RedundantPktsIn    uint64
	FastRetransmit     uint64
	PacketResend       uint64
	PacketLoss         uint64
	Timeout            uint64
	SamplesAboveTarget uint64
	SamplesBelowTarget uint64
}

// Snapshot returns a consistent-enough copy of the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		PacketsIn:          s.PacketsIn.Load(),
		PacketsOut:         s.PacketsOut.Load(),
		PayloadPktsIn:      s.PayloadPktsIn.Load(),
		InvalidPktsIn:      s.InvalidPktsIn.Load(),
		RedundantPktsIn:    s.RedundantPktsIn.Load(),
		FastRetransmit:     s.FastRetransmit.Load(),
		PacketResend:       s.PacketResend.Load(),
		PacketLoss:         s.PacketLoss.Load(),
		Timeout:            s.Timeout.Load(),
		SamplesAboveTarget: s.SamplesAboveTarget.Load(),
		SamplesBelowTarget: s.SamplesBelowTarget.Load(),
	}
}

// Merge returns a new snapshot holding the field-by-field sum of s and o,
// used when a caller owns more than one event loop and wants an aggregate
// view (spec.md §5: "Statistics counters are per-loop and merged on query").
func (s Snapshot) Merge(o Snapshot) Snapshot {
	return Snapshot{
		PacketsIn:          s.PacketsIn + o.PacketsIn,
		PacketsOut:         s.PacketsOut + o.PacketsOut,
		PayloadPktsIn:      s.PayloadPktsIn + o.PayloadPktsIn,
		InvalidPktsIn:      s.InvalidPktsIn + o.InvalidPktsIn,
		RedundantPktsIn:    s.RedundantPktsIn + o.RedundantPktsIn,
		FastRetransmit:     s.FastRetransmit + o.FastRetransmit,
		PacketResend:       s.PacketResend + o.PacketResend,
		PacketLoss:         s.PacketLoss + o.PacketLoss,
		Timeout:            s.Timeout + o.Timeout,
		SamplesAboveTarget: s.SamplesAboveTarget + o.SamplesAboveTarget,
		SamplesBelowTarget: s.SamplesBelowTarget + o.SamplesBelowTarget,
	}
}
