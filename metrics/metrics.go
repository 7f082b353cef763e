// Package metrics adapts the transport's in-process counters (spec.md §6,
// stats.Stats) to a prometheus.Collector, grounded on runZeroInc/sockstats's
// pkg/exporter.TCPInfoCollector: a Describe/Collect pair pulling from a live
// table of tracked sockets rather than registering metrics eagerly. Wiring
// is additive — Stats/Snapshot remain the source of truth and work with
// zero Prometheus setup; Collector is an opt-in adapter for services that
// expose a /metrics endpoint (SPEC_FULL.md's "[DOMAIN] Metrics exposition").
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/go-utp/utp/stats"
)

// Snapshotter is satisfied by *utp.Socket. Defined locally (rather than
// imported from the utp package) to keep metrics decoupled from the core
// transport package and avoid a cyclic dependency.
type Snapshotter interface {
	Stats() stats.Snapshot
}

type entry struct {
	name string
	snap Snapshotter
}

// counterDesc pairs a prometheus.Desc with the accessor that reads the
// matching field off a stats.Snapshot.
type counterDesc struct {
	desc *prometheus.Desc
	get  func(stats.Snapshot) uint64
}

// Collector implements prometheus.Collector over a set of named sockets,
// each identified by a caller-supplied label (e.g. listener address).
type Collector struct {
	mu       sync.Mutex
	entries  map[string]entry
	counters []counterDesc
}

// NewCollector builds a Collector with no sockets registered yet; call Add
// for each Socket (or stream aggregator) whose counters should be exported.
func NewCollector(constLabels prometheus.Labels) *Collector {
	c := &Collector{entries: make(map[string]entry)}
	c.counters = []counterDesc{
		{desc("utp_packets_in_total", "Datagrams received.", constLabels), func(s stats.Snapshot) uint64 { return s.PacketsIn }},
		{desc("utp_packets_out_total", "Datagrams sent.", constLabels), func(s stats.Snapshot) uint64 { return s.PacketsOut }},
		{desc("utp_payload_pkts_in_total", "DATA packets received.", constLabels), func(s stats.Snapshot) uint64 { return s.PayloadPktsIn }},
		{desc("utp_invalid_pkts_in_total", "Malformed datagrams discarded.", constLabels), func(s stats.Snapshot) uint64 { return s.InvalidPktsIn }},
		{desc("utp_redundant_pkts_in_total", "Already-delivered DATA packets received again.", constLabels), func(s stats.Snapshot) uint64 { return s.RedundantPktsIn }},
		{desc("utp_fast_retransmit_total", "Fast-retransmits triggered by the third-duplicate-ack rule.", constLabels), func(s stats.Snapshot) uint64 { return s.FastRetransmit }},
		{desc("utp_packet_resend_total", "Packets retransmitted (timeout or fast-retransmit).", constLabels), func(s stats.Snapshot) uint64 { return s.PacketResend }},
		{desc("utp_packet_loss_total", "Congestion-window cuts attributed to loss.", constLabels), func(s stats.Snapshot) uint64 { return s.PacketLoss }},
		{desc("utp_timeout_total", "RTO expirations.", constLabels), func(s stats.Snapshot) uint64 { return s.Timeout }},
		{desc("utp_samples_above_target_total", "LEDBAT delay samples above the target queuing delay.", constLabels), func(s stats.Snapshot) uint64 { return s.SamplesAboveTarget }},
		{desc("utp_samples_below_target_total", "LEDBAT delay samples at or below the target queuing delay.", constLabels), func(s stats.Snapshot) uint64 { return s.SamplesBelowTarget }},
	}
	return c
}

func desc(name, help string, constLabels prometheus.Labels) *prometheus.Desc {
	return prometheus.NewDesc(name, help, []string{"socket"}, constLabels)
}

// Add registers a Snapshotter (typically a *utp.Socket) under name, the
// label value attached to every metric Collect emits for it.
func (c *Collector) Add(name string, s Snapshotter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[name] = entry{name: name, snap: s}
}

// Remove stops exporting metrics for name, e.g. once a listener is closed.
func (c *Collector) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, name)
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, cd := range c.counters {
		ch <- cd.desc
	}
}

// Collect implements prometheus.Collector, reading a fresh snapshot from
// every registered socket.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	entries := make([]entry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	for _, e := range entries {
		snap := e.snap.Stats()
		for _, cd := range c.counters {
			ch <- prometheus.MustNewConstMetric(cd.desc, prometheus.CounterValue, float64(cd.get(snap)), e.name)
		}
	}
}
