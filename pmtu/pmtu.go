// Package pmtu implements path-MTU discovery (spec.md §4.7): a floor and
// ceiling bound candidate packet sizes, the engine periodically probes the
// midpoint, and a confirmed probe raises the floor while a lost one lowers
// the ceiling. Probes never attribute congestion loss and back off
// exponentially after each confirmed MTU.
package pmtu

import "time"

// DefaultFloor is 576 (the RFC 1122 minimum reassembly size) minus a
// conservative IP+UDP header allowance.
const DefaultFloor = 576 - 28

// DefaultCeiling is the Ethernet-ish 1500 MTU minus IP+UDP headers.
const DefaultCeiling = 1500 - 28

// DefaultInitialBackoff is the starting probe backoff. Each confirmation
// doubles it before scheduling the next probe, so the first gap after a
// confirmed MTU is 2*DefaultInitialBackoff; a lost probe reschedules after
// the current backoff without doubling it (spec.md §4.7).
const DefaultInitialBackoff = 30 * time.Second

// Prober tracks one stream's path-MTU discovery state.
type Prober struct {
	floor, ceiling int
	backoff        time.Duration
	nextProbeAt    time.Time
	probing        bool
	probeSize      int
}

// NewProber constructs a Prober with the given bounds (0 uses the package
// defaults) scheduled to fire its first probe at now.
func NewProber(floor, ceiling int, now time.Time) *Prober {
	if floor <= 0 {
		floor = DefaultFloor
	}
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	return &Prober{
		floor:       floor,
		ceiling:     ceiling,
		backoff:     DefaultInitialBackoff,
		nextProbeAt: now,
	}
}

// Ceiling returns the current size ceiling: the largest packet payload the
// sender believes the path will carry.
func (p *Prober) Ceiling() int { return p.ceiling }

// Floor returns the current confirmed floor.
func (p *Prober) Floor() int { return p.floor }

// ShouldProbe reports whether it is time to emit a new MTU probe, and if
// so, the size it should be: (floor+ceiling+1)/2, per spec.md §4.7. A
// probe already in flight suppresses a new one.
func (p *Prober) ShouldProbe(now time.Time) (size int, ok bool) {
	if p.probing {
		return 0, false
	}
	if now.Before(p.nextProbeAt) {
		return 0, false
	}
	if p.ceiling-p.floor <= 1 {
		return 0, false // converged, nothing left to probe
	}
	p.probeSize = (p.floor + p.ceiling + 1) / 2
	p.probing = true
	return p.probeSize, true
}

// OnProbeAcked records that the in-flight probe of the given size was
// acknowledged: the floor rises to that size, and the next probe is
// scheduled after an exponentially growing backoff.
func (p *Prober) OnProbeAcked(size int, now time.Time) {
	if !p.probing || size != p.probeSize {
		return
	}
	p.floor = size
	p.probing = false
	p.backoff *= 2
	p.nextProbeAt = now.Add(p.backoff)
}

// OnProbeLost records that the in-flight probe of the given size was lost
// (detected by the normal retransmit engine but never attributed as
// congestion): the ceiling drops to size-1.
func (p *Prober) OnProbeLost(size int, now time.Time) {
	if !p.probing || size != p.probeSize {
		return
	}
	p.ceiling = size - 1
	if p.ceiling < p.floor {
		p.ceiling = p.floor
	}
	p.probing = false
	p.nextProbeAt = now.Add(p.backoff)
}

// InFlightProbeSize returns the size of the currently outstanding probe,
// and whether one is in flight.
func (p *Prober) InFlightProbeSize() (int, bool) {
	return p.probeSize, p.probing
}
