// Package ledbat implements the LEDBAT (Low Extra Delay Background
// Transport) congestion controller described in spec.md §4.6: one-way
// delay estimation via a sliding-window minimum, a target-delay gain
// formula driving cwnd, and slow-start that ends on first loss or first
// above-target sample.
//
// The delay-base sliding minimum is implemented as two buckets rotated
// every window/2, per the DESIGN NOTES in spec.md §9, rather than a sorted
// window of samples.
package ledbat

import "time"

// DefaultWindow is the sliding window over which the delay-base minimum is
// tracked (spec.md §4.6: "typically 2 minutes").
const DefaultWindow = 2 * time.Minute

// DelayBase tracks the minimum one-way delay sample observed over a
// sliding time window using two buckets, each covering window/2: the
// "current" bucket accumulates the running minimum; every half-window it
// rotates — the older bucket is discarded and a fresh one started — so the
// overall minimum (the min of both buckets) only decreases within the
// window and resets on window roll, exactly as spec.md §3 requires.
type DelayBase struct {
	window time.Duration

	bucket       [2]uint32
	haveSample   [2]bool
	bucketStart  time.Time
	activeBucket int
}

// NewDelayBase constructs a DelayBase with the given sliding window,
// starting its first bucket at now.
func NewDelayBase(window time.Duration, now time.Time) *DelayBase {
	if window <= 0 {
		window = DefaultWindow
	}
	return &DelayBase{window: window, bucketStart: now}
}

// Update folds in a new one-way delay sample (microseconds) observed at
// now, rotating buckets as needed, and returns the current base (the
// minimum across both live buckets).
func (d *DelayBase) Update(sample uint32, now time.Time) uint32 {
	half := d.window / 2
	for now.Sub(d.bucketStart) >= half {
		d.activeBucket = 1 - d.activeBucket
		d.bucket[d.activeBucket] = 0
		d.haveSample[d.activeBucket] = false
		d.bucketStart = d.bucketStart.Add(half)
	}

	idx := d.activeBucket
	if !d.haveSample[idx] || sample < d.bucket[idx] {
		d.bucket[idx] = sample
		d.haveSample[idx] = true
	}

	return d.Base()
}

// Base returns the minimum of the two live buckets, or 0 if neither has a
// sample yet.
func (d *DelayBase) Base() uint32 {
	other := 1 - d.activeBucket
	switch {
	case d.haveSample[d.activeBucket] && d.haveSample[other]:
		if d.bucket[d.activeBucket] < d.bucket[other] {
			return d.bucket[d.activeBucket]
		}
		return d.bucket[other]
	case d.haveSample[d.activeBucket]:
		return d.bucket[d.activeBucket]
	case d.haveSample[other]:
		return d.bucket[other]
	default:
		return 0
	}
}

// Params bundles the tunables LEDBAT needs; they come straight from the
// config keys in spec.md §6.
type Params struct {
	TargetDelay          time.Duration
	MaxCwndIncreasePerRTT int // bytes, "gain" in config
	MinCwnd              int // bytes, typically 2*MSS
	MaxCwnd              int // bytes
	LossMultiplier       float64
	MSS                  int
}

// Controller is one stream's LEDBAT congestion state: cwnd, the two delay
// bases, slow-start tracking, and loss cooldown.
type Controller struct {
	params Params

	ourDelayBase   *DelayBase
	theirDelayBase *DelayBase

	cwnd float64

	slowStart    bool
	everLost     bool
	lastCutRTT   time.Time // last time cwnd was cut for congestion loss
	lastCutValid bool

	samplesAbove uint64
	samplesBelow uint64
}

// NewController constructs a Controller starting in slow-start with
// cwnd == 2*MinCwnd (4*MSS when MinCwnd is left at its 2*MSS default).
func NewController(p Params, now time.Time) *Controller {
	if p.MSS <= 0 {
		p.MSS = 1400
	}
	if p.MinCwnd <= 0 {
		p.MinCwnd = 2 * p.MSS
	}
	if p.MaxCwnd <= 0 {
		p.MaxCwnd = 1 << 20
	}
	if p.TargetDelay <= 0 {
		p.TargetDelay = 100 * time.Millisecond
	}
	if p.LossMultiplier <= 0 {
		p.LossMultiplier = 0.5
	}
	return &Controller{
		params:         p,
		ourDelayBase:   NewDelayBase(DefaultWindow, now),
		theirDelayBase: NewDelayBase(DefaultWindow, now),
		cwnd:           float64(p.MinCwnd * 2),
		slowStart:      true,
	}
}

// Cwnd returns the current congestion window in bytes, always within
// [MinCwnd, MaxCwnd] (spec.md §8 property #4).
func (c *Controller) Cwnd() int {
	return int(c.clamp(c.cwnd))
}

func (c *Controller) clamp(v float64) float64 {
	if v < float64(c.params.MinCwnd) {
		return float64(c.params.MinCwnd)
	}
	if v > float64(c.params.MaxCwnd) {
		return float64(c.params.MaxCwnd)
	}
	return v
}

// OnOurSample folds in a one-way delay sample derived from an inbound
// packet's timestamp_diff field (spec.md §4.6): current_delay =
// timestamp_diff - our_delay_base.
func (c *Controller) OnOurSample(timestampDiff uint32, now time.Time) (currentDelay uint32) {
	base := c.ourDelayBase.Update(timestampDiff, now)
	if timestampDiff < base {
		return 0
	}
	return timestampDiff - base
}

// OnTheirSample folds in the symmetric delay-base sample the peer reports
// about us, used only for bookkeeping/diagnostics — the congestion
// decision is driven by our own delay base.
func (c *Controller) OnTheirSample(timestampDiff uint32, now time.Time) {
	c.theirDelayBase.Update(timestampDiff, now)
}

// OnAck applies the LEDBAT window-update rule for bytesAcked bytes freshly
// acknowledged, using currentDelay computed via OnOurSample for the packet
// that carried the ack. During slow-start, cwnd grows by bytesAcked per ack
// instead, until loss or an above-target sample ends it (spec.md §4.6).
func (c *Controller) OnAck(bytesAcked int, currentDelay uint32, now time.Time) {
	if bytesAcked <= 0 {
		return
	}

	target := float64(c.params.TargetDelay.Microseconds())
	if target <= 0 {
		target = 1
	}
	delay := float64(currentDelay)

	if delay > target {
		c.samplesAbove++
	} else {
		c.samplesBelow++
	}

	if c.slowStart {
		if c.everLost || delay >= target {
			c.slowStart = false
		} else {
			c.cwnd = c.clamp(c.cwnd + float64(bytesAcked))
			return
		}
	}

	offTarget := (target - delay) / target
	if c.cwnd <= 0 {
		c.cwnd = float64(c.params.MinCwnd)
	}
	gain := float64(c.params.MaxCwndIncreasePerRTT) * offTarget * float64(bytesAcked) / c.cwnd
	c.cwnd = c.clamp(c.cwnd + gain)
}

// SamplesAboveTarget returns the running utp_samples_above_target counter.
func (c *Controller) SamplesAboveTarget() uint64 { return c.samplesAbove }

// SamplesBelowTarget returns the running utp_samples_below_target counter.
func (c *Controller) SamplesBelowTarget() uint64 { return c.samplesBelow }

// OnCongestionLoss reduces cwnd by LossMultiplier, but only if at least one
// RTT has elapsed since the last cut (the cooldown named in spec.md §4.6),
// and reports whether it actually cut. Fast-retransmit and MTU-probe loss
// must never call this — see spec.md §4.5/§4.7.
func (c *Controller) OnCongestionLoss(rtt time.Duration, now time.Time) bool {
	if c.lastCutValid && now.Sub(c.lastCutRTT) < rtt {
		return false
	}
	c.slowStart = false
	c.everLost = true
	c.cwnd = c.clamp(c.cwnd * c.params.LossMultiplier)
	c.lastCutRTT = now
	c.lastCutValid = true
	return true
}

// InSlowStart reports whether the controller is still in slow-start.
func (c *Controller) InSlowStart() bool { return c.slowStart }
