package pmtu

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProbeAckedRaisesFloor(t *testing.T) {
	now := time.Unix(0, 0)
	p := NewProber(576, 1472, now)

	size, ok := p.ShouldProbe(now)
	require.True(t, ok)
	require.Equal(t, (576+1472+1)/2, size)

	p.OnProbeAcked(size, now)
	require.Equal(t, size, p.Floor())

	// Backed off: no new probe immediately available.
	_, ok = p.ShouldProbe(now)
	require.False(t, ok)
}

func TestProbeLostLowersCeiling(t *testing.T) {
	now := time.Unix(0, 0)
	p := NewProber(576, 1472, now)
	size, ok := p.ShouldProbe(now)
	require.True(t, ok)

	p.OnProbeLost(size, now)
	require.Equal(t, size-1, p.Ceiling())
}

func TestPPPoEScenarioConverges(t *testing.T) {
	// S2: bottleneck path-MTU of 1464. Simulate probes above 1464 failing,
	// probes at or below succeeding; over these 20 rounds the floor climbs
	// toward 1464 and must never pass it, and the ceiling never drops below
	// the floor.
	now := time.Unix(0, 0)
	p := NewProber(576, 1492, now)

	for i := 0; i < 20; i++ {
		size, ok := p.ShouldProbe(now)
		if !ok {
			now = now.Add(time.Minute)
			continue
		}
		if size > 1464 {
			p.OnProbeLost(size, now)
		} else {
			p.OnProbeAcked(size, now)
		}
		now = now.Add(time.Millisecond)
	}

	require.LessOrEqual(t, p.Floor(), 1464)
	require.GreaterOrEqual(t, p.Ceiling(), p.Floor())
}

func TestNoProbeWhileInFlight(t *testing.T) {
	now := time.Unix(0, 0)
	p := NewProber(576, 1472, now)
	_, ok := p.ShouldProbe(now)
	require.True(t, ok)

	_, ok = p.ShouldProbe(now)
	require.False(t, ok, "a second probe must not start while one is in flight")
}
