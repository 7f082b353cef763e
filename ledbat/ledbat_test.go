package ledbat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelayBaseOnlyDecreasesWithinWindow(t *testing.T) {
	now := time.Unix(0, 0)
	db := NewDelayBase(2*time.Minute, now)

	require.Equal(t, uint32(1000), db.Update(1000, now))
	require.Equal(t, uint32(500), db.Update(500, now.Add(time.Second)))
	// A larger sample within the window must not raise the base.
	require.Equal(t, uint32(500), db.Update(2000, now.Add(2*time.Second)))
}

func TestDelayBaseResetsOnWindowRoll(t *testing.T) {
	now := time.Unix(0, 0)
	db := NewDelayBase(2*time.Minute, now)
	db.Update(100, now)

	// Advance past a full window (both buckets rotate out the old minimum).
	later := now.Add(3 * time.Minute)
	got := db.Update(5000, later)
	require.Equal(t, uint32(5000), got, "old minimum should have rolled out of the window")
}

func TestCwndStaysWithinBounds(t *testing.T) {
	now := time.Unix(0, 0)
	c := NewController(Params{
		TargetDelay:           100 * time.Millisecond,
		MaxCwndIncreasePerRTT: 3000,
		MinCwnd:               2800,
		MaxCwnd:               1_000_000,
		MSS:                   1400,
	}, now)

	for i := 0; i < 10_000; i++ {
		c.OnAck(1400, 0, now) // always below target: should grow, clamped at MaxCwnd
		require.GreaterOrEqual(t, c.Cwnd(), 2800)
		require.LessOrEqual(t, c.Cwnd(), 1_000_000)
	}
	require.Equal(t, 1_000_000, c.Cwnd())
}

func TestCongestionLossNeverCutsBelowMinCwnd(t *testing.T) {
	now := time.Unix(0, 0)
	c := NewController(Params{MinCwnd: 2800, MaxCwnd: 1_000_000, MSS: 1400, LossMultiplier: 0.5}, now)
	rtt := 10 * time.Millisecond
	for i := 0; i < 30; i++ {
		c.OnCongestionLoss(rtt, now.Add(time.Duration(i)*2*rtt))
	}
	require.Equal(t, 2800, c.Cwnd())
}

func TestCongestionLossCooldown(t *testing.T) {
	now := time.Unix(0, 0)
	c := NewController(Params{MinCwnd: 2800, MaxCwnd: 1_000_000, MSS: 1400, LossMultiplier: 0.5}, now)
	c.cwnd = 100_000

	rtt := 200 * time.Millisecond
	require.True(t, c.OnCongestionLoss(rtt, now))
	cwndAfterFirstCut := c.Cwnd()
	require.Less(t, cwndAfterFirstCut, 100_000)

	// A second loss within the same RTT window must not cut again.
	require.False(t, c.OnCongestionLoss(rtt, now.Add(50*time.Millisecond)))
	require.Equal(t, cwndAfterFirstCut, c.Cwnd())

	// After a full RTT has passed, a further loss may cut again.
	require.True(t, c.OnCongestionLoss(rtt, now.Add(rtt+time.Millisecond)))
	require.Less(t, c.Cwnd(), cwndAfterFirstCut)
}

func TestSlowStartEndsOnAboveTargetSample(t *testing.T) {
	now := time.Unix(0, 0)
	c := NewController(Params{TargetDelay: 100 * time.Millisecond, MinCwnd: 2800, MaxCwnd: 1_000_000, MSS: 1400}, now)
	require.True(t, c.InSlowStart())

	c.OnAck(1400, uint32((200 * time.Millisecond).Microseconds()), now) // above target
	require.False(t, c.InSlowStart())
}
