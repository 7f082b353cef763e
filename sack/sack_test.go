package sack

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildAndTestRoundTrip(t *testing.T) {
	held := map[uint16]bool{102: true, 105: true}
	bm := Build(100, func(s uint16) bool { return held[s] }, 32)
	require.NotNil(t, bm)
	require.Zero(t, len(bm)%4, "selective-ack length must be a multiple of 4")

	b := Bitmap(bm)
	// bit i -> seq 100+2+i, so seq 102 -> i=0, seq 105 -> i=3.
	require.True(t, b.Test(0))
	require.True(t, b.Test(3))
	require.False(t, b.Test(1))
	require.False(t, b.Test(2))
}

func TestBuildReturnsNilWhenNothingHeld(t *testing.T) {
	bm := Build(100, func(uint16) bool { return false }, 32)
	require.Nil(t, bm)
}

func TestApplyToSetIdempotent(t *testing.T) {
	held := map[uint16]bool{102: true, 105: true}
	bm := Bitmap(Build(100, func(s uint16) bool { return held[s] }, 32))
	delivered := map[uint16]bool{}

	first := ApplyToSet(100, bm, delivered)
	require.NotEmpty(t, first)

	second := ApplyToSet(100, bm, delivered)
	require.Empty(t, second, "applying the same bitmap twice must release nothing new")
}

func TestThirdDuplicateTrigger(t *testing.T) {
	// Two gaps acked: not yet enough to trigger.
	bm := Bitmap{0b00000101} // bits 0 and 2 set -> only two dup signals
	_, trigger := ThirdDuplicateTrigger(100, bm)
	require.False(t, trigger)

	// Three bits set: triggers fast-retransmit of ack_nr+1.
	bm3 := Bitmap{0b00000111}
	seq, trigger := ThirdDuplicateTrigger(100, bm3)
	require.True(t, trigger)
	require.Equal(t, uint16(101), seq)
}
