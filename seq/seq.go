// Package seq implements wrap-aware comparisons over the 16-bit sequence
// and ack numbers used by the µTP wire format.
//
// Sequence numbers live on a ring of size 2^16. Two numbers are only ever
// compared within a half-circle of 2^15, so plain integer comparison would
// break the moment a stream's sequence counter wraps. Every comparison in
// the transport must go through here instead of relying on signed overflow
// of some native integer (see DESIGN NOTES in spec.md §9).
package seq

// Diff returns b-a as a signed value in [-2^15, 2^15), i.e. the number of
// steps from a to b going forward around the ring. It is the basis for
// every other comparator in this package.
func Diff(a, b uint16) int16 {
	return int16(b - a)
}

// Less reports whether a precedes b on the sequence ring, i.e.
// (b-a) mod 2^16 is in the open interval (0, 2^15).
func Less(a, b uint16) bool {
	return Diff(a, b) > 0
}

// LessEq reports whether a precedes or equals b.
func LessEq(a, b uint16) bool {
	return a == b || Less(a, b)
}

// Greater reports whether a follows b on the ring.
func Greater(a, b uint16) bool {
	return Less(b, a)
}

// GreaterEq reports whether a follows or equals b.
func GreaterEq(a, b uint16) bool {
	return a == b || Greater(a, b)
}

// InWindow reports whether seq falls in the half-open window
// [base, base+size) on the ring, for size <= 2^15.
func InWindow(base, seq uint16, size uint16) bool {
	return uint16(seq-base) < size
}

// Add returns a+n on the ring.
func Add(a uint16, n int) uint16 {
	return uint16(int32(a) + int32(n))
}
