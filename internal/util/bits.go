package util

import "math/bits"

// IsPowerOfTwo reports whether x is a non-zero power of two.
func IsPowerOfTwo(x uint64) bool { return x != 0 && x&(x-1) == 0 }

// NextPow2 rounds x up to a power of two. Zero rounds to 1 and values
// above 1<<63 clamp to 1<<63.
func NextPow2(x uint64) uint64 {
	if x <= 1 {
		return 1
	}
	shift := bits.Len64(x - 1)
	if shift >= 64 {
		return 1 << 63
	}
	return 1 << shift
}
