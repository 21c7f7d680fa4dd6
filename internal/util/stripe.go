package util

import (
	"runtime"
	"sync/atomic"
	"unsafe"
)

// CacheLineSize separates hot words touched by different goroutines.
const CacheLineSize = 64

// PaddedAtomicInt64 occupies a whole cache line so neighbouring stripes
// of a counter never share one.
type PaddedAtomicInt64 struct {
	atomic.Int64
	_ [CacheLineSize - 8]byte
}

var _ [CacheLineSize - int(unsafe.Sizeof(PaddedAtomicInt64{}))]byte

// maxStripes bounds striped structures on very wide machines.
const maxStripes = 256

// ReasonableShardCount returns twice GOMAXPROCS rounded up to a power of
// two, at most maxStripes.
func ReasonableShardCount() int {
	n := NextPow2(uint64(max(runtime.GOMAXPROCS(0), 1)) * 2)
	return int(min(n, maxStripes))
}

// ShardIndex maps a hash onto [0, n). Power-of-two n uses a mask.
func ShardIndex(hash uint64, n int) int {
	switch {
	case n <= 1:
		return 0
	case IsPowerOfTwo(uint64(n)):
		return int(hash & uint64(n-1))
	default:
		return int(hash % uint64(n))
	}
}
