// Package partitioned provides an approximate, low-contention counter made
// of cache-line padded stripes. Writers update a random stripe; readers sum
// all stripes. A concurrent reader may observe a sum that is off by the
// updates still in flight, so the value must only feed policy and
// statistics, never correctness decisions.
package partitioned

import (
	"math/rand/v2"

	"github.com/IvanBrykalov/pagecache/internal/util"
)

// Counter is safe for concurrent use.
type Counter struct {
	stripes []util.PaddedAtomicInt64
	mask    uint32
}

// New creates a counter with n stripes (rounded to a power of two; auto
// when n <= 0).
func New(n int) *Counter {
	if n <= 0 {
		n = util.ReasonableShardCount()
	}
	n = int(util.NextPow2(uint64(n)))
	return &Counter{
		stripes: make([]util.PaddedAtomicInt64, n),
		mask:    uint32(n - 1),
	}
}

// Add adds delta (may be negative) to one stripe.
func (c *Counter) Add(delta int64) {
	if delta == 0 {
		return
	}
	c.stripes[rand.Uint32()&c.mask].Add(delta)
}

// Read sums all stripes.
func (c *Counter) Read() int64 {
	var sum int64
	for i := range c.stripes {
		sum += c.stripes[i].Load()
	}
	return sum
}
