package cachetable

import "time"

// EvictKind says how a pair lost memory.
type EvictKind int

const (
	// EvictFull removed the pair from the cache.
	EvictFull EvictKind = iota
	// EvictPartial shrank the value in place.
	EvictPartial
	// EvictStale removed a pair left behind by a closed cachefile.
	EvictStale
)

// Metrics exposes cache-level observability hooks.
// A NoopMetrics implementation is provided and used by default.
type Metrics interface {
	Hit()
	Miss()
	Evict(kind EvictKind)
	// Size reports the evictor's accountants after each change it drives.
	Size(current, evicting int64)
	// Stall is called each time a client sleeps on flow control.
	Stall()
	Escalation()
	Checkpoint(d time.Duration)
}

// NoopMetrics is a drop-in Metrics implementation that does nothing.
type NoopMetrics struct{}

func (NoopMetrics) Hit()                         {}
func (NoopMetrics) Miss()                        {}
func (NoopMetrics) Evict(EvictKind)              {}
func (NoopMetrics) Size(current, evicting int64) {}
func (NoopMetrics) Stall()                       {}
func (NoopMetrics) Escalation()                  {}
func (NoopMetrics) Checkpoint(time.Duration)     {}

// Ensure NoopMetrics implements the Metrics interface at compile time.
var _ Metrics = NoopMetrics{}
