package cachetable

import "os"

// Key is a block number, unique within one cachefile.
type Key uint64

// LSN is a log sequence number handed to checkpoint callbacks.
type LSN uint64

// PairAttr is the size breakdown of one cached value. Size is what the
// evictor budgets; the other fields only feed the partitioned counters and
// the cleaner's choice (CachePressureSize).
type PairAttr struct {
	Size              int64
	NonleafSize       int64
	LeafSize          int64
	RollbackSize      int64
	CachePressureSize int64
	IsValid           bool
}

// MakePairAttr returns a valid attr that only carries a total size.
func MakePairAttr(size int64) PairAttr {
	return PairAttr{Size: size, IsValid: true}
}

// LockType selects how a pin holds the pair's value lock.
type LockType int

const (
	// LockRead shares the value with other readers.
	LockRead LockType = iota
	// LockWriteCheap is an exclusive hold expected to be short.
	LockWriteCheap
	// LockWriteExpensive is an exclusive hold that may block on I/O.
	// Non-blocking pins back off instead of queueing behind it.
	LockWriteExpensive
)

func (lt LockType) isWrite() bool { return lt != LockRead }

// PECost classifies a partial eviction.
type PECost int

const (
	PECheap PECost = iota
	PEExpensive
)

// FlushRequest tells a FlushFunc what to do with the value.
type FlushRequest struct {
	// Write the value to the backing store.
	Write bool
	// KeepInCache: the value stays resident; when false the callback owns
	// and releases it.
	KeepInCache bool
	// ForCheckpoint: the write belongs to the checkpoint in progress.
	ForCheckpoint bool
	// IsClone: value is a clone produced by CloneFunc.
	IsClone bool
}

// FetchResult is what a FetchFunc produces on a miss.
type FetchResult struct {
	Value    any
	DiskData any
	Attr     PairAttr
	Dirty    bool
}

// FetchFunc reads a value from the backing store. It runs with no cache
// locks held.
type FetchFunc func(cf *Cachefile, key Key, fullhash uint32, extra any) (FetchResult, error)

// PartialFetchRequiredFunc reports whether a resident value lacks data the
// caller needs.
type PartialFetchRequiredFunc func(value any, extra any) bool

// PartialFetchFunc completes a resident value in place and returns its new
// attr.
type PartialFetchFunc func(cf *Cachefile, value any, diskData any, extra any) (PairAttr, error)

// FlushFunc writes and/or releases a value. cf is nil when the pair is
// being freed after it left the cache. diskData may be replaced.
type FlushFunc func(cf *Cachefile, key Key, value any, diskData *any, extra any, oldAttr PairAttr, req FlushRequest) (PairAttr, error)

// PartialEvictionEstimateFunc estimates how many bytes PartialEvictionFunc
// would free and how costly that would be.
type PartialEvictionEstimateFunc func(value any, diskData any, extra any) (int64, PECost)

// PartialEvictionFunc shrinks a value in place and returns its new attr.
type PartialEvictionFunc func(value any, oldAttr PairAttr, extra any) (PairAttr, error)

// CleanerFunc does bounded background work on a value whose
// CachePressureSize is high. It returns the new attr and whether the value
// is now dirty; the cache releases the pair afterwards.
type CleanerFunc func(cf *Cachefile, key Key, fullhash uint32, value any, extra any) (PairAttr, bool, error)

// CloneFunc deep-copies a value for a checkpoint write. newAttr is the attr
// of the source value after cloning.
type CloneFunc func(value any, forCheckpoint bool, extra any) (cloned any, clonedSize int64, newAttr PairAttr)

// CheckpointCompleteFunc is told the value's checkpoint obligation is met.
type CheckpointCompleteFunc func(value any, extra any)

// RemoveKeyFunc is called by UnpinAndRemove before the pair is unlinked.
type RemoveKeyFunc func(key Key, forCheckpoint bool, extra any)

// WriteCallbacks are fixed for the lifetime of a pair.
type WriteCallbacks struct {
	Flush                   FlushFunc
	PartialEvictionEstimate PartialEvictionEstimateFunc
	PartialEviction         PartialEvictionFunc
	Cleaner                 CleanerFunc
	Clone                   CloneFunc
	CheckpointComplete      CheckpointCompleteFunc
	Extra                   any
}

// FetchCallbacks are supplied per pin.
type FetchCallbacks struct {
	Fetch                FetchFunc
	PartialFetchRequired PartialFetchRequiredFunc
	PartialFetch         PartialFetchFunc
	Extra                any
}

// CachefileCallbacks connect a cachefile to the layer above it. Every
// field is optional.
type CachefileCallbacks struct {
	Userdata any

	LogFassociate func(cf *Cachefile, userdata any)
	// BeginCheckpoint runs with the pair list locked and must not call
	// into the cache table.
	BeginCheckpoint       func(lsn LSN, userdata any)
	Checkpoint            func(cf *Cachefile, f *os.File, userdata any) error
	EndCheckpoint         func(cf *Cachefile, f *os.File, userdata any) error
	NotePinByCheckpoint   func(cf *Cachefile, userdata any)
	NoteUnpinByCheckpoint func(cf *Cachefile, userdata any)
	Close                 func(cf *Cachefile, f *os.File, userdata any) error
	Free                  func(cf *Cachefile, userdata any)
}

// Default callbacks used when a WriteCallbacks field is nil.

func noopFlush(*Cachefile, Key, any, *any, any, PairAttr, FlushRequest) (PairAttr, error) {
	return PairAttr{}, nil
}

func noopPEEstimate(any, any, any) (int64, PECost) { return 0, PECheap }

func noopPartialEviction(_ any, old PairAttr, _ any) (PairAttr, error) { return old, nil }

func noopPartialFetchRequired(any, any) bool { return false }

func (wc *WriteCallbacks) fillDefaults() {
	if wc.Flush == nil {
		wc.Flush = noopFlush
	}
	if wc.PartialEvictionEstimate == nil {
		wc.PartialEvictionEstimate = noopPEEstimate
	}
	if wc.PartialEviction == nil {
		wc.PartialEviction = noopPartialEviction
	}
}

func (fc *FetchCallbacks) fillDefaults() {
	if fc.PartialFetchRequired == nil {
		fc.PartialFetchRequired = noopPartialFetchRequired
	}
}
