package cachetable

import (
	"runtime"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/IvanBrykalov/pagecache/internal/util"
)

// Options configures a CacheTable. Zero values are safe; defaults are
// applied in New:
//   - SizeReservedFraction 0  => 1/4 of SizeLimit is never reservable
//   - EvictorPeriod 0         => 1s
//   - CleanerPeriod 0         => 1s, CleanerIterations 0 => 5
//   - CheckpointPeriod 0      => no periodic checkpoints
//   - NumBucketMutexes 0      => 4096, HashTableSize 0 => 1<<16
//   - Workers 0               => GOMAXPROCS
//   - nil Logger              => logrus standard logger
//   - nil Metrics             => NoopMetrics
type Options struct {
	// SizeLimit is the memory target in bytes (sum of PairAttr.Size). The
	// evictor aims for it; clients stall at 3/2 of it.
	SizeLimit int64

	// SizeReservedFraction of SizeLimit is held back from ReserveMemory.
	SizeReservedFraction float64

	// EvictorPeriod is the interval between background eviction passes.
	EvictorPeriod time.Duration

	// Cleaner pass interval and the number of pairs cleaned per pass.
	CleanerPeriod     time.Duration
	CleanerIterations int

	// CheckpointPeriod drives Checkpoint from a background timer.
	CheckpointPeriod time.Duration

	// NumBucketMutexes shards the hash bucket mutexes. Rounded up to a power
	// of two and capped at HashTableSize.
	NumBucketMutexes int

	// HashTableSize is the fixed number of hash buckets (power of two).
	HashTableSize int

	// Workers run asynchronous writes, prefetches and partial evictions.
	Workers int
	// CheckpointWorkers write checkpoint clones.
	CheckpointWorkers int

	// MaxEscalations is the number of consecutive failed eviction passes
	// after which ReserveMemory refuses with KindOutOfMemory.
	MaxEscalations int

	// EnvDir resolves relative names given to OpenFile.
	EnvDir string

	Logger  logrus.FieldLogger
	Metrics Metrics
}

const (
	defaultPeriod            = time.Second
	defaultCleanerIterations = 5
	defaultNumBucketMutexes  = 4096
	defaultHashTableSize     = 1 << 16
	defaultMaxEscalations    = 8
	defaultReservedFraction  = 0.25
)

// withDefaults validates o and fills in defaults.
func (o Options) withDefaults() (Options, error) {
	if o.SizeLimit < 0 || o.NumBucketMutexes < 0 || o.HashTableSize < 0 ||
		o.Workers < 0 || o.CheckpointWorkers < 0 || o.CleanerIterations < 0 ||
		o.EvictorPeriod < 0 || o.CleanerPeriod < 0 || o.CheckpointPeriod < 0 {
		return o, newError(KindInvalid, "cachetable: negative option")
	}
	if o.SizeReservedFraction < 0 || o.SizeReservedFraction >= 1 {
		return o, newError(KindInvalid, "cachetable: SizeReservedFraction %v out of [0,1)", o.SizeReservedFraction)
	}
	if o.SizeReservedFraction == 0 {
		o.SizeReservedFraction = defaultReservedFraction
	}
	if o.EvictorPeriod == 0 {
		o.EvictorPeriod = defaultPeriod
	}
	if o.CleanerPeriod == 0 {
		o.CleanerPeriod = defaultPeriod
	}
	if o.CleanerIterations == 0 {
		o.CleanerIterations = defaultCleanerIterations
	}
	if o.HashTableSize == 0 {
		o.HashTableSize = defaultHashTableSize
	}
	o.HashTableSize = int(util.NextPow2(uint64(o.HashTableSize)))
	if o.NumBucketMutexes == 0 {
		o.NumBucketMutexes = defaultNumBucketMutexes
	}
	o.NumBucketMutexes = int(util.NextPow2(uint64(o.NumBucketMutexes)))
	if o.NumBucketMutexes > o.HashTableSize {
		o.NumBucketMutexes = o.HashTableSize
	}
	if o.Workers == 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	if o.CheckpointWorkers == 0 {
		o.CheckpointWorkers = runtime.GOMAXPROCS(0) / 4
		if o.CheckpointWorkers < 1 {
			o.CheckpointWorkers = 1
		}
	}
	if o.MaxEscalations == 0 {
		o.MaxEscalations = defaultMaxEscalations
	}
	if o.EnvDir == "" {
		o.EnvDir = "."
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.Metrics == nil {
		o.Metrics = NoopMetrics{}
	}
	return o, nil
}
