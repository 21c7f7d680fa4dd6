package cachetable

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/ansel1/merry"
	"github.com/sirupsen/logrus"

	"github.com/IvanBrykalov/pagecache/internal/fsutil"
	"github.com/IvanBrykalov/pagecache/internal/kibbutz"
	"github.com/IvanBrykalov/pagecache/internal/minicron"
)

// CacheTable is a shared, size-bounded cache of fixed-identity blocks
// backed by files. All methods are safe for concurrent use.
type CacheTable struct {
	opt Options
	log logrus.FieldLogger
	m   Metrics

	pl     pairList
	cfList cachefileList
	ev     evictor
	cp     checkpointer
	cl     cleaner

	kb   *kibbutz.Kibbutz // writes, prefetches, partial evictions
	cpKb *kibbutz.Kibbutz // checkpoint clone writes

	cpCron *minicron.Cron
	clCron *minicron.Cron

	closed atomic.Bool

	hits       atomic.Uint64
	misses     atomic.Uint64
	prefetches atomic.Uint64
}

// New builds a cache table and starts its evictor, cleaner and (when
// CheckpointPeriod > 0) checkpointer.
func New(opt Options) (*CacheTable, error) {
	opt, err := opt.withDefaults()
	if err != nil {
		return nil, err
	}
	ct := &CacheTable{
		opt: opt,
		log: opt.Logger,
		m:   opt.Metrics,
	}
	ct.pl.init(opt.HashTableSize, opt.NumBucketMutexes)
	ct.cfList.init(&ct.pl)
	ct.kb = kibbutz.New(opt.Workers)
	ct.cpKb = kibbutz.New(opt.CheckpointWorkers)
	ct.ev.init(opt, &ct.pl, &ct.cfList, ct.kb)
	ct.cp.init(ct, ct.cpKb)
	ct.cl.init(ct, opt.CleanerIterations)

	ct.ev.start()
	ct.cpCron = minicron.Start(opt.CheckpointPeriod, ct.periodicCheckpoint)
	ct.clCron = minicron.Start(opt.CleanerPeriod, ct.cl.run)

	ct.log.WithFields(logrus.Fields{
		"size_limit": opt.SizeLimit,
		"buckets":    opt.HashTableSize,
		"mutexes":    opt.NumBucketMutexes,
		"workers":    opt.Workers,
	}).Debug("cache table started")
	return ct, nil
}

// Close closes every open cachefile, drops the stale ones and stops the
// background goroutines. The first error is returned; closing continues
// past it.
func (ct *CacheTable) Close() error {
	if !ct.closed.CompareAndSwap(false, true) {
		return merry.Here(ErrClosed)
	}
	ct.cpCron.Shutdown()
	ct.clCron.Shutdown()

	ct.cfList.readLock()
	cfs := ct.cfList.active()
	ct.cfList.readUnlock()

	var firstErr error
	for _, cf := range cfs {
		if err := cf.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	ct.cfList.freeStalePairs(&ct.ev)

	ct.ev.destroy()
	ct.kb.Destroy()
	ct.cpKb.Destroy()
	ct.log.Debug("cache table closed")
	return firstErr
}

func (ct *CacheTable) checkOpen() error {
	if ct.closed.Load() {
		return merry.Here(ErrClosed)
	}
	return nil
}

// OpenFile opens fname (relative names resolve against Options.EnvDir)
// and registers it.
func (ct *CacheTable) OpenFile(fname string, flag int, perm os.FileMode) (*Cachefile, error) {
	if err := ct.checkOpen(); err != nil {
		return nil, err
	}
	path := fname
	if !filepath.IsAbs(path) {
		path = filepath.Join(ct.opt.EnvDir, fname)
	}
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, wrapError(err, KindIO)
	}
	cf, err := ct.OpenFd(f, path)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return cf, nil
}

// OpenFd registers an already open file. If the same file (by device and
// inode) was closed and still has cached pairs, its cachefile is revived
// and those pairs hit again. Opening a file that is already open fails
// with KindInvalid.
func (ct *CacheTable) OpenFd(f *os.File, fname string) (*Cachefile, error) {
	if err := ct.checkOpen(); err != nil {
		return nil, err
	}
	id, err := fsutil.IDOf(f)
	if err != nil {
		return nil, wrapError(err, KindIO)
	}

	ct.pl.writeListLock()
	ct.cfList.writeLock()
	if ct.cfList.findActive(id) != nil {
		ct.cfList.writeUnlock()
		ct.pl.writeListUnlock()
		return nil, newError(KindInvalid, "cachetable: %s (%s) is already open", fname, id)
	}
	cf := ct.cfList.findStale(id)
	revived := cf != nil
	if revived {
		cf.revive(f, fname)
		ct.cfList.revive(cf)
	} else {
		cf = newCachefile(ct, f, fname, id)
		ct.cfList.addActive(cf, true)
	}
	ct.cfList.writeUnlock()
	ct.pl.writeListUnlock()

	cf.log.WithFields(logrus.Fields{
		"filenum": cf.filenum,
		"file_id": id.String(),
		"revived": revived,
	}).Debug("cachefile opened")
	return cf, nil
}

// SetSizeLimit changes the eviction target.
func (ct *CacheTable) SetSizeLimit(limit int64) {
	ct.ev.setSizeLimit(limit)
}

// ReserveMemory grants the caller fraction of the reservable memory
// (capped at upper when upper > 0) and charges it to the cache. The grant
// must be returned with ReleaseReservedMemory.
func (ct *CacheTable) ReserveMemory(fraction float64, upper int64) (int64, error) {
	if err := ct.checkOpen(); err != nil {
		return 0, err
	}
	return ct.ev.reserveMemory(fraction, upper)
}

// ReleaseReservedMemory returns a ReserveMemory grant.
func (ct *CacheTable) ReleaseReservedMemory(n int64) {
	ct.ev.releaseReservedMemory(n)
}

// SetCheckpointPeriod changes the periodic checkpoint interval; zero
// disables it.
func (ct *CacheTable) SetCheckpointPeriod(d time.Duration) { ct.cpCron.SetPeriod(d) }

// CheckpointPeriod returns the periodic checkpoint interval.
func (ct *CacheTable) CheckpointPeriod() time.Duration { return ct.cpCron.Period() }

// SetCleanerPeriod changes the cleaner interval; zero pauses it.
func (ct *CacheTable) SetCleanerPeriod(d time.Duration) { ct.clCron.SetPeriod(d) }

// CleanerPeriod returns the cleaner interval.
func (ct *CacheTable) CleanerPeriod() time.Duration { return ct.clCron.Period() }

// SetCleanerIterations changes how many pairs one cleaner period handles.
func (ct *CacheTable) SetCleanerIterations(n int) { ct.cl.setIterations(n) }

// CleanerIterations returns the pairs handled per cleaner period.
func (ct *CacheTable) CleanerIterations() int { return int(ct.cl.iterations.Load()) }

// BeginCheckpoint starts a checkpoint tagged with lsn. It blocks while
// another checkpoint is in progress. Every BeginCheckpoint must be
// followed by EndCheckpoint.
func (ct *CacheTable) BeginCheckpoint(lsn LSN) error {
	if err := ct.checkOpen(); err != nil {
		return err
	}
	ct.cp.begin(lsn)
	return nil
}

// EndCheckpoint completes the checkpoint in progress. testHook, if set,
// runs after the data is durable and before the end-checkpoint callbacks.
func (ct *CacheTable) EndCheckpoint(testHook func()) error {
	return ct.cp.end(testHook)
}

// Checkpoint runs a whole checkpoint with the next LSN. Concurrent calls
// share one checkpoint.
func (ct *CacheTable) Checkpoint(ctx context.Context) (LSN, error) {
	if err := ct.checkOpen(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	ch := ct.cp.sf.DoChan("checkpoint", func() (any, error) {
		lsn := LSN(ct.cp.nextLSN.Add(1))
		ct.cp.begin(lsn)
		return lsn, ct.cp.end(nil)
	})
	// a cancelled caller stops waiting; the checkpoint itself runs to the end
	select {
	case r := <-ch:
		lsn, _ := r.Val.(LSN)
		return lsn, r.Err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (ct *CacheTable) periodicCheckpoint() {
	if _, err := ct.Checkpoint(context.Background()); err != nil && !merry.Is(err, ErrClosed) {
		ct.cp.log.WithError(err).Error("periodic checkpoint failed")
	}
}

// Status is a point-in-time snapshot of the cache table's counters.
// Counters are read without a global lock, so fields may be mutually
// inconsistent by a few in-flight operations.
type Status struct {
	Hits       uint64
	Misses     uint64
	Prefetches uint64

	FullEvictions    uint64
	PartialEvictions uint64
	StaleEvictions   uint64
	EvictorRuns      uint64
	Escalations      uint64
	Stalls           uint64

	CleanerExecutions uint64
	Checkpoints       uint64

	NumPairs      int
	NumCachefiles int
	NumStalePairs int

	SizeCurrent       int64
	SizeLimit         int64
	SizeReserved      int64
	SizeEvicting      int64
	SizeCloned        int64
	SizeNonleaf       int64
	SizeLeaf          int64
	SizeRollback      int64
	SizeCachePressure int64
	LowWatermark      int64
	HighWatermark     int64

	Sleepers         int
	EscalationStreak int
}

// Status returns a snapshot of the counters.
func (ct *CacheTable) Status() Status {
	es := ct.ev.status()
	ct.pl.readListLock()
	numPairs := ct.pl.numPairs
	ct.pl.readListUnlock()
	return Status{
		Hits:              ct.hits.Load(),
		Misses:            ct.misses.Load(),
		Prefetches:        ct.prefetches.Load(),
		FullEvictions:     ct.ev.fullEvictions.Load(),
		PartialEvictions:  ct.ev.partialEvictions.Load(),
		StaleEvictions:    ct.ev.staleEvictions.Load(),
		EvictorRuns:       ct.ev.numRuns.Load(),
		Escalations:       ct.ev.numEscalations.Load(),
		Stalls:            ct.ev.numStalls.Load(),
		CleanerExecutions: ct.cl.executions.Load(),
		Checkpoints:       ct.cp.numCheckpoints.Load(),
		NumPairs:          numPairs,
		NumCachefiles:     ct.cfList.numActive(),
		NumStalePairs:     ct.cfList.stalePairs(),
		SizeCurrent:       es.sizeCurrent,
		SizeLimit:         es.sizeLimit,
		SizeReserved:      es.sizeReserved,
		SizeEvicting:      es.sizeEvicting,
		SizeCloned:        es.sizeCloned,
		SizeNonleaf:       ct.ev.sizeNonleaf.Read(),
		SizeLeaf:          ct.ev.sizeLeaf.Read(),
		SizeRollback:      ct.ev.sizeRollback.Read(),
		SizeCachePressure: ct.ev.sizeCachePressure.Read(),
		LowWatermark:      es.lowWatermark,
		HighWatermark:     es.highWatermark,
		Sleepers:          es.numSleepers,
		EscalationStreak:  es.escalationStreak,
	}
}
