// Package cachetable is a shared, size-bounded cache of file blocks that
// sits between a storage engine and its files. Blocks ("pairs") are
// identified by (cachefile, key), pinned by clients under a per-pair
// read/write lock, written back when dirty, and evicted by a background
// clock sweep.
//
// Design
//
//   - Lookup: a fixed-size hash table of intrusive chains. Buckets are
//     guarded by a smaller, power-of-two array of padded mutexes; the same
//     mutex is the monitor of every pair lock in its buckets, so a pin costs
//     one mutex acquisition when uncontended.
//
//   - Pair locks: each pair has a fair FIFO read/write lock (value lock)
//     and a write-only disk mutex that serializes writes of the value and
//     of its checkpoint clone. Write holds are tagged cheap or expensive;
//     PinNonblocking backs off from expensive ones.
//
//   - Eviction: a clock ring over all pairs. The evictor goroutine keeps
//     the total attributed size near Options.SizeLimit. Pairs with a
//     nonzero clock count are aged (probabilistically for small pairs) and
//     offered for partial eviction; the rest are evicted, dirty ones
//     written on a worker pool first. Clients wake the evictor above 11/10
//     of the limit and stall above 3/2 of it until it falls to 5/4.
//
//   - Checkpoints: BeginCheckpoint marks the pairs of every open cachefile
//     pending. A writer that pins a pending pair clones it (if the pair has
//     a Clone callback) and goes on; the clone is written in the
//     background. EndCheckpoint writes whatever is still pending, waits for
//     clone writes, fsyncs and runs the per-file checkpoint callbacks. No
//     pair is written twice for one checkpoint.
//
//   - Cleaner: a low-rate pass hands the pair with the highest
//     CachePressureSize to its Cleaner callback.
//
//   - Stale cachefiles: closing a file keeps its clean pairs cached. They
//     are evicted first, and reopening the same file makes them hit again.
//
// Basic usage
//
//	ct, err := cachetable.New(cachetable.Options{SizeLimit: 64 << 20})
//	if err != nil { ... }
//	defer ct.Close()
//
//	cf, err := ct.OpenFile("data.db", os.O_RDWR|os.O_CREATE, 0o644)
//	if err != nil { ... }
//
//	key := cachetable.Key(7)
//	p, err := cf.GetAndPin(key, cf.Hash(key), cachetable.LockWriteCheap, fetch, write)
//	if err != nil { ... }
//	mutate(p.Value())
//	cf.Unpin(p, true, cachetable.PairAttr{})
//
// Errors carry an ErrorKind (KindOf). Expected outcomes of the probing
// entry points are the sentinels ErrNotFound and ErrTryAgain.
//
// Lock order, outer to inner: pending-expensive, list lock, cachefile
// list, bucket mutex, pending-cheap. Callbacks run with no cache locks held
// unless their documentation says otherwise.
package cachetable
