package cachetable

import (
	"sync"

	"github.com/IvanBrykalov/pagecache/internal/util"
)

// bucketMutex sits alone on its cache line.
type bucketMutex struct {
	sync.Mutex
	_ [util.CacheLineSize - 8]byte
}

// pairList indexes every pair in the cache.
//
// The hash table never resizes, so find only needs the bucket mutex.
// Structural changes (put, evict) take the list write lock and the bucket
// mutex; scans (evictor, cleaner, checkpoint end) take the list read lock
// and only move their own cursor.
//
// Lock order, outer to inner:
//
//	pendingExp -> listLock -> cachefile list -> bucket mutex -> pendingCheap
//
// A blocking acquisition of a value lock or disk mutex may only happen with
// nothing but the bucket mutex held.
type pairList struct {
	listLock     sync.RWMutex
	pendingExp   sync.RWMutex
	pendingCheap sync.RWMutex

	numPairs int
	table    []*Pair
	mutexes  []bucketMutex

	// clock ring cursors
	clockHead      *Pair
	cleanerHead    *Pair
	checkpointHead *Pair

	// pending list, appended at the tail
	pendingHead *Pair
	pendingTail *Pair
}

func (pl *pairList) init(tableSize, numMutexes int) {
	if !util.IsPowerOfTwo(uint64(tableSize)) || !util.IsPowerOfTwo(uint64(numMutexes)) || numMutexes > tableSize {
		panic("cachetable: bad pair list geometry")
	}
	pl.table = make([]*Pair, tableSize)
	pl.mutexes = make([]bucketMutex, numMutexes)
}

func (pl *pairList) bucket(fullhash uint32) int {
	return util.ShardIndex(uint64(fullhash), len(pl.table))
}

// mutexFor returns the mutex guarding fullhash's bucket. Since both sizes
// are powers of two and mutexes <= buckets, one bucket never spans two
// mutexes.
func (pl *pairList) mutexFor(fullhash uint32) *sync.Mutex {
	return &pl.mutexes[util.ShardIndex(uint64(fullhash), len(pl.mutexes))].Mutex
}

// find looks up (cf, key). Requires the bucket mutex.
func (pl *pairList) find(cf *Cachefile, key Key, fullhash uint32) *Pair {
	for p := pl.table[pl.bucket(fullhash)]; p != nil; p = p.hashChain {
		if p.key == key && p.cf == cf {
			return p
		}
	}
	return nil
}

// put links p into the hash table, the clock ring and its cachefile ring.
// Requires the list write lock and p's bucket mutex. Panics on duplicates.
func (pl *pairList) put(p *Pair) {
	if pl.find(p.cf, p.key, p.fullhash) != nil {
		panic("cachetable: duplicate key put into cache table")
	}
	pl.addToCachetableOnly(p)
	pl.addToCachefile(p)
}

// addToCachetableOnly links p into the hash table and the clock ring but
// not into a cachefile ring. Used when a stale cachefile's pairs come back.
func (pl *pairList) addToCachetableOnly(p *Pair) {
	pl.addToClock(p)
	b := pl.bucket(p.fullhash)
	p.hashChain = pl.table[b]
	pl.table[b] = p
	pl.numPairs++
}

// addToClock inserts p just behind the clock head, so it is the last pair
// the evictor reaches.
func (pl *pairList) addToClock(p *Pair) {
	if pl.clockHead == nil {
		p.clockNext = p
		p.clockPrev = p
		pl.clockHead = p
		pl.cleanerHead = p
		pl.checkpointHead = p
		return
	}
	p.clockNext = pl.clockHead
	p.clockPrev = pl.clockHead.clockPrev
	p.clockPrev.clockNext = p
	pl.clockHead.clockPrev = p
}

func (pl *pairList) addToCachefile(p *Pair) {
	cf := p.cf
	p.cfPrev = nil
	p.cfNext = cf.pairHead
	if cf.pairHead != nil {
		cf.pairHead.cfPrev = p
	}
	cf.pairHead = p
	cf.numPairs++
}

// evictCompletely unlinks p from every ring. Requires the list write lock
// and the bucket mutex.
func (pl *pairList) evictCompletely(p *Pair) {
	pl.evictFromCachetable(p)
	pl.evictFromCachefile(p)
}

// evictFromCachetable unlinks p from the hash table, the clock and the
// pending list; the cachefile ring keeps it.
func (pl *pairList) evictFromCachetable(p *Pair) {
	pl.pendingPairsRemove(p)
	pl.removeFromClock(p)
	pl.removeFromHash(p)
	pl.numPairs--
}

// evictFromCachefile unlinks p from its cachefile ring only.
func (pl *pairList) evictFromCachefile(p *Pair) {
	cf := p.cf
	if p.cfPrev != nil {
		p.cfPrev.cfNext = p.cfNext
	} else if cf.pairHead == p {
		cf.pairHead = p.cfNext
	}
	if p.cfNext != nil {
		p.cfNext.cfPrev = p.cfPrev
	}
	p.cfNext, p.cfPrev = nil, nil
	cf.numPairs--
}

func (pl *pairList) removeFromClock(p *Pair) {
	if p.clockNext == p {
		pl.clockHead = nil
		pl.cleanerHead = nil
		pl.checkpointHead = nil
	} else {
		if pl.clockHead == p {
			pl.clockHead = p.clockNext
		}
		if pl.cleanerHead == p {
			pl.cleanerHead = p.clockNext
		}
		if pl.checkpointHead == p {
			pl.checkpointHead = p.clockNext
		}
		p.clockPrev.clockNext = p.clockNext
		p.clockNext.clockPrev = p.clockPrev
	}
	p.clockNext, p.clockPrev = nil, nil
}

func (pl *pairList) removeFromHash(p *Pair) {
	b := pl.bucket(p.fullhash)
	if pl.table[b] == p {
		pl.table[b] = p.hashChain
		p.hashChain = nil
		return
	}
	for q := pl.table[b]; q != nil; q = q.hashChain {
		if q.hashChain == p {
			q.hashChain = p.hashChain
			p.hashChain = nil
			return
		}
	}
	panic("cachetable: pair missing from its hash chain")
}

// pendingPairsAppend adds p to the tail of the pending list. Requires the
// pending locks held exclusively.
func (pl *pairList) pendingPairsAppend(p *Pair) {
	p.pendingNext = nil
	p.pendingPrev = pl.pendingTail
	if pl.pendingTail != nil {
		pl.pendingTail.pendingNext = p
	} else {
		pl.pendingHead = p
	}
	pl.pendingTail = p
}

// pendingPairsRemove unlinks p from the pending list in O(1); a no-op when
// p is not on it.
func (pl *pairList) pendingPairsRemove(p *Pair) {
	if p.pendingPrev == nil && pl.pendingHead != p {
		return
	}
	if p.pendingPrev != nil {
		p.pendingPrev.pendingNext = p.pendingNext
	} else {
		pl.pendingHead = p.pendingNext
	}
	if p.pendingNext != nil {
		p.pendingNext.pendingPrev = p.pendingPrev
	} else {
		pl.pendingTail = p.pendingPrev
	}
	p.pendingNext, p.pendingPrev = nil, nil
}

// ---- lock helpers ----

func (pl *pairList) readListLock()            { pl.listLock.RLock() }
func (pl *pairList) readListUnlock()          { pl.listLock.RUnlock() }
func (pl *pairList) writeListLock()           { pl.listLock.Lock() }
func (pl *pairList) writeListUnlock()         { pl.listLock.Unlock() }
func (pl *pairList) readPendingExpLock()      { pl.pendingExp.RLock() }
func (pl *pairList) readPendingExpUnlock()    { pl.pendingExp.RUnlock() }
func (pl *pairList) writePendingExpLock()     { pl.pendingExp.Lock() }
func (pl *pairList) writePendingExpUnlock()   { pl.pendingExp.Unlock() }
func (pl *pairList) readPendingCheapLock()    { pl.pendingCheap.RLock() }
func (pl *pairList) readPendingCheapUnlock()  { pl.pendingCheap.RUnlock() }
func (pl *pairList) writePendingCheapLock()   { pl.pendingCheap.Lock() }
func (pl *pairList) writePendingCheapUnlock() { pl.pendingCheap.Unlock() }

// takePending reads and clears p's pending bit under the cheap pending
// lock. Requires p's value lock held exclusively.
func (pl *pairList) takePending(p *Pair) bool {
	pl.readPendingCheapLock()
	pending := p.checkpointPending
	p.checkpointPending = false
	pl.readPendingCheapUnlock()
	return pending
}
