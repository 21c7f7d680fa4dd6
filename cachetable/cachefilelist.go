package cachetable

import (
	"sync"

	"github.com/google/btree"

	"github.com/IvanBrykalov/pagecache/internal/fsutil"
)

const btreeDegree = 8

type cfByFilenum struct {
	filenum uint32
	cf      *Cachefile
}

func (a cfByFilenum) Less(b btree.Item) bool { return a.filenum < b.(cfByFilenum).filenum }

type cfByFileID struct {
	id fsutil.FileID
	cf *Cachefile
}

func (a cfByFileID) Less(b btree.Item) bool { return a.id.Less(b.(cfByFileID).id) }

// cachefileList registers open cachefiles, indexed by filenum and by file
// id, and stale ones (closed but still holding cached pairs) by file id.
// Its lock sits between the list lock and the bucket mutexes.
type cachefileList struct {
	pl *pairList

	mu             sync.RWMutex
	activeFilenum  *btree.BTree
	activeFileID   *btree.BTree
	stale          *btree.BTree
	nextFilenum    uint32
	nextHashID     uint32
	numStalePairs  int
	destroyedStale uint64
}

func (l *cachefileList) init(pl *pairList) {
	l.pl = pl
	l.activeFilenum = btree.New(btreeDegree)
	l.activeFileID = btree.New(btreeDegree)
	l.stale = btree.New(btreeDegree)
}

func (l *cachefileList) readLock()    { l.mu.RLock() }
func (l *cachefileList) readUnlock()  { l.mu.RUnlock() }
func (l *cachefileList) writeLock()   { l.mu.Lock() }
func (l *cachefileList) writeUnlock() { l.mu.Unlock() }

// findActive returns the open cachefile for id. Requires the lock.
func (l *cachefileList) findActive(id fsutil.FileID) *Cachefile {
	if it := l.activeFileID.Get(cfByFileID{id: id}); it != nil {
		return it.(cfByFileID).cf
	}
	return nil
}

// findStale returns the stale cachefile for id. Requires the lock.
func (l *cachefileList) findStale(id fsutil.FileID) *Cachefile {
	if it := l.stale.Get(cfByFileID{id: id}); it != nil {
		return it.(cfByFileID).cf
	}
	return nil
}

// addActive assigns a fresh filenum (and a hash id for new cachefiles)
// and registers cf. Requires the write lock.
func (l *cachefileList) addActive(cf *Cachefile, fresh bool) {
	l.nextFilenum++
	cf.filenum = l.nextFilenum
	if fresh {
		l.nextHashID++
		cf.hashID = l.nextHashID
	}
	l.activeFilenum.ReplaceOrInsert(cfByFilenum{filenum: cf.filenum, cf: cf})
	l.activeFileID.ReplaceOrInsert(cfByFileID{id: cf.fileID, cf: cf})
}

func (l *cachefileList) removeActive(cf *Cachefile) {
	l.activeFilenum.Delete(cfByFilenum{filenum: cf.filenum})
	l.activeFileID.Delete(cfByFileID{id: cf.fileID})
}

func (l *cachefileList) addStale(cf *Cachefile) {
	l.stale.ReplaceOrInsert(cfByFileID{id: cf.fileID, cf: cf})
	l.numStalePairs += cf.numPairs
}

func (l *cachefileList) removeStale(cf *Cachefile) {
	l.stale.Delete(cfByFileID{id: cf.fileID})
	l.numStalePairs -= cf.numPairs
}

// retire moves a closed cachefile off the active indexes. It is parked as
// stale if it still holds pairs.
func (l *cachefileList) retire(cf *Cachefile, unlink bool) {
	l.pl.readListLock()
	l.writeLock()
	l.removeActive(cf)
	if !unlink && cf.numPairs > 0 {
		l.addStale(cf)
	}
	l.writeUnlock()
	l.pl.readListUnlock()
}

// revive pulls a stale cachefile back into the active set. Requires the
// list write lock and the write lock.
func (l *cachefileList) revive(cf *Cachefile) {
	l.removeStale(cf)
	l.addActive(cf, false)
}

// active returns a snapshot of the open cachefiles in filenum order.
// Requires the lock.
func (l *cachefileList) active() []*Cachefile {
	out := make([]*Cachefile, 0, l.activeFilenum.Len())
	l.activeFilenum.Ascend(func(it btree.Item) bool {
		out = append(out, it.(cfByFilenum).cf)
		return true
	})
	return out
}

func (l *cachefileList) numActive() int {
	l.readLock()
	defer l.readUnlock()
	return l.activeFilenum.Len()
}

func (l *cachefileList) stalePairs() int {
	l.readLock()
	defer l.readUnlock()
	return l.numStalePairs
}

// evictSomeStalePair frees one pair of the lowest stale cachefile.
// Reports whether there was one.
func (l *cachefileList) evictSomeStalePair(ev *evictor) bool {
	l.pl.writeListLock()
	l.writeLock()
	it := l.stale.Min()
	if it == nil {
		l.writeUnlock()
		l.pl.writeListUnlock()
		return false
	}
	cf := it.(cfByFileID).cf
	p := cf.pairHead
	p.mu.Lock()
	l.pl.evictFromCachefile(p)
	l.numStalePairs--
	ev.removePairAttr(p.attr)
	p.removed = true
	p.mu.Unlock()
	if cf.numPairs == 0 {
		l.stale.Delete(cfByFileID{id: cf.fileID})
		l.destroyedStale++
	}
	l.writeUnlock()
	l.pl.writeListUnlock()

	ev.freePair(p)
	ev.staleEvictions.Add(1)
	ev.m.Evict(EvictStale)
	return true
}

// freeStalePairs evicts every stale pair. Used at shutdown.
func (l *cachefileList) freeStalePairs(ev *evictor) {
	for l.evictSomeStalePair(ev) {
	}
}
