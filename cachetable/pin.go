package cachetable

import (
	"fmt"
	"sync"

	"github.com/ansel1/merry"
)

// errRetry is internal: the pair was removed while the caller waited for
// it, so the lookup must start over.
var errRetry = merry.New("cachetable: pair removed while waiting")

// GetAndPin returns the pair for key locked in mode lt, fetching it on a
// miss. It blocks on the value lock and on fetch I/O. The pair stays
// pinned until Unpin or UnpinAndRemove.
func (cf *Cachefile) GetAndPin(key Key, fullhash uint32, lt LockType, fc FetchCallbacks, wc WriteCallbacks) (*Pair, error) {
	if err := cf.checkOpen(); err != nil {
		return nil, err
	}
	fc.fillDefaults()
	ct := cf.ct
	pl := &ct.pl
	mu := pl.mutexFor(fullhash)
	for {
		mu.Lock()
		p := pl.find(cf, key, fullhash)
		if p == nil {
			mu.Unlock()
			// a miss adds data; wait for room before inserting
			if ct.ev.shouldClientThreadSleep() {
				ct.ev.waitForCachePressureToSubside()
			}
			pl.writeListLock()
			mu.Lock()
			if p = pl.find(cf, key, fullhash); p == nil {
				p, err := ct.pinMiss(cf, key, fullhash, lt, fc, wc, mu)
				if merry.Is(err, errRetry) {
					continue
				}
				return p, err
			}
			pl.writeListUnlock()
		}

		p.addRef()
		p.touch()
		p.lock(lt)
		if err := ct.checkLocked(p, lt); err != nil {
			mu.Unlock()
			if merry.Is(err, errRetry) {
				continue
			}
			return nil, err
		}
		mu.Unlock()

		ct.hits.Add(1)
		ct.m.Hit()
		if fc.PartialFetchRequired(p.value, fc.Extra) {
			err := ct.partialFetch(p, lt, fc)
			if merry.Is(err, errRetry) {
				continue
			}
			if err != nil {
				return nil, err
			}
		}
		if lt.isWrite() && pl.takePending(p) {
			ct.cp.resolvePending(p)
		}
		return p, nil
	}
}

// checkLocked runs after the value lock was granted: a removed pair is
// released and retried, a recorded background error is released and
// returned. Requires p.mu.
func (ct *CacheTable) checkLocked(p *Pair, lt LockType) error {
	if p.removed {
		p.unlock(lt)
		p.releaseRef()
		return merry.Here(errRetry)
	}
	if err := p.takeBgErr(); err != nil {
		p.unlock(lt)
		p.releaseRef()
		return err
	}
	return nil
}

// pinMiss inserts a new pair for key and fetches it. Called with the list
// write lock and mu held; releases both.
func (ct *CacheTable) pinMiss(cf *Cachefile, key Key, fullhash uint32, lt LockType, fc FetchCallbacks, wc WriteCallbacks, mu *sync.Mutex) (*Pair, error) {
	pl := &ct.pl
	p := newPair(cf, key, fullhash, nil, PairAttr{}, wc, mu)
	p.valueLock.WriteLock(true)
	p.addRef()
	pl.put(p)
	mu.Unlock()
	pl.writeListUnlock()

	if err := ct.fetchInto(p, fc); err != nil {
		mu.Lock()
		p.valueLock.WriteUnlock()
		p.releaseRef()
		mu.Unlock()
		return nil, err
	}
	ct.misses.Add(1)
	ct.m.Miss()

	if lt == LockRead {
		mu.Lock()
		p.valueLock.WriteUnlock()
		p.valueLock.ReadLock()
		if p.removed {
			p.valueLock.ReadUnlock()
			p.releaseRef()
			mu.Unlock()
			return nil, merry.Here(errRetry)
		}
		mu.Unlock()
	}
	if ct.ev.shouldClientWakeEvictionThread() {
		ct.ev.signalEvictionThread()
	}
	if lt.isWrite() && pl.takePending(p) {
		ct.cp.resolvePending(p)
	}
	return p, nil
}

// fetchInto runs the fetch callback for a freshly inserted pair whose
// value lock the caller holds exclusively. On failure the pair is removed
// (waiters see removed and retry); the lock stays held.
func (ct *CacheTable) fetchInto(p *Pair, fc FetchCallbacks) error {
	var (
		res FetchResult
		err error
	)
	if fc.Fetch == nil {
		err = newError(KindInvalid, "cachetable: miss on key %d without a fetch callback", p.key)
	} else {
		res, err = fc.Fetch(p.cf, p.key, p.fullhash, fc.Extra)
		err = wrapError(err, KindIO)
	}
	if err != nil {
		pl := &ct.pl
		pl.writeListLock()
		p.mu.Lock()
		pl.evictCompletely(p)
		p.removed = true
		p.mu.Unlock()
		pl.writeListUnlock()
		return err
	}
	p.value = res.Value
	p.diskData = res.DiskData
	p.attr = res.Attr
	ct.ev.addPairAttr(res.Attr)
	p.mu.Lock()
	p.dirty = res.Dirty
	p.mu.Unlock()
	return nil
}

// partialFetch completes a resident value. The lock is upgraded to an
// expensive write lock for the callback and restored to lt afterwards.
// On error the pin is released.
func (ct *CacheTable) partialFetch(p *Pair, lt LockType, fc FetchCallbacks) error {
	mu := p.mu
	if lt != LockWriteExpensive {
		mu.Lock()
		p.unlock(lt)
		p.valueLock.WriteLock(true)
		if err := ct.checkLocked(p, LockWriteExpensive); err != nil {
			mu.Unlock()
			return err
		}
		mu.Unlock()
	}

	var err error
	if fc.PartialFetchRequired(p.value, fc.Extra) {
		if fc.PartialFetch == nil {
			err = newError(KindInvalid, "cachetable: partial fetch required on key %d without a callback", p.key)
		} else {
			oldAttr := p.attr
			var newAttr PairAttr
			newAttr, err = fc.PartialFetch(p.cf, p.value, p.diskData, fc.Extra)
			err = wrapError(err, KindIO)
			if err == nil && newAttr.IsValid {
				p.attr = newAttr
				ct.ev.changePairAttr(oldAttr, newAttr)
			}
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if err != nil {
		p.valueLock.WriteUnlock()
		p.releaseRef()
		return err
	}
	if lt != LockWriteExpensive {
		p.valueLock.WriteUnlock()
		p.lock(lt)
		if err := ct.checkLocked(p, lt); err != nil {
			return err
		}
	}
	return nil
}

// PinNonblocking is GetAndPin for callers holding other locks. Whenever
// the pin would wait on I/O or on an expensive holder it calls unlockers,
// does the waiting, and returns ErrTryAgain; the caller then reacquires its
// locks and retries.
func (cf *Cachefile) PinNonblocking(key Key, fullhash uint32, lt LockType, fc FetchCallbacks, wc WriteCallbacks, unlockers func()) (*Pair, error) {
	if err := cf.checkOpen(); err != nil {
		return nil, err
	}
	fc.fillDefaults()
	ct := cf.ct
	pl := &ct.pl
	mu := pl.mutexFor(fullhash)
	runUnlockers := func() {
		if unlockers != nil {
			unlockers()
		}
	}

	mu.Lock()
	p := pl.find(cf, key, fullhash)
	if p == nil {
		mu.Unlock()
		pl.writeListLock()
		mu.Lock()
		if p = pl.find(cf, key, fullhash); p == nil {
			p = newPair(cf, key, fullhash, nil, PairAttr{}, wc, mu)
			p.valueLock.WriteLock(true)
			pl.put(p)
			mu.Unlock()
			pl.writeListUnlock()

			runUnlockers()
			if ct.ev.shouldClientThreadSleep() {
				ct.ev.waitForCachePressureToSubside()
			}
			err := ct.fetchInto(p, fc)
			mu.Lock()
			p.valueLock.WriteUnlock()
			mu.Unlock()
			if err != nil {
				return nil, err
			}
			ct.misses.Add(1)
			ct.m.Miss()
			if ct.ev.shouldClientWakeEvictionThread() {
				ct.ev.signalEvictionThread()
			}
			return nil, merry.Here(ErrTryAgain)
		}
		pl.writeListUnlock()
	}

	p.addRef()
	if !p.tryLock(lt) {
		if p.lockIsExpensive(lt) {
			// wait out the expensive holder without the caller's locks
			mu.Unlock()
			runUnlockers()
			mu.Lock()
			p.lock(lt)
			p.unlock(lt)
			p.releaseRef()
			mu.Unlock()
			return nil, merry.Here(ErrTryAgain)
		}
		p.lock(lt)
	}
	p.touch()
	if err := ct.checkLocked(p, lt); err != nil {
		mu.Unlock()
		if merry.Is(err, errRetry) {
			return nil, merry.Here(ErrTryAgain)
		}
		return nil, err
	}
	mu.Unlock()
	ct.hits.Add(1)
	ct.m.Hit()

	if fc.PartialFetchRequired(p.value, fc.Extra) {
		runUnlockers()
		err := ct.partialFetch(p, lt, fc)
		if merry.Is(err, errRetry) {
			return nil, merry.Here(ErrTryAgain)
		}
		if err != nil {
			return nil, err
		}
		cf.Unpin(p, false, PairAttr{})
		return nil, merry.Here(ErrTryAgain)
	}

	if lt.isWrite() {
		pl.readPendingCheapLock()
		pending := p.checkpointPending
		pl.readPendingCheapUnlock()
		if pending {
			mu.Lock()
			dirty := p.dirty
			mu.Unlock()
			if dirty && p.cb.Clone == nil {
				// resolving means a write; do it without the caller's locks
				runUnlockers()
				if pl.takePending(p) {
					ct.cp.resolvePending(p)
				}
				cf.Unpin(p, false, PairAttr{})
				return nil, merry.Here(ErrTryAgain)
			}
			if pl.takePending(p) {
				ct.cp.resolvePending(p)
			}
		}
	}
	return p, nil
}

// MaybeGetAndPin pins key only if it is resident, dirty, and its lock is
// free. Write modes also require that no checkpoint is pending on it.
func (cf *Cachefile) MaybeGetAndPin(key Key, fullhash uint32, lt LockType) (*Pair, error) {
	return cf.maybeGetAndPin(key, fullhash, lt, true)
}

// MaybeGetAndPinClean is MaybeGetAndPin without the dirty requirement.
func (cf *Cachefile) MaybeGetAndPinClean(key Key, fullhash uint32, lt LockType) (*Pair, error) {
	return cf.maybeGetAndPin(key, fullhash, lt, false)
}

func (cf *Cachefile) maybeGetAndPin(key Key, fullhash uint32, lt LockType, requireDirty bool) (*Pair, error) {
	if err := cf.checkOpen(); err != nil {
		return nil, err
	}
	ct := cf.ct
	pl := &ct.pl
	mu := pl.mutexFor(fullhash)
	mu.Lock()
	defer mu.Unlock()
	p := pl.find(cf, key, fullhash)
	if p == nil || p.bgErr != nil || !p.tryLock(lt) {
		return nil, merry.Here(ErrNotFound)
	}
	ok := !requireDirty || p.dirty
	if ok && lt.isWrite() {
		pl.readPendingCheapLock()
		ok = !p.checkpointPending
		pl.readPendingCheapUnlock()
	}
	if !ok {
		p.unlock(lt)
		return nil, merry.Here(ErrNotFound)
	}
	p.addRef()
	p.touch()
	ct.hits.Add(1)
	ct.m.Hit()
	return p, nil
}

// Put inserts a new dirty value and returns it pinned for writing. A key
// that is already cached is a programming error and panics. Under cache
// pressure Put first sleeps until the evictor makes room.
func (cf *Cachefile) Put(key Key, fullhash uint32, value any, attr PairAttr, wc WriteCallbacks) *Pair {
	if cf.checkOpen() != nil {
		panic("cachetable: put on a closed cachefile")
	}
	ct := cf.ct
	pl := &ct.pl
	mu := pl.mutexFor(fullhash)
	if ct.ev.shouldClientThreadSleep() {
		ct.ev.waitForCachePressureToSubside()
	}

	pl.writeListLock()
	mu.Lock()
	if pl.find(cf, key, fullhash) != nil {
		mu.Unlock()
		pl.writeListUnlock()
		panic(fmt.Sprintf("cachetable: put of cached key %d", key))
	}
	p := newPair(cf, key, fullhash, value, attr, wc, mu)
	p.dirty = true
	p.valueLock.WriteLock(false)
	p.addRef()
	pl.put(p)
	mu.Unlock()
	pl.writeListUnlock()

	ct.ev.addPairAttr(attr)
	if ct.ev.shouldClientWakeEvictionThread() {
		ct.ev.signalEvictionThread()
	}
	return p
}

// Prefetch starts reading key in the background if it is not cached, or
// completing it if it is cached but partial. It reports whether background
// work was started. Nothing is started under cache pressure.
func (cf *Cachefile) Prefetch(key Key, fullhash uint32, fc FetchCallbacks, wc WriteCallbacks) (bool, error) {
	if err := cf.checkOpen(); err != nil {
		return false, err
	}
	ct := cf.ct
	if ct.ev.shouldClientThreadSleep() {
		return false, nil
	}
	if err := cf.bjm.Add(); err != nil {
		return false, nil
	}
	fc.fillDefaults()
	pl := &ct.pl
	mu := pl.mutexFor(fullhash)

	mu.Lock()
	p := pl.find(cf, key, fullhash)
	if p == nil {
		mu.Unlock()
		pl.writeListLock()
		mu.Lock()
		if p = pl.find(cf, key, fullhash); p == nil {
			p = newPair(cf, key, fullhash, nil, PairAttr{}, wc, mu)
			p.valueLock.WriteLock(true)
			pl.put(p)
			mu.Unlock()
			pl.writeListUnlock()
			ct.prefetches.Add(1)
			ct.kb.Enq(func() {
				defer cf.bjm.Remove()
				err := ct.fetchInto(p, fc)
				mu.Lock()
				p.valueLock.WriteUnlock()
				mu.Unlock()
				if err != nil {
					ct.log.WithError(err).WithField("key", key).Warn("prefetch failed")
					return
				}
				if ct.ev.shouldClientWakeEvictionThread() {
					ct.ev.signalEvictionThread()
				}
			})
			return true, nil
		}
		pl.writeListUnlock()
	}

	if !p.valueLock.TryWriteLock(true) {
		mu.Unlock()
		cf.bjm.Remove()
		return false, nil
	}
	mu.Unlock()
	if !fc.PartialFetchRequired(p.value, fc.Extra) || fc.PartialFetch == nil {
		mu.Lock()
		p.valueLock.WriteUnlock()
		mu.Unlock()
		cf.bjm.Remove()
		return false, nil
	}
	ct.prefetches.Add(1)
	ct.kb.Enq(func() {
		defer cf.bjm.Remove()
		oldAttr := p.attr
		newAttr, err := fc.PartialFetch(cf, p.value, p.diskData, fc.Extra)
		if err == nil && newAttr.IsValid {
			p.attr = newAttr
			ct.ev.changePairAttr(oldAttr, newAttr)
		}
		mu.Lock()
		if err != nil {
			p.bgErr = wrapError(err, KindIO)
		}
		p.valueLock.WriteUnlock()
		mu.Unlock()
	})
	return true, nil
}

// Unpin releases a pin. dirty marks the value as modified and a valid attr
// replaces the pair's size breakdown; both are honored for write pins only. A
// client that grew the cache past the high watermark sleeps here until the
// evictor catches up.
func (cf *Cachefile) Unpin(p *Pair, dirty bool, attr PairAttr) {
	ct := cf.ct
	mu := p.mu
	oldAttr := p.attr

	mu.Lock()
	write := p.valueLock.WriteLocked()
	changed := write && attr.IsValid
	if changed {
		p.attr = attr
	}
	if dirty && write {
		p.dirty = true
	}
	if write {
		p.valueLock.WriteUnlock()
	} else {
		p.valueLock.ReadUnlock()
	}
	p.releaseRef()
	mu.Unlock()

	if !changed {
		return
	}
	ct.ev.changePairAttr(oldAttr, attr)
	if attr.Size > oldAttr.Size {
		ct.ev.maybeSleepOrWake()
	}
}

// UnpinAndRemove drops a write-pinned pair from the cache. removeKey, if
// set, runs before the pair is unlinked and is told whether the pair still
// owed the current checkpoint a write. It must not call back into the
// cache table.
func (cf *Cachefile) UnpinAndRemove(p *Pair, removeKey RemoveKeyFunc) error {
	ct := cf.ct
	pl := &ct.pl
	mu := p.mu

	mu.Lock()
	if !p.valueLock.WriteLocked() {
		mu.Unlock()
		return newError(KindInvalid, "cachetable: remove of key %d without a write pin", p.key)
	}
	// wait out a clone write in flight
	p.diskMutex.Lock()
	mu.Unlock()

	pl.writeListLock()
	pl.readPendingCheapLock()
	forCheckpoint := p.checkpointPending
	p.checkpointPending = false
	pl.readPendingCheapUnlock()
	if removeKey != nil {
		removeKey(p.key, forCheckpoint, p.cb.Extra)
	}

	mu.Lock()
	pl.evictCompletely(p)
	ct.ev.removePairAttr(p.attr)
	p.removed = true
	p.valueLock.WriteUnlock()
	p.diskMutex.Unlock()
	p.releaseRef()
	mu.Unlock()
	pl.writeListUnlock()

	// waiters holding refs wake, see removed, and let go
	mu.Lock()
	p.waitForRefsReleased()
	mu.Unlock()

	ct.ev.freePair(p)
	return nil
}
