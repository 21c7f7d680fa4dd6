package cachetable

import (
	"sync"

	"github.com/IvanBrykalov/pagecache/internal/frwlock"
)

// clockSaturation caps the clock count a pair can accumulate from hits.
const clockSaturation = 4

// Pair is one cached block. Its identity (cachefile, key, fullhash,
// callbacks) never changes. A *Pair handed out by a pin is only valid until
// the matching unpin.
//
// Field guards:
//   - mu (the bucket mutex): refcount, numWaitingOnRefs, count, dirty
//     writes, removed, bgErr, and the value lock / disk mutex internals
//   - value lock held: value, diskData, attr
//   - disk mutex held: clonedValue, clonedSize
//   - pending-cheap lock: checkpointPending
//   - list lock: all linkage fields
type Pair struct {
	cf       *Cachefile
	key      Key
	fullhash uint32
	cb       WriteCallbacks

	mu *sync.Mutex

	value    any
	diskData any
	attr     PairAttr
	dirty    bool

	clonedValue any
	clonedSize  int64

	count            int
	refcount         int
	numWaitingOnRefs int
	refsDrained      *sync.Cond

	valueLock frwlock.RWLock
	diskMutex frwlock.NBMutex

	checkpointPending    bool
	sizeEvictingEstimate int64

	// error from a background flush, surfaced on the next pin
	bgErr   error
	removed bool

	clockNext, clockPrev     *Pair
	hashChain                *Pair
	pendingNext, pendingPrev *Pair
	cfNext, cfPrev           *Pair
}

func newPair(cf *Cachefile, key Key, fullhash uint32, value any, attr PairAttr, wc WriteCallbacks, mu *sync.Mutex) *Pair {
	wc.fillDefaults()
	p := &Pair{
		cf:       cf,
		key:      key,
		fullhash: fullhash,
		cb:       wc,
		mu:       mu,
		value:    value,
		attr:     attr,
		count:    1,
	}
	p.refsDrained = sync.NewCond(mu)
	p.valueLock.Init(mu)
	p.diskMutex.Init(mu)
	return p
}

// Value returns the pinned value.
func (p *Pair) Value() any { return p.value }

// Key returns the block number.
func (p *Pair) Key() Key { return p.key }

// Fullhash returns the precomputed hash of (cachefile, key).
func (p *Pair) Fullhash() uint32 { return p.fullhash }

// Cachefile returns the file the pair belongs to.
func (p *Pair) Cachefile() *Cachefile { return p.cf }

// Attr returns the current size breakdown. Valid while pinned.
func (p *Pair) Attr() PairAttr { return p.attr }

// ---- helpers below require p.mu ----

// touch records a hit for the clock.
func (p *Pair) touch() {
	if p.count < clockSaturation {
		p.count++
	}
}

func (p *Pair) addRef() { p.refcount++ }

func (p *Pair) releaseRef() {
	if p.refcount <= 0 {
		panic("cachetable: pair refcount underflow")
	}
	p.refcount--
	if p.refcount == 0 && p.numWaitingOnRefs > 0 {
		p.refsDrained.Broadcast()
	}
}

// waitForRefsReleased blocks until nobody holds a reference.
func (p *Pair) waitForRefsReleased() {
	p.numWaitingOnRefs++
	for p.refcount > 0 {
		p.refsDrained.Wait()
	}
	p.numWaitingOnRefs--
}

// lock acquires the value lock in the given mode. It may block.
func (p *Pair) lock(lt LockType) {
	if lt == LockRead {
		p.valueLock.ReadLock()
	} else {
		p.valueLock.WriteLock(lt == LockWriteExpensive)
	}
}

func (p *Pair) tryLock(lt LockType) bool {
	if lt == LockRead {
		return p.valueLock.TryReadLock()
	}
	return p.valueLock.TryWriteLock(lt == LockWriteExpensive)
}

func (p *Pair) unlock(lt LockType) {
	if lt == LockRead {
		p.valueLock.ReadUnlock()
	} else {
		p.valueLock.WriteUnlock()
	}
}

func (p *Pair) lockIsExpensive(lt LockType) bool {
	if lt == LockRead {
		return p.valueLock.ReadLockIsExpensive()
	}
	return p.valueLock.WriteLockIsExpensive()
}

// takeBgErr returns and clears the background error.
func (p *Pair) takeBgErr() error {
	err := p.bgErr
	p.bgErr = nil
	return err
}
