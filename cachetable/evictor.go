package cachetable

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/IvanBrykalov/pagecache/internal/kibbutz"
	"github.com/IvanBrykalov/pagecache/internal/partitioned"
)

// evictor keeps sizeCurrent near the low watermark.
//
// Thresholds, derived from the size limit L:
//
//	lowWatermark   = L        evictor target
//	lowHysteresis  = 11/10 L  clients wake the evictor above this
//	highHysteresis = 5/4 L    sleeping clients are released at or below this
//	highWatermark  = 3/2 L    clients sleep above this
//
// sizeCurrent is updated atomically from anywhere. mu guards the rest and
// is the monitor of flowControl.
type evictor struct {
	pl     *pairList
	cfList *cachefileList
	kb     *kibbutz.Kibbutz
	log    logrus.FieldLogger
	m      Metrics

	sizeCurrent atomic.Int64

	mu             sync.Mutex
	flowControl    *sync.Cond
	sizeLimit      int64
	lowWatermark   int64
	lowHysteresis  int64
	highHysteresis int64
	highWatermark  int64

	reservedFraction float64
	unreservable     int64 // reservedFraction * limit
	clientReserved   int64 // outstanding ReserveMemory grants
	sizeReserved     int64 // unreservable + clientReserved
	sizeEvicting     int64
	sizeCloned       int64

	numSleepers  int
	runThread    bool
	threadActive bool
	period       time.Duration

	escalationStreak int
	maxEscalations   int

	wakeCh chan struct{}
	done   chan struct{}

	sizeNonleaf       *partitioned.Counter
	sizeLeaf          *partitioned.Counter
	sizeRollback      *partitioned.Counter
	sizeCachePressure *partitioned.Counter

	numRuns          atomic.Uint64
	numEscalations   atomic.Uint64
	fullEvictions    atomic.Uint64
	partialEvictions atomic.Uint64
	staleEvictions   atomic.Uint64
	numStalls        atomic.Uint64
}

func (ev *evictor) init(opt Options, pl *pairList, cfList *cachefileList, kb *kibbutz.Kibbutz) {
	ev.pl = pl
	ev.cfList = cfList
	ev.kb = kb
	ev.log = opt.Logger.WithField("component", "evictor")
	ev.m = opt.Metrics
	ev.flowControl = sync.NewCond(&ev.mu)
	ev.reservedFraction = opt.SizeReservedFraction
	ev.period = opt.EvictorPeriod
	ev.maxEscalations = opt.MaxEscalations
	ev.wakeCh = make(chan struct{}, 1)
	ev.done = make(chan struct{})
	ev.sizeNonleaf = partitioned.New(0)
	ev.sizeLeaf = partitioned.New(0)
	ev.sizeRollback = partitioned.New(0)
	ev.sizeCachePressure = partitioned.New(0)
	ev.setSizeLimitLocked(opt.SizeLimit)
}

// start launches the background thread.
func (ev *evictor) start() {
	ev.mu.Lock()
	ev.runThread = true
	ev.mu.Unlock()
	go ev.run()
}

// destroy stops the background thread and joins it.
func (ev *evictor) destroy() {
	ev.mu.Lock()
	if !ev.runThread {
		ev.mu.Unlock()
		return
	}
	ev.runThread = false
	ev.flowControl.Broadcast()
	ev.signalLocked()
	ev.mu.Unlock()
	<-ev.done
}

func (ev *evictor) setSizeLimit(limit int64) {
	ev.mu.Lock()
	ev.setSizeLimitLocked(limit)
	ev.signalLocked()
	ev.mu.Unlock()
}

func (ev *evictor) setSizeLimitLocked(limit int64) {
	ev.sizeLimit = limit
	ev.lowWatermark = limit
	ev.lowHysteresis = 11 * limit / 10
	ev.highHysteresis = 5 * limit / 4
	ev.highWatermark = 3 * limit / 2
	ev.unreservable = int64(ev.reservedFraction * float64(limit))
	ev.sizeReserved = ev.unreservable + ev.clientReserved
}

// ---- size accounting ----

func (ev *evictor) addToSizeCurrent(n int64) { ev.sizeCurrent.Add(n) }

func (ev *evictor) removeFromSizeCurrent(n int64) { ev.sizeCurrent.Add(-n) }

func (ev *evictor) addPairAttr(attr PairAttr) {
	ev.sizeCurrent.Add(attr.Size)
	ev.sizeNonleaf.Add(attr.NonleafSize)
	ev.sizeLeaf.Add(attr.LeafSize)
	ev.sizeRollback.Add(attr.RollbackSize)
	ev.sizeCachePressure.Add(attr.CachePressureSize)
}

func (ev *evictor) removePairAttr(attr PairAttr) {
	ev.sizeCurrent.Add(-attr.Size)
	ev.sizeNonleaf.Add(-attr.NonleafSize)
	ev.sizeLeaf.Add(-attr.LeafSize)
	ev.sizeRollback.Add(-attr.RollbackSize)
	ev.sizeCachePressure.Add(-attr.CachePressureSize)
}

func (ev *evictor) changePairAttr(oldAttr, newAttr PairAttr) {
	ev.addPairAttr(newAttr)
	ev.removePairAttr(oldAttr)
}

func (ev *evictor) addClonedDataSize(n int64) {
	ev.mu.Lock()
	ev.sizeCloned += n
	ev.mu.Unlock()
	ev.addToSizeCurrent(n)
}

func (ev *evictor) removeClonedDataSize(n int64) {
	ev.mu.Lock()
	ev.sizeCloned -= n
	ev.mu.Unlock()
	ev.removeFromSizeCurrent(n)
}

// reserveMemory grants fraction of the reservable memory (capped by upper
// when upper > 0), charging it to sizeCurrent right away.
func (ev *evictor) reserveMemory(fraction float64, upper int64) (int64, error) {
	if fraction < 0 || fraction > 1 {
		return 0, newError(KindInvalid, "cachetable: reserve fraction %v out of [0,1]", fraction)
	}
	ev.mu.Lock()
	if ev.maxEscalations > 0 && ev.escalationStreak >= ev.maxEscalations {
		streak := ev.escalationStreak
		ev.mu.Unlock()
		return 0, newError(KindOutOfMemory, "cachetable: eviction escalated %d times in a row", streak)
	}
	reservable := ev.lowWatermark - ev.sizeReserved
	if reservable <= 0 {
		ev.mu.Unlock()
		return 0, newError(KindOutOfMemory, "cachetable: no reservable memory (limit %d, reserved %d)", ev.lowWatermark, ev.sizeReserved)
	}
	n := int64(fraction * float64(reservable))
	if upper > 0 && n > upper {
		n = upper
	}
	ev.clientReserved += n
	ev.sizeReserved += n
	ev.sizeCurrent.Add(n)
	ev.signalLocked()
	ev.mu.Unlock()

	if ev.shouldClientThreadSleep() {
		ev.waitForCachePressureToSubside()
	}
	return n, nil
}

func (ev *evictor) releaseReservedMemory(n int64) {
	ev.sizeCurrent.Add(-n)
	ev.mu.Lock()
	ev.clientReserved -= n
	ev.sizeReserved -= n
	if ev.numSleepers > 0 {
		ev.signalLocked()
	}
	ev.mu.Unlock()
}

// ---- flow control ----

func (ev *evictor) shouldClientThreadSleep() bool {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	return ev.sizeCurrent.Load() > ev.highWatermark
}

func (ev *evictor) shouldClientWakeEvictionThread() bool {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	return !ev.threadActive && ev.sizeCurrent.Load()-ev.sizeEvicting > ev.lowHysteresis
}

// requires mu
func (ev *evictor) shouldSleepingClientsWakeup() bool {
	return ev.sizeCurrent.Load() <= ev.highHysteresis
}

// requires mu
func (ev *evictor) evictionNeeded() bool {
	return ev.sizeCurrent.Load()-ev.sizeEvicting > ev.lowWatermark
}

// signalLocked wakes the evictor thread. Requires mu.
func (ev *evictor) signalLocked() {
	select {
	case ev.wakeCh <- struct{}{}:
	default:
	}
}

func (ev *evictor) signalEvictionThread() {
	ev.mu.Lock()
	ev.signalLocked()
	ev.mu.Unlock()
}

// waitForCachePressureToSubside parks the caller until the evictor brings
// sizeCurrent down to the high hysteresis.
func (ev *evictor) waitForCachePressureToSubside() {
	ev.numStalls.Add(1)
	ev.m.Stall()
	ev.mu.Lock()
	ev.numSleepers++
	ev.signalLocked()
	for ev.runThread && !ev.shouldSleepingClientsWakeup() {
		ev.flowControl.Wait()
	}
	ev.numSleepers--
	ev.mu.Unlock()
}

// maybeSleepOrWake is what a client does after adding data to the cache.
func (ev *evictor) maybeSleepOrWake() {
	if ev.shouldClientThreadSleep() {
		ev.waitForCachePressureToSubside()
	}
	if ev.shouldClientWakeEvictionThread() {
		ev.signalEvictionThread()
	}
}

func (ev *evictor) increaseSizeEvicting(n int64) {
	ev.mu.Lock()
	ev.sizeEvicting += n
	ev.mu.Unlock()
}

// decreaseSizeEvicting retires an eviction estimate. If sizeEvicting drops
// across the hysteresis buffer while clients sleep and the thread is idle,
// the thread is signalled: either sleepers can be released or more has to
// be evicted, and both are its job.
func (ev *evictor) decreaseSizeEvicting(estimate int64) {
	if estimate <= 0 {
		return
	}
	ev.mu.Lock()
	buffer := ev.highHysteresis - ev.lowWatermark
	needSignal := ev.numSleepers > 0 &&
		!ev.threadActive &&
		ev.sizeEvicting > buffer &&
		ev.sizeEvicting-estimate <= buffer
	ev.sizeEvicting -= estimate
	if ev.sizeEvicting < 0 {
		panic("cachetable: negative size evicting")
	}
	if needSignal {
		ev.signalLocked()
	}
	ev.mu.Unlock()
}

// ---- background thread ----

func (ev *evictor) run() {
	defer close(ev.done)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	ev.mu.Lock()
	for ev.runThread {
		ev.numRuns.Add(1)
		ev.threadActive = true
		ev.runEviction()
		ev.threadActive = false
		ev.m.Size(ev.sizeCurrent.Load(), ev.sizeEvicting)
		period := ev.period
		ev.mu.Unlock()

		var tick <-chan time.Time
		if period > 0 {
			timer.Reset(period)
			tick = timer.C
		}
		select {
		case <-ev.wakeCh:
			timer.Stop()
		case <-tick:
		}
		ev.mu.Lock()
	}
	ev.mu.Unlock()
}

// runEviction evicts until the low watermark is met or nothing more can
// be evicted. Called and returns with mu held; drops it while working.
func (ev *evictor) runEviction() {
	examinedWithoutEvicting := 0
	stuck := false
	for !stuck && ev.runThread && ev.evictionNeeded() {
		if ev.numSleepers > 0 && ev.shouldSleepingClientsWakeup() {
			ev.flowControl.Broadcast()
		}
		ev.mu.Unlock()

		if ev.cfList.evictSomeStalePair(ev) {
			ev.mu.Lock()
			continue
		}

		ev.pl.readListLock()
		curr := ev.pl.clockHead
		if curr == nil || examinedWithoutEvicting > ev.pl.numPairs {
			// everything left is in use
			ev.pl.readListUnlock()
			ev.mu.Lock()
			ev.escalateLocked(curr == nil)
			stuck = true
			continue
		}
		if ev.runEvictionOnPair(curr) {
			examinedWithoutEvicting = 0
		} else {
			examinedWithoutEvicting++
		}
		// a full eviction of curr already moved the head
		if ev.pl.clockHead == curr {
			ev.pl.clockHead = curr.clockNext
		}
		ev.pl.readListUnlock()
		ev.mu.Lock()
	}
	if !stuck {
		ev.escalationStreak = 0
	}
	if ev.numSleepers > 0 && ev.shouldSleepingClientsWakeup() {
		ev.flowControl.Broadcast()
	}
}

// escalateLocked records a pass that ended above the low watermark. Flow
// control is left alone: sleeping clients stay asleep. Requires mu.
func (ev *evictor) escalateLocked(emptyClock bool) {
	ev.escalationStreak++
	ev.numEscalations.Add(1)
	ev.m.Escalation()
	ev.log.WithFields(logrus.Fields{
		"size_current":  ev.sizeCurrent.Load(),
		"size_evicting": ev.sizeEvicting,
		"low_watermark": ev.lowWatermark,
		"streak":        ev.escalationStreak,
		"empty_clock":   emptyClock,
	}).Warn("eviction could not reach the low watermark")
}

// runEvictionOnPair examines the pair under the clock hand. Called with the
// list read lock held; it may drop and reacquire it. Reports whether the
// pair was acted on.
func (ev *evictor) runEvictionOnPair(p *Pair) bool {
	cf := p.cf
	if err := cf.bjm.Add(); err != nil {
		return false
	}
	p.mu.Lock()
	if p.valueLock.Users() > 0 || p.refcount > 0 || p.diskMutex.Users() > 0 {
		p.mu.Unlock()
		cf.bjm.Remove()
		return false
	}

	numPairs := int64(ev.pl.numPairs)
	sizeCurrent := ev.sizeCurrent.Load()

	// The pair cannot go away while its mutex is held and it is free, so the
	// list lock can be dropped for the expensive part.
	ev.pl.readListUnlock()
	defer ev.pl.readListLock()

	if p.count > 0 {
		currSize := p.attr.Size
		if currSize*numPairs >= sizeCurrent {
			p.count--
		} else if sizeCurrent > 0 {
			// Decrement with probability currSize / average pair size.
			rnd := int64(rand.IntN(1 << 16))
			if currSize*numPairs >= (rnd*sizeCurrent)>>16 {
				p.count--
			}
		}
		p.valueLock.WriteLock(true)
		bytes, cost := p.cb.PartialEvictionEstimate(p.value, p.diskData, p.cb.Extra)
		switch {
		case cost == PECheap:
			p.mu.Unlock()
			p.sizeEvictingEstimate = 0
			ev.doPartialEviction(p)
			cf.bjm.Remove()
		case bytes > 0:
			p.mu.Unlock()
			p.sizeEvictingEstimate = bytes
			ev.increaseSizeEvicting(bytes)
			ev.kb.Enq(func() {
				ev.doPartialEviction(p)
				cf.bjm.Remove()
			})
		default:
			p.valueLock.WriteUnlock()
			p.mu.Unlock()
			cf.bjm.Remove()
		}
		return true
	}

	ev.tryEvictPair(p)
	return true
}

// doPartialEviction shrinks p in place. Requires p's value lock held
// exclusively (released here).
func (ev *evictor) doPartialEviction(p *Pair) {
	oldAttr := p.attr
	newAttr, err := p.cb.PartialEviction(p.value, oldAttr, p.cb.Extra)
	if err != nil {
		ev.log.WithError(err).WithField("key", p.key).Warn("partial eviction failed")
		newAttr = oldAttr
	}
	if newAttr.IsValid {
		ev.changePairAttr(oldAttr, newAttr)
		p.attr = newAttr
		if newAttr.Size < oldAttr.Size {
			ev.partialEvictions.Add(1)
			ev.m.Evict(EvictPartial)
		}
	}
	ev.decreaseSizeEvicting(p.sizeEvictingEstimate)
	p.sizeEvictingEstimate = 0
	p.mu.Lock()
	if err != nil {
		p.bgErr = err
	}
	p.valueLock.WriteUnlock()
	p.mu.Unlock()
}

// tryEvictPair fully evicts a free pair. Clean pairs go inline; dirty ones
// are written on the kibbutz so the clock walk never waits for I/O.
// Requires p.mu held (released here) and a bjm job on p's cachefile
// (retired here or by the kibbutz job).
func (ev *evictor) tryEvictPair(p *Pair) {
	cf := p.cf
	p.valueLock.WriteLock(true)
	if !p.dirty {
		ev.evictPair(p, false)
		cf.bjm.Remove()
		return
	}
	p.mu.Unlock()
	p.sizeEvictingEstimate = p.attr.Size
	ev.increaseSizeEvicting(p.sizeEvictingEstimate)
	ev.kb.Enq(func() {
		ev.pl.readPendingExpLock()
		forCheckpoint := ev.pl.takePending(p)
		p.mu.Lock()
		ev.evictPair(p, forCheckpoint)
		ev.pl.readPendingExpUnlock()
		cf.bjm.Remove()
	})
}

// evictPair writes p if dirty, then removes and frees it if nobody has
// shown interest in the meantime. Requires p.mu held (released here) and
// p's value lock held exclusively (released here).
//
// forCheckpoint means p's pending bit was taken. A successful write meets
// the checkpoint obligation; a failed one puts the bit back so the
// checkpointer writes p itself before the checkpoint ends.
func (ev *evictor) evictPair(p *Pair, forCheckpoint bool) {
	var writeErr error
	if p.dirty {
		p.mu.Unlock()
		writeErr = ev.writeLockedPair(p, forCheckpoint)
		if forCheckpoint {
			if writeErr != nil {
				ev.pl.readPendingCheapLock()
				p.checkpointPending = true
				ev.pl.readPendingCheapUnlock()
			} else if p.cb.CheckpointComplete != nil {
				p.cb.CheckpointComplete(p.value, p.cb.Extra)
			}
		}
		p.mu.Lock()
	}
	ev.decreaseSizeEvicting(p.sizeEvictingEstimate)
	p.sizeEvictingEstimate = 0

	// Reacquire in lock order: the disk mutex keeps clone writers out while
	// the bucket mutex is dropped for the list lock.
	p.diskMutex.Lock()
	p.mu.Unlock()
	ev.pl.writeListLock()
	p.mu.Lock()
	p.valueLock.WriteUnlock()
	p.diskMutex.Unlock()

	removed := false
	if writeErr == nil && p.valueLock.Users() == 0 && p.refcount == 0 {
		if p.diskMutex.Users() != 0 || p.clonedValue != nil {
			panic("cachetable: evicting a pair with a clone in flight")
		}
		ev.removePair(p)
		removed = true
	}
	if writeErr != nil {
		p.bgErr = writeErr
	}
	p.mu.Unlock()
	ev.pl.writeListUnlock()

	if writeErr != nil {
		ev.log.WithError(writeErr).WithField("key", p.key).Warn("eviction write failed; pair stays dirty")
	}
	if removed {
		ev.freePair(p)
		ev.fullEvictions.Add(1)
		ev.m.Evict(EvictFull)
	}
}

// removePair unlinks p and drops its size. Requires the list write lock
// and p.mu.
func (ev *evictor) removePair(p *Pair) {
	ev.pl.evictCompletely(p)
	ev.removePairAttr(p.attr)
	p.removed = true
}

// freePair tells the owner the value is leaving memory. No locks held.
func (ev *evictor) freePair(p *Pair) {
	diskData := p.diskData
	if _, err := p.cb.Flush(nil, p.key, p.value, &diskData, p.cb.Extra, p.attr, FlushRequest{}); err != nil {
		ev.log.WithError(err).WithField("key", p.key).Warn("free callback failed")
	}
	p.value = nil
	p.diskData = nil
}

// writeLockedPair writes p to its backing store if it is dirty and marks
// it clean on success. Requires p's value lock held exclusively; takes the
// disk mutex so no clone write overlaps.
func (ev *evictor) writeLockedPair(p *Pair, forCheckpoint bool) error {
	p.mu.Lock()
	p.diskMutex.Lock()
	p.mu.Unlock()
	if p.clonedValue != nil {
		panic("cachetable: clone outstanding under the disk mutex")
	}
	var err error
	if p.dirty {
		oldAttr := p.attr
		var newAttr PairAttr
		newAttr, err = ev.writeData(p, forCheckpoint, false)
		if err == nil && newAttr.IsValid {
			p.attr = newAttr
			ev.changePairAttr(oldAttr, newAttr)
		}
	}
	p.mu.Lock()
	if err == nil {
		p.dirty = false
	}
	p.diskMutex.Unlock()
	p.mu.Unlock()
	return err
}

// writeData calls the flush callback to write the value or its clone.
// Requires the disk mutex.
func (ev *evictor) writeData(p *Pair, forCheckpoint, isClone bool) (PairAttr, error) {
	var value any
	var oldAttr PairAttr
	if isClone {
		value, oldAttr = p.clonedValue, MakePairAttr(p.clonedSize)
	} else {
		value, oldAttr = p.value, p.attr
	}
	diskData := p.diskData
	newAttr, err := p.cb.Flush(p.cf, p.key, value, &diskData, p.cb.Extra, oldAttr, FlushRequest{
		Write:         true,
		KeepInCache:   !isClone,
		ForCheckpoint: forCheckpoint,
		IsClone:       isClone,
	})
	if isClone {
		// the value lock is not held, so diskData is not published
		p.clonedValue = nil
		ev.removeClonedDataSize(p.clonedSize)
		p.clonedSize = 0
	} else {
		p.diskData = diskData
	}
	return newAttr, wrapError(err, KindIO)
}

// clonePair snapshots p for a checkpoint write and marks it clean.
// Requires p's value lock held exclusively and the disk mutex.
func (ev *evictor) clonePair(p *Pair) {
	oldAttr := p.attr
	cloned, size, newAttr := p.cb.Clone(p.value, true, p.cb.Extra)
	p.clonedValue = cloned
	p.mu.Lock()
	p.dirty = false
	p.mu.Unlock()
	if newAttr.IsValid {
		p.attr = newAttr
		ev.changePairAttr(oldAttr, newAttr)
	}
	p.clonedSize = size
	ev.addClonedDataSize(size)
}

// ---- introspection ----

type evictorStatus struct {
	sizeCurrent, sizeLimit, sizeReserved, sizeEvicting, sizeCloned int64
	lowWatermark, highWatermark                                    int64
	numSleepers                                                    int
	escalationStreak                                               int
}

func (ev *evictor) status() evictorStatus {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	return evictorStatus{
		sizeCurrent:      ev.sizeCurrent.Load(),
		sizeLimit:        ev.sizeLimit,
		sizeReserved:     ev.sizeReserved,
		sizeEvicting:     ev.sizeEvicting,
		sizeCloned:       ev.sizeCloned,
		lowWatermark:     ev.lowWatermark,
		highWatermark:    ev.highWatermark,
		numSleepers:      ev.numSleepers,
		escalationStreak: ev.escalationStreak,
	}
}
