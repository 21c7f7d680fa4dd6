package cachetable

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// cleanerScanWidth is how many pairs one iteration looks at to pick the
// one under the most cache pressure.
const cleanerScanWidth = 8

// cleaner periodically hands the pair with the highest cache pressure to
// its Cleaner callback.
type cleaner struct {
	pl *pairList
	ev *evictor
	cp *checkpointer

	log logrus.FieldLogger

	iterations atomic.Int64
	executions atomic.Uint64
}

func (cl *cleaner) init(ct *CacheTable, iterations int) {
	cl.pl = &ct.pl
	cl.ev = &ct.ev
	cl.cp = &ct.cp
	cl.log = ct.log.WithField("component", "cleaner")
	cl.iterations.Store(int64(iterations))
}

func (cl *cleaner) setIterations(n int) { cl.iterations.Store(int64(n)) }

// run is one cleaner period.
func (cl *cleaner) run() {
	n := cl.iterations.Load()
	for i := int64(0); i < n; i++ {
		if !cl.runOnce() {
			return
		}
	}
}

// runOnce picks one pair and cleans it. Reports false when nothing in the
// scanned window wants cleaning.
func (cl *cleaner) runOnce() bool {
	pl := cl.pl
	pl.readListLock()
	if pl.cleanerHead == nil {
		pl.readListUnlock()
		return false
	}
	var (
		best      *Pair
		bestScore int64
	)
	width := min(cleanerScanWidth, pl.numPairs)
	for i := 0; i < width; i++ {
		p := pl.cleanerHead
		p.mu.Lock()
		// a pair whose last clean failed waits for its owner to see the error
		if p.cb.Cleaner != nil && p.bgErr == nil && p.valueLock.Users() == 0 {
			if score := p.attr.CachePressureSize; score > bestScore {
				best, bestScore = p, score
			}
		}
		p.mu.Unlock()
		pl.cleanerHead = p.clockNext
	}
	if best == nil {
		pl.readListUnlock()
		return false
	}
	p := best
	p.mu.Lock()
	p.addRef()
	pl.readListUnlock()

	cf := p.cf
	if err := cf.bjm.Add(); err != nil {
		// closing
		p.releaseRef()
		p.mu.Unlock()
		return true
	}
	defer cf.bjm.Remove()

	p.valueLock.WriteLock(true)
	if p.removed {
		p.valueLock.WriteUnlock()
		p.releaseRef()
		p.mu.Unlock()
		return true
	}
	p.mu.Unlock()

	if pl.takePending(p) {
		cl.cp.resolvePending(p)
	}

	oldAttr := p.attr
	newAttr, dirty, err := p.cb.Cleaner(cf, p.key, p.fullhash, p.value, p.cb.Extra)
	if err != nil {
		err = wrapError(err, KindIO)
		cl.log.WithError(err).WithField("key", p.key).Warn("cleaner callback failed")
	}
	if newAttr.IsValid {
		p.attr = newAttr
		cl.ev.changePairAttr(oldAttr, newAttr)
	}
	cl.executions.Add(1)

	p.mu.Lock()
	if dirty {
		p.dirty = true
	}
	if err != nil {
		p.bgErr = err
	}
	p.valueLock.WriteUnlock()
	p.releaseRef()
	p.mu.Unlock()

	cl.log.WithFields(logrus.Fields{
		"key":   p.key,
		"score": bestScore,
	}).Debug("cleaned pair")

	if cl.ev.shouldClientWakeEvictionThread() {
		cl.ev.signalEvictionThread()
	}
	return true
}
