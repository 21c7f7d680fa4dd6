package cachetable

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/IvanBrykalov/pagecache/internal/bjm"
	"github.com/IvanBrykalov/pagecache/internal/fsutil"
	"github.com/IvanBrykalov/pagecache/internal/kibbutz"
)

// checkpointer writes a consistent snapshot of the pairs that were dirty
// when a checkpoint began.
//
// Begin marks every pair of the participating cachefiles pending. From
// then on whoever takes a pending pair's value lock exclusively first
// resolves it: a writer clones the value and queues the clone write, the
// checkpointer (at end) writes it itself. Either way the pair is written
// at most once per checkpoint and with its contents as of begin.
type checkpointer struct {
	ct     *CacheTable
	pl     *pairList
	cfList *cachefileList
	ev     *evictor
	kb     *kibbutz.Kibbutz // clone writes
	clones *bjm.Manager
	log    logrus.FieldLogger
	m      Metrics

	// held from begin to end
	mu         sync.Mutex
	inProgress atomic.Bool
	lsn        LSN
	cfs        []*Cachefile
	started    time.Time

	errMu sync.Mutex
	err   error

	nextLSN        atomic.Uint64
	numCheckpoints atomic.Uint64
	sf             singleflight.Group
}

func (cp *checkpointer) init(ct *CacheTable, kb *kibbutz.Kibbutz) {
	cp.ct = ct
	cp.pl = &ct.pl
	cp.cfList = &ct.cfList
	cp.ev = &ct.ev
	cp.kb = kb
	cp.clones = bjm.New()
	cp.log = ct.log.WithField("component", "checkpointer")
	cp.m = ct.m
}

// begin pins the open cachefiles and marks their pairs pending.
func (cp *checkpointer) begin(lsn LSN) {
	cp.mu.Lock()
	cp.inProgress.Store(true)
	cp.lsn = lsn
	cp.started = time.Now()
	cp.setErr(nil)
	if uint64(lsn) > cp.nextLSN.Load() {
		cp.nextLSN.Store(uint64(lsn))
	}

	cp.cfList.readLock()
	candidates := cp.cfList.active()
	cp.cfList.readUnlock()

	cp.cfs = cp.cfs[:0]
	pinned := make(map[*Cachefile]bool, len(candidates))
	for _, cf := range candidates {
		if !cf.pinForCheckpoint() {
			continue
		}
		cp.cfs = append(cp.cfs, cf)
		pinned[cf] = true
		if cbs := cf.callbacks(); cbs.LogFassociate != nil {
			cbs.LogFassociate(cf, cbs.Userdata)
		}
	}

	cp.clones.Reset()

	cp.pl.writePendingExpLock()
	cp.pl.writeListLock()
	cp.cfList.readLock()
	cp.pl.writePendingCheapLock()

	if cp.pl.pendingHead != nil {
		panic("cachetable: pending list not drained by the previous checkpoint")
	}
	marked := 0
	p := cp.pl.checkpointHead
	for i := 0; i < cp.pl.numPairs; i++ {
		if pinned[p.cf] {
			p.checkpointPending = true
			cp.pl.pendingPairsAppend(p)
			marked++
		}
		p = p.clockNext
	}
	for _, cf := range cp.cfs {
		if cbs := cf.callbacks(); cbs.BeginCheckpoint != nil {
			cbs.BeginCheckpoint(lsn, cbs.Userdata)
		}
	}

	cp.pl.writePendingCheapUnlock()
	cp.cfList.readUnlock()
	cp.pl.writeListUnlock()
	cp.pl.writePendingExpUnlock()

	cp.log.WithFields(logrus.Fields{
		"lsn":        lsn,
		"cachefiles": len(cp.cfs),
		"pending":    marked,
	}).Debug("checkpoint begun")
}

// end writes what is still pending, waits for clone writes, runs the
// per-file checkpoint callbacks and releases the cachefiles.
func (cp *checkpointer) end(testHook func()) error {
	if !cp.inProgress.Load() {
		return newError(KindInvalid, "cachetable: no checkpoint in progress")
	}
	defer func() {
		cp.inProgress.Store(false)
		cp.mu.Unlock()
	}()

	written := cp.writePendingPairs()
	cp.clones.WaitForJobsToFinish()

	firstErr := cp.takeErr()
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, cf := range cp.cfs {
		cbs := cf.callbacks()
		if cbs.Checkpoint != nil {
			keep(wrapError(cbs.Checkpoint(cf, cf.f, cbs.Userdata), KindIO))
		}
		keep(wrapError(fsutil.Fsync(cf.f), KindIO))
	}
	if testHook != nil {
		testHook()
	}
	for _, cf := range cp.cfs {
		cbs := cf.callbacks()
		if cbs.EndCheckpoint != nil {
			keep(wrapError(cbs.EndCheckpoint(cf, cf.f, cbs.Userdata), KindIO))
		}
	}
	for _, cf := range cp.cfs {
		cf.UnpinAfterCheckpoint()
	}
	cp.cfs = cp.cfs[:0]

	d := time.Since(cp.started)
	cp.numCheckpoints.Add(1)
	cp.m.Checkpoint(d)
	entry := cp.log.WithFields(logrus.Fields{
		"lsn":      cp.lsn,
		"written":  written,
		"duration": d,
	})
	if firstErr != nil {
		entry.WithError(firstErr).Error("checkpoint failed")
	} else {
		entry.Debug("checkpoint ended")
	}
	return firstErr
}

// writePendingPairs drains the pending list, resolving every pair a
// client has not resolved yet. Returns how many it resolved.
func (cp *checkpointer) writePendingPairs() int {
	n := 0
	for {
		cp.pl.readListLock()
		p := cp.pl.pendingHead
		if p == nil {
			cp.pl.readListUnlock()
			return n
		}
		// only the checkpointer unlinks from the head under the read lock
		cp.pl.pendingPairsRemove(p)
		p.mu.Lock()
		p.addRef()
		cp.pl.readListUnlock()

		p.valueLock.WriteLock(false)
		removed := p.removed
		p.mu.Unlock()

		if !removed && cp.pl.takePending(p) {
			cp.resolvePending(p)
			n++
		}

		p.mu.Lock()
		p.valueLock.WriteUnlock()
		p.releaseRef()
		p.mu.Unlock()
	}
}

// resolvePending meets p's checkpoint obligation after its pending bit was
// taken. A dirty pair with a clone callback is cloned and the clone
// written in the background; otherwise it is written in place. Requires
// p's value lock held exclusively.
func (cp *checkpointer) resolvePending(p *Pair) {
	if p.cb.CheckpointComplete != nil {
		p.cb.CheckpointComplete(p.value, p.cb.Extra)
	}
	p.mu.Lock()
	dirty := p.dirty
	p.mu.Unlock()
	if !dirty {
		return
	}
	if p.cb.Clone == nil {
		if err := cp.ev.writeLockedPair(p, true); err != nil {
			cp.recordWriteErr(p, err)
		}
		return
	}

	p.mu.Lock()
	p.diskMutex.Lock()
	p.mu.Unlock()
	cp.ev.clonePair(p)
	if err := cp.clones.Add(); err != nil {
		panic("cachetable: clone resolved outside a checkpoint")
	}
	cp.kb.Enq(func() {
		defer cp.clones.Remove()
		cp.writeClone(p)
	})
}

// writeClone writes and releases p's clone. Requires the disk mutex
// (released here).
func (cp *checkpointer) writeClone(p *Pair) {
	_, err := cp.ev.writeData(p, true, true)
	p.mu.Lock()
	if err != nil {
		// the snapshot was lost; the live value must be written again
		p.dirty = true
		p.bgErr = err
	}
	p.diskMutex.Unlock()
	p.mu.Unlock()
	if err != nil {
		cp.setErrOnce(err)
		cp.log.WithError(err).WithField("key", p.key).Warn("checkpoint clone write failed")
	}
}

func (cp *checkpointer) recordWriteErr(p *Pair, err error) {
	p.mu.Lock()
	p.bgErr = err
	p.mu.Unlock()
	cp.setErrOnce(err)
	cp.log.WithError(err).WithField("key", p.key).Warn("checkpoint write failed; pair stays dirty")
}

func (cp *checkpointer) setErr(err error) {
	cp.errMu.Lock()
	cp.err = err
	cp.errMu.Unlock()
}

func (cp *checkpointer) setErrOnce(err error) {
	cp.errMu.Lock()
	if cp.err == nil {
		cp.err = err
	}
	cp.errMu.Unlock()
}

func (cp *checkpointer) takeErr() error {
	cp.errMu.Lock()
	defer cp.errMu.Unlock()
	err := cp.err
	cp.err = nil
	return err
}

// pinForCheckpoint pins cf unless it is closing. Reports whether it did.
func (cf *Cachefile) pinForCheckpoint() bool {
	cf.mu.Lock()
	if cf.closing || cf.closed {
		cf.mu.Unlock()
		return false
	}
	cf.forCheckpoint = true
	cbs := cf.cbs
	cf.mu.Unlock()
	if cbs.NotePinByCheckpoint != nil {
		cbs.NotePinByCheckpoint(cf, cbs.Userdata)
	}
	return true
}
