package cachetable

import (
	"os"
	"sync"

	"github.com/ansel1/merry"
	"github.com/sirupsen/logrus"

	"github.com/IvanBrykalov/pagecache/internal/bjm"
	"github.com/IvanBrykalov/pagecache/internal/fsutil"
	"github.com/IvanBrykalov/pagecache/internal/util"
)

// Cachefile is an open backing file registered with the cache table.
// Pairs are addressed by (cachefile, key). After Close the handle is stale
// and pins on it fail with ErrStale; reopening the same file through the
// cache table may hand the same handle back.
type Cachefile struct {
	ct      *CacheTable
	filenum uint32
	hashID  uint32
	fileID  fsutil.FileID
	fname   string
	f       *os.File

	// guarded by the pair list's list lock
	pairHead *Pair
	numPairs int

	mu            sync.Mutex
	cond          *sync.Cond // signalled when forCheckpoint clears
	forCheckpoint bool
	closing       bool
	closed        bool
	unlinkOnClose bool
	cbs           CachefileCallbacks

	bjm *bjm.Manager
	log logrus.FieldLogger
}

func newCachefile(ct *CacheTable, f *os.File, fname string, id fsutil.FileID) *Cachefile {
	cf := &Cachefile{
		ct:     ct,
		fileID: id,
		fname:  fname,
		f:      f,
		bjm:    bjm.New(),
	}
	cf.cond = sync.NewCond(&cf.mu)
	cf.log = ct.log.WithFields(logrus.Fields{"component": "cachefile", "fname": fname})
	return cf
}

// Filenum returns the number assigned when the file was opened.
func (cf *Cachefile) Filenum() uint32 { return cf.filenum }

// FileID returns the device/inode identity of the file.
func (cf *Cachefile) FileID() fsutil.FileID { return cf.fileID }

// File returns the underlying file.
func (cf *Cachefile) File() *os.File { return cf.f }

// Fname returns the name the file was opened with.
func (cf *Cachefile) Fname() string { return cf.fname }

// Hash computes the full hash of key for this cachefile.
func (cf *Cachefile) Hash(key Key) uint32 { return util.FullHash(cf.hashID, uint64(key)) }

// SetUserdata installs the upper layer's callbacks.
func (cf *Cachefile) SetUserdata(cbs CachefileCallbacks) {
	cf.mu.Lock()
	cf.cbs = cbs
	cf.mu.Unlock()
}

// Userdata returns what SetUserdata installed.
func (cf *Cachefile) Userdata() any {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	return cf.cbs.Userdata
}

// SetUnlinkOnClose makes Close delete the file and drop its pairs.
func (cf *Cachefile) SetUnlinkOnClose(unlink bool) {
	cf.mu.Lock()
	cf.unlinkOnClose = unlink
	cf.mu.Unlock()
}

func (cf *Cachefile) callbacks() CachefileCallbacks {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	return cf.cbs
}

// checkOpen fails pins on a closed handle.
func (cf *Cachefile) checkOpen() error {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	if cf.closed {
		return merry.Here(ErrStale)
	}
	return nil
}

// CountPinned returns the number of this file's pairs that are pinned or
// referenced.
func (cf *Cachefile) CountPinned() int {
	pl := &cf.ct.pl
	n := 0
	pl.readListLock()
	for p := cf.pairHead; p != nil; p = p.cfNext {
		p.mu.Lock()
		if p.refcount > 0 || p.valueLock.Users() > 0 {
			n++
		}
		p.mu.Unlock()
	}
	pl.readListUnlock()
	return n
}

// PinForCheckpoint marks the file as part of the checkpoint in progress;
// Close waits until UnpinAfterCheckpoint. It reports false, and pins
// nothing, when the file is already closing.
func (cf *Cachefile) PinForCheckpoint() bool { return cf.pinForCheckpoint() }

// UnpinAfterCheckpoint releases the checkpoint's hold on the file.
func (cf *Cachefile) UnpinAfterCheckpoint() {
	cf.mu.Lock()
	cf.forCheckpoint = false
	cbs := cf.cbs
	cf.cond.Broadcast()
	cf.mu.Unlock()
	if cbs.NoteUnpinByCheckpoint != nil {
		cbs.NoteUnpinByCheckpoint(cf, cbs.Userdata)
	}
}

// Flush writes every dirty pair of the file. Pairs stay resident.
func (cf *Cachefile) Flush() error {
	if err := cf.checkOpen(); err != nil {
		return err
	}
	cf.bjm.WaitForJobsToFinish()
	defer cf.bjm.Reset()
	return cf.writeDirtyPairs()
}

// writeDirtyPairs writes every dirty pair on the client kibbutz and waits
// for all of them. Returns the first write error.
func (cf *Cachefile) writeDirtyPairs() error {
	ct := cf.ct
	pl := &ct.pl
	jobs := bjm.New()

	var (
		errMu    sync.Mutex
		firstErr error
	)

	pl.writeListLock()
	for p := cf.pairHead; p != nil; p = p.cfNext {
		p.mu.Lock()
		if !p.dirty {
			p.mu.Unlock()
			continue
		}
		p.addRef()
		p.mu.Unlock()
		if err := jobs.Add(); err != nil {
			panic("cachetable: local job manager closed")
		}
		ct.kb.Enq(func() {
			defer jobs.Remove()
			p.mu.Lock()
			p.valueLock.WriteLock(true)
			p.mu.Unlock()

			pending := pl.takePending(p)
			if pending && p.cb.CheckpointComplete != nil {
				p.cb.CheckpointComplete(p.value, p.cb.Extra)
			}
			err := ct.ev.writeLockedPair(p, pending)

			p.mu.Lock()
			if err != nil {
				p.bgErr = err
			}
			p.valueLock.WriteUnlock()
			p.releaseRef()
			p.mu.Unlock()

			if err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
			}
		})
	}
	pl.writeListUnlock()

	jobs.WaitForJobsToFinish()
	return firstErr
}

// Close writes the file's dirty pairs, runs the close and free callbacks,
// and closes the descriptor. Without unlink-on-close the clean pairs stay
// cached on the stale list until evicted or the file is reopened. A write
// failure aborts the close and leaves the file open.
func (cf *Cachefile) Close() error {
	ct := cf.ct
	if err := cf.checkOpen(); err != nil {
		return err
	}
	cf.bjm.WaitForJobsToFinish()

	cf.mu.Lock()
	cf.closing = true
	for cf.forCheckpoint {
		cf.cond.Wait()
	}
	unlink := cf.unlinkOnClose
	cf.mu.Unlock()

	if err := cf.writeDirtyPairs(); err != nil {
		cf.mu.Lock()
		cf.closing = false
		cf.mu.Unlock()
		cf.bjm.Reset()
		cf.log.WithError(err).Error("close aborted: dirty pair could not be written")
		return err
	}

	var freed []*Pair
	ct.pl.writeListLock()
	for p := cf.pairHead; p != nil; {
		next := p.cfNext
		p.mu.Lock()
		if p.refcount > 0 || p.valueLock.Users() > 0 {
			panic("cachetable: closing a cachefile with pinned pairs")
		}
		if unlink {
			ct.pl.evictCompletely(p)
			ct.ev.removePairAttr(p.attr)
			p.removed = true
			freed = append(freed, p)
		} else {
			ct.pl.evictFromCachetable(p)
		}
		p.mu.Unlock()
		p = next
	}
	ct.pl.writeListUnlock()

	for _, p := range freed {
		ct.ev.freePair(p)
	}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	cbs := cf.callbacks()
	if cbs.Close != nil {
		keep(wrapError(cbs.Close(cf, cf.f, cbs.Userdata), KindIO))
	}
	if cbs.Free != nil {
		cbs.Free(cf, cbs.Userdata)
	}
	keep(wrapError(fsutil.Fsync(cf.f), KindIO))
	keep(wrapError(cf.f.Close(), KindIO))
	if unlink {
		keep(wrapError(os.Remove(cf.fname), KindIO))
	}

	cf.mu.Lock()
	cf.closed = true
	cf.closing = false
	cf.cbs = CachefileCallbacks{}
	cf.mu.Unlock()

	ct.cfList.retire(cf, unlink)

	entry := cf.log.WithFields(logrus.Fields{"unlink": unlink, "evicted": len(freed)})
	if firstErr != nil {
		entry.WithError(firstErr).Error("cachefile closed with errors")
	} else {
		entry.Debug("cachefile closed")
	}
	return firstErr
}

// revive reattaches a stale cachefile to a freshly opened descriptor.
// Requires the list write lock and the cachefile list write lock.
func (cf *Cachefile) revive(f *os.File, fname string) {
	for p := cf.pairHead; p != nil; p = p.cfNext {
		p.mu.Lock()
		cf.ct.pl.addToCachetableOnly(p)
		p.mu.Unlock()
	}
	cf.mu.Lock()
	cf.f = f
	cf.fname = fname
	cf.closed = false
	cf.unlinkOnClose = false
	cf.mu.Unlock()
	cf.bjm.Reset()
	cf.log = cf.ct.log.WithFields(logrus.Fields{"component": "cachefile", "fname": fname})
}
