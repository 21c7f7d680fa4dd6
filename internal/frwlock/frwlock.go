// Package frwlock implements a fair read/write lock whose monitor is an
// external mutex.
//
// The lock itself holds no mutex. Every method must be called with the
// monitor mutex held, and blocking methods release it while they wait
// (the same way sync.Cond.Wait does). This lets many locks share one
// monitor: the page cache guards a whole bucket of pairs with a single
// mutex and every pair's value lock waits on it.
//
// Waiters are served strictly in arrival order. Consecutive readers queued
// behind a writer are granted together as one batch.
package frwlock

import "sync"

// waiter is one entry of the FIFO queue. A reader entry is shared by every
// reader that arrives while it is still queued.
type waiter struct {
	cond      *sync.Cond
	next      *waiter
	write     bool
	expensive bool
	readers   int
	granted   bool
}

// RWLock is a fair FIFO read/write lock. The zero value is not usable;
// call Init with the monitor mutex first.
type RWLock struct {
	mu *sync.Mutex

	numReaders int
	numWriters int

	numWantRead           int
	numWantWrite          int
	numExpensiveWantWrite int

	currentWriterExpensive bool
	readWaitExpensive      bool

	head, tail *waiter
	readWait   *waiter // queued reader batch, nil when none
}

// Init binds the lock to its monitor mutex.
func (l *RWLock) Init(mu *sync.Mutex) {
	*l = RWLock{mu: mu}
}

func (l *RWLock) enqueue(w *waiter) {
	if l.tail == nil {
		l.head = w
	} else {
		l.tail.next = w
	}
	l.tail = w
}

func (l *RWLock) dequeue() *waiter {
	w := l.head
	l.head = w.next
	if l.head == nil {
		l.tail = nil
	}
	w.next = nil
	return w
}

// ReadLock acquires the lock shared, waiting behind any queued writer.
func (l *RWLock) ReadLock() {
	if l.TryReadLock() {
		return
	}
	w := l.readWait
	if w == nil {
		w = &waiter{cond: sync.NewCond(l.mu)}
		l.enqueue(w)
		l.readWait = w
		l.readWaitExpensive = l.currentWriterExpensive || l.numExpensiveWantWrite > 0
	}
	w.readers++
	l.numWantRead++
	for !w.granted {
		w.cond.Wait()
	}
}

// TryReadLock acquires the lock shared only if that needs no waiting.
func (l *RWLock) TryReadLock() bool {
	if l.numWriters > 0 || l.numWantWrite > 0 {
		return false
	}
	l.numReaders++
	return true
}

// ReadUnlock releases a shared hold.
func (l *RWLock) ReadUnlock() {
	if l.numReaders <= 0 {
		panic("frwlock: ReadUnlock without readers")
	}
	l.numReaders--
	if l.numReaders == 0 {
		l.grantNext()
	}
}

// WriteLock acquires the lock exclusively. expensive marks the hold as one
// that may last long (I/O); callers that must not wait on such holders can
// test WriteLockIsExpensive / ReadLockIsExpensive first.
func (l *RWLock) WriteLock(expensive bool) {
	if l.TryWriteLock(expensive) {
		return
	}
	w := &waiter{cond: sync.NewCond(l.mu), write: true, expensive: expensive}
	l.enqueue(w)
	l.numWantWrite++
	if expensive {
		l.numExpensiveWantWrite++
	}
	for !w.granted {
		w.cond.Wait()
	}
}

// TryWriteLock acquires the lock exclusively only if it is free and nobody
// is queued.
func (l *RWLock) TryWriteLock(expensive bool) bool {
	if l.numWriters > 0 || l.numReaders > 0 || l.head != nil {
		return false
	}
	l.numWriters = 1
	l.currentWriterExpensive = expensive
	return true
}

// WriteUnlock releases an exclusive hold.
func (l *RWLock) WriteUnlock() {
	if l.numWriters != 1 {
		panic("frwlock: WriteUnlock without writer")
	}
	l.numWriters = 0
	l.currentWriterExpensive = false
	l.grantNext()
}

// grantNext hands the lock to the head of the queue if it can run now.
// Counters move from "want" to "holding" here so that no newcomer can slip
// in between the grant and the waiter waking up.
func (l *RWLock) grantNext() {
	w := l.head
	if w == nil || l.numWriters > 0 {
		return
	}
	if w.write {
		if l.numReaders > 0 {
			return
		}
		l.dequeue()
		l.numWantWrite--
		if w.expensive {
			l.numExpensiveWantWrite--
		}
		l.numWriters = 1
		l.currentWriterExpensive = w.expensive
		w.granted = true
		w.cond.Signal()
		return
	}
	l.dequeue()
	if l.readWait == w {
		l.readWait = nil
		l.readWaitExpensive = false
	}
	l.numWantRead -= w.readers
	l.numReaders += w.readers
	w.granted = true
	w.cond.Broadcast()
}

// Users is the number of holders plus waiters.
func (l *RWLock) Users() int {
	return l.numReaders + l.numWriters + l.numWantRead + l.numWantWrite
}

// BlockedUsers is the number of waiters.
func (l *RWLock) BlockedUsers() int {
	return l.numWantRead + l.numWantWrite
}

// Writers counts the exclusive holder plus queued writers.
func (l *RWLock) Writers() int {
	return l.numWriters + l.numWantWrite
}

// WriteLocked reports whether the lock is held exclusively.
func (l *RWLock) WriteLocked() bool { return l.numWriters > 0 }

// BlockedWriters counts queued writers.
func (l *RWLock) BlockedWriters() int {
	return l.numWantWrite
}

// Readers counts shared holders plus queued readers.
func (l *RWLock) Readers() int {
	return l.numReaders + l.numWantRead
}

// WriteLockIsExpensive reports whether a writer arriving now would wait
// behind an expensive hold.
func (l *RWLock) WriteLockIsExpensive() bool {
	return l.numExpensiveWantWrite > 0 || l.currentWriterExpensive
}

// ReadLockIsExpensive reports whether a reader arriving now would wait
// behind an expensive hold.
func (l *RWLock) ReadLockIsExpensive() bool {
	if l.readWait != nil {
		return l.readWaitExpensive
	}
	return l.currentWriterExpensive || l.numExpensiveWantWrite > 0
}
