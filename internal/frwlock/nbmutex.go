package frwlock

import "sync"

// NBMutex is a fair exclusive-only lock on an external monitor. The page
// cache holds it on a pair while a write-back or clone write is in flight.
type NBMutex struct {
	l RWLock
}

// Init binds the mutex to its monitor.
func (m *NBMutex) Init(mu *sync.Mutex) { m.l.Init(mu) }

// Lock acquires the mutex, releasing the monitor while waiting.
func (m *NBMutex) Lock() { m.l.WriteLock(true) }

// Unlock releases the mutex.
func (m *NBMutex) Unlock() { m.l.WriteUnlock() }

// Users is the holder plus waiters.
func (m *NBMutex) Users() int { return m.l.Users() }

// Writers is the same as Users; kept for symmetry with RWLock.
func (m *NBMutex) Writers() int { return m.l.Writers() }
