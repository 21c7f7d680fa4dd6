// Package bjm is a background job manager: a job counter with an
// "accepting" flag and a drain barrier.
//
// Owners (a cachefile, a checkpoint) register every asynchronous job they
// spawn with Add and retire it with Remove. WaitForJobsToFinish stops new
// jobs from being admitted and blocks until the outstanding ones are done.
package bjm

import (
	"sync"

	"github.com/ansel1/merry"
)

// ErrNotAccepting is returned by Add after WaitForJobsToFinish has closed
// the manager.
var ErrNotAccepting = merry.New("bjm: not accepting background jobs")

// Manager counts outstanding jobs. Safe for concurrent use.
type Manager struct {
	mu        sync.Mutex
	drained   *sync.Cond
	accepting bool
	jobs      int
}

// New returns a manager that accepts jobs.
func New() *Manager {
	m := &Manager{accepting: true}
	m.drained = sync.NewCond(&m.mu)
	return m
}

// Add registers one job. It fails when the manager is draining or closed.
func (m *Manager) Add() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.accepting {
		return merry.Here(ErrNotAccepting)
	}
	m.jobs++
	return nil
}

// Remove retires one job.
func (m *Manager) Remove() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.jobs <= 0 {
		panic("bjm: Remove without Add")
	}
	m.jobs--
	if m.jobs == 0 && !m.accepting {
		m.drained.Broadcast()
	}
}

// WaitForJobsToFinish stops admitting jobs and waits for the count to
// reach zero. The manager stays closed until Reset.
func (m *Manager) WaitForJobsToFinish() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accepting = false
	for m.jobs > 0 {
		m.drained.Wait()
	}
}

// Reset reopens a drained manager.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.jobs != 0 {
		panic("bjm: Reset with outstanding jobs")
	}
	m.accepting = true
}

// Jobs returns the number of outstanding jobs.
func (m *Manager) Jobs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs
}
