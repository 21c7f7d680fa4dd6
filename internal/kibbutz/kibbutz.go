// Package kibbutz is a fixed-size worker pool with a FIFO job queue.
//
// Jobs never fail from the pool's point of view; they report their own
// errors to whoever enqueued them. Destroy runs every queued job before
// the workers exit.
package kibbutz

import (
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Kibbutz is safe for concurrent use.
type Kibbutz struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	closing bool

	g       errgroup.Group
	workers int
}

// New starts n workers (GOMAXPROCS when n <= 0).
func New(n int) *Kibbutz {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	k := &Kibbutz{workers: n}
	k.cond = sync.NewCond(&k.mu)
	for i := 0; i < n; i++ {
		k.g.Go(func() error {
			k.work()
			return nil
		})
	}
	return k
}

// Enq appends a job. It panics after Destroy.
func (k *Kibbutz) Enq(fn func()) {
	k.mu.Lock()
	if k.closing {
		k.mu.Unlock()
		panic("kibbutz: Enq after Destroy")
	}
	k.queue = append(k.queue, fn)
	k.mu.Unlock()
	k.cond.Signal()
}

// Workers returns the pool size.
func (k *Kibbutz) Workers() int { return k.workers }

// Pending returns the number of queued, not yet started jobs.
func (k *Kibbutz) Pending() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.queue)
}

func (k *Kibbutz) work() {
	for {
		k.mu.Lock()
		for len(k.queue) == 0 && !k.closing {
			k.cond.Wait()
		}
		if len(k.queue) == 0 {
			k.mu.Unlock()
			return
		}
		fn := k.queue[0]
		k.queue[0] = nil
		k.queue = k.queue[1:]
		k.mu.Unlock()
		fn()
	}
}

// Destroy drains the queue and joins the workers.
func (k *Kibbutz) Destroy() {
	k.mu.Lock()
	k.closing = true
	k.mu.Unlock()
	k.cond.Broadcast()
	_ = k.g.Wait()
}
