// Package minicron runs a function periodically on its own goroutine.
package minicron

import (
	"sync"
	"time"
)

// Cron calls fn every period. A zero period pauses it until SetPeriod is
// called with a positive value. Runs never overlap.
type Cron struct {
	fn func()

	mu     sync.Mutex
	period time.Duration

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// Start launches the cron goroutine.
func Start(period time.Duration, fn func()) *Cron {
	c := &Cron{
		fn:     fn,
		period: period,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *Cron) run() {
	defer close(c.done)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	for {
		p := c.Period()
		var tick <-chan time.Time
		if p > 0 {
			timer.Reset(p)
			tick = timer.C
		}
		select {
		case <-c.stop:
			timer.Stop()
			return
		case <-c.wake:
			// period changed; re-arm
			timer.Stop()
		case <-tick:
			c.fn()
		}
	}
}

// SetPeriod changes the period and re-arms the timer.
func (c *Cron) SetPeriod(p time.Duration) {
	c.mu.Lock()
	c.period = p
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Period returns the current period.
func (c *Cron) Period() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.period
}

// Shutdown stops the cron and waits for a running fn to return.
func (c *Cron) Shutdown() {
	c.once.Do(func() { close(c.stop) })
	<-c.done
}
