// Package schedulertest provides a manually advanced clock for timer tests.
package schedulertest

import (
	"sort"
	"sync"
	"time"

	"github.com/aaronwang/live-auction/api-gateway/internal/scheduler"
)

// Clock is a scheduler.Clock whose time only moves when Advance is called.
// Callbacks never run inside AfterFunc; they run from Advance, outside the
// clock's lock, in deadline order.
type Clock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*timer
}

type timer struct {
	clock   *Clock
	at      time.Time
	seq     int
	f       func()
	stopped bool
}

var _ scheduler.Clock = (*Clock)(nil)

// NewClock returns a clock frozen at now
func NewClock(now time.Time) *Clock {
	return &Clock{now: now}
}

// Now returns the frozen time
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc registers f to run once the clock reaches now+d
func (c *Clock) AfterFunc(d time.Duration, f func()) scheduler.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	t := &timer{clock: c, at: c.now.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward by d and runs every callback that became
// due, including ones registered by callbacks fired during this call.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.popDue(target)
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		if next.at.After(c.now) {
			c.now = next.at
		}
		c.mu.Unlock()

		next.f()
	}
}

// Pending returns the number of timers that have neither fired nor stopped
func (c *Clock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

func (c *Clock) popDue(target time.Time) *timer {
	live := c.timers[:0]
	for _, t := range c.timers {
		if !t.stopped {
			live = append(live, t)
		}
	}
	c.timers = live

	sort.Slice(c.timers, func(i, j int) bool {
		if c.timers[i].at.Equal(c.timers[j].at) {
			return c.timers[i].seq < c.timers[j].seq
		}
		return c.timers[i].at.Before(c.timers[j].at)
	})

	if len(c.timers) == 0 || c.timers[0].at.After(target) {
		return nil
	}
	t := c.timers[0]
	t.stopped = true
	c.timers = c.timers[1:]
	return t
}

func (t *timer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}
