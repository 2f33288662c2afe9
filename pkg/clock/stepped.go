package clock

import (
	"sort"
	"sync"
	"time"
)

// SteppedClock is a deterministic Clock for tests. Station time only advances
// when Advance is called, so boundary-timing assertions don't race a real
// clock or sleep. AfterFunc callbacks fire synchronously, in deadline order,
// as part of the Advance call that crosses their deadline.
type SteppedClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*steppedTimer
	nextID  int
}

type steppedTimer struct {
	id       int
	clock    *SteppedClock
	deadline time.Time
	fn       func()
}

func (t *steppedTimer) Stop() bool {
	return t.clock.cancel(t.id)
}

// NewSteppedClock returns a SteppedClock starting at start (must be UTC-aware).
func NewSteppedClock(start time.Time) *SteppedClock {
	return &SteppedClock{now: start.UTC()}
}

func (c *SteppedClock) NowUTC() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *SteppedClock) NowLocal(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	return c.NowUTC().In(loc)
}

func (c *SteppedClock) SecondsSince(t time.Time) float64 {
	d := c.NowUTC().Sub(t.UTC())
	if d < 0 {
		return 0
	}
	return d.Seconds()
}

func (c *SteppedClock) ToUTC(local time.Time) (time.Time, error) {
	if err := ensureAware(local); err != nil {
		return time.Time{}, err
	}
	return local.UTC(), nil
}

func (c *SteppedClock) ToLocal(utc time.Time, loc *time.Location) (time.Time, error) {
	if err := ensureAware(utc); err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.Local
	}
	return utc.In(loc), nil
}

// AfterFunc schedules f to fire when station time reaches now+d. Nothing
// fires until a subsequent Advance or Set crosses that deadline.
func (c *SteppedClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	c.nextID++
	t := &steppedTimer{id: c.nextID, clock: c, deadline: c.now.Add(d), fn: f}
	c.pending = append(c.pending, t)
	c.mu.Unlock()
	return t
}

func (c *SteppedClock) cancel(id int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, t := range c.pending {
		if t.id == id {
			c.pending = append(c.pending[:i:i], c.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Advance moves station time forward by d (must be non-negative), firing any
// due timers in deadline order, and returns the new time.
func (c *SteppedClock) Advance(d time.Duration) time.Time {
	if d < 0 {
		panic("clock: Advance called with negative duration")
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	c.fireDue(now)
	return now
}

// Set pins the clock to an arbitrary instant, for tests that need to seek
// directly to a scenario's starting timestamp. Like Advance, it fires any
// timer whose deadline now falls at or before t.
func (c *SteppedClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t.UTC()
	now := c.now
	c.mu.Unlock()
	c.fireDue(now)
}

func (c *SteppedClock) fireDue(now time.Time) {
	c.mu.Lock()
	var due []*steppedTimer
	remaining := make([]*steppedTimer, 0, len(c.pending))
	for _, t := range c.pending {
		if !t.deadline.After(now) {
			due = append(due, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	c.pending = remaining
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, t := range due {
		t.fn()
	}
}

var _ Clock = (*SteppedClock)(nil)
