// Package clock provides the authoritative monotonic UTC time source shared
// by every channel session, and a deterministic test double for boundary
// timing assertions.
package clock

import (
	"errors"
	"sync"
	"time"
)

// ErrInvalidTime is returned when a caller passes a timestamp that carries no
// usable location information.
var ErrInvalidTime = errors.New("clock: invalid time")

// Timer is a handle on a scheduled AfterFunc callback.
type Timer interface {
	// Stop cancels the timer. It returns true if the cancellation stopped
	// the timer before it fired.
	Stop() bool
}

// Clock is the shared time source. NowUTC must be monotonic non-decreasing
// for a single process: two calls separated by work never observe time going
// backwards, even if the wall clock is stepped by NTP.
type Clock interface {
	// NowUTC returns the current time in the UTC location.
	NowUTC() time.Time
	// NowLocal returns the current time converted to loc.
	NowLocal(loc *time.Location) time.Time
	// SecondsSince returns the non-negative number of seconds elapsed since t.
	SecondsSince(t time.Time) float64
	// ToUTC converts an aware local time to UTC.
	ToUTC(local time.Time) (time.Time, error)
	// ToLocal converts an aware UTC time to loc.
	ToLocal(utc time.Time, loc *time.Location) (time.Time, error)
	// AfterFunc schedules f to run once, d after the current time. Routing
	// scheduling through the Clock (rather than calling time.AfterFunc
	// directly) lets a SteppedClock fire callbacks deterministically as its
	// station time is advanced in tests, instead of racing a real timer.
	AfterFunc(d time.Duration, f func()) Timer
}

func ensureAware(t time.Time) error {
	if t.IsZero() {
		return ErrInvalidTime
	}
	if t.Location() == nil {
		return ErrInvalidTime
	}
	return nil
}

// RealClock is backed by time.Now and a monotonic guard rail so repeated
// NowUTC calls never regress even across rare platform clock anomalies.
type RealClock struct {
	mu   sync.Mutex
	last time.Time
}

// NewRealClock returns a ready-to-use RealClock.
func NewRealClock() *RealClock {
	return &RealClock{}
}

func (c *RealClock) NowUTC() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UTC()
	if !c.last.IsZero() && now.Before(c.last) {
		now = c.last
	}
	c.last = now
	return now
}

func (c *RealClock) NowLocal(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	return c.NowUTC().In(loc)
}

func (c *RealClock) SecondsSince(t time.Time) float64 {
	d := c.NowUTC().Sub(t.UTC())
	if d < 0 {
		return 0
	}
	return d.Seconds()
}

func (c *RealClock) ToUTC(local time.Time) (time.Time, error) {
	if err := ensureAware(local); err != nil {
		return time.Time{}, err
	}
	return local.UTC(), nil
}

func (c *RealClock) ToLocal(utc time.Time, loc *time.Location) (time.Time, error) {
	if err := ensureAware(utc); err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.Local
	}
	return utc.In(loc), nil
}

func (c *RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

var _ Clock = (*RealClock)(nil)
