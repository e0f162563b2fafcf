package scheduler

import "time"

// Timer is a pending callback that can be stopped
type Timer interface {
	Stop() bool
}

// Clock supplies the current time and one-shot timers
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// SystemClock is the wall clock
type SystemClock struct{}

// Now returns time.Now
func (SystemClock) Now() time.Time { return time.Now() }

// AfterFunc wraps time.AfterFunc
func (SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
