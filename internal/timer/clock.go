package timer

import "time"

// Clock abstracts wall-clock reads and timers so tests can drive time.
type Clock interface {
	Now() time.Time
	// NewTimer returns a timer that fires once the clock reaches deadline.
	// A deadline at or before Now fires immediately.
	NewTimer(deadline time.Time) Timer
}

type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// SystemClock is the real clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) NewTimer(deadline time.Time) Timer {
	return sysTimer{time.NewTimer(time.Until(deadline))}
}

type sysTimer struct{ t *time.Timer }

func (s sysTimer) C() <-chan time.Time { return s.t.C }
func (s sysTimer) Stop() bool          { return s.t.Stop() }
