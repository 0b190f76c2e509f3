package util

import "time"

// Clock is the time source for round deadlines, order expiry and price staleness.
// github.com/benbjohnson/clock's Mock satisfies it in tests.
type Clock interface {
	After(d time.Duration) <-chan time.Time
	Now() time.Time
}

type RealClock struct{}

func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (RealClock) Now() time.Time                         { return time.Now() }

// OrDefault returns c, or a RealClock when c is nil.
func OrDefault(c Clock) Clock {
	if c == nil {
		return RealClock{}
	}
	return c
}
