package util

import "time"

// Clock abstracts wall time so order and fill timestamps are injectable
// in tests.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// FrozenClock always reports the same instant. Handy for exercising the
// equal-timestamp tie-breaks in the book.
type FrozenClock struct{ T time.Time }

func (c FrozenClock) Now() time.Time { return c.T }

// StepClock advances by Step on every call, giving strictly increasing
// timestamps without sleeping.
type StepClock struct {
	T    time.Time
	Step time.Duration
}

func (c *StepClock) Now() time.Time {
	now := c.T
	c.T = c.T.Add(c.Step)
	return now
}
