package billing

import "time"

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

// FixedClock always returns the same instant.
type FixedClock struct {
	FixedTime time.Time
}

func (c FixedClock) Now() time.Time {
	return c.FixedTime
}
