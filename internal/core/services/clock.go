package services

import "time"

// TimeProvider abstracts the clock so controller timing can be driven by tests.
type TimeProvider interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() TimeProvider { return systemClock{} }
