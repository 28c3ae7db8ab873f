// Package system provides a real clock implementation.
package system

import "time"

// Clock implements imagine.Clock using time.Now. It also satisfies the poller's
// wait source.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// After waits for d on a fresh timer.
func (Clock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
