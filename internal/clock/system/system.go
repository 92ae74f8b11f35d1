// Package system provides the wall clock used outside of tests.
package system

import "time"

// Clock implements scrape.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Since reports the elapsed time since t according to this clock.
func (c Clock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}
