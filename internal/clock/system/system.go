// Package system provides the wall clock used for item timestamps.
package system

import "time"

// Clock implements archive.Clock. Times are UTC and truncated to microseconds
// so values round-trip through Postgres timestamptz unchanged.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
