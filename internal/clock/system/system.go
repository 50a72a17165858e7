// Package system is the wall clock behind fetched_at, stored_at and run
// timestamps.
package system

import "time"

// Clock reads the host clock. Readings are UTC and cut to milliseconds,
// the precision BSON dates keep, so a stored article compares equal to the
// value that was written.
type Clock struct{}

// New returns the system clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time at millisecond precision.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
