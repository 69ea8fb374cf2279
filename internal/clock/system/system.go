// Package system provides wall clocks for the scheduler.
package system

import "time"

// Clock reads the system time in UTC.
type Clock struct{}

// New creates a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Fixed always reports the same instant.
type Fixed time.Time

// Now returns the fixed instant in UTC.
func (f Fixed) Now() time.Time {
	return time.Time(f).UTC()
}
