package exeat

import (
	"time"
)

// =============================================================================
// CLOCK - Injected time source
// =============================================================================

// Clock supplies "now". The engine never calls time.Now directly.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock always returns the same instant.
func FixedClock(t time.Time) Clock {
	return ClockFunc(func() time.Time { return t })
}

// =============================================================================
// CALENDAR HELPERS
// =============================================================================

// dateOf truncates t to its calendar date in loc.
func dateOf(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// EndOfDay returns 23:59:59 of t's calendar date in loc.
func EndOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, loc)
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// CoversWeekday reports whether any calendar day in [from, to] falls on
// Monday to Friday.
func CoversWeekday(from, to time.Time, loc *time.Location) bool {
	day := dateOf(from, loc)
	last := dateOf(to, loc)
	for i := 0; !day.After(last) && i < 7; i++ {
		if !isWeekend(day) {
			return true
		}
		day = day.AddDate(0, 0, 1)
	}
	return false
}
