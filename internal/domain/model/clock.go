package model

import (
	"fmt"
	"time"
)

// ClockFunc adapts a function to the Clock port.
type ClockFunc func() time.Time

// Now returns the current instant.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock in UTC.
var SystemClock = ClockFunc(func() time.Time { return time.Now().UTC() })

// FixedClock returns a clock frozen at t.
func FixedClock(t time.Time) ClockFunc {
	return func() time.Time { return t }
}

// FormatISO renders t in UTC as YYYY-MM-DDTHH:MM:SS[.ffffff]+00:00. The
// fractional part appears only when the microsecond component is non-zero.
// Scores and claim codes hash this rendering, so it must stay stable.
func FormatISO(t time.Time) string {
	t = t.UTC()
	s := t.Format("2006-01-02T15:04:05")
	if us := t.Nanosecond() / int(time.Microsecond); us != 0 {
		s += fmt.Sprintf(".%06d", us)
	}
	return s + "+00:00"
}
