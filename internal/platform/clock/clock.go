package clock

import "time"

// Clock allows deterministic time behavior in tests and replay flows.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// Fixed returns the same instant on every call until advanced. Tests that
// exercise expiry boundaries move it explicitly instead of sleeping.
type Fixed struct {
	Instant time.Time
}

func (f *Fixed) Now() time.Time {
	return f.Instant.UTC()
}

func (f *Fixed) Advance(d time.Duration) {
	f.Instant = f.Instant.Add(d)
}
