package lifecycle

import "time"

// Clock supplies the current time. Components take a Clock so tests can
// control staleness windows and default timestamps.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
