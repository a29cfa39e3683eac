package ratelimit

import "time"

// Clock abstracts time for components that read the current time or sleep.
// Production code uses RealClock; tests substitute a manual implementation
// so waiting behavior is deterministic.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Sleep blocks for the given duration.
	Sleep(d time.Duration)
}

// RealClock is the Clock backed by the time package.
type RealClock struct{}

// Now returns time.Now().
func (RealClock) Now() time.Time { return time.Now() }

// Sleep calls time.Sleep.
func (RealClock) Sleep(d time.Duration) { time.Sleep(d) }
