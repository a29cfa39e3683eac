package ratelimit

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// resetPattern matches the service's reset duration strings, e.g. "7.66s",
// "2m59.56s" is NOT in scope: the service emits a single number and unit.
var resetPattern = regexp.MustCompile(`^(\d+(?:\.\d+)?)(ms|s|m|h)$`)

// ParseResetDuration converts a reset header value such as "7.66s" or
// "120ms" into a time.Duration. The accepted form is a decimal number
// followed by one of the units ms, s, m, or h. Any other input, including
// an empty string, yields zero.
func ParseResetDuration(s string) time.Duration {
	m := resetPattern.FindStringSubmatch(s)
	if m == nil {
		return 0
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}

	var unit time.Duration
	switch m[2] {
	case "ms":
		unit = time.Millisecond
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	}

	return time.Duration(value * float64(unit))
}

// FormatResetDuration renders a duration in the same form the service
// emits: the largest unit that divides the duration exactly, falling back
// to fractional milliseconds. FormatResetDuration and ParseResetDuration
// round-trip for any duration with whole-millisecond precision.
func FormatResetDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}

	switch {
	case d%time.Hour == 0:
		return strconv.FormatInt(int64(d/time.Hour), 10) + "h"
	case d%time.Minute == 0:
		return strconv.FormatInt(int64(d/time.Minute), 10) + "m"
	case d%time.Second == 0:
		return strconv.FormatInt(int64(d/time.Second), 10) + "s"
	}

	ms := float64(d) / float64(time.Millisecond)
	return strconv.FormatFloat(ms, 'f', -1, 64) + "ms"
}

// Window tracks one rate limited resource: its cap, the remaining quota,
// and when the quota replenishes. A zero Limit means the service has not
// reported this resource; a zero ResetAt means no reset is pending.
type Window struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// resetIfElapsed restores the full quota once the reset deadline has
// passed. The caller must hold the tracker's lock.
func (w *Window) resetIfElapsed(now time.Time) {
	if !w.ResetAt.IsZero() && !now.Before(w.ResetAt) {
		w.Remaining = w.Limit
		w.ResetAt = time.Time{}
	}
}

// hasCapacity reports whether the window can absorb the requested amount.
// An untracked window (zero Limit) never blocks.
func (w *Window) hasCapacity(amount int) bool {
	if amount <= 0 || w.Limit <= 0 {
		return true
	}
	return w.Remaining >= amount
}

// resetIn returns how long until the window replenishes, or zero when no
// reset is pending or it already passed.
func (w *Window) resetIn(now time.Time) time.Duration {
	if w.ResetAt.IsZero() || !now.Before(w.ResetAt) {
		return 0
	}
	return w.ResetAt.Sub(now)
}

// WindowSnapshot is a point-in-time copy of one resource window with the
// reset expressed as a remaining duration.
type WindowSnapshot struct {
	Limit     int           `json:"limit"`
	Remaining int           `json:"remaining"`
	ResetIn   time.Duration `json:"reset_in"`
}

// Snapshot is a point-in-time copy of the tracker's full state.
type Snapshot struct {
	Requests     WindowSnapshot `json:"requests"`
	Tokens       WindowSnapshot `json:"tokens"`
	AudioSeconds WindowSnapshot `json:"audio_seconds"`
	LastUpdate   time.Time      `json:"last_update"`
}

// String renders the snapshot as a compact one-line summary.
func (s Snapshot) String() string {
	return fmt.Sprintf("requests %d/%d (reset %s), tokens %d/%d (reset %s), audio %d/%d (reset %s)",
		s.Requests.Remaining, s.Requests.Limit, FormatResetDuration(s.Requests.ResetIn),
		s.Tokens.Remaining, s.Tokens.Limit, FormatResetDuration(s.Tokens.ResetIn),
		s.AudioSeconds.Remaining, s.AudioSeconds.Limit, FormatResetDuration(s.AudioSeconds.ResetIn))
}
