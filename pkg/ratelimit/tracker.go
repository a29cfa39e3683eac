// Package ratelimit tracks the service's rate limit headers and decides
// when requests may proceed. A Tracker maintains one window per limited
// resource (requests, tokens, audio seconds), replenishes windows lazily
// when their reset deadline passes, and can block a caller until quota is
// expected to be available again.
package ratelimit

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cecil-the-coder/groq-client-kit/pkg/types"
)

// Rate limit headers emitted by the service.
const (
	HeaderLimitRequests     = "x-ratelimit-limit-requests"
	HeaderRemainingRequests = "x-ratelimit-remaining-requests"
	HeaderResetRequests     = "x-ratelimit-reset-requests"

	HeaderLimitTokens     = "x-ratelimit-limit-tokens"
	HeaderRemainingTokens = "x-ratelimit-remaining-tokens"
	HeaderResetTokens     = "x-ratelimit-reset-tokens"

	HeaderLimitAudioSeconds     = "x-ratelimit-limit-audio-seconds"
	HeaderRemainingAudioSeconds = "x-ratelimit-remaining-audio-seconds"
	HeaderResetAudioSeconds     = "x-ratelimit-reset-audio-seconds"
)

const (
	// DefaultWait is assumed when quota is exhausted but no reset deadline
	// is known.
	DefaultWait = 60 * time.Second

	// MaxWait caps how long WaitIfNeeded is willing to sleep. Longer waits
	// are returned to the caller as a rate limit error instead.
	MaxWait = 300 * time.Second

	// refreshRequestsWindow and refreshTokensWindow are how close a
	// pending reset may be before the tracked state is considered stale.
	refreshRequestsWindow = 30 * time.Second
	refreshTokensWindow   = 60 * time.Second

	// refreshMaxAge is how old tracked state may grow before a refresh is
	// recommended regardless of reset deadlines.
	refreshMaxAge = 600 * time.Second
)

// LimitChangeFunc is invoked when the service reports a different request
// or token cap than previously tracked. Resource is "requests" or
// "tokens".
type LimitChangeFunc func(resource string, oldLimit, newLimit int)

// Tracker is a thread-safe record of the service's rate limit state. All
// methods may be called concurrently.
type Tracker struct {
	mu    sync.Mutex
	clock Clock

	requests     Window
	tokens       Window
	audioSeconds Window
	lastUpdate   time.Time

	onLimitChange LimitChangeFunc
	logger        *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock substitutes the time source, for tests.
func WithClock(c Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// WithLogger sets the structured logger used for ingest and wait events.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithLimitChangeHook registers the hook called when the request or token
// cap changes. The hook runs outside the tracker's lock.
func WithLimitChangeHook(fn LimitChangeFunc) Option {
	return func(t *Tracker) { t.onLimitChange = fn }
}

// SetLimitChangeHook replaces the limit-change hook after construction.
// A nil fn removes the hook.
func (t *Tracker) SetLimitChangeHook(fn LimitChangeFunc) {
	t.mu.Lock()
	t.onLimitChange = fn
	t.mu.Unlock()
}

// NewTracker creates a Tracker with no recorded state.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		clock:  RealClock{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// headerUpdate is the parsed form of one ingest, validated before any
// state is touched.
type headerUpdate struct {
	limit     *int
	remaining *int
	reset     time.Duration
	hasReset  bool
}

// parseWindowHeaders reads the limit, remaining, and reset headers for one
// resource. Integer headers that are present but malformed or negative
// produce a validation error naming the header.
func parseWindowHeaders(h http.Header, limitName, remName, resetName string) (headerUpdate, error) {
	var u headerUpdate

	if raw := h.Get(limitName); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return u, types.NewValidationError(limitName, "invalid rate limit header value: "+raw)
		}
		u.limit = &v
	}
	if raw := h.Get(remName); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return u, types.NewValidationError(remName, "invalid rate limit header value: "+raw)
		}
		u.remaining = &v
	}
	if raw := h.Get(resetName); raw != "" {
		u.reset = ParseResetDuration(raw)
		u.hasReset = true
	}
	return u, nil
}

// apply writes the parsed update into the window. The caller holds the
// tracker's lock.
func (u headerUpdate) apply(w *Window, now time.Time) {
	if u.limit != nil {
		w.Limit = *u.limit
	}
	if u.remaining != nil {
		w.Remaining = *u.remaining
	}
	if w.Limit > 0 && w.Remaining > w.Limit {
		w.Remaining = w.Limit
	}
	if u.hasReset {
		if u.reset > 0 {
			w.ResetAt = now.Add(u.reset)
		} else {
			w.ResetAt = time.Time{}
		}
	}
}

// IngestHeaders updates the tracked state from a response's rate limit
// headers. All recognized headers are parsed and validated before any
// state changes, so a malformed header leaves the tracker untouched.
// Headers that are absent leave their fields as they were.
func (t *Tracker) IngestHeaders(h http.Header) error {
	reqUpdate, err := parseWindowHeaders(h, HeaderLimitRequests, HeaderRemainingRequests, HeaderResetRequests)
	if err != nil {
		return err
	}
	tokUpdate, err := parseWindowHeaders(h, HeaderLimitTokens, HeaderRemainingTokens, HeaderResetTokens)
	if err != nil {
		return err
	}
	audUpdate, err := parseWindowHeaders(h, HeaderLimitAudioSeconds, HeaderRemainingAudioSeconds, HeaderResetAudioSeconds)
	if err != nil {
		return err
	}

	type change struct {
		resource string
		old, new int
	}
	var changes []change

	t.mu.Lock()
	now := t.clock.Now()

	if reqUpdate.limit != nil && *reqUpdate.limit != t.requests.Limit {
		changes = append(changes, change{"requests", t.requests.Limit, *reqUpdate.limit})
	}
	if tokUpdate.limit != nil && *tokUpdate.limit != t.tokens.Limit {
		changes = append(changes, change{"tokens", t.tokens.Limit, *tokUpdate.limit})
	}

	reqUpdate.apply(&t.requests, now)
	tokUpdate.apply(&t.tokens, now)
	audUpdate.apply(&t.audioSeconds, now)
	t.lastUpdate = now

	hook := t.onLimitChange
	snapshot := t.snapshotLocked(now)
	t.mu.Unlock()

	t.logger.Debug("rate limit state updated", "state", snapshot.String())

	if hook != nil {
		for _, c := range changes {
			hook(c.resource, c.old, c.new)
		}
	}
	return nil
}

// CanProceed reports whether a request consuming the given amounts would
// fit within the currently known quotas. Windows whose reset deadline has
// passed are replenished first. Untracked resources never block.
func (t *Tracker) CanProceed(requests, tokens, audioSeconds int) (bool, error) {
	if requests < 0 || tokens < 0 || audioSeconds < 0 {
		return false, types.NewValidationError("amount", "resource amounts cannot be negative")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.canProceedLocked(requests, tokens, audioSeconds), nil
}

func (t *Tracker) canProceedLocked(requests, tokens, audioSeconds int) bool {
	now := t.clock.Now()
	t.requests.resetIfElapsed(now)
	t.tokens.resetIfElapsed(now)
	t.audioSeconds.resetIfElapsed(now)

	return t.requests.hasCapacity(requests) &&
		t.tokens.hasCapacity(tokens) &&
		t.audioSeconds.hasCapacity(audioSeconds)
}

// NextWait returns how long to wait before quota is expected to be
// available: the latest pending reset across all windows, or DefaultWait
// when no reset deadline is known.
func (t *Tracker) NextWait() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextWaitLocked()
}

func (t *Tracker) nextWaitLocked() time.Duration {
	now := t.clock.Now()

	wait := t.requests.resetIn(now)
	if d := t.tokens.resetIn(now); d > wait {
		wait = d
	}
	if d := t.audioSeconds.resetIn(now); d > wait {
		wait = d
	}
	if wait == 0 {
		wait = DefaultWait
	}
	return wait
}

// WaitIfNeeded blocks until a request consuming the given amounts can
// proceed. If quota is already available it returns immediately. If the
// computed wait exceeds MaxWait it returns a rate limit error carrying the
// wait without sleeping at all.
func (t *Tracker) WaitIfNeeded(requests, tokens, audioSeconds int) error {
	if requests < 0 || tokens < 0 || audioSeconds < 0 {
		return types.NewValidationError("amount", "resource amounts cannot be negative")
	}

	t.mu.Lock()
	if t.canProceedLocked(requests, tokens, audioSeconds) {
		t.mu.Unlock()
		return nil
	}
	wait := t.nextWaitLocked()
	t.mu.Unlock()

	if wait > MaxWait {
		return types.NewRateLimitError(wait)
	}

	t.logger.Debug("waiting for rate limit quota", "wait", wait.String())
	t.clock.Sleep(wait)

	t.mu.Lock()
	now := t.clock.Now()
	t.requests.resetIfElapsed(now)
	t.tokens.resetIfElapsed(now)
	t.audioSeconds.resetIfElapsed(now)
	t.mu.Unlock()
	return nil
}

// NeedsRefresh reports whether the tracked state should be refreshed with
// a new response: no state has ever been recorded, the request window
// resets within 30 seconds, the token window resets within 60 seconds, or
// the last update is more than 10 minutes old.
func (t *Tracker) NeedsRefresh() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.lastUpdate.IsZero() {
		return true
	}

	now := t.clock.Now()
	if d := t.requests.resetIn(now); d > 0 && d < refreshRequestsWindow {
		return true
	}
	if d := t.tokens.resetIn(now); d > 0 && d < refreshTokensWindow {
		return true
	}
	return now.Sub(t.lastUpdate) > refreshMaxAge
}

// Snapshot returns a copy of the current state with resets expressed as
// remaining durations.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(t.clock.Now())
}

func (t *Tracker) snapshotLocked(now time.Time) Snapshot {
	return Snapshot{
		Requests: WindowSnapshot{
			Limit:     t.requests.Limit,
			Remaining: t.requests.Remaining,
			ResetIn:   t.requests.resetIn(now),
		},
		Tokens: WindowSnapshot{
			Limit:     t.tokens.Limit,
			Remaining: t.tokens.Remaining,
			ResetIn:   t.tokens.resetIn(now),
		},
		AudioSeconds: WindowSnapshot{
			Limit:     t.audioSeconds.Limit,
			Remaining: t.audioSeconds.Remaining,
			ResetIn:   t.audioSeconds.resetIn(now),
		},
		LastUpdate: t.lastUpdate,
	}
}

// Summary renders the current state as a one-line string for logging.
func (t *Tracker) Summary() string {
	return t.Snapshot().String()
}

// Reset clears all tracked state, as if no response had ever been seen.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.requests = Window{}
	t.tokens = Window{}
	t.audioSeconds = Window{}
	t.lastUpdate = time.Time{}
}
