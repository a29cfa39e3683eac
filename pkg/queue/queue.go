// Package queue defers requests that cannot be sent immediately. Requests
// carry a priority and a retry budget; a single worker drains the queues
// highest priority first, re-checking rate limit quota before each
// dispatch and feeding response headers back into the tracker.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cecil-the-coder/groq-client-kit/pkg/admission"
	"github.com/cecil-the-coder/groq-client-kit/pkg/ratelimit"
	"github.com/cecil-the-coder/groq-client-kit/pkg/types"
)

// DefaultMaxQueueSize caps the total number of queued requests across all
// priorities.
const DefaultMaxQueueSize = 1000

// DefaultMaxRetries is the retry budget given to requests that do not set
// their own.
const DefaultMaxRetries = 3

// defaultPacing spaces dispatch attempts so a drain loop does not spin.
var defaultPacing = rate.Every(100 * time.Millisecond)

// RequestFunc performs the deferred work. It returns the response headers
// so rate limit state can be updated from the dispatch.
type RequestFunc func(ctx context.Context) (http.Header, error)

// Admitter decides whether a dispatch consuming the given tokens may
// proceed now, should wait, or must be refused.
type Admitter interface {
	AdmitTokens(tokens int) admission.Verdict
}

// HeaderSink consumes response headers from successful dispatches.
type HeaderSink interface {
	IngestHeaders(http.Header) error
}

// Request is one queued unit of work.
type Request struct {
	ID               string
	Fn               RequestFunc
	Priority         types.Priority
	OriginalPriority types.Priority
	EnqueuedAt       time.Time
	RetryCount       int
	MaxRetries       int
	TokensRequired   int
}

// Stats counts queue activity since creation. TotalFailed counts failed
// attempts, so a request that fails twice and then succeeds contributes
// two failures, two retries, and one processed.
type Stats struct {
	TotalQueued    int `json:"total_queued"`
	TotalProcessed int `json:"total_processed"`
	TotalFailed    int `json:"total_failed"`
	TotalRetries   int `json:"total_retries"`
}

// Status is a point-in-time view of the queue.
type Status struct {
	QueueSizes   map[types.Priority]int `json:"queue_sizes"`
	TotalPending int                    `json:"total_pending"`
	Stats        Stats                  `json:"stats"`
	Processing   bool                   `json:"processing"`
	MaxQueueSize int                    `json:"max_queue_size"`
}

// Manager holds the per-priority queues and runs the dispatch worker.
type Manager struct {
	admitter Admitter
	sink     HeaderSink
	clock    ratelimit.Clock
	logger   *slog.Logger
	limiter  *rate.Limiter
	maxSize  int

	mu         sync.Mutex
	queues     map[types.Priority][]*Request
	counter    int
	stats      Stats
	outcomes   map[string]error
	processing bool

	stop chan struct{}
	done chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithHeaderSink feeds response headers from successful dispatches into
// the sink, normally the rate limit tracker.
func WithHeaderSink(s HeaderSink) Option {
	return func(m *Manager) { m.sink = s }
}

// WithClock substitutes the time source, for tests.
func WithClock(c ratelimit.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the structured logger used for dispatch events.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMaxQueueSize overrides the total capacity across all priorities.
func WithMaxQueueSize(n int) Option {
	return func(m *Manager) { m.maxSize = n }
}

// WithPacing overrides how often the worker attempts a dispatch.
func WithPacing(limit rate.Limit) Option {
	return func(m *Manager) { m.limiter = rate.NewLimiter(limit, 1) }
}

// New creates a Manager dispatching through the given admitter.
func New(admitter Admitter, opts ...Option) *Manager {
	m := &Manager{
		admitter: admitter,
		clock:    ratelimit.RealClock{},
		logger:   slog.Default(),
		limiter:  rate.NewLimiter(defaultPacing, 1),
		maxSize:  DefaultMaxQueueSize,
		queues:   make(map[types.Priority][]*Request),
		outcomes: make(map[string]error),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnqueueOption adjusts one enqueue.
type EnqueueOption func(*Request)

// WithPriority sets the request's dispatch class. Unknown values coerce
// to normal.
func WithPriority(p types.Priority) EnqueueOption {
	return func(r *Request) { r.Priority = types.ParsePriority(string(p)) }
}

// WithTokensRequired records the token cost checked against quota before
// dispatch.
func WithTokensRequired(n int) EnqueueOption {
	return func(r *Request) { r.TokensRequired = n }
}

// WithMaxRetries sets how many times a failed request is re-queued before
// its outcome becomes a retry exhausted error.
func WithMaxRetries(n int) EnqueueOption {
	return func(r *Request) { r.MaxRetries = n }
}

// Enqueue adds a request and returns its id. The capacity check, id
// assignment, and insertion happen atomically; a rejected enqueue has no
// side effects.
func (m *Manager) Enqueue(fn RequestFunc, opts ...EnqueueOption) (string, error) {
	if fn == nil {
		return "", types.NewValidationError("request_func", "request function cannot be nil")
	}

	req := &Request{
		Fn:         fn,
		Priority:   types.PriorityNormal,
		MaxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(req)
	}
	if req.TokensRequired < 0 {
		return "", types.NewValidationError("tokens_required", "tokens required cannot be negative")
	}
	if req.MaxRetries < 0 {
		return "", types.NewValidationError("max_retries", "max retries cannot be negative")
	}
	req.OriginalPriority = req.Priority

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pendingLocked() >= m.maxSize {
		return "", types.NewQueueFullError(m.pendingLocked(), m.maxSize)
	}

	m.counter++
	req.ID = fmt.Sprintf("req_%d_%d", m.clock.Now().Unix(), m.counter)
	req.EnqueuedAt = m.clock.Now()

	m.queues[req.Priority] = append(m.queues[req.Priority], req)
	m.stats.TotalQueued++

	m.logger.Debug("request queued", "id", req.ID, "priority", string(req.Priority), "tokens", req.TokensRequired)
	return req.ID, nil
}

func (m *Manager) pendingLocked() int {
	total := 0
	for _, q := range m.queues {
		total += len(q)
	}
	return total
}

// popLocked removes and returns the front request of the highest priority
// non-empty queue.
func (m *Manager) popLocked() *Request {
	for _, p := range types.Priorities {
		if q := m.queues[p]; len(q) > 0 {
			req := q[0]
			m.queues[p] = q[1:]
			return req
		}
	}
	return nil
}

// pushFrontLocked returns a request to the head of its current priority
// queue, preserving its position for the next attempt.
func (m *Manager) pushFrontLocked(req *Request) {
	m.queues[req.Priority] = append([]*Request{req}, m.queues[req.Priority]...)
}

// dispatchOne pops and attempts one request. It reports whether a request
// was popped and, when a failed attempt was re-queued for retry, the
// request's new retry count for backoff pacing.
func (m *Manager) dispatchOne(ctx context.Context) (attempted bool, retriedCount int) {
	m.mu.Lock()
	req := m.popLocked()
	m.mu.Unlock()

	if req == nil {
		return false, 0
	}

	verdict := m.admitter.AdmitTokens(req.TokensRequired)
	switch verdict.Kind {
	case admission.Wait:
		m.mu.Lock()
		m.pushFrontLocked(req)
		m.mu.Unlock()

		d := verdict.Wait
		if d > ratelimit.MaxWait {
			d = ratelimit.MaxWait
		}
		m.logger.Debug("dispatch deferred for quota", "id", req.ID, "wait", d.String())
		m.sleepQuota(ctx, d)
		return true, 0

	case admission.Reject:
		return true, m.recordFailure(req, verdict.Reason)
	}

	headers, err := req.Fn(ctx)
	if err != nil {
		m.logger.Debug("request failed", "id", req.ID, "attempt", req.RetryCount+1, "error", err)
		return true, m.recordFailure(req, err)
	}

	if m.sink != nil && headers != nil {
		if err := m.sink.IngestHeaders(headers); err != nil {
			m.logger.Warn("failed to ingest response headers", "id", req.ID, "error", err)
		}
	}

	m.mu.Lock()
	m.stats.TotalProcessed++
	m.outcomes[req.ID] = nil
	m.mu.Unlock()

	m.logger.Debug("request processed", "id", req.ID)
	return true, 0
}

// sleepQuota waits out a quota deferral, returning early when the worker
// is stopped or the context is canceled. The request being deferred is
// already back at the head of its queue, so an interrupted wait loses
// nothing.
func (m *Manager) sleepQuota(ctx context.Context, d time.Duration) {
	m.mu.Lock()
	stop := m.stop
	m.mu.Unlock()

	slept := make(chan struct{})
	go func() {
		m.clock.Sleep(d)
		close(slept)
	}()

	select {
	case <-slept:
	case <-ctx.Done():
	case <-stop:
	}
}

// recordFailure counts the failed attempt and either re-queues the
// request at the tail of its original priority or records a terminal
// retry exhausted outcome. It returns the new retry count when the
// request was re-queued, zero otherwise.
func (m *Manager) recordFailure(req *Request, cause error) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.TotalFailed++

	if req.RetryCount < req.MaxRetries {
		req.RetryCount++
		m.stats.TotalRetries++
		req.Priority = req.OriginalPriority
		m.queues[req.Priority] = append(m.queues[req.Priority], req)
		return req.RetryCount
	}

	m.outcomes[req.ID] = types.NewRetryExhaustedError(req.MaxRetries, cause)
	return 0
}

// Start launches the background worker. It is a no-op when the worker is
// already running.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.processing {
		m.mu.Unlock()
		return
	}
	m.processing = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := m.limiter.Wait(ctx); err != nil {
			return
		}
		m.dispatchOne(ctx)
	}
}

// Stop signals the worker and waits for it to finish its in-flight
// dispatch. Queued requests stay queued.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.processing {
		m.mu.Unlock()
		return
	}
	m.processing = false
	close(m.stop)
	done := m.done
	m.mu.Unlock()

	<-done
}

// ProcessQueue drains the queues synchronously until they are empty or
// the context is canceled. After a failed attempt is re-queued, the drain
// backs off exponentially in the retry count before continuing.
func (m *Manager) ProcessQueue(ctx context.Context) error {
	for {
		m.mu.Lock()
		pending := m.pendingLocked()
		m.mu.Unlock()
		if pending == 0 {
			return nil
		}

		if err := m.limiter.Wait(ctx); err != nil {
			return types.NewNetworkError("queue drain interrupted", err)
		}

		_, retried := m.dispatchOne(ctx)
		if retried > 0 {
			m.clock.Sleep(time.Duration(1<<retried) * time.Second)
		}
	}
}

// Outcome reports the terminal result of a request: a nil error for a
// processed request, a retry exhausted error for one that ran out of
// attempts. The second return is false while the request is still pending.
func (m *Manager) Outcome(id string) (error, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	err, ok := m.outcomes[id]
	return err, ok
}

// Status returns current queue depths and counters.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	sizes := make(map[types.Priority]int, len(types.Priorities))
	for _, p := range types.Priorities {
		sizes[p] = len(m.queues[p])
	}
	return Status{
		QueueSizes:   sizes,
		TotalPending: m.pendingLocked(),
		Stats:        m.stats,
		Processing:   m.processing,
		MaxQueueSize: m.maxSize,
	}
}

// Clear drops pending requests. An empty priority clears every queue; an
// unknown priority is a validation error.
func (m *Manager) Clear(priority types.Priority) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if priority == "" {
		m.queues = make(map[types.Priority][]*Request)
		return nil
	}
	for _, p := range types.Priorities {
		if p == priority {
			delete(m.queues, p)
			return nil
		}
	}
	return types.NewValidationError("priority", "invalid priority: "+string(priority))
}
