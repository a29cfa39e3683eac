package queue

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/cecil-the-coder/groq-client-kit/pkg/admission"
	"github.com/cecil-the-coder/groq-client-kit/pkg/types"
)

type manualClock struct {
	now   time.Time
	slept []time.Duration
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time { return c.now }

func (c *manualClock) Sleep(d time.Duration) {
	c.slept = append(c.slept, d)
	c.now = c.now.Add(d)
}

// scriptedAdmitter returns the scripted verdicts in order, then admits
// everything.
type scriptedAdmitter struct {
	verdicts []admission.Verdict
}

func (a *scriptedAdmitter) AdmitTokens(tokens int) admission.Verdict {
	if len(a.verdicts) == 0 {
		return admission.Verdict{Kind: admission.Go}
	}
	v := a.verdicts[0]
	a.verdicts = a.verdicts[1:]
	return v
}

type recordingSink struct {
	headers []http.Header
}

func (s *recordingSink) IngestHeaders(h http.Header) error {
	s.headers = append(s.headers, h)
	return nil
}

func newTestManager(opts ...Option) (*Manager, *manualClock) {
	clock := newManualClock()
	base := []Option{WithClock(clock), WithPacing(rate.Inf)}
	return New(&scriptedAdmitter{}, append(base, opts...)...), clock
}

func noop(ctx context.Context) (http.Header, error) { return nil, nil }

func TestEnqueue_AssignsSequentialIDs(t *testing.T) {
	m, _ := newTestManager()

	id1, err := m.Enqueue(noop)
	if err != nil {
		t.Fatal(err)
	}
	id2, err := m.Enqueue(noop)
	if err != nil {
		t.Fatal(err)
	}

	if id1 == id2 {
		t.Errorf("ids not unique: %q", id1)
	}
	if !strings.HasPrefix(id1, "req_") || !strings.HasSuffix(id1, "_1") || !strings.HasSuffix(id2, "_2") {
		t.Errorf("ids = %q, %q", id1, id2)
	}
}

func TestEnqueue_Validation(t *testing.T) {
	m, _ := newTestManager()

	var ce *types.ClientError

	_, err := m.Enqueue(nil)
	if !errors.As(err, &ce) || ce.Code != types.ErrCodeValidation {
		t.Errorf("Enqueue(nil) error = %v, want validation", err)
	}
	_, err = m.Enqueue(noop, WithTokensRequired(-1))
	if !errors.As(err, &ce) || ce.Code != types.ErrCodeValidation {
		t.Errorf("negative tokens error = %v, want validation", err)
	}
	_, err = m.Enqueue(noop, WithMaxRetries(-1))
	if !errors.As(err, &ce) || ce.Code != types.ErrCodeValidation {
		t.Errorf("negative retries error = %v, want validation", err)
	}
}

func TestEnqueue_UnknownPriorityCoercesToNormal(t *testing.T) {
	m, _ := newTestManager()

	if _, err := m.Enqueue(noop, WithPriority("critical")); err != nil {
		t.Fatal(err)
	}
	if status := m.Status(); status.QueueSizes[types.PriorityNormal] != 1 {
		t.Errorf("queue sizes = %v, want the request under normal", status.QueueSizes)
	}
}

func TestQueueFull_NoSideEffects(t *testing.T) {
	m, _ := newTestManager(WithMaxQueueSize(2))

	if _, err := m.Enqueue(noop); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Enqueue(noop); err != nil {
		t.Fatal(err)
	}

	_, err := m.Enqueue(noop)
	var ce *types.ClientError
	if !errors.As(err, &ce) || ce.Code != types.ErrCodeQueueFull {
		t.Fatalf("third enqueue error = %v, want queue full", err)
	}
	if ce.QueueSize != 2 || ce.MaxQueueSize != 2 {
		t.Errorf("diagnostics = %+v", ce)
	}

	if status := m.Status(); status.Stats.TotalQueued != 2 || status.TotalPending != 2 {
		t.Errorf("rejected enqueue left side effects: %+v", status)
	}

	// The rejected enqueue consumed no id.
	if err := m.ProcessQueue(context.Background()); err != nil {
		t.Fatal(err)
	}
	id, err := m.Enqueue(noop)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(id, "_3") {
		t.Errorf("id = %q, want suffix _3", id)
	}
}

func TestProcessQueue_PriorityPrecedenceAndFIFO(t *testing.T) {
	m, _ := newTestManager()

	var order []string
	record := func(name string) RequestFunc {
		return func(ctx context.Context) (http.Header, error) {
			order = append(order, name)
			return nil, nil
		}
	}

	m.Enqueue(record("low-1"), WithPriority(types.PriorityLow))
	m.Enqueue(record("normal-1"), WithPriority(types.PriorityNormal))
	m.Enqueue(record("urgent-1"), WithPriority(types.PriorityUrgent))
	m.Enqueue(record("normal-2"), WithPriority(types.PriorityNormal))
	m.Enqueue(record("high-1"), WithPriority(types.PriorityHigh))

	if err := m.ProcessQueue(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := []string{"urgent-1", "high-1", "normal-1", "normal-2", "low-1"}
	if len(order) != len(want) {
		t.Fatalf("processed %d requests, want %d: %v", len(order), len(want), order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}

	if status := m.Status(); status.Stats.TotalProcessed != 5 || status.TotalPending != 0 {
		t.Errorf("status = %+v", status)
	}
}

func TestProcessQueue_RetryThenSucceed(t *testing.T) {
	m, _ := newTestManager()

	attempts := 0
	flaky := func(ctx context.Context) (http.Header, error) {
		attempts++
		if attempts <= 2 {
			return nil, errors.New("backend unavailable")
		}
		return nil, nil
	}

	id, err := m.Enqueue(flaky, WithMaxRetries(3))
	if err != nil {
		t.Fatal(err)
	}
	if err := m.ProcessQueue(context.Background()); err != nil {
		t.Fatal(err)
	}

	stats := m.Status().Stats
	if stats.TotalProcessed != 1 || stats.TotalFailed != 2 || stats.TotalRetries != 2 {
		t.Errorf("stats = %+v, want processed=1 failed=2 retries=2", stats)
	}

	outcome, done := m.Outcome(id)
	if !done || outcome != nil {
		t.Errorf("Outcome() = %v, %v; want nil, true", outcome, done)
	}
}

func TestProcessQueue_RetryExhausted(t *testing.T) {
	m, _ := newTestManager()

	cause := errors.New("backend unavailable")
	failing := func(ctx context.Context) (http.Header, error) { return nil, cause }

	id, err := m.Enqueue(failing, WithMaxRetries(1))
	if err != nil {
		t.Fatal(err)
	}
	if err := m.ProcessQueue(context.Background()); err != nil {
		t.Fatal(err)
	}

	stats := m.Status().Stats
	if stats.TotalFailed != 2 || stats.TotalRetries != 1 || stats.TotalProcessed != 0 {
		t.Errorf("stats = %+v, want failed=2 retries=1 processed=0", stats)
	}

	outcome, done := m.Outcome(id)
	if !done {
		t.Fatal("request should have a terminal outcome")
	}
	var ce *types.ClientError
	if !errors.As(outcome, &ce) || ce.Code != types.ErrCodeRetryExhausted {
		t.Errorf("outcome = %v, want retry exhausted", outcome)
	}
	if !errors.Is(outcome, cause) {
		t.Error("outcome should wrap the last failure")
	}
}

func TestProcessQueue_RetryKeepsOriginalPriority(t *testing.T) {
	m, _ := newTestManager()

	var order []string
	attempts := 0
	flakyUrgent := func(ctx context.Context) (http.Header, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("transient")
		}
		order = append(order, "urgent-retried")
		return nil, nil
	}
	ok := func(name string) RequestFunc {
		return func(ctx context.Context) (http.Header, error) {
			order = append(order, name)
			return nil, nil
		}
	}

	m.Enqueue(flakyUrgent, WithPriority(types.PriorityUrgent))
	m.Enqueue(ok("urgent-2"), WithPriority(types.PriorityUrgent))
	m.Enqueue(ok("low-1"), WithPriority(types.PriorityLow))

	if err := m.ProcessQueue(context.Background()); err != nil {
		t.Fatal(err)
	}

	// The failed urgent request re-enters at the tail of the urgent queue,
	// still ahead of lower priorities.
	want := []string{"urgent-2", "urgent-retried", "low-1"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestProcessQueue_BacksOffAfterFailure(t *testing.T) {
	m, clock := newTestManager()

	attempts := 0
	flaky := func(ctx context.Context) (http.Header, error) {
		attempts++
		if attempts <= 2 {
			return nil, errors.New("transient")
		}
		return nil, nil
	}

	m.Enqueue(flaky, WithMaxRetries(3))
	if err := m.ProcessQueue(context.Background()); err != nil {
		t.Fatal(err)
	}

	// 2s after the first failure, 4s after the second.
	if len(clock.slept) != 2 || clock.slept[0] != 2*time.Second || clock.slept[1] != 4*time.Second {
		t.Errorf("slept = %v, want [2s 4s]", clock.slept)
	}
}

func TestDispatch_WaitVerdictDefersWithoutConsuming(t *testing.T) {
	admitter := &scriptedAdmitter{verdicts: []admission.Verdict{
		{Kind: admission.Wait, Wait: 30 * time.Second},
	}}
	clock := newManualClock()
	m := New(admitter, WithClock(clock), WithPacing(rate.Inf))

	var order []string
	record := func(name string) RequestFunc {
		return func(ctx context.Context) (http.Header, error) {
			order = append(order, name)
			return nil, nil
		}
	}

	m.Enqueue(record("first"))
	m.Enqueue(record("second"))

	if err := m.ProcessQueue(context.Background()); err != nil {
		t.Fatal(err)
	}

	// The deferred request kept its place at the front.
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("order = %v", order)
	}
	if len(clock.slept) == 0 || clock.slept[0] != 30*time.Second {
		t.Errorf("slept = %v, want a 30s quota wait first", clock.slept)
	}

	stats := m.Status().Stats
	if stats.TotalFailed != 0 {
		t.Errorf("a quota wait must not count as a failure: %+v", stats)
	}
}

func TestDispatch_RejectVerdictConsumesRetry(t *testing.T) {
	admitter := &scriptedAdmitter{verdicts: []admission.Verdict{
		{Kind: admission.Reject, Reason: types.NewRateLimitError(10 * time.Minute)},
	}}
	clock := newManualClock()
	m := New(admitter, WithClock(clock), WithPacing(rate.Inf))

	id, err := m.Enqueue(noop, WithMaxRetries(0))
	if err != nil {
		t.Fatal(err)
	}
	if err := m.ProcessQueue(context.Background()); err != nil {
		t.Fatal(err)
	}

	outcome, done := m.Outcome(id)
	if !done {
		t.Fatal("rejected request should be terminal")
	}
	var ce *types.ClientError
	if !errors.As(outcome, &ce) || ce.Code != types.ErrCodeRetryExhausted {
		t.Fatalf("outcome = %v", outcome)
	}
	var inner *types.ClientError
	if !errors.As(ce.OriginalErr, &inner) || inner.Code != types.ErrCodeRateLimit {
		t.Errorf("wrapped cause = %v, want rate limit", ce.OriginalErr)
	}
}

func TestSuccessFeedsHeaderSink(t *testing.T) {
	sink := &recordingSink{}
	clock := newManualClock()
	m := New(&scriptedAdmitter{}, WithClock(clock), WithPacing(rate.Inf), WithHeaderSink(sink))

	h := http.Header{}
	h.Set("x-ratelimit-remaining-requests", "99")
	m.Enqueue(func(ctx context.Context) (http.Header, error) { return h, nil })

	if err := m.ProcessQueue(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(sink.headers) != 1 || sink.headers[0].Get("x-ratelimit-remaining-requests") != "99" {
		t.Errorf("sink headers = %v", sink.headers)
	}
}

func TestStartStop(t *testing.T) {
	m, _ := newTestManager()

	processed := make(chan struct{})
	m.Enqueue(func(ctx context.Context) (http.Header, error) {
		close(processed)
		return nil, nil
	})

	m.Start(context.Background())
	select {
	case <-processed:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not process the queued request")
	}
	m.Stop()

	if m.Status().Processing {
		t.Error("Processing should be false after Stop")
	}

	// Stop again is a no-op.
	m.Stop()
}

// blockingClock parks Sleep until released, standing in for a real clock
// mid-way through a long quota wait.
type blockingClock struct {
	entered chan struct{}
	release chan struct{}
}

func (c *blockingClock) Now() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }

func (c *blockingClock) Sleep(d time.Duration) {
	c.entered <- struct{}{}
	<-c.release
}

func TestStop_InterruptsQuotaWait(t *testing.T) {
	admitter := &scriptedAdmitter{verdicts: []admission.Verdict{
		{Kind: admission.Wait, Wait: 5 * time.Minute},
	}}
	clock := &blockingClock{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	defer close(clock.release)

	m := New(admitter, WithClock(clock), WithPacing(rate.Inf))
	m.Enqueue(noop)
	m.Start(context.Background())

	select {
	case <-clock.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never reached the quota wait")
	}

	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on the quota wait")
	}

	// The deferred request is still queued for the next start.
	if status := m.Status(); status.TotalPending != 1 {
		t.Errorf("pending = %d, want the deferred request retained", status.TotalPending)
	}
}

func TestClear(t *testing.T) {
	m, _ := newTestManager()

	m.Enqueue(noop, WithPriority(types.PriorityHigh))
	m.Enqueue(noop, WithPriority(types.PriorityLow))

	if err := m.Clear(types.PriorityHigh); err != nil {
		t.Fatal(err)
	}
	if status := m.Status(); status.QueueSizes[types.PriorityHigh] != 0 || status.QueueSizes[types.PriorityLow] != 1 {
		t.Errorf("sizes = %v", status.QueueSizes)
	}

	if err := m.Clear(""); err != nil {
		t.Fatal(err)
	}
	if status := m.Status(); status.TotalPending != 0 {
		t.Errorf("pending = %d after full clear", status.TotalPending)
	}

	if err := m.Clear("critical"); err == nil {
		t.Error("Clear should reject an unknown priority")
	}
}
