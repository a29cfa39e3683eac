// Package client is the public entry point of the kit. A Client wires the
// transport, rate limit tracker, model registry, token counter, admission
// gate, and request queue into one object and exposes chat and speech
// handlers on top of them.
package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/cecil-the-coder/groq-client-kit/internal/transport"
	"github.com/cecil-the-coder/groq-client-kit/pkg/admission"
	"github.com/cecil-the-coder/groq-client-kit/pkg/queue"
	"github.com/cecil-the-coder/groq-client-kit/pkg/ratelimit"
	"github.com/cecil-the-coder/groq-client-kit/pkg/registry"
	"github.com/cecil-the-coder/groq-client-kit/pkg/tokenizer"
	"github.com/cecil-the-coder/groq-client-kit/pkg/types"
)

// Client is a thread-safe client for the service. Create one with New
// and release it with Close.
type Client struct {
	cfg       Config
	transport *transport.Transport
	tracker   *ratelimit.Tracker
	registry  *registry.Registry
	counter   *tokenizer.Counter
	gate      *admission.Gate
	queue     *queue.Manager
	logger    *slog.Logger

	chat   *ChatHandler
	speech *SpeechHandler

	closeOnce sync.Once
}

// ClientOption adjusts construction beyond the Config.
type ClientOption func(*options)

type options struct {
	logger     *slog.Logger
	httpClient *http.Client
	clock      ratelimit.Clock
}

// WithLogger sets the structured logger shared by all components.
func WithLogger(l *slog.Logger) ClientOption {
	return func(o *options) { o.logger = l }
}

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(o *options) { o.httpClient = c }
}

// WithClock substitutes the time source, for tests.
func WithClock(c ratelimit.Clock) ClientOption {
	return func(o *options) { o.clock = c }
}

// New creates a Client from the config.
func New(cfg Config, opts ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Plan == "" {
		cfg.Plan = PlanFree
	}

	o := options{
		logger: slog.Default(),
		clock:  ratelimit.RealClock{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	tr, err := transport.New(transport.Config{
		APIKey:           cfg.APIKey,
		BaseURL:          cfg.BaseURL,
		UserAgent:        cfg.UserAgent,
		JSONTimeout:      cfg.JSONTimeout,
		MultipartTimeout: cfg.MultipartTimeout,
		HTTPClient:       o.httpClient,
		Logger:           o.logger,
	})
	if err != nil {
		return nil, err
	}

	tracker := ratelimit.NewTracker(
		ratelimit.WithClock(o.clock),
		ratelimit.WithLogger(o.logger),
	)

	regOpts := []registry.Option{
		registry.WithClock(o.clock),
		registry.WithLogger(o.logger),
	}
	if cfg.RegistryRefreshInterval > 0 {
		regOpts = append(regOpts, registry.WithFetchInterval(cfg.RegistryRefreshInterval))
	}
	reg := registry.New(&catalogFetcher{transport: tr}, regOpts...)

	counter := tokenizer.New(reg,
		tokenizer.WithClock(o.clock),
		tokenizer.WithLogger(o.logger),
	)

	gate := admission.New(reg, counter, tracker, admission.WithLogger(o.logger))

	queueOpts := []queue.Option{
		queue.WithHeaderSink(tracker),
		queue.WithClock(o.clock),
		queue.WithLogger(o.logger),
	}
	if cfg.MaxQueueSize > 0 {
		queueOpts = append(queueOpts, queue.WithMaxQueueSize(cfg.MaxQueueSize))
	}
	q := queue.New(gate, queueOpts...)

	c := &Client{
		cfg:       cfg,
		transport: tr,
		tracker:   tracker,
		registry:  reg,
		counter:   counter,
		gate:      gate,
		queue:     q,
		logger:    o.logger,
	}
	c.chat = &ChatHandler{client: c}
	c.speech = &SpeechHandler{client: c}
	return c, nil
}

// Chat returns the chat completion handler.
func (c *Client) Chat() *ChatHandler { return c.chat }

// Speech returns the transcription handler.
func (c *Client) Speech() *SpeechHandler { return c.speech }

// Models returns the model registry.
func (c *Client) Models() *registry.Registry { return c.registry }

// RateLimits returns the rate limit tracker.
func (c *Client) RateLimits() *ratelimit.Tracker { return c.tracker }

// Tokens returns the token counter.
func (c *Client) Tokens() *tokenizer.Counter { return c.counter }

// Queue returns the deferred request queue.
func (c *Client) Queue() *queue.Manager { return c.queue }

// CountTokens counts a single prompt against a model.
func (c *Client) CountTokens(ctx context.Context, prompt, model string) (int, error) {
	return c.counter.Count(ctx, prompt, model)
}

// CountMessageTokens counts a conversation against a model.
func (c *Client) CountMessageTokens(ctx context.Context, messages []types.ChatMessage, model string) (int, error) {
	return c.counter.CountMessages(ctx, messages, model)
}

// QueueStatus reports the queue's per-priority sizes and counters.
func (c *Client) QueueStatus() queue.Status { return c.queue.Status() }

// StartQueue launches the background queue worker.
func (c *Client) StartQueue(ctx context.Context) { c.queue.Start(ctx) }

// ProcessQueue drains the queue synchronously.
func (c *Client) ProcessQueue(ctx context.Context) error { return c.queue.ProcessQueue(ctx) }

// Close stops the queue worker and releases transport connections. Safe
// to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.queue.Stop()
		c.transport.Close()
	})
}

// catalogFetcher adapts the transport's models endpoint to the registry.
type catalogFetcher struct {
	transport *transport.Transport
}

// catalogEntry is one element of the models endpoint response.
type catalogEntry struct {
	ID                  string `json:"id"`
	Object              string `json:"object"`
	OwnedBy             string `json:"owned_by"`
	Created             int64  `json:"created"`
	Active              bool   `json:"active"`
	ContextWindow       int    `json:"context_window"`
	MaxCompletionTokens int    `json:"max_completion_tokens"`
}

// FetchModels retrieves the raw model catalog.
func (f *catalogFetcher) FetchModels(ctx context.Context) ([]types.Model, error) {
	p, err := f.transport.GetJSON(ctx, ModelsEndpoint)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Data []catalogEntry `json:"data"`
	}
	if err := json.Unmarshal(p.Body, &parsed); err != nil {
		return nil, types.NewInvalidResponseError(err).WithRequestID(p.RequestID)
	}

	models := make([]types.Model, 0, len(parsed.Data))
	for _, e := range parsed.Data {
		models = append(models, types.Model{
			ID:                  e.ID,
			OwnedBy:             e.OwnedBy,
			Created:             e.Created,
			Active:              e.Active,
			ContextWindow:       e.ContextWindow,
			MaxCompletionTokens: e.MaxCompletionTokens,
		})
	}
	return models, nil
}
