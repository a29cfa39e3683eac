// Package tokenizer counts prompt and message tokens locally so requests
// can be validated against model context windows and rate limit quotas
// before they reach the service.
package tokenizer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/cecil-the-coder/groq-client-kit/pkg/ratelimit"
	"github.com/cecil-the-coder/groq-client-kit/pkg/registry"
	"github.com/cecil-the-coder/groq-client-kit/pkg/types"
)

// defaultEncoding is the byte pair encoding used for all models the
// service hosts.
const defaultEncoding = "cl100k_base"

// Message framing used when counting a conversation. Each message costs
// its framed form; when the last message is not from the assistant the
// reply prelude is counted too, since the service will generate it.
const (
	messageFrameFormat = "<|im_start|>%s\n%s<|im_end|>"
	assistantPrelude   = "<|im_start|>assistant\n"
)

// Counter counts tokens per model and keeps an append-only usage history.
// It is safe for concurrent use.
type Counter struct {
	registry *registry.Registry
	clock    ratelimit.Clock
	logger   *slog.Logger

	mu          sync.Mutex
	encoders    map[string]*tiktoken.Tiktoken
	history     []types.UsageRecord
	totalTokens int
}

// Option configures a Counter.
type Option func(*Counter)

// WithClock substitutes the time source used for usage records.
func WithClock(c ratelimit.Clock) Option {
	return func(t *Counter) { t.clock = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Counter) { t.logger = l }
}

// New creates a Counter that validates model ids against the given
// registry.
func New(reg *registry.Registry, opts ...Option) *Counter {
	c := &Counter{
		registry: reg,
		clock:    ratelimit.RealClock{},
		logger:   slog.Default(),
		encoders: make(map[string]*tiktoken.Tiktoken),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// encodingFor maps a model id to its encoding name. All currently hosted
// models share cl100k_base.
func encodingFor(model string) string {
	return defaultEncoding
}

// encoder returns the cached encoder for the model, loading it on first
// use.
func (c *Counter) encoder(model string) (*tiktoken.Tiktoken, error) {
	name := encodingFor(model)

	c.mu.Lock()
	defer c.mu.Unlock()

	if enc, ok := c.encoders[name]; ok {
		return enc, nil
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, types.NewValidationError("encoding", "failed to load encoding "+name+": "+err.Error())
	}
	c.encoders[name] = enc
	return enc, nil
}

// encode counts the tokens of text, treating framing markers as special
// tokens.
func (c *Counter) encode(model, text string) (int, error) {
	enc, err := c.encoder(model)
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, []string{"all"}, nil)), nil
}

// Count returns the token count of a single prompt for the given model.
// Transcription models always count as zero since their input is audio.
func (c *Counter) Count(ctx context.Context, prompt, model string) (int, error) {
	if prompt == "" {
		return 0, types.NewValidationError("prompt", "prompt cannot be empty")
	}

	m, err := c.registry.Get(ctx, model)
	if err != nil {
		return 0, err
	}
	if m.Kind == types.KindSpeechToText {
		return 0, nil
	}
	return c.encode(model, prompt)
}

// CountMessages returns the total token count of a conversation: each
// message in its framed form plus, when the last message is not from the
// assistant, the reply prelude. Transcription models count as zero.
func (c *Counter) CountMessages(ctx context.Context, messages []types.ChatMessage, model string) (int, error) {
	if err := types.ValidateMessages(messages); err != nil {
		return 0, err
	}

	m, err := c.registry.Get(ctx, model)
	if err != nil {
		return 0, err
	}
	if m.Kind == types.KindSpeechToText {
		return 0, nil
	}

	total := 0
	for _, msg := range messages {
		framed := fmt.Sprintf(messageFrameFormat, msg.Role, msg.Content)
		n, err := c.encode(model, framed)
		if err != nil {
			return 0, err
		}
		total += n
	}

	if messages[len(messages)-1].Role != types.RoleAssistant {
		n, err := c.encode(model, assistantPrelude)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// Validate checks the conversation against a token limit. A zero
// maxTokens falls back to the model's context window; when neither is
// known the conversation always passes. On overflow the returned error is
// a token limit error carrying both counts.
func (c *Counter) Validate(ctx context.Context, messages []types.ChatMessage, model string, maxTokens int) error {
	if maxTokens < 0 {
		return types.NewValidationError("max_tokens", "max tokens cannot be negative")
	}

	if maxTokens == 0 {
		window, err := c.registry.ContextWindow(ctx, model)
		if err != nil {
			return err
		}
		if window == 0 {
			return nil
		}
		maxTokens = window
	}

	count, err := c.CountMessages(ctx, messages, model)
	if err != nil {
		return err
	}
	if count > maxTokens {
		return types.NewTokenLimitError(count, maxTokens)
	}
	return nil
}

// UsageInfo describes how a conversation sits against a token limit.
type UsageInfo struct {
	CurrentTokens   int     `json:"current_tokens"`
	MaxTokens       int     `json:"max_tokens"`
	RemainingTokens int     `json:"remaining_tokens"`
	UsagePercent    float64 `json:"usage_percent"`
	WithinLimit     bool    `json:"within_limit"`
	Model           string  `json:"model"`
}

// UsageInfo reports the conversation's token count against the limit,
// falling back to the model's context window when maxTokens is zero.
func (c *Counter) UsageInfo(ctx context.Context, messages []types.ChatMessage, model string, maxTokens int) (UsageInfo, error) {
	count, err := c.CountMessages(ctx, messages, model)
	if err != nil {
		return UsageInfo{}, err
	}

	info := UsageInfo{CurrentTokens: count, Model: model, WithinLimit: true}

	if maxTokens == 0 {
		maxTokens, _ = c.registry.ContextWindow(ctx, model)
	}
	if maxTokens > 0 {
		info.MaxTokens = maxTokens
		info.RemainingTokens = maxTokens - count
		info.UsagePercent = float64(count) / float64(maxTokens) * 100
		info.WithinLimit = count <= maxTokens
	}
	return info, nil
}

// RecordUsage counts the conversation and appends a usage record to the
// history.
func (c *Counter) RecordUsage(ctx context.Context, messages []types.ChatMessage, model, requestID string) (types.UsageRecord, error) {
	count, err := c.CountMessages(ctx, messages, model)
	if err != nil {
		return types.UsageRecord{}, err
	}

	rec := types.UsageRecord{
		Timestamp:    c.clock.Now(),
		Model:        model,
		TokenCount:   count,
		RequestID:    requestID,
		MessageCount: len(messages),
	}

	c.mu.Lock()
	c.history = append(c.history, rec)
	c.totalTokens += count
	c.mu.Unlock()

	return rec, nil
}

// History returns the most recent usage records, newest last. A
// non-positive limit returns the full history.
func (c *Counter) History(limit int) []types.UsageRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := 0
	if limit > 0 && len(c.history) > limit {
		start = len(c.history) - limit
	}
	out := make([]types.UsageRecord, len(c.history)-start)
	copy(out, c.history[start:])
	return out
}

// TotalTokens returns the sum of all recorded token counts.
func (c *Counter) TotalTokens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalTokens
}

// ClearHistory drops all usage records and resets the total.
func (c *Counter) ClearHistory() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = nil
	c.totalTokens = 0
}

// Statistics summarizes the recorded usage.
type Statistics struct {
	TotalRequests    int                 `json:"total_requests"`
	TotalTokens      int                 `json:"total_tokens"`
	AveragePerReq    float64             `json:"average_tokens_per_request"`
	RecentRecords    []types.UsageRecord `json:"recent_records"`
}

// Stats returns aggregate usage statistics including the ten most recent
// records.
func (c *Counter) Stats() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Statistics{
		TotalRequests: len(c.history),
		TotalTokens:   c.totalTokens,
	}
	if len(c.history) > 0 {
		s.AveragePerReq = float64(c.totalTokens) / float64(len(c.history))
	}
	start := 0
	if len(c.history) > 10 {
		start = len(c.history) - 10
	}
	s.RecentRecords = append(s.RecentRecords, c.history[start:]...)
	return s
}
