// Package admission decides whether a request should be sent, delayed, or
// refused before any bytes reach the service. It combines the model
// catalog, local token counting, and tracked rate limit quotas into a
// single verdict.
package admission

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cecil-the-coder/groq-client-kit/pkg/ratelimit"
	"github.com/cecil-the-coder/groq-client-kit/pkg/registry"
	"github.com/cecil-the-coder/groq-client-kit/pkg/tokenizer"
	"github.com/cecil-the-coder/groq-client-kit/pkg/types"
)

// Audio duration estimation constants. Compressed speech audio averages
// about 45 seconds per megabyte; estimates are clamped to one second and
// one hour.
const (
	SecondsPerMB    = 45
	MinAudioSeconds = 1
	MaxAudioSeconds = 3600
)

// EstimateAudioSeconds approximates the duration of an audio file from
// its size in bytes, clamped to [MinAudioSeconds, MaxAudioSeconds].
func EstimateAudioSeconds(sizeBytes int64) int {
	return clampAudioSeconds(RawAudioSeconds(sizeBytes))
}

// RawAudioSeconds is the unclamped duration estimate. Callers that need
// to detect implausibly short files use this form.
func RawAudioSeconds(sizeBytes int64) float64 {
	return float64(sizeBytes) / (1024 * 1024) * SecondsPerMB
}

func clampAudioSeconds(raw float64) int {
	seconds := int(raw)
	if seconds < MinAudioSeconds {
		return MinAudioSeconds
	}
	if seconds > MaxAudioSeconds {
		return MaxAudioSeconds
	}
	return seconds
}

// Gate evaluates requests against the registry, token counter, and rate
// limit tracker.
type Gate struct {
	registry *registry.Registry
	counter  *tokenizer.Counter
	tracker  *ratelimit.Tracker
	logger   *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the structured logger used for verdict events.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// New creates a Gate over the given components.
func New(reg *registry.Registry, counter *tokenizer.Counter, tracker *ratelimit.Tracker, opts ...Option) *Gate {
	g := &Gate{
		registry: reg,
		counter:  counter,
		tracker:  tracker,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// asClientError normalizes an error from a collaborating component into
// the taxonomy. Components in this module already return *ClientError;
// anything else becomes a validation error.
func asClientError(err error) *types.ClientError {
	var ce *types.ClientError
	if errors.As(err, &ce) {
		return ce
	}
	return types.NewValidationError("request", err.Error())
}

// quotaVerdict maps current quota state for the given amounts into a
// verdict: admit when capacity exists, wait when it is expected back
// within the acceptable window, reject otherwise.
func (g *Gate) quotaVerdict(requests, tokens, audioSeconds int) Verdict {
	ok, err := g.tracker.CanProceed(requests, tokens, audioSeconds)
	if err != nil {
		return reject(asClientError(err))
	}
	if ok {
		return admit()
	}

	d := g.tracker.NextWait()
	if d > ratelimit.MaxWait {
		return reject(types.NewRateLimitError(d))
	}
	g.logger.Debug("quota exhausted", "wait", d.String())
	return wait(d)
}

// EvaluateChat checks a chat completion before dispatch: the model must
// be a cataloged chat model, the conversation plus the completion budget
// must fit the model's context window, and the request plus token quota
// must be available. Only the counted conversation tokens are charged
// against quota; maxTokens participates in the context-window check
// alone. The returned token count is that counted quota charge.
func (g *Gate) EvaluateChat(ctx context.Context, messages []types.ChatMessage, model string, maxTokens int) (Verdict, int) {
	if err := types.ValidateMessages(messages); err != nil {
		return reject(asClientError(err)), 0
	}
	if maxTokens < 0 {
		return reject(types.NewValidationError("max_tokens", "max tokens cannot be negative")), 0
	}

	m, err := g.registry.Get(ctx, model)
	if err != nil {
		return reject(asClientError(err)), 0
	}
	if m.Kind != types.KindChat {
		return reject(types.NewInvalidModelError(model, "model '"+model+"' is not a chat model")), 0
	}

	counted, err := g.counter.CountMessages(ctx, messages, model)
	if err != nil {
		return reject(asClientError(err)), 0
	}

	if total := counted + maxTokens; m.ContextWindow > 0 && total > m.ContextWindow {
		return reject(types.NewTokenLimitError(total, m.ContextWindow)), counted
	}

	return g.quotaVerdict(1, counted, 0), counted
}

// EvaluateTranscription checks a transcription before dispatch: the model
// must be a cataloged transcription model and the request plus audio
// second quota must be available. The returned estimate is the clamped
// audio duration charged against quota.
func (g *Gate) EvaluateTranscription(ctx context.Context, model string, fileSize int64) (Verdict, int) {
	m, err := g.registry.Get(ctx, model)
	if err != nil {
		return reject(asClientError(err)), 0
	}
	if m.Kind != types.KindSpeechToText {
		return reject(types.NewInvalidModelError(model, "model '"+model+"' is not a transcription model")), 0
	}

	seconds := EstimateAudioSeconds(fileSize)
	return g.quotaVerdict(1, 0, seconds), seconds
}

// AdmitTokens checks only the request and token quotas for an already
// counted payload. The queue worker uses this on dispatch so a request
// admitted at enqueue time is re-checked against current quota.
func (g *Gate) AdmitTokens(tokens int) Verdict {
	if tokens < 0 {
		return reject(types.NewValidationError("tokens", "token count cannot be negative"))
	}
	return g.quotaVerdict(1, tokens, 0)
}
