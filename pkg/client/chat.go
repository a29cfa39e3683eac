package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cecil-the-coder/groq-client-kit/internal/transport"
	"github.com/cecil-the-coder/groq-client-kit/pkg/admission"
	"github.com/cecil-the-coder/groq-client-kit/pkg/queue"
	"github.com/cecil-the-coder/groq-client-kit/pkg/types"
)

// ChatHandler serves chat completions. Obtain one from Client.Chat.
type ChatHandler struct {
	client *Client
}

// chatRequest is the wire shape of a chat completion request.
type chatRequest struct {
	Model       string              `json:"model"`
	Messages    []types.ChatMessage `json:"messages"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Temperature *float64            `json:"temperature,omitempty"`
	TopP        *float64            `json:"top_p,omitempty"`
	Stop        []string            `json:"stop,omitempty"`
	Seed        *int                `json:"seed,omitempty"`
	Stream      bool                `json:"stream,omitempty"`
}

// GenerateOption adjusts one chat completion.
type GenerateOption func(*chatRequest)

// WithMaxTokens caps the completion length. The cap also participates in
// admission: the conversation plus this budget must fit the model's
// context window.
func WithMaxTokens(n int) GenerateOption {
	return func(r *chatRequest) { r.MaxTokens = n }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) GenerateOption {
	return func(r *chatRequest) { r.Temperature = &t }
}

// WithTopP sets nucleus sampling.
func WithTopP(p float64) GenerateOption {
	return func(r *chatRequest) { r.TopP = &p }
}

// WithStop sets stop sequences.
func WithStop(stop ...string) GenerateOption {
	return func(r *chatRequest) { r.Stop = stop }
}

// WithSeed requests deterministic sampling.
func WithSeed(seed int) GenerateOption {
	return func(r *chatRequest) { r.Seed = &seed }
}

// admit runs the conversation through the gate and, when quota is merely
// exhausted rather than unavailable, blocks until it returns. It reports
// the accounted token cost.
func (h *ChatHandler) admit(ctx context.Context, messages []types.ChatMessage, model string, maxTokens int) (int, error) {
	verdict, tokens := h.client.gate.EvaluateChat(ctx, messages, model, maxTokens)
	switch verdict.Kind {
	case admission.Reject:
		return 0, verdict.Reason
	case admission.Wait:
		if err := h.client.tracker.WaitIfNeeded(1, tokens, 0); err != nil {
			return 0, err
		}
	}
	return tokens, nil
}

// ingestErrorHeaders feeds rate limit headers carried on a failed request
// back into the tracker.
func (h *ChatHandler) ingestErrorHeaders(err error) {
	var ce *types.ClientError
	if errors.As(err, &ce) && ce.Headers != nil {
		if ingestErr := h.client.tracker.IngestHeaders(ce.Headers); ingestErr != nil {
			h.client.logger.Warn("failed to ingest headers from error response", "error", ingestErr)
		}
	}
}

// Generate sends a chat completion and returns the parsed response. The
// request is admitted first: unknown models, oversized conversations,
// and unavailable quota fail before any bytes are sent.
func (h *ChatHandler) Generate(ctx context.Context, model string, messages []types.ChatMessage, opts ...GenerateOption) (*types.ChatCompletion, error) {
	req := chatRequest{Model: model, Messages: messages}
	for _, opt := range opts {
		opt(&req)
	}

	if _, err := h.admit(ctx, messages, model, req.MaxTokens); err != nil {
		return nil, err
	}

	p, err := h.client.transport.PostJSON(ctx, ChatCompletionsEndpoint, req)
	if err != nil {
		h.ingestErrorHeaders(err)
		return nil, err
	}
	if err := h.client.tracker.IngestHeaders(p.Headers); err != nil {
		h.client.logger.Warn("failed to ingest rate limit headers", "error", err)
	}

	var completion types.ChatCompletion
	if err := json.Unmarshal(p.Body, &completion); err != nil {
		return nil, types.NewInvalidResponseError(err).WithRequestID(p.RequestID)
	}
	completion.RequestID = p.RequestID

	if _, err := h.client.counter.RecordUsage(ctx, messages, model, p.RequestID); err != nil {
		h.client.logger.Warn("failed to record token usage", "error", err)
	}
	return &completion, nil
}

// GeneratePrompt sends a single-message completion.
func (h *ChatHandler) GeneratePrompt(ctx context.Context, model, prompt string, opts ...GenerateOption) (*types.ChatCompletion, error) {
	if prompt == "" {
		return nil, types.NewValidationError("prompt", "prompt cannot be empty")
	}
	return h.Generate(ctx, model, []types.ChatMessage{types.NewUserMessage(prompt)}, opts...)
}

// CompletionStream delivers a streamed chat completion chunk by chunk.
type CompletionStream struct {
	stream    *transport.Stream
	requestID string
}

// RequestID returns the server-assigned request id.
func (s *CompletionStream) RequestID() string { return s.requestID }

// Recv returns the next chunk, or io.EOF when the stream ends. Transport
// failures mid-stream surface as errors rather than a silent end.
func (s *CompletionStream) Recv() (*types.ChatCompletionChunk, error) {
	for {
		event, err := s.stream.Next()
		if err != nil {
			return nil, err
		}

		var chunk types.ChatCompletionChunk
		if err := json.Unmarshal(event, &chunk); err != nil {
			// Valid JSON that is not a chunk; skip it like any other
			// malformed event.
			continue
		}
		return &chunk, nil
	}
}

// Close releases the stream's connection.
func (s *CompletionStream) Close() error { return s.stream.Close() }

// GenerateStream sends a chat completion with streaming enabled. The
// caller must Close the returned stream.
func (h *ChatHandler) GenerateStream(ctx context.Context, model string, messages []types.ChatMessage, opts ...GenerateOption) (*CompletionStream, error) {
	req := chatRequest{Model: model, Messages: messages}
	for _, opt := range opts {
		opt(&req)
	}
	req.Stream = true

	if _, err := h.admit(ctx, messages, model, req.MaxTokens); err != nil {
		return nil, err
	}

	stream, err := h.client.transport.PostStream(ctx, ChatCompletionsEndpoint, req)
	if err != nil {
		h.ingestErrorHeaders(err)
		return nil, err
	}
	if err := h.client.tracker.IngestHeaders(stream.Headers()); err != nil {
		h.client.logger.Warn("failed to ingest rate limit headers", "error", err)
	}

	if _, err := h.client.counter.RecordUsage(ctx, messages, model, stream.RequestID()); err != nil {
		h.client.logger.Warn("failed to record token usage", "error", err)
	}
	return &CompletionStream{stream: stream, requestID: stream.RequestID()}, nil
}

// GenerateQueued defers a chat completion through the request queue and
// returns the queue id. The conversation is validated and counted now;
// quota is re-checked by the worker at dispatch time. The completion
// itself is discarded; use Generate for request/response flows.
func (h *ChatHandler) GenerateQueued(ctx context.Context, model string, messages []types.ChatMessage, priority types.Priority, opts ...GenerateOption) (string, error) {
	req := chatRequest{Model: model, Messages: messages}
	for _, opt := range opts {
		opt(&req)
	}

	if err := types.ValidateMessages(messages); err != nil {
		return "", err
	}
	tokens, err := h.client.counter.CountMessages(ctx, messages, model)
	if err != nil {
		return "", err
	}

	fn := func(ctx context.Context) (http.Header, error) {
		p, err := h.client.transport.PostJSON(ctx, ChatCompletionsEndpoint, req)
		if err != nil {
			var ce *types.ClientError
			if errors.As(err, &ce) && ce.Headers != nil {
				return ce.Headers, err
			}
			return nil, err
		}
		if _, err := h.client.counter.RecordUsage(ctx, messages, model, p.RequestID); err != nil {
			h.client.logger.Warn("failed to record token usage", "error", err)
		}
		return p.Headers, nil
	}

	return h.client.queue.Enqueue(fn,
		queue.WithPriority(priority),
		queue.WithTokensRequired(tokens),
	)
}

// Drain blocks until the queue is empty, surfacing context cancellation.
func (h *ChatHandler) Drain(ctx context.Context) error {
	return h.client.queue.ProcessQueue(ctx)
}
