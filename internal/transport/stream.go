package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/cecil-the-coder/groq-client-kit/pkg/types"
)

// Server-sent event framing used by the streaming endpoints.
var (
	ssePrefix = []byte("data: ")
	sseDone   = []byte("[DONE]")
)

// Stream is a server-sent event stream of JSON payloads. Events arrive
// through Next; the caller must Close the stream when done.
type Stream struct {
	body      io.ReadCloser
	scanner   *bufio.Scanner
	headers   http.Header
	requestID string
	logger    *slog.Logger
}

// PostStream sends a JSON request and returns the response as an event
// stream. No timeout is applied; the stream lives until the server
// finishes or the context is canceled.
func (t *Transport) PostStream(ctx context.Context, path string, body any) (*Stream, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, types.NewValidationError("body", "failed to encode request body: "+err.Error())
	}

	req, err := t.newRequest(ctx, http.MethodPost, path, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, t.mapTransportError(err, 0)
	}

	requestID := resp.Header.Get(requestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			body = nil
		}
		return nil, t.statusError(resp, body, requestID)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	return &Stream{
		body:      resp.Body,
		scanner:   scanner,
		headers:   resp.Header,
		requestID: requestID,
		logger:    t.logger,
	}, nil
}

// Headers returns the response headers, including rate limit state.
func (s *Stream) Headers() http.Header { return s.headers }

// RequestID returns the server-assigned request id.
func (s *Stream) RequestID() string { return s.requestID }

// Next returns the next JSON event. It strips the SSE data prefix, skips
// blank lines and events that are not valid JSON, and returns io.EOF when
// the terminator arrives or the server closes the stream. Transport
// failures mid-stream surface as network errors, not as a silent end.
func (s *Stream) Next() (json.RawMessage, error) {
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if !bytes.HasPrefix(line, ssePrefix) {
			continue
		}

		event := bytes.TrimSpace(bytes.TrimPrefix(line, ssePrefix))
		if bytes.Equal(event, sseDone) {
			return nil, io.EOF
		}
		if !json.Valid(event) {
			s.logger.Debug("skipping malformed stream event", "request_id", s.requestID)
			continue
		}

		out := make(json.RawMessage, len(event))
		copy(out, event)
		return out, nil
	}

	if err := s.scanner.Err(); err != nil {
		return nil, types.NewNetworkError("stream interrupted", err)
	}
	return nil, io.EOF
}

// Close releases the underlying connection.
func (s *Stream) Close() error {
	return s.body.Close()
}
