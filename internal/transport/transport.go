// Package transport is the HTTP layer under the public client. It owns
// authentication, per-shape timeouts, response decoding, and the mapping
// from HTTP failures into the client error taxonomy.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/cecil-the-coder/groq-client-kit/pkg/types"
)

const (
	// DefaultBaseURL is the service root all endpoint paths are resolved
	// against.
	DefaultBaseURL = "https://api.groq.com"

	// DefaultJSONTimeout bounds JSON requests; multipart uploads get a
	// longer budget since they carry audio payloads.
	DefaultJSONTimeout      = 30 * time.Second
	DefaultMultipartTimeout = 60 * time.Second

	defaultUserAgent = "groq-client-kit/1.0"

	requestIDHeader = "x-request-id"
)

// Config configures a Transport.
type Config struct {
	// APIKey authenticates every request. Ignored when TokenSource is set.
	APIKey string

	// BaseURL overrides the service root, for tests and proxies.
	BaseURL string

	// UserAgent overrides the User-Agent header.
	UserAgent string

	// JSONTimeout and MultipartTimeout bound the two request shapes.
	JSONTimeout      time.Duration
	MultipartTimeout time.Duration

	// HTTPClient supplies the underlying client. Its Timeout is ignored;
	// per-shape timeouts are applied through the request context.
	HTTPClient *http.Client

	// TokenSource supplies bearer tokens. Defaults to a static source
	// over APIKey.
	TokenSource oauth2.TokenSource

	// Logger receives request and response events.
	Logger *slog.Logger
}

// Payload is a decoded successful response.
type Payload struct {
	// Body is the raw JSON response body.
	Body json.RawMessage

	// Headers are the response headers, including rate limit state.
	Headers http.Header

	// Status is the HTTP status code.
	Status int

	// RequestID is the server-assigned id, or a locally generated one
	// when the server omits it.
	RequestID string
}

// FilePart describes the file carried by a multipart request. When
// ContentType is empty the part defaults to application/octet-stream.
type FilePart struct {
	FieldName   string
	FileName    string
	ContentType string
	Reader      io.Reader
}

// Transport sends authenticated requests to the service.
type Transport struct {
	baseURL          string
	userAgent        string
	jsonTimeout      time.Duration
	multipartTimeout time.Duration

	client      *http.Client
	tokenSource oauth2.TokenSource
	logger      *slog.Logger

	closeOnce sync.Once
}

// New creates a Transport from the config, applying defaults for any zero
// field.
func New(cfg Config) (*Transport, error) {
	if cfg.APIKey == "" && cfg.TokenSource == nil {
		return nil, types.NewAuthError("API key is required")
	}

	t := &Transport{
		baseURL:          strings.TrimRight(cfg.BaseURL, "/"),
		userAgent:        cfg.UserAgent,
		jsonTimeout:      cfg.JSONTimeout,
		multipartTimeout: cfg.MultipartTimeout,
		client:           cfg.HTTPClient,
		tokenSource:      cfg.TokenSource,
		logger:           cfg.Logger,
	}
	if t.baseURL == "" {
		t.baseURL = DefaultBaseURL
	}
	if t.userAgent == "" {
		t.userAgent = defaultUserAgent
	}
	if t.jsonTimeout == 0 {
		t.jsonTimeout = DefaultJSONTimeout
	}
	if t.multipartTimeout == 0 {
		t.multipartTimeout = DefaultMultipartTimeout
	}
	if t.client == nil {
		t.client = &http.Client{}
	}
	if t.tokenSource == nil {
		t.tokenSource = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.APIKey})
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	return t, nil
}

// newRequest builds an authenticated request for the given path.
func (t *Transport) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, body)
	if err != nil {
		return nil, types.NewValidationError("url", "failed to build request: "+err.Error())
	}

	tok, err := t.tokenSource.Token()
	if err != nil {
		return nil, types.NewAuthError("failed to obtain access token: " + err.Error())
	}
	tok.SetAuthHeader(req)
	req.Header.Set("User-Agent", t.userAgent)
	return req, nil
}

// PostJSON sends a JSON request and decodes the response.
func (t *Transport) PostJSON(ctx context.Context, path string, body any) (*Payload, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, types.NewValidationError("body", "failed to encode request body: "+err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, t.jsonTimeout)
	defer cancel()

	req, err := t.newRequest(ctx, http.MethodPost, path, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	return t.roundTrip(req, t.jsonTimeout)
}

// GetJSON sends a GET request and decodes the response.
func (t *Transport) GetJSON(ctx context.Context, path string) (*Payload, error) {
	ctx, cancel := context.WithTimeout(ctx, t.jsonTimeout)
	defer cancel()

	req, err := t.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return t.roundTrip(req, t.jsonTimeout)
}

// PostMultipart uploads a file with accompanying form fields. The
// Content-Type comes from the multipart writer so the boundary is always
// correct.
func (t *Transport) PostMultipart(ctx context.Context, path string, file FilePart, fields map[string]string) (*Payload, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := createFilePart(w, file)
	if err != nil {
		return nil, types.NewValidationError("file", "failed to build multipart body: "+err.Error())
	}
	if _, err := io.Copy(part, file.Reader); err != nil {
		return nil, types.NewAudioFileError(file.FileName, "failed to read file: "+err.Error())
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, types.NewValidationError(k, "failed to write form field: "+err.Error())
		}
	}
	if err := w.Close(); err != nil {
		return nil, types.NewValidationError("file", "failed to finalize multipart body: "+err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, t.multipartTimeout)
	defer cancel()

	req, err := t.newRequest(ctx, http.MethodPost, path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	return t.roundTrip(req, t.multipartTimeout)
}

// createFilePart opens the file part, honoring an explicit content type.
func createFilePart(w *multipart.Writer, file FilePart) (io.Writer, error) {
	if file.ContentType == "" {
		return w.CreateFormFile(file.FieldName, file.FileName)
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name=%q; filename=%q`, file.FieldName, file.FileName))
	h.Set("Content-Type", file.ContentType)
	return w.CreatePart(h)
}

// roundTrip executes the request and maps the response into a Payload or
// a taxonomy error.
func (t *Transport) roundTrip(req *http.Request, timeout time.Duration) (*Payload, error) {
	t.logger.Debug("sending request", "method", req.Method, "path", req.URL.Path)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, t.mapTransportError(err, timeout)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewNetworkError("failed to read response body", err)
	}

	requestID := resp.Header.Get(requestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, t.statusError(resp, body, requestID)
	}

	if !json.Valid(body) {
		return nil, types.NewInvalidResponseError(fmt.Errorf("status %d with non-JSON body", resp.StatusCode)).
			WithRequestID(requestID).
			WithHeaders(resp.Header)
	}

	t.logger.Debug("request succeeded", "path", req.URL.Path, "status", resp.StatusCode, "request_id", requestID)
	return &Payload{
		Body:      body,
		Headers:   resp.Header,
		Status:    resp.StatusCode,
		RequestID: requestID,
	}, nil
}

// mapTransportError converts low-level client errors into the taxonomy.
func (t *Transport) mapTransportError(err error, timeout time.Duration) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewTimeoutError(timeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return types.NewNetworkError("request canceled", err)
	}
	return types.NewNetworkError("request failed: "+err.Error(), err)
}

// apiErrorBody is the service's error response shape.
type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// statusError maps a non-2xx response to a taxonomy error carrying the
// response headers so rate limit state can still be ingested.
func (t *Transport) statusError(resp *http.Response, body []byte, requestID string) error {
	message := ""
	var parsed apiErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil {
		message = parsed.Error.Message
	}

	var ce *types.ClientError
	switch types.ClassifyHTTPStatus(resp.StatusCode) {
	case types.ErrCodeAuthentication:
		if message == "" {
			message = "invalid API key or insufficient permissions"
		}
		ce = types.NewAuthError(message)
		ce.StatusCode = resp.StatusCode
	case types.ErrCodeValidation:
		if message == "" {
			message = "request rejected by the service"
		}
		ce = types.NewValidationError("request", message)
		ce.StatusCode = resp.StatusCode
	default:
		ce = types.NewAPIError(resp.StatusCode, message)
	}

	t.logger.Debug("request failed", "status", resp.StatusCode, "request_id", requestID)
	return ce.WithRequestID(requestID).WithHeaders(resp.Header)
}

// Close releases idle connections. Safe to call more than once.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		t.client.CloseIdleConnections()
	})
}
