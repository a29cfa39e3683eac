package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cecil-the-coder/groq-client-kit/pkg/types"
)

func newTestTransport(t *testing.T, handler http.HandlerFunc) (*Transport, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	tr, err := New(Config{APIKey: "gsk_test", BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(tr.Close)
	return tr, srv
}

func TestNew_RequiresCredentials(t *testing.T) {
	_, err := New(Config{})
	var ce *types.ClientError
	if !errors.As(err, &ce) || ce.Code != types.ErrCodeAuthentication {
		t.Errorf("New(empty) error = %v, want authentication", err)
	}
}

func TestPostJSON_SendsAuthAndDecodes(t *testing.T) {
	var gotAuth, gotContentType, gotAgent string
	tr, _ := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		gotAgent = r.Header.Get("User-Agent")
		w.Header().Set("x-request-id", "req_abc")
		w.Header().Set("x-ratelimit-remaining-requests", "99")
		w.Write([]byte(`{"ok":true}`))
	})

	p, err := tr.PostJSON(context.Background(), "/openai/v1/chat/completions", map[string]string{"model": "llama3-8b-8192"})
	if err != nil {
		t.Fatalf("PostJSON() error = %v", err)
	}

	if gotAuth != "Bearer gsk_test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q", gotContentType)
	}
	if !strings.HasPrefix(gotAgent, "groq-client-kit/") {
		t.Errorf("User-Agent = %q", gotAgent)
	}
	if p.RequestID != "req_abc" {
		t.Errorf("RequestID = %q", p.RequestID)
	}
	if p.Headers.Get("x-ratelimit-remaining-requests") != "99" {
		t.Error("rate limit headers not carried through")
	}
	if string(p.Body) != `{"ok":true}` {
		t.Errorf("Body = %s", p.Body)
	}
}

func TestRoundTrip_GeneratesRequestIDWhenAbsent(t *testing.T) {
	tr, _ := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})

	p, err := tr.GetJSON(context.Background(), "/openai/v1/models")
	if err != nil {
		t.Fatal(err)
	}
	if p.RequestID == "" {
		t.Error("RequestID should be generated when the server omits it")
	}
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode types.ErrorCode
		wantMsg  string
	}{
		{"bad request", 400, `{"error":{"message":"model is required"}}`, types.ErrCodeValidation, "model is required"},
		{"unauthorized", 401, `{}`, types.ErrCodeAuthentication, ""},
		{"forbidden", 403, `{}`, types.ErrCodeAuthentication, ""},
		{"rate limited", 429, `{"error":{"message":"slow down"}}`, types.ErrCodeAPI, "slow down"},
		{"server error", 500, `{}`, types.ErrCodeAPI, "HTTP_500"},
		{"not found", 404, `{}`, types.ErrCodeAPI, "HTTP_404"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, _ := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("x-ratelimit-remaining-requests", "0")
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			_, err := tr.PostJSON(context.Background(), "/openai/v1/chat/completions", struct{}{})
			var ce *types.ClientError
			if !errors.As(err, &ce) {
				t.Fatalf("error = %v, want *ClientError", err)
			}
			if ce.Code != tt.wantCode {
				t.Errorf("Code = %v, want %v", ce.Code, tt.wantCode)
			}
			if ce.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", ce.StatusCode, tt.status)
			}
			if tt.wantMsg != "" && !strings.Contains(ce.Message, tt.wantMsg) {
				t.Errorf("Message = %q, want it to contain %q", ce.Message, tt.wantMsg)
			}
			if ce.Headers.Get("x-ratelimit-remaining-requests") != "0" {
				t.Error("failure should still carry rate limit headers")
			}
		})
	}
}

func TestRoundTrip_InvalidJSONBody(t *testing.T) {
	tr, _ := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>gateway</html>"))
	})

	_, err := tr.GetJSON(context.Background(), "/openai/v1/models")
	var ce *types.ClientError
	if !errors.As(err, &ce) || ce.Code != types.ErrCodeInvalidResponse {
		t.Errorf("error = %v, want invalid response", err)
	}
}

func TestPostMultipart(t *testing.T) {
	var gotContentType, gotModel, gotFile string
	tr, _ := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
		}
		gotModel = r.FormValue("model")
		f, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile: %v", err)
		} else {
			data, _ := io.ReadAll(f)
			gotFile = string(data)
			f.Close()
		}
		w.Write([]byte(`{"text":"hello"}`))
	})

	p, err := tr.PostMultipart(context.Background(), "/openai/v1/audio/transcriptions",
		FilePart{FieldName: "file", FileName: "sample.wav", Reader: strings.NewReader("RIFFdata")},
		map[string]string{"model": "whisper-large-v3"})
	if err != nil {
		t.Fatalf("PostMultipart() error = %v", err)
	}

	if !strings.HasPrefix(gotContentType, "multipart/form-data; boundary=") {
		t.Errorf("Content-Type = %q, want a multipart boundary set by the encoder", gotContentType)
	}
	if gotModel != "whisper-large-v3" || gotFile != "RIFFdata" {
		t.Errorf("form: model=%q file=%q", gotModel, gotFile)
	}
	if string(p.Body) != `{"text":"hello"}` {
		t.Errorf("Body = %s", p.Body)
	}
}

func TestPostStream(t *testing.T) {
	tr, _ := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		io.WriteString(w, ": keepalive comment\n")
		io.WriteString(w, "data: not json\n\n")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	})

	stream, err := tr.PostStream(context.Background(), "/openai/v1/chat/completions", struct{}{})
	if err != nil {
		t.Fatalf("PostStream() error = %v", err)
	}
	defer stream.Close()

	var contents []string
	for {
		event, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal(event, &chunk); err != nil {
			t.Fatalf("event %s: %v", event, err)
		}
		contents = append(contents, chunk.Choices[0].Delta.Content)
	}

	// The malformed event is skipped, the terminator ends the stream.
	if len(contents) != 2 || contents[0] != "Hel" || contents[1] != "lo" {
		t.Errorf("contents = %v, want [Hel lo]", contents)
	}
}

func TestPostStream_ErrorStatus(t *testing.T) {
	tr, _ := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"error":{"message":"bad key"}}`))
	})

	_, err := tr.PostStream(context.Background(), "/openai/v1/chat/completions", struct{}{})
	var ce *types.ClientError
	if !errors.As(err, &ce) || ce.Code != types.ErrCodeAuthentication {
		t.Errorf("error = %v, want authentication", err)
	}
}
