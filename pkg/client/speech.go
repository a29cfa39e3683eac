package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cecil-the-coder/groq-client-kit/internal/transport"
	"github.com/cecil-the-coder/groq-client-kit/pkg/admission"
	"github.com/cecil-the-coder/groq-client-kit/pkg/types"
)

// minAudioDuration is the shortest upload the service accepts, in
// estimated seconds. Checked against the raw estimate before clamping.
const minAudioDuration = 0.01

// supportedAudioFormats maps the accepted file extensions (lowercase,
// leading dot) to the MIME type sent with the upload when the platform's
// MIME table has no answer.
var supportedAudioFormats = map[string]string{
	".flac": "audio/flac",
	".m4a":  "audio/mp4",
	".mp3":  "audio/mpeg",
	".mp4":  "audio/mp4",
	".mpeg": "audio/mpeg",
	".mpga": "audio/mpeg",
	".ogg":  "audio/ogg",
	".wav":  "audio/wav",
	".webm": "audio/webm",
}

// audioContentType resolves the upload MIME type for an extension,
// preferring the platform MIME table over the fallback entries above.
func audioContentType(ext string) string {
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return supportedAudioFormats[ext]
}

// SpeechHandler serves audio transcription. Obtain one from
// Client.Speech.
type SpeechHandler struct {
	client *Client
}

// transcribeRequest collects the multipart form fields of a
// transcription request.
type transcribeRequest struct {
	language       string
	prompt         string
	responseFormat string
	temperature    *float64
}

// TranscribeOption adjusts one transcription.
type TranscribeOption func(*transcribeRequest)

// WithLanguage hints the audio's language as an ISO 639-1 code.
func WithLanguage(lang string) TranscribeOption {
	return func(r *transcribeRequest) { r.language = lang }
}

// WithPrompt guides the model's style with context text.
func WithPrompt(prompt string) TranscribeOption {
	return func(r *transcribeRequest) { r.prompt = prompt }
}

// WithResponseFormat selects the response shape, for example "json" or
// "verbose_json".
func WithResponseFormat(format string) TranscribeOption {
	return func(r *transcribeRequest) { r.responseFormat = format }
}

// WithTranscriptionTemperature sets the sampling temperature.
func WithTranscriptionTemperature(t float64) TranscribeOption {
	return func(r *transcribeRequest) { r.temperature = &t }
}

// SupportedFormats lists the accepted audio file extensions, sorted.
func (h *SpeechHandler) SupportedFormats() []string {
	formats := make([]string, 0, len(supportedAudioFormats))
	for ext := range supportedAudioFormats {
		formats = append(formats, ext)
	}
	sort.Strings(formats)
	return formats
}

// PlanInfo describes the upload budget of the configured plan.
type PlanInfo struct {
	Plan         Plan
	MaxFileBytes int64
}

// PlanInfo returns the upload budget of the configured plan.
func (h *SpeechHandler) PlanInfo() PlanInfo {
	return PlanInfo{
		Plan:         h.client.cfg.Plan,
		MaxFileBytes: h.client.cfg.Plan.MaxFileBytes(),
	}
}

// FileReport describes a candidate audio file.
type FileReport struct {
	Path             string
	SizeBytes        int64
	Format           string
	EstimatedSeconds int
	OK               bool
	Reason           string
}

// validateFile runs the upload checks in order and returns the file
// size. Missing file, unsupported extension, plan size cap, minimum
// duration.
func (h *SpeechHandler) validateFile(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, types.NewAudioFileError(path, "audio file not found")
	}
	if info.IsDir() {
		return 0, types.NewAudioFileError(path, "path is a directory, not an audio file")
	}

	ext := strings.ToLower(filepath.Ext(path))
	if _, ok := supportedAudioFormats[ext]; !ok {
		return 0, types.NewUnsupportedFormatError(path, ext, h.SupportedFormats())
	}

	size := info.Size()
	maxBytes := h.client.cfg.Plan.MaxFileBytes()
	if size > maxBytes {
		return 0, types.NewFileSizeError(path, size, maxBytes)
	}

	if admission.RawAudioSeconds(size) < minAudioDuration {
		return 0, types.NewAudioFileError(path, "audio file is too short to transcribe")
	}
	return size, nil
}

// CheckFile reports whether a file would be accepted for transcription
// without sending anything.
func (h *SpeechHandler) CheckFile(path string) FileReport {
	report := FileReport{
		Path:   path,
		Format: strings.ToLower(filepath.Ext(path)),
	}
	size, err := h.validateFile(path)
	if err != nil {
		report.Reason = err.Error()
		if info, statErr := os.Stat(path); statErr == nil {
			report.SizeBytes = info.Size()
		}
		return report
	}
	report.SizeBytes = size
	report.EstimatedSeconds = admission.EstimateAudioSeconds(size)
	report.OK = true
	return report
}

// Transcribe uploads an audio file and returns its transcription. The
// file is validated and the request admitted before any bytes are sent.
func (h *SpeechHandler) Transcribe(ctx context.Context, filePath, model string, opts ...TranscribeOption) (*types.Transcription, error) {
	var req transcribeRequest
	for _, opt := range opts {
		opt(&req)
	}

	size, err := h.validateFile(filePath)
	if err != nil {
		return nil, err
	}

	verdict, seconds := h.client.gate.EvaluateTranscription(ctx, model, size)
	switch verdict.Kind {
	case admission.Reject:
		return nil, verdict.Reason
	case admission.Wait:
		if err := h.client.tracker.WaitIfNeeded(1, 0, seconds); err != nil {
			return nil, err
		}
	}

	f, err := os.Open(filePath)
	if err != nil {
		return nil, types.NewAudioFileError(filePath, "failed to open audio file: "+err.Error())
	}
	defer f.Close()

	fields := map[string]string{"model": model}
	if req.language != "" {
		fields["language"] = req.language
	}
	if req.prompt != "" {
		fields["prompt"] = req.prompt
	}
	if req.responseFormat != "" {
		fields["response_format"] = req.responseFormat
	}
	if req.temperature != nil {
		fields["temperature"] = fmt.Sprintf("%g", *req.temperature)
	}

	p, err := h.client.transport.PostMultipart(ctx, TranscriptionsEndpoint,
		transport.FilePart{
			FieldName:   "file",
			FileName:    filepath.Base(filePath),
			ContentType: audioContentType(strings.ToLower(filepath.Ext(filePath))),
			Reader:      f,
		},
		fields)
	if err != nil {
		var ce *types.ClientError
		if errors.As(err, &ce) && ce.Headers != nil {
			if ingestErr := h.client.tracker.IngestHeaders(ce.Headers); ingestErr != nil {
				h.client.logger.Warn("failed to ingest headers from error response", "error", ingestErr)
			}
		}
		return nil, err
	}
	if err := h.client.tracker.IngestHeaders(p.Headers); err != nil {
		h.client.logger.Warn("failed to ingest rate limit headers", "error", err)
	}

	var transcription types.Transcription
	if err := json.Unmarshal(p.Body, &transcription); err != nil {
		return nil, types.NewInvalidResponseError(err).WithRequestID(p.RequestID)
	}
	transcription.RequestID = p.RequestID
	return &transcription, nil
}

// TranscribeWithPrompt transcribes with style-guiding context text.
func (h *SpeechHandler) TranscribeWithPrompt(ctx context.Context, filePath, model, prompt string, opts ...TranscribeOption) (*types.Transcription, error) {
	opts = append(opts, WithPrompt(prompt))
	return h.Transcribe(ctx, filePath, model, opts...)
}

// TranscribeWithLanguage transcribes with an ISO 639-1 language hint.
func (h *SpeechHandler) TranscribeWithLanguage(ctx context.Context, filePath, model, language string, opts ...TranscribeOption) (*types.Transcription, error) {
	opts = append(opts, WithLanguage(language))
	return h.Transcribe(ctx, filePath, model, opts...)
}

// TranscribeJSON transcribes with the plain json response format.
func (h *SpeechHandler) TranscribeJSON(ctx context.Context, filePath, model string, opts ...TranscribeOption) (*types.Transcription, error) {
	opts = append(opts, WithResponseFormat("json"))
	return h.Transcribe(ctx, filePath, model, opts...)
}

// TranscribeVerbose transcribes with the verbose_json response format,
// which includes language, duration, and timed segments.
func (h *SpeechHandler) TranscribeVerbose(ctx context.Context, filePath, model string, opts ...TranscribeOption) (*types.Transcription, error) {
	opts = append(opts, WithResponseFormat("verbose_json"))
	return h.Transcribe(ctx, filePath, model, opts...)
}
