package client

// Service endpoint paths, resolved against the configured base URL.
const (
	ChatCompletionsEndpoint = "/openai/v1/chat/completions"
	TranscriptionsEndpoint  = "/openai/v1/audio/transcriptions"
	ModelsEndpoint          = "/openai/v1/models"
)
