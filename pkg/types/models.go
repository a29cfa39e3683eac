package types

import (
	"strings"
	"time"
)

// ModelKind classifies a model by the operation it serves.
type ModelKind string

const (
	// KindChat marks models used for chat completions.
	KindChat ModelKind = "chat"

	// KindSpeechToText marks transcription models. Context window and
	// completion token limits are semantically unused for this kind.
	KindSpeechToText ModelKind = "stt"
)

// Model describes one entry of the service's model catalog. Descriptors are
// built on registry refresh and replaced atomically as a set; a zero value
// for ContextWindow or MaxCompletionTokens means the catalog did not report
// a limit.
type Model struct {
	ID                  string    `json:"id"`
	Kind                ModelKind `json:"kind"`
	OwnedBy             string    `json:"owned_by"`
	Created             int64     `json:"created"`
	Active              bool      `json:"active"`
	ContextWindow       int       `json:"context_window,omitempty"`
	MaxCompletionTokens int       `json:"max_completion_tokens,omitempty"`
}

// Priority is the dispatch class of a queued request. Higher priorities are
// always dispatched before lower ones; within a priority dispatch is FIFO.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Priorities lists all priorities in dispatch order, highest first.
var Priorities = []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

// ParsePriority maps a string to a Priority. Unknown values coerce to
// PriorityNormal; this is intentional so callers never fail on priority
// alone.
func ParsePriority(s string) Priority {
	switch Priority(strings.ToLower(s)) {
	case PriorityUrgent:
		return PriorityUrgent
	case PriorityHigh:
		return PriorityHigh
	case PriorityNormal:
		return PriorityNormal
	case PriorityLow:
		return PriorityLow
	}
	return PriorityNormal
}

// UsageRecord captures the token cost of one accounted dispatch. Records are
// append-only.
type UsageRecord struct {
	Timestamp    time.Time `json:"timestamp"`
	Model        string    `json:"model"`
	TokenCount   int       `json:"token_count"`
	RequestID    string    `json:"request_id,omitempty"`
	MessageCount int       `json:"message_count"`
}
