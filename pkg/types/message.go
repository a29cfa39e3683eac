package types

import "strings"

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ValidRole reports whether r is one of the three supported roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// ChatMessage is a single message in a chat completion request or response.
// Once enqueued a message is treated as immutable.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates an assistant message.
func NewAssistantMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleAssistant, Content: content}
}

// ValidateMessages checks that the sequence is non-empty and that every
// message has a supported role and non-blank content. The returned error is
// a *ClientError with code ErrCodeValidation (empty sequence) or
// ErrCodeMessageFormat (bad element, message index included).
func ValidateMessages(messages []ChatMessage) error {
	if len(messages) == 0 {
		return NewValidationError("messages", "messages list cannot be empty")
	}
	for i, m := range messages {
		if !ValidRole(m.Role) {
			return NewMessageFormatError(i, "invalid role: "+string(m.Role))
		}
		if strings.TrimSpace(m.Content) == "" {
			return NewMessageFormatError(i, "content cannot be empty")
		}
	}
	return nil
}
