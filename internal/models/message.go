package models

import "time"

// Message represents an individual entry of the conversation transcript. Content is mutable only while
// StreamingState is StreamingStateStreaming, after that the message is frozen.
type Message struct {
	ID        string
	Role      Role
	Content   string
	Timestamp time.Time

	// IsError marks a message that reports a failure to the user instead of carrying a model response.
	IsError bool
	// Incomplete marks an assistant message whose stream failed before it ended. Its content is whatever
	// arrived before the failure.
	Incomplete bool

	StreamingState string
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a user message.
	RoleUser Role = "user"
	// RoleAssistant represents an assistant message, either a streamed response or an error report.
	RoleAssistant Role = "assistant"
)

const (
	StreamingStateLoading   = "loading"
	StreamingStateStreaming = "streaming"
	StreamingStateEnded     = "ended"
)

// Open reports whether the message still accepts content updates.
func (m Message) Open() bool {
	return m.StreamingState == StreamingStateStreaming
}
