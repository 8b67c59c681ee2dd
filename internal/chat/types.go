package chat

import (
	"strings"
	"time"
)

// Kind is the author class of a message.
type Kind string

const (
	KindUser      Kind = "user"
	KindAssistant Kind = "assistant"
	KindSystem    Kind = "system"
)

// ParseKind normalizes a wire kind. Empty means KindUser.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case "", KindUser:
		return KindUser, nil
	case KindAssistant:
		return KindAssistant, nil
	case KindSystem:
		return KindSystem, nil
	default:
		return "", &ValidationError{Field: "kind", Reason: "unknown kind " + strings.TrimSpace(s)}
	}
}

// Message is a room message. ID is assigned by the stream log and is strictly
// increasing within a room; it is empty until the message has been appended.
type Message struct {
	ID        string         `json:"id"`
	RoomID    string         `json:"room_id"`
	AuthorID  string         `json:"author_id"`
	Kind      Kind           `json:"kind"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// CorrelationID returns the client-supplied correlation token, if any.
func (m Message) CorrelationID() string {
	if m.Metadata == nil {
		return ""
	}
	s, _ := m.Metadata["correlation_id"].(string)
	return s
}

// PresenceRecord is one user's presence in one room.
type PresenceRecord struct {
	UserID       string    `json:"user_id"`
	LastActiveAt time.Time `json:"last_active_at"`
	IsActive     bool      `json:"is_active"`
}

// TypingRecord marks a user as typing in a room since Timestamp.
type TypingRecord struct {
	UserID    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ReceiptRecord is a read watermark: everything up to LastReadMessageID has been seen.
type ReceiptRecord struct {
	UserID            string    `json:"user_id"`
	LastReadMessageID string    `json:"last_read_message_id"`
	Timestamp         time.Time `json:"timestamp"`
}
