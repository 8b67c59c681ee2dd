// Package v1 defines the Parley realtime protocol v1 contract.
//
// It is shared between server and clients to keep the wire protocol authoritative.
// Inbound (client -> server) events form a closed set decoded by Decode;
// outbound payloads are plain structs wrapped in an Envelope.
package v1

import (
	"encoding/json"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeRoomJoin joins a room (client -> server) and is echoed after hydration.
	TypeRoomJoin = "room:join"
	// TypeRoomLeave leaves a room (client -> server) and is echoed back.
	TypeRoomLeave = "room:leave"
	// TypeRoomError reports a rejected event (server -> client).
	TypeRoomError = "room:error"

	// TypeMessageSend requests sending a message (client -> server).
	TypeMessageSend = "message:send"
	// TypeMessageNew broadcasts an appended message in stream order (server -> room).
	TypeMessageNew = "message:new"
	// TypeMessageHistory hydrates a joining client, oldest first (server -> client).
	TypeMessageHistory = "message:history"

	// TypeTypingStart and TypeTypingStop flow both ways.
	TypeTypingStart = "typing:start"
	TypeTypingStop  = "typing:stop"

	// TypePresenceHeartbeat refreshes presence (client -> server).
	TypePresenceHeartbeat = "presence:heartbeat"
	// TypePresenceList requests (client) or carries (server) a room snapshot.
	TypePresenceList = "presence:list"
	// TypePresenceUpdate broadcasts one user's presence change (server -> room).
	TypePresenceUpdate = "presence:update"

	// TypeReceiptUpdate moves a read watermark (client) or broadcasts it (server).
	TypeReceiptUpdate = "receipt:update"
	// TypeReceiptList requests (client) or carries (server) a room snapshot.
	TypeReceiptList = "receipt:list"

	// TypeHeartbeat keeps the connection alive; the server answers with the same type.
	TypeHeartbeat = "heartbeat"
)

// Error codes carried by room:error.
const (
	CodeBadJSON          = "bad_json"
	CodeBadEvent         = "bad_event"
	CodeValidation       = "validation"
	CodeRateLimited      = "rate_limited"
	CodeNotJoined        = "not_joined"
	CodeStoreUnavailable = "store_unavailable"
	CodeInternal         = "internal"
)

// History sources carried by message:history.
const (
	SourceSession = "session"
	SourceStream  = "stream"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Marshal wraps payload in an envelope.
func Marshal(typ, id string, ts time.Time, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Envelope{V: Version, Type: typ, ID: id, TS: ts.UTC(), Payload: raw})
}

// ---- Outbound payloads ----

// Message is a stored room message as clients see it.
type Message struct {
	ID        string         `json:"id"`
	RoomID    string         `json:"room_id"`
	AuthorID  string         `json:"author_id"`
	Kind      string         `json:"kind"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Presence is one user's presence.
type Presence struct {
	UserID       string    `json:"user_id"`
	LastActiveAt time.Time `json:"last_active_at"`
	IsActive     bool      `json:"is_active"`
}

// Receipt is one user's read watermark.
type Receipt struct {
	UserID            string    `json:"user_id"`
	LastReadMessageID string    `json:"last_read_message_id"`
	Timestamp         time.Time `json:"timestamp"`
}

// RoomPayload echoes room:join and room:leave.
type RoomPayload struct {
	RoomID string `json:"room_id"`
}

// ErrorPayload is the room:error body. Ref is the id of the rejected envelope.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RoomID  string `json:"room_id,omitempty"`
	Ref     string `json:"ref,omitempty"`
}

// MessageNewPayload carries one appended message.
type MessageNewPayload struct {
	RoomID  string  `json:"room_id"`
	Message Message `json:"message"`
}

// MessageHistoryPayload hydrates a joining client.
type MessageHistoryPayload struct {
	RoomID   string    `json:"room_id"`
	Messages []Message `json:"messages"`
	Source   string    `json:"source"`
}

// TypingPayload is broadcast on typing:start and typing:stop.
type TypingPayload struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

// PresenceListPayload is a room presence snapshot.
type PresenceListPayload struct {
	RoomID string     `json:"room_id"`
	Users  []Presence `json:"users"`
}

// PresenceUpdatePayload is one presence change.
type PresenceUpdatePayload struct {
	RoomID   string   `json:"room_id"`
	Presence Presence `json:"presence"`
}

// ReceiptListPayload is a room receipt snapshot.
type ReceiptListPayload struct {
	RoomID   string    `json:"room_id"`
	Receipts []Receipt `json:"receipts"`
}

// ReceiptUpdatePayload is one effective receipt.
type ReceiptUpdatePayload struct {
	RoomID  string  `json:"room_id"`
	Receipt Receipt `json:"receipt"`
}
